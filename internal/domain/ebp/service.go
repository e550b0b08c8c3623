package ebp

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Service owns the primary writes to practices and their child collections.
// Every write that can change a practice's derived metrics is followed by a
// Recalculator.Refresh; the returned *DerivedMetrics is nil when the refresh
// did not succeed, and the error return only ever reflects the primary write.
type Service struct {
	store  Store
	recalc *Recalculator
	logger zerolog.Logger
	now    func() time.Time
}

func NewService(store Store, recalc *Recalculator, logger zerolog.Logger) *Service {
	return &Service{
		store:  store,
		recalc: recalc,
		logger: logger.With().Str("component", "ebp_service").Logger(),
		now:    time.Now,
	}
}

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: "+format, append([]interface{}{ErrValidation}, args...)...)
}

func (s *Service) today() time.Time {
	return dateOnly(s.now().UTC())
}

func (s *Service) requirePractice(ctx context.Context, id uuid.UUID) (*Practice, error) {
	if id == uuid.Nil {
		return nil, invalid("ebp_id is required")
	}
	p, err := s.store.Practices.GetByID(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrPracticeNotFound
	}
	return p, err
}

// -- Practice --

func validatePractice(p *Practice) error {
	p.Name = strings.TrimSpace(p.Name)
	if p.Name == "" {
		return invalid("name is required")
	}
	if p.TotalStaff < 0 {
		return invalid("total_staff cannot be negative")
	}
	if p.Status == "" {
		p.Status = PracticeActive
	}
	switch p.Status {
	case PracticeActive, PracticeInactive, PracticeRetired:
	default:
		return invalid("status must be one of active, inactive, retired")
	}
	return nil
}

func (s *Service) CreatePractice(ctx context.Context, p *Practice) error {
	if err := validatePractice(p); err != nil {
		return err
	}
	return s.store.Practices.Create(ctx, p)
}

func (s *Service) GetPractice(ctx context.Context, id uuid.UUID) (*Practice, error) {
	return s.requirePractice(ctx, id)
}

func (s *Service) ListPractices(ctx context.Context, limit, offset int) ([]*Practice, int, error) {
	return s.store.Practices.List(ctx, limit, offset)
}

// UpdatePractice changes the descriptive fields and total_staff. Adoption
// depends on total_staff, so metrics are refreshed afterwards.
func (s *Service) UpdatePractice(ctx context.Context, p *Practice) (*DerivedMetrics, error) {
	if err := validatePractice(p); err != nil {
		return nil, err
	}
	if err := s.store.Practices.Update(ctx, p); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrPracticeNotFound
		}
		return nil, err
	}
	m := s.recalc.Refresh(ctx, p.ID)
	p.ApplyMetrics(m)
	return m, nil
}

// GetMetrics returns the cached metrics without recalculating.
func (s *Service) GetMetrics(ctx context.Context, id uuid.UUID) (*DerivedMetrics, error) {
	p, err := s.requirePractice(ctx, id)
	if err != nil {
		return nil, err
	}
	m := p.Metrics()
	return &m, nil
}

// -- Staff Assignment --

func (s *Service) validateAssignment(a *StaffAssignment) error {
	if a.StaffID == uuid.Nil {
		return invalid("staff_id is required")
	}
	if a.Status == "" {
		a.Status = StaffPending
	}
	switch a.Status {
	case StaffPending, StaffTrained, StaffCertified, StaffInactive:
	default:
		return invalid("status must be one of pending, trained, certified, inactive")
	}

	today := s.today()
	a.TrainingDate = normalizeDate(a.TrainingDate)
	a.CertificationDate = normalizeDate(a.CertificationDate)
	a.CertificationExpiry = normalizeDate(a.CertificationExpiry)

	if a.TrainingDate != nil && a.TrainingDate.After(today) {
		return invalid("training_date cannot be in the future")
	}
	if a.CertificationDate != nil {
		if a.CertificationDate.After(today) {
			return invalid("certification_date cannot be in the future")
		}
		if a.TrainingDate != nil && a.CertificationDate.Before(*a.TrainingDate) {
			return invalid("certification_date cannot be before training_date")
		}
	}
	if a.CertificationExpiry != nil {
		if a.CertificationDate != nil {
			if !a.CertificationExpiry.After(*a.CertificationDate) {
				return invalid("certification_expiry must be after certification_date")
			}
		} else if !a.CertificationExpiry.After(today) {
			return invalid("certification_expiry must be in the future")
		}
	}
	return nil
}

// AssignStaff creates or replaces the assignment of one staff member.
func (s *Service) AssignStaff(ctx context.Context, a *StaffAssignment) (*DerivedMetrics, error) {
	if _, err := s.requirePractice(ctx, a.PracticeID); err != nil {
		return nil, err
	}
	if err := s.validateAssignment(a); err != nil {
		return nil, err
	}
	if err := s.store.Assignments.Upsert(ctx, a); err != nil {
		return nil, fmt.Errorf("upsert staff assignment: %w", err)
	}
	return s.recalc.Refresh(ctx, a.PracticeID), nil
}

// BulkAssignment applies one status and date set to many staff members.
type BulkAssignment struct {
	StaffIDs            []uuid.UUID
	Status              string
	TrainingDate        *time.Time
	CertificationDate   *time.Time
	CertificationExpiry *time.Time
	Notes               *string
}

// BulkAssignStaff upserts every staff member and refreshes metrics once.
// Validation happens up front; if an upsert fails midway the rows already
// written are kept, metrics are still refreshed and the error is returned.
func (s *Service) BulkAssignStaff(ctx context.Context, practiceID uuid.UUID, req BulkAssignment) ([]*StaffAssignment, *DerivedMetrics, error) {
	if _, err := s.requirePractice(ctx, practiceID); err != nil {
		return nil, nil, err
	}
	if len(req.StaffIDs) == 0 {
		return nil, nil, invalid("staff_ids is required")
	}

	seen := make(map[uuid.UUID]bool, len(req.StaffIDs))
	pending := make([]*StaffAssignment, 0, len(req.StaffIDs))
	for _, staffID := range req.StaffIDs {
		if seen[staffID] {
			continue
		}
		seen[staffID] = true
		a := &StaffAssignment{
			PracticeID:          practiceID,
			StaffID:             staffID,
			Status:              req.Status,
			TrainingDate:        req.TrainingDate,
			CertificationDate:   req.CertificationDate,
			CertificationExpiry: req.CertificationExpiry,
			Notes:               req.Notes,
		}
		if err := s.validateAssignment(a); err != nil {
			return nil, nil, err
		}
		pending = append(pending, a)
	}

	var written []*StaffAssignment
	for _, a := range pending {
		if err := s.store.Assignments.Upsert(ctx, a); err != nil {
			var m *DerivedMetrics
			if len(written) > 0 {
				m = s.recalc.Refresh(ctx, practiceID)
			}
			return written, m, fmt.Errorf("upsert staff assignment for %s: %w", a.StaffID, err)
		}
		written = append(written, a)
	}
	return written, s.recalc.Refresh(ctx, practiceID), nil
}

func (s *Service) RemoveStaffAssignment(ctx context.Context, practiceID, staffID uuid.UUID) (*DerivedMetrics, error) {
	if _, err := s.requirePractice(ctx, practiceID); err != nil {
		return nil, err
	}
	if err := s.store.Assignments.Delete(ctx, practiceID, staffID); err != nil {
		return nil, err
	}
	return s.recalc.Refresh(ctx, practiceID), nil
}

func (s *Service) ListStaffAssignments(ctx context.Context, practiceID uuid.UUID, limit, offset int) ([]*StaffAssignment, int, error) {
	if _, err := s.requirePractice(ctx, practiceID); err != nil {
		return nil, 0, err
	}
	return s.store.Assignments.ListByPractice(ctx, practiceID, limit, offset)
}

// -- Fidelity Assessment --

func (s *Service) CreateAssessment(ctx context.Context, a *FidelityAssessment) (*DerivedMetrics, error) {
	if _, err := s.requirePractice(ctx, a.PracticeID); err != nil {
		return nil, err
	}
	if a.AssessmentDate.IsZero() {
		return nil, invalid("assessment_date is required")
	}
	a.AssessmentDate = dateOnly(a.AssessmentDate)
	if a.AssessmentDate.After(s.today()) {
		return nil, invalid("assessment_date cannot be in the future")
	}
	if math.IsNaN(a.FidelityScore) || a.FidelityScore < 0 || a.FidelityScore > 100 {
		return nil, invalid("fidelity_score must be between 0 and 100")
	}
	if err := s.store.Assessments.Create(ctx, a); err != nil {
		return nil, fmt.Errorf("create fidelity assessment: %w", err)
	}
	return s.recalc.Refresh(ctx, a.PracticeID), nil
}

func (s *Service) GetAssessment(ctx context.Context, id uuid.UUID) (*FidelityAssessment, error) {
	return s.store.Assessments.GetByID(ctx, id)
}

func (s *Service) ListAssessments(ctx context.Context, practiceID uuid.UUID, limit, offset int) ([]*FidelityAssessment, int, error) {
	if _, err := s.requirePractice(ctx, practiceID); err != nil {
		return nil, 0, err
	}
	return s.store.Assessments.ListByPractice(ctx, practiceID, limit, offset)
}

// -- Outcome --

func (s *Service) validateOutcome(o *Outcome) error {
	if o.PatientID == uuid.Nil {
		return invalid("patient_id is required")
	}
	o.OutcomeType = strings.TrimSpace(o.OutcomeType)
	if o.OutcomeType == "" {
		return invalid("outcome_type is required")
	}
	if o.MeasurementDate.IsZero() {
		return invalid("measurement_date is required")
	}
	o.MeasurementDate = dateOnly(o.MeasurementDate)
	if o.MeasurementDate.After(s.today()) {
		return invalid("measurement_date cannot be in the future")
	}

	o.OutcomeCategory = ClassifyOutcomeType(o.OutcomeType)
	if o.OutcomeValue == nil {
		return nil
	}
	v := *o.OutcomeValue
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return invalid("outcome_value must be a finite number")
	}
	switch {
	case IsExplicitPercentage(o.OutcomeType):
		if v < 0 || v > 100 {
			return invalid("outcome_value for a percentage must be between 0 and 100")
		}
	case o.OutcomeCategory == CategoryCount:
		if v < 0 {
			return invalid("outcome_value for a count cannot be negative")
		}
	}
	return nil
}

// CreateOutcome records one outcome measurement. A duplicate
// (practice, patient, type, date) returns ErrDuplicateOutcome and metrics
// are left untouched.
func (s *Service) CreateOutcome(ctx context.Context, o *Outcome) (*DerivedMetrics, error) {
	if _, err := s.requirePractice(ctx, o.PracticeID); err != nil {
		return nil, err
	}
	if err := s.validateOutcome(o); err != nil {
		return nil, err
	}
	if err := s.store.Outcomes.Create(ctx, o); err != nil {
		return nil, err
	}
	return s.recalc.Refresh(ctx, o.PracticeID), nil
}

// Bulk outcome row statuses.
const (
	BulkCreated   = "created"
	BulkDuplicate = "duplicate"
	BulkInvalid   = "invalid"
	BulkFailed    = "error"
)

// BulkOutcomeResult is the per-row result of BulkCreateOutcomes.
type BulkOutcomeResult struct {
	Index   int      `json:"index"`
	Status  string   `json:"status"`
	Error   string   `json:"error,omitempty"`
	Outcome *Outcome `json:"outcome,omitempty"`
}

// BulkOutcomeReport summarises a bulk outcome import.
type BulkOutcomeReport struct {
	Created        int                  `json:"created"`
	Duplicates     int                  `json:"duplicates"`
	Invalid        int                  `json:"invalid"`
	Failed         int                  `json:"failed"`
	Results        []*BulkOutcomeResult `json:"results"`
	UpdatedMetrics *DerivedMetrics      `json:"updated_metrics"`
}

// BulkCreateOutcomes inserts each outcome independently and refreshes
// metrics once if at least one row was created.
func (s *Service) BulkCreateOutcomes(ctx context.Context, practiceID uuid.UUID, outcomes []*Outcome) (*BulkOutcomeReport, error) {
	if _, err := s.requirePractice(ctx, practiceID); err != nil {
		return nil, err
	}
	if len(outcomes) == 0 {
		return nil, invalid("outcomes is required")
	}

	report := &BulkOutcomeReport{Results: make([]*BulkOutcomeResult, 0, len(outcomes))}
	for i, o := range outcomes {
		res := &BulkOutcomeResult{Index: i}
		report.Results = append(report.Results, res)
		if o == nil {
			res.Status, res.Error = BulkInvalid, "empty outcome"
			report.Invalid++
			continue
		}
		o.PracticeID = practiceID
		if err := s.validateOutcome(o); err != nil {
			res.Status, res.Error = BulkInvalid, err.Error()
			report.Invalid++
			continue
		}
		err := s.store.Outcomes.Create(ctx, o)
		switch {
		case errors.Is(err, ErrDuplicateOutcome):
			res.Status, res.Error = BulkDuplicate, err.Error()
			report.Duplicates++
		case err != nil:
			res.Status, res.Error = BulkFailed, err.Error()
			report.Failed++
			s.logger.Error().Err(err).Str("ebp_id", practiceID.String()).Int("index", i).Msg("bulk outcome insert failed")
		default:
			res.Status, res.Outcome = BulkCreated, o
			report.Created++
		}
	}

	if report.Created > 0 {
		report.UpdatedMetrics = s.recalc.Refresh(ctx, practiceID)
	}
	return report, nil
}

func (s *Service) GetOutcome(ctx context.Context, id uuid.UUID) (*Outcome, error) {
	return s.store.Outcomes.GetByID(ctx, id)
}

func (s *Service) ListOutcomes(ctx context.Context, practiceID uuid.UUID, limit, offset int) ([]*Outcome, int, error) {
	if _, err := s.requirePractice(ctx, practiceID); err != nil {
		return nil, 0, err
	}
	return s.store.Outcomes.ListByPractice(ctx, practiceID, limit, offset)
}

// OutcomeSummary aggregates the outcomes that feed the sustainability score.
func (s *Service) OutcomeSummary(ctx context.Context, practiceID uuid.UUID) ([]CategorySummary, error) {
	if _, err := s.requirePractice(ctx, practiceID); err != nil {
		return nil, err
	}
	outcomes, err := s.store.Outcomes.ListRecentValued(ctx, practiceID, OutcomeWindow)
	if err != nil {
		return nil, err
	}
	return SummarizeOutcomes(outcomes), nil
}

// -- Recalculation --

// RecalculatePractice recalculates on demand; unlike Refresh it reports
// failures to the caller.
func (s *Service) RecalculatePractice(ctx context.Context, id uuid.UUID) (*DerivedMetrics, error) {
	return s.recalc.Recalculate(ctx, id)
}

func (s *Service) RecalculateAll(ctx context.Context) (*SweepReport, error) {
	return s.recalc.Sweep(ctx)
}

func normalizeDate(t *time.Time) *time.Time {
	if t == nil || t.IsZero() {
		return nil
	}
	d := dateOnly(*t)
	return &d
}
