package ebp

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// dateLayout is the wire format of DATE columns.
const dateLayout = "2006-01-02"

// Practice statuses.
const (
	PracticeActive   = "active"
	PracticeInactive = "inactive"
	PracticeRetired  = "retired"
)

// Staff assignment statuses.
const (
	StaffPending   = "pending"
	StaffTrained   = "trained"
	StaffCertified = "certified"
	StaffInactive  = "inactive"
)

// Practice maps to the ebp_practice table. The trained_staff, adoption_rate,
// fidelity_score, last_fidelity_review and sustainability_score columns are
// owned by the Recalculator and are never accepted from clients.
type Practice struct {
	ID                  uuid.UUID  `db:"id" json:"id"`
	Name                string     `db:"name" json:"name"`
	Description         *string    `db:"description" json:"description,omitempty"`
	Category            *string    `db:"category" json:"category,omitempty"`
	Status              string     `db:"status" json:"status"`
	TotalStaff          int        `db:"total_staff" json:"total_staff"`
	TrainedStaff        int        `db:"trained_staff" json:"trained_staff"`
	AdoptionRate        int        `db:"adoption_rate" json:"adoption_rate"`
	FidelityScore       int        `db:"fidelity_score" json:"fidelity_score"`
	LastFidelityReview  *time.Time `db:"last_fidelity_review" json:"last_fidelity_review,omitempty" format:"date"`
	SustainabilityScore int        `db:"sustainability_score" json:"sustainability_score"`
	CreatedAt           time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt           time.Time  `db:"updated_at" json:"updated_at"`
}

// Metrics returns the cached derived fields of the practice.
func (p *Practice) Metrics() DerivedMetrics {
	return DerivedMetrics{
		TrainedStaff:        p.TrainedStaff,
		AdoptionRate:        p.AdoptionRate,
		FidelityScore:       p.FidelityScore,
		LastFidelityReview:  p.LastFidelityReview,
		SustainabilityScore: p.SustainabilityScore,
		CalculatedAt:        p.UpdatedAt,
	}
}

// ApplyMetrics copies freshly computed metrics onto the practice.
func (p *Practice) ApplyMetrics(m *DerivedMetrics) {
	if m == nil {
		return
	}
	p.TrainedStaff = m.TrainedStaff
	p.AdoptionRate = m.AdoptionRate
	p.FidelityScore = m.FidelityScore
	p.LastFidelityReview = m.LastFidelityReview
	p.SustainabilityScore = m.SustainabilityScore
}

// StaffAssignment maps to the ebp_staff_assignment table.
type StaffAssignment struct {
	ID                  uuid.UUID  `db:"id" json:"id"`
	PracticeID          uuid.UUID  `db:"ebp_id" json:"ebp_id"`
	StaffID             uuid.UUID  `db:"staff_id" json:"staff_id"`
	Status              string     `db:"status" json:"status"`
	TrainingDate        *time.Time `db:"training_date" json:"training_date,omitempty" format:"date"`
	CertificationDate   *time.Time `db:"certification_date" json:"certification_date,omitempty" format:"date"`
	CertificationExpiry *time.Time `db:"certification_expiry" json:"certification_expiry,omitempty" format:"date"`
	Notes               *string    `db:"notes" json:"notes,omitempty"`
	CreatedAt           time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt           time.Time  `db:"updated_at" json:"updated_at"`
}

// FidelityAssessment maps to the ebp_fidelity_assessment table. Rows are
// immutable once created.
type FidelityAssessment struct {
	ID             uuid.UUID  `db:"id" json:"id"`
	PracticeID     uuid.UUID  `db:"ebp_id" json:"ebp_id"`
	AssessorID     *uuid.UUID `db:"assessor_id" json:"assessor_id,omitempty"`
	AssessmentDate time.Time  `db:"assessment_date" json:"assessment_date" format:"date"`
	FidelityScore  float64    `db:"fidelity_score" json:"fidelity_score"`
	Notes          *string    `db:"notes" json:"notes,omitempty"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
}

// Outcome maps to the ebp_outcome table.
type Outcome struct {
	ID              uuid.UUID       `db:"id" json:"id"`
	PracticeID      uuid.UUID       `db:"ebp_id" json:"ebp_id"`
	PatientID       uuid.UUID       `db:"patient_id" json:"patient_id"`
	OutcomeType     string          `db:"outcome_type" json:"outcome_type"`
	OutcomeCategory OutcomeCategory `db:"-" json:"outcome_category"`
	OutcomeValue    *float64        `db:"outcome_value" json:"outcome_value,omitempty"`
	MeasurementDate time.Time       `db:"measurement_date" json:"measurement_date" format:"date"`
	Notes           *string         `db:"notes" json:"notes,omitempty"`
	CreatedAt       time.Time       `db:"created_at" json:"created_at"`
}

// DerivedMetrics are the cached scores written back onto a Practice.
type DerivedMetrics struct {
	TrainedStaff        int        `json:"trained_staff"`
	AdoptionRate        int        `json:"adoption_rate"`
	FidelityScore       int        `json:"fidelity_score"`
	LastFidelityReview  *time.Time `json:"last_fidelity_review" format:"date"`
	SustainabilityScore int        `json:"sustainability_score"`
	CalculatedAt        time.Time  `json:"calculated_at"`
}

// Equal reports whether two metric sets carry the same scores, ignoring
// CalculatedAt.
func (m DerivedMetrics) Equal(o DerivedMetrics) bool {
	return len(m.Diff(o)) == 0
}

// Diff lists the json names of the metrics that differ between m and o.
// CalculatedAt is ignored.
func (m DerivedMetrics) Diff(o DerivedMetrics) []string {
	var changed []string
	if m.TrainedStaff != o.TrainedStaff {
		changed = append(changed, "trained_staff")
	}
	if m.AdoptionRate != o.AdoptionRate {
		changed = append(changed, "adoption_rate")
	}
	if m.FidelityScore != o.FidelityScore {
		changed = append(changed, "fidelity_score")
	}
	if !sameDate(m.LastFidelityReview, o.LastFidelityReview) {
		changed = append(changed, "last_fidelity_review")
	}
	if m.SustainabilityScore != o.SustainabilityScore {
		changed = append(changed, "sustainability_score")
	}
	return changed
}

func sameDate(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

// Sweep entry statuses.
const (
	SweepUpdated   = "updated"
	SweepUnchanged = "unchanged"
	SweepError     = "error"
)

// SweepResult is the per-practice entry of a recalculation sweep.
// OldScore and NewScore carry the fidelity score; Changed names every
// metric that moved, so an update can come from adoption or sustainability
// alone.
type SweepResult struct {
	PracticeID uuid.UUID       `json:"ebp_id"`
	Name       string          `json:"name"`
	OldScore   int             `json:"old_score"`
	NewScore   *int            `json:"new_score"`
	Status     string          `json:"status"`
	Changed    []string        `json:"changed,omitempty"`
	Error      string          `json:"error,omitempty"`
	OldMetrics *DerivedMetrics `json:"old_metrics,omitempty"`
	Metrics    *DerivedMetrics `json:"metrics,omitempty"`
}

// SweepReport summarises a sweep over all active practices.
type SweepReport struct {
	Total     int            `json:"total"`
	Updated   int            `json:"updated"`
	Unchanged int            `json:"unchanged"`
	Errors    int            `json:"errors"`
	Results   []*SweepResult `json:"results"`
	StartedAt time.Time      `json:"started_at"`
	Duration  string         `json:"duration"`
}

func formatDate(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format(dateLayout)
	return &s
}

// parseJSONDate reads a DATE field back. RFC 3339 values are accepted and
// truncated to their calendar date.
func parseJSONDate(s *string) (*time.Time, error) {
	if s == nil || *s == "" {
		return nil, nil
	}
	if t, err := time.Parse(dateLayout, *s); err == nil {
		return &t, nil
	}
	t, err := time.Parse(time.RFC3339, *s)
	if err != nil {
		return nil, err
	}
	d := dateOnly(t)
	return &d, nil
}

func (p Practice) MarshalJSON() ([]byte, error) {
	type Alias Practice
	return json.Marshal(struct {
		Alias
		LastFidelityReview *string `json:"last_fidelity_review,omitempty"`
	}{Alias(p), formatDate(p.LastFidelityReview)})
}

func (p *Practice) UnmarshalJSON(b []byte) error {
	type Alias Practice
	aux := struct {
		*Alias
		LastFidelityReview *string `json:"last_fidelity_review"`
	}{Alias: (*Alias)(p)}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	t, err := parseJSONDate(aux.LastFidelityReview)
	if err != nil {
		return err
	}
	p.LastFidelityReview = t
	return nil
}

func (m DerivedMetrics) MarshalJSON() ([]byte, error) {
	type Alias DerivedMetrics
	return json.Marshal(struct {
		Alias
		LastFidelityReview *string `json:"last_fidelity_review"`
	}{Alias(m), formatDate(m.LastFidelityReview)})
}

func (m *DerivedMetrics) UnmarshalJSON(b []byte) error {
	type Alias DerivedMetrics
	aux := struct {
		*Alias
		LastFidelityReview *string `json:"last_fidelity_review"`
	}{Alias: (*Alias)(m)}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	t, err := parseJSONDate(aux.LastFidelityReview)
	if err != nil {
		return err
	}
	m.LastFidelityReview = t
	return nil
}

func (a StaffAssignment) MarshalJSON() ([]byte, error) {
	type Alias StaffAssignment
	return json.Marshal(struct {
		Alias
		TrainingDate        *string `json:"training_date,omitempty"`
		CertificationDate   *string `json:"certification_date,omitempty"`
		CertificationExpiry *string `json:"certification_expiry,omitempty"`
	}{Alias(a), formatDate(a.TrainingDate), formatDate(a.CertificationDate), formatDate(a.CertificationExpiry)})
}

func (a *StaffAssignment) UnmarshalJSON(b []byte) error {
	type Alias StaffAssignment
	aux := struct {
		*Alias
		TrainingDate        *string `json:"training_date"`
		CertificationDate   *string `json:"certification_date"`
		CertificationExpiry *string `json:"certification_expiry"`
	}{Alias: (*Alias)(a)}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	var err error
	if a.TrainingDate, err = parseJSONDate(aux.TrainingDate); err != nil {
		return err
	}
	if a.CertificationDate, err = parseJSONDate(aux.CertificationDate); err != nil {
		return err
	}
	a.CertificationExpiry, err = parseJSONDate(aux.CertificationExpiry)
	return err
}

func (a FidelityAssessment) MarshalJSON() ([]byte, error) {
	type Alias FidelityAssessment
	return json.Marshal(struct {
		Alias
		AssessmentDate *string `json:"assessment_date"`
	}{Alias(a), formatDate(&a.AssessmentDate)})
}

func (a *FidelityAssessment) UnmarshalJSON(b []byte) error {
	type Alias FidelityAssessment
	aux := struct {
		*Alias
		AssessmentDate *string `json:"assessment_date"`
	}{Alias: (*Alias)(a)}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	t, err := parseJSONDate(aux.AssessmentDate)
	if err != nil || t == nil {
		return err
	}
	a.AssessmentDate = *t
	return nil
}

func (o Outcome) MarshalJSON() ([]byte, error) {
	type Alias Outcome
	return json.Marshal(struct {
		Alias
		MeasurementDate *string `json:"measurement_date"`
	}{Alias(o), formatDate(&o.MeasurementDate)})
}

func (o *Outcome) UnmarshalJSON(b []byte) error {
	type Alias Outcome
	aux := struct {
		*Alias
		MeasurementDate *string `json:"measurement_date"`
	}{Alias: (*Alias)(o)}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	t, err := parseJSONDate(aux.MeasurementDate)
	if err != nil || t == nil {
		return err
	}
	o.MeasurementDate = *t
	return nil
}
