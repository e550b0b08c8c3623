package ebp

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var testNow = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

func testDate(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func floatPtr(v float64) *float64 { return &v }

// -- Mock Repositories --

type mockPracticeRepo struct {
	records          map[uuid.UUID]*Practice
	getErr           error
	listErr          error
	updateMetricsErr error
	metricsWrites    int
}

func newMockPracticeRepo() *mockPracticeRepo {
	return &mockPracticeRepo{records: make(map[uuid.UUID]*Practice)}
}

func (m *mockPracticeRepo) Create(_ context.Context, p *Practice) error {
	p.ID = uuid.New()
	p.CreatedAt = testNow
	p.UpdatedAt = testNow
	cp := *p
	m.records[p.ID] = &cp
	return nil
}

func (m *mockPracticeRepo) GetByID(_ context.Context, id uuid.UUID) (*Practice, error) {
	if m.getErr != nil {
		return nil, m.getErr
	}
	p, ok := m.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *mockPracticeRepo) Update(_ context.Context, p *Practice) error {
	stored, ok := m.records[p.ID]
	if !ok {
		return ErrNotFound
	}
	stored.Name = p.Name
	stored.Description = p.Description
	stored.Category = p.Category
	stored.Status = p.Status
	stored.TotalStaff = p.TotalStaff
	return nil
}

func (m *mockPracticeRepo) List(_ context.Context, limit, offset int) ([]*Practice, int, error) {
	if m.listErr != nil {
		return nil, 0, m.listErr
	}
	var result []*Practice
	for _, p := range m.records {
		cp := *p
		result = append(result, &cp)
	}
	return result, len(result), nil
}

func (m *mockPracticeRepo) ListActive(_ context.Context) ([]*Practice, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	var result []*Practice
	for _, p := range m.records {
		if p.Status == PracticeActive {
			cp := *p
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

func (m *mockPracticeRepo) UpdateMetrics(_ context.Context, id uuid.UUID, dm *DerivedMetrics) error {
	if m.updateMetricsErr != nil {
		return m.updateMetricsErr
	}
	p, ok := m.records[id]
	if !ok {
		return ErrNotFound
	}
	p.ApplyMetrics(dm)
	p.UpdatedAt = dm.CalculatedAt
	m.metricsWrites++
	return nil
}

type assignmentKey struct {
	practice uuid.UUID
	staff    uuid.UUID
}

type mockAssignmentRepo struct {
	records  map[assignmentKey]*StaffAssignment
	countErr error
	failOn   uuid.UUID
}

func newMockAssignmentRepo() *mockAssignmentRepo {
	return &mockAssignmentRepo{records: make(map[assignmentKey]*StaffAssignment)}
}

func (m *mockAssignmentRepo) Upsert(_ context.Context, a *StaffAssignment) error {
	if m.failOn != uuid.Nil && a.StaffID == m.failOn {
		return context.DeadlineExceeded
	}
	key := assignmentKey{a.PracticeID, a.StaffID}
	if existing, ok := m.records[key]; ok {
		a.ID = existing.ID
		a.CreatedAt = existing.CreatedAt
	} else {
		a.ID = uuid.New()
		a.CreatedAt = testNow
	}
	a.UpdatedAt = testNow
	cp := *a
	m.records[key] = &cp
	return nil
}

func (m *mockAssignmentRepo) Delete(_ context.Context, practiceID, staffID uuid.UUID) error {
	key := assignmentKey{practiceID, staffID}
	if _, ok := m.records[key]; !ok {
		return ErrNotFound
	}
	delete(m.records, key)
	return nil
}

func (m *mockAssignmentRepo) ListByPractice(_ context.Context, practiceID uuid.UUID, limit, offset int) ([]*StaffAssignment, int, error) {
	var result []*StaffAssignment
	for _, a := range m.records {
		if a.PracticeID == practiceID {
			result = append(result, a)
		}
	}
	return result, len(result), nil
}

func (m *mockAssignmentRepo) CountByStatus(_ context.Context, practiceID uuid.UUID, statuses []string) (int, error) {
	if m.countErr != nil {
		return 0, m.countErr
	}
	n := 0
	for _, a := range m.records {
		if a.PracticeID != practiceID {
			continue
		}
		for _, s := range statuses {
			if a.Status == s {
				n++
				break
			}
		}
	}
	return n, nil
}

type mockAssessmentRepo struct {
	records []*FidelityAssessment
	listErr error
}

func newMockAssessmentRepo() *mockAssessmentRepo {
	return &mockAssessmentRepo{}
}

func (m *mockAssessmentRepo) Create(_ context.Context, a *FidelityAssessment) error {
	a.ID = uuid.New()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = testNow
	}
	m.records = append(m.records, a)
	return nil
}

func (m *mockAssessmentRepo) GetByID(_ context.Context, id uuid.UUID) (*FidelityAssessment, error) {
	for _, a := range m.records {
		if a.ID == id {
			return a, nil
		}
	}
	return nil, ErrNotFound
}

func (m *mockAssessmentRepo) ListByPractice(_ context.Context, practiceID uuid.UUID, limit, offset int) ([]*FidelityAssessment, int, error) {
	var result []*FidelityAssessment
	for _, a := range m.records {
		if a.PracticeID == practiceID {
			result = append(result, a)
		}
	}
	return result, len(result), nil
}

func (m *mockAssessmentRepo) ListRecent(_ context.Context, practiceID uuid.UUID, limit int) ([]*FidelityAssessment, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	var result []*FidelityAssessment
	for _, a := range m.records {
		if a.PracticeID == practiceID {
			result = append(result, a)
		}
	}
	sort.SliceStable(result, func(i, j int) bool { return result[i].AssessmentDate.After(result[j].AssessmentDate) })
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

type mockOutcomeRepo struct {
	records []*Outcome
	listErr error
}

func newMockOutcomeRepo() *mockOutcomeRepo {
	return &mockOutcomeRepo{}
}

func (m *mockOutcomeRepo) Create(_ context.Context, o *Outcome) error {
	for _, existing := range m.records {
		if existing.PracticeID == o.PracticeID && existing.PatientID == o.PatientID &&
			existing.OutcomeType == o.OutcomeType && existing.MeasurementDate.Equal(o.MeasurementDate) {
			return ErrDuplicateOutcome
		}
	}
	o.ID = uuid.New()
	o.CreatedAt = testNow
	m.records = append(m.records, o)
	return nil
}

func (m *mockOutcomeRepo) GetByID(_ context.Context, id uuid.UUID) (*Outcome, error) {
	for _, o := range m.records {
		if o.ID == id {
			return o, nil
		}
	}
	return nil, ErrNotFound
}

func (m *mockOutcomeRepo) ListByPractice(_ context.Context, practiceID uuid.UUID, limit, offset int) ([]*Outcome, int, error) {
	var result []*Outcome
	for _, o := range m.records {
		if o.PracticeID == practiceID {
			result = append(result, o)
		}
	}
	return result, len(result), nil
}

func (m *mockOutcomeRepo) ListRecentValued(_ context.Context, practiceID uuid.UUID, limit int) ([]*Outcome, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	var result []*Outcome
	for _, o := range m.records {
		if o.PracticeID == practiceID && o.OutcomeValue != nil {
			result = append(result, o)
		}
	}
	sort.SliceStable(result, func(i, j int) bool { return result[i].MeasurementDate.After(result[j].MeasurementDate) })
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// -- Fixtures --

type mockRepos struct {
	practices   *mockPracticeRepo
	assignments *mockAssignmentRepo
	assessments *mockAssessmentRepo
	outcomes    *mockOutcomeRepo
}

func newMockRepos() *mockRepos {
	return &mockRepos{
		practices:   newMockPracticeRepo(),
		assignments: newMockAssignmentRepo(),
		assessments: newMockAssessmentRepo(),
		outcomes:    newMockOutcomeRepo(),
	}
}

func (r *mockRepos) store() Store {
	return Store{
		Practices:   r.practices,
		Assignments: r.assignments,
		Assessments: r.assessments,
		Outcomes:    r.outcomes,
	}
}

func newTestRecalculator(repos *mockRepos) *Recalculator {
	rc := NewRecalculator(repos.store(), zerolog.Nop())
	rc.now = func() time.Time { return testNow }
	return rc
}

func newTestService() (*Service, *mockRepos) {
	repos := newMockRepos()
	svc := NewService(repos.store(), newTestRecalculator(repos), zerolog.Nop())
	svc.now = func() time.Time { return testNow }
	return svc, repos
}

func seedPractice(repos *mockRepos, name string, totalStaff int) *Practice {
	p := &Practice{Name: name, Status: PracticeActive, TotalStaff: totalStaff}
	repos.practices.Create(context.Background(), p)
	return p
}
