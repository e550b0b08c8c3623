package ebp

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

type recordingObserver struct {
	results []string
	sweep   []string
}

func (o *recordingObserver) ObserveRecalculation(result string, _ time.Duration) {
	o.results = append(o.results, result)
}

func (o *recordingObserver) ObserveSweepEntry(status string) {
	o.sweep = append(o.sweep, status)
}

// seedScenario builds the reference practice: 10 staff, 4 trained, one
// assessment of 82 today and outcomes 70, 75, 80.
func seedScenario(repos *mockRepos) *Practice {
	ctx := context.Background()
	p := seedPractice(repos, "Motivational Interviewing", 10)
	for i := 0; i < 4; i++ {
		repos.assignments.Upsert(ctx, &StaffAssignment{PracticeID: p.ID, StaffID: uuid.New(), Status: StaffTrained})
	}
	repos.assignments.Upsert(ctx, &StaffAssignment{PracticeID: p.ID, StaffID: uuid.New(), Status: StaffPending})
	repos.assessments.Create(ctx, &FidelityAssessment{PracticeID: p.ID, AssessmentDate: testDate(2025, 6, 15), FidelityScore: 82})
	for i, v := range []float64{70, 75, 80} {
		repos.outcomes.Create(ctx, &Outcome{
			PracticeID:      p.ID,
			PatientID:       uuid.New(),
			OutcomeType:     "PHQ-9 score",
			OutcomeValue:    floatPtr(v),
			MeasurementDate: testDate(2025, 6, 10+i),
		})
	}
	return p
}

func TestRecalculate(t *testing.T) {
	repos := newMockRepos()
	p := seedScenario(repos)
	rc := newTestRecalculator(repos)
	obs := &recordingObserver{}
	rc.SetObserver(obs)

	m, err := rc.Recalculate(context.Background(), p.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.AdoptionRate != 40 || m.FidelityScore != 82 || m.SustainabilityScore != 78 || m.TrainedStaff != 4 {
		t.Errorf("unexpected metrics: %+v", m)
	}
	if !m.CalculatedAt.Equal(testNow) {
		t.Errorf("expected calculated_at %v, got %v", testNow, m.CalculatedAt)
	}

	stored := repos.practices.records[p.ID]
	if stored.AdoptionRate != 40 || stored.SustainabilityScore != 78 {
		t.Errorf("metrics not persisted: %+v", stored)
	}
	if len(obs.results) != 1 || obs.results[0] != RecalcOK {
		t.Errorf("expected one ok observation, got %v", obs.results)
	}
}

func TestRecalculate_Idempotent(t *testing.T) {
	repos := newMockRepos()
	p := seedScenario(repos)
	rc := newTestRecalculator(repos)

	first, err := rc.Recalculate(context.Background(), p.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := rc.Recalculate(context.Background(), p.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !first.Equal(*second) {
		t.Errorf("expected identical metrics, got %+v and %+v", first, second)
	}
}

func TestRecalculate_PracticeNotFound(t *testing.T) {
	repos := newMockRepos()
	rc := newTestRecalculator(repos)
	obs := &recordingObserver{}
	rc.SetObserver(obs)

	_, err := rc.Recalculate(context.Background(), uuid.New())
	if !errors.Is(err, ErrPracticeNotFound) {
		t.Fatalf("expected ErrPracticeNotFound, got %v", err)
	}
	if repos.practices.metricsWrites != 0 {
		t.Error("expected nothing to be written")
	}
	if len(obs.results) != 1 || obs.results[0] != RecalcNotFound {
		t.Errorf("expected not_found observation, got %v", obs.results)
	}
}

func TestRecalculate_PracticeReadError(t *testing.T) {
	repos := newMockRepos()
	p := seedScenario(repos)
	repos.practices.getErr = errors.New("connection reset")
	rc := newTestRecalculator(repos)

	_, err := rc.Recalculate(context.Background(), p.ID)
	if err == nil || errors.Is(err, ErrPracticeNotFound) {
		t.Fatalf("expected a read error, got %v", err)
	}
}

func TestRecalculate_PersistFailure(t *testing.T) {
	repos := newMockRepos()
	p := seedScenario(repos)
	repos.practices.updateMetricsErr = errors.New("disk full")
	rc := newTestRecalculator(repos)

	if _, err := rc.Recalculate(context.Background(), p.ID); err == nil {
		t.Fatal("expected persist failure to be returned")
	}
	if got := rc.Refresh(context.Background(), p.ID); got != nil {
		t.Errorf("expected Refresh to return nil on failure, got %+v", got)
	}
}

func TestRecalculate_FetchFailuresDefaultToZero(t *testing.T) {
	tests := []struct {
		name  string
		fail  func(*mockRepos)
		check func(*testing.T, *DerivedMetrics)
	}{
		{
			name:  "staff count",
			fail:  func(r *mockRepos) { r.assignments.countErr = errors.New("timeout") },
			check: func(t *testing.T, m *DerivedMetrics) {
				if m.TrainedStaff != 0 || m.AdoptionRate != 0 {
					t.Errorf("expected zero adoption, got %+v", m)
				}
				if m.FidelityScore != 82 || m.SustainabilityScore != 78 {
					t.Errorf("expected other metrics intact, got %+v", m)
				}
			},
		},
		{
			name:  "assessments",
			fail:  func(r *mockRepos) { r.assessments.listErr = errors.New("timeout") },
			check: func(t *testing.T, m *DerivedMetrics) {
				if m.FidelityScore != 0 || m.LastFidelityReview != nil {
					t.Errorf("expected zero fidelity, got %+v", m)
				}
				if m.AdoptionRate != 40 {
					t.Errorf("expected adoption intact, got %+v", m)
				}
			},
		},
		{
			name:  "outcomes",
			fail:  func(r *mockRepos) { r.outcomes.listErr = errors.New("timeout") },
			check: func(t *testing.T, m *DerivedMetrics) {
				if m.SustainabilityScore != 0 {
					t.Errorf("expected zero sustainability, got %+v", m)
				}
				if m.FidelityScore != 82 {
					t.Errorf("expected fidelity intact, got %+v", m)
				}
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repos := newMockRepos()
			p := seedScenario(repos)
			tt.fail(repos)
			m, err := newTestRecalculator(repos).Recalculate(context.Background(), p.ID)
			if err != nil {
				t.Fatalf("expected fetch failure to be swallowed, got %v", err)
			}
			tt.check(t, m)
		})
	}
}

func TestSweep(t *testing.T) {
	repos := newMockRepos()
	changed := seedScenario(repos)
	steady := seedPractice(repos, "Zero Staff Practice", 0)
	retired := seedPractice(repos, "Retired Practice", 5)
	repos.practices.records[retired.ID].Status = PracticeRetired

	rc := newTestRecalculator(repos)
	obs := &recordingObserver{}
	rc.SetObserver(obs)

	report, err := rc.Sweep(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Total != 2 {
		t.Fatalf("expected 2 active practices, got %d", report.Total)
	}
	if report.Updated != 1 || report.Unchanged != 1 || report.Errors != 0 {
		t.Errorf("unexpected counts: %+v", report)
	}
	for _, r := range report.Results {
		switch r.PracticeID {
		case changed.ID:
			if r.Status != SweepUpdated || r.OldScore != 0 || r.NewScore == nil || *r.NewScore != 82 {
				t.Errorf("unexpected entry for changed practice: %+v", r)
			}
		case steady.ID:
			if r.Status != SweepUnchanged {
				t.Errorf("expected unchanged, got %+v", r)
			}
		default:
			t.Errorf("unexpected practice in sweep: %s", r.PracticeID)
		}
	}
	if len(obs.sweep) != 2 {
		t.Errorf("expected 2 sweep observations, got %v", obs.sweep)
	}

	again, err := rc.Sweep(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if again.Unchanged != 2 {
		t.Errorf("expected second sweep to change nothing, got %+v", again)
	}
}

func TestSweep_AdoptionOnlyChange(t *testing.T) {
	repos := newMockRepos()
	p := seedScenario(repos)
	rc := newTestRecalculator(repos)
	if _, err := rc.Recalculate(context.Background(), p.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Two more trained staff move adoption from 40 to 60 while fidelity stays at 82.
	for i := 0; i < 2; i++ {
		repos.assignments.Upsert(context.Background(), &StaffAssignment{PracticeID: p.ID, StaffID: uuid.New(), Status: StaffTrained})
	}

	report, err := rc.Sweep(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(report.Results) != 1 {
		t.Fatalf("expected one entry, got %+v", report.Results)
	}
	r := report.Results[0]
	if r.Status != SweepUpdated || report.Updated != 1 {
		t.Fatalf("expected updated, got %+v", r)
	}
	if r.OldScore != 82 || r.NewScore == nil || *r.NewScore != 82 {
		t.Errorf("expected fidelity 82 before and after, got %d / %v", r.OldScore, r.NewScore)
	}
	if len(r.Changed) != 2 || r.Changed[0] != "trained_staff" || r.Changed[1] != "adoption_rate" {
		t.Errorf("expected trained_staff and adoption_rate to be reported, got %v", r.Changed)
	}
	if r.OldMetrics == nil || r.OldMetrics.AdoptionRate != 40 || r.Metrics == nil || r.Metrics.AdoptionRate != 60 {
		t.Errorf("expected adoption 40 -> 60, got %+v -> %+v", r.OldMetrics, r.Metrics)
	}
}

func TestSweep_EntryErrorDoesNotAbort(t *testing.T) {
	repos := newMockRepos()
	seedScenario(repos)
	seedPractice(repos, "Another", 3)
	repos.practices.updateMetricsErr = errors.New("read only")

	report, err := newTestRecalculator(repos).Sweep(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Errors != 2 {
		t.Errorf("expected 2 errors, got %+v", report)
	}
	for _, r := range report.Results {
		if r.Status != SweepError || r.Error == "" || r.NewScore != nil {
			t.Errorf("unexpected entry: %+v", r)
		}
	}
}

func TestSweep_ListFailure(t *testing.T) {
	repos := newMockRepos()
	repos.practices.listErr = errors.New("connection refused")
	if _, err := newTestRecalculator(repos).Sweep(context.Background()); err == nil {
		t.Fatal("expected list failure to abort the sweep")
	}
}
