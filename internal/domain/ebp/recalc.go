package ebp

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Recalculation results reported to a RecalcObserver.
const (
	RecalcOK           = "ok"
	RecalcNotFound     = "not_found"
	RecalcReadError    = "read_error"
	RecalcPersistError = "persist_error"
)

// RecalcObserver receives recalculation and sweep outcomes for metrics.
type RecalcObserver interface {
	ObserveRecalculation(result string, elapsed time.Duration)
	ObserveSweepEntry(status string)
}

type nopObserver struct{}

func (nopObserver) ObserveRecalculation(string, time.Duration) {}
func (nopObserver) ObserveSweepEntry(string)                   {}

// Recalculator rebuilds a practice's derived metrics from its staff
// assignments, fidelity assessments and outcomes. It holds no state between
// calls; concurrent recalculations of one practice resolve last-write-wins.
type Recalculator struct {
	store  Store
	logger zerolog.Logger
	obs    RecalcObserver
	now    func() time.Time
}

func NewRecalculator(store Store, logger zerolog.Logger) *Recalculator {
	return &Recalculator{
		store:  store,
		logger: logger.With().Str("component", "ebp_recalculator").Logger(),
		obs:    nopObserver{},
		now:    time.Now,
	}
}

// SetObserver attaches an observer; nil restores the no-op observer.
func (r *Recalculator) SetObserver(obs RecalcObserver) {
	if obs == nil {
		obs = nopObserver{}
	}
	r.obs = obs
}

// Recalculate recomputes and persists the metrics of one practice. Only a
// missing/unreadable practice or a failed persist is returned as an error;
// failures while gathering the inputs are logged and default to zero.
func (r *Recalculator) Recalculate(ctx context.Context, practiceID uuid.UUID) (*DerivedMetrics, error) {
	start := r.now()
	log := r.logger.With().Str("ebp_id", practiceID.String()).Logger()

	practice, err := r.store.Practices.GetByID(ctx, practiceID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			r.obs.ObserveRecalculation(RecalcNotFound, r.now().Sub(start))
			log.Error().Msg("practice not found, metrics not recalculated")
			return nil, fmt.Errorf("%w: %s", ErrPracticeNotFound, practiceID)
		}
		r.obs.ObserveRecalculation(RecalcReadError, r.now().Sub(start))
		log.Error().Err(err).Msg("read practice failed, metrics not recalculated")
		return nil, fmt.Errorf("read practice %s: %w", practiceID, err)
	}

	snap := r.snapshot(ctx, log, practice)
	m := ComputeMetrics(snap)
	m.CalculatedAt = r.now().UTC()

	if err := r.store.Practices.UpdateMetrics(ctx, practiceID, &m); err != nil {
		r.obs.ObserveRecalculation(RecalcPersistError, r.now().Sub(start))
		log.Error().Err(err).Msg("persist metrics failed")
		return nil, fmt.Errorf("persist metrics for practice %s: %w", practiceID, err)
	}

	r.obs.ObserveRecalculation(RecalcOK, r.now().Sub(start))
	log.Debug().
		Int("trained_staff", m.TrainedStaff).
		Int("adoption_rate", m.AdoptionRate).
		Int("fidelity_score", m.FidelityScore).
		Int("sustainability_score", m.SustainabilityScore).
		Msg("metrics recalculated")
	return &m, nil
}

// Refresh is the post-write step of every mutation to a practice's staff
// assignments, assessments or outcomes. The primary write has already
// committed, so Refresh never fails its caller: it returns nil when the
// metrics could not be recalculated.
func (r *Recalculator) Refresh(ctx context.Context, practiceID uuid.UUID) *DerivedMetrics {
	m, err := r.Recalculate(ctx, practiceID)
	if err != nil {
		r.logger.Warn().Err(err).Str("ebp_id", practiceID.String()).Msg("metrics refresh skipped")
		return nil
	}
	return m
}

// Sweep recalculates every active practice one after another. A failing
// practice is recorded in its entry and the sweep moves on; only failing to
// list the practices aborts it.
func (r *Recalculator) Sweep(ctx context.Context) (*SweepReport, error) {
	start := r.now()
	practices, err := r.store.Practices.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active practices: %w", err)
	}

	report := &SweepReport{
		Total:     len(practices),
		Results:   make([]*SweepResult, 0, len(practices)),
		StartedAt: start.UTC(),
	}
	for _, p := range practices {
		old := p.Metrics()
		entry := &SweepResult{
			PracticeID: p.ID,
			Name:       p.Name,
			OldScore:   p.FidelityScore,
			OldMetrics: &old,
		}
		m, err := r.Recalculate(ctx, p.ID)
		if err == nil {
			entry.Changed = m.Diff(old)
		}
		switch {
		case err != nil:
			entry.Status = SweepError
			entry.Error = err.Error()
			report.Errors++
		case len(entry.Changed) == 0:
			entry.Status = SweepUnchanged
			report.Unchanged++
		default:
			entry.Status = SweepUpdated
			report.Updated++
		}
		if m != nil {
			entry.NewScore = &m.FidelityScore
			entry.Metrics = m
		}
		r.obs.ObserveSweepEntry(entry.Status)
		report.Results = append(report.Results, entry)
	}
	report.Duration = r.now().Sub(start).String()

	r.logger.Info().
		Int("total", report.Total).
		Int("updated", report.Updated).
		Int("unchanged", report.Unchanged).
		Int("errors", report.Errors).
		Msg("metrics sweep complete")
	return report, nil
}

func (r *Recalculator) snapshot(ctx context.Context, log zerolog.Logger, p *Practice) Snapshot {
	return Snapshot{
		TotalStaff: p.TotalStaff,
		TrainedCount: orZero(log, "trained_staff", func() (int, error) {
			return r.store.Assignments.CountByStatus(ctx, p.ID, TrainedStatuses)
		}),
		Assessments: orZero(log, "fidelity_score", func() ([]*FidelityAssessment, error) {
			return r.store.Assessments.ListRecent(ctx, p.ID, FidelityWindow)
		}),
		Outcomes: orZero(log, "sustainability_score", func() ([]*Outcome, error) {
			return r.store.Outcomes.ListRecentValued(ctx, p.ID, OutcomeWindow)
		}),
	}
}

// orZero runs one input fetch and folds a failure into T's zero value.
func orZero[T any](log zerolog.Logger, metric string, fetch func() (T, error)) T {
	v, err := fetch()
	if err != nil {
		log.Warn().Err(err).Str("metric", metric).Msg("metric input unavailable, defaulting to zero")
		var zero T
		return zero
	}
	return v
}
