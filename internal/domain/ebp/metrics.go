package ebp

import (
	"math"
	"sort"
	"time"
)

// Query limits used when gathering a snapshot.
const (
	FidelityWindow = 50
	OutcomeWindow  = 100

	trendWindow = 20
)

// Score weights for the sustainability score.
const (
	baseWeight        = 0.70
	trendWeight       = 0.15
	consistencyWeight = 1.5
)

// TrainedStatuses are the assignment statuses counted as trained staff.
var TrainedStatuses = []string{StaffTrained, StaffCertified}

// Snapshot is the immutable input of ComputeMetrics. Outcomes are expected
// most recent first; ComputeMetrics restores that order if the store did not.
type Snapshot struct {
	TotalStaff   int
	TrainedCount int
	Assessments  []*FidelityAssessment
	Outcomes     []*Outcome
}

// ComputeMetrics derives all cached practice scores from a snapshot.
// CalculatedAt is left for the caller to stamp.
func ComputeMetrics(s Snapshot) DerivedMetrics {
	m := DerivedMetrics{
		TrainedStaff: s.TrainedCount,
		AdoptionRate: AdoptionRate(s.TrainedCount, s.TotalStaff),
	}

	if latest := LatestAssessment(s.Assessments); latest != nil {
		m.FidelityScore = clampScore(roundHalfUp(latest.FidelityScore))
		review := latest.AssessmentDate
		m.LastFidelityReview = &review
	}

	m.SustainabilityScore = SustainabilityScore(s.Outcomes)
	return m
}

// AdoptionRate is the rounded percentage of trained staff, capped at 100.
// A practice with no staff on record always reports 0.
func AdoptionRate(trained, total int) int {
	if total <= 0 || trained <= 0 {
		return 0
	}
	rate := roundHalfUp(float64(trained) / float64(total) * 100)
	if rate > 100 {
		return 100
	}
	return int(rate)
}

// LatestAssessment returns the assessment with the greatest
// (assessment_date, created_at) pair, or nil.
func LatestAssessment(assessments []*FidelityAssessment) *FidelityAssessment {
	if len(assessments) == 0 {
		return nil
	}
	sorted := make([]*FidelityAssessment, 0, len(assessments))
	for _, a := range assessments {
		if a != nil {
			sorted = append(sorted, a)
		}
	}
	if len(sorted) == 0 {
		return nil
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		if !sorted[i].AssessmentDate.Equal(sorted[j].AssessmentDate) {
			return sorted[i].AssessmentDate.After(sorted[j].AssessmentDate)
		}
		return sorted[i].CreatedAt.After(sorted[j].CreatedAt)
	})
	return sorted[0]
}

// SustainabilityScore combines the normalised mean outcome value with a
// trend bonus and a consistency bonus. The weighting is applied literally:
// base*0.70 + (base+trend)*0.15 + consistency*1.5.
func SustainabilityScore(outcomes []*Outcome) int {
	ordered := byMeasurementDesc(outcomes)

	values := numericValues(ordered)
	if len(values) == 0 {
		return 0
	}

	avg := mean(values)
	lo, hi := minMax(values)

	base := avg
	switch {
	case avg > 100:
		base = avg / hi * 100
	case avg < 0:
		if hi == lo {
			base = 0
		} else {
			base = (avg - lo) / (hi - lo) * 100
		}
	}

	trend := TrendBonus(ordered)
	consistency := ConsistencyBonus(values, avg)

	score := roundHalfUp(base*baseWeight + (base+trend)*trendWeight + consistency*consistencyWeight)
	return clampScore(score)
}

// TrendBonus compares the mean of the 20 most recent outcomes with the mean
// of the 20 before them, scaled to [-10, 10]. It is zero unless both windows
// have a non-zero mean.
func TrendBonus(ordered []*Outcome) float64 {
	if len(ordered) == 0 {
		return 0
	}
	recentEnd := min(trendWindow, len(ordered))
	olderEnd := min(2*trendWindow, len(ordered))

	recent := numericValues(ordered[:recentEnd])
	older := numericValues(ordered[recentEnd:olderEnd])
	if len(recent) == 0 || len(older) == 0 {
		return 0
	}
	recentMean, olderMean := mean(recent), mean(older)
	if recentMean == 0 || olderMean == 0 {
		return 0
	}
	return clamp((recentMean-olderMean)/10, -10, 10)
}

// ConsistencyBonus rewards low spread: 10 - stddev/10, within [0, 10].
func ConsistencyBonus(values []float64, avg float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sq float64
	for _, v := range values {
		d := v - avg
		sq += d * d
	}
	stdDev := math.Sqrt(sq / float64(len(values)))
	return clamp(10-stdDev/10, 0, 10)
}

func byMeasurementDesc(outcomes []*Outcome) []*Outcome {
	ordered := make([]*Outcome, 0, len(outcomes))
	for _, o := range outcomes {
		if o != nil {
			ordered = append(ordered, o)
		}
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].MeasurementDate.After(ordered[j].MeasurementDate)
	})
	return ordered
}

func numericValue(o *Outcome) (float64, bool) {
	if o == nil || o.OutcomeValue == nil {
		return 0, false
	}
	v := *o.OutcomeValue
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

func numericValues(outcomes []*Outcome) []float64 {
	values := make([]float64, 0, len(outcomes))
	for _, o := range outcomes {
		if v, ok := numericValue(o); ok {
			values = append(values, v)
		}
	}
	return values
}

func mean(values []float64) float64 {
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func minMax(values []float64) (float64, float64) {
	lo, hi := values[0], values[0]
	for _, v := range values[1:] {
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	return lo, hi
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

// roundHalfUp matches the rounding of previously stored scores (ties go up).
func roundHalfUp(v float64) float64 {
	return math.Floor(v + 0.5)
}

func clampScore(v float64) int {
	if math.IsNaN(v) {
		return 0
	}
	return int(clamp(v, 0, 100))
}

// dateOnly keeps the calendar date of t in its own offset and returns it
// as midnight UTC.
func dateOnly(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
