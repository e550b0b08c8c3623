package ebp

import (
	"math"
	"strings"
	"unicode"
)

// OutcomeCategory is the semantic class of a free-text outcome_type.
type OutcomeCategory string

const (
	CategoryPercentage OutcomeCategory = "percentage"
	CategoryScore      OutcomeCategory = "score"
	CategoryCount      OutcomeCategory = "count"
	CategoryGeneric    OutcomeCategory = "generic"
)

// ClassifyOutcomeType buckets an outcome type by its words, so "moderate"
// does not read as "rate". Percentage markers win over score markers, which
// win over count markers.
func ClassifyOutcomeType(outcomeType string) OutcomeCategory {
	words := outcomeWords(outcomeType)
	switch {
	case strings.Contains(outcomeType, "%"), hasAny(words, "percent", "percentage", "pct", "rate", "rates"):
		return CategoryPercentage
	case hasAny(words, "score", "scores", "scale", "scales"):
		return CategoryScore
	case hasAny(words, "count", "counts", "number", "numbers"):
		return CategoryCount
	default:
		return CategoryGeneric
	}
}

// IsExplicitPercentage reports whether the outcome type names a percentage
// outright. A bare "rate" (heart rate, response rate per hour) does not
// bound the value to 0..100.
func IsExplicitPercentage(outcomeType string) bool {
	return strings.Contains(outcomeType, "%") ||
		hasAny(outcomeWords(outcomeType), "percent", "percentage", "pct")
}

func outcomeWords(s string) map[string]bool {
	words := map[string]bool{}
	for _, w := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		words[w] = true
	}
	return words
}

func hasAny(words map[string]bool, candidates ...string) bool {
	for _, c := range candidates {
		if words[c] {
			return true
		}
	}
	return false
}

// CategorySummary aggregates valued outcomes of one category.
type CategorySummary struct {
	Category OutcomeCategory `json:"category"`
	Count    int             `json:"count"`
	Mean     float64         `json:"mean"`
	Min      float64         `json:"min"`
	Max      float64         `json:"max"`
}

// SummarizeOutcomes groups valued outcomes by category. Categories are
// returned in a fixed order and empty categories are omitted.
func SummarizeOutcomes(outcomes []*Outcome) []CategorySummary {
	acc := map[OutcomeCategory]*CategorySummary{}
	sums := map[OutcomeCategory]float64{}
	for _, o := range outcomes {
		v, ok := numericValue(o)
		if !ok {
			continue
		}
		cat := ClassifyOutcomeType(o.OutcomeType)
		s, ok := acc[cat]
		if !ok {
			s = &CategorySummary{Category: cat, Min: v, Max: v}
			acc[cat] = s
		}
		s.Count++
		s.Min = math.Min(s.Min, v)
		s.Max = math.Max(s.Max, v)
		sums[cat] += v
	}

	var out []CategorySummary
	for _, cat := range []OutcomeCategory{CategoryPercentage, CategoryScore, CategoryCount, CategoryGeneric} {
		s, ok := acc[cat]
		if !ok {
			continue
		}
		s.Mean = sums[cat] / float64(s.Count)
		out = append(out, *s)
	}
	return out
}
