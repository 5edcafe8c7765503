// Package modelselector implements the multi-criteria model selection
// algorithm (C4): filter candidate ModelDescriptors, score survivors, and
// return the best fit for a TaskRequirement with a confidence gap and
// human-readable rationale.
package modelselector

import "errors"

// PrivacyTier ranks data-handling sensitivity from least to most
// restrictive.
type PrivacyTier string

const (
	PrivacyPublic       PrivacyTier = "Public"
	PrivacyInternal     PrivacyTier = "Internal"
	PrivacyConfidential PrivacyTier = "Confidential"
	PrivacyRestricted   PrivacyTier = "Restricted"
)

var privacyRank = map[PrivacyTier]int{
	PrivacyPublic:       0,
	PrivacyInternal:     1,
	PrivacyConfidential: 2,
	PrivacyRestricted:   3,
}

// Meets reports whether t satisfies a minimum required tier.
func (t PrivacyTier) Meets(minimum PrivacyTier) bool {
	return privacyRank[t] >= privacyRank[minimum]
}

// Descriptor is the registered ModelDescriptor of spec.md §3.
type Descriptor struct {
	Name             string
	Path             string
	SizeBytes        int64
	PerformanceScore float64
	CostScore        float64
	PrivacyTier      PrivacyTier
	UseCases         []string
	ContextWindow    int
}

// UsageStat tracks per-model monotonic counters, updated only by
// RecordUsage.
type UsageStat struct {
	TotalRuns      int64
	Successes      int64
	TotalLatencyMs int64
	QualitySum     float64
}

// HistoricalSuccess returns successes/max(total_runs, 1).
func (u UsageStat) HistoricalSuccess() float64 {
	denom := u.TotalRuns
	if denom < 1 {
		denom = 1
	}
	return float64(u.Successes) / float64(denom)
}

// Requirement is the TaskRequirement input of spec.md §4.4.
type Requirement struct {
	UseCase           string
	PrivacyTier       PrivacyTier
	MinPerformance    float64
	MaxCostTier       float64 // 0 means unset/no ceiling
	MinContextWindow  int
}

// Selection is the result of a successful Select call.
type Selection struct {
	Model      Descriptor
	Score      float64
	Confidence float64
	Rationale  string
}

var ErrNoCandidate = errors.New("modelselector: no candidate satisfies requirement")
