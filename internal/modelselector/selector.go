package modelselector

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

const (
	weightUseCase    = 0.40
	weightPerformance = 0.30
	weightCost        = 0.15
	weightHistorical  = 0.15
)

// Selector holds the registered model catalog and their live usage
// stats. Selection is pure over its inputs and a snapshot of the usage
// table; RecordUsage is the only mutator, and it updates atomically.
type Selector struct {
	mu     sync.RWMutex
	models map[string]Descriptor
	usage  map[string]UsageStat
}

func New() *Selector {
	return &Selector{
		models: make(map[string]Descriptor),
		usage:  make(map[string]UsageStat),
	}
}

// Register adds or replaces a ModelDescriptor. Per spec.md §3, models are
// registered at startup and mutated only via explicit re-register.
func (s *Selector) Register(d Descriptor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.models[d.Name] = d
	if _, ok := s.usage[d.Name]; !ok {
		s.usage[d.Name] = UsageStat{}
	}
}

// RecordUsage atomically folds one completed invocation's outcome into
// model_name's running stats.
func (s *Selector) RecordUsage(modelName string, success bool, latencyMs int64, quality float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stat := s.usage[modelName]
	stat.TotalRuns++
	if success {
		stat.Successes++
	}
	stat.TotalLatencyMs += latencyMs
	stat.QualitySum += quality
	s.usage[modelName] = stat
}

// Usage returns a snapshot of modelName's usage stats.
func (s *Selector) Usage(modelName string) UsageStat {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.usage[modelName]
}

// Select filters the registered catalog against req, scores every
// survivor, and returns the top pick with its confidence gap and
// rationale. Returns ErrNoCandidate if no model survives filtering.
func (s *Selector) Select(req Requirement) (Selection, error) {
	s.mu.RLock()
	candidates := make([]Descriptor, 0, len(s.models))
	for _, d := range s.models {
		candidates = append(candidates, d)
	}
	usage := make(map[string]UsageStat, len(s.usage))
	for k, v := range s.usage {
		usage[k] = v
	}
	s.mu.RUnlock()

	survivors := filter(candidates, req)
	if len(survivors) == 0 {
		return Selection{}, ErrNoCandidate
	}

	type scored struct {
		model      Descriptor
		score      float64
		useCase    float64
		historical float64
	}
	scoredList := make([]scored, 0, len(survivors))
	for _, d := range survivors {
		useCaseMatch := useCaseMatchScore(d, req.UseCase)
		historical := usage[d.Name].HistoricalSuccess()
		score := weightUseCase*useCaseMatch +
			weightPerformance*d.PerformanceScore +
			weightCost*d.CostScore +
			weightHistorical*historical
		scoredList = append(scoredList, scored{model: d, score: score, useCase: useCaseMatch, historical: historical})
	}

	sort.Slice(scoredList, func(i, j int) bool {
		a, b := scoredList[i], scoredList[j]
		if a.score != b.score {
			return a.score > b.score
		}
		if a.model.PerformanceScore != b.model.PerformanceScore {
			return a.model.PerformanceScore > b.model.PerformanceScore
		}
		if a.model.SizeBytes != b.model.SizeBytes {
			return a.model.SizeBytes < b.model.SizeBytes
		}
		return a.model.Name < b.model.Name
	})

	top := scoredList[0]
	confidence := 1.0
	if len(scoredList) > 1 {
		confidence = top.score - scoredList[1].score
	}
	if confidence < 0 {
		confidence = 0
	}
	if confidence > 1 {
		confidence = 1
	}

	rationale := fmt.Sprintf(
		"selected %s: use_case_match=%.2f performance=%.2f cost=%.2f historical_success=%.2f (score=%.4f)",
		top.model.Name, top.useCase, top.model.PerformanceScore, top.model.CostScore, top.historical, top.score,
	)

	return Selection{
		Model:      top.model,
		Score:      top.score,
		Confidence: confidence,
		Rationale:  rationale,
	}, nil
}

func filter(candidates []Descriptor, req Requirement) []Descriptor {
	out := make([]Descriptor, 0, len(candidates))
	for _, d := range candidates {
		if !d.PrivacyTier.Meets(req.PrivacyTier) {
			continue
		}
		if d.PerformanceScore < req.MinPerformance {
			continue
		}
		if req.MaxCostTier > 0 && d.CostScore > req.MaxCostTier {
			continue
		}
		if req.MinContextWindow > 0 && d.ContextWindow < req.MinContextWindow {
			continue
		}
		if !hasUseCase(d.UseCases, req.UseCase) {
			continue
		}
		out = append(out, d)
	}
	return out
}

func hasUseCase(useCases []string, tag string) bool {
	for _, uc := range useCases {
		if uc == tag {
			return true
		}
	}
	return false
}

// useCaseMatchScore is 1.0 on an exact tag match, 0.5 on a family match
// (tags sharing a "/"- or "-"-delimited prefix, e.g. "code/generation" and
// "code/review" are both in the "code" family), else 0.
func useCaseMatchScore(d Descriptor, tag string) float64 {
	for _, uc := range d.UseCases {
		if uc == tag {
			return 1.0
		}
	}
	family := familyOf(tag)
	for _, uc := range d.UseCases {
		if familyOf(uc) == family {
			return 0.5
		}
	}
	return 0
}

func familyOf(tag string) string {
	if i := strings.IndexAny(tag, "/-"); i >= 0 {
		return tag[:i]
	}
	return tag
}
