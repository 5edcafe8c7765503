package modelselector

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// jsonDescriptor mirrors Descriptor's wire shape for the model registry
// file (spec.md §6): a JSON array of records, one per ModelDescriptor.
type jsonDescriptor struct {
	Name             string   `json:"name"`
	Path             string   `json:"path"`
	SizeBytes        int64    `json:"size_bytes"`
	PerformanceScore float64  `json:"performance_score"`
	CostScore        float64  `json:"cost_score"`
	PrivacyTier      string   `json:"privacy_tier"`
	UseCases         []string `json:"use_cases"`
	ContextWindow    int      `json:"context_window"`
}

// LoadFile reads a JSON model registry file and registers every valid
// record into s.
func LoadFile(path string, s *Selector) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return Load(f, s)
}

// Load parses a JSON array of model registry records from r and
// registers each into s. A record missing a required field is rejected
// with an error naming its index.
func Load(r io.Reader, s *Selector) error {
	var records []jsonDescriptor
	if err := json.NewDecoder(r).Decode(&records); err != nil {
		return fmt.Errorf("modelselector: decoding registry: %w", err)
	}

	for i, rec := range records {
		if rec.Name == "" {
			return fmt.Errorf("modelselector: record %d missing required field %q", i, "name")
		}
		if rec.PrivacyTier == "" {
			return fmt.Errorf("modelselector: record %d missing required field %q", i, "privacy_tier")
		}
		if len(rec.UseCases) == 0 {
			return fmt.Errorf("modelselector: record %d missing required field %q", i, "use_cases")
		}
		s.Register(Descriptor{
			Name:             rec.Name,
			Path:             rec.Path,
			SizeBytes:        rec.SizeBytes,
			PerformanceScore: rec.PerformanceScore,
			CostScore:        rec.CostScore,
			PrivacyTier:      PrivacyTier(rec.PrivacyTier),
			UseCases:         rec.UseCases,
			ContextWindow:    rec.ContextWindow,
		})
	}
	return nil
}
