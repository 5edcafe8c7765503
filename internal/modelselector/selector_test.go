package modelselector

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSelector() *Selector {
	s := New()
	s.Register(Descriptor{
		Name: "fast-coder", PerformanceScore: 0.7, CostScore: 0.9,
		PrivacyTier: PrivacyInternal, UseCases: []string{"code/generation"}, ContextWindow: 8192, SizeBytes: 4_000_000_000,
	})
	s.Register(Descriptor{
		Name: "slow-coder", PerformanceScore: 0.95, CostScore: 0.3,
		PrivacyTier: PrivacyInternal, UseCases: []string{"code/generation"}, ContextWindow: 32768, SizeBytes: 30_000_000_000,
	})
	s.Register(Descriptor{
		Name: "chat-model", PerformanceScore: 0.8, CostScore: 0.8,
		PrivacyTier: PrivacyPublic, UseCases: []string{"chat/assistant"}, ContextWindow: 4096, SizeBytes: 2_000_000_000,
	})
	return s
}

func TestSelect_FiltersOnPrivacyTier(t *testing.T) {
	s := newTestSelector()
	sel, err := s.Select(Requirement{UseCase: "code/generation", PrivacyTier: PrivacyConfidential})
	assert.ErrorIs(t, err, ErrNoCandidate)
	assert.Empty(t, sel.Model.Name)
}

func TestSelect_FiltersOnUseCase(t *testing.T) {
	s := newTestSelector()
	_, err := s.Select(Requirement{UseCase: "translation", PrivacyTier: PrivacyPublic})
	assert.ErrorIs(t, err, ErrNoCandidate)
}

func TestSelect_ScoresAndPicksBestFit(t *testing.T) {
	s := newTestSelector()
	sel, err := s.Select(Requirement{UseCase: "code/generation", PrivacyTier: PrivacyInternal})
	require.NoError(t, err)
	// fast-coder's cost advantage outweighs slow-coder's performance edge
	// at these weights: 0.745 vs 0.73.
	assert.Equal(t, "fast-coder", sel.Model.Name)
	assert.Greater(t, sel.Confidence, 0.0)
	assert.Contains(t, sel.Rationale, "fast-coder")
}

func TestSelect_HistoricalSuccessAffectsScore(t *testing.T) {
	s := newTestSelector()
	for i := 0; i < 10; i++ {
		s.RecordUsage("slow-coder", true, 100, 0.9)
	}
	sel, err := s.Select(Requirement{UseCase: "code/generation", PrivacyTier: PrivacyInternal})
	require.NoError(t, err)
	assert.Equal(t, "slow-coder", sel.Model.Name)
}

func TestSelect_FamilyMatchScoresHalf(t *testing.T) {
	d := Descriptor{Name: "a", PerformanceScore: 0.5, CostScore: 0.5, PrivacyTier: PrivacyPublic, UseCases: []string{"code/review"}}
	assert.Equal(t, 0.5, useCaseMatchScore(d, "code/generation"))

	// Select's filter still requires the exact tag, so a family-only
	// match does not survive selection.
	s := New()
	s.Register(d)
	_, err := s.Select(Requirement{UseCase: "code/generation", PrivacyTier: PrivacyPublic})
	assert.ErrorIs(t, err, ErrNoCandidate)
}

func TestSelect_Deterministic(t *testing.T) {
	s := newTestSelector()
	req := Requirement{UseCase: "code/generation", PrivacyTier: PrivacyInternal}
	first, err := s.Select(req)
	require.NoError(t, err)
	second, err := s.Select(req)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestLoad_RejectsMissingRequiredField(t *testing.T) {
	body := `[{"path": "x"}]`
	s := New()
	err := Load(strings.NewReader(body), s)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "name")
}

func TestLoad_RegistersValidRecords(t *testing.T) {
	body := `[{"name": "m1", "privacy_tier": "Public", "use_cases": ["chat/assistant"], "performance_score": 0.6, "cost_score": 0.5}]`
	s := New()
	require.NoError(t, Load(strings.NewReader(body), s))

	sel, err := s.Select(Requirement{UseCase: "chat/assistant", PrivacyTier: PrivacyPublic})
	require.NoError(t, err)
	assert.Equal(t, "m1", sel.Model.Name)
}
