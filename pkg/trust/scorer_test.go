package trust

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rndrntwrk/milaidy/pkg/config"
	"github.com/rndrntwrk/milaidy/pkg/models"
)

func newTestScorer() *Scorer {
	return NewScorer(config.Defaults().Trust)
}

func TestScoreProvenanceOrdering(t *testing.T) {
	scorer := newTestScorer()
	base := Candidate{Corroborations: 3}

	var prev float64 = 2
	for _, p := range []Provenance{ProvenanceUser, ProvenancePlugin, ProvenanceWeb, ProvenanceModel} {
		c := base
		c.Provenance = p
		score := scorer.Score(c)
		assert.Less(t, score.Value, prev, "provenance %s must score below the previous rank", p)
		prev = score.Value
	}
}

func TestScoreClampedToUnitInterval(t *testing.T) {
	scorer := newTestScorer()
	score := scorer.Score(Candidate{
		Provenance:     ProvenanceModel,
		Corroborations: -5,
		ObservedAt:     time.Now().Add(-365 * 24 * time.Hour),
	})
	assert.GreaterOrEqual(t, score.Value, 0.0)
	assert.LessOrEqual(t, score.Value, 1.0)
}

func TestScoreTierDerivation(t *testing.T) {
	scorer := newTestScorer()

	tests := []struct {
		value float64
		tier  models.TrustTier
	}{
		{0.9, models.TierHigh},
		{0.75, models.TierHigh},
		{0.6, models.TierMedium},
		{0.5, models.TierMedium},
		{0.3, models.TierLow},
		{0.25, models.TierLow},
		{0.1, models.TierQuarantine},
		{0.0, models.TierQuarantine},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.tier, scorer.Tier(tt.value), "value %.2f", tt.value)
	}
}

func TestScoreModelProvenanceIsLowTier(t *testing.T) {
	// The hallucination guard: an uncorroborated model-sourced fact lands in
	// the low tier, below the default admit tier.
	scorer := newTestScorer()
	score := scorer.Score(Candidate{Provenance: ProvenanceModel})
	assert.InDelta(t, 0.3, score.Value, 1e-9)
	assert.Equal(t, models.TierLow, score.Tier)
}

func TestScoreUserProvenanceIsHighTier(t *testing.T) {
	scorer := newTestScorer()
	score := scorer.Score(Candidate{Provenance: ProvenanceUser, Corroborations: 3})
	assert.Equal(t, models.TierHigh, score.Tier)
}

func TestScoreStalenessDecay(t *testing.T) {
	scorer := newTestScorer()
	fresh := scorer.Score(Candidate{Provenance: ProvenanceUser, Corroborations: 3})
	stale := scorer.Score(Candidate{
		Provenance:     ProvenanceUser,
		Corroborations: 3,
		ObservedAt:     time.Now().Add(-60 * 24 * time.Hour),
	})
	assert.Greater(t, fresh.Value, stale.Value)
}

func TestScoreSignalsRecorded(t *testing.T) {
	scorer := newTestScorer()
	score := scorer.Score(Candidate{Provenance: ProvenancePlugin})

	require.Len(t, score.Signals, 4)
	names := make([]string, len(score.Signals))
	for i, s := range score.Signals {
		names[i] = s.Name
	}
	assert.ElementsMatch(t, []string{"provenance", "corroboration", "staleness", "source_trust"}, names)
	assert.False(t, score.ComputedAt.IsZero())
}

func TestScoreTrustedSourceNoPenalty(t *testing.T) {
	cfg := config.Defaults().Trust
	cfg.TrustedSources = []string{"calendar-plugin"}
	scorer := NewScorer(cfg)

	trusted := scorer.Score(Candidate{Provenance: ProvenanceUser, Corroborations: 3, Source: "calendar-plugin"})
	unknown := scorer.Score(Candidate{Provenance: ProvenanceUser, Corroborations: 3, Source: "random-plugin"})
	assert.GreaterOrEqual(t, trusted.Value, unknown.Value)
}
