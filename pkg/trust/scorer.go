// Package trust maps candidate facts and memories to trust scores. The
// scorer is a pure function of its inputs: no I/O, no shared state, safe for
// concurrent use.
package trust

import (
	"time"

	"github.com/rndrntwrk/milaidy/pkg/config"
	"github.com/rndrntwrk/milaidy/pkg/models"
)

// Provenance classifies where a candidate fact came from. Ordering matters:
// user-typed facts outrank known plugins, which outrank web content, which
// outranks model output.
type Provenance string

const (
	ProvenanceUser   Provenance = "user"
	ProvenancePlugin Provenance = "plugin"
	ProvenanceWeb    Provenance = "web"
	ProvenanceModel  Provenance = "model"
)

// IsValid checks if the provenance is valid.
func (p Provenance) IsValid() bool {
	switch p {
	case ProvenanceUser, ProvenancePlugin, ProvenanceWeb, ProvenanceModel:
		return true
	default:
		return false
	}
}

// Candidate is the input to the scorer.
type Candidate struct {
	Provenance     Provenance
	Source         string
	Corroborations int
	ObservedAt     time.Time
}

// Signal weights. Each signal contributes 1 - weight*(1 - value); the score
// is the minimum contribution, so a heavily weighted weak signal dominates.
const (
	provenanceWeight    = 1.0
	corroborationWeight = 0.5
	stalenessWeight     = 0.3
	sourceTrustWeight   = 0.4
)

// Staleness decay: full credit under a day, linear decay to the floor at the
// horizon.
const (
	stalenessFreshWindow = 24 * time.Hour
	stalenessHorizon     = 30 * 24 * time.Hour
	stalenessFloor       = 0.2
)

// Scorer computes trust scores using configured tier thresholds and the
// explicit source trust list.
type Scorer struct {
	thresholds     config.TrustThresholds
	trustedSources map[string]bool
	now            func() time.Time
}

// NewScorer creates a scorer from trust configuration.
func NewScorer(cfg config.TrustConfig) *Scorer {
	trusted := make(map[string]bool, len(cfg.TrustedSources))
	for _, s := range cfg.TrustedSources {
		trusted[s] = true
	}
	return &Scorer{
		thresholds:     cfg.Thresholds,
		trustedSources: trusted,
		now:            time.Now,
	}
}

// Score computes the trust score for a candidate. The tier is derived from
// the value here and never recomputed on read.
func (s *Scorer) Score(c Candidate) models.TrustScore {
	signals := []models.TrustSignal{
		{Name: "provenance", Value: provenanceValue(c.Provenance), Weight: provenanceWeight},
		{Name: "corroboration", Value: corroborationValue(c.Corroborations), Weight: corroborationWeight},
		{Name: "staleness", Value: s.stalenessValue(c.ObservedAt), Weight: stalenessWeight},
		{Name: "source_trust", Value: s.sourceTrustValue(c.Source), Weight: sourceTrustWeight},
	}

	// Weighted minimum of signal contributions, clamped to [0,1].
	value := 1.0
	for _, sig := range signals {
		contribution := 1 - sig.Weight*(1-sig.Value)
		if contribution < value {
			value = contribution
		}
	}
	value = clamp01(value)

	return models.TrustScore{
		Value:      value,
		Tier:       s.Tier(value),
		Signals:    signals,
		ComputedAt: s.now(),
	}
}

// Tier maps a score value to its tier using the configured cutoffs.
func (s *Scorer) Tier(value float64) models.TrustTier {
	switch {
	case value >= s.thresholds.High:
		return models.TierHigh
	case value >= s.thresholds.Medium:
		return models.TierMedium
	case value >= s.thresholds.Low:
		return models.TierLow
	default:
		return models.TierQuarantine
	}
}

func provenanceValue(p Provenance) float64 {
	switch p {
	case ProvenanceUser:
		return 1.0
	case ProvenancePlugin:
		return 0.8
	case ProvenanceWeb:
		return 0.55
	case ProvenanceModel:
		return 0.3
	default:
		return 0.3
	}
}

func corroborationValue(count int) float64 {
	if count >= 3 {
		return 1.0
	}
	if count < 0 {
		count = 0
	}
	return 0.25 + 0.25*float64(count)
}

func (s *Scorer) stalenessValue(observedAt time.Time) float64 {
	if observedAt.IsZero() {
		return 1.0
	}
	age := s.now().Sub(observedAt)
	if age <= stalenessFreshWindow {
		return 1.0
	}
	if age >= stalenessHorizon {
		return stalenessFloor
	}
	frac := float64(age-stalenessFreshWindow) / float64(stalenessHorizon-stalenessFreshWindow)
	return 1.0 - frac*(1.0-stalenessFloor)
}

func (s *Scorer) sourceTrustValue(source string) float64 {
	if source == "" {
		return 0.9
	}
	if s.trustedSources[source] {
		return 1.0
	}
	return 0.9
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
