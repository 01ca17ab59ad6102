package memory

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rndrntwrk/milaidy/pkg/events"
	"github.com/rndrntwrk/milaidy/pkg/models"
	"github.com/rndrntwrk/milaidy/pkg/trust"
)

// Candidate is a proposed memory entry before scoring.
type Candidate struct {
	Kind           string           `json:"kind"`
	Content        string           `json:"content"`
	Embedding      []float64        `json:"embedding,omitempty"`
	Source         string           `json:"source"`
	Provenance     trust.Provenance `json:"provenance"`
	Corroborations int              `json:"corroborations"`
	ObservedAt     time.Time        `json:"observed_at"`
}

// AdmitResult is the gate's verdict on a candidate.
type AdmitResult struct {
	State  models.MemoryState  `json:"state"`
	Reason string              `json:"reason"`
	Entry  *models.MemoryEntry `json:"entry,omitempty"`
}

// RetrieveOptions tune retrieval filtering.
type RetrieveOptions struct {
	IncludeQuarantined bool
	MinTier            models.TrustTier
	Kind               string
	Limit              int
}

// Gate decides whether candidate memories are committed, quarantined, or
// rejected, and owns retrieval filtering. It emits exactly one
// memory.committed or memory.quarantined event per admit that did not
// reject.
type Gate struct {
	store     Store
	scorer    *trust.Scorer
	publisher *events.Publisher
	admitTier models.TrustTier
}

// NewGate creates a memory gate.
func NewGate(store Store, scorer *trust.Scorer, publisher *events.Publisher, admitTier models.TrustTier) *Gate {
	return &Gate{
		store:     store,
		scorer:    scorer,
		publisher: publisher,
		admitTier: admitTier,
	}
}

// Admit scores the candidate and routes it to committed, quarantined, or
// rejected. Rejected candidates are never persisted.
func (g *Gate) Admit(ctx context.Context, c Candidate) (*AdmitResult, error) {
	score := g.scorer.Score(trust.Candidate{
		Provenance:     c.Provenance,
		Source:         c.Source,
		Corroborations: c.Corroborations,
		ObservedAt:     c.ObservedAt,
	})

	entry := &models.MemoryEntry{
		ID:        uuid.New().String(),
		Kind:      c.Kind,
		Content:   c.Content,
		Embedding: c.Embedding,
		Source:    c.Source,
		Trust:     score,
		CreatedAt: time.Now(),
	}

	switch {
	case score.Tier == models.TierQuarantine:
		return &AdmitResult{
			State:  models.MemoryRejected,
			Reason: fmt.Sprintf("trust %.2f below quarantine cutoff", score.Value),
		}, nil

	case score.Tier.AtLeast(g.admitTier):
		dup, err := g.store.FindDuplicate(ctx, c.Kind, ContentHash(c.Content))
		if err != nil {
			return nil, fmt.Errorf("duplicate check failed: %w", err)
		}
		if dup != nil {
			return &AdmitResult{
				State:  models.MemoryRejected,
				Reason: fmt.Sprintf("duplicate of %s", dup.ID),
			}, nil
		}

		entry.State = models.MemoryCommitted
		if err := g.store.Insert(ctx, entry); err != nil {
			return nil, fmt.Errorf("failed to commit memory: %w", err)
		}
		g.publisher.Emit(ctx, models.EventMemoryCommitted, "", map[string]any{
			"memory_id": entry.ID,
			"kind":      entry.Kind,
			"tier":      entry.Trust.Tier,
		})
		return &AdmitResult{State: models.MemoryCommitted, Reason: "admitted", Entry: entry}, nil

	default:
		entry.State = models.MemoryQuarantined
		if err := g.store.Insert(ctx, entry); err != nil {
			return nil, fmt.Errorf("failed to quarantine memory: %w", err)
		}
		g.publisher.Emit(ctx, models.EventMemoryQuarantined, "", map[string]any{
			"memory_id": entry.ID,
			"kind":      entry.Kind,
			"tier":      entry.Trust.Tier,
		})
		return &AdmitResult{
			State:  models.MemoryQuarantined,
			Reason: fmt.Sprintf("tier %s below admit tier %s", score.Tier, g.admitTier),
			Entry:  entry,
		}, nil
	}
}

// Supersede atomically replaces an existing entry with a new candidate.
// Fails with NotFound if the old entry is missing; the candidate must score
// above the quarantine cutoff or the supersession is refused.
func (g *Gate) Supersede(ctx context.Context, oldID string, c Candidate) (*models.MemoryEntry, error) {
	score := g.scorer.Score(trust.Candidate{
		Provenance:     c.Provenance,
		Source:         c.Source,
		Corroborations: c.Corroborations,
		ObservedAt:     c.ObservedAt,
	})
	if score.Tier == models.TierQuarantine {
		return nil, fmt.Errorf("supersede candidate scored %.2f: %w", score.Value, models.ErrConflict)
	}

	entry := &models.MemoryEntry{
		ID:        uuid.New().String(),
		Kind:      c.Kind,
		Content:   c.Content,
		Embedding: c.Embedding,
		Source:    c.Source,
		Trust:     score,
		CreatedAt: time.Now(),
	}
	if score.Tier.AtLeast(g.admitTier) {
		entry.State = models.MemoryCommitted
	} else {
		entry.State = models.MemoryQuarantined
	}

	if err := g.store.Supersede(ctx, oldID, entry); err != nil {
		return nil, err
	}

	kind := models.EventMemoryCommitted
	if entry.State == models.MemoryQuarantined {
		kind = models.EventMemoryQuarantined
	}
	g.publisher.Emit(ctx, kind, "", map[string]any{
		"memory_id":  entry.ID,
		"kind":       entry.Kind,
		"tier":       entry.Trust.Tier,
		"supersedes": oldID,
	})
	return entry, nil
}

// Retrieve returns entries ranked by (tier desc, recency desc), matching the
// query as a case-insensitive substring when non-empty. Quarantined entries
// are only included when explicitly requested.
func (g *Gate) Retrieve(ctx context.Context, query string, opts RetrieveOptions) ([]*models.MemoryEntry, error) {
	states := []models.MemoryState{models.MemoryCommitted}
	if opts.IncludeQuarantined {
		states = append(states, models.MemoryQuarantined)
	}

	minTier := opts.MinTier
	if minTier == "" {
		minTier = models.TierLow
	}

	entries, err := g.store.List(ctx, ListFilter{States: states, Kind: opts.Kind})
	if err != nil {
		return nil, fmt.Errorf("retrieval failed: %w", err)
	}

	needle := strings.ToLower(query)
	var out []*models.MemoryEntry
	for _, entry := range entries {
		// Quarantined entries ride along regardless of tier when requested;
		// committed entries must clear the minimum tier.
		if entry.State == models.MemoryCommitted && !entry.Trust.Tier.AtLeast(minTier) {
			continue
		}
		if needle != "" && !strings.Contains(strings.ToLower(entry.Content), needle) {
			continue
		}
		out = append(out, entry)
	}

	RankEntries(out)
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

// Rehabilitate moves a quarantined entry to committed. Operator action only.
func (g *Gate) Rehabilitate(ctx context.Context, id string) (*models.MemoryEntry, error) {
	entry, err := g.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if entry.State != models.MemoryQuarantined {
		return nil, fmt.Errorf("entry %s is %s, not quarantined: %w", id, entry.State, models.ErrConflict)
	}

	if err := g.store.UpdateState(ctx, id, models.MemoryCommitted); err != nil {
		return nil, err
	}
	entry.State = models.MemoryCommitted

	g.publisher.Emit(ctx, models.EventMemoryCommitted, "", map[string]any{
		"memory_id":     entry.ID,
		"kind":          entry.Kind,
		"tier":          entry.Trust.Tier,
		"rehabilitated": true,
	})
	slog.Info("Memory entry rehabilitated", "memory_id", id)
	return entry, nil
}

// Quarantine forcibly moves a committed entry to quarantined. Used by the
// pipeline when an invariant fails after a commit has landed.
func (g *Gate) Quarantine(ctx context.Context, id, reason string) error {
	entry, err := g.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if entry.State != models.MemoryCommitted {
		return fmt.Errorf("entry %s is %s, not committed: %w", id, entry.State, models.ErrConflict)
	}
	if err := g.store.UpdateState(ctx, id, models.MemoryQuarantined); err != nil {
		return err
	}
	g.publisher.Emit(ctx, models.EventMemoryQuarantined, "", map[string]any{
		"memory_id": id,
		"kind":      entry.Kind,
		"reason":    reason,
	})
	return nil
}

// QuarantineList returns all quarantined entries.
func (g *Gate) QuarantineList(ctx context.Context) ([]*models.MemoryEntry, error) {
	return g.store.List(ctx, ListFilter{
		States:            []models.MemoryState{models.MemoryQuarantined},
		IncludeSuperseded: true,
	})
}
