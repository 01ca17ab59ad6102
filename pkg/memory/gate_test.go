package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rndrntwrk/milaidy/pkg/config"
	"github.com/rndrntwrk/milaidy/pkg/events"
	"github.com/rndrntwrk/milaidy/pkg/models"
	"github.com/rndrntwrk/milaidy/pkg/trust"
)

func newTestGate(t *testing.T) (*Gate, *events.MemoryStore) {
	t.Helper()
	eventStore := events.NewMemoryStore(1000, 0)
	publisher := events.NewPublisher(eventStore)
	scorer := trust.NewScorer(config.Defaults().Trust)
	gate := NewGate(NewInMemoryStore(), scorer, publisher, models.TierMedium)
	return gate, eventStore
}

func countKind(t *testing.T, store *events.MemoryStore, kind models.EventKind) int {
	t.Helper()
	evts, err := store.Query(context.Background(), events.Query{Kinds: []models.EventKind{kind}})
	require.NoError(t, err)
	return len(evts)
}

func TestAdmitCommitsHighTrust(t *testing.T) {
	gate, eventStore := newTestGate(t)
	ctx := context.Background()

	result, err := gate.Admit(ctx, Candidate{
		Kind:       "fact",
		Content:    "user prefers dark mode",
		Provenance: trust.ProvenanceUser,
	})
	require.NoError(t, err)
	assert.Equal(t, models.MemoryCommitted, result.State)
	require.NotNil(t, result.Entry)

	assert.Equal(t, 1, countKind(t, eventStore, models.EventMemoryCommitted))
	assert.Equal(t, 0, countKind(t, eventStore, models.EventMemoryQuarantined))
}

func TestAdmitQuarantinesMidTrust(t *testing.T) {
	gate, eventStore := newTestGate(t)
	ctx := context.Background()

	// Model provenance scores 0.3: above the quarantine cutoff, below the
	// medium admit tier.
	result, err := gate.Admit(ctx, Candidate{
		Kind:       "fact",
		Content:    "the meeting moved to 3pm",
		Provenance: trust.ProvenanceModel,
	})
	require.NoError(t, err)
	assert.Equal(t, models.MemoryQuarantined, result.State)
	assert.Equal(t, 1, countKind(t, eventStore, models.EventMemoryQuarantined))
}

func TestAdmitRejectsDuplicates(t *testing.T) {
	gate, _ := newTestGate(t)
	ctx := context.Background()

	c := Candidate{Kind: "fact", Content: "same content", Provenance: trust.ProvenanceUser}
	first, err := gate.Admit(ctx, c)
	require.NoError(t, err)
	require.Equal(t, models.MemoryCommitted, first.State)

	second, err := gate.Admit(ctx, c)
	require.NoError(t, err)
	assert.Equal(t, models.MemoryRejected, second.State)
	assert.Contains(t, second.Reason, "duplicate")
	assert.Nil(t, second.Entry, "rejected candidates are not persisted")
}

func TestAdmitSameContentDifferentKind(t *testing.T) {
	gate, _ := newTestGate(t)
	ctx := context.Background()

	first, err := gate.Admit(ctx, Candidate{Kind: "fact", Content: "x", Provenance: trust.ProvenanceUser})
	require.NoError(t, err)
	require.Equal(t, models.MemoryCommitted, first.State)

	// Duplicate detection is scoped to the entry's kind.
	second, err := gate.Admit(ctx, Candidate{Kind: "note", Content: "x", Provenance: trust.ProvenanceUser})
	require.NoError(t, err)
	assert.Equal(t, models.MemoryCommitted, second.State)
}

func TestRetrieveDefaultHidesQuarantined(t *testing.T) {
	gate, _ := newTestGate(t)
	ctx := context.Background()

	committed, err := gate.Admit(ctx, Candidate{Kind: "fact", Content: "good fact about coffee", Provenance: trust.ProvenanceUser})
	require.NoError(t, err)
	quarantined, err := gate.Admit(ctx, Candidate{Kind: "fact", Content: "shaky fact about coffee", Provenance: trust.ProvenanceModel})
	require.NoError(t, err)
	require.Equal(t, models.MemoryQuarantined, quarantined.State)

	entries, err := gate.Retrieve(ctx, "coffee", RetrieveOptions{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, committed.Entry.ID, entries[0].ID)

	entries, err = gate.Retrieve(ctx, "coffee", RetrieveOptions{IncludeQuarantined: true})
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestRetrieveRankedByTierThenRecency(t *testing.T) {
	gate, _ := newTestGate(t)
	ctx := context.Background()

	mid, err := gate.Admit(ctx, Candidate{Kind: "fact", Content: "plugin fact topic", Provenance: trust.ProvenancePlugin})
	require.NoError(t, err)
	high, err := gate.Admit(ctx, Candidate{Kind: "fact", Content: "user fact topic", Provenance: trust.ProvenanceUser, Corroborations: 3})
	require.NoError(t, err)

	entries, err := gate.Retrieve(ctx, "topic", RetrieveOptions{})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, high.Entry.ID, entries[0].ID, "higher tier first")
	assert.Equal(t, mid.Entry.ID, entries[1].ID)
}

func TestSupersedeHidesOldEntry(t *testing.T) {
	gate, _ := newTestGate(t)
	ctx := context.Background()

	old, err := gate.Admit(ctx, Candidate{Kind: "fact", Content: "address is 1 Main St", Provenance: trust.ProvenanceUser})
	require.NoError(t, err)

	replacement, err := gate.Supersede(ctx, old.Entry.ID, Candidate{
		Kind: "fact", Content: "address is 2 Oak Ave", Provenance: trust.ProvenanceUser,
	})
	require.NoError(t, err)
	assert.Equal(t, old.Entry.ID, replacement.Supersedes)

	entries, err := gate.Retrieve(ctx, "address", RetrieveOptions{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, replacement.ID, entries[0].ID, "superseded entry never returned by default")
}

func TestSupersedeMissingEntry(t *testing.T) {
	gate, _ := newTestGate(t)
	_, err := gate.Supersede(context.Background(), "nope", Candidate{
		Kind: "fact", Content: "x", Provenance: trust.ProvenanceUser,
	})
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestRehabilitateRoundTrip(t *testing.T) {
	gate, eventStore := newTestGate(t)
	ctx := context.Background()

	result, err := gate.Admit(ctx, Candidate{Kind: "fact", Content: "low trust", Provenance: trust.ProvenanceModel})
	require.NoError(t, err)
	require.Equal(t, models.MemoryQuarantined, result.State)

	entry, err := gate.Rehabilitate(ctx, result.Entry.ID)
	require.NoError(t, err)
	assert.Equal(t, models.MemoryCommitted, entry.State)

	evts, err := eventStore.Query(ctx, events.Query{Kinds: []models.EventKind{models.EventMemoryCommitted}})
	require.NoError(t, err)
	require.Len(t, evts, 1)
	assert.Equal(t, true, evts[0].Payload["rehabilitated"])

	// Rehabilitating twice is a conflict.
	_, err = gate.Rehabilitate(ctx, result.Entry.ID)
	assert.ErrorIs(t, err, models.ErrConflict)
}

func TestQuarantineList(t *testing.T) {
	gate, _ := newTestGate(t)
	ctx := context.Background()

	_, err := gate.Admit(ctx, Candidate{Kind: "fact", Content: "a", Provenance: trust.ProvenanceModel})
	require.NoError(t, err)
	_, err = gate.Admit(ctx, Candidate{Kind: "fact", Content: "b", Provenance: trust.ProvenanceUser})
	require.NoError(t, err)

	entries, err := gate.QuarantineList(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, models.MemoryQuarantined, entries[0].State)
}
