package safemode

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rndrntwrk/milaidy/pkg/events"
	"github.com/rndrntwrk/milaidy/pkg/models"
)

func newTestController(t *testing.T) (*Controller, *events.MemoryStore) {
	t.Helper()
	store := events.NewMemoryStore(1000, 0)
	return NewController(events.NewPublisher(store)), store
}

func TestEnterExitLifecycle(t *testing.T) {
	c, store := newTestController(t)
	ctx := context.Background()

	assert.False(t, c.Active())

	c.Enter(ctx, "drift violation")
	assert.True(t, c.Active())
	st := c.Status()
	require.NotNil(t, st.EnteredAt)
	assert.Equal(t, "drift violation", st.Reason)

	require.NoError(t, c.Exit(ctx, "operator"))
	assert.False(t, c.Active())
	assert.Nil(t, c.Status().EnteredAt)

	entered, _ := store.Query(ctx, events.Query{Kinds: []models.EventKind{models.EventSafeModeEntered}})
	exited, _ := store.Query(ctx, events.Query{Kinds: []models.EventKind{models.EventSafeModeExited}})
	assert.Len(t, entered, 1)
	assert.Len(t, exited, 1)
}

func TestEnterIsIdempotent(t *testing.T) {
	c, store := newTestController(t)
	ctx := context.Background()

	c.Enter(ctx, "first reason")
	firstEntered := *c.Status().EnteredAt

	c.Enter(ctx, "updated reason")
	st := c.Status()
	assert.Equal(t, "updated reason", st.Reason, "repeated enter updates reason")
	assert.Equal(t, firstEntered, *st.EnteredAt, "but not enteredAt")

	entered, _ := store.Query(ctx, events.Query{Kinds: []models.EventKind{models.EventSafeModeEntered}})
	assert.Len(t, entered, 1, "only the first activation emits an event")
}

func TestExitWhenInactiveConflicts(t *testing.T) {
	c, _ := newTestController(t)
	err := c.Exit(context.Background(), "operator")
	assert.ErrorIs(t, err, models.ErrConflict)
}

func TestOnExitHook(t *testing.T) {
	c, _ := newTestController(t)
	ctx := context.Background()

	fired := false
	c.SetOnExit(func() { fired = true })

	c.Enter(ctx, "reason")
	require.NoError(t, c.Exit(ctx, "operator"))
	assert.True(t, fired)
}
