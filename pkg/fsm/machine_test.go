package fsm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rndrntwrk/milaidy/pkg/events"
	"github.com/rndrntwrk/milaidy/pkg/models"
)

func newTestMachine(t *testing.T) (*Machine, *events.MemoryStore) {
	t.Helper()
	store := events.NewMemoryStore(1000, 0)
	return New("ep-1", events.NewPublisher(store)), store
}

func TestHappyPathTransitions(t *testing.T) {
	m, store := newTestMachine(t)
	ctx := context.Background()

	path := []State{
		StatePlanning, StateAwaitingApproval, StateExecuting,
		StateVerifying, StateCommitting, StateDone,
	}
	for _, next := range path {
		require.NoError(t, m.Transition(ctx, next, "test"), "transition to %s", next)
	}
	assert.Equal(t, StateDone, m.State())

	evts, err := store.Query(ctx, events.Query{Kinds: []models.EventKind{models.EventStateChanged}})
	require.NoError(t, err)
	assert.Len(t, evts, len(path), "every transition emits a typed event")
}

func TestIllegalTransitionDoesNotMutate(t *testing.T) {
	m, store := newTestMachine(t)
	ctx := context.Background()

	err := m.Transition(ctx, StateExecuting, "test")
	require.Error(t, err)

	var illegal *models.IllegalTransitionError
	require.ErrorAs(t, err, &illegal)
	assert.Equal(t, "idle", illegal.From)
	assert.Equal(t, "executing", illegal.To)
	assert.Equal(t, StateIdle, m.State(), "state unchanged after illegal transition")

	evts, _ := store.Query(ctx, events.Query{})
	assert.Empty(t, evts, "illegal transitions emit nothing")
}

func TestAnyStateCanEnterSafeMode(t *testing.T) {
	for _, from := range []State{StateIdle, StatePlanning, StateExecuting, StateVerifying, StateDone} {
		assert.True(t, Legal(from, StateSafeMode), "from %s", from)
	}
}

func TestFailureBranches(t *testing.T) {
	assert.True(t, Legal(StatePlanning, StateFailed))
	assert.True(t, Legal(StateAwaitingApproval, StateFailed))
	assert.True(t, Legal(StateVerifying, StateCompensating))
	assert.True(t, Legal(StateCommitting, StateCompensating))
	assert.True(t, Legal(StateCompensating, StateFailed))
	assert.False(t, Legal(StateCompensating, StateDone))
	assert.False(t, Legal(StateDone, StateExecuting))
}

func TestMultiStepLoop(t *testing.T) {
	m, _ := newTestMachine(t)
	ctx := context.Background()

	for _, next := range []State{StatePlanning, StateExecuting, StateVerifying, StateCommitting} {
		require.NoError(t, m.Transition(ctx, next, "step-1"))
	}
	// Non-final steps return to planning for the next step.
	require.NoError(t, m.Transition(ctx, StatePlanning, "next_step"))
	for _, next := range []State{StateExecuting, StateVerifying, StateCommitting, StateDone} {
		require.NoError(t, m.Transition(ctx, next, "step-2"))
	}
	assert.Equal(t, StateDone, m.State())
}

func TestResetFromTerminalStates(t *testing.T) {
	ctx := context.Background()

	m, _ := newTestMachine(t)
	require.NoError(t, m.Transition(ctx, StatePlanning, "t"))
	require.NoError(t, m.Transition(ctx, StateFailed, "t"))
	require.NoError(t, m.Reset(ctx))
	assert.Equal(t, StateIdle, m.State())

	// Reset from a non-terminal state is illegal.
	require.NoError(t, m.Transition(ctx, StatePlanning, "t"))
	assert.Error(t, m.Reset(ctx))
}

func TestTerminal(t *testing.T) {
	assert.True(t, StateDone.Terminal())
	assert.True(t, StateFailed.Terminal())
	assert.True(t, StateSafeMode.Terminal())
	assert.False(t, StateExecuting.Terminal())
}

func TestCanReachTerminal(t *testing.T) {
	// Property: from any non-terminal state the machine can reach done or
	// failed via legal transitions.
	for state := range map[State]struct{}{
		StateIdle: {}, StatePlanning: {}, StateAwaitingApproval: {},
		StateExecuting: {}, StateVerifying: {}, StateCommitting: {},
		StateCompensating: {},
	} {
		assert.True(t, CanReachTerminal(state), "from %s", state)
	}
}
