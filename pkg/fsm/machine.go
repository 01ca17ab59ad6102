// Package fsm implements the per-episode state machine. Transitions outside
// the legal table fail with IllegalTransition and leave the state untouched;
// every successful transition is recorded in the event store.
package fsm

import (
	"context"
	"sync"

	"github.com/rndrntwrk/milaidy/pkg/events"
	"github.com/rndrntwrk/milaidy/pkg/models"
)

// State is an episode lifecycle state.
type State string

const (
	StateIdle             State = "idle"
	StatePlanning         State = "planning"
	StateAwaitingApproval State = "awaiting_approval"
	StateExecuting        State = "executing"
	StateVerifying        State = "verifying"
	StateCommitting       State = "committing"
	StateCompensating     State = "compensating"
	StateDone             State = "done"
	StateFailed           State = "failed"
	StateSafeMode         State = "safe_mode"
)

// IsValid checks if the state is one the machine recognizes.
func (s State) IsValid() bool {
	_, ok := legal[s]
	return ok
}

// Terminal reports whether the state ends the episode from the kernel's
// point of view. safe_mode is terminal-for-episode but the kernel keeps
// serving read-only calls.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed || s == StateSafeMode
}

// legal is the transition table. Any state may additionally enter safe_mode,
// and terminal states return to idle on operator reset.
var legal = map[State][]State{
	StateIdle:             {StatePlanning},
	StatePlanning:         {StateAwaitingApproval, StateExecuting, StateFailed},
	StateAwaitingApproval: {StateExecuting, StateFailed},
	StateExecuting:        {StateVerifying},
	StateVerifying:        {StateCommitting, StateCompensating},
	StateCommitting:       {StateDone, StateCompensating, StatePlanning},
	StateCompensating:     {StateFailed},
	StateDone:             {StateIdle},
	StateFailed:           {StateIdle},
	StateSafeMode:         {StateIdle},
}

// Legal reports whether from → to is in the transition table.
func Legal(from, to State) bool {
	if to == StateSafeMode {
		return true
	}
	for _, next := range legal[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CanReachTerminal reports whether done or failed is reachable from the
// given state through legal transitions. Used by the invariant checker.
func CanReachTerminal(from State) bool {
	seen := map[State]bool{from: true}
	frontier := []State{from}
	for len(frontier) > 0 {
		s := frontier[0]
		frontier = frontier[1:]
		if s == StateDone || s == StateFailed {
			return true
		}
		for _, next := range legal[s] {
			if !seen[next] {
				seen[next] = true
				frontier = append(frontier, next)
			}
		}
	}
	return false
}

// Machine is the linearizable per-episode state machine.
type Machine struct {
	mu        sync.Mutex
	episodeID string
	state     State
	publisher *events.Publisher
}

// New creates a machine in the idle state.
func New(episodeID string, publisher *events.Publisher) *Machine {
	return &Machine{
		episodeID: episodeID,
		state:     StateIdle,
		publisher: publisher,
	}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// EpisodeID returns the episode this machine belongs to.
func (m *Machine) EpisodeID() string {
	return m.episodeID
}

// Transition moves the machine to the target state, emitting a typed event.
// Illegal transitions fail with IllegalTransition and do not mutate state.
func (m *Machine) Transition(ctx context.Context, to State, cause string) error {
	m.mu.Lock()
	from := m.state
	if !Legal(from, to) {
		m.mu.Unlock()
		return &models.IllegalTransitionError{From: string(from), To: string(to)}
	}
	m.state = to
	m.mu.Unlock()

	m.publisher.Emit(ctx, models.EventStateChanged, m.episodeID, map[string]any{
		"from":  from,
		"to":    to,
		"cause": cause,
	})
	return nil
}

// Reset returns a terminal machine to idle. Operator action.
func (m *Machine) Reset(ctx context.Context) error {
	m.mu.Lock()
	from := m.state
	if !from.Terminal() {
		m.mu.Unlock()
		return &models.IllegalTransitionError{From: string(from), To: string(StateIdle)}
	}
	m.state = StateIdle
	m.mu.Unlock()

	m.publisher.Emit(ctx, models.EventStateChanged, m.episodeID, map[string]any{
		"from":  from,
		"to":    StateIdle,
		"cause": "operator_reset",
	})
	return nil
}
