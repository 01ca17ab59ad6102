package tools

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rndrntwrk/milaidy/pkg/events"
	"github.com/rndrntwrk/milaidy/pkg/models"
)

// CompensationFn is the inverse action for a tool. Implementations must be
// idempotent. The pipeline runs a compensation at most once per failed call
// and does not retry it.
type CompensationFn func(ctx context.Context, call models.ToolCall, result models.ToolResult) error

// CompensationRegistry maps compensation IDs to inverse actions. Immutable
// after Freeze; every run is recorded in the event store.
type CompensationRegistry struct {
	mu            sync.Mutex
	compensations map[string]CompensationFn
	frozen        atomic.Bool
	publisher     *events.Publisher
}

// NewCompensationRegistry creates a compensation registry.
func NewCompensationRegistry(publisher *events.Publisher) *CompensationRegistry {
	return &CompensationRegistry{
		compensations: make(map[string]CompensationFn),
		publisher:     publisher,
	}
}

// Register adds a compensation function. Fails on duplicates.
func (r *CompensationRegistry) Register(id string, fn CompensationFn) error {
	if r.frozen.Load() {
		return fmt.Errorf("compensation registry is frozen: %w", models.ErrConflict)
	}
	if id == "" || fn == nil {
		return fmt.Errorf("compensation registration: %w", models.ErrConflict)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.compensations[id]; ok {
		return fmt.Errorf("compensation %q: %w", id, models.ErrConflict)
	}
	r.compensations[id] = fn
	return nil
}

// Freeze makes the registry immutable. Called once startup wiring is done.
func (r *CompensationRegistry) Freeze() {
	r.frozen.Store(true)
}

// Has reports whether a compensation ID resolves.
func (r *CompensationRegistry) Has(id string) bool {
	return r.get(id) != nil
}

func (r *CompensationRegistry) get(id string) CompensationFn {
	if !r.frozen.Load() {
		r.mu.Lock()
		defer r.mu.Unlock()
	}
	return r.compensations[id]
}

// Run executes the compensation for the given call and records the run in
// the event store. Returns NoCompensation if the ID does not resolve.
func (r *CompensationRegistry) Run(ctx context.Context, id string, call models.ToolCall, result models.ToolResult) error {
	fn := r.get(id)
	if fn == nil {
		return fmt.Errorf("compensation %q: %w", id, models.ErrNoCompensation)
	}

	err := fn(ctx, call, result)
	payload := map[string]any{
		"compensation_id": id,
		"call_id":         call.CallID,
		"tool_id":         call.ToolID,
		"ok":              err == nil,
	}
	if err != nil {
		payload["error"] = err.Error()
	}
	r.publisher.Emit(ctx, models.EventCompensationRun, call.EpisodeID, payload)

	if err != nil {
		return fmt.Errorf("compensation %q failed: %w", id, err)
	}
	return nil
}
