// Package invariant runs whole-kernel invariants at checkpoints: before and
// after a memory commit, after compensation, between episode steps, at
// kernel start, and on operator demand. Entering or exiting safe mode does
// not run a check. A violation during an episode downgrades the episode to
// failed and trips safe mode; a violation at kernel start fails Start.
package invariant

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rndrntwrk/milaidy/pkg/events"
	"github.com/rndrntwrk/milaidy/pkg/models"
)

// Checkpoint names passed to CheckNow. No caller passes the safe-mode entry
// and exit names.
const (
	CheckpointBeforeCommit      = "before_commit"
	CheckpointAfterCommit       = "after_commit"
	CheckpointAfterCompensation = "after_compensation"
	CheckpointSafeModeEntry     = "safe_mode_entry"
	CheckpointSafeModeExit      = "safe_mode_exit"
	CheckpointManual            = "manual"
)

// CheckFn evaluates one invariant. ok=false makes detail the violation text.
type CheckFn func(ctx context.Context) (ok bool, detail string)

// Violation reports one invariant that did not hold.
type Violation struct {
	InvariantID string `json:"invariant_id"`
	Detail      string `json:"detail"`
	Checkpoint  string `json:"checkpoint"`
}

type invariant struct {
	id    string
	check CheckFn
}

// Checker is the registry and runner of kernel invariants.
type Checker struct {
	mu         sync.Mutex
	invariants []invariant
	enabled    bool
	timeout    time.Duration
	publisher  *events.Publisher
}

// NewChecker creates an invariant checker. When disabled, CheckNow always
// reports no violations.
func NewChecker(enabled bool, checkTimeout time.Duration, publisher *events.Publisher) *Checker {
	return &Checker{
		enabled:   enabled,
		timeout:   checkTimeout,
		publisher: publisher,
	}
}

// Register adds a named invariant. Registration order is evaluation order.
func (c *Checker) Register(id string, check CheckFn) error {
	if id == "" || check == nil {
		return fmt.Errorf("invariant registration: %w", models.ErrConflict)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, inv := range c.invariants {
		if inv.id == id {
			return fmt.Errorf("invariant %q: %w", id, models.ErrConflict)
		}
	}
	c.invariants = append(c.invariants, invariant{id: id, check: check})
	return nil
}

// CheckNow evaluates every registered invariant, emitting an
// invariant.violated event per failure. All invariants run even after a
// failure so the report is complete.
func (c *Checker) CheckNow(ctx context.Context, checkpoint, episodeID string) []Violation {
	c.mu.Lock()
	enabled := c.enabled
	invariants := make([]invariant, len(c.invariants))
	copy(invariants, c.invariants)
	c.mu.Unlock()

	if !enabled {
		return nil
	}

	var violations []Violation
	for _, inv := range invariants {
		ok, detail := c.runOne(ctx, inv)
		if ok {
			continue
		}
		violations = append(violations, Violation{
			InvariantID: inv.id,
			Detail:      detail,
			Checkpoint:  checkpoint,
		})
		c.publisher.Emit(ctx, models.EventInvariantViolated, episodeID, map[string]any{
			"invariant_id": inv.id,
			"detail":       detail,
			"checkpoint":   checkpoint,
		})
	}
	return violations
}

// runOne bounds a single invariant by the configured check timeout; a
// timed-out check counts as a violation.
func (c *Checker) runOne(ctx context.Context, inv invariant) (bool, string) {
	checkCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	type outcome struct {
		ok     bool
		detail string
	}
	done := make(chan outcome, 1)
	go func() {
		ok, detail := inv.check(checkCtx)
		done <- outcome{ok: ok, detail: detail}
	}()

	select {
	case o := <-done:
		return o.ok, o.detail
	case <-checkCtx.Done():
		return false, "invariant check timed out"
	}
}
