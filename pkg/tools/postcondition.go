package tools

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rndrntwrk/milaidy/pkg/models"
)

// Check is a semantic post-condition over a completed tool call. Checks must
// be pure: no side effects, no shared state.
type Check func(ctx context.Context, call models.ToolCall, result models.ToolResult) (ok bool, reason string)

// Verdict is the aggregated outcome of running a contract's post-conditions.
// OK is the conjunction of all checks; the first failing check provides the
// surfaced reason.
type Verdict struct {
	OK          bool   `json:"ok"`
	FailedCheck string `json:"failed_check,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// Verifier is the registry of named post-condition checks.
type Verifier struct {
	mu      sync.RWMutex
	checks  map[string]Check
	timeout time.Duration
}

// NewVerifier creates a post-condition verifier. checkTimeout bounds each
// individual check; a timed-out check counts as failed.
func NewVerifier(checkTimeout time.Duration) *Verifier {
	return &Verifier{
		checks:  make(map[string]Check),
		timeout: checkTimeout,
	}
}

// Register adds a named check. Fails on duplicates.
func (v *Verifier) Register(id string, check Check) error {
	if id == "" || check == nil {
		return fmt.Errorf("post-condition registration: %w", models.ErrConflict)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.checks[id]; ok {
		return fmt.Errorf("post-condition %q: %w", id, models.ErrConflict)
	}
	v.checks[id] = check
	return nil
}

// Has reports whether a check ID resolves.
func (v *Verifier) Has(id string) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	_, ok := v.checks[id]
	return ok
}

// Run executes the named checks against the call and result. Checks run
// sequentially; the first failure short-circuits.
func (v *Verifier) Run(ctx context.Context, checkIDs []string, call models.ToolCall, result models.ToolResult) Verdict {
	for _, id := range checkIDs {
		v.mu.RLock()
		check, ok := v.checks[id]
		v.mu.RUnlock()
		if !ok {
			return Verdict{OK: false, FailedCheck: id, Reason: "unknown post-condition"}
		}

		ok, reason := v.runOne(ctx, check, call, result)
		if !ok {
			return Verdict{OK: false, FailedCheck: id, Reason: reason}
		}
	}
	return Verdict{OK: true}
}

// runOne bounds a single check by the configured timeout.
func (v *Verifier) runOne(ctx context.Context, check Check, call models.ToolCall, result models.ToolResult) (bool, string) {
	checkCtx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	type outcome struct {
		ok     bool
		reason string
	}
	done := make(chan outcome, 1)
	go func() {
		ok, reason := check(checkCtx, call, result)
		done <- outcome{ok: ok, reason: reason}
	}()

	select {
	case o := <-done:
		return o.ok, o.reason
	case <-checkCtx.Done():
		return false, "check timed out"
	}
}
