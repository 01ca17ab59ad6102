// Package safemode implements the kernel's safe-mode controller. While
// active, the execution pipeline refuses any call whose contract is not
// read-only until an operator exits safe mode.
package safemode

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rndrntwrk/milaidy/pkg/events"
	"github.com/rndrntwrk/milaidy/pkg/models"
)

// Status is the controller's externally visible state.
type Status struct {
	Active    bool       `json:"active"`
	EnteredAt *time.Time `json:"entered_at,omitempty"`
	Reason    string     `json:"reason,omitempty"`
}

// Controller tracks safe-mode state.
type Controller struct {
	mu        sync.Mutex
	active    bool
	enteredAt time.Time
	reason    string
	publisher *events.Publisher
	now       func() time.Time
	onExit    func()
}

// NewController creates an inactive safe-mode controller.
func NewController(publisher *events.Publisher) *Controller {
	return &Controller{publisher: publisher, now: time.Now}
}

// SetOnExit registers a hook invoked after a successful Exit. The kernel
// uses it to reset the drift window so stale scores don't re-trip safe mode.
func (c *Controller) SetOnExit(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onExit = fn
}

// Enter activates safe mode. Idempotent: repeated enters update the reason
// but not enteredAt, and only the first activation emits an event.
func (c *Controller) Enter(ctx context.Context, reason string) {
	c.mu.Lock()
	wasActive := c.active
	if !wasActive {
		c.active = true
		c.enteredAt = c.now()
	}
	c.reason = reason
	c.mu.Unlock()

	if wasActive {
		slog.Warn("Safe mode already active, reason updated", "reason", reason)
		return
	}

	slog.Error("Safe mode entered", "reason", reason)
	c.publisher.Emit(ctx, models.EventSafeModeEntered, "", map[string]any{
		"reason": reason,
	})
}

// Exit deactivates safe mode. Fails with Conflict when not active.
func (c *Controller) Exit(ctx context.Context, actor string) error {
	c.mu.Lock()
	if !c.active {
		c.mu.Unlock()
		return fmt.Errorf("safe mode not active: %w", models.ErrConflict)
	}
	reason := c.reason
	onExit := c.onExit
	c.active = false
	c.enteredAt = time.Time{}
	c.reason = ""
	c.mu.Unlock()

	slog.Info("Safe mode exited", "actor", actor, "prior_reason", reason)
	c.publisher.Emit(ctx, models.EventSafeModeExited, "", map[string]any{
		"actor": actor,
	})
	if onExit != nil {
		onExit()
	}
	return nil
}

// Active reports whether safe mode is on.
func (c *Controller) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// Status returns the full controller state.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := Status{Active: c.active, Reason: c.reason}
	if c.active {
		entered := c.enteredAt
		st.EnteredAt = &entered
	}
	return st
}
