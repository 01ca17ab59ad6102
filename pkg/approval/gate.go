// Package approval holds tool calls awaiting human approval. Auto-approval
// shortcuts resolve synchronously; everything else waits on an operator
// decision with a timeout.
package approval

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/rndrntwrk/milaidy/pkg/config"
	"github.com/rndrntwrk/milaidy/pkg/events"
	"github.com/rndrntwrk/milaidy/pkg/models"
)

// TimeoutReason is the deny reason recorded when an approval wait expires.
const TimeoutReason = "timeout"

// Decision is the outcome of an approval request.
type Decision struct {
	Approved  bool      `json:"approved"`
	Auto      bool      `json:"auto"`
	Actor     string    `json:"actor,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	DecidedAt time.Time `json:"decided_at"`
}

// Log persists the approval audit trail. Implementations may be backed by
// the approval_log table; a nil Log disables persistence.
type Log interface {
	Requested(ctx context.Context, call models.ToolCall, policy models.ApprovalPolicy, requestedAt time.Time) error
	Decided(ctx context.Context, callID string, approved bool, actor, reason string, decidedAt time.Time) error
}

// PendingView is the externally visible shape of a pending request.
type PendingView struct {
	Call        models.ToolCall       `json:"call"`
	Policy      models.ApprovalPolicy `json:"policy"`
	RequestedAt time.Time             `json:"requested_at"`
	TimeoutMs   int                   `json:"timeout_ms"`
}

type pendingRequest struct {
	call        models.ToolCall
	policy      models.ApprovalPolicy
	requestedAt time.Time
	timeout     time.Duration
	decisionCh  chan Decision
	once        sync.Once
}

// deliver resolves the request exactly once.
func (p *pendingRequest) deliver(d Decision) bool {
	delivered := false
	p.once.Do(func() {
		p.decisionCh <- d
		delivered = true
	})
	return delivered
}

// Gate maps callId to pending approval requests.
type Gate struct {
	mu      sync.Mutex
	pending map[string]*pendingRequest

	publisher           *events.Publisher
	log                 Log
	timeout             time.Duration
	autoApproveReadOnly bool
	autoApproveSources  map[string]bool
	now                 func() time.Time
}

// NewGate creates an approval gate. log may be nil.
func NewGate(cfg config.ApprovalConfig, autoApproveReadOnly bool, publisher *events.Publisher, log Log) *Gate {
	sources := make(map[string]bool, len(cfg.AutoApproveSources))
	for _, s := range cfg.AutoApproveSources {
		sources[s] = true
	}
	return &Gate{
		pending:             make(map[string]*pendingRequest),
		publisher:           publisher,
		log:                 log,
		timeout:             time.Duration(cfg.TimeoutMs) * time.Millisecond,
		autoApproveReadOnly: autoApproveReadOnly,
		autoApproveSources:  sources,
		now:                 time.Now,
	}
}

// Request resolves the approval decision for a call under the contract's
// policy. Auto-approval shortcuts resolve immediately with a synthetic
// call.approved{auto:true} and no call.approval_requested event. Manual
// requests wait for an operator decision, the configured timeout, or
// context cancellation, whichever comes first.
func (g *Gate) Request(ctx context.Context, call models.ToolCall, contract models.ToolContract) (Decision, error) {
	policy := contract.ApprovalPolicy

	if auto, ok := g.autoDecision(call, contract); ok {
		g.publisher.EmitCall(ctx, models.EventCallApproved, call, map[string]any{
			"auto":   true,
			"policy": policy,
		})
		g.logDecided(ctx, call.CallID, true, "", "auto-approved")
		return auto, nil
	}

	req := &pendingRequest{
		call:        call,
		policy:      policy,
		requestedAt: g.now(),
		timeout:     g.timeout,
		decisionCh:  make(chan Decision, 1),
	}

	g.mu.Lock()
	if _, exists := g.pending[call.CallID]; exists {
		g.mu.Unlock()
		return Decision{}, fmt.Errorf("approval for call %s already pending: %w", call.CallID, models.ErrConflict)
	}
	g.pending[call.CallID] = req
	g.mu.Unlock()

	g.publisher.EmitCall(ctx, models.EventApprovalRequested, call, map[string]any{
		"policy":     policy,
		"timeout_ms": g.timeout.Milliseconds(),
	})
	if g.log != nil {
		if err := g.log.Requested(ctx, call, policy, req.requestedAt); err != nil {
			slog.Warn("Failed to persist approval request", "call_id", call.CallID, "error", err)
		}
	}

	timer := time.NewTimer(g.timeout)
	defer timer.Stop()

	select {
	case decision := <-req.decisionCh:
		g.remove(call.CallID)
		return decision, nil

	case <-timer.C:
		decision := Decision{Approved: false, Reason: TimeoutReason, DecidedAt: g.now()}
		if req.deliver(decision) {
			g.publisher.EmitCall(ctx, models.EventCallDenied, call, map[string]any{
				"reason": TimeoutReason,
			})
			g.logDecided(ctx, call.CallID, false, "", TimeoutReason)
		} else {
			// An operator decision won the race; surface it instead.
			decision = <-req.decisionCh
		}
		g.remove(call.CallID)
		return decision, nil

	case <-ctx.Done():
		decision := Decision{Approved: false, Reason: "cancelled", DecidedAt: g.now()}
		if req.deliver(decision) {
			g.publisher.EmitCall(ctx, models.EventCallDenied, call, map[string]any{
				"reason": "cancelled",
			})
			g.logDecided(ctx, call.CallID, false, "", "cancelled")
		} else {
			decision = <-req.decisionCh
		}
		g.remove(call.CallID)
		return decision, ctx.Err()
	}
}

// IsAuto reports whether the call would resolve without waiting on an
// operator. The pipeline uses this to skip the awaiting_approval hop.
func (g *Gate) IsAuto(call models.ToolCall, contract models.ToolContract) bool {
	_, ok := g.autoDecision(call, contract)
	return ok
}

// autoDecision applies the auto-approval shortcuts.
func (g *Gate) autoDecision(call models.ToolCall, contract models.ToolContract) (Decision, bool) {
	switch contract.ApprovalPolicy {
	case models.ApprovalNone:
		return Decision{Approved: true, Auto: true, DecidedAt: g.now()}, true
	case models.ApprovalAutoIfReadOnly:
		if g.autoApproveReadOnly && contract.ReadOnly {
			return Decision{Approved: true, Auto: true, DecidedAt: g.now()}, true
		}
	case models.ApprovalSourceTrusted:
		if g.autoApproveSources[call.Source] {
			return Decision{Approved: true, Auto: true, Actor: call.Source, DecidedAt: g.now()}, true
		}
	}
	return Decision{}, false
}

// Approve resolves a pending request as approved.
func (g *Gate) Approve(ctx context.Context, callID, actor string) error {
	req, err := g.lookup(callID)
	if err != nil {
		return err
	}
	decision := Decision{Approved: true, Actor: actor, DecidedAt: g.now()}
	if !req.deliver(decision) {
		return fmt.Errorf("call %s already decided: %w", callID, models.ErrConflict)
	}
	g.publisher.EmitCall(ctx, models.EventCallApproved, req.call, map[string]any{
		"actor": actor,
	})
	g.logDecided(ctx, callID, true, actor, "")
	return nil
}

// Deny resolves a pending request as denied.
func (g *Gate) Deny(ctx context.Context, callID, actor, reason string) error {
	req, err := g.lookup(callID)
	if err != nil {
		return err
	}
	decision := Decision{Approved: false, Actor: actor, Reason: reason, DecidedAt: g.now()}
	if !req.deliver(decision) {
		return fmt.Errorf("call %s already decided: %w", callID, models.ErrConflict)
	}
	g.publisher.EmitCall(ctx, models.EventCallDenied, req.call, map[string]any{
		"actor":  actor,
		"reason": reason,
	})
	g.logDecided(ctx, callID, false, actor, reason)
	return nil
}

// Cancel withdraws a pending request without an operator decision.
func (g *Gate) Cancel(ctx context.Context, callID string) error {
	req, err := g.lookup(callID)
	if err != nil {
		return err
	}
	decision := Decision{Approved: false, Reason: "cancelled", DecidedAt: g.now()}
	if !req.deliver(decision) {
		return fmt.Errorf("call %s already decided: %w", callID, models.ErrConflict)
	}
	g.publisher.EmitCall(ctx, models.EventCallDenied, req.call, map[string]any{
		"reason": "cancelled",
	})
	g.logDecided(ctx, callID, false, "", "cancelled")
	return nil
}

// List returns pending requests ordered by request time.
func (g *Gate) List() []PendingView {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]PendingView, 0, len(g.pending))
	for _, req := range g.pending {
		out = append(out, PendingView{
			Call:        req.call,
			Policy:      req.policy,
			RequestedAt: req.requestedAt,
			TimeoutMs:   int(req.timeout.Milliseconds()),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].RequestedAt.Before(out[j].RequestedAt)
	})
	return out
}

// OverdueCount returns the number of pending requests older than their
// timeout. Read by the invariant checker; the waiting goroutines normally
// clear these within a scheduler tick of expiry.
func (g *Gate) OverdueCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	overdue := 0
	for _, req := range g.pending {
		if now.Sub(req.requestedAt) > req.timeout {
			overdue++
		}
	}
	return overdue
}

func (g *Gate) lookup(callID string) (*pendingRequest, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	req, ok := g.pending[callID]
	if !ok {
		return nil, fmt.Errorf("no pending approval for call %s: %w", callID, models.ErrNotFound)
	}
	return req, nil
}

func (g *Gate) remove(callID string) {
	g.mu.Lock()
	delete(g.pending, callID)
	g.mu.Unlock()
}

func (g *Gate) logDecided(ctx context.Context, callID string, approved bool, actor, reason string) {
	if g.log == nil {
		return
	}
	if err := g.log.Decided(ctx, callID, approved, actor, reason, g.now()); err != nil {
		slog.Warn("Failed to persist approval decision", "call_id", callID, "error", err)
	}
}
