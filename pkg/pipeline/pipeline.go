// Package pipeline drives a planned step through schema validation,
// approval, execution, output validation, post-conditions, invariants, and
// the memory write, compensating on failure. One pipeline instance is shared
// by all episodes; per-episode state lives in the fsm.Machine the caller
// passes in.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/rndrntwrk/milaidy/pkg/approval"
	"github.com/rndrntwrk/milaidy/pkg/events"
	"github.com/rndrntwrk/milaidy/pkg/fsm"
	"github.com/rndrntwrk/milaidy/pkg/invariant"
	"github.com/rndrntwrk/milaidy/pkg/memory"
	"github.com/rndrntwrk/milaidy/pkg/models"
	"github.com/rndrntwrk/milaidy/pkg/safemode"
	"github.com/rndrntwrk/milaidy/pkg/tools"
	"github.com/rndrntwrk/milaidy/pkg/trust"
)

// memoryKindToolResult is the memory kind for successful tool outputs.
const memoryKindToolResult = "tool_result"

// StepOutcome is the pipeline's verdict on one plan step.
type StepOutcome struct {
	Call     models.ToolCall    `json:"call"`
	Result   *models.ToolResult `json:"result,omitempty"`
	MemoryID string             `json:"memory_id,omitempty"`
	Err      error              `json:"-"`
	Reason   string             `json:"reason,omitempty"`
}

// OK reports whether the step completed cleanly.
func (o *StepOutcome) OK() bool {
	return o.Err == nil
}

// Pipeline wires the step-execution dependencies together.
type Pipeline struct {
	registry   *tools.Registry
	validator  *tools.Validator
	verifier   *tools.Verifier
	comp       *tools.CompensationRegistry
	approvals  *approval.Gate
	invariants *invariant.Checker
	gate       *memory.Gate
	safeMode   *safemode.Controller
	publisher  *events.Publisher

	defaultTimeout time.Duration
}

// Deps collects the pipeline's collaborators.
type Deps struct {
	Registry   *tools.Registry
	Validator  *tools.Validator
	Verifier   *tools.Verifier
	Comp       *tools.CompensationRegistry
	Approvals  *approval.Gate
	Invariants *invariant.Checker
	Gate       *memory.Gate
	SafeMode   *safemode.Controller
	Publisher  *events.Publisher

	DefaultTimeout time.Duration
}

// New creates an execution pipeline.
func New(deps Deps) *Pipeline {
	return &Pipeline{
		registry:       deps.Registry,
		validator:      deps.Validator,
		verifier:       deps.Verifier,
		comp:           deps.Comp,
		approvals:      deps.Approvals,
		invariants:     deps.Invariants,
		gate:           deps.Gate,
		safeMode:       deps.SafeMode,
		publisher:      deps.Publisher,
		defaultTimeout: deps.DefaultTimeout,
	}
}

// ExecuteStep drives one plan step through the eight pipeline stages. The
// machine must be in planning when called. A successful final step lands in
// done; a successful non-final step returns to planning for the next one;
// failures land in failed.
func (p *Pipeline) ExecuteStep(ctx context.Context, machine *fsm.Machine, step models.PlanStep, source string, final bool) *StepOutcome {
	call := models.ToolCall{
		CallID:    uuid.New().String(),
		ToolID:    step.ToolID,
		Input:     step.Input,
		Source:    source,
		EpisodeID: machine.EpisodeID(),
		StepIndex: step.StepIndex,
		CreatedAt: time.Now(),
	}
	outcome := &StepOutcome{Call: call}

	p.publisher.EmitCall(ctx, models.EventCallRequested, call, map[string]any{
		"justification": step.Justification,
	})

	// Stage 1: resolve the contract and validate input.
	reg, err := p.registry.Get(call.ToolID)
	if err != nil {
		p.publisher.EmitCall(ctx, models.EventCallValidated, call, map[string]any{
			"ok": false, "error": err.Error(),
		})
		return p.failBeforeExecution(ctx, machine, outcome, models.ToolContract{}, step, err, "unknown_tool")
	}
	contract := reg.Contract

	if p.safeMode.Active() && !contract.ReadOnly {
		err := fmt.Errorf("tool %q: %w", call.ToolID, models.ErrSafeModeActive)
		return p.failBeforeExecution(ctx, machine, outcome, contract, step, err, "safe_mode")
	}

	if err := p.validator.ValidateInput(call); err != nil {
		p.publisher.EmitCall(ctx, models.EventCallValidated, call, map[string]any{
			"ok": false, "error": err.Error(),
		})
		return p.failBeforeExecution(ctx, machine, outcome, contract, step, err, "input_schema")
	}
	p.publisher.EmitCall(ctx, models.EventCallValidated, call, map[string]any{"ok": true})

	// Stage 2: approval. Auto-approvals resolve synchronously without an
	// awaiting_approval hop.
	if p.approvals.IsAuto(call, contract) {
		decision, err := p.approvals.Request(ctx, call, contract)
		if err != nil || !decision.Approved {
			return p.failBeforeExecution(ctx, machine, outcome, contract, step,
				deniedError(decision.Reason), "approval")
		}
		if err := machine.Transition(ctx, fsm.StateExecuting, "auto_approved"); err != nil {
			return p.failBeforeExecution(ctx, machine, outcome, contract, step, err, "fsm")
		}
	} else {
		if err := machine.Transition(ctx, fsm.StateAwaitingApproval, "approval_required"); err != nil {
			return p.failBeforeExecution(ctx, machine, outcome, contract, step, err, "fsm")
		}
		decision, err := p.approvals.Request(ctx, call, contract)
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			return p.failBeforeExecution(ctx, machine, outcome, contract, step, err, "approval")
		}
		if !decision.Approved {
			return p.failBeforeExecution(ctx, machine, outcome, contract, step,
				deniedError(decision.Reason), "approval")
		}
		if err := machine.Transition(ctx, fsm.StateExecuting, "approved"); err != nil {
			return p.failBeforeExecution(ctx, machine, outcome, contract, step, err, "fsm")
		}
	}

	// Stage 3: invoke the tool against its deadline.
	p.publisher.EmitCall(ctx, models.EventCallStarted, call, nil)
	result := p.invoke(ctx, reg, call)
	outcome.Result = &result

	// Tool returned (or timed out); either way the step moves to verifying.
	if err := machine.Transition(ctx, fsm.StateVerifying, "tool_returned"); err != nil {
		return p.failAfterExecution(ctx, machine, outcome, contract, step, err, "fsm")
	}

	if !result.OK {
		reason := "tool_error"
		var stepErr error = &models.ToolError{ToolID: call.ToolID, Detail: result.Error}
		if result.Error == models.ErrToolTimeout.Error() {
			reason = "tool_timeout"
			stepErr = fmt.Errorf("tool %q: %w", call.ToolID, models.ErrToolTimeout)
		}
		p.publisher.EmitCall(ctx, models.EventCallFailed, call, map[string]any{
			"reason": reason, "error": result.Error,
		})
		return p.compensateAndFail(ctx, machine, outcome, contract, step, stepErr, reason, false)
	}

	p.publisher.EmitCall(ctx, models.EventCallSucceeded, call, map[string]any{
		"output": result.Output,
	})

	// Stage 4: output schema.
	if err := p.validator.ValidateOutput(call.ToolID, result.Output); err != nil {
		return p.compensateAndFail(ctx, machine, outcome, contract, step, err, "output_schema", true)
	}

	// Stage 5: post-conditions.
	verdict := p.verifier.Run(ctx, contract.PostConditions, call, result)
	if !verdict.OK {
		p.publisher.EmitCall(ctx, models.EventPostCondFailed, call, map[string]any{
			"check_id": verdict.FailedCheck,
			"reason":   verdict.Reason,
		})
		err := &models.PostConditionError{CheckID: verdict.FailedCheck, Reason: verdict.Reason}
		return p.compensateAndFail(ctx, machine, outcome, contract, step, err, "postcondition", true)
	}

	// Stage 6: invariants before committing.
	if violations := p.invariants.CheckNow(ctx, invariant.CheckpointBeforeCommit, call.EpisodeID); len(violations) > 0 {
		err := violationError(violations[0])
		o := p.compensateAndFail(ctx, machine, outcome, contract, step, err, "invariant", true)
		p.safeMode.Enter(ctx, err.Error())
		return o
	}

	// Stage 7: commit the result to memory.
	if err := machine.Transition(ctx, fsm.StateCommitting, "verified"); err != nil {
		return p.compensateAndFail(ctx, machine, outcome, contract, step, err, "fsm", true)
	}

	memoryID, err := p.commitResult(ctx, call, result)
	if err != nil {
		return p.compensateAndFail(ctx, machine, outcome, contract, step, err, "memory_write", true)
	}
	outcome.MemoryID = memoryID

	// Invariants may only fail here if the commit itself broke one; the
	// written entry is quarantined so default retrieval never serves it.
	if violations := p.invariants.CheckNow(ctx, invariant.CheckpointAfterCommit, call.EpisodeID); len(violations) > 0 {
		err := violationError(violations[0])
		if memoryID != "" {
			if qErr := p.gate.Quarantine(ctx, memoryID, "invariant violation during commit"); qErr != nil {
				slog.Warn("Failed to quarantine entry after invariant violation",
					"memory_id", memoryID, "error", qErr)
			}
		}
		o := p.compensateAndFail(ctx, machine, outcome, contract, step, err, "invariant", true)
		p.safeMode.Enter(ctx, err.Error())
		return o
	}

	next, cause := fsm.StateDone, "committed"
	if !final {
		next, cause = fsm.StatePlanning, "next_step"
	}
	if err := machine.Transition(ctx, next, cause); err != nil {
		return p.compensateAndFail(ctx, machine, outcome, contract, step, err, "fsm", true)
	}
	return outcome
}

// invoke races the tool handler against its deadline and the episode
// context. Timeout is a failure with reason tool_timeout.
func (p *Pipeline) invoke(ctx context.Context, reg tools.Registration, call models.ToolCall) models.ToolResult {
	timeout := p.defaultTimeout
	if reg.Contract.TimeoutMs > 0 {
		timeout = time.Duration(reg.Contract.TimeoutMs) * time.Millisecond
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result := models.ToolResult{CallID: call.CallID, StartedAt: time.Now()}

	type handlerOut struct {
		output map[string]any
		err    error
	}
	done := make(chan handlerOut, 1)
	go func() {
		output, err := reg.Handler(callCtx, call)
		done <- handlerOut{output: output, err: err}
	}()

	select {
	case out := <-done:
		result.FinishedAt = time.Now()
		if out.err != nil {
			result.Error = out.err.Error()
			return result
		}
		result.OK = true
		result.Output = out.output
		return result

	case <-callCtx.Done():
		result.FinishedAt = time.Now()
		if ctx.Err() != nil {
			result.Error = "cancelled"
		} else {
			result.Error = models.ErrToolTimeout.Error()
		}
		return result
	}
}

// commitResult writes the successful result through the memory gate.
func (p *Pipeline) commitResult(ctx context.Context, call models.ToolCall, result models.ToolResult) (string, error) {
	content, err := json.Marshal(map[string]any{
		"tool_id": call.ToolID,
		"call_id": call.CallID,
		"output":  result.Output,
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode result for memory: %w", err)
	}

	admit, err := p.gate.Admit(ctx, memory.Candidate{
		Kind:           memoryKindToolResult,
		Content:        string(content),
		Source:         call.ToolID,
		Provenance:     trust.ProvenancePlugin,
		Corroborations: 1,
		ObservedAt:     result.FinishedAt,
	})
	if err != nil {
		return "", err
	}
	if admit.Entry != nil {
		return admit.Entry.ID, nil
	}
	return "", nil
}

// failBeforeExecution ends a step that never reached the tool. The machine
// goes straight to failed; per the compensation-conservation property a
// denied non-read-only call still runs its compensation, after call.failed.
func (p *Pipeline) failBeforeExecution(ctx context.Context, machine *fsm.Machine, outcome *StepOutcome, contract models.ToolContract, step models.PlanStep, stepErr error, reason string) *StepOutcome {
	outcome.Err = stepErr
	outcome.Reason = reason

	p.publisher.EmitCall(ctx, models.EventCallFailed, outcome.Call, map[string]any{
		"reason": reason, "error": stepErr.Error(),
	})

	if err := machine.Transition(ctx, fsm.StateFailed, reason); err != nil {
		slog.Warn("Failed to transition to failed state",
			"episode_id", machine.EpisodeID(), "error", err)
	}

	p.runCompensation(ctx, outcome, contract, step)
	return outcome
}

// compensateAndFail handles failures once the tool has run: the machine
// walks verifying → compensating → failed, and compensation precedes the
// call.failed event when emitFailed is requested.
func (p *Pipeline) compensateAndFail(ctx context.Context, machine *fsm.Machine, outcome *StepOutcome, contract models.ToolContract, step models.PlanStep, stepErr error, reason string, emitFailed bool) *StepOutcome {
	outcome.Err = stepErr
	outcome.Reason = reason

	if err := machine.Transition(ctx, fsm.StateCompensating, reason); err != nil {
		slog.Warn("Failed to transition to compensating",
			"episode_id", machine.EpisodeID(), "error", err)
	}

	p.runCompensation(ctx, outcome, contract, step)

	if emitFailed {
		p.publisher.EmitCall(ctx, models.EventCallFailed, outcome.Call, map[string]any{
			"reason": reason, "error": stepErr.Error(),
		})
	}

	if violations := p.invariants.CheckNow(ctx, invariant.CheckpointAfterCompensation, outcome.Call.EpisodeID); len(violations) > 0 {
		p.safeMode.Enter(ctx, violationError(violations[0]).Error())
	}

	if err := machine.Transition(ctx, fsm.StateFailed, reason); err != nil {
		slog.Warn("Failed to transition to failed state",
			"episode_id", machine.EpisodeID(), "error", err)
	}
	return outcome
}

func (p *Pipeline) failAfterExecution(ctx context.Context, machine *fsm.Machine, outcome *StepOutcome, contract models.ToolContract, step models.PlanStep, stepErr error, reason string) *StepOutcome {
	return p.compensateAndFail(ctx, machine, outcome, contract, step, stepErr, reason, true)
}

// runCompensation rolls back a failed non-read-only call. A missing
// compensation is itself a post-condition failure, surfaced as
// NoCompensation.
func (p *Pipeline) runCompensation(ctx context.Context, outcome *StepOutcome, contract models.ToolContract, step models.PlanStep) {
	if contract.ID == "" || contract.ReadOnly {
		return
	}
	if step.RollbackPolicy == models.RollbackSkip {
		return
	}

	result := models.ToolResult{CallID: outcome.Call.CallID}
	if outcome.Result != nil {
		result = *outcome.Result
	}

	if contract.CompensationID == "" || !p.comp.Has(contract.CompensationID) {
		p.publisher.EmitCall(ctx, models.EventPostCondFailed, outcome.Call, map[string]any{
			"check_id": "NoCompensation",
			"reason":   models.ErrNoCompensation.Error(),
		})
		return
	}

	if err := p.comp.Run(ctx, contract.CompensationID, outcome.Call, result); err != nil {
		slog.Error("Compensation failed",
			"call_id", outcome.Call.CallID,
			"compensation_id", contract.CompensationID,
			"error", err)
		return
	}
	if outcome.Result != nil {
		outcome.Result.Compensated = true
	}
}

func deniedError(reason string) error {
	if reason == approval.TimeoutReason {
		return fmt.Errorf("%w", models.ErrApprovalTimeout)
	}
	return fmt.Errorf("%w: %s", models.ErrApprovalDenied, reason)
}

func violationError(v invariant.Violation) error {
	return &models.InvariantViolationError{InvariantID: v.InvariantID, Detail: v.Detail}
}
