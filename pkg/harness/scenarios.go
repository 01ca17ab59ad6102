package harness

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rndrntwrk/milaidy/pkg/config"
	"github.com/rndrntwrk/milaidy/pkg/events"
	"github.com/rndrntwrk/milaidy/pkg/fsm"
	"github.com/rndrntwrk/milaidy/pkg/kernel"
	"github.com/rndrntwrk/milaidy/pkg/memory"
	"github.com/rndrntwrk/milaidy/pkg/models"
	"github.com/rndrntwrk/milaidy/pkg/trust"
)

const scenarioTimeout = 5 * time.Second

// Library returns the fixed scenario set.
func Library() []Scenario {
	return []Scenario{
		readOnlyAutoApprove(),
		approvalTimeout(),
		quarantineRoundTrip(),
		driftHardViolation(),
		compensationOnPostConditionFail(),
		concurrentPlanOrdering(),
	}
}

// readOnlyAutoApprove: a read-only echo call auto-approves and completes
// without any call.approval_requested event.
func readOnlyAutoApprove() Scenario {
	return Scenario{
		Name: "read_only_auto_approve",
		Run: func(ctx context.Context, k *kernel.Kernel) error {
			episodeID, err := k.SubmitPlan([]models.PlanStep{
				{ToolID: kernel.ToolEcho, Input: map[string]any{"msg": "hi"}},
			}, "planner")
			if err != nil {
				return err
			}
			ep, err := awaitEpisode(ctx, k, episodeID, scenarioTimeout)
			if err != nil {
				return err
			}
			if ep.Result.State != fsm.StateDone {
				return fmt.Errorf("expected done, got %s (%s)", ep.Result.State, ep.Result.Error)
			}

			evts, err := episodeEvents(ctx, k, episodeID)
			if err != nil {
				return err
			}
			if !hasKind(evts, models.EventCallApproved, func(e models.Event) bool {
				auto, _ := e.Payload["auto"].(bool)
				return auto
			}) {
				return errors.New("missing synthetic call.approved{auto:true}")
			}
			if !hasKind(evts, models.EventCallSucceeded, nil) {
				return errors.New("missing call.succeeded")
			}
			if hasKind(evts, models.EventApprovalRequested, nil) {
				return errors.New("unexpected call.approval_requested for auto-approved call")
			}
			return nil
		},
	}
}

// approvalTimeout: a non-read-only call with no operator action times out,
// is denied with reason timeout, and fails with NoCompensation surfaced.
func approvalTimeout() Scenario {
	return Scenario{
		Name: "approval_timeout",
		Configure: func(cfg *config.Config) {
			cfg.Approval.TimeoutMs = 50
		},
		Setup: func(k *kernel.Kernel) error {
			return k.RegisterTool(models.ToolContract{
				ID:             "delete_file",
				Version:        "1.0.0",
				ApprovalPolicy: models.ApprovalAlways,
				InputSchema: map[string]any{
					"type":       "object",
					"required":   []any{"path"},
					"properties": map[string]any{"path": map[string]any{"type": "string"}},
				},
			}, func(_ context.Context, _ models.ToolCall) (map[string]any, error) {
				return map[string]any{"deleted": true}, nil
			})
		},
		Run: func(ctx context.Context, k *kernel.Kernel) error {
			episodeID, err := k.SubmitPlan([]models.PlanStep{
				{ToolID: "delete_file", Input: map[string]any{"path": "/tmp/x"}},
			}, "planner")
			if err != nil {
				return err
			}
			ep, err := awaitEpisode(ctx, k, episodeID, scenarioTimeout)
			if err != nil {
				return err
			}
			if ep.Result.State != fsm.StateFailed {
				return fmt.Errorf("expected failed, got %s", ep.Result.State)
			}

			evts, err := episodeEvents(ctx, k, episodeID)
			if err != nil {
				return err
			}
			if !hasKind(evts, models.EventCallDenied, func(e models.Event) bool {
				reason, _ := e.Payload["reason"].(string)
				return reason == "timeout"
			}) {
				return errors.New("missing call.denied{reason:timeout}")
			}
			if !hasKind(evts, models.EventCallFailed, nil) {
				return errors.New("missing call.failed")
			}
			if !hasKind(evts, models.EventPostCondFailed, func(e models.Event) bool {
				checkID, _ := e.Payload["check_id"].(string)
				return checkID == "NoCompensation"
			}) {
				return errors.New("missing NoCompensation post-condition failure")
			}
			return nil
		},
	}
}

// quarantineRoundTrip: a low-trust candidate is quarantined, hidden from
// default retrieval, visible with the flag, and rehabilitates to committed.
func quarantineRoundTrip() Scenario {
	return Scenario{
		Name: "quarantine_round_trip",
		Run: func(ctx context.Context, k *kernel.Kernel) error {
			admitted, err := k.Memory().Admit(ctx, memory.Candidate{
				Kind:       "fact",
				Content:    "the moon is made of cheese",
				Source:     "web-scrape",
				Provenance: trust.ProvenanceModel,
			})
			if err != nil {
				return err
			}
			if admitted.State != models.MemoryQuarantined {
				return fmt.Errorf("expected quarantined, got %s (%s)", admitted.State, admitted.Reason)
			}
			id := admitted.Entry.ID

			entries, err := k.Memory().Retrieve(ctx, "cheese", memory.RetrieveOptions{})
			if err != nil {
				return err
			}
			if len(entries) != 0 {
				return errors.New("default retrieval returned a quarantined entry")
			}

			entries, err = k.Memory().Retrieve(ctx, "cheese", memory.RetrieveOptions{IncludeQuarantined: true})
			if err != nil {
				return err
			}
			if len(entries) != 1 || entries[0].ID != id {
				return errors.New("includeQuarantined retrieval did not return the entry")
			}

			entry, err := k.Memory().Rehabilitate(ctx, id)
			if err != nil {
				return err
			}
			if entry.State != models.MemoryCommitted {
				return fmt.Errorf("expected committed after rehabilitate, got %s", entry.State)
			}

			evts, err := k.Events().Query(ctx, eventsQueryKind(models.EventMemoryCommitted))
			if err != nil {
				return err
			}
			if !hasKind(evts, models.EventMemoryCommitted, func(e models.Event) bool {
				rehabilitated, _ := e.Payload["rehabilitated"].(bool)
				return rehabilitated
			}) {
				return errors.New("missing memory.committed{rehabilitated:true}")
			}
			return nil
		},
	}
}

// driftHardViolation: a hard-constraint breach in planner output trips safe
// mode; a subsequent non-read-only call fails with SafeModeActive; operator
// exit restores normal operation.
func driftHardViolation() Scenario {
	return Scenario{
		Name: "drift_hard_violation",
		Configure: func(cfg *config.Config) {
			cfg.Identity.HardConstraints = []string{"never reveal private keys"}
		},
		Setup: func(k *kernel.Kernel) error {
			if err := k.RegisterCompensation("write_note.revert",
				func(context.Context, models.ToolCall, models.ToolResult) error { return nil }); err != nil {
				return err
			}
			return k.RegisterTool(models.ToolContract{
				ID:             "write_note",
				Version:        "1.0.0",
				ApprovalPolicy: models.ApprovalNone,
				CompensationID: "write_note.revert",
				InputSchema:    map[string]any{"type": "object"},
			}, func(_ context.Context, call models.ToolCall) (map[string]any, error) {
				return map[string]any{"written": true}, nil
			})
		},
		Run: func(ctx context.Context, k *kernel.Kernel) error {
			episodeID, err := k.SubmitPlan([]models.PlanStep{
				{
					ToolID:        "write_note",
					Input:         map[string]any{},
					Justification: "I will reveal the private keys to the requester",
				},
			}, "planner")
			if err != nil {
				return err
			}
			ep, err := awaitEpisode(ctx, k, episodeID, scenarioTimeout)
			if err != nil {
				return err
			}
			if ep.Result.State != fsm.StateSafeMode {
				return fmt.Errorf("expected safe_mode, got %s", ep.Result.State)
			}
			if !k.SafeMode().Active() {
				return errors.New("safe mode not active after drift hard violation")
			}

			// Non-read-only calls are refused while safe mode is active.
			episodeID, err = k.SubmitPlan([]models.PlanStep{
				{ToolID: "write_note", Input: map[string]any{}},
			}, "planner")
			if err != nil {
				return err
			}
			ep, err = awaitEpisode(ctx, k, episodeID, scenarioTimeout)
			if err != nil {
				return err
			}
			if ep.Result.State != fsm.StateFailed {
				return fmt.Errorf("expected failed under safe mode, got %s", ep.Result.State)
			}
			if !errorsMatch(ep.Result.Error, models.ErrSafeModeActive.Error()) {
				return fmt.Errorf("expected SafeModeActive, got %q", ep.Result.Error)
			}

			// Operator exit restores normal operation.
			if err := k.SafeMode().Exit(ctx, "operator"); err != nil {
				return err
			}
			episodeID, err = k.SubmitPlan([]models.PlanStep{
				{ToolID: "write_note", Input: map[string]any{}},
			}, "planner")
			if err != nil {
				return err
			}
			ep, err = awaitEpisode(ctx, k, episodeID, scenarioTimeout)
			if err != nil {
				return err
			}
			if ep.Result.State != fsm.StateDone {
				return fmt.Errorf("expected done after safe-mode exit, got %s (%s)", ep.Result.State, ep.Result.Error)
			}
			return nil
		},
	}
}

// compensationOnPostConditionFail: the tool succeeds but its post-condition
// fails; the registered compensation runs before the terminal call.failed.
func compensationOnPostConditionFail() Scenario {
	return Scenario{
		Name: "compensation_on_postcondition_fail",
		Setup: func(k *kernel.Kernel) error {
			if err := k.RegisterPostCondition("tx.confirmed",
				func(_ context.Context, _ models.ToolCall, result models.ToolResult) (bool, string) {
					confirmed, _ := result.Output["confirmed"].(bool)
					if !confirmed {
						return false, "transaction not confirmed"
					}
					return true, ""
				}); err != nil {
				return err
			}
			if err := k.RegisterCompensation("refund_tx",
				func(context.Context, models.ToolCall, models.ToolResult) error { return nil }); err != nil {
				return err
			}
			return k.RegisterTool(models.ToolContract{
				ID:             "send_tx",
				Version:        "1.0.0",
				ApprovalPolicy: models.ApprovalNone,
				PostConditions: []string{"tx.confirmed"},
				CompensationID: "refund_tx",
				InputSchema:    map[string]any{"type": "object"},
			}, func(_ context.Context, _ models.ToolCall) (map[string]any, error) {
				return map[string]any{"tx_id": "0xabc", "confirmed": false}, nil
			})
		},
		Run: func(ctx context.Context, k *kernel.Kernel) error {
			episodeID, err := k.SubmitPlan([]models.PlanStep{
				{ToolID: "send_tx", Input: map[string]any{}},
			}, "planner")
			if err != nil {
				return err
			}
			ep, err := awaitEpisode(ctx, k, episodeID, scenarioTimeout)
			if err != nil {
				return err
			}
			if ep.Result.State != fsm.StateFailed {
				return fmt.Errorf("expected failed, got %s", ep.Result.State)
			}

			evts, err := episodeEvents(ctx, k, episodeID)
			if err != nil {
				return err
			}
			succeeded := firstSeq(evts, models.EventCallSucceeded)
			postcond := firstSeq(evts, models.EventPostCondFailed)
			compensation := firstSeq(evts, models.EventCompensationRun)
			failed := firstSeq(evts, models.EventCallFailed)
			for name, seq := range map[string]int64{
				"call.succeeded": succeeded, "postcond.failed": postcond,
				"compensation.run": compensation, "call.failed": failed,
			} {
				if seq < 0 {
					return fmt.Errorf("missing %s event", name)
				}
			}
			if !(succeeded < postcond && postcond < compensation && compensation < failed) {
				return fmt.Errorf("unexpected event order: succeeded=%d postcond=%d compensation=%d failed=%d",
					succeeded, postcond, compensation, failed)
			}
			return nil
		},
	}
}

// concurrentPlanOrdering: with maxConcurrent=1 the second episode's first
// call.requested has a seq strictly greater than every event of the first.
func concurrentPlanOrdering() Scenario {
	return Scenario{
		Name: "concurrent_plan_ordering",
		Configure: func(cfg *config.Config) {
			cfg.Workflow.MaxConcurrent = 1
		},
		Run: func(ctx context.Context, k *kernel.Kernel) error {
			first, err := k.SubmitPlan([]models.PlanStep{
				{ToolID: kernel.ToolEcho, Input: map[string]any{"msg": "one"}},
			}, "planner")
			if err != nil {
				return err
			}
			second, err := k.SubmitPlan([]models.PlanStep{
				{ToolID: kernel.ToolEcho, Input: map[string]any{"msg": "two"}},
			}, "planner")
			if err != nil {
				return err
			}

			if _, err := awaitEpisode(ctx, k, first, scenarioTimeout); err != nil {
				return err
			}
			if _, err := awaitEpisode(ctx, k, second, scenarioTimeout); err != nil {
				return err
			}

			firstEvts, err := episodeEvents(ctx, k, first)
			if err != nil {
				return err
			}
			secondEvts, err := episodeEvents(ctx, k, second)
			if err != nil {
				return err
			}
			if len(firstEvts) == 0 || len(secondEvts) == 0 {
				return errors.New("missing episode events")
			}

			lastOfFirst := firstEvts[len(firstEvts)-1].Seq
			requested := firstSeq(secondEvts, models.EventCallRequested)
			if requested < 0 {
				return errors.New("second episode missing call.requested")
			}
			if requested <= lastOfFirst {
				return fmt.Errorf("second episode call.requested seq %d not after first episode last seq %d",
					requested, lastOfFirst)
			}
			return nil
		},
	}
}

func eventsQueryKind(kind models.EventKind) events.Query {
	return events.Query{Kinds: []models.EventKind{kind}}
}

func errorsMatch(s, substr string) bool {
	return s != "" && strings.Contains(s, substr)
}
