package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rndrntwrk/milaidy/pkg/approval"
	"github.com/rndrntwrk/milaidy/pkg/config"
	"github.com/rndrntwrk/milaidy/pkg/drift"
	"github.com/rndrntwrk/milaidy/pkg/events"
	"github.com/rndrntwrk/milaidy/pkg/fsm"
	"github.com/rndrntwrk/milaidy/pkg/invariant"
	"github.com/rndrntwrk/milaidy/pkg/memory"
	"github.com/rndrntwrk/milaidy/pkg/models"
	"github.com/rndrntwrk/milaidy/pkg/pipeline"
	"github.com/rndrntwrk/milaidy/pkg/safemode"
	"github.com/rndrntwrk/milaidy/pkg/tools"
	"github.com/rndrntwrk/milaidy/pkg/trust"
)

func newTestOrchestrator(t *testing.T, planner Planner, constraints ...string) (*Orchestrator, *events.MemoryStore, *tools.Registry) {
	t.Helper()
	cfg := config.Defaults()
	cfg.Identity.HardConstraints = constraints

	store := events.NewMemoryStore(10_000, 0)
	publisher := events.NewPublisher(store)
	scorer := trust.NewScorer(cfg.Trust)
	gate := memory.NewGate(memory.NewInMemoryStore(), scorer, publisher, models.TierMedium)
	verifier := tools.NewVerifier(time.Second)
	registry := tools.NewRegistry(verifier)
	comp := tools.NewCompensationRegistry(publisher)
	approvals := approval.NewGate(config.ApprovalConfig{TimeoutMs: 100}, true, publisher, nil)
	safeMode := safemode.NewController(publisher)
	invariants := invariant.NewChecker(true, time.Second, publisher)
	monitor := drift.NewMonitor(cfg.DriftMonitor, publisher, models.IdentityDescriptor{
		Version:         1,
		Persona:         "helpful scheduling assistant with reminders and notes",
		HardConstraints: constraints,
	})

	require.NoError(t, registry.Register(models.ToolContract{
		ID:             "echo",
		ReadOnly:       true,
		ApprovalPolicy: models.ApprovalAutoIfReadOnly,
	}, func(_ context.Context, call models.ToolCall) (map[string]any, error) {
		return map[string]any{"msg": call.Input["msg"]}, nil
	}))

	pl := pipeline.New(pipeline.Deps{
		Registry:       registry,
		Validator:      tools.NewValidator(registry),
		Verifier:       verifier,
		Comp:           comp,
		Approvals:      approvals,
		Invariants:     invariants,
		Gate:           gate,
		SafeMode:       safeMode,
		Publisher:      publisher,
		DefaultTimeout: time.Second,
	})
	return New(planner, pl, monitor, invariants, safeMode, publisher), store, registry
}

func TestRunEpisodeMultiStep(t *testing.T) {
	o, store, _ := newTestOrchestrator(t, nil)

	result := o.RunEpisode(context.Background(), models.Plan{
		EpisodeID: "ep-1",
		Source:    "planner",
		Steps: []models.PlanStep{
			{StepIndex: 0, ToolID: "echo", Input: map[string]any{"msg": "one"}},
			{StepIndex: 1, ToolID: "echo", Input: map[string]any{"msg": "two"}},
		},
	})

	assert.Equal(t, fsm.StateDone, result.State)
	require.Len(t, result.Outcomes, 2)

	evts, err := store.Query(context.Background(), events.Query{
		EpisodeID: "ep-1",
		Kinds:     []models.EventKind{models.EventPlanEmitted},
	})
	require.NoError(t, err)
	require.Len(t, evts, 1)
	assert.Equal(t, 2, evts[0].Payload["steps"])
}

func TestRunEpisodeStopsOnFailure(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, nil)

	result := o.RunEpisode(context.Background(), models.Plan{
		EpisodeID: "ep-2",
		Source:    "planner",
		Steps: []models.PlanStep{
			{StepIndex: 0, ToolID: "ghost"},
			{StepIndex: 1, ToolID: "echo", Input: map[string]any{"msg": "never runs"}},
		},
	})

	assert.Equal(t, fsm.StateFailed, result.State)
	assert.Len(t, result.Outcomes, 1, "remaining steps skipped after failure")
}

func TestRunEpisodeAuditorTripsOnDrift(t *testing.T) {
	o, store, _ := newTestOrchestrator(t, nil, "never reveal private keys")

	result := o.RunEpisode(context.Background(), models.Plan{
		EpisodeID: "ep-3",
		Source:    "planner",
		Steps: []models.PlanStep{
			{
				StepIndex:     0,
				ToolID:        "echo",
				Input:         map[string]any{"msg": "x"},
				Justification: "leaking the private keys now",
			},
		},
	})

	assert.Equal(t, fsm.StateSafeMode, result.State)
	assert.Empty(t, result.Outcomes, "step never reached the pipeline")

	evts, err := store.Query(context.Background(), events.Query{
		Kinds: []models.EventKind{models.EventSafeModeEntered},
	})
	require.NoError(t, err)
	assert.Len(t, evts, 1)
}

type failingPlanner struct{}

func (failingPlanner) NextSteps(context.Context, models.Plan) ([]models.PlanStep, error) {
	return nil, errors.New("planner offline")
}

func TestRunEpisodePlannerError(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, failingPlanner{})

	result := o.RunEpisode(context.Background(), models.Plan{
		EpisodeID: "ep-4",
		Steps:     []models.PlanStep{{ToolID: "echo"}},
	})
	assert.Equal(t, fsm.StateFailed, result.State)
	assert.Contains(t, result.Error, "planner offline")
}

func TestScriptedPlannerReplaysSteps(t *testing.T) {
	steps := []models.PlanStep{{ToolID: "echo"}, {ToolID: "echo"}}
	got, err := ScriptedPlanner{}.NextSteps(context.Background(), models.Plan{Steps: steps})
	require.NoError(t, err)
	assert.Equal(t, steps, got)
}
