// Package orchestrator composes the kernel's roles — planner, executor,
// verifier, memory writer, auditor — into a cooperative loop per episode.
// The verifier and memory writer are implicit in the pipeline; the auditor
// inspects the drift monitor and invariant checker between steps and trips
// safe mode when it fires. Roles communicate through the event store and the
// shared state-machine handle, never by mutual references.
package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"github.com/rndrntwrk/milaidy/pkg/drift"
	"github.com/rndrntwrk/milaidy/pkg/events"
	"github.com/rndrntwrk/milaidy/pkg/fsm"
	"github.com/rndrntwrk/milaidy/pkg/invariant"
	"github.com/rndrntwrk/milaidy/pkg/models"
	"github.com/rndrntwrk/milaidy/pkg/pipeline"
	"github.com/rndrntwrk/milaidy/pkg/safemode"
)

// Planner produces the candidate steps for an episode. The default
// implementation replays the submitted plan; a model-backed planner
// satisfies the same interface.
type Planner interface {
	NextSteps(ctx context.Context, plan models.Plan) ([]models.PlanStep, error)
}

// ScriptedPlanner replays the steps exactly as submitted.
type ScriptedPlanner struct{}

// NextSteps implements Planner.
func (ScriptedPlanner) NextSteps(_ context.Context, plan models.Plan) ([]models.PlanStep, error) {
	return plan.Steps, nil
}

// EpisodeResult is the terminal summary of one episode.
type EpisodeResult struct {
	EpisodeID  string                  `json:"episode_id"`
	State      fsm.State               `json:"state"`
	Outcomes   []*pipeline.StepOutcome `json:"outcomes"`
	StartedAt  time.Time               `json:"started_at"`
	FinishedAt time.Time               `json:"finished_at"`
	Error      string                  `json:"error,omitempty"`
}

// Orchestrator drives episodes through the pipeline.
type Orchestrator struct {
	planner    Planner
	pipeline   *pipeline.Pipeline
	drift      *drift.Monitor
	invariants *invariant.Checker
	safeMode   *safemode.Controller
	publisher  *events.Publisher
}

// New creates an orchestrator. planner may be nil, defaulting to the
// scripted planner.
func New(planner Planner, pl *pipeline.Pipeline, driftMonitor *drift.Monitor, invariants *invariant.Checker, safeMode *safemode.Controller, publisher *events.Publisher) *Orchestrator {
	if planner == nil {
		planner = ScriptedPlanner{}
	}
	return &Orchestrator{
		planner:    planner,
		pipeline:   pl,
		drift:      driftMonitor,
		invariants: invariants,
		safeMode:   safeMode,
		publisher:  publisher,
	}
}

// RunEpisode executes a submitted plan to a terminal state. The context is
// episode-scoped; cancelling it aborts the in-flight step and compensates
// if execution had begun.
func (o *Orchestrator) RunEpisode(ctx context.Context, plan models.Plan) *EpisodeResult {
	log := slog.With("episode_id", plan.EpisodeID)
	result := &EpisodeResult{EpisodeID: plan.EpisodeID, StartedAt: time.Now()}
	machine := fsm.New(plan.EpisodeID, o.publisher)

	finish := func() *EpisodeResult {
		result.State = machine.State()
		result.FinishedAt = time.Now()
		return result
	}

	if err := machine.Transition(ctx, fsm.StatePlanning, "plan.requested"); err != nil {
		result.Error = err.Error()
		return finish()
	}

	steps, err := o.planner.NextSteps(ctx, plan)
	if err != nil {
		result.Error = err.Error()
		if tErr := machine.Transition(ctx, fsm.StateFailed, "planner_error"); tErr != nil {
			log.Warn("Failed to fail episode after planner error", "error", tErr)
		}
		return finish()
	}

	o.publisher.Emit(ctx, models.EventPlanEmitted, plan.EpisodeID, map[string]any{
		"source": plan.Source,
		"steps":  len(steps),
	})

	for i, step := range steps {
		// Auditor role: between steps, inspect drift and invariants. Once
		// safe mode is active the auditor has already fired — the pipeline's
		// SafeModeActive rejection is the surface for non-read-only steps,
		// and read-only steps keep working.
		if !o.safeMode.Active() {
			if step.Justification != "" {
				obs := o.drift.Observe(ctx, plan.EpisodeID, step.Justification)
				if obs.Critical {
					o.auditorTrip(ctx, machine, result, "drift hard violation")
					return finish()
				}
			}
			if violations := o.invariants.CheckNow(ctx, invariant.CheckpointManual, plan.EpisodeID); len(violations) > 0 {
				// An invariant violation fails the episode and trips safe mode.
				result.Error = violations[0].Detail
				o.safeMode.Enter(ctx, violations[0].Detail)
				if tErr := machine.Transition(ctx, fsm.StateFailed, "invariant_violation"); tErr != nil {
					log.Warn("Failed to fail episode after invariant violation", "error", tErr)
				}
				return finish()
			}
		}

		final := i == len(steps)-1
		outcome := o.pipeline.ExecuteStep(ctx, machine, step, plan.Source, final)
		result.Outcomes = append(result.Outcomes, outcome)

		if !outcome.OK() {
			result.Error = outcome.Err.Error()
			log.Info("Episode step failed",
				"step_index", step.StepIndex,
				"reason", outcome.Reason)
			return finish()
		}
	}

	log.Info("Episode completed", "steps", len(steps))
	return finish()
}

// auditorTrip enters safe mode and parks the episode there.
func (o *Orchestrator) auditorTrip(ctx context.Context, machine *fsm.Machine, result *EpisodeResult, reason string) {
	result.Error = reason
	o.safeMode.Enter(ctx, reason)
	if err := machine.Transition(ctx, fsm.StateSafeMode, reason); err != nil {
		slog.Warn("Failed to park episode in safe mode",
			"episode_id", machine.EpisodeID(), "error", err)
	}
}
