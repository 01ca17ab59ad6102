// Package kernel is the composition root: it wires the event store, trust
// scorer, memory gate, drift monitor, goal manager, tool registry and
// validators, approval gate, invariant checker, safe-mode controller,
// pipeline, orchestrator, and episode pool into one explicit handle that the
// API layer receives. There is one logical kernel per process, but nothing
// here is global — everything hangs off the Kernel value.
package kernel

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rndrntwrk/milaidy/pkg/approval"
	"github.com/rndrntwrk/milaidy/pkg/config"
	"github.com/rndrntwrk/milaidy/pkg/drift"
	"github.com/rndrntwrk/milaidy/pkg/events"
	"github.com/rndrntwrk/milaidy/pkg/fsm"
	"github.com/rndrntwrk/milaidy/pkg/goals"
	"github.com/rndrntwrk/milaidy/pkg/identity"
	"github.com/rndrntwrk/milaidy/pkg/invariant"
	"github.com/rndrntwrk/milaidy/pkg/memory"
	"github.com/rndrntwrk/milaidy/pkg/models"
	"github.com/rndrntwrk/milaidy/pkg/orchestrator"
	"github.com/rndrntwrk/milaidy/pkg/pipeline"
	"github.com/rndrntwrk/milaidy/pkg/queue"
	"github.com/rndrntwrk/milaidy/pkg/safemode"
	"github.com/rndrntwrk/milaidy/pkg/tools"
	"github.com/rndrntwrk/milaidy/pkg/trust"
)

// RunState is the kernel's coarse lifecycle state.
type RunState string

const (
	RunStateStopped  RunState = "stopped"
	RunStateRunning  RunState = "running"
	RunStatePaused   RunState = "paused"
	RunStateSafeMode RunState = "safe_mode"
)

// Stores bundles the persistence backends. Leave a field nil to get the
// in-memory implementation.
type Stores struct {
	Events      events.Store
	Memory      memory.Store
	Goals       goals.Store
	Identity    identity.Store
	ApprovalLog approval.Log
}

// Status is the kernel's status-endpoint payload.
type Status struct {
	State     RunState  `json:"state"`
	AgentName string    `json:"agent_name"`
	Uptime    string    `json:"uptime"`
	StartedAt time.Time `json:"started_at"`
}

// Kernel is the process's autonomy kernel handle.
type Kernel struct {
	cfg *config.Config

	eventStore events.Store
	publisher  *events.Publisher
	scorer     *trust.Scorer
	memGate    *memory.Gate
	drift      *drift.Monitor
	goals      *goals.Manager
	identity   *identity.Manager
	registry   *tools.Registry
	validator  *tools.Validator
	verifier   *tools.Verifier
	comp       *tools.CompensationRegistry
	approvals  *approval.Gate
	invariants *invariant.Checker
	safeMode   *safemode.Controller
	pipeline   *pipeline.Pipeline
	orch       *orchestrator.Orchestrator
	pool       *queue.Pool

	mu        sync.Mutex
	running   bool
	paused    bool
	startedAt time.Time

	// plugins tracks the toggle state for the plugin.toggle built-in tool.
	pluginMu sync.Mutex
	plugins  map[string]bool
}

// New wires a kernel from configuration and stores. Registration of built-in
// tools, post-conditions, compensations, and invariants happens here; the
// registries stay open for RegisterTool, RegisterPostCondition and
// RegisterCompensation until Start freezes them.
func New(ctx context.Context, cfg *config.Config, stores Stores, planner orchestrator.Planner) (*Kernel, error) {
	eventStore := stores.Events
	if eventStore == nil {
		eventStore = events.NewMemoryStore(cfg.EventStore.MaxEvents, cfg.EventRetention())
	}
	memStore := stores.Memory
	if memStore == nil {
		memStore = memory.NewInMemoryStore()
	}
	goalStore := stores.Goals
	if goalStore == nil {
		goalStore = goals.NewInMemoryStore()
	}
	identStore := stores.Identity
	if identStore == nil {
		identStore = identity.NewInMemoryStore()
	}

	publisher := events.NewPublisher(eventStore)
	scorer := trust.NewScorer(cfg.Trust)
	memGate := memory.NewGate(memStore, scorer, publisher, cfg.Memory.AdmitTier)

	identManager, err := identity.NewManager(ctx, identStore, models.IdentityDescriptor{
		Persona:            cfg.Identity.Persona,
		CommunicationStyle: cfg.Identity.CommunicationStyle,
		SoftPreferences:    cfg.Identity.SoftPreferences,
		HardConstraints:    cfg.Identity.HardConstraints,
	})
	if err != nil {
		return nil, err
	}

	driftMonitor := drift.NewMonitor(cfg.DriftMonitor, publisher, identManager.Current())
	goalManager := goals.NewManager(goalStore)

	verifier := tools.NewVerifier(cfg.CheckTimeout())
	registry := tools.NewRegistry(verifier)
	validator := tools.NewValidator(registry)
	comp := tools.NewCompensationRegistry(publisher)
	approvals := approval.NewGate(cfg.Approval, cfg.AutoApproveReadOnly(), publisher, stores.ApprovalLog)
	safeModeCtl := safemode.NewController(publisher)
	safeModeCtl.SetOnExit(driftMonitor.ResetWindow)
	invariants := invariant.NewChecker(cfg.InvariantsEnabled(), cfg.CheckTimeout(), publisher)

	k := &Kernel{
		cfg:        cfg,
		eventStore: eventStore,
		publisher:  publisher,
		scorer:     scorer,
		memGate:    memGate,
		drift:      driftMonitor,
		goals:      goalManager,
		identity:   identManager,
		registry:   registry,
		validator:  validator,
		verifier:   verifier,
		comp:       comp,
		approvals:  approvals,
		invariants: invariants,
		safeMode:   safeModeCtl,
		plugins:    make(map[string]bool),
	}

	if err := k.registerInvariants(); err != nil {
		return nil, err
	}
	if err := k.registerBuiltins(); err != nil {
		return nil, err
	}

	k.pipeline = pipeline.New(pipeline.Deps{
		Registry:       registry,
		Validator:      validator,
		Verifier:       verifier,
		Comp:           comp,
		Approvals:      approvals,
		Invariants:     invariants,
		Gate:           memGate,
		SafeMode:       safeModeCtl,
		Publisher:      publisher,
		DefaultTimeout: cfg.DefaultToolTimeout(),
	})
	k.orch = orchestrator.New(planner, k.pipeline, driftMonitor, invariants, safeModeCtl, publisher)
	k.pool = queue.NewPool(cfg.Workflow.MaxConcurrent, k.orch)

	return k, nil
}

// RegisterTool adds a tool contract and handler before Start freezes the
// registry. Exposed so deployments can add their own tools alongside the
// built-ins.
func (k *Kernel) RegisterTool(contract models.ToolContract, handler tools.Handler) error {
	return k.registry.Register(contract, handler)
}

// RegisterPostCondition adds a named post-condition check.
func (k *Kernel) RegisterPostCondition(id string, check tools.Check) error {
	return k.verifier.Register(id, check)
}

// RegisterCompensation adds a named compensation function.
func (k *Kernel) RegisterCompensation(id string, fn tools.CompensationFn) error {
	return k.comp.Register(id, fn)
}

// Start freezes the registries, runs the startup invariant pass, and starts
// the episode pool. Returns an InvariantViolationError when the composed
// kernel is already in violation — the launcher treats that as fatal.
func (k *Kernel) Start(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.running {
		return nil
	}

	k.registry.Freeze()
	k.comp.Freeze()
	if err := k.registry.ValidateCompensations(k.comp); err != nil {
		return err
	}

	if violations := k.invariants.CheckNow(ctx, invariant.CheckpointManual, ""); len(violations) > 0 {
		v := violations[0]
		return &models.InvariantViolationError{InvariantID: v.InvariantID, Detail: v.Detail}
	}

	k.pool.Start(ctx)
	k.running = true
	k.paused = false
	k.startedAt = time.Now()

	k.publisher.Emit(ctx, models.EventKernelUp, "", map[string]any{
		"agent_name": k.cfg.AgentName,
	})
	slog.Info("Kernel started", "agent_name", k.cfg.AgentName)
	return nil
}

// Stop drains the episode pool and marks the kernel stopped.
func (k *Kernel) Stop(ctx context.Context) {
	k.mu.Lock()
	if !k.running {
		k.mu.Unlock()
		return
	}
	k.running = false
	k.mu.Unlock()

	k.pool.Stop()
	k.publisher.Emit(ctx, models.EventKernelDown, "", nil)
	slog.Info("Kernel stopped")
}

// Pause rejects new plan submissions until Resume. Running episodes finish.
func (k *Kernel) Pause() {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.paused = true
	slog.Info("Kernel paused")
}

// Resume lifts a pause.
func (k *Kernel) Resume() {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.paused = false
	slog.Info("Kernel resumed")
}

// Restart stops and restarts the kernel. The episode pool is rebuilt; stores
// and registries survive.
func (k *Kernel) Restart(ctx context.Context) error {
	k.Stop(ctx)
	k.mu.Lock()
	k.pool = queue.NewPool(k.cfg.Workflow.MaxConcurrent, k.orch)
	k.mu.Unlock()
	return k.Start(ctx)
}

// Reset is the operator reset: exits safe mode if active and lifts a pause.
func (k *Kernel) Reset(ctx context.Context) error {
	if k.safeMode.Active() {
		if err := k.safeMode.Exit(ctx, "operator"); err != nil {
			return err
		}
	}
	k.Resume()
	return nil
}

// Status returns the status-endpoint payload.
func (k *Kernel) Status() Status {
	k.mu.Lock()
	running, paused, startedAt := k.running, k.paused, k.startedAt
	k.mu.Unlock()

	state := RunStateStopped
	switch {
	case k.safeMode.Active():
		state = RunStateSafeMode
	case running && paused:
		state = RunStatePaused
	case running:
		state = RunStateRunning
	}

	st := Status{State: state, AgentName: k.cfg.AgentName}
	if running {
		st.StartedAt = startedAt
		st.Uptime = time.Since(startedAt).Round(time.Second).String()
	}
	return st
}

// SubmitPlan enqueues a plan for execution and returns the episode ID.
func (k *Kernel) SubmitPlan(steps []models.PlanStep, source string) (string, error) {
	k.mu.Lock()
	running, paused := k.running, k.paused
	k.mu.Unlock()

	if !running {
		return "", fmt.Errorf("kernel not running: %w", models.ErrConflict)
	}
	if paused {
		return "", fmt.Errorf("kernel paused: %w", models.ErrConflict)
	}
	if source == "" {
		source = "planner"
	}
	for i := range steps {
		steps[i].StepIndex = i
	}
	return k.pool.Submit(models.Plan{Source: source, Steps: steps})
}

// GetEpisode returns the pool record and full event slice for an episode.
func (k *Kernel) GetEpisode(ctx context.Context, episodeID string) (*queue.Episode, []models.Event, error) {
	ep, err := k.pool.Episode(episodeID)
	if err != nil {
		return nil, nil, err
	}
	evts, err := k.eventStore.Query(ctx, events.Query{EpisodeID: episodeID})
	if err != nil {
		return nil, nil, err
	}
	return ep, evts, nil
}

// CancelEpisode aborts a running episode.
func (k *Kernel) CancelEpisode(episodeID string) bool {
	return k.pool.Cancel(episodeID)
}

// CheckInvariants runs the invariant suite on demand.
func (k *Kernel) CheckInvariants(ctx context.Context) []invariant.Violation {
	return k.invariants.CheckNow(ctx, invariant.CheckpointManual, "")
}

// ObserveOutput feeds an agent-authored output to the drift monitor. A
// critical observation trips safe mode.
func (k *Kernel) ObserveOutput(ctx context.Context, episodeID, output string) drift.Observation {
	obs := k.drift.Observe(ctx, episodeID, output)
	if obs.Critical {
		k.safeMode.Enter(ctx, "drift hard violation")
	}
	return obs
}

// UpdateIdentity applies a descriptor patch and rebases the drift monitor.
func (k *Kernel) UpdateIdentity(ctx context.Context, patch identity.Patch) (models.IdentityDescriptor, error) {
	descriptor, err := k.identity.Update(ctx, patch)
	if err != nil {
		return models.IdentityDescriptor{}, err
	}
	k.drift.SetReference(descriptor)
	return descriptor, nil
}

// Accessors for the API layer.

func (k *Kernel) Config() *config.Config         { return k.cfg }
func (k *Kernel) Events() events.Store           { return k.eventStore }
func (k *Kernel) Publisher() *events.Publisher   { return k.publisher }
func (k *Kernel) Memory() *memory.Gate           { return k.memGate }
func (k *Kernel) Goals() *goals.Manager          { return k.goals }
func (k *Kernel) Identity() *identity.Manager    { return k.identity }
func (k *Kernel) Tools() *tools.Registry         { return k.registry }
func (k *Kernel) Approvals() *approval.Gate      { return k.approvals }
func (k *Kernel) SafeMode() *safemode.Controller { return k.safeMode }
func (k *Kernel) Drift() *drift.Monitor          { return k.drift }
func (k *Kernel) Pool() *queue.Pool              { return k.pool }

// registerInvariants installs the built-in whole-kernel invariants.
func (k *Kernel) registerInvariants() error {
	builtins := []struct {
		id    string
		check invariant.CheckFn
	}{
		{"no_quarantined_in_committed", func(ctx context.Context) (bool, string) {
			entries, err := k.memGate.Retrieve(ctx, "", memory.RetrieveOptions{})
			if err != nil {
				return false, fmt.Sprintf("retrieval failed: %v", err)
			}
			for _, e := range entries {
				if e.State != models.MemoryCommitted {
					return false, fmt.Sprintf("entry %s in default retrieval with state %s", e.ID, e.State)
				}
			}
			return true, ""
		}},
		{"drift_below_hard_threshold", func(context.Context) (bool, string) {
			snap := k.drift.State()
			if snap.WindowAverage >= k.cfg.DriftMonitor.HardThreshold {
				return false, fmt.Sprintf("drift window average %.2f at or above hard threshold %.2f",
					snap.WindowAverage, k.cfg.DriftMonitor.HardThreshold)
			}
			return true, ""
		}},
		{"no_expired_pending_approval", func(context.Context) (bool, string) {
			if n := k.approvals.OverdueCount(); n > 0 {
				return false, fmt.Sprintf("%d pending approvals older than their timeout", n)
			}
			return true, ""
		}},
		{"fsm_reachable_from_idle", func(context.Context) (bool, string) {
			if !fsm.CanReachTerminal(fsm.StateIdle) {
				return false, "no terminal state reachable from idle"
			}
			return true, ""
		}},
	}

	for _, b := range builtins {
		if err := k.invariants.Register(b.id, b.check); err != nil {
			return err
		}
	}
	return nil
}
