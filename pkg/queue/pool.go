// Package queue bounds concurrent episode execution. Submitted plans wait in
// a FIFO queue until one of the pool's workers — at most
// workflow.max_concurrent of them — picks the plan up and drives it through
// the orchestrator. A cancel registry supports operator cancellation of
// running episodes.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rndrntwrk/milaidy/pkg/models"
	"github.com/rndrntwrk/milaidy/pkg/orchestrator"
)

// queueDepth is the number of plans that may wait for a worker before
// Submit starts rejecting.
const queueDepth = 64

// EpisodeStatus tracks one submitted plan's lifecycle.
type EpisodeStatus string

const (
	EpisodeQueued   EpisodeStatus = "queued"
	EpisodeRunning  EpisodeStatus = "running"
	EpisodeFinished EpisodeStatus = "finished"
)

// Episode is the pool's record of a submitted plan.
type Episode struct {
	Plan     models.Plan                 `json:"plan"`
	Status   EpisodeStatus               `json:"status"`
	Result   *orchestrator.EpisodeResult `json:"result,omitempty"`
	Queued   time.Time                   `json:"queued_at"`
	Finished *time.Time                  `json:"finished_at,omitempty"`
}

// EpisodeRunner drives one plan to a terminal state. Implemented by the
// orchestrator.
type EpisodeRunner interface {
	RunEpisode(ctx context.Context, plan models.Plan) *orchestrator.EpisodeResult
}

// Pool manages the episode workers.
type Pool struct {
	workerCount int
	runner      EpisodeRunner

	queue    chan models.Plan
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu       sync.RWMutex
	episodes map[string]*Episode
	active   map[string]context.CancelFunc
	started  bool
}

// NewPool creates an episode pool with the given concurrency bound.
func NewPool(workerCount int, runner EpisodeRunner) *Pool {
	if workerCount < 1 {
		workerCount = 1
	}
	return &Pool{
		workerCount: workerCount,
		runner:      runner,
		queue:       make(chan models.Plan, queueDepth),
		stopCh:      make(chan struct{}),
		episodes:    make(map[string]*Episode),
		active:      make(map[string]context.CancelFunc),
	}
}

// Start spawns the worker goroutines. Safe to call multiple times;
// subsequent calls are no-ops.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		slog.Warn("Episode pool already started, ignoring duplicate Start call")
		return
	}
	p.started = true
	p.mu.Unlock()

	slog.Info("Starting episode pool", "worker_count", p.workerCount)
	for i := 0; i < p.workerCount; i++ {
		p.wg.Add(1)
		go p.runWorker(ctx, fmt.Sprintf("worker-%d", i))
	}
}

// Stop signals workers to stop and waits for in-flight episodes to finish.
func (p *Pool) Stop() {
	slog.Info("Stopping episode pool")
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()
	slog.Info("Episode pool stopped")
}

// Submit enqueues a plan and returns its assigned episode ID. Fails when the
// queue is full.
func (p *Pool) Submit(plan models.Plan) (string, error) {
	if len(plan.Steps) == 0 {
		return "", fmt.Errorf("plan has no steps: %w", models.ErrConflict)
	}
	plan.EpisodeID = uuid.New().String()
	plan.CreatedAt = time.Now()

	p.mu.Lock()
	p.episodes[plan.EpisodeID] = &Episode{
		Plan:   plan,
		Status: EpisodeQueued,
		Queued: plan.CreatedAt,
	}
	p.mu.Unlock()

	select {
	case p.queue <- plan:
		return plan.EpisodeID, nil
	default:
		p.mu.Lock()
		delete(p.episodes, plan.EpisodeID)
		p.mu.Unlock()
		return "", fmt.Errorf("episode queue full: %w", models.ErrConflict)
	}
}

// Episode returns the record for an episode ID.
func (p *Pool) Episode(episodeID string) (*Episode, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ep, ok := p.episodes[episodeID]
	if !ok {
		return nil, fmt.Errorf("episode %s: %w", episodeID, models.ErrNotFound)
	}
	cp := *ep
	return &cp, nil
}

// Cancel aborts a running episode. Returns true if the episode was running
// on this pool.
func (p *Pool) Cancel(episodeID string) bool {
	p.mu.RLock()
	cancel, ok := p.active[episodeID]
	p.mu.RUnlock()
	if ok {
		cancel()
	}
	return ok
}

// QueueDepth returns the number of plans waiting for a worker.
func (p *Pool) QueueDepth() int {
	return len(p.queue)
}

func (p *Pool) runWorker(ctx context.Context, workerID string) {
	defer p.wg.Done()
	log := slog.With("worker_id", workerID)
	log.Info("Episode worker started")

	for {
		select {
		case <-p.stopCh:
			log.Info("Episode worker shutting down")
			return
		case <-ctx.Done():
			log.Info("Context cancelled, episode worker shutting down")
			return
		case plan := <-p.queue:
			p.process(ctx, plan)
		}
	}
}

func (p *Pool) process(ctx context.Context, plan models.Plan) {
	episodeCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	p.mu.Lock()
	p.active[plan.EpisodeID] = cancel
	if ep := p.episodes[plan.EpisodeID]; ep != nil {
		ep.Status = EpisodeRunning
	}
	p.mu.Unlock()

	result := p.runner.RunEpisode(episodeCtx, plan)

	now := time.Now()
	p.mu.Lock()
	delete(p.active, plan.EpisodeID)
	if ep := p.episodes[plan.EpisodeID]; ep != nil {
		ep.Status = EpisodeFinished
		ep.Result = result
		ep.Finished = &now
	}
	p.mu.Unlock()
}
