package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rndrntwrk/milaidy/pkg/models"
	"github.com/rndrntwrk/milaidy/pkg/orchestrator"
)

// fakeRunner records concurrency and blocks until released.
type fakeRunner struct {
	mu        sync.Mutex
	active    int32
	maxActive int32
	block     chan struct{}
	ran       []string
}

func newFakeRunner(block bool) *fakeRunner {
	r := &fakeRunner{}
	if block {
		r.block = make(chan struct{})
	}
	return r
}

func (r *fakeRunner) RunEpisode(ctx context.Context, plan models.Plan) *orchestrator.EpisodeResult {
	n := atomic.AddInt32(&r.active, 1)
	for {
		max := atomic.LoadInt32(&r.maxActive)
		if n <= max || atomic.CompareAndSwapInt32(&r.maxActive, max, n) {
			break
		}
	}
	defer atomic.AddInt32(&r.active, -1)

	if r.block != nil {
		select {
		case <-r.block:
		case <-ctx.Done():
		}
	}

	r.mu.Lock()
	r.ran = append(r.ran, plan.EpisodeID)
	r.mu.Unlock()
	return &orchestrator.EpisodeResult{EpisodeID: plan.EpisodeID}
}

func awaitFinished(t *testing.T, pool *Pool, episodeID string) *Episode {
	t.Helper()
	var ep *Episode
	require.Eventually(t, func() bool {
		got, err := pool.Episode(episodeID)
		if err != nil || got.Status != EpisodeFinished {
			return false
		}
		ep = got
		return true
	}, 2*time.Second, 5*time.Millisecond)
	return ep
}

func TestSubmitAndRun(t *testing.T) {
	runner := newFakeRunner(false)
	pool := NewPool(2, runner)
	pool.Start(context.Background())
	defer pool.Stop()

	episodeID, err := pool.Submit(models.Plan{Steps: []models.PlanStep{{ToolID: "echo"}}})
	require.NoError(t, err)
	require.NotEmpty(t, episodeID)

	ep := awaitFinished(t, pool, episodeID)
	require.NotNil(t, ep.Result)
	assert.Equal(t, episodeID, ep.Result.EpisodeID)
	assert.NotNil(t, ep.Finished)
}

func TestSubmitRejectsEmptyPlan(t *testing.T) {
	pool := NewPool(1, newFakeRunner(false))
	_, err := pool.Submit(models.Plan{})
	assert.ErrorIs(t, err, models.ErrConflict)
}

func TestConcurrencyBound(t *testing.T) {
	runner := newFakeRunner(true)
	pool := NewPool(1, runner)
	pool.Start(context.Background())
	defer pool.Stop()

	first, err := pool.Submit(models.Plan{Steps: []models.PlanStep{{ToolID: "a"}}})
	require.NoError(t, err)
	second, err := pool.Submit(models.Plan{Steps: []models.PlanStep{{ToolID: "b"}}})
	require.NoError(t, err)

	// Only one episode runs while the first blocks.
	require.Eventually(t, func() bool {
		ep, err := pool.Episode(first)
		return err == nil && ep.Status == EpisodeRunning
	}, time.Second, 5*time.Millisecond)

	ep, err := pool.Episode(second)
	require.NoError(t, err)
	assert.Equal(t, EpisodeQueued, ep.Status, "second plan waits for capacity")

	close(runner.block)
	awaitFinished(t, pool, first)
	awaitFinished(t, pool, second)
	assert.Equal(t, int32(1), atomic.LoadInt32(&runner.maxActive))
}

func TestCancelRunningEpisode(t *testing.T) {
	runner := newFakeRunner(true)
	pool := NewPool(1, runner)
	pool.Start(context.Background())
	defer pool.Stop()

	episodeID, err := pool.Submit(models.Plan{Steps: []models.PlanStep{{ToolID: "a"}}})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		ep, err := pool.Episode(episodeID)
		return err == nil && ep.Status == EpisodeRunning
	}, time.Second, 5*time.Millisecond)

	assert.True(t, pool.Cancel(episodeID))
	awaitFinished(t, pool, episodeID)

	assert.False(t, pool.Cancel(episodeID), "finished episodes are no longer cancellable")
}

func TestEpisodeNotFound(t *testing.T) {
	pool := NewPool(1, newFakeRunner(false))
	_, err := pool.Episode("ghost")
	assert.ErrorIs(t, err, models.ErrNotFound)
}
