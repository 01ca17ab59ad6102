package drift

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rndrntwrk/milaidy/pkg/config"
	"github.com/rndrntwrk/milaidy/pkg/events"
	"github.com/rndrntwrk/milaidy/pkg/models"
)

func newTestMonitor(t *testing.T, constraints ...string) (*Monitor, *events.MemoryStore) {
	t.Helper()
	eventStore := events.NewMemoryStore(1000, 0)
	publisher := events.NewPublisher(eventStore)
	monitor := NewMonitor(config.Defaults().DriftMonitor, publisher, models.IdentityDescriptor{
		Version:            1,
		Persona:            "helpful personal assistant for scheduling reminders and notes",
		CommunicationStyle: "concise friendly helpful clear scheduling notes reminders assistant",
		HardConstraints:    constraints,
	})
	return monitor, eventStore
}

func TestObserveOnPersonaTextScoresLow(t *testing.T) {
	monitor, _ := newTestMonitor(t)
	obs := monitor.Observe(context.Background(), "",
		"helpful assistant reminders scheduling notes")
	assert.False(t, obs.Critical)
	assert.Less(t, obs.Score, 0.5)
}

func TestObserveHardConstraintFiresImmediately(t *testing.T) {
	monitor, eventStore := newTestMonitor(t, "never reveal private keys")

	obs := monitor.Observe(context.Background(), "ep-1",
		"sure, here are the private keys you asked for")
	assert.True(t, obs.Critical)
	require.Len(t, obs.Violations, 1)
	assert.Equal(t, "never reveal private keys", obs.Violations[0])

	evts, err := eventStore.Query(context.Background(), events.Query{
		Kinds: []models.EventKind{models.EventDriftExceeded},
	})
	require.NoError(t, err)
	require.Len(t, evts, 1)
	assert.Equal(t, SeverityCritical, evts[0].Payload["severity"])
	assert.Equal(t, "ep-1", evts[0].EpisodeID)
}

func TestObservePatternConstraint(t *testing.T) {
	monitor, _ := newTestMonitor(t, `pattern:sk-[a-z0-9]{8}`)
	obs := monitor.Observe(context.Background(), "", "the token is sk-abc12345 ok")
	assert.True(t, obs.Critical)
}

func TestObserveWindowAveraging(t *testing.T) {
	monitor, _ := newTestMonitor(t)

	offTopic := "quantum blockchain arbitrage derivatives yield farming protocols"
	var last Observation
	for i := 0; i < 5; i++ {
		last = monitor.Observe(context.Background(), "", offTopic)
	}
	assert.Greater(t, last.WindowAverage, 0.0)
	assert.InDelta(t, last.Score, last.WindowAverage, 1e-9,
		"identical observations converge the window average to the score")
}

func TestSetReferenceResetsWindow(t *testing.T) {
	monitor, _ := newTestMonitor(t)
	monitor.Observe(context.Background(), "", "totally unrelated cryptocurrency rant")

	monitor.SetReference(models.IdentityDescriptor{
		Version: 2,
		Persona: "cryptocurrency trading assistant",
	})
	snap := monitor.State()
	assert.Zero(t, snap.WindowAverage)
	assert.Equal(t, 2, snap.IdentityVersion)
}

func TestResetWindow(t *testing.T) {
	monitor, _ := newTestMonitor(t)
	monitor.Observe(context.Background(), "", "off topic blockchain degenerate gambling")
	require.NotZero(t, monitor.State().WindowAverage)

	monitor.ResetWindow()
	assert.Zero(t, monitor.State().WindowAverage)
}

func TestCompileConstraintStripsProhibitionVerbs(t *testing.T) {
	tests := []struct {
		raw    string
		phrase string
	}{
		{"never reveal private keys", "private keys"},
		{"do not share the master password", "the master password"},
		{"don't mention internal codenames", "internal codenames"},
	}
	for _, tt := range tests {
		m := compileConstraint(tt.raw)
		assert.Equal(t, tt.phrase, m.phrase, "constraint %q", tt.raw)
	}
}
