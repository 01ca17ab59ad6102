package tools

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rndrntwrk/milaidy/pkg/events"
	"github.com/rndrntwrk/milaidy/pkg/models"
)

func TestVerifierRunConjunction(t *testing.T) {
	v := NewVerifier(time.Second)
	require.NoError(t, v.Register("always_ok",
		func(context.Context, models.ToolCall, models.ToolResult) (bool, string) { return true, "" }))
	require.NoError(t, v.Register("always_fail",
		func(context.Context, models.ToolCall, models.ToolResult) (bool, string) { return false, "nope" }))

	verdict := v.Run(context.Background(), []string{"always_ok"}, models.ToolCall{}, models.ToolResult{})
	assert.True(t, verdict.OK)

	verdict = v.Run(context.Background(), []string{"always_ok", "always_fail"}, models.ToolCall{}, models.ToolResult{})
	assert.False(t, verdict.OK)
	assert.Equal(t, "always_fail", verdict.FailedCheck)
	assert.Equal(t, "nope", verdict.Reason)
}

func TestVerifierFirstFailureWins(t *testing.T) {
	v := NewVerifier(time.Second)
	require.NoError(t, v.Register("first",
		func(context.Context, models.ToolCall, models.ToolResult) (bool, string) { return false, "first reason" }))
	require.NoError(t, v.Register("second",
		func(context.Context, models.ToolCall, models.ToolResult) (bool, string) {
			return false, "second reason"
		}))

	verdict := v.Run(context.Background(), []string{"first", "second"}, models.ToolCall{}, models.ToolResult{})
	assert.Equal(t, "first", verdict.FailedCheck)
	assert.Equal(t, "first reason", verdict.Reason)
}

func TestVerifierTimeoutCountsAsFailure(t *testing.T) {
	v := NewVerifier(20 * time.Millisecond)
	require.NoError(t, v.Register("slow",
		func(ctx context.Context, _ models.ToolCall, _ models.ToolResult) (bool, string) {
			<-ctx.Done()
			time.Sleep(5 * time.Millisecond)
			return true, ""
		}))

	verdict := v.Run(context.Background(), []string{"slow"}, models.ToolCall{}, models.ToolResult{})
	assert.False(t, verdict.OK)
	assert.Equal(t, "slow", verdict.FailedCheck)
	assert.Contains(t, verdict.Reason, "timed out")
}

func TestVerifierUnknownCheck(t *testing.T) {
	v := NewVerifier(time.Second)
	verdict := v.Run(context.Background(), []string{"ghost"}, models.ToolCall{}, models.ToolResult{})
	assert.False(t, verdict.OK)
	assert.Equal(t, "ghost", verdict.FailedCheck)
}

func TestVerifierDuplicateRegistration(t *testing.T) {
	v := NewVerifier(time.Second)
	check := func(context.Context, models.ToolCall, models.ToolResult) (bool, string) { return true, "" }
	require.NoError(t, v.Register("check", check))
	assert.Error(t, v.Register("check", check))
}

func TestCompensationRunRecordsEvent(t *testing.T) {
	eventStore := events.NewMemoryStore(100, 0)
	comp := NewCompensationRegistry(events.NewPublisher(eventStore))

	ran := 0
	require.NoError(t, comp.Register("refund",
		func(context.Context, models.ToolCall, models.ToolResult) error {
			ran++
			return nil
		}))

	call := models.ToolCall{CallID: "c-1", ToolID: "send_tx", EpisodeID: "ep-1"}
	require.NoError(t, comp.Run(context.Background(), "refund", call, models.ToolResult{}))
	assert.Equal(t, 1, ran)

	evts, err := eventStore.Query(context.Background(), events.Query{
		Kinds: []models.EventKind{models.EventCompensationRun},
	})
	require.NoError(t, err)
	require.Len(t, evts, 1)
	assert.Equal(t, "ep-1", evts[0].EpisodeID)
	assert.Equal(t, true, evts[0].Payload["ok"])
	assert.Equal(t, "c-1", evts[0].Payload["call_id"])
}

func TestCompensationRunMissing(t *testing.T) {
	comp := NewCompensationRegistry(events.NewPublisher(events.NewMemoryStore(100, 0)))
	err := comp.Run(context.Background(), "ghost", models.ToolCall{}, models.ToolResult{})
	assert.ErrorIs(t, err, models.ErrNoCompensation)
}

func TestCompensationFailureRecorded(t *testing.T) {
	eventStore := events.NewMemoryStore(100, 0)
	comp := NewCompensationRegistry(events.NewPublisher(eventStore))

	require.NoError(t, comp.Register("broken",
		func(context.Context, models.ToolCall, models.ToolResult) error {
			return assert.AnError
		}))

	err := comp.Run(context.Background(), "broken", models.ToolCall{CallID: "c-2"}, models.ToolResult{})
	require.Error(t, err)

	evts, _ := eventStore.Query(context.Background(), events.Query{
		Kinds: []models.EventKind{models.EventCompensationRun},
	})
	require.Len(t, evts, 1)
	assert.Equal(t, false, evts[0].Payload["ok"])
	assert.NotEmpty(t, evts[0].Payload["error"])
}
