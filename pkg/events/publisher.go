package events

import (
	"context"
	"log/slog"

	"github.com/rndrntwrk/milaidy/pkg/models"
)

// Publisher is the write-side convenience wrapper components use to record
// kernel events. Append failures are logged, never propagated: event emission
// must not take down the operation being recorded.
type Publisher struct {
	store Store
}

// NewPublisher creates a publisher over the given store.
func NewPublisher(store Store) *Publisher {
	return &Publisher{store: store}
}

// Store returns the underlying event store (for query endpoints and catchup).
func (p *Publisher) Store() Store {
	return p.store
}

// Emit appends a kernel event and returns it with seq assigned. On store
// failure the zero event is returned and the failure is logged.
func (p *Publisher) Emit(ctx context.Context, kind models.EventKind, episodeID string, payload map[string]any) models.Event {
	evt, err := p.store.Append(ctx, models.Event{
		Kind:      kind,
		EpisodeID: episodeID,
		Payload:   payload,
	})
	if err != nil {
		slog.Warn("Failed to append kernel event",
			"kind", kind, "episode_id", episodeID, "error", err)
		return models.Event{}
	}
	return evt
}

// EmitCall records a call-lifecycle event with the call ID and optional
// extra payload fields.
func (p *Publisher) EmitCall(ctx context.Context, kind models.EventKind, call models.ToolCall, extra map[string]any) models.Event {
	payload := map[string]any{
		"call_id":    call.CallID,
		"tool_id":    call.ToolID,
		"source":     call.Source,
		"step_index": call.StepIndex,
	}
	for k, v := range extra {
		payload[k] = v
	}
	return p.Emit(ctx, kind, call.EpisodeID, payload)
}
