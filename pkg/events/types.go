// Package events provides the kernel's append-only event store and real-time
// delivery to WebSocket clients.
//
// Every decision the kernel makes — validation verdicts, approvals, tool
// outcomes, memory writes, safe-mode flips — lands in the store as a
// models.Event with a strictly increasing seq. Subscribers receive events in
// append order; WebSocket clients subscribe to channels and can catch up on
// missed events by seq.
package events

import (
	"context"

	"github.com/rndrntwrk/milaidy/pkg/models"
)

// Query selects a slice of the event log.
type Query struct {
	// FromSeq returns events with seq strictly greater than this value.
	FromSeq int64
	// Kinds filters by event kind; empty means all kinds.
	Kinds []models.EventKind
	// EpisodeID filters by episode; empty means all episodes.
	EpisodeID string
	// Limit caps the result size; 0 means no cap.
	Limit int
}

// Filter selects which events a subscriber receives.
type Filter struct {
	Kinds     []models.EventKind
	EpisodeID string
}

// Matches reports whether the event passes the filter.
func (f Filter) Matches(evt models.Event) bool {
	if f.EpisodeID != "" && evt.EpisodeID != f.EpisodeID {
		return false
	}
	if len(f.Kinds) == 0 {
		return true
	}
	for _, k := range f.Kinds {
		if evt.Kind == k {
			return true
		}
	}
	return false
}

// Sink receives events in append order. Sinks run on the appender's
// goroutine and must not block or call back into the store.
type Sink func(models.Event)

// Store is the append-only ordered event log. Implementations guarantee
// append atomicity and monotonically increasing seq under concurrent
// producers, and evict old events per their configured bounds.
type Store interface {
	// Append assigns the next seq and timestamp, persists the event, and
	// delivers it to matching subscribers. Returns the stored event.
	Append(ctx context.Context, evt models.Event) (models.Event, error)

	// Query returns events in seq order.
	Query(ctx context.Context, q Query) ([]models.Event, error)

	// Subscribe registers a sink for events matching the filter. The
	// returned function unsubscribes.
	Subscribe(filter Filter, sink Sink) (unsubscribe func())
}

// GlobalChannel is the WebSocket channel carrying every kernel event.
const GlobalChannel = "events"

// EpisodeChannel returns the channel name for a specific episode's events.
// Format: "episode:{episode_id}"
func EpisodeChannel(episodeID string) string {
	return "episode:" + episodeID
}

// ClientMessage is the JSON structure for client → server WebSocket messages.
type ClientMessage struct {
	Action  string   `json:"action"`             // "subscribe", "unsubscribe", "catchup", "ping"
	Channel string   `json:"channel,omitempty"`  // e.g. "events" or "episode:abc-123"
	Kinds   []string `json:"kinds,omitempty"`    // optional kind filter for subscribe
	LastSeq *int64   `json:"last_seq,omitempty"` // for catchup
}
