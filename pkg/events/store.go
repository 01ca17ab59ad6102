package events

import (
	"context"
	"sync"
	"time"

	"github.com/rndrntwrk/milaidy/pkg/models"
)

// MemoryStore is the in-process Store implementation. Bounded by a maximum
// event count (oldest evicted) and/or an age horizon (evicted on append).
type MemoryStore struct {
	mu        sync.Mutex
	events    []models.Event
	nextSeq   int64
	maxEvents int
	retention time.Duration

	fanout *FanOut

	// now is swappable for tests.
	now func() time.Time
}

// NewMemoryStore creates a bounded in-memory event store. maxEvents <= 0
// disables the count bound; retention <= 0 disables the age bound. Config
// validation guarantees at least one bound is active in production.
func NewMemoryStore(maxEvents int, retention time.Duration) *MemoryStore {
	return &MemoryStore{
		nextSeq:   1,
		maxEvents: maxEvents,
		retention: retention,
		fanout:    NewFanOut(),
		now:       time.Now,
	}
}

// Append implements Store. Subscriber delivery happens while the append lock
// is held, which is what makes the cross-pipeline total order hold; sinks
// must be non-blocking.
func (s *MemoryStore) Append(_ context.Context, evt models.Event) (models.Event, error) {
	s.mu.Lock()
	evt.Seq = s.nextSeq
	s.nextSeq++
	if evt.TS.IsZero() {
		evt.TS = s.now()
	}
	s.events = append(s.events, evt)
	s.evictLocked()
	s.fanout.Dispatch(evt)
	s.mu.Unlock()
	return evt, nil
}

// evictLocked enforces the count and age bounds. Caller holds s.mu.
func (s *MemoryStore) evictLocked() {
	if s.maxEvents > 0 && len(s.events) > s.maxEvents {
		drop := len(s.events) - s.maxEvents
		s.events = append(s.events[:0:0], s.events[drop:]...)
	}
	if s.retention > 0 {
		horizon := s.now().Add(-s.retention)
		idx := 0
		for idx < len(s.events) && s.events[idx].TS.Before(horizon) {
			idx++
		}
		if idx > 0 {
			s.events = append(s.events[:0:0], s.events[idx:]...)
		}
	}
}

// Query implements Store.
func (s *MemoryStore) Query(_ context.Context, q Query) ([]models.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	filter := Filter{Kinds: q.Kinds, EpisodeID: q.EpisodeID}
	var out []models.Event
	for _, evt := range s.events {
		if evt.Seq <= q.FromSeq {
			continue
		}
		if !filter.Matches(evt) {
			continue
		}
		out = append(out, evt)
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}
	return out, nil
}

// Subscribe implements Store.
func (s *MemoryStore) Subscribe(filter Filter, sink Sink) func() {
	return s.fanout.Subscribe(filter, sink)
}

// Len returns the current number of retained events.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}
