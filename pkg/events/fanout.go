package events

import (
	"sync"

	"github.com/rndrntwrk/milaidy/pkg/models"
)

// FanOut is the subscription half of an event store. Store implementations
// embed it to get Subscribe and in-order dispatch.
type FanOut struct {
	mu      sync.Mutex
	subs    map[int]subscription
	nextSub int
}

type subscription struct {
	filter Filter
	sink   Sink
}

// NewFanOut creates an empty subscriber set.
func NewFanOut() *FanOut {
	return &FanOut{subs: make(map[int]subscription)}
}

// Subscribe registers a sink; the returned function unsubscribes.
func (f *FanOut) Subscribe(filter Filter, sink Sink) func() {
	f.mu.Lock()
	id := f.nextSub
	f.nextSub++
	f.subs[id] = subscription{filter: filter, sink: sink}
	f.mu.Unlock()

	return func() {
		f.mu.Lock()
		delete(f.subs, id)
		f.mu.Unlock()
	}
}

// Dispatch delivers an event to every matching sink. Callers serialize
// Dispatch with their append lock so subscribers see events in seq order.
func (f *FanOut) Dispatch(evt models.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, sub := range f.subs {
		if sub.filter.Matches(evt) {
			sub.sink(evt)
		}
	}
}
