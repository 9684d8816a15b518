// Package testutil holds shared test doubles for CantinaOS's service
// packages: a bus spy that records every event crossing the contract-bearing
// topic set, and a suture.Service fake for exercising supervisor behavior
// without a real service's side effects.
package testutil

import (
	"fmt"
	"sync"
	"time"

	"github.com/cantinaos/cantinaos/internal/bus"
	"github.com/cantinaos/cantinaos/internal/schemas"
)

// BusRecorder subscribes to every contract-bearing topic (plus any extra
// status topics given at construction) and records events in publish
// order, so a test can assert on what crossed the bus without wiring a
// bespoke channel per topic.
type BusRecorder struct {
	mu     sync.Mutex
	events []bus.Event
	notify chan struct{}
}

// NewBusRecorder subscribes b across schemas.AllTopics plus StatusTopic(name)
// for each name in extraStatusServices.
func NewBusRecorder(b *bus.Bus, extraStatusServices ...string) *BusRecorder {
	r := &BusRecorder{notify: make(chan struct{}, 1)}

	record := func(e bus.Event) {
		r.mu.Lock()
		r.events = append(r.events, e)
		r.mu.Unlock()
		select {
		case r.notify <- struct{}{}:
		default:
		}
	}

	for _, topic := range schemas.AllTopics {
		b.Subscribe(topic, "test-recorder", record, nil)
	}
	for _, svc := range extraStatusServices {
		b.Subscribe(schemas.StatusTopic(svc), "test-recorder", record, nil)
	}

	return r
}

// Events returns a snapshot of every event recorded so far, in publish order.
func (r *BusRecorder) Events() []bus.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]bus.Event, len(r.events))
	copy(out, r.events)
	return out
}

// ByTopic filters Events to a single topic.
func (r *BusRecorder) ByTopic(topic string) []bus.Event {
	var out []bus.Event
	for _, e := range r.Events() {
		if e.Topic == topic {
			out = append(out, e)
		}
	}
	return out
}

// WaitFor blocks until an event on topic has been recorded or timeout
// elapses, returning the first matching event.
func (r *BusRecorder) WaitFor(topic string, timeout time.Duration) (bus.Event, error) {
	deadline := time.Now().Add(timeout)
	for {
		for _, e := range r.ByTopic(topic) {
			return e, nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return bus.Event{}, fmt.Errorf("testutil: timed out waiting for an event on %q", topic)
		}
		select {
		case <-r.notify:
		case <-time.After(remaining):
		}
	}
}
