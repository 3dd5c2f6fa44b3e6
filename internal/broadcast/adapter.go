// Package broadcast implements the external fan-out boundary: it
// subscribes to the event bus and republishes task lifecycle and log
// events to consumers outside the process (websocket clients, MQTT
// subscribers), without those consumers ever touching the bus
// directly.
package broadcast

import (
	"context"
	"time"

	"github.com/nugget/ralph-dispatcher/internal/eventbus"
)

// Message is the opaque shape every adapter receives, decoupled from
// the bus's internal Event representation so adapters never import
// eventbus directly.
type Message struct {
	Type      string    `json:"type"`
	Payload   any       `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

// Adapter is the boundary interface between the core and an external
// stream consumer. Deliver must not block the publishing goroutine
// for long; slow consumers are the adapter's problem to buffer or
// drop, not the bus's.
type Adapter interface {
	Deliver(msg Message)
	Close() error
}

// Attach subscribes every adapter to the bus's "log" and "task.*"
// event families and fans each published event out to all of them.
// Returns an unsubscribe function.
func Attach(bus *eventbus.Bus, adapters ...Adapter) func() {
	handler := func(_ context.Context, evt eventbus.Event) error {
		msg := Message{Type: evt.Type, Payload: evt.Payload, Timestamp: evt.Timestamp}
		for _, a := range adapters {
			a.Deliver(msg)
		}
		return nil
	}

	subs := []*eventbus.Subscription{
		bus.Subscribe("log", handler, eventbus.SubscribeOptions{}),
		bus.Subscribe("task.started", handler, eventbus.SubscribeOptions{}),
		bus.Subscribe("task.completed", handler, eventbus.SubscribeOptions{}),
		bus.Subscribe("task.failed", handler, eventbus.SubscribeOptions{}),
		bus.Subscribe("task.cancelled", handler, eventbus.SubscribeOptions{}),
		bus.Subscribe("task.timeout", handler, eventbus.SubscribeOptions{}),
		bus.Subscribe("task.embedded_event", handler, eventbus.SubscribeOptions{}),
	}

	return func() {
		for _, s := range subs {
			s.Unsubscribe()
		}
	}
}
