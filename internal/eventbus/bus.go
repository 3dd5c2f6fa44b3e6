// Package eventbus implements a typed, in-process publish/subscribe
// bus with async handler fanout, filters, once-subscriptions, wildcard
// routing, and a bounded history ring buffer.
//
// Grounded on the teacher's internal/events.Bus (channel-based
// broadcast with non-blocking publish), generalized to callback-style
// handler subscriptions with isolation, filters, and history.
package eventbus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Event is the unit published on the bus. Payload is opaque to the
// bus; handlers are responsible for type-asserting it.
type Event struct {
	Type          string
	Payload       any
	Timestamp     time.Time
	CorrelationID string
}

// Handler processes one event. A returned error is isolated: it is
// recorded in the publishing PublishResult and never propagated to
// other handlers or to the publisher's control flow.
type Handler func(ctx context.Context, evt Event) error

// Filter is a synchronous predicate evaluated before a handler runs.
// Filters must be pure; they run on the publishing goroutine before
// any handler goroutine is spawned.
type Filter func(evt Event) bool

// SubscribeOptions configures a subscription.
type SubscribeOptions struct {
	// Once, if true, auto-unsubscribes after the first matching event,
	// even if the handler returns an error.
	Once bool
	// Filter, if non-nil, must return true for the handler to run.
	Filter Filter
}

// Subscription is a cancel handle returned by Subscribe. Its only
// capability is requesting its own removal.
type Subscription struct {
	ID        string
	EventType string
	bus       *Bus
}

// Unsubscribe removes this subscription from the bus. Safe to call
// more than once; the second call is a no-op returning false.
func (s *Subscription) Unsubscribe() bool {
	return s.bus.Unsubscribe(s)
}

// PublishResult reports per-publish handler outcomes.
type PublishResult struct {
	HandlerCount int
	SuccessCount int
	Errors       []error
}

type subscription struct {
	id        string
	eventType string
	handler   Handler
	once      bool
	filter    Filter
}

// Bus is a typed pub/sub broker. The zero value is not usable; create
// one with New.
type Bus struct {
	logger *slog.Logger

	mu   sync.Mutex
	subs map[string][]*subscription // event_type -> subs, "*" is the wildcard key
	byID map[string]*subscription

	historyCap int
	history    []Event
	historyPos int // next write index, used once the ring wraps
}

// New creates a Bus. historyCap is the number of most recent events
// retained by get_history; 0 disables history entirely.
func New(logger *slog.Logger, historyCap int) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		logger:     logger,
		subs:       make(map[string][]*subscription),
		byID:       make(map[string]*subscription),
		historyCap: historyCap,
	}
}

var subIDCounter uint64
var subIDMu sync.Mutex

func nextSubID() string {
	subIDMu.Lock()
	defer subIDMu.Unlock()
	subIDCounter++
	return fmt.Sprintf("sub-%d", subIDCounter)
}

// Subscribe registers handler for eventType ("*" matches every type)
// and returns a cancel handle.
func (b *Bus) Subscribe(eventType string, handler Handler, opts SubscribeOptions) *Subscription {
	sub := &subscription{
		id:        nextSubID(),
		eventType: eventType,
		handler:   handler,
		once:      opts.Once,
		filter:    opts.Filter,
	}

	b.mu.Lock()
	b.subs[eventType] = append(b.subs[eventType], sub)
	b.byID[sub.id] = sub
	b.mu.Unlock()

	return &Subscription{ID: sub.id, EventType: eventType, bus: b}
}

// Once subscribes handler to fire at most once for eventType.
func (b *Bus) Once(eventType string, handler Handler) *Subscription {
	return b.Subscribe(eventType, handler, SubscribeOptions{Once: true})
}

// Unsubscribe removes a subscription. Returns false if it was already
// removed (by a prior call, or by once-firing).
func (b *Bus) Unsubscribe(s *Subscription) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.removeLocked(s.EventType, s.ID)
}

func (b *Bus) removeLocked(eventType, id string) bool {
	if _, ok := b.byID[id]; !ok {
		return false
	}
	delete(b.byID, id)

	list := b.subs[eventType]
	for i, s := range list {
		if s.id == id {
			b.subs[eventType] = append(list[:i], list[i+1:]...)
			return true
		}
	}
	return false
}

// matchingLocked returns the handler set for eventType: specific
// subscribers union wildcard subscribers, minus those whose filter
// rejects the event. Must be called with b.mu held.
func (b *Bus) matchingLocked(evt Event) []*subscription {
	var out []*subscription
	for _, s := range b.subs[evt.Type] {
		if s.filter == nil || s.filter(evt) {
			out = append(out, s)
		}
	}
	if evt.Type != "*" {
		for _, s := range b.subs["*"] {
			if s.filter == nil || s.filter(evt) {
				out = append(out, s)
			}
		}
	}
	return out
}

func (b *Bus) recordHistory(evt Event) {
	if b.historyCap <= 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.history) < b.historyCap {
		b.history = append(b.history, evt)
		return
	}
	b.history[b.historyPos] = evt
	b.historyPos = (b.historyPos + 1) % b.historyCap
}

func (b *Bus) invokeHandler(ctx context.Context, evt Event, s *subscription) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return s.handler(ctx, evt)
}

func newEvent(eventType string, payload any, correlationID string) Event {
	return Event{
		Type:          eventType,
		Payload:       payload,
		Timestamp:     time.Now(),
		CorrelationID: correlationID,
	}
}

// Publish creates the event, records it in history, invokes the
// matching handler set, and awaits their completion. Each handler's
// error is captured individually; one handler's failure never affects
// another's execution or the publisher's control flow.
func (b *Bus) Publish(ctx context.Context, eventType string, payload any, correlationID string) PublishResult {
	evt := newEvent(eventType, payload, correlationID)
	b.recordHistory(evt)

	b.mu.Lock()
	matched := b.matchingLocked(evt)
	// Once-subscriptions are removed after the handler completes, not
	// here; each handler goroutine checks its subscription's once flag
	// and removes it individually.
	b.mu.Unlock()

	result := PublishResult{HandlerCount: len(matched)}
	if len(matched) == 0 {
		return result
	}

	var wg sync.WaitGroup
	var resMu sync.Mutex
	wg.Add(len(matched))
	for _, s := range matched {
		s := s
		go func() {
			defer wg.Done()
			err := b.invokeHandler(ctx, evt, s)

			resMu.Lock()
			if err != nil {
				result.Errors = append(result.Errors, err)
				b.logger.Warn("event handler error", "event_type", eventType, "sub_id", s.id, "error", err)
			} else {
				result.SuccessCount++
			}
			resMu.Unlock()

			if s.once {
				b.mu.Lock()
				b.removeLocked(s.eventType, s.id)
				b.mu.Unlock()
			}
		}()
	}
	wg.Wait()

	return result
}

// PublishSync is the spawn-and-forget variant: handlers run in their
// own goroutines without the caller waiting. Per the contract this
// inherits from the bus's reference behavior, the returned
// success_count is always 0 (the caller cannot know handler outcomes
// before they return); handler_count reflects the known subscriber
// count at publish time. Callers must not rely on the returned counts
// for anything but handler_count.
func (b *Bus) PublishSync(eventType string, payload any, correlationID string) PublishResult {
	evt := newEvent(eventType, payload, correlationID)
	b.recordHistory(evt)

	b.mu.Lock()
	matched := b.matchingLocked(evt)
	b.mu.Unlock()

	for _, s := range matched {
		s := s
		go func() {
			err := b.invokeHandler(context.Background(), evt, s)
			if err != nil {
				b.logger.Warn("event handler error", "event_type", eventType, "sub_id", s.id, "error", err)
			}
			if s.once {
				b.mu.Lock()
				b.removeLocked(s.eventType, s.id)
				b.mu.Unlock()
			}
		}()
	}

	return PublishResult{HandlerCount: len(matched), SuccessCount: 0}
}

// WaitFor subscribes once to eventType and blocks until a matching
// event is published or timeout elapses. A zero timeout waits
// indefinitely (bounded only by ctx).
func (b *Bus) WaitFor(ctx context.Context, eventType string, timeout time.Duration) (Event, error) {
	ch := make(chan Event, 1)
	sub := b.Once(eventType, func(_ context.Context, evt Event) error {
		select {
		case ch <- evt:
		default:
		}
		return nil
	})

	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case evt := <-ch:
		return evt, nil
	case <-timeoutCh:
		sub.Unsubscribe()
		return Event{}, fmt.Errorf("wait_for %q: timeout after %s", eventType, timeout)
	case <-ctx.Done():
		sub.Unsubscribe()
		return Event{}, ctx.Err()
	}
}

// GetHistory returns up to limit most recent events across all types,
// oldest first. limit <= 0 means no limit.
func (b *Bus) GetHistory(limit int) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []Event
	if len(b.history) < b.historyCap || b.historyCap == 0 {
		// Ring has not wrapped yet (or history disabled): stored order
		// is already chronological.
		out = append([]Event(nil), b.history...)
	} else {
		// Wrapped: the oldest entry is at historyPos.
		out = make([]Event, 0, len(b.history))
		out = append(out, b.history[b.historyPos:]...)
		out = append(out, b.history[:b.historyPos]...)
	}

	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// GetHistoryByType returns up to limit most recent events of the
// given type, oldest first.
func (b *Bus) GetHistoryByType(eventType string, limit int) []Event {
	all := b.GetHistory(0)
	var out []Event
	for _, evt := range all {
		if evt.Type == eventType {
			out = append(out, evt)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// ClearHistory discards all retained history without affecting
// subscriptions.
func (b *Bus) ClearHistory() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.history = nil
	b.historyPos = 0
}

// Clear removes every subscription and discards history.
func (b *Bus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = make(map[string][]*subscription)
	b.byID = make(map[string]*subscription)
	b.history = nil
	b.historyPos = 0
}
