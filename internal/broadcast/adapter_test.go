package broadcast

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nugget/ralph-dispatcher/internal/eventbus"
)

type fakeAdapter struct {
	mu       sync.Mutex
	received []Message
	closed   bool
}

func (f *fakeAdapter) Deliver(msg Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.received = append(f.received, msg)
}

func (f *fakeAdapter) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeAdapter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.received)
}

func TestAttachFansOutLogAndTaskEvents(t *testing.T) {
	bus := eventbus.New(nil, 10)
	fake := &fakeAdapter{}
	detach := Attach(bus, fake)
	defer detach()

	bus.Publish(context.Background(), "log", map[string]any{"line": "hi"}, "")
	bus.Publish(context.Background(), "task.completed", map[string]any{"task_id": "t1"}, "")
	bus.Publish(context.Background(), "dispatcher.idle", map[string]any{}, "") // not in the fan-out set

	deadline := time.Now().Add(time.Second)
	for fake.count() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	if fake.count() != 2 {
		t.Fatalf("expected 2 delivered messages, got %d", fake.count())
	}
}

func TestDetachStopsFurtherDelivery(t *testing.T) {
	bus := eventbus.New(nil, 10)
	fake := &fakeAdapter{}
	detach := Attach(bus, fake)

	bus.Publish(context.Background(), "log", map[string]any{"line": "one"}, "")
	detach()
	bus.Publish(context.Background(), "log", map[string]any{"line": "two"}, "")

	time.Sleep(20 * time.Millisecond)
	if fake.count() != 1 {
		t.Fatalf("expected exactly 1 delivered message after detach, got %d", fake.count())
	}
}
