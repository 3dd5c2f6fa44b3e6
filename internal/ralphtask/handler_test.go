package ralphtask

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/nugget/ralph-dispatcher/internal/dispatcher"
	"github.com/nugget/ralph-dispatcher/internal/eventbus"
	"github.com/nugget/ralph-dispatcher/internal/logstream"
	"github.com/nugget/ralph-dispatcher/internal/statemachine"
	"github.com/nugget/ralph-dispatcher/internal/supervisor"
	"github.com/nugget/ralph-dispatcher/internal/taskqueue"
)

func newTestHandler(t *testing.T) (*Handler, *eventbus.Bus) {
	t.Helper()
	sup, err := supervisor.New(nil, filepath.Join(t.TempDir(), "runs"))
	if err != nil {
		t.Fatal(err)
	}
	streamer := logstream.New(nil, 10*time.Millisecond, 0)
	bus := eventbus.New(nil, 100)
	return New(nil, sup, streamer, nil), bus
}

func newRunningTask(id string, payload map[string]any) *taskqueue.QueuedTask {
	return &taskqueue.QueuedTask{
		ID: id, TaskType: TaskType, Payload: payload,
		State: statemachine.Running, EnqueuedAt: time.Now(),
	}
}

func TestHandleRejectsMissingPrompt(t *testing.T) {
	h, bus := newTestHandler(t)
	task := newRunningTask("t1", map[string]any{})
	token := dispatcher.HandlerContext{Bus: bus}

	_, err := h.Handle(context.Background(), task, token)
	if err == nil {
		t.Fatal("expected error for missing prompt")
	}
}

func TestHandleCompletesOnExitZero(t *testing.T) {
	h, bus := newTestHandler(t)
	task := newRunningTask("t2", map[string]any{
		"prompt": "hello",
		"argv":   []any{"/bin/echo", "ok"},
	})

	lines := make(chan eventbus.Event, 10)
	bus.Subscribe("log", func(_ context.Context, evt eventbus.Event) error {
		lines <- evt
		return nil
	}, eventbus.SubscribeOptions{})

	hctx := dispatcher.HandlerContext{Bus: bus, Signal: dispatcher.NewCancelToken()}
	result, err := h.Handle(context.Background(), task, hctx)
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	res, ok := result.(Result)
	if !ok {
		t.Fatalf("expected ralphtask.Result, got %T", result)
	}
	if res.ExitCode != 0 {
		t.Fatalf("expected exit code 0, got %d", res.ExitCode)
	}
}

func TestHandleFailsOnNonZeroExit(t *testing.T) {
	h, bus := newTestHandler(t)
	task := newRunningTask("t3", map[string]any{
		"prompt": "hello",
		"argv":   []any{"/bin/false"},
	})

	hctx := dispatcher.HandlerContext{Bus: bus, Signal: dispatcher.NewCancelToken()}
	_, err := h.Handle(context.Background(), task, hctx)
	if err == nil {
		t.Fatal("expected error for nonzero exit code")
	}
}

func TestParseEmbeddedEventRequiresTopicField(t *testing.T) {
	if _, ok := parseEmbeddedEvent("plain text line"); ok {
		t.Fatal("plain text must not parse as an event")
	}
	if _, ok := parseEmbeddedEvent(`{"foo": "bar"}`); ok {
		t.Fatal("JSON object without topic must not parse as an event")
	}
	evt, ok := parseEmbeddedEvent(`{"topic": "progress", "pct": 50}`)
	if !ok {
		t.Fatal("expected object with topic field to parse as an event")
	}
	if evt["topic"] != "progress" {
		t.Fatalf("unexpected topic: %+v", evt)
	}
}
