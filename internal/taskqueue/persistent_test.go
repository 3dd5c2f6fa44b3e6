package taskqueue

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/nugget/ralph-dispatcher/internal/statemachine"
)

func newTestPersistentQueue(t *testing.T) *PersistentTaskQueue {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "queue.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return NewPersistent(nil, New(nil), store)
}

func TestPersistentEnqueueMirrorsToStore(t *testing.T) {
	p := newTestPersistentQueue(t)
	task, err := p.Enqueue(EnqueueOptions{TaskType: "x", Payload: map[string]any{"prompt": "hi"}})
	if err != nil {
		t.Fatal(err)
	}

	mirrored, err := p.store.GetTask(task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if mirrored == nil {
		t.Fatal("expected task mirrored to store")
	}
}

func TestHydrateRestoresPendingTasksVerbatim(t *testing.T) {
	store, err := NewStore(filepath.Join(t.TempDir(), "queue.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	enqueuedAt := time.Now().Add(-time.Hour).UTC().Truncate(time.Second)
	original := &QueuedTask{
		ID:         "persisted-1",
		TaskType:   "x.y",
		Payload:    map[string]any{"prompt": "resume me"},
		State:      statemachine.Pending,
		Priority:   2,
		EnqueuedAt: enqueuedAt,
	}
	if err := store.InsertTask(original); err != nil {
		t.Fatal(err)
	}

	p := NewPersistent(nil, New(nil), store)
	n, err := p.Hydrate()
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected 1 restored, got %d", n)
	}

	got, ok := p.Queue().GetTask("persisted-1")
	if !ok {
		t.Fatal("expected task restored into memory")
	}
	if got.ID != "persisted-1" || got.Priority != 2 {
		t.Fatalf("id/priority not preserved verbatim: %+v", got)
	}
	if !got.EnqueuedAt.Equal(enqueuedAt) {
		t.Fatalf("enqueued_at not preserved: got %v, want %v", got.EnqueuedAt, enqueuedAt)
	}
}

// TestRecoverCrashed is scenario 6 from the acceptance properties.
func TestRecoverCrashed(t *testing.T) {
	store, err := NewStore(filepath.Join(t.TempDir(), "queue.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	row := &QueuedTask{
		ID:         "r1",
		TaskType:   "x",
		State:      statemachine.Running,
		EnqueuedAt: time.Now(),
	}
	if err := store.InsertTask(row); err != nil {
		t.Fatal(err)
	}

	p := NewPersistent(nil, New(nil), store)
	n, err := p.RecoverCrashed()
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected 1 recovered, got %d", n)
	}

	mem, ok := p.Queue().GetTask("r1")
	if !ok {
		t.Fatal("expected recovered task present in memory")
	}
	if mem.State != statemachine.Failed {
		t.Fatalf("expected FAILED in memory, got %s", mem.State)
	}
	if mem.Error != CrashRecoveryError {
		t.Fatalf("unexpected error message: %q", mem.Error)
	}

	mirrored, err := store.GetTask("r1")
	if err != nil {
		t.Fatal(err)
	}
	if mirrored.State != statemachine.Failed || mirrored.Error != CrashRecoveryError {
		t.Fatalf("mirror not updated: %+v", mirrored)
	}
}
