// Package taskqueue implements the in-memory priority/FIFO task queue
// and its SQLite-mirrored, crash-recoverable decorator.
//
// No direct teacher analog exists for the in-memory queue itself (the
// teacher's internal/scheduler schedules timer-based recurring jobs,
// not a priority dequeue); its lifecycle conventions (logger at
// construction, sync.Mutex-guarded state, Stats() returning
// map[string]any) are grounded on internal/scheduler/scheduler.go.
package taskqueue

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/nugget/ralph-dispatcher/internal/statemachine"
)

// ErrTaskNotFound is returned when an operation names an unknown
// task ID.
var ErrTaskNotFound = errors.New("task not found")

// ErrNotTerminal is returned by Remove when the task is not yet in a
// terminal state.
var ErrNotTerminal = errors.New("task is not in a terminal state")

// EnqueueOptions describes a new task to materialize.
type EnqueueOptions struct {
	TaskType string
	Payload  map[string]any
	Priority int // 0 means DefaultPriority
}

// TaskQueue is an in-memory priority/FIFO queue whose entries obey the
// statemachine.TaskState lifecycle. All mutations are validated
// against statemachine.IsValidTransition.
type TaskQueue struct {
	logger *slog.Logger

	mu      sync.Mutex
	tasks   map[string]*QueuedTask
	nextSeq uint64
}

// New creates an empty TaskQueue.
func New(logger *slog.Logger) *TaskQueue {
	if logger == nil {
		logger = slog.Default()
	}
	return &TaskQueue{
		logger: logger,
		tasks:  make(map[string]*QueuedTask),
	}
}

// Enqueue materializes a new task in PENDING with a freshly generated
// ID.
func (q *TaskQueue) Enqueue(opts EnqueueOptions) *QueuedTask {
	priority := opts.Priority
	if priority == 0 {
		priority = DefaultPriority
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	q.nextSeq++
	task := &QueuedTask{
		ID:         NewID(),
		TaskType:   opts.TaskType,
		Payload:    opts.Payload,
		State:      statemachine.Pending,
		Priority:   priority,
		EnqueuedAt: time.Now(),
		seq:        q.nextSeq,
	}
	q.tasks[task.ID] = task
	return cloneTask(task)
}

// restore inserts a task verbatim (preserving ID, timestamps, state)
// without generating a new ID. Used by PersistentTaskQueue's
// hydrate/recover_crashed to repopulate memory from the mirror.
func (q *TaskQueue) restore(task *QueuedTask) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.nextSeq++
	t := cloneTask(task)
	t.seq = q.nextSeq
	q.tasks[t.ID] = t
}

// Dequeue selects the highest-priority (lowest Priority value)
// pending task, tie-breaking by earliest enqueue order, transitions
// it to RUNNING, and returns it along with the number of pending
// tasks remaining after the dequeue.
func (q *TaskQueue) Dequeue() (*QueuedTask, int) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var best *QueuedTask
	for _, t := range q.tasks {
		if t.State != statemachine.Pending {
			continue
		}
		if best == nil || t.Priority < best.Priority ||
			(t.Priority == best.Priority && t.seq < best.seq) {
			best = t
		}
	}

	if best == nil {
		return nil, 0
	}

	now := time.Now()
	best.State = statemachine.Running
	best.StartedAt = &now

	remaining := 0
	for _, t := range q.tasks {
		if t.State == statemachine.Pending {
			remaining++
		}
	}

	return cloneTask(best), remaining
}

// TransitionState validates and applies a state change, setting
// started_at/completed_at/error as appropriate. Illegal transitions
// return a *statemachine.TransitionError.
func (q *TaskQueue) TransitionState(id string, newState statemachine.TaskState, errMsg string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	task, ok := q.tasks[id]
	if !ok {
		return fmt.Errorf("transition %s: %w", id, ErrTaskNotFound)
	}

	if err := statemachine.Validate(id, task.State, newState); err != nil {
		return err
	}

	task.State = newState
	if newState == statemachine.Running && task.StartedAt == nil {
		now := time.Now()
		task.StartedAt = &now
	}
	if statemachine.IsTerminal(newState) {
		now := time.Now()
		task.CompletedAt = &now
	}
	if newState == statemachine.Failed {
		task.Error = errMsg
	}

	return nil
}

// Complete, Fail, and Cancel are convenience wrappers over
// TransitionState.
func (q *TaskQueue) Complete(id string) error { return q.TransitionState(id, statemachine.Completed, "") }
func (q *TaskQueue) Fail(id string, errMsg string) error {
	return q.TransitionState(id, statemachine.Failed, errMsg)
}
func (q *TaskQueue) Cancel(id string) error { return q.TransitionState(id, statemachine.Cancelled, "") }

// Remove deletes a task. Only legal for tasks already in a terminal
// state.
func (q *TaskQueue) Remove(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	task, ok := q.tasks[id]
	if !ok {
		return fmt.Errorf("remove %s: %w", id, ErrTaskNotFound)
	}
	if !statemachine.IsTerminal(task.State) {
		return fmt.Errorf("remove %s: %w", id, ErrNotTerminal)
	}
	delete(q.tasks, id)
	return nil
}

// forceRemove deletes a task regardless of its state. Used internally
// by PersistentTaskQueue to roll back an in-memory enqueue whose
// mirror write failed, so the operation appears atomic to observers.
func (q *TaskQueue) forceRemove(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.tasks, id)
}

// Clear bulk-removes tasks. Running tasks are preserved unless
// includeRunning is true.
func (q *TaskQueue) Clear(includeRunning bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for id, t := range q.tasks {
		if t.State == statemachine.Running && !includeRunning {
			continue
		}
		delete(q.tasks, id)
	}
}

// GetTask returns a copy of the task, or false if unknown.
func (q *TaskQueue) GetTask(id string) (*QueuedTask, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[id]
	if !ok {
		return nil, false
	}
	return cloneTask(t), true
}

func (q *TaskQueue) filter(pred func(*QueuedTask) bool) []*QueuedTask {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []*QueuedTask
	for _, t := range q.tasks {
		if pred(t) {
			out = append(out, cloneTask(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

func (q *TaskQueue) GetPendingTasks() []*QueuedTask {
	return q.filter(func(t *QueuedTask) bool { return t.State == statemachine.Pending })
}

func (q *TaskQueue) GetRunningTasks() []*QueuedTask {
	return q.filter(func(t *QueuedTask) bool { return t.State == statemachine.Running })
}

func (q *TaskQueue) GetCompletedTasks() []*QueuedTask {
	return q.filter(func(t *QueuedTask) bool { return t.State == statemachine.Completed })
}

// CountByState returns the number of tasks in each state.
func (q *TaskQueue) CountByState() map[statemachine.TaskState]int {
	q.mu.Lock()
	defer q.mu.Unlock()
	counts := make(map[statemachine.TaskState]int)
	for _, t := range q.tasks {
		counts[t.State]++
	}
	return counts
}

// Stats returns a snapshot suitable for logging or a status endpoint.
func (q *TaskQueue) Stats() map[string]any {
	counts := q.CountByState()
	return map[string]any{
		"total":     counts[statemachine.Pending] + counts[statemachine.Running] + counts[statemachine.Completed] + counts[statemachine.Failed] + counts[statemachine.Cancelled],
		"pending":   counts[statemachine.Pending],
		"running":   counts[statemachine.Running],
		"completed": counts[statemachine.Completed],
		"failed":    counts[statemachine.Failed],
		"cancelled": counts[statemachine.Cancelled],
	}
}

// IsIdle reports whether there is nothing pending or running.
func (q *TaskQueue) IsIdle() bool {
	counts := q.CountByState()
	return counts[statemachine.Pending] == 0 && counts[statemachine.Running] == 0
}

func cloneTask(t *QueuedTask) *QueuedTask {
	clone := *t
	if t.StartedAt != nil {
		started := *t.StartedAt
		clone.StartedAt = &started
	}
	if t.CompletedAt != nil {
		completed := *t.CompletedAt
		clone.CompletedAt = &completed
	}
	return &clone
}
