package taskqueue

import (
	"fmt"
	"log/slog"

	"github.com/nugget/ralph-dispatcher/internal/statemachine"
)

// CrashRecoveryError is the fixed message written to tasks whose
// mirrored state was RUNNING at startup — an unclean shutdown leaves
// no way to know whether the underlying process is still alive, so
// they are treated as irrecoverable.
const CrashRecoveryError = "Process died during server restart"

// PersistentTaskQueue decorates TaskQueue with a durable mirror.
// Enqueue and state-transition operations update both the in-memory
// queue and the mirror. Only Enqueue rolls back its in-memory change
// when the mirror write fails; Dequeue and TransitionState keep the
// in-memory transition and return the mirror error, leaving the
// mirror behind until a later update of that row.
type PersistentTaskQueue struct {
	logger *slog.Logger
	queue  *TaskQueue
	store  *Store
}

// NewPersistent wraps queue with a durable mirror in store.
func NewPersistent(logger *slog.Logger, queue *TaskQueue, store *Store) *PersistentTaskQueue {
	if logger == nil {
		logger = slog.Default()
	}
	return &PersistentTaskQueue{logger: logger, queue: queue, store: store}
}

// Queue exposes the underlying in-memory queue for read-only queries
// (GetPendingTasks, Stats, ...) that do not need mirroring.
func (p *PersistentTaskQueue) Queue() *TaskQueue { return p.queue }

// GetTask returns a copy of the in-memory task, or false if unknown.
// Forwards to the underlying queue; defined directly on
// PersistentTaskQueue so it satisfies dispatcher.Queue.
func (p *PersistentTaskQueue) GetTask(id string) (*QueuedTask, bool) {
	return p.queue.GetTask(id)
}

// Enqueue materializes a task in memory and mirrors it to the store.
// If the mirror write fails, the in-memory task is removed and the
// error is returned, so enqueue appears atomic to observers.
func (p *PersistentTaskQueue) Enqueue(opts EnqueueOptions) (*QueuedTask, error) {
	task := p.queue.Enqueue(opts)
	if err := p.store.InsertTask(task); err != nil {
		p.queue.forceRemove(task.ID)
		return nil, fmt.Errorf("enqueue %s: mirror write failed: %w", task.ID, err)
	}
	return task, nil
}

// Dequeue delegates to the in-memory queue and mirrors the resulting
// RUNNING transition.
func (p *PersistentTaskQueue) Dequeue() (*QueuedTask, int, error) {
	task, remaining := p.queue.Dequeue()
	if task == nil {
		return nil, remaining, nil
	}
	if err := p.store.UpdateTask(task); err != nil {
		return task, remaining, fmt.Errorf("dequeue %s: mirror update failed: %w", task.ID, err)
	}
	return task, remaining, nil
}

// TransitionState delegates to the in-memory queue then mirrors the
// change. A mirror failure is reported but does not unwind the
// in-memory transition (the task is already in a new state observed
// by the dispatcher; unwinding an in-progress execution is unsafe) —
// it is logged loudly since it means the mirror has fallen behind.
func (p *PersistentTaskQueue) TransitionState(id string, newState statemachine.TaskState, errMsg string) error {
	if err := p.queue.TransitionState(id, newState, errMsg); err != nil {
		return err
	}
	task, ok := p.queue.GetTask(id)
	if !ok {
		return fmt.Errorf("transition %s: %w", id, ErrTaskNotFound)
	}
	if err := p.store.UpdateTask(task); err != nil {
		p.logger.Error("persistent task queue: mirror fell behind in-memory state",
			"task_id", id, "state", newState, "error", err)
		return fmt.Errorf("transition %s: mirror update failed: %w", id, err)
	}
	return nil
}

func (p *PersistentTaskQueue) Complete(id string) error { return p.TransitionState(id, statemachine.Completed, "") }
func (p *PersistentTaskQueue) Fail(id, errMsg string) error {
	return p.TransitionState(id, statemachine.Failed, errMsg)
}
func (p *PersistentTaskQueue) Cancel(id string) error { return p.TransitionState(id, statemachine.Cancelled, "") }

// Hydrate loads every mirrored row whose persisted state is PENDING
// into the in-memory queue, preserving IDs, timestamps, priority, and
// payload verbatim. Returns the number restored.
func (p *PersistentTaskQueue) Hydrate() (int, error) {
	rows, err := p.store.ListByState(statemachine.Pending)
	if err != nil {
		return 0, fmt.Errorf("hydrate: %w", err)
	}
	for _, task := range rows {
		p.queue.restore(task)
	}
	p.logger.Info("task queue hydrated", "restored", len(rows))
	return len(rows), nil
}

// RecoverCrashed loads every mirrored row whose persisted state is
// RUNNING (implying an unclean shutdown) and immediately transitions
// it to FAILED with CrashRecoveryError, in both memory and the
// mirror. Returns the number recovered.
func (p *PersistentTaskQueue) RecoverCrashed() (int, error) {
	rows, err := p.store.ListByState(statemachine.Running)
	if err != nil {
		return 0, fmt.Errorf("recover_crashed: %w", err)
	}

	for _, task := range rows {
		task.State = statemachine.Failed
		task.Error = CrashRecoveryError
		p.queue.restore(task)
		if err := p.store.UpdateTask(task); err != nil {
			return 0, fmt.Errorf("recover_crashed: mirror update for %s failed: %w", task.ID, err)
		}
	}

	p.logger.Info("crash recovery complete", "recovered", len(rows))
	return len(rows), nil
}
