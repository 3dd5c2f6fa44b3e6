package taskqueue

import (
	"time"

	"github.com/google/uuid"

	"github.com/nugget/ralph-dispatcher/internal/statemachine"
)

// QueuedTask is a single queue entry. IDs are generated once at
// enqueue time and are never reused; hydration from the persistence
// mirror must preserve them verbatim.
type QueuedTask struct {
	ID          string
	TaskType    string
	Payload     map[string]any
	State       statemachine.TaskState
	Priority    int
	EnqueuedAt  time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	Error       string
	RetryCount  int

	// seq records the order in which tasks entered the in-memory queue
	// and is what Dequeue compares among equal priorities (EnqueuedAt
	// itself is not compared, so identical timestamps cannot tie). It
	// is assigned on enqueue and on restore and never persisted;
	// hydrate restores rows in enqueued_at order, so restored tasks get
	// seq values in that order.
	seq uint64
}

// DefaultPriority is used when EnqueueOptions.Priority is zero.
// Lower values are higher priority.
const DefaultPriority = 5

// NewID returns a fresh, time-ordered task ID. Falls back to a
// version-4 UUID if the version-7 generator errors (exhausted entropy
// source), following the teacher's internal/scheduler.NewID.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}
