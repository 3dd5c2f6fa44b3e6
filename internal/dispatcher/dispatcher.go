// Package dispatcher implements the cooperative polling scheduler:
// it dequeues tasks, invokes registered handlers up to a concurrency
// ceiling, enforces per-task timeouts and cancellation, and publishes
// lifecycle events.
//
// Grounded on the teacher's internal/scheduler.Scheduler for its
// lifecycle shape (idempotent Start/Stop guarded by a running bool,
// sync.WaitGroup draining active work, a Stats() snapshot) and on
// internal/delegate.go's wall-clock deadline enforcement, here done
// with a per-task time.Timer. The actual scheduling model is
// a rewrite: the teacher schedules recurring jobs with one
// time.AfterFunc timer per task, where this dispatcher runs a single
// shared poll loop filling a fixed number of concurrency slots.
package dispatcher

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nugget/ralph-dispatcher/internal/eventbus"
	"github.com/nugget/ralph-dispatcher/internal/statemachine"
	"github.com/nugget/ralph-dispatcher/internal/taskqueue"
)

const (
	DefaultPollIntervalMS = 100
	DefaultMaxConcurrent  = 1
	DefaultTaskTimeoutMS  = 7_200_000 // 2 hours
)

// Options configures dispatcher behavior. Zero-valued fields fall
// back to the defaults above.
type Options struct {
	PollIntervalMS int
	MaxConcurrent  int
	TaskTimeoutMS  int
	AutoStart      bool
}

func (o Options) withDefaults() Options {
	if o.PollIntervalMS == 0 {
		o.PollIntervalMS = DefaultPollIntervalMS
	}
	if o.MaxConcurrent == 0 {
		o.MaxConcurrent = DefaultMaxConcurrent
	}
	if o.TaskTimeoutMS == 0 {
		o.TaskTimeoutMS = DefaultTaskTimeoutMS
	}
	return o
}

// HandlerContext is the execution-scoped collaborator set passed to
// every handler invocation. Handlers receive only the bus and their
// cancellation signal, never the queue itself, so a handler cannot
// reach back in and mutate scheduling state directly.
type HandlerContext struct {
	Bus           *eventbus.Bus
	CorrelationID string
	Signal        *CancelToken
}

// Handler performs the work for one task. A returned error marks the
// task FAILED (unless the dispatcher had already classified the
// outcome as a timeout or cancellation — see the precedence rule in
// classifyHandlerError).
type Handler func(ctx context.Context, task *taskqueue.QueuedTask, hctx HandlerContext) (any, error)

// Queue is the subset of PersistentTaskQueue the dispatcher needs.
// Declared as an interface so tests can substitute a fake.
type Queue interface {
	Dequeue() (*taskqueue.QueuedTask, int, error)
	GetTask(id string) (*taskqueue.QueuedTask, bool)
	Complete(id string) error
	Fail(id, errMsg string) error
	Cancel(id string) error
}

// Stats is a point-in-time snapshot of dispatcher activity.
type Stats struct {
	TotalProcessed    int
	Success           int
	Failure           int
	Cancelled         int
	Timeout           int
	CurrentlyRunning  int
	AverageDurationMS float64
	UptimeMS          int64
}

type counters struct {
	mu             sync.Mutex
	success        int
	failure        int
	cancelled      int
	timeout        int
	totalDurations time.Duration
	totalCount     int
}

func (c *counters) record(outcome string, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalCount++
	c.totalDurations += duration
	switch outcome {
	case "success":
		c.success++
	case "failure":
		c.failure++
	case "cancelled":
		c.cancelled++
	case "timeout":
		c.timeout++
	}
}

// Dispatcher is the cooperative scheduler. Create with New, register
// handlers, then call Start.
type Dispatcher struct {
	logger *slog.Logger
	bus    *eventbus.Bus
	queue  Queue
	opts   Options

	mu             sync.Mutex
	running        bool
	startedAt      time.Time
	stopCh         chan struct{}
	handlers       map[string]Handler
	defaultHandler Handler
	runningTasks   map[string]*CancelToken

	wg     sync.WaitGroup // tracks in-flight execute() calls
	loopWG sync.WaitGroup // tracks the poll loop goroutine

	counters counters
}

// New creates a Dispatcher bound to bus and queue.
func New(logger *slog.Logger, bus *eventbus.Bus, queue Queue, opts Options) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		logger:       logger,
		bus:          bus,
		queue:        queue,
		opts:         opts.withDefaults(),
		handlers:     make(map[string]Handler),
		runningTasks: make(map[string]*CancelToken),
	}
}

// RegisterHandler routes task_type to handler.
func (d *Dispatcher) RegisterHandler(taskType string, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[taskType] = h
}

// RegisterDefaultHandler sets the fallback used when no exact
// task_type match is registered.
func (d *Dispatcher) RegisterDefaultHandler(h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.defaultHandler = h
}

// UnregisterHandler removes the handler for task_type, if any.
func (d *Dispatcher) UnregisterHandler(taskType string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.handlers, taskType)
}

func (d *Dispatcher) resolveHandler(taskType string) (Handler, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if h, ok := d.handlers[taskType]; ok {
		return h, true
	}
	if d.defaultHandler != nil {
		return d.defaultHandler, true
	}
	return nil, false
}

// Start begins polling. Idempotent: a second call while already
// running is a no-op.
func (d *Dispatcher) Start() {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return
	}
	d.running = true
	d.startedAt = time.Now()
	d.stopCh = make(chan struct{})
	d.mu.Unlock()

	d.bus.Publish(context.Background(), "dispatcher.started", map[string]any{
		"config": map[string]any{
			"poll_interval_ms": d.opts.PollIntervalMS,
			"max_concurrent":   d.opts.MaxConcurrent,
			"task_timeout_ms":  d.opts.TaskTimeoutMS,
		},
	}, "")

	d.loopWG.Add(1)
	go func() {
		defer d.loopWG.Done()
		d.pollLoop()
	}()

	d.logger.Info("dispatcher started",
		"poll_interval_ms", d.opts.PollIntervalMS,
		"max_concurrent", d.opts.MaxConcurrent,
		"task_timeout_ms", d.opts.TaskTimeoutMS,
	)
}

// Stop halts polling and awaits every running task. If
// forceTimeoutMS is non-nil, after that many milliseconds every
// still-running task's cancellation token is aborted; Stop still
// waits for those tasks to actually finish cooperating afterward.
// Idempotent: a second call while already stopped is a no-op.
func (d *Dispatcher) Stop(forceTimeoutMS *int) {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	close(d.stopCh)
	d.mu.Unlock()

	d.loopWG.Wait()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	if forceTimeoutMS != nil {
		select {
		case <-done:
		case <-time.After(time.Duration(*forceTimeoutMS) * time.Millisecond):
			d.mu.Lock()
			tokens := make([]*CancelToken, 0, len(d.runningTasks))
			for _, tok := range d.runningTasks {
				tokens = append(tokens, tok)
			}
			d.mu.Unlock()
			for _, tok := range tokens {
				tok.Abort(ReasonCancelledUser)
			}
			<-done
		}
	} else {
		<-done
	}

	d.bus.Publish(context.Background(), "dispatcher.stopped", map[string]any{
		"stats": d.Stats(),
	}, "")

	d.logger.Info("dispatcher stopped")
}

func (d *Dispatcher) pollLoop() {
	ticker := time.NewTicker(time.Duration(d.opts.PollIntervalMS) * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-d.stopCh:
			return
		case <-ticker.C:
			d.tick()
		}
	}
}

func (d *Dispatcher) tick() {
	d.mu.Lock()
	available := d.opts.MaxConcurrent - len(d.runningTasks)
	d.mu.Unlock()

	started := 0
	for i := 0; i < available; i++ {
		task, _, err := d.queue.Dequeue()
		if err != nil {
			d.logger.Error("dispatcher: dequeue failed", "error", err)
			break
		}
		if task == nil {
			break
		}
		started++
		d.wg.Add(1)
		go d.execute(task)
	}

	d.mu.Lock()
	runningNow := len(d.runningTasks)
	d.mu.Unlock()

	if started == 0 && runningNow == 0 {
		d.bus.Publish(context.Background(), "dispatcher.idle", map[string]any{}, "")
	}
}

type handlerResult struct {
	value any
	err   error
}

func (d *Dispatcher) execute(task *taskqueue.QueuedTask) {
	defer d.wg.Done()

	token := newCancelToken()
	d.mu.Lock()
	d.runningTasks[task.ID] = token
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.runningTasks, task.ID)
		d.mu.Unlock()
	}()

	start := time.Now()
	corrID := fmt.Sprintf("exec-%s-%d", task.ID, start.UnixMilli())
	hctx := HandlerContext{Bus: d.bus, CorrelationID: corrID, Signal: token}

	d.bus.Publish(context.Background(), "task.started", map[string]any{
		"task_id": task.ID, "task_type": task.TaskType,
	}, corrID)

	handler, ok := d.resolveHandler(task.TaskType)
	if !ok {
		msg := fmt.Sprintf("No handler registered for task type: %s", task.TaskType)
		d.finalizeFailed(task, msg, corrID, start)
		return
	}

	resultCh := make(chan handlerResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				resultCh <- handlerResult{err: fmt.Errorf("handler panic: %v", r)}
			}
		}()
		value, err := handler(token.Context(context.Background()), task, hctx)
		resultCh <- handlerResult{value: value, err: err}
	}()

	timer := time.NewTimer(time.Duration(d.opts.TaskTimeoutMS) * time.Millisecond)
	defer timer.Stop()

	select {
	case <-timer.C:
		// Ordering invariant: set the abort reason before doing
		// anything else, so any later classification of this token
		// (including a straggling handler goroutine's own error) sees
		// the timeout reason rather than mistaking it for a plain
		// cancellation.
		token.Abort(ReasonTimeout)
		d.finalizeTimeout(task, corrID, start)

	case <-token.Done():
		// Reachable via CancelTask or via Stop's force timeout, both of
		// which abort with ReasonCancelledUser: our own timeout path
		// above is a different, mutually exclusive branch of this same
		// select.
		d.finalizeCancelled(task, corrID, start)

	case res := <-resultCh:
		if res.err == nil {
			d.finalizeCompleted(task, res.value, corrID, start)
			return
		}
		d.classifyHandlerError(task, res.err, token, corrID, start)
	}
}

// classifyHandlerError implements the failure-classification
// precedence: a handler that returns an error after observing its own
// signal aborted must still be reported as a timeout or cancellation,
// not a generic failure, and timeout takes precedence over
// cancellation. This only matters when the handler's own goroutine
// notices the abort and returns before this select's other two cases
// are chosen.
func (d *Dispatcher) classifyHandlerError(task *taskqueue.QueuedTask, err error, token *CancelToken, corrID string, start time.Time) {
	switch token.Reason() {
	case ReasonTimeout:
		d.finalizeTimeout(task, corrID, start)
	case ReasonCancelledUser:
		d.finalizeCancelled(task, corrID, start)
	default:
		d.finalizeFailed(task, err.Error(), corrID, start)
	}
}

func (d *Dispatcher) finalizeCompleted(task *taskqueue.QueuedTask, value any, corrID string, start time.Time) {
	if err := d.queue.Complete(task.ID); err != nil {
		d.logger.Error("dispatcher: failed to mark task completed", "task_id", task.ID, "error", err)
	}
	d.counters.record("success", time.Since(start))
	d.bus.Publish(context.Background(), "task.completed", map[string]any{
		"task_id": task.ID, "result": value,
	}, corrID)
}

func (d *Dispatcher) finalizeFailed(task *taskqueue.QueuedTask, errMsg, corrID string, start time.Time) {
	if err := d.queue.Fail(task.ID, errMsg); err != nil {
		d.logger.Error("dispatcher: failed to mark task failed", "task_id", task.ID, "error", err)
	}
	d.counters.record("failure", time.Since(start))
	d.bus.Publish(context.Background(), "task.failed", map[string]any{
		"task_id": task.ID, "error": errMsg,
	}, corrID)
}

func (d *Dispatcher) finalizeTimeout(task *taskqueue.QueuedTask, corrID string, start time.Time) {
	msg := fmt.Sprintf("task exceeded timeout of %dms", d.opts.TaskTimeoutMS)
	if err := d.queue.Fail(task.ID, msg); err != nil {
		d.logger.Error("dispatcher: failed to mark task timed out", "task_id", task.ID, "error", err)
	}
	d.counters.record("timeout", time.Since(start))
	d.bus.Publish(context.Background(), "task.timeout", map[string]any{
		"task_id": task.ID,
	}, corrID)
}

func (d *Dispatcher) finalizeCancelled(task *taskqueue.QueuedTask, corrID string, start time.Time) {
	if err := d.queue.Cancel(task.ID); err != nil {
		d.logger.Error("dispatcher: failed to mark task cancelled", "task_id", task.ID, "error", err)
	}
	d.counters.record("cancelled", time.Since(start))
	d.bus.Publish(context.Background(), "task.cancelled", map[string]any{
		"task_id": task.ID, "reason": "cancelled by user",
	}, corrID)
}

// CancelTask requests cancellation of task id. If it is currently
// running, its token is aborted and the eventual terminal event will
// be task.cancelled. If it is pending (not yet running), it is
// transitioned to CANCELLED immediately. Returns false if neither
// applies (unknown id, or already terminal).
func (d *Dispatcher) CancelTask(id string) bool {
	d.mu.Lock()
	token, running := d.runningTasks[id]
	d.mu.Unlock()

	if running {
		token.Abort(ReasonCancelledUser)
		return true
	}

	task, ok := d.queue.GetTask(id)
	if !ok || task.State != statemachine.Pending {
		return false
	}

	if err := d.queue.Cancel(id); err != nil {
		d.logger.Error("dispatcher: cancel of pending task failed", "task_id", id, "error", err)
		return false
	}

	d.bus.Publish(context.Background(), "task.cancelled", map[string]any{
		"task_id": id, "reason": "cancelled by user", "duration_ms": 0,
	}, "")
	return true
}

// Stats returns a snapshot of processed/success/failure/etc counts.
func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	running := len(d.runningTasks)
	startedAt := d.startedAt
	d.mu.Unlock()

	d.counters.mu.Lock()
	defer d.counters.mu.Unlock()

	var avg float64
	if d.counters.totalCount > 0 {
		avg = float64(d.counters.totalDurations.Milliseconds()) / float64(d.counters.totalCount)
	}

	var uptime int64
	if !startedAt.IsZero() {
		uptime = time.Since(startedAt).Milliseconds()
	}

	return Stats{
		TotalProcessed:    d.counters.totalCount,
		Success:           d.counters.success,
		Failure:           d.counters.failure,
		Cancelled:         d.counters.cancelled,
		Timeout:           d.counters.timeout,
		CurrentlyRunning:  running,
		AverageDurationMS: avg,
		UptimeMS:          uptime,
	}
}
