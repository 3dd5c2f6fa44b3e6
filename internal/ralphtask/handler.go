// Package ralphtask implements the subprocess task handler: it
// translates a queued task payload into a supervised child process,
// streams its output onto the event bus, and maps its exit outcome
// back to the dispatcher's success/failure/cancel contract.
//
// No teacher analog exists (nothing in the teacher spawns and
// supervises an external process as its unit of work); grounded
// directly on spec.md's subprocess-handler description, using
// internal/supervisor and internal/logstream as its load-bearing
// dependencies, with internal/delegate.go's
// exhaustion-reason/completion-recording structure informing its own
// timeout/cancel/exit-code bookkeeping style.
package ralphtask

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/nugget/ralph-dispatcher/internal/dispatcher"
	"github.com/nugget/ralph-dispatcher/internal/logstream"
	"github.com/nugget/ralph-dispatcher/internal/supervisor"
	"github.com/nugget/ralph-dispatcher/internal/taskqueue"
)

// TaskType is the routing key this handler is registered under.
const TaskType = "ralph.subprocess"

// PersonaProvider supplies per-task context (persona/instructions)
// prepended to the raw prompt before it is written to disk. Optional;
// a nil provider leaves the prompt untouched.
type PersonaProvider interface {
	Prepend(taskType string, prompt string) string
}

// Result is returned to the dispatcher on a successful (COMPLETED)
// outcome.
type Result struct {
	ExitCode   int
	DurationMS int64
}

// Handler wires ProcessSupervisor and LogStreamer together to execute
// ralphtask.TaskType tasks.
type Handler struct {
	logger   *slog.Logger
	sup      *supervisor.Supervisor
	streamer *logstream.Streamer
	persona  PersonaProvider

	livenessPoll time.Duration
}

// New creates a Handler. sup and streamer are shared with the rest of
// the process; persona may be nil.
func New(logger *slog.Logger, sup *supervisor.Supervisor, streamer *logstream.Streamer, persona PersonaProvider) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		logger:       logger,
		sup:          sup,
		streamer:     streamer,
		persona:      persona,
		livenessPoll: 500 * time.Millisecond,
	}
}

type payload struct {
	Prompt      string   `json:"prompt"`
	Argv        []string `json:"argv"`
	Cwd         string   `json:"cwd"`
	BroadcastID string   `json:"broadcast_id"`
}

func parsePayload(raw map[string]any) (payload, error) {
	var p payload
	prompt, ok := raw["prompt"].(string)
	if !ok || prompt == "" {
		return p, errors.New("ralphtask: payload.prompt is required and must be a non-empty string")
	}
	p.Prompt = prompt

	if argvRaw, ok := raw["argv"].([]any); ok {
		for _, a := range argvRaw {
			s, ok := a.(string)
			if !ok {
				return p, errors.New("ralphtask: payload.argv must be a list of strings")
			}
			p.Argv = append(p.Argv, s)
		}
	}
	if cwd, ok := raw["cwd"].(string); ok {
		p.Cwd = cwd
	}
	if bid, ok := raw["broadcast_id"].(string); ok {
		p.BroadcastID = bid
	}
	return p, nil
}

// eventPayload is what a handler publishes for each captured log
// line, whether treated as a raw line or (when it parses as a JSON
// object carrying a string "topic" field) additionally republished as
// a domain event.
type eventPayload struct {
	TaskID string `json:"task_id"`
	Source string `json:"source"`
	Line   string `json:"line"`
}

// Handle implements dispatcher.Handler's signature and is registered
// under TaskType.
func (h *Handler) Handle(ctx context.Context, task *taskqueue.QueuedTask, hctx dispatcher.HandlerContext) (any, error) {
	bus := hctx.Bus
	signal := hctx.Signal

	p, err := parsePayload(task.Payload)
	if err != nil {
		return nil, err
	}

	broadcastID := p.BroadcastID
	if broadcastID == "" {
		broadcastID = task.ID
	}

	promptText := p.Prompt
	if h.persona != nil {
		promptText = h.persona.Prepend(task.TaskType, promptText)
	}

	promptFile, err := os.CreateTemp("", "ralphtask-prompt-*.txt")
	if err != nil {
		return nil, fmt.Errorf("ralphtask: create prompt temp file: %w", err)
	}
	promptPath := promptFile.Name()
	cleanupPrompt := func() { _ = os.Remove(promptPath) }

	if _, err := promptFile.WriteString(promptText); err != nil {
		promptFile.Close()
		cleanupPrompt()
		return nil, fmt.Errorf("ralphtask: write prompt temp file: %w", err)
	}
	if err := promptFile.Close(); err != nil {
		cleanupPrompt()
		return nil, fmt.Errorf("ralphtask: close prompt temp file: %w", err)
	}

	argv := append([]string{}, p.Argv...)
	argv = append(argv, "-P", promptPath)

	handle, err := h.sup.Spawn(task.ID, promptText, argv, p.Cwd)
	if err != nil {
		cleanupPrompt()
		return nil, fmt.Errorf("ralphtask: spawn failed: %w", err)
	}

	onLine := func(line string, source logstream.Source) {
		bus.Publish(context.Background(), "log", eventPayload{
			TaskID: broadcastID, Source: string(source), Line: line,
		}, broadcastID)

		if evt, ok := parseEmbeddedEvent(line); ok {
			bus.Publish(context.Background(), "task.embedded_event", map[string]any{
				"task_id": broadcastID, "event": evt,
			}, broadcastID)
		}
	}
	if err := h.streamer.Stream(task.ID, handle.TaskDir, onLine, logstream.Positions{}); err != nil {
		h.logger.Warn("ralphtask: failed to attach log streamer", "task_id", task.ID, "error", err)
	}

	defer func() {
		h.streamer.Stop(task.ID)
		cleanupPrompt()
	}()

	ticker := time.NewTicker(h.livenessPoll)
	defer ticker.Stop()

	for {
		select {
		case <-signal.Done():
			// Cooperative cancellation: ask the supervisor to stop the
			// child (SIGTERM, escalating to SIGKILL), then return a
			// cancellation error without reading its terminal status.
			// The dispatcher's own
			// select is what decides whether this surfaces as
			// task.cancelled or task.timeout; this handler only needs to
			// make sure the child is actually gone before returning.
			if _, err := h.sup.Stop(task.ID); err != nil {
				h.logger.Warn("ralphtask: stop failed during cancellation", "task_id", task.ID, "error", err)
			}
			return nil, errors.New("ralphtask: task was cancelled")

		case <-ticker.C:
			if h.sup.IsAlive(handle.PID) {
				continue
			}
			status, err := h.sup.Status(task.ID)
			if err != nil {
				return nil, fmt.Errorf("ralphtask: read terminal status: %w", err)
			}
			return h.classify(status)
		}
	}
}

func (h *Handler) classify(status *supervisor.ProcessStatus) (any, error) {
	if status == nil {
		return nil, errors.New("ralphtask: process exited but no status was recorded")
	}

	if status.Signal != nil {
		sig := *status.Signal
		if sig == "SIGTERM" || sig == "SIGKILL" || strings.Contains(sig, "terminated") || strings.Contains(sig, "killed") {
			return nil, errors.New("ralphtask: task was cancelled")
		}
		return nil, fmt.Errorf("Process terminated by signal %s", sig)
	}

	if status.ExitCode == nil {
		return nil, errors.New("ralphtask: process exited with unknown status")
	}

	var durationMS int64
	if status.DurationMS != nil {
		durationMS = *status.DurationMS
	}

	if *status.ExitCode == 0 {
		return Result{ExitCode: 0, DurationMS: durationMS}, nil
	}
	return nil, fmt.Errorf("Process exited with code %d", *status.ExitCode)
}

// parseEmbeddedEvent treats line as a candidate domain event: if it
// parses as a JSON object with a string "topic" field, it is returned
// as the decoded map. Any other content (plain text, malformed JSON,
// JSON without a topic field) is not an event.
func parseEmbeddedEvent(line string) (map[string]any, bool) {
	trimmed := strings.TrimSpace(line)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, false
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(trimmed), &obj); err != nil {
		return nil, false
	}
	if _, ok := obj["topic"].(string); !ok {
		return nil, false
	}
	return obj, true
}
