// Package digitaltask implements the digital task lifecycle: execute,
// forward-only status transitions, push-update retry with a durable
// fallback queue, interrupt-previous semantics, and crash recovery.
// Execute reports accepted=false when the concurrency limit is reached,
// and each task carries its own context.CancelFunc so cancellation never
// crosses task boundaries.
package digitaltask

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/opencane/edge-runtime/internal/agent"
	"github.com/opencane/edge-runtime/internal/store"
)

// Status values follow a forward-only lifecycle: pending -> running ->
// {success, failed, timeout, canceled}. Cancel always wins over a
// concurrent success.
const (
	StatusPending  = "pending"
	StatusRunning  = "running"
	StatusSuccess  = "success"
	StatusFailed   = "failed"
	StatusTimeout  = "timeout"
	StatusCanceled = "canceled"
)

func isTerminal(status string) bool {
	switch status {
	case StatusSuccess, StatusFailed, StatusTimeout, StatusCanceled:
		return true
	}
	return false
}

// Request describes a task to execute.
type Request struct {
	DeviceID  string
	SessionID string
	Directive string
	Timeout   time.Duration

	// Delivery flags, persisted alongside the row so a recovered task keeps
	// the same push behavior it was submitted with.
	Notify            bool
	Speak             bool
	InterruptPrevious bool
}

// PushContext is the persisted form of a request's delivery flags.
type PushContext struct {
	DeviceID          string `json:"device_id"`
	Notify            bool   `json:"notify"`
	Speak             bool   `json:"speak"`
	InterruptPrevious bool   `json:"interrupt_previous"`
}

// StatusUpdate is pushed to the caller-provided callback on every
// transition.
type StatusUpdate struct {
	TaskID    string
	DeviceID  string
	SessionID string
	Status    string
	Result    json.RawMessage
	Error     string
	Notify    bool
	Speak     bool
}

// StatusCallback delivers a status update to whatever channel the caller
// uses to notify the device (control-plane push, MQTT, websocket frame).
type StatusCallback func(ctx context.Context, update StatusUpdate) error

// Executor runs a task's directive. Implementations may call into the LLM
// client's tool-use stages (MCP-only first, web/exec fallback second); this
// package only owns lifecycle and push-update plumbing, not tool dispatch.
type Executor interface {
	Execute(ctx context.Context, req Request) (json.RawMessage, error)
}

// TaskStore is the narrow persistence dependency the service needs, the
// subset of *store.DB that drives the lifecycle and push-queue fallback.
type TaskStore interface {
	CreateTask(ctx context.Context, id, deviceID, sessionID, directive string, pushContext json.RawMessage) error
	StartTask(ctx context.Context, id string) error
	FinishTask(ctx context.Context, id, status string, result json.RawMessage, errMsg string) error
	AppendTaskStep(ctx context.Context, taskID string, stepIndex int, kind string, detail json.RawMessage) error
	NonTerminalTasks(ctx context.Context) ([]store.TaskRecord, error)
	EnqueuePush(ctx context.Context, taskID string, payload json.RawMessage) error
	DuePushes(ctx context.Context, limit int) ([]store.PushQueueEntry, error)
	RecordPushFailure(ctx context.Context, id int64, backoff time.Duration, errMsg string) error
	DeletePush(ctx context.Context, id int64) error
}

// Options configures the Service.
type Options struct {
	MaxConcurrent      int
	StatusRetryCount   int
	StatusRetryBackoff time.Duration
	DefaultTimeout     time.Duration

	Store    TaskStore
	Executor Executor
	Callback StatusCallback
	Log      zerolog.Logger
}

// Service runs digital tasks and manages their durable lifecycle.
type Service struct {
	opts Options
	log  zerolog.Logger
	sem  chan struct{}

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	byDevice map[string]string // deviceID -> most recent active task id, for interrupt-previous
}

// New builds a Service.
func New(opts Options) *Service {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 32
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 120 * time.Second
	}
	if opts.StatusRetryBackoff <= 0 {
		opts.StatusRetryBackoff = 500 * time.Millisecond
	}
	return &Service{
		opts:     opts,
		log:      opts.Log,
		sem:      make(chan struct{}, opts.MaxConcurrent),
		cancels:  make(map[string]context.CancelFunc),
		byDevice: make(map[string]string),
	}
}

// Execute creates a pending row, enqueues a task goroutine, and returns
// immediately with {task_id, accepted}. A prior active task for the same
// device is interrupted (canceled) first.
func (s *Service) Execute(ctx context.Context, req Request) (taskID string, accepted bool, err error) {
	taskID = newTaskID()
	if req.Timeout <= 0 {
		req.Timeout = s.opts.DefaultTimeout
	}

	pc, _ := json.Marshal(PushContext{
		DeviceID:          req.DeviceID,
		Notify:            req.Notify,
		Speak:             req.Speak,
		InterruptPrevious: req.InterruptPrevious,
	})
	if err := s.opts.Store.CreateTask(ctx, taskID, req.DeviceID, req.SessionID, req.Directive, pc); err != nil {
		return "", false, fmt.Errorf("digitaltask: create task: %w", err)
	}
	s.appendStep(ctx, taskID, "accepted", nil)

	if req.InterruptPrevious {
		s.interruptPrevious(ctx, req.DeviceID)
	}

	select {
	case s.sem <- struct{}{}:
	default:
		return taskID, false, errors.New("digitaltask: concurrency limit reached")
	}

	taskCtx, cancel := context.WithTimeout(context.Background(), req.Timeout)
	s.mu.Lock()
	s.cancels[taskID] = cancel
	s.byDevice[req.DeviceID] = taskID
	s.mu.Unlock()

	go s.run(taskCtx, cancel, taskID, req)

	return taskID, true, nil
}

// Cancel atomically marks a task canceled and signals its goroutine.
// Success arriving after cancel is ignored by the run loop.
func (s *Service) Cancel(ctx context.Context, taskID, reason string) error {
	s.mu.Lock()
	cancel, ok := s.cancels[taskID]
	s.mu.Unlock()

	if err := s.opts.Store.FinishTask(ctx, taskID, StatusCanceled, nil, reason); err != nil {
		return fmt.Errorf("digitaltask: record cancel: %w", err)
	}
	detail, _ := json.Marshal(map[string]string{"error": reason})
	s.appendStep(ctx, taskID, "canceled", detail)

	if ok {
		cancel()
	}
	return nil
}

func (s *Service) interruptPrevious(ctx context.Context, deviceID string) {
	s.mu.Lock()
	prev, ok := s.byDevice[deviceID]
	s.mu.Unlock()
	if !ok {
		return
	}
	_ = s.Cancel(ctx, prev, "interrupted_by_new_task")
}

func (s *Service) run(ctx context.Context, cancel context.CancelFunc, taskID string, req Request) {
	defer func() {
		<-s.sem
		s.mu.Lock()
		delete(s.cancels, taskID)
		s.mu.Unlock()
		cancel()
	}()

	if err := s.opts.Store.StartTask(ctx, taskID); err != nil {
		s.log.Error().Err(err).Str("task_id", taskID).Msg("mark task running failed")
		return
	}
	s.appendStep(ctx, taskID, StatusRunning, nil)
	s.pushUpdate(taskID, req, StatusRunning, nil, "")

	result, err := s.opts.Executor.Execute(ctx, req)

	status := StatusSuccess
	var errMsg string
	switch {
	case errors.Is(ctx.Err(), context.Canceled):
		// already recorded canceled by Cancel(); don't overwrite a winning
		// cancel with a late success or failure.
		return
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		status = StatusTimeout
		errMsg = "task deadline exceeded"
		result = nil
	case err != nil:
		status = StatusFailed
		errMsg = err.Error()
		result = nil
	}

	if finishErr := s.opts.Store.FinishTask(context.Background(), taskID, status, result, errMsg); finishErr != nil {
		s.log.Error().Err(finishErr).Str("task_id", taskID).Msg("record task completion failed")
		return
	}
	s.appendStep(context.Background(), taskID, status, result)
	s.pushUpdate(taskID, req, status, result, errMsg)
}

func (s *Service) appendStep(ctx context.Context, taskID, kind string, detail json.RawMessage) {
	if err := s.opts.Store.AppendTaskStep(ctx, taskID, 0, kind, detail); err != nil {
		s.log.Warn().Err(err).Str("task_id", taskID).Msg("append task step failed")
	}
}

// pushUpdate invokes the status callback with retry; on exhaustion the
// update is appended to the durable push_queue for later replay.
func (s *Service) pushUpdate(taskID string, req Request, status string, result json.RawMessage, errMsg string) {
	update := StatusUpdate{
		TaskID: taskID, DeviceID: req.DeviceID, SessionID: req.SessionID,
		Status: status, Result: result, Error: errMsg, Notify: req.Notify, Speak: req.Speak,
	}
	if s.opts.Callback == nil {
		return
	}

	ctx := context.Background()
	var lastErr error
	for attempt := 0; attempt <= s.opts.StatusRetryCount; attempt++ {
		if attempt > 0 {
			time.Sleep(s.opts.StatusRetryBackoff * time.Duration(attempt))
		}
		if err := s.opts.Callback(ctx, update); err == nil {
			return
		} else {
			lastErr = err
		}
	}

	payload, _ := json.Marshal(update)
	if err := s.opts.Store.EnqueuePush(ctx, taskID, payload); err != nil {
		s.log.Error().Err(err).Str("task_id", taskID).Msg("durable push-queue fallback failed")
		return
	}
	s.log.Warn().Err(lastErr).Str("task_id", taskID).Msg("status push exhausted retries, queued for later delivery")
}

// FlushPendingUpdates replays queued pushes for a device/session in order.
// It runs on demand (the control API's flush endpoint); nothing calls it
// periodically.
func (s *Service) FlushPendingUpdates(ctx context.Context, deviceID, sessionID string) error {
	if s.opts.Callback == nil {
		return nil
	}
	due, err := s.opts.Store.DuePushes(ctx, 100)
	if err != nil {
		return fmt.Errorf("digitaltask: load due pushes: %w", err)
	}

	for _, entry := range due {
		var update StatusUpdate
		if err := json.Unmarshal(entry.Payload, &update); err != nil {
			s.log.Warn().Err(err).Int64("push_id", entry.ID).Msg("skipping malformed push-queue entry")
			continue
		}
		if update.DeviceID != deviceID || (sessionID != "" && update.SessionID != sessionID) {
			continue
		}

		if err := s.opts.Callback(ctx, update); err != nil {
			backoff := s.opts.StatusRetryBackoff * time.Duration(1<<uint(minInt(entry.Attempts, 10)))
			if backoff > 10*time.Minute {
				backoff = 10 * time.Minute
			}
			_ = s.opts.Store.RecordPushFailure(ctx, entry.ID, backoff, err.Error())
			continue
		}
		_ = s.opts.Store.DeletePush(ctx, entry.ID)
	}
	return nil
}

// RecoverNonTerminal re-enqueues tasks left pending/running by a crash,
// each with the push context it was submitted with. A task that cannot get
// a concurrency slot at startup is marked failed instead of blocking boot.
func (s *Service) RecoverNonTerminal(ctx context.Context) error {
	rows, err := s.opts.Store.NonTerminalTasks(ctx)
	if err != nil {
		return fmt.Errorf("digitaltask: load non-terminal tasks: %w", err)
	}
	for _, r := range rows {
		req := Request{
			DeviceID:  r.DeviceID,
			SessionID: r.SessionID,
			Directive: r.Directive,
			Timeout:   s.opts.DefaultTimeout,
		}
		if len(r.PushContext) > 0 {
			var pc PushContext
			if json.Unmarshal(r.PushContext, &pc) == nil {
				req.Notify, req.Speak, req.InterruptPrevious = pc.Notify, pc.Speak, pc.InterruptPrevious
			}
		}

		select {
		case s.sem <- struct{}{}:
		default:
			if err := s.opts.Store.FinishTask(ctx, r.ID, StatusFailed, nil, "not recovered, concurrency limit reached at startup"); err != nil {
				s.log.Error().Err(err).Str("task_id", r.ID).Msg("crash-recovery finish failed")
			}
			continue
		}

		taskCtx, cancel := context.WithTimeout(context.Background(), req.Timeout)
		s.mu.Lock()
		s.cancels[r.ID] = cancel
		s.byDevice[req.DeviceID] = r.ID
		s.mu.Unlock()

		s.log.Info().Str("task_id", r.ID).Str("device_id", r.DeviceID).Msg("re-enqueued task after restart")
		go s.run(taskCtx, cancel, r.ID, req)
	}
	return nil
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func newTaskID() string {
	b := make([]byte, 12)
	_, _ = rand.Read(b)
	return "task_" + hex.EncodeToString(b)
}

// ToolExecutor is a three-stage Executor: it first attempts the directive
// through MCP-only tools, falls back to a broader web/exec toolset if the
// MCP-only attempt reports no_tool_used or mcp_fallback_required, and as a
// last resort asks the model for a freeform answer with no tools at all so
// a directive never comes back completely empty-handed.
type ToolExecutor struct {
	LLM           agent.LLMClient
	MCPTools      []string
	FallbackTools []string
}

func needsFallback(reason string) bool {
	return reason == "no_tool_used" || reason == "mcp_fallback_required"
}

// Execute implements Executor.
func (e *ToolExecutor) Execute(ctx context.Context, req Request) (json.RawMessage, error) {
	path := "mcp"
	resp, err := e.LLM.Chat(ctx, agent.ChatRequest{
		Transcript:     req.Directive,
		AllowedTools:   e.MCPTools,
		RequireToolUse: true,
	})
	if err != nil {
		return nil, fmt.Errorf("digitaltask: mcp-stage chat: %w", err)
	}

	if needsFallback(resp.StopReason) {
		path = "fallback"
		resp, err = e.LLM.Chat(ctx, agent.ChatRequest{
			Transcript:     req.Directive,
			AllowedTools:   e.FallbackTools,
			RequireToolUse: true,
		})
		if err != nil {
			return nil, fmt.Errorf("digitaltask: fallback-stage chat: %w", err)
		}
	}

	if needsFallback(resp.StopReason) {
		path = "freeform"
		resp, err = e.LLM.Chat(ctx, agent.ChatRequest{
			Transcript:     req.Directive,
			RequireToolUse: false,
		})
		if err != nil {
			return nil, fmt.Errorf("digitaltask: freeform-stage chat: %w", err)
		}
	}

	return json.Marshal(map[string]any{
		"text":            resp.Text,
		"tool_calls":      resp.ToolCalls,
		"stop_reason":     resp.StopReason,
		"execution_path":  path,
	})
}
