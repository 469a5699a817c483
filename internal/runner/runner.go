// Package runner executes named background tasks on a bounded goroutine
// pool and drives the periodic entries that feed it. Dispatch is
// fire-and-forget: a handler failure is logged and counted, never
// propagated to the sender.
package runner

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"maestro/internal/observability"
)

// DefaultMaxConcurrent bounds handler parallelism when no explicit
// limit is configured.
const DefaultMaxConcurrent = 8

// Task names shared between the components that enqueue work and the
// components that register the handlers.
const (
	// TaskAgentStep is one orchestrator turn. The schedule evaluator and
	// channel ingress both enqueue it.
	TaskAgentStep = "agent_step"
	// TaskChannelSend delivers one assistant message through its channel
	// adapter. The orchestrator enqueues it after appending a reply.
	TaskChannelSend = "send_channel_message"
)

// Handler processes one dispatched task. The context is canceled when
// the runner gives up on a drain during shutdown.
type Handler func(ctx context.Context, kwargs map[string]any) error

// Runner dispatches named tasks onto goroutines, at most maxConcurrent
// at a time. Sends after Shutdown begins are refused.
type Runner struct {
	sem     chan struct{}
	metrics *observability.Metrics
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	handlers map[string]Handler
	closed   bool
	wg       sync.WaitGroup
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the logger; the default discards output.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger.With("component", "runner")
		}
	}
}

// WithMetrics wires the shared collectors.
func WithMetrics(m *observability.Metrics) Option {
	return func(r *Runner) { r.metrics = m }
}

// New builds a Runner that executes at most maxConcurrent handlers at
// once. Values below 1 are clamped to DefaultMaxConcurrent.
func New(maxConcurrent int, opts ...Option) *Runner {
	if maxConcurrent < 1 {
		maxConcurrent = DefaultMaxConcurrent
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Runner{
		sem:      make(chan struct{}, maxConcurrent),
		logger:   nopLogger,
		ctx:      ctx,
		cancel:   cancel,
		handlers: make(map[string]Handler),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register binds a handler to a task name. Registering the same name
// again replaces the previous handler.
func (r *Runner) Register(name string, h Handler) {
	if name == "" || h == nil {
		r.logger.Warn("ignoring invalid task registration", "task", name)
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = h
}

// SendTask dispatches one task asynchronously. The optional queue label
// is advisory and only travels into logs. It reports false when the
// runner is shutting down or the name has no registered handler; the
// caller decides whether that is worth retrying.
func (r *Runner) SendTask(name string, kwargs map[string]any, queue ...string) bool {
	label := ""
	if len(queue) > 0 {
		label = queue[0]
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		r.logger.Debug("task refused during shutdown", "task", name)
		r.metrics.RecordTask(name, "rejected")
		return false
	}
	h, ok := r.handlers[name]
	if !ok {
		r.mu.Unlock()
		r.logger.Warn("task not registered", "task", name)
		r.metrics.RecordTask(name, "rejected")
		return false
	}
	// Add while holding the lock so Shutdown cannot start draining
	// between the closed check and the goroutine spawn.
	r.wg.Add(1)
	r.mu.Unlock()

	r.logger.Debug("task dispatched", "task", name, "queue", label)
	go func() {
		defer r.wg.Done()
		select {
		case r.sem <- struct{}{}:
		case <-r.ctx.Done():
			r.metrics.RecordTask(name, "canceled")
			return
		}
		defer func() { <-r.sem }()
		r.execute(name, h, kwargs)
	}()
	return true
}

// Shutdown refuses new sends, waits up to timeout for in-flight
// handlers to finish, then cancels whatever remains. Safe to call more
// than once.
func (r *Runner) Shutdown(timeout time.Duration) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.mu.Unlock()

	r.logger.Info("task runner shutting down", "timeout", timeout)

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		r.logger.Debug("task runner drained")
	case <-time.After(timeout):
		r.logger.Warn("drain timeout elapsed, canceling remaining tasks")
	}
	r.cancel()
}

func (r *Runner) execute(name string, h Handler, kwargs map[string]any) {
	r.metrics.TaskStarted()
	started := time.Now()
	status := "ok"
	defer func() {
		if rec := recover(); rec != nil {
			status = "panic"
			r.logger.Error("task handler panicked", "task", name, "panic", rec)
		}
		r.metrics.RecordTask(name, status)
		r.metrics.TaskFinished()
		r.logger.Debug("task finished", "task", name, "status", status, "duration", time.Since(started))
	}()

	if err := h(r.ctx, kwargs); err != nil {
		status = "error"
		r.logger.Warn("task handler failed", "task", name, "error", err)
	}
}

var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }
