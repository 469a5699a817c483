// Package agent runs the per-turn orchestrator. One Step turns the current
// thread state into a packed prompt, a routed model call and a bounded tool
// loop, then persists the reply and hands it to the channel dispatcher. Every
// phase leaves events in the audit trail under the step's trace.
package agent

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"maestro/internal/eventlog"
	"maestro/internal/fault"
	"maestro/internal/memory"
	"maestro/internal/notify"
	"maestro/internal/observability"
	"maestro/internal/provider"
	"maestro/internal/runner"
	"maestro/internal/store"
	"maestro/internal/tools"
	"maestro/pkg/models"
)

// Defaults for the tunables in Config.
const (
	DefaultTokenBudget = 8000
	DefaultTailLimit   = 24
	DefaultMemoryTopK  = 6
	DefaultMaxTokens   = 1024
)

// DefaultSystemPrompt is the base system context when none is configured.
const DefaultSystemPrompt = "You are Maestro, a personal assistant that " +
	"manages conversations, schedules and tools on the user's behalf. " +
	"Be concise. Use tools when they help and say what you did with them."

// ModelRouter is the generation surface a step drives; *provider.Router
// satisfies it.
type ModelRouter interface {
	Generate(ctx context.Context, req provider.Request) (*provider.Result, error)
	HealthCheck(ctx context.Context) provider.Health
}

// TaskSender enqueues follow-up work; *runner.Runner satisfies it.
type TaskSender interface {
	SendTask(name string, kwargs map[string]any, queue ...string) bool
}

// Deps are the collaborating services a step drives. All fields are
// required except Notifier, which may be nil when no UI listens.
type Deps struct {
	Store    *store.Store
	Events   *eventlog.Log
	Memory   *memory.Service
	Router   ModelRouter
	Tools    *tools.Runtime
	Sender   TaskSender
	Notifier *notify.Notifier
}

// Config tunes prompt packing and generation. Zero values fall back to the
// package defaults.
type Config struct {
	// SystemPrompt is the fixed head of every packed prompt.
	SystemPrompt string
	// TokenBudget bounds the packed prompt size.
	TokenBudget int
	// TailLimit caps how many trailing messages are loaded per step.
	TailLimit int
	// MemoryTopK caps the memory hits retrieved per step.
	MemoryTopK int
	// MaxTokens caps each completion; lanes apply their own default on zero.
	MaxTokens int
	// Temperature is passed through to the lanes; zero means lane default.
	Temperature float64
}

func (c Config) withDefaults() Config {
	if c.SystemPrompt == "" {
		c.SystemPrompt = DefaultSystemPrompt
	}
	if c.TokenBudget <= 0 {
		c.TokenBudget = DefaultTokenBudget
	}
	if c.TailLimit <= 0 {
		c.TailLimit = DefaultTailLimit
	}
	if c.MemoryTopK <= 0 {
		c.MemoryTopK = DefaultMemoryTopK
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = DefaultMaxTokens
	}
	return c
}

// Orchestrator executes agent steps. Safe for concurrent use; concurrent
// steps on the same (thread, trace) pair collapse into one.
type Orchestrator struct {
	deps    Deps
	cfg     Config
	metrics *observability.Metrics
	tracer  *observability.Tracer
	logger  *slog.Logger
	now     func() time.Time

	mu       sync.Mutex
	inflight map[string]struct{}
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger; the default discards output.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger.With("component", "agent")
		}
	}
}

// WithMetrics wires the shared collectors.
func WithMetrics(m *observability.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithTracer wires span export for steps.
func WithTracer(t *observability.Tracer) Option {
	return func(o *Orchestrator) { o.tracer = t }
}

// WithNow overrides the clock, for tests.
func WithNow(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// New builds an Orchestrator over its collaborators.
func New(deps Deps, cfg Config, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		deps:     deps,
		cfg:      cfg.withDefaults(),
		logger:   nopLogger,
		now:      time.Now,
		inflight: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// TaskHandler adapts Step to the runner's kwargs convention. Scheduled runs
// carry a "prompt" kwarg in their payload; it is appended to the thread as
// the inbound user message before the step runs.
func (o *Orchestrator) TaskHandler() runner.Handler {
	return func(ctx context.Context, kwargs map[string]any) error {
		threadID, _ := kwargs["thread_id"].(string)
		if threadID == "" {
			return fault.Config("agent_step requires thread_id", nil)
		}
		traceID, _ := kwargs["trace_id"].(string)
		actorID, _ := kwargs["actor_id"].(string)
		if prompt, ok := kwargs["prompt"].(string); ok && prompt != "" {
			if _, err := o.deps.Store.AppendMessage(ctx, store.MessageInput{
				ThreadID: threadID,
				Role:     models.RoleUser,
				Content:  prompt,
				ActorID:  actorID,
			}); err != nil {
				return err
			}
		}
		return o.Step(ctx, traceID, threadID, actorID)
	}
}

// Delegate returns the session_send implementation: ensure the session with
// the target agent, route the message into the session thread, and queue the
// worker's step on the same trace.
func (o *Orchestrator) Delegate() tools.Delegate {
	return func(ctx context.Context, call tools.Call, toAgentID, message string) (map[string]any, error) {
		if toAgentID == "" || message == "" {
			return nil, fault.Tool("session_send requires to_agent_id and message", nil)
		}
		home, err := o.deps.Store.GetThread(ctx, call.ThreadID)
		if err != nil {
			return nil, fault.Tool("resolve delegating thread", err)
		}
		ses, err := o.deps.Store.EnsureSession(ctx, call.Caller, toAgentID, home.UserID, home.ChannelID)
		if err != nil {
			return nil, fault.Tool("ensure session", err)
		}
		msg, err := o.deps.Store.AppendMessage(ctx, store.MessageInput{
			ThreadID: ses.ThreadID,
			Role:     models.RoleAgent,
			Content:  message,
			ActorID:  call.Caller,
		})
		if err != nil {
			return nil, fault.Tool("route message", err)
		}
		o.emit(ctx, call.TraceID, ses.ThreadID, call.Caller, "agent.delegate", map[string]any{
			"from":        call.Caller,
			"to_agent_id": toAgentID,
			"session_id":  ses.ID,
		})
		o.emit(ctx, call.TraceID, ses.ThreadID, call.Caller, "agent.message", map[string]any{
			"from":        call.Caller,
			"to_agent_id": toAgentID,
			"message_id":  msg.ID,
			"text":        message,
		})
		if !o.deps.Sender.SendTask(runner.TaskAgentStep, map[string]any{
			"trace_id":  call.TraceID,
			"thread_id": ses.ThreadID,
			"actor_id":  toAgentID,
		}) {
			return nil, fault.Tool("queue worker step for "+toAgentID, nil)
		}
		o.logger.Info("delegated to worker agent",
			"from", call.Caller, "to", toAgentID, "session_id", ses.ID)
		return map[string]any{
			"session_id": ses.ID,
			"thread_id":  ses.ThreadID,
			"message_id": msg.ID,
			"queued":     true,
		}, nil
	}
}

// emit writes one agent-component event; failures are logged, never fatal to
// the step that emitted them.
func (o *Orchestrator) emit(ctx context.Context, traceID, threadID, actorID, eventType string, payload map[string]any) {
	if _, err := o.deps.Events.Emit(ctx, models.EventInput{
		TraceID:   traceID,
		ThreadID:  threadID,
		EventType: eventType,
		Component: "agent",
		ActorType: models.ActorAgent,
		ActorID:   actorID,
		Payload:   payload,
	}); err != nil {
		o.logger.Error("emit failed",
			"event_type", eventType, "trace_id", traceID, "error", err)
	}
}

// notice publishes a UI notice when a notifier is wired.
func (o *Orchestrator) notice(kind, threadID, traceID string, payload map[string]any) {
	if o.deps.Notifier == nil {
		return
	}
	o.deps.Notifier.Publish(notify.Notice{
		Kind:     kind,
		ThreadID: threadID,
		TraceID:  traceID,
		Payload:  payload,
	})
}

var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }
