package tools

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"maestro/internal/eventlog"
	"maestro/internal/fault"
	"maestro/internal/ids"
	"maestro/internal/observability"
	"maestro/internal/policy"
	"maestro/internal/store"
	"maestro/pkg/models"
)

// Request is one tool invocation as seen by the runtime.
type Request struct {
	Tool         string
	Args         map[string]any
	Caller       string
	TraceID      string
	ThreadID     string
	ParentSpanID string
}

// Runtime executes registered tools under policy. Each call allocates a span,
// is bracketed by tool.call.start / tool.call.end events, and records one
// execution metric; denial and error paths emit the same terminating event so
// every start has a matching end.
type Runtime struct {
	registry *Registry
	engine   *policy.Engine
	store    *store.Store
	events   *eventlog.Log
	metrics  *observability.Metrics
	tracer   *observability.Tracer
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithMetrics wires the shared collectors.
func WithMetrics(m *observability.Metrics) Option {
	return func(rt *Runtime) { rt.metrics = m }
}

// WithTracer wires span export for tool executions.
func WithTracer(t *observability.Tracer) Option {
	return func(rt *Runtime) { rt.tracer = t }
}

// WithLogger sets the logger; the default discards output.
func WithLogger(logger *slog.Logger) Option {
	return func(rt *Runtime) {
		if logger != nil {
			rt.logger = logger.With("component", "tools")
		}
	}
}

// WithNow overrides the clock, for tests.
func WithNow(now func() time.Time) Option {
	return func(rt *Runtime) {
		if now != nil {
			rt.now = now
		}
	}
}

// NewRuntime builds a Runtime over the registry, policy engine and store.
func NewRuntime(registry *Registry, engine *policy.Engine, st *store.Store, events *eventlog.Log, opts ...Option) *Runtime {
	rt := &Runtime{
		registry: registry,
		engine:   engine,
		store:    st,
		events:   events,
		logger:   nopLogger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(rt)
	}
	return rt
}

// Registry returns the tool catalog the runtime executes from.
func (rt *Runtime) Registry() *Registry { return rt.registry }

// Execute runs one tool call through the full audited sequence: span
// allocation, start event, policy decision, approval consumption for
// privileged tools, argument validation, handler execution with panic
// recovery, and the terminating end event carrying the result.
func (rt *Runtime) Execute(ctx context.Context, req Request) (out map[string]any, err error) {
	started := rt.now()
	spanID := ids.NewSpan()
	args := req.Args
	if args == nil {
		args = map[string]any{}
	}

	ctx, span := rt.tracer.Start(ctx, "tool.execute",
		attribute.String("tool", req.Tool),
		attribute.String("actor", req.Caller))
	defer func() {
		rt.tracer.RecordError(span, err)
		span.End()
	}()

	if _, err := rt.events.Emit(ctx, models.EventInput{
		TraceID:      req.TraceID,
		SpanID:       spanID,
		ParentSpanID: req.ParentSpanID,
		ThreadID:     req.ThreadID,
		EventType:    "tool.call.start",
		Component:    "tools",
		ActorType:    models.ActorAgent,
		ActorID:      req.Caller,
		Payload:      map[string]any{"tool": req.Tool, "args": args},
	}); err != nil {
		return nil, fault.Tool("emit tool.call.start", err)
	}

	// The engine resolves unknown tools, lockdown and the governance caps
	// itself and emits the policy.decision event for every outcome.
	decision, err := rt.engine.Decide(ctx, policy.Request{
		Principal:    req.Caller,
		Tool:         req.Tool,
		Args:         args,
		TraceID:      req.TraceID,
		ThreadID:     req.ThreadID,
		ParentSpanID: spanID,
	})
	if err != nil {
		rt.finish(ctx, req, spanID, started, "error",
			map[string]any{"status": "error", "error": err.Error()})
		return nil, fault.Tool("policy decision", err)
	}
	if !decision.Allowed {
		rt.finish(ctx, req, spanID, started, "denied",
			map[string]any{"status": "denied", "rule": decision.Rule})
		return nil, fault.Policy(decision.Rule)
	}

	tool, ok := rt.registry.Get(req.Tool)
	if !ok {
		// The decision saw the tool but it vanished before the lookup.
		rt.finish(ctx, req, spanID, started, "denied",
			map[string]any{"status": "denied", "rule": policy.RuleUnknownTool})
		return nil, fault.Policy(policy.RuleUnknownTool)
	}

	if tool.Privileged {
		consumed, err := rt.store.ConsumeApproval(ctx, req.Tool)
		if err != nil {
			rt.finish(ctx, req, spanID, started, "error",
				map[string]any{"status": "error", "error": err.Error()})
			return nil, fault.Tool("consume approval", err)
		}
		if !consumed {
			reason := "approval required: " + req.Tool
			rt.finish(ctx, req, spanID, started, "denied",
				map[string]any{"status": "denied", "rule": reason})
			return nil, fault.Policy(reason)
		}
	}

	if err := rt.registry.validate(req.Tool, args); err != nil {
		rt.finish(ctx, req, spanID, started, "error",
			map[string]any{"status": "error", "error": err.Error()})
		return nil, fault.Tool("invalid arguments for "+req.Tool, err)
	}

	out, err = rt.run(ctx, tool, Call{
		Args:     args,
		Caller:   req.Caller,
		TraceID:  req.TraceID,
		ThreadID: req.ThreadID,
		SpanID:   spanID,
	})
	if err != nil {
		rt.finish(ctx, req, spanID, started, "error",
			map[string]any{"status": "error", "error": err.Error()})
		return nil, err
	}

	result := map[string]any{"status": "ok"}
	for k, v := range out {
		if k == "status" {
			continue
		}
		result[k] = v
	}
	rt.finish(ctx, req, spanID, started, "ok", result)
	return out, nil
}

// run executes the handler, converting panics and untyped errors into tool
// faults so a broken handler never takes the step down with it.
func (rt *Runtime) run(ctx context.Context, tool Tool, call Call) (out map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			rt.logger.Error("tool handler panicked",
				"tool", tool.Name, "panic", r, "trace_id", call.TraceID)
			out = nil
			err = fault.Tool(fmt.Sprintf("%s panicked: %v", tool.Name, r), nil)
		}
	}()
	out, err = tool.Handler(ctx, call)
	if err != nil && !fault.IsKind(err, fault.KindTool) {
		err = fault.Tool(tool.Name+" failed", err)
	}
	return out, err
}

// finish emits the terminating tool.call.end and records the execution
// metric. Emission failures are logged, never propagated: the caller already
// has its outcome.
func (rt *Runtime) finish(ctx context.Context, req Request, spanID string, started time.Time, status string, result map[string]any) {
	if _, err := rt.events.Emit(ctx, models.EventInput{
		TraceID:      req.TraceID,
		SpanID:       spanID,
		ParentSpanID: req.ParentSpanID,
		ThreadID:     req.ThreadID,
		EventType:    "tool.call.end",
		Component:    "tools",
		ActorType:    models.ActorAgent,
		ActorID:      req.Caller,
		Payload:      map[string]any{"tool": req.Tool, "result": result},
	}); err != nil {
		rt.logger.Error("emit tool.call.end failed",
			"tool", req.Tool, "trace_id", req.TraceID, "error", err)
	}
	rt.metrics.RecordToolExecution(req.Tool, status, rt.now().Sub(started).Seconds())
}

var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }
