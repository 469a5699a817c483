// Package eventlog owns the append-only audit trail. Every component funnels
// its events through Emit, which assigns ids, masks sensitive payload keys,
// enforces the mandatory payload shapes for sensitive event families, and
// writes the event together with its search index rows in one transaction.
package eventlog

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"maestro/internal/embed"
	"maestro/internal/ids"
	"maestro/internal/observability"
	"maestro/internal/store"
	"maestro/pkg/models"
)

// Log emits and indexes audit events.
type Log struct {
	store    *store.Store
	embedder embed.Provider
	metrics  *observability.Metrics
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures a Log.
type Option func(*Log)

// WithEmbedder sets the provider used to vector-index event text. Without
// one, events are still FTS-indexed but carry no embedding.
func WithEmbedder(p embed.Provider) Option {
	return func(l *Log) { l.embedder = p }
}

// WithMetrics wires the shared collectors.
func WithMetrics(m *observability.Metrics) Option {
	return func(l *Log) { l.metrics = m }
}

// WithLogger sets the logger; the default discards output.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Log) {
		if logger != nil {
			l.logger = logger.With("component", "eventlog")
		}
	}
}

// WithNow overrides the clock, for tests.
func WithNow(now func() time.Time) Option {
	return func(l *Log) {
		if now != nil {
			l.now = now
		}
	}
}

// New builds a Log on top of the store.
func New(st *store.Store, opts ...Option) *Log {
	l := &Log{
		store:  st,
		logger: nopLogger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Emit persists one event and returns its id. Missing trace and span ids are
// generated; the payload is envelope-filled and redacted before anything is
// written. When the redacted payload carries a non-empty "text" string the
// event is also FTS-indexed and, if an embedder is configured, vector-indexed
// in the same transaction.
func (l *Log) Emit(ctx context.Context, in models.EventInput) (string, error) {
	if in.EventType == "" {
		return "", fmt.Errorf("emit: event type required")
	}
	if in.TraceID == "" {
		in.TraceID = ids.NewTrace()
	}
	if in.SpanID == "" {
		in.SpanID = ids.NewSpan()
	}
	if in.ActorType == "" {
		in.ActorType = models.ActorSystem
	}

	payload := in.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	payload = applyEnvelope(in.EventType, in.TraceID, payload)
	redacted := Redact(payload)

	ev := models.Event{
		ID:              ids.NewEvent(),
		TraceID:         in.TraceID,
		SpanID:          in.SpanID,
		ParentSpanID:    in.ParentSpanID,
		ThreadID:        in.ThreadID,
		EventType:       in.EventType,
		Component:       in.Component,
		ActorType:       in.ActorType,
		ActorID:         in.ActorID,
		Payload:         payload,
		PayloadRedacted: redacted,
		CreatedAt:       l.now().UTC(),
	}

	text := indexText(redacted)
	var encoded []byte
	if text != "" && l.embedder != nil {
		vec, err := l.embedder.Embed(ctx, text)
		if err != nil {
			// The log must never lose an event over a vector; FTS still works.
			l.logger.Warn("embed event text failed",
				"event_type", ev.EventType, "error", err)
		} else {
			encoded = embed.Encode(vec)
		}
	}

	if err := l.store.InsertEvent(ctx, ev, text, encoded); err != nil {
		return "", fmt.Errorf("emit %s: %w", in.EventType, err)
	}
	l.metrics.RecordEvent(ev.Component)
	l.logger.Debug("event emitted",
		"event_id", ev.ID, "event_type", ev.EventType, "trace_id", ev.TraceID)
	return ev.ID, nil
}

// indexText pulls the searchable text out of a redacted payload.
func indexText(redacted map[string]any) string {
	s, _ := redacted["text"].(string)
	return s
}

// Prune deletes events older than the retention window together with their
// text, FTS and vector rows. Returns the number of events removed.
func (l *Log) Prune(ctx context.Context, retention time.Duration) (int, error) {
	cutoff := l.now().UTC().Add(-retention)
	n, err := l.store.PruneEventsBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune events: %w", err)
	}
	if n > 0 {
		l.logger.Info("pruned events", "removed", n, "cutoff", cutoff)
	}
	return n, nil
}

// RecordFailure writes a failure capsule for the trace and emits the paired
// failure_capsule.created event. The capsule is what failure_capsule.lookup
// retrieves when a user asks what went wrong.
func (l *Log) RecordFailure(ctx context.Context, traceID, threadID, summary, errorKind string) (string, error) {
	c := models.FailureCapsule{
		ID:        ids.NewCapsule(),
		TraceID:   traceID,
		ThreadID:  threadID,
		Summary:   summary,
		ErrorKind: errorKind,
		CreatedAt: l.now().UTC(),
	}
	if err := l.store.InsertFailureCapsule(ctx, c); err != nil {
		return "", fmt.Errorf("record failure: %w", err)
	}
	_, err := l.Emit(ctx, models.EventInput{
		TraceID:   traceID,
		ThreadID:  threadID,
		EventType: "failure_capsule.created",
		Component: "eventlog",
		ActorType: models.ActorSystem,
		ActorID:   "system",
		Payload: map[string]any{
			"capsule_id": c.ID,
			"error_kind": errorKind,
			"text":       summary,
		},
	})
	if err != nil {
		return "", err
	}
	return c.ID, nil
}

var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }
