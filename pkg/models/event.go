package models

import "time"

// ActorType distinguishes who produced an event.
type ActorType string

const (
	ActorAgent  ActorType = "agent"
	ActorSystem ActorType = "system"
	ActorUser   ActorType = "user"
)

// Event is one append-only audit record. Once written it is never mutated;
// only the retention maintenance task may delete it (together with its
// derived text and vector rows).
type Event struct {
	ID           string         `json:"id"`
	TraceID      string         `json:"trace_id"`
	SpanID       string         `json:"span_id"`
	ParentSpanID string         `json:"parent_span_id,omitempty"`
	ThreadID     string         `json:"thread_id,omitempty"`
	EventType    string         `json:"event_type"`
	Component    string         `json:"component"`
	ActorType    ActorType      `json:"actor_type"`
	ActorID      string         `json:"actor_id"`
	Payload      map[string]any `json:"payload"`
	// PayloadRedacted is Payload with sensitive keys masked. Logs, indexes
	// and anything user-visible read this field, never Payload.
	PayloadRedacted map[string]any `json:"payload_redacted"`
	CreatedAt       time.Time      `json:"created_at"`
}

// EventInput is what callers hand to the event log; ids and redaction are
// filled in on emit.
type EventInput struct {
	TraceID      string
	SpanID       string
	ParentSpanID string
	ThreadID     string
	EventType    string
	Component    string
	ActorType    ActorType
	ActorID      string
	Payload      map[string]any
}

// FailureCapsule summarizes the root cause of a failed agent step, keyed by
// the trace that failed.
type FailureCapsule struct {
	ID        string    `json:"id"`
	TraceID   string    `json:"trace_id"`
	ThreadID  string    `json:"thread_id,omitempty"`
	Summary   string    `json:"summary"`
	ErrorKind string    `json:"error_kind"`
	CreatedAt time.Time `json:"created_at"`
}
