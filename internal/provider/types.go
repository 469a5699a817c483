// Package provider routes generation requests across a primary hosted model
// and an OpenAI-compatible fallback lane. Low-priority work is shed instead
// of queued when the fallback's local queue runs deep, and quota trouble on
// the primary opens a cooldown window so interactive traffic fails over fast.
package provider

import (
	"context"
	"encoding/json"
)

// Lane labels which upstream served a request. The values appear verbatim in
// model.run.* events and metrics labels.
const (
	LanePrimary  = "primary"
	LaneFallback = "fallback"
)

// Priorities for generation requests. Scheduled runs and worker agents send
// PriorityLow; the interactive main agent sends PriorityNormal.
const (
	PriorityNormal = "normal"
	PriorityLow    = "low"
)

// Message is one provider-bound conversation turn. Tool results ride on user
// turns the way both upstream APIs expect them.
type Message struct {
	Role        string
	Content     string
	ToolCalls   []ToolCall
	ToolResults []ToolResult
}

// ToolCall is a model-requested tool invocation.
type ToolCall struct {
	ID   string
	Name string
	Args map[string]any
}

// ToolResult carries a tool outcome back to the model.
type ToolResult struct {
	ToolCallID string
	Content    string
	IsError    bool
}

// ToolDef advertises one callable tool to the model.
type ToolDef struct {
	Name        string
	Description string
	Schema      json.RawMessage
}

// Request is one generation turn.
type Request struct {
	System      string
	Messages    []Message
	Tools       []ToolDef
	Temperature float64
	MaxTokens   int
	// Priority is PriorityNormal or PriorityLow; empty means normal.
	Priority string
}

// Usage is the token accounting reported by the upstream.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Response is one completed generation.
type Response struct {
	Text       string
	ToolCalls  []ToolCall
	StopReason string
	Usage      Usage
	Model      string
}

// Generator is a single upstream model endpoint. Implementations must be
// safe for concurrent use.
type Generator interface {
	Name() string
	Generate(ctx context.Context, req Request) (*Response, error)
	// Probe verifies reachability and credentials with a minimal request.
	Probe(ctx context.Context) error
}
