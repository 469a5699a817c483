// Package tools owns the registered tool set and the audited runtime that
// executes it. Every invocation passes through the policy engine and leaves a
// tool.call.start / tool.call.end pair in the event log; arguments are
// validated against each tool's JSON Schema right before the handler runs.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"maestro/internal/policy"
	"maestro/pkg/models"
)

// Call carries one validated invocation into a handler.
type Call struct {
	Args     map[string]any
	Caller   string
	TraceID  string
	ThreadID string
	SpanID   string
}

// Handler runs one tool call. The returned map is embedded into the
// terminating tool.call.end event and handed back to the caller.
type Handler func(ctx context.Context, call Call) (map[string]any, error)

// Tool is one registered capability.
type Tool struct {
	Name        string
	Description string
	Risk        models.RiskTier
	// Privileged tools consume a single-use approval row on top of the
	// policy decision.
	Privileged bool
	Schema     json.RawMessage
	Handler    Handler
}

type registered struct {
	tool     Tool
	compiled *jsonschema.Schema
}

// Registry is the thread-safe tool catalog. It satisfies policy.Registry so
// the engine can resolve risk tiers for registered names.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]registered
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]registered)}
}

// Register adds or replaces a tool. The schema is compiled eagerly so a
// malformed declaration fails at wiring time, not mid-conversation.
func (r *Registry) Register(t Tool) error {
	if t.Name == "" {
		return fmt.Errorf("register tool: name required")
	}
	if t.Handler == nil {
		return fmt.Errorf("register %s: handler required", t.Name)
	}
	if t.Risk == "" {
		t.Risk = models.RiskLow
	}
	if len(t.Schema) == 0 {
		t.Schema = json.RawMessage(`{"type":"object"}`)
	}
	compiled, err := jsonschema.CompileString(t.Name+".schema.json", string(t.Schema))
	if err != nil {
		return fmt.Errorf("compile %s schema: %w", t.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name] = registered{tool: t, compiled: compiled}
	return nil
}

// Lookup implements policy.Registry.
func (r *Registry) Lookup(name string) (policy.ToolInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.tools[name]
	if !ok {
		return policy.ToolInfo{}, false
	}
	return policy.ToolInfo{Name: reg.tool.Name, Risk: reg.tool.Risk}, true
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.tools[name]
	return reg.tool, ok
}

// List returns all registered tools sorted by name, for handing to a model.
func (r *Registry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tool, 0, len(r.tools))
	for _, reg := range r.tools {
		out = append(out, reg.tool)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// validate checks args against the tool's compiled schema. The args are
// round-tripped through JSON first so the validator always sees plain
// decoded values regardless of how the map was built.
func (r *Registry) validate(name string, args map[string]any) error {
	r.mu.RLock()
	reg, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("tool %s not registered", name)
	}
	if args == nil {
		args = map[string]any{}
	}
	payload, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("encode args: %w", err)
	}
	var decoded any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return fmt.Errorf("decode args: %w", err)
	}
	if err := reg.compiled.Validate(decoded); err != nil {
		return err
	}
	return nil
}

// decodeArgs unmarshals a call's argument map into a typed params struct.
func decodeArgs(args map[string]any, v any) error {
	payload, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("encode args: %w", err)
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("decode args: %w", err)
	}
	return nil
}
