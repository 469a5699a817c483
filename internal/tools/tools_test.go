package tools

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"maestro/pkg/models"
)

func nopHandler(ctx context.Context, call Call) (map[string]any, error) {
	return map[string]any{}, nil
}

func TestRegisterRequiresNameAndHandler(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(Tool{Handler: nopHandler}); err == nil {
		t.Fatalf("Register() without name succeeded")
	}
	if err := r.Register(Tool{Name: "x"}); err == nil {
		t.Fatalf("Register() without handler succeeded")
	}
}

func TestRegisterRejectsBadSchema(t *testing.T) {
	r := NewRegistry()
	err := r.Register(Tool{
		Name:    "broken",
		Schema:  json.RawMessage(`{"type": 42}`),
		Handler: nopHandler,
	})
	if err == nil {
		t.Fatalf("Register() with malformed schema succeeded")
	}
}

func TestRegisterDefaults(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(Tool{Name: "bare", Handler: nopHandler}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	info, ok := r.Lookup("bare")
	if !ok {
		t.Fatalf("Lookup() did not find registered tool")
	}
	if info.Risk != models.RiskLow {
		t.Fatalf("default risk = %q, want low", info.Risk)
	}
	// The permissive default schema accepts anything.
	if err := r.validate("bare", map[string]any{"whatever": 1}); err != nil {
		t.Fatalf("validate() with default schema error = %v", err)
	}
}

func TestLookupUnknown(t *testing.T) {
	r := NewRegistry()
	if _, ok := r.Lookup("ghost"); ok {
		t.Fatalf("Lookup(ghost) = true")
	}
}

func TestListSortedByName(t *testing.T) {
	r := NewRegistry()
	for _, name := range []string{"zeta", "alpha", "mid"} {
		if err := r.Register(Tool{Name: name, Handler: nopHandler}); err != nil {
			t.Fatalf("Register(%s) error = %v", name, err)
		}
	}
	list := r.List()
	if len(list) != 3 {
		t.Fatalf("List() len = %d, want 3", len(list))
	}
	want := []string{"alpha", "mid", "zeta"}
	for i, tool := range list {
		if tool.Name != want[i] {
			t.Fatalf("List()[%d] = %q, want %q", i, tool.Name, want[i])
		}
	}
}

func TestValidateEnforcesSchema(t *testing.T) {
	type args struct {
		Name  string `json:"name"`
		Count int    `json:"count,omitempty"`
	}
	r := NewRegistry()
	if err := r.Register(Tool{
		Name:    "typed",
		Schema:  mustSchema(&args{}),
		Handler: nopHandler,
	}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	if err := r.validate("typed", map[string]any{"name": "ok", "count": 3}); err != nil {
		t.Fatalf("valid args rejected: %v", err)
	}
	if err := r.validate("typed", map[string]any{"count": 3}); err == nil {
		t.Fatalf("missing required key accepted")
	}
	if err := r.validate("typed", map[string]any{"name": "ok", "extra": true}); err == nil {
		t.Fatalf("unknown key accepted")
	}
	if err := r.validate("typed", map[string]any{"name": 7}); err == nil {
		t.Fatalf("wrong type accepted")
	}
}

func TestSchemaForShape(t *testing.T) {
	type args struct {
		Command string `json:"command" jsonschema:"description=What to run"`
		Cwd     string `json:"cwd,omitempty"`
	}
	raw, err := SchemaFor(&args{})
	if err != nil {
		t.Fatalf("SchemaFor() error = %v", err)
	}
	var schema struct {
		Type       string         `json:"type"`
		Required   []string       `json:"required"`
		Properties map[string]any `json:"properties"`
	}
	if err := json.Unmarshal(raw, &schema); err != nil {
		t.Fatalf("schema not JSON: %v", err)
	}
	if schema.Type != "object" {
		t.Fatalf("schema type = %q, want object", schema.Type)
	}
	if len(schema.Required) != 1 || schema.Required[0] != "command" {
		t.Fatalf("required = %v, want [command]", schema.Required)
	}
	if _, ok := schema.Properties["cwd"]; !ok {
		t.Fatalf("properties missing cwd: %v", schema.Properties)
	}
}

func TestDecodeArgs(t *testing.T) {
	var p struct {
		Text  string `json:"text"`
		Limit int    `json:"limit"`
	}
	err := decodeArgs(map[string]any{"text": "hi", "limit": float64(4)}, &p)
	if err != nil {
		t.Fatalf("decodeArgs() error = %v", err)
	}
	if p.Text != "hi" || p.Limit != 4 {
		t.Fatalf("decoded = %+v", p)
	}
}

func TestBuiltinsRegisterCleanly(t *testing.T) {
	r := NewRegistry()
	if err := RegisterBuiltins(r, BuiltinDeps{}); err != nil {
		t.Fatalf("RegisterBuiltins() error = %v", err)
	}
	for _, name := range []string{
		"echo", "host.exec", "host.exec.sudo",
		"memory_search", "memory_write",
		"session_list", "session_history", "session_send",
	} {
		if _, ok := r.Lookup(name); !ok {
			t.Fatalf("builtin %s not registered", name)
		}
	}
	info, _ := r.Lookup("host.exec")
	if info.Risk != models.RiskHigh {
		t.Fatalf("host.exec risk = %q, want high", info.Risk)
	}
	sudo, _ := r.Get("host.exec.sudo")
	if !sudo.Privileged {
		t.Fatalf("host.exec.sudo not privileged")
	}
	if plain, _ := r.Get("host.exec"); plain.Privileged {
		t.Fatalf("host.exec marked privileged")
	}
}

func TestBuiltinSchemasCompile(t *testing.T) {
	r := NewRegistry()
	if err := RegisterBuiltins(r, BuiltinDeps{}); err != nil {
		t.Fatalf("RegisterBuiltins() error = %v", err)
	}
	// Spot-check that the derived schemas carry requireds and descriptions.
	tool, _ := r.Get("session_send")
	if !strings.Contains(string(tool.Schema), `"to_agent_id"`) {
		t.Fatalf("session_send schema missing to_agent_id: %s", tool.Schema)
	}
	if err := r.validate("session_send", map[string]any{"message": "hi"}); err == nil {
		t.Fatalf("session_send without to_agent_id accepted")
	}
	if err := r.validate("host.exec", map[string]any{"command": "ls", "timeout_seconds": -1}); err == nil {
		t.Fatalf("negative timeout accepted")
	}
}
