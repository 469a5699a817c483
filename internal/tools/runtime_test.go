package tools

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"maestro/internal/eventlog"
	"maestro/internal/fault"
	"maestro/internal/policy"
	"maestro/internal/store"
	"maestro/pkg/models"
)

func newTestRuntime(t *testing.T) (*Runtime, *store.Store) {
	t.Helper()
	var mu sync.Mutex
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	now := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		at = at.Add(time.Millisecond)
		return at
	}
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), store.WithNow(now))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { st.Close() })
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	events := eventlog.New(st, eventlog.WithNow(now))
	registry := NewRegistry()
	engine := policy.New(st, events, registry)
	return NewRuntime(registry, engine, st, events, WithNow(now)), st
}

func grant(t *testing.T, st *store.Store, principal string, tools ...string) {
	t.Helper()
	ctx := context.Background()
	if _, err := st.EnsurePrincipal(ctx, principal, models.PrincipalAgent); err != nil {
		t.Fatalf("EnsurePrincipal() error = %v", err)
	}
	for _, tool := range tools {
		if err := st.GrantPermission(ctx, principal, tool); err != nil {
			t.Fatalf("GrantPermission() error = %v", err)
		}
	}
}

func traceEvents(t *testing.T, st *store.Store, traceID string) []models.Event {
	t.Helper()
	evs, err := st.ListTraceEvents(context.Background(), traceID)
	if err != nil {
		t.Fatalf("ListTraceEvents() error = %v", err)
	}
	return evs
}

func eventsOfType(evs []models.Event, eventType string) []models.Event {
	var out []models.Event
	for _, ev := range evs {
		if ev.EventType == eventType {
			out = append(out, ev)
		}
	}
	return out
}

func endResult(t *testing.T, ev models.Event) map[string]any {
	t.Helper()
	result, ok := ev.PayloadRedacted["result"].(map[string]any)
	if !ok {
		t.Fatalf("tool.call.end result missing: %v", ev.PayloadRedacted)
	}
	return result
}

func TestExecuteHappyPath(t *testing.T) {
	rt, st := newTestRuntime(t)
	if err := RegisterBuiltins(rt.Registry(), BuiltinDeps{}); err != nil {
		t.Fatalf("RegisterBuiltins() error = %v", err)
	}
	grant(t, st, "main", "echo")

	out, err := rt.Execute(context.Background(), Request{
		Tool:     "echo",
		Args:     map[string]any{"text": "hello"},
		Caller:   "main",
		TraceID:  "trc_happy",
		ThreadID: "thr_1",
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if out["text"] != "hello" {
		t.Fatalf("Execute() = %v, want text hello", out)
	}

	evs := traceEvents(t, st, "trc_happy")
	starts := eventsOfType(evs, "tool.call.start")
	ends := eventsOfType(evs, "tool.call.end")
	decisions := eventsOfType(evs, "policy.decision")
	if len(starts) != 1 || len(ends) != 1 || len(decisions) != 1 {
		t.Fatalf("events = %d starts, %d ends, %d decisions; want 1 each",
			len(starts), len(ends), len(decisions))
	}
	result := endResult(t, ends[0])
	if result["status"] != "ok" || result["text"] != "hello" {
		t.Fatalf("end result = %v", result)
	}
}

func TestLockdownDenialEmitsPairedEvents(t *testing.T) {
	rt, st := newTestRuntime(t)
	ctx := context.Background()
	if err := RegisterBuiltins(rt.Registry(), BuiltinDeps{}); err != nil {
		t.Fatalf("RegisterBuiltins() error = %v", err)
	}
	grant(t, st, "main", "echo")
	if err := st.SetLockdown(ctx, true, "readyz streak"); err != nil {
		t.Fatalf("SetLockdown() error = %v", err)
	}

	_, err := rt.Execute(ctx, Request{
		Tool:    "echo",
		Args:    map[string]any{"text": "hi"},
		Caller:  "main",
		TraceID: "trc_lock",
	})
	if !fault.IsKind(err, fault.KindPolicy) {
		t.Fatalf("Execute() error = %v, want policy fault", err)
	}
	var fe *fault.Error
	if !errors.As(err, &fe) || fe.Message != policy.RuleLockdown {
		t.Fatalf("denial reason = %v, want %q", err, policy.RuleLockdown)
	}

	evs := traceEvents(t, st, "trc_lock")
	starts := eventsOfType(evs, "tool.call.start")
	ends := eventsOfType(evs, "tool.call.end")
	if len(starts) != 1 || len(ends) != 1 {
		t.Fatalf("starts = %d, ends = %d; want exactly one of each", len(starts), len(ends))
	}
	result := endResult(t, ends[0])
	if result["status"] != "denied" || result["rule"] != policy.RuleLockdown {
		t.Fatalf("end result = %v", result)
	}
}

func TestUnknownToolDeniedWithPairedEvents(t *testing.T) {
	rt, st := newTestRuntime(t)
	grant(t, st, "main", "teleport")

	_, err := rt.Execute(context.Background(), Request{
		Tool:    "teleport",
		Caller:  "main",
		TraceID: "trc_unknown",
	})
	var fe *fault.Error
	if !errors.As(err, &fe) || fe.Message != policy.RuleUnknownTool {
		t.Fatalf("Execute() error = %v, want %q", err, policy.RuleUnknownTool)
	}

	evs := traceEvents(t, st, "trc_unknown")
	if n := len(eventsOfType(evs, "tool.call.start")); n != 1 {
		t.Fatalf("starts = %d, want 1", n)
	}
	if n := len(eventsOfType(evs, "tool.call.end")); n != 1 {
		t.Fatalf("ends = %d, want 1", n)
	}
	if n := len(eventsOfType(evs, "policy.decision")); n != 1 {
		t.Fatalf("decisions = %d, want 1", n)
	}
}

func TestMissingGrantDenied(t *testing.T) {
	rt, st := newTestRuntime(t)
	if err := RegisterBuiltins(rt.Registry(), BuiltinDeps{}); err != nil {
		t.Fatalf("RegisterBuiltins() error = %v", err)
	}
	grant(t, st, "main") // principal exists, nothing granted

	_, err := rt.Execute(context.Background(), Request{
		Tool:    "echo",
		Args:    map[string]any{"text": "hi"},
		Caller:  "main",
		TraceID: "trc_nogrant",
	})
	var fe *fault.Error
	if !errors.As(err, &fe) || fe.Message != policy.RulePermission {
		t.Fatalf("Execute() error = %v, want %q", err, policy.RulePermission)
	}
}

func TestHandlerErrorBecomesToolFault(t *testing.T) {
	rt, st := newTestRuntime(t)
	if err := rt.Registry().Register(Tool{
		Name: "flaky",
		Handler: func(ctx context.Context, call Call) (map[string]any, error) {
			return nil, errors.New("kaput")
		},
	}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	grant(t, st, "main", "flaky")

	_, err := rt.Execute(context.Background(), Request{
		Tool:    "flaky",
		Caller:  "main",
		TraceID: "trc_flaky",
	})
	if !fault.IsKind(err, fault.KindTool) {
		t.Fatalf("Execute() error = %v, want tool fault", err)
	}

	ends := eventsOfType(traceEvents(t, st, "trc_flaky"), "tool.call.end")
	if len(ends) != 1 {
		t.Fatalf("ends = %d, want 1", len(ends))
	}
	result := endResult(t, ends[0])
	if result["status"] != "error" {
		t.Fatalf("end result = %v, want status error", result)
	}
}

func TestHandlerPanicRecovered(t *testing.T) {
	rt, st := newTestRuntime(t)
	if err := rt.Registry().Register(Tool{
		Name: "bomb",
		Handler: func(ctx context.Context, call Call) (map[string]any, error) {
			panic("boom")
		},
	}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	grant(t, st, "main", "bomb")

	_, err := rt.Execute(context.Background(), Request{
		Tool:    "bomb",
		Caller:  "main",
		TraceID: "trc_bomb",
	})
	if !fault.IsKind(err, fault.KindTool) {
		t.Fatalf("Execute() error = %v, want tool fault", err)
	}

	evs := traceEvents(t, st, "trc_bomb")
	if n := len(eventsOfType(evs, "tool.call.end")); n != 1 {
		t.Fatalf("ends after panic = %d, want 1", n)
	}
}

func TestInvalidArgsStopBeforeHandler(t *testing.T) {
	type args struct {
		Name string `json:"name"`
	}
	rt, st := newTestRuntime(t)
	var calls int
	if err := rt.Registry().Register(Tool{
		Name:   "typed",
		Schema: mustSchema(&args{}),
		Handler: func(ctx context.Context, call Call) (map[string]any, error) {
			calls++
			return map[string]any{}, nil
		},
	}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	grant(t, st, "main", "typed")

	_, err := rt.Execute(context.Background(), Request{
		Tool:    "typed",
		Args:    map[string]any{"wrong": true},
		Caller:  "main",
		TraceID: "trc_badargs",
	})
	if !fault.IsKind(err, fault.KindTool) {
		t.Fatalf("Execute() error = %v, want tool fault", err)
	}
	if calls != 0 {
		t.Fatalf("handler ran %d times on invalid args", calls)
	}
	ends := eventsOfType(traceEvents(t, st, "trc_badargs"), "tool.call.end")
	if len(ends) != 1 || endResult(t, ends[0])["status"] != "error" {
		t.Fatalf("invalid args did not terminate cleanly: %v", ends)
	}
}

func TestPrivilegedToolConsumesApproval(t *testing.T) {
	rt, st := newTestRuntime(t)
	ctx := context.Background()
	var calls int
	if err := rt.Registry().Register(Tool{
		Name:       "vault.open",
		Privileged: true,
		Handler: func(ctx context.Context, call Call) (map[string]any, error) {
			calls++
			return map[string]any{"opened": true}, nil
		},
	}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	grant(t, st, "main", "vault.open")

	// No approval standing: denied before the handler.
	_, err := rt.Execute(ctx, Request{Tool: "vault.open", Caller: "main", TraceID: "trc_v1"})
	if !fault.IsKind(err, fault.KindPolicy) {
		t.Fatalf("Execute() without approval error = %v, want policy fault", err)
	}
	if calls != 0 {
		t.Fatalf("handler ran without approval")
	}

	if _, err := st.CreateApproval(ctx, "vault.open", "operator", time.Hour); err != nil {
		t.Fatalf("CreateApproval() error = %v", err)
	}
	out, err := rt.Execute(ctx, Request{Tool: "vault.open", Caller: "main", TraceID: "trc_v2"})
	if err != nil {
		t.Fatalf("Execute() with approval error = %v", err)
	}
	if out["opened"] != true || calls != 1 {
		t.Fatalf("approved run = %v, calls = %d", out, calls)
	}

	// The approval is single-use.
	_, err = rt.Execute(ctx, Request{Tool: "vault.open", Caller: "main", TraceID: "trc_v3"})
	if !fault.IsKind(err, fault.KindPolicy) {
		t.Fatalf("Execute() after consumption error = %v, want policy fault", err)
	}
	if calls != 1 {
		t.Fatalf("handler ran on consumed approval")
	}
}

func TestStartAndEndShareSpan(t *testing.T) {
	rt, st := newTestRuntime(t)
	if err := RegisterBuiltins(rt.Registry(), BuiltinDeps{}); err != nil {
		t.Fatalf("RegisterBuiltins() error = %v", err)
	}
	grant(t, st, "main", "echo")

	if _, err := rt.Execute(context.Background(), Request{
		Tool:         "echo",
		Args:         map[string]any{"text": "span"},
		Caller:       "main",
		TraceID:      "trc_span",
		ParentSpanID: "spn_parent",
	}); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	evs := traceEvents(t, st, "trc_span")
	start := eventsOfType(evs, "tool.call.start")[0]
	end := eventsOfType(evs, "tool.call.end")[0]
	decision := eventsOfType(evs, "policy.decision")[0]
	if start.SpanID == "" || start.SpanID != end.SpanID {
		t.Fatalf("span ids: start %q end %q", start.SpanID, end.SpanID)
	}
	if start.ParentSpanID != "spn_parent" || end.ParentSpanID != "spn_parent" {
		t.Fatalf("parent span ids: start %q end %q", start.ParentSpanID, end.ParentSpanID)
	}
	// The decision nests under the tool call span.
	if decision.ParentSpanID != start.SpanID {
		t.Fatalf("decision parent = %q, want %q", decision.ParentSpanID, start.SpanID)
	}
}
