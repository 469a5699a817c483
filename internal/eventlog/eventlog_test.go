package eventlog

import (
	"context"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
	"time"

	"maestro/internal/embed"
	"maestro/internal/store"
	"maestro/pkg/models"
)

type fakeClock struct {
	mu sync.Mutex
	at time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{at: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.at = c.at.Add(time.Millisecond)
	return c.at
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.at = c.at.Add(d)
}

func newTestLog(t *testing.T, opts ...Option) (*Log, *store.Store, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), store.WithNow(clock.Now))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { st.Close() })
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	opts = append([]Option{WithNow(clock.Now)}, opts...)
	return New(st, opts...), st, clock
}

func seedThread(t *testing.T, st *store.Store) string {
	t.Helper()
	ctx := context.Background()
	if _, err := st.EnsureUser(ctx, "usr_log"); err != nil {
		t.Fatalf("EnsureUser() error = %v", err)
	}
	ch, err := st.EnsureChannel(ctx, "usr_log", models.ChannelCLI, "")
	if err != nil {
		t.Fatalf("EnsureChannel() error = %v", err)
	}
	th, err := st.EnsureOpenThread(ctx, "usr_log", ch.ID)
	if err != nil {
		t.Fatalf("EnsureOpenThread() error = %v", err)
	}
	return th.ID
}

func TestRedactMasksNestedKeys(t *testing.T) {
	payload := map[string]any{
		"text":         "hello",
		"Access_Token": "s3cret",
		"meta": map[string]any{
			"PASSWORD": "hunter2",
			"keep":     42,
			"list": []any{
				map[string]any{"api_key": "abc", "ok": true},
				"plain",
			},
		},
	}
	got := Redact(payload)

	if got["Access_Token"] != Redacted {
		t.Fatalf("Access_Token = %v, want %q", got["Access_Token"], Redacted)
	}
	meta := got["meta"].(map[string]any)
	if meta["PASSWORD"] != Redacted {
		t.Fatalf("nested PASSWORD = %v, want %q", meta["PASSWORD"], Redacted)
	}
	if meta["keep"] != 42 {
		t.Fatalf("non-sensitive key changed: %v", meta["keep"])
	}
	inner := meta["list"].([]any)[0].(map[string]any)
	if inner["api_key"] != Redacted {
		t.Fatalf("api_key inside list = %v, want %q", inner["api_key"], Redacted)
	}

	// Input untouched.
	if payload["Access_Token"] != "s3cret" {
		t.Fatal("Redact mutated its input")
	}
}

func TestRedactCoversFullKeySet(t *testing.T) {
	keys := []string{
		"access_token", "refresh_token", "password", "api_key",
		"authorization", "phone", "qrcode", "code", "pairing_code", "qr_code",
	}
	payload := map[string]any{}
	for _, k := range keys {
		payload[k] = "value"
	}
	got := Redact(payload)
	for _, k := range keys {
		if got[k] != Redacted {
			t.Fatalf("key %q not redacted: %v", k, got[k])
		}
	}
}

func TestRedactIdempotent(t *testing.T) {
	payload := map[string]any{
		"password": "x",
		"nested":   map[string]any{"phone": "+155500", "text": "hi"},
	}
	once := Redact(payload)
	twice := Redact(once)
	if !reflect.DeepEqual(once, twice) {
		t.Fatalf("Redact not idempotent: %v vs %v", once, twice)
	}
}

func TestRedactNil(t *testing.T) {
	if Redact(nil) != nil {
		t.Fatal("Redact(nil) != nil")
	}
}

func TestActionEnvelopeDefaults(t *testing.T) {
	got := applyEnvelope("tool.call.start", "trc_1", map[string]any{
		"intent": "run shell command",
		"tool":   "host.exec",
	})

	if got["intent"] != "run shell command" {
		t.Fatalf("intent overwritten: %v", got["intent"])
	}
	for _, key := range []string{"evidence", "plan", "diff"} {
		if got[key] != "" {
			t.Fatalf("%s = %v, want empty string", key, got[key])
		}
	}
	tests, ok := got["tests"].(map[string]any)
	if !ok || tests["result"] != "unknown" {
		t.Fatalf("tests = %v, want {result: unknown}", got["tests"])
	}
	result, ok := got["result"].(map[string]any)
	if !ok || result["status"] != "unknown" {
		t.Fatalf("result = %v, want {status: unknown}", got["result"])
	}
	if got["tool"] != "host.exec" {
		t.Fatalf("extra field dropped: %v", got["tool"])
	}
}

func TestActionEnvelopePreservesProvidedFields(t *testing.T) {
	got := applyEnvelope("self_update.apply", "trc_1", map[string]any{
		"tests":  map[string]any{"result": "pass", "suite": "gates"},
		"result": map[string]any{"status": "applied"},
	})
	tests := got["tests"].(map[string]any)
	if tests["result"] != "pass" || tests["suite"] != "gates" {
		t.Fatalf("tests = %v, want provided values kept", tests)
	}
	if got["result"].(map[string]any)["status"] != "applied" {
		t.Fatalf("result = %v, want provided status kept", got["result"])
	}
}

func TestEnvelopeTypeSelection(t *testing.T) {
	cases := []struct {
		eventType string
		want      bool
	}{
		{"tool.call.start", true},
		{"tool.call.end", true},
		{"agent.step.end", true},
		{"policy.decision", true},
		{"model.run.start", true},
		{"model.fallback", true},
		{"evidence.check", true},
		{"prompt.build", true},
		{"failure_capsule.lookup", true},
		{"self_update.propose", true},
		{"memory.write", false},
		{"channel.outbound", false},
		{"schedule.catchup", false},
		{"agent.thinking", false},
	}
	for _, tc := range cases {
		if got := requiresActionEnvelope(tc.eventType); got != tc.want {
			t.Errorf("requiresActionEnvelope(%q) = %v, want %v", tc.eventType, got, tc.want)
		}
	}
}

func TestEvolutionEnvelopeDefaults(t *testing.T) {
	got := applyEnvelope("evolution.item.created", "trc_evo", map[string]any{
		"item_id": "wm_abc",
	})
	if got["item_id"] != "wm_abc" {
		t.Fatalf("item_id = %v", got["item_id"])
	}
	if got["trace_id"] != "trc_evo" {
		t.Fatalf("trace_id = %v, want trc_evo", got["trace_id"])
	}
	if got["status"] != "" {
		t.Fatalf("status = %v, want empty string", got["status"])
	}
	if refs, ok := got["evidence_refs"].([]any); !ok || len(refs) != 0 {
		t.Fatalf("evidence_refs = %v, want []", got["evidence_refs"])
	}
	if res, ok := got["result"].(map[string]any); !ok || len(res) != 0 {
		t.Fatalf("result = %v, want {}", got["result"])
	}
}

func TestEmitRoundTrip(t *testing.T) {
	log, st, _ := newTestLog(t)
	ctx := context.Background()
	threadID := seedThread(t, st)

	id, err := log.Emit(ctx, models.EventInput{
		TraceID:   "trc_roundtrip",
		ThreadID:  threadID,
		EventType: "agent.step.end",
		Component: "agent",
		ActorType: models.ActorAgent,
		ActorID:   "main",
		Payload: map[string]any{
			"intent":   "answer",
			"password": "leakme",
		},
	})
	if err != nil {
		t.Fatalf("Emit() error = %v", err)
	}

	ev, err := st.GetEvent(ctx, id)
	if err != nil {
		t.Fatalf("GetEvent() error = %v", err)
	}
	if ev.TraceID != "trc_roundtrip" || ev.EventType != "agent.step.end" ||
		ev.Component != "agent" || ev.ActorType != models.ActorAgent || ev.ActorID != "main" {
		t.Fatalf("round-trip mismatch: %+v", ev)
	}
	if ev.SpanID == "" {
		t.Fatal("span id not generated")
	}
	if ev.Payload["password"] != "leakme" {
		t.Fatalf("raw payload altered: %v", ev.Payload["password"])
	}
	if ev.PayloadRedacted["password"] != Redacted {
		t.Fatalf("redacted payload leaks secret: %v", ev.PayloadRedacted["password"])
	}
	// Envelope landed in both copies.
	if _, ok := ev.Payload["tests"]; !ok {
		t.Fatal("envelope missing from stored payload")
	}
	if ev.PayloadRedacted["result"].(map[string]any)["status"] != "unknown" {
		t.Fatalf("result.status = %v", ev.PayloadRedacted["result"])
	}
}

func TestEmitGeneratesIDs(t *testing.T) {
	log, st, _ := newTestLog(t)
	ctx := context.Background()

	id, err := log.Emit(ctx, models.EventInput{
		EventType: "system.start",
		Component: "system",
	})
	if err != nil {
		t.Fatalf("Emit() error = %v", err)
	}
	ev, err := st.GetEvent(ctx, id)
	if err != nil {
		t.Fatalf("GetEvent() error = %v", err)
	}
	if ev.TraceID == "" || ev.SpanID == "" {
		t.Fatalf("ids not generated: trace=%q span=%q", ev.TraceID, ev.SpanID)
	}
	if ev.ActorType != models.ActorSystem {
		t.Fatalf("actor type = %q, want system default", ev.ActorType)
	}
}

func TestEmitRejectsMissingType(t *testing.T) {
	log, _, _ := newTestLog(t)
	if _, err := log.Emit(context.Background(), models.EventInput{}); err == nil {
		t.Fatal("Emit() without event type succeeded")
	}
}

func TestEmitIndexesText(t *testing.T) {
	log, st, _ := newTestLog(t, WithEmbedder(embed.NewHashProvider()))
	ctx := context.Background()
	threadID := seedThread(t, st)

	if _, err := log.Emit(ctx, models.EventInput{
		TraceID:   "trc_idx",
		ThreadID:  threadID,
		EventType: "memory.write",
		Component: "memory",
		ActorType: models.ActorAgent,
		ActorID:   "main",
		Payload:   map[string]any{"text": "the deploy window opens friday evening"},
	}); err != nil {
		t.Fatalf("Emit() error = %v", err)
	}

	rows, err := st.SearchEventText(ctx, threadID, "deploy window", 5)
	if err != nil {
		t.Fatalf("SearchEventText() error = %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("SearchEventText() rows = %d, want 1", len(rows))
	}

	vecs, err := st.ListEventVectors(ctx, threadID)
	if err != nil {
		t.Fatalf("ListEventVectors() error = %v", err)
	}
	if len(vecs) != 1 {
		t.Fatalf("ListEventVectors() rows = %d, want 1", len(vecs))
	}
	if dec := embed.Decode(vecs[0].Embedding); len(dec) == 0 {
		t.Fatal("stored embedding does not decode")
	}
}

func TestEmitSkipsIndexWithoutText(t *testing.T) {
	log, st, _ := newTestLog(t, WithEmbedder(embed.NewHashProvider()))
	ctx := context.Background()
	threadID := seedThread(t, st)

	if _, err := log.Emit(ctx, models.EventInput{
		TraceID:   "trc_notext",
		ThreadID:  threadID,
		EventType: "policy.decision",
		Component: "policy",
		ActorType: models.ActorSystem,
		ActorID:   "system",
		Payload:   map[string]any{"rule": "allow", "tool": "echo"},
	}); err != nil {
		t.Fatalf("Emit() error = %v", err)
	}

	rows, err := st.ListIndexedEvents(ctx, threadID, 10)
	if err != nil {
		t.Fatalf("ListIndexedEvents() error = %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("indexed rows = %d, want 0", len(rows))
	}
}

func TestEmitRedactedTextDrivesIndex(t *testing.T) {
	// A sensitive "text" sibling key is masked but text itself still indexes.
	log, st, _ := newTestLog(t)
	ctx := context.Background()
	threadID := seedThread(t, st)

	if _, err := log.Emit(ctx, models.EventInput{
		TraceID:   "trc_masked",
		ThreadID:  threadID,
		EventType: "memory.write",
		Component: "memory",
		ActorType: models.ActorAgent,
		ActorID:   "main",
		Payload: map[string]any{
			"text":  "rotate the pager schedule",
			"phone": "+15551234567",
		},
	}); err != nil {
		t.Fatalf("Emit() error = %v", err)
	}
	rows, err := st.SearchEventText(ctx, threadID, "pager", 5)
	if err != nil {
		t.Fatalf("SearchEventText() error = %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("rows = %d, want 1", len(rows))
	}
	rows2, err := st.SearchEventText(ctx, threadID, "15551234567", 5)
	if err != nil {
		t.Fatalf("SearchEventText() error = %v", err)
	}
	if len(rows2) != 0 {
		t.Fatal("masked value reachable through the index")
	}
}

func TestPruneHonorsRetention(t *testing.T) {
	log, st, clock := newTestLog(t)
	ctx := context.Background()
	threadID := seedThread(t, st)

	oldID, err := log.Emit(ctx, models.EventInput{
		TraceID: "trc_old", ThreadID: threadID,
		EventType: "memory.write", Component: "memory",
		ActorType: models.ActorAgent, ActorID: "main",
		Payload: map[string]any{"text": "old entry"},
	})
	if err != nil {
		t.Fatalf("Emit() error = %v", err)
	}
	clock.Advance(48 * time.Hour)
	if _, err := log.Emit(ctx, models.EventInput{
		TraceID: "trc_new", ThreadID: threadID,
		EventType: "memory.write", Component: "memory",
		ActorType: models.ActorAgent, ActorID: "main",
		Payload: map[string]any{"text": "fresh entry"},
	}); err != nil {
		t.Fatalf("Emit() error = %v", err)
	}

	removed, err := log.Prune(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("Prune() error = %v", err)
	}
	if removed != 1 {
		t.Fatalf("Prune() removed = %d, want 1", removed)
	}
	if _, err := st.GetEvent(ctx, oldID); err == nil {
		t.Fatal("pruned event still readable")
	}
	rows, err := st.ListIndexedEvents(ctx, threadID, 10)
	if err != nil {
		t.Fatalf("ListIndexedEvents() error = %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("surviving indexed rows = %d, want 1", len(rows))
	}
}

func TestRecordFailure(t *testing.T) {
	log, st, _ := newTestLog(t)
	ctx := context.Background()
	threadID := seedThread(t, st)

	id, err := log.RecordFailure(ctx, "trc_fail", threadID,
		"provider timed out twice", "timeout")
	if err != nil {
		t.Fatalf("RecordFailure() error = %v", err)
	}
	if id == "" {
		t.Fatal("empty capsule id")
	}

	c, err := st.GetFailureCapsuleByTrace(ctx, "trc_fail")
	if err != nil {
		t.Fatalf("GetFailureCapsuleByTrace() error = %v", err)
	}
	if c.Summary != "provider timed out twice" || c.ErrorKind != "timeout" {
		t.Fatalf("capsule = %+v", c)
	}

	evs, err := st.ListTraceEvents(ctx, "trc_fail")
	if err != nil {
		t.Fatalf("ListTraceEvents() error = %v", err)
	}
	if len(evs) != 1 || evs[0].EventType != "failure_capsule.created" {
		t.Fatalf("trace events = %+v", evs)
	}
}
