package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"maestro/internal/fault"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeGenerator struct {
	mu       sync.Mutex
	name     string
	resp     *Response
	err      error
	probeErr error
	calls    int
	last     Request
}

func (g *fakeGenerator) Name() string { return g.name }

func (g *fakeGenerator) Generate(_ context.Context, req Request) (*Response, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	g.last = req
	if g.err != nil {
		return nil, g.err
	}
	return g.resp, nil
}

func (g *fakeGenerator) Probe(context.Context) error { return g.probeErr }

func (g *fakeGenerator) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

// depthBroker serves a fixed queue depth over a real HTTP round trip.
func depthBroker(t *testing.T, depth int) *Broker {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `[{"name":%q,"messages_ready":%d,"messages_unacknowledged":0}]`, QueueLocalLLM, depth)
	}))
	t.Cleanup(srv.Close)
	return NewBroker(srv.URL)
}

func TestPrimaryServes(t *testing.T) {
	primary := &fakeGenerator{name: "anthropic", resp: &Response{Text: "hi", Model: "claude"}}
	fallback := &fakeGenerator{name: "openai", resp: &Response{Text: "nope"}}
	r := NewRouter(primary, fallback, NewBroker(""), 10)

	res, err := r.Generate(context.Background(), Request{Messages: []Message{{Role: "user", Content: "hey"}}})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if res.Lane != LanePrimary || res.Response.Text != "hi" || res.PrimaryError != "" {
		t.Fatalf("Generate() = %+v, want primary lane", res)
	}
	if fallback.callCount() != 0 {
		t.Fatalf("fallback called %d times, want 0", fallback.callCount())
	}
}

func TestFallbackAfterPrimaryFailure(t *testing.T) {
	primary := &fakeGenerator{name: "anthropic", err: errors.New("boom")}
	fallback := &fakeGenerator{name: "openai", resp: &Response{Text: "ok"}}
	r := NewRouter(primary, fallback, NewBroker(""), 10)

	res, err := r.Generate(context.Background(), Request{
		Priority: PriorityNormal,
		Messages: []Message{{Role: "user", Content: "hey"}},
	})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if res.Lane != LaneFallback || res.Response.Text != "ok" {
		t.Fatalf("Generate() = %+v, want fallback lane", res)
	}
	if res.PrimaryError == "" {
		t.Fatal("PrimaryError empty, want captured note")
	}
	if !strings.Contains(res.PrimaryError, ": ") || !strings.Contains(res.PrimaryError, "boom") {
		t.Fatalf("PrimaryError = %q, want TypeName: message form", res.PrimaryError)
	}
}

func TestLowPriorityShedWhenOverloaded(t *testing.T) {
	primary := &fakeGenerator{name: "anthropic", err: errors.New("boom")}
	fallback := &fakeGenerator{name: "openai", resp: &Response{Text: "ok"}}
	r := NewRouter(primary, fallback, depthBroker(t, 25), 10)

	_, err := r.Generate(context.Background(), Request{
		Priority: PriorityLow,
		Messages: []Message{{Role: "user", Content: "hey"}},
	})
	if err == nil {
		t.Fatal("Generate() error = nil, want shed")
	}
	if !fault.IsKind(err, fault.KindProvider) || !fault.Retryable(err) {
		t.Fatalf("Generate() error = %v, want retryable provider fault", err)
	}
	if fallback.callCount() != 0 {
		t.Fatalf("fallback called %d times while overloaded, want 0", fallback.callCount())
	}
}

func TestLowPriorityProceedsUnderThreshold(t *testing.T) {
	primary := &fakeGenerator{name: "anthropic", err: errors.New("boom")}
	fallback := &fakeGenerator{name: "openai", resp: &Response{Text: "ok"}}
	r := NewRouter(primary, fallback, depthBroker(t, 3), 10)

	res, err := r.Generate(context.Background(), Request{
		Priority: PriorityLow,
		Messages: []Message{{Role: "user", Content: "hey"}},
	})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if res.Lane != LaneFallback {
		t.Fatalf("lane = %q, want fallback", res.Lane)
	}
}

func TestDualFailureCombinesBoth(t *testing.T) {
	primary := &fakeGenerator{name: "anthropic", err: errors.New("no dns")}
	fallback := &fakeGenerator{name: "openai", err: errors.New("conn refused")}
	r := NewRouter(primary, fallback, NewBroker(""), 10)

	_, err := r.Generate(context.Background(), Request{Messages: []Message{{Role: "user", Content: "hey"}}})
	if err == nil {
		t.Fatal("Generate() error = nil, want dual failure")
	}
	if !fault.Retryable(err) {
		t.Fatalf("dual failure not retryable: %v", err)
	}
	msg := err.Error()
	if !strings.Contains(msg, "no dns") || !strings.Contains(msg, "conn refused") {
		t.Fatalf("error = %q, want both causes", msg)
	}
}

func TestBrokerErrorDoesNotGroundFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	primary := &fakeGenerator{name: "anthropic", err: errors.New("boom")}
	fallback := &fakeGenerator{name: "openai", resp: &Response{Text: "ok"}}
	r := NewRouter(primary, fallback, NewBroker(srv.URL), 10)

	res, err := r.Generate(context.Background(), Request{
		Priority: PriorityLow,
		Messages: []Message{{Role: "user", Content: "hey"}},
	})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if res.Lane != LaneFallback {
		t.Fatalf("lane = %q, want fallback despite broker outage", res.Lane)
	}
}

func TestQuotaFailureOpensCooldown(t *testing.T) {
	clock := newFakeClock()
	primary := &fakeGenerator{name: "anthropic", err: errors.New("429 too many requests")}
	fallback := &fakeGenerator{name: "openai", resp: &Response{Text: "ok"}}
	r := NewRouter(primary, fallback, NewBroker(""), 10, WithNow(clock.Now), WithCooldown(30*time.Second))

	req := Request{Messages: []Message{{Role: "user", Content: "hey"}}}

	if _, err := r.Generate(context.Background(), req); err != nil {
		t.Fatalf("first Generate() error = %v", err)
	}
	if primary.callCount() != 1 {
		t.Fatalf("primary calls = %d, want 1", primary.callCount())
	}

	// Inside the window the primary is skipped entirely.
	res, err := r.Generate(context.Background(), req)
	if err != nil {
		t.Fatalf("second Generate() error = %v", err)
	}
	if primary.callCount() != 1 {
		t.Fatalf("primary called during cooldown: %d calls", primary.callCount())
	}
	if res.Lane != LaneFallback || !strings.Contains(res.PrimaryError, "Cooldown") {
		t.Fatalf("cooldown result = %+v", res)
	}

	// Past the window the primary gets another shot.
	clock.Advance(time.Minute)
	if _, err := r.Generate(context.Background(), req); err != nil {
		t.Fatalf("third Generate() error = %v", err)
	}
	if primary.callCount() != 2 {
		t.Fatalf("primary calls after window = %d, want 2", primary.callCount())
	}
}

func TestNonQuotaFailureSkipsCooldown(t *testing.T) {
	clock := newFakeClock()
	primary := &fakeGenerator{name: "anthropic", err: errors.New("invalid request body")}
	fallback := &fakeGenerator{name: "openai", resp: &Response{Text: "ok"}}
	r := NewRouter(primary, fallback, NewBroker(""), 10, WithNow(clock.Now))

	req := Request{Messages: []Message{{Role: "user", Content: "hey"}}}
	for i := 0; i < 2; i++ {
		if _, err := r.Generate(context.Background(), req); err != nil {
			t.Fatalf("Generate() #%d error = %v", i, err)
		}
	}
	if primary.callCount() != 2 {
		t.Fatalf("primary calls = %d, want 2 (no cooldown for 4xx)", primary.callCount())
	}
}

func TestHealthCheckIndependentProbes(t *testing.T) {
	primary := &fakeGenerator{name: "anthropic"}
	fallback := &fakeGenerator{name: "openai", probeErr: errors.New("refused")}
	r := NewRouter(primary, fallback, NewBroker(""), 10)

	h := r.HealthCheck(context.Background())
	if !h.Primary || h.Fallback {
		t.Fatalf("HealthCheck() = %+v, want primary up, fallback down", h)
	}
}

func TestPriorityReachesGenerator(t *testing.T) {
	primary := &fakeGenerator{name: "anthropic", resp: &Response{Text: "hi"}}
	r := NewRouter(primary, &fakeGenerator{name: "openai"}, NewBroker(""), 10)

	if _, err := r.Generate(context.Background(), Request{Messages: []Message{{Role: "user", Content: "x"}}}); err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if primary.last.Priority != PriorityNormal {
		t.Fatalf("empty priority normalized to %q, want %q", primary.last.Priority, PriorityNormal)
	}
}

func TestErrorNoteFormat(t *testing.T) {
	note := errorNote(fault.Provider("upstream melted", nil))
	if note != "Error: upstream melted" {
		t.Fatalf("errorNote() = %q", note)
	}
	note = errorNote(errors.New("plain"))
	if !strings.HasSuffix(note, ": plain") {
		t.Fatalf("errorNote() = %q, want TypeName: message", note)
	}
}
