package channel

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"maestro/internal/fault"
)

type capturedRequest struct {
	method string
	auth   string
	body   map[string]any
}

func newCaptureServer(t *testing.T, status int) (*httptest.Server, func() []capturedRequest) {
	t.Helper()
	var mu sync.Mutex
	var got []capturedRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, err := io.ReadAll(r.Body)
		if err != nil {
			t.Errorf("read body: %v", err)
		}
		var body map[string]any
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &body); err != nil {
				t.Errorf("decode body: %v", err)
			}
		}
		mu.Lock()
		got = append(got, capturedRequest{
			method: r.Method,
			auth:   r.Header.Get("Authorization"),
			body:   body,
		})
		mu.Unlock()
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv, func() []capturedRequest {
		mu.Lock()
		defer mu.Unlock()
		out := make([]capturedRequest, len(got))
		copy(out, got)
		return out
	}
}

func TestWebhookSendTextPostsJSON(t *testing.T) {
	t.Parallel()
	srv, requests := newCaptureServer(t, http.StatusOK)

	w, err := NewWebhook(WebhookConfig{Endpoint: srv.URL, Token: "tok-1"})
	if err != nil {
		t.Fatalf("NewWebhook() error = %v", err)
	}
	status, err := w.SendText(context.Background(), "r-9", "hello there")
	if err != nil {
		t.Fatalf("SendText() error = %v", err)
	}
	if status != http.StatusOK {
		t.Fatalf("status = %d, want %d", status, http.StatusOK)
	}

	got := requests()
	if len(got) != 1 {
		t.Fatalf("requests = %d, want 1", len(got))
	}
	if got[0].method != http.MethodPost {
		t.Fatalf("method = %q, want POST", got[0].method)
	}
	if got[0].auth != "Bearer tok-1" {
		t.Fatalf("authorization = %q, want %q", got[0].auth, "Bearer tok-1")
	}
	if got[0].body["recipient"] != "r-9" || got[0].body["text"] != "hello there" {
		t.Fatalf("body = %v, want recipient/text fields", got[0].body)
	}
}

func TestWebhookSendTextReportsUpstreamStatus(t *testing.T) {
	t.Parallel()
	srv, _ := newCaptureServer(t, http.StatusServiceUnavailable)

	w, err := NewWebhook(WebhookConfig{Endpoint: srv.URL})
	if err != nil {
		t.Fatalf("NewWebhook() error = %v", err)
	}
	status, err := w.SendText(context.Background(), "r-9", "hello")
	if err != nil {
		t.Fatalf("SendText() error = %v, want nil with status", err)
	}
	if status != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want %d", status, http.StatusServiceUnavailable)
	}
}

func TestWebhookSendTextTransportError(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	endpoint := srv.URL
	srv.Close()

	w, err := NewWebhook(WebhookConfig{Endpoint: endpoint, Timeout: time.Second})
	if err != nil {
		t.Fatalf("NewWebhook() error = %v", err)
	}
	status, err := w.SendText(context.Background(), "r-9", "hello")
	if err == nil {
		t.Fatalf("SendText() error = nil, want transport error")
	}
	if status != 0 {
		t.Fatalf("status = %d, want 0", status)
	}
	if !fault.IsKind(err, fault.KindChannel) {
		t.Fatalf("error kind = %v, want channel", fault.KindOf(err))
	}
}

func TestWebhookPauseTypingPostsSignal(t *testing.T) {
	t.Parallel()
	srv, requests := newCaptureServer(t, http.StatusOK)

	w, err := NewWebhook(WebhookConfig{Endpoint: srv.URL})
	if err != nil {
		t.Fatalf("NewWebhook() error = %v", err)
	}
	if err := w.PauseTyping(context.Background(), "r-9"); err != nil {
		t.Fatalf("PauseTyping() error = %v", err)
	}

	got := requests()
	if len(got) != 1 {
		t.Fatalf("requests = %d, want 1", len(got))
	}
	if got[0].body["recipient"] != "r-9" || got[0].body["typing"] != false {
		t.Fatalf("body = %v, want typing=false for r-9", got[0].body)
	}
}

func TestWebhookParseInboundEnvelope(t *testing.T) {
	t.Parallel()
	w, err := NewWebhook(WebhookConfig{Endpoint: "http://relay.local"})
	if err != nil {
		t.Fatalf("NewWebhook() error = %v", err)
	}

	payload := []byte(`{"data":{"type":"message","messages":[
		{"id":"ext-1","sender":"u-7","text":"ping","media":{"kind":"image"}},
		{"id":"ext-2","sender":"u-7","text":""},
		{"id":"ext-3","sender":"u-8","text":"pong"}
	]}}`)
	msgs, err := w.ParseInbound(payload)
	if err != nil {
		t.Fatalf("ParseInbound() error = %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("messages = %d, want 2 (empty text dropped)", len(msgs))
	}
	if msgs[0].ExternalID != "ext-1" || msgs[0].SenderID != "u-7" || msgs[0].Text != "ping" {
		t.Fatalf("first message = %+v", msgs[0])
	}
	if msgs[0].Media["kind"] != "image" {
		t.Fatalf("media = %v, want kind=image", msgs[0].Media)
	}
	if msgs[1].ExternalID != "ext-3" {
		t.Fatalf("second message = %+v", msgs[1])
	}
}

func TestWebhookParseInboundDiscardsHistorySync(t *testing.T) {
	t.Parallel()
	w, err := NewWebhook(WebhookConfig{Endpoint: "http://relay.local"})
	if err != nil {
		t.Fatalf("NewWebhook() error = %v", err)
	}

	for _, typ := range []string{"append", "Append", "APPEND"} {
		payload := []byte(`{"data":{"type":"` + typ + `","messages":[{"id":"old-1","sender":"u-7","text":"stale"}]}}`)
		msgs, err := w.ParseInbound(payload)
		if err != nil {
			t.Fatalf("ParseInbound(%s) error = %v", typ, err)
		}
		if len(msgs) != 0 {
			t.Fatalf("ParseInbound(%s) = %d messages, want 0", typ, len(msgs))
		}
	}
}

func TestWebhookParseInboundMalformed(t *testing.T) {
	t.Parallel()
	w, err := NewWebhook(WebhookConfig{Endpoint: "http://relay.local"})
	if err != nil {
		t.Fatalf("NewWebhook() error = %v", err)
	}
	if _, err := w.ParseInbound([]byte("not json")); err == nil {
		t.Fatalf("ParseInbound() error = nil, want malformed payload error")
	}
}

func TestWebhookConfigValidate(t *testing.T) {
	t.Parallel()
	if _, err := NewWebhook(WebhookConfig{}); err == nil {
		t.Fatalf("NewWebhook() error = nil, want endpoint required")
	}

	cfg := WebhookConfig{Endpoint: "http://relay.local"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if cfg.Timeout != 30*time.Second {
		t.Fatalf("Timeout = %v, want 30s default", cfg.Timeout)
	}
}
