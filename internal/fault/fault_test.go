package fault

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
)

func TestKindsAndRetryPosture(t *testing.T) {
	cases := []struct {
		err       error
		kind      Kind
		retryable bool
	}{
		{Provider("primary call failed", errors.New("boom")), KindProvider, true},
		{Tool("handler failed", errors.New("boom")), KindTool, false},
		{Policy("R1: lockdown"), KindPolicy, false},
		{Channel("send failed", errors.New("boom")), KindChannel, true},
		{Config("missing APP_DB", nil), KindConfig, false},
		{Memory("index write failed", errors.New("boom")), KindMemory, false},
	}
	for _, tc := range cases {
		if got := KindOf(tc.err); got != tc.kind {
			t.Fatalf("KindOf() = %q, want %q", got, tc.kind)
		}
		if got := Retryable(tc.err); got != tc.retryable {
			t.Fatalf("Retryable(%s) = %v, want %v", tc.kind, got, tc.retryable)
		}
	}
}

func TestKindSurvivesWrapping(t *testing.T) {
	inner := Policy("R4: permission denied")
	wrapped := fmt.Errorf("execute echo: %w", inner)
	if !IsKind(wrapped, KindPolicy) {
		t.Fatalf("expected policy kind through wrapping")
	}
	if Retryable(wrapped) {
		t.Fatalf("policy errors must not be retryable")
	}
}

func TestPolicyMessageIsReason(t *testing.T) {
	err := Policy("R1: lockdown")
	if err.Error() != "R1: lockdown" {
		t.Fatalf("Error() = %q, want the bare reason", err.Error())
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{&net.DNSError{Err: "no such host", Name: "api.example.com"}, "dns_resolution"},
		{context.DeadlineExceeded, "timeout"},
		{errors.New("429 too many requests"), "rate_limit"},
		{errors.New("401 unauthorized"), "auth"},
		{errors.New("quota exceeded for billing period"), "billing"},
		{errors.New("model not found: franken-9b"), "model_unavailable"},
		{errors.New("dial tcp 127.0.0.1:9999: connect: connection refused"), "provider_unavailable"},
		{errors.New("network is unreachable"), "network_unreachable"},
		{errors.New("503 service unavailable"), "server_error"},
		{errors.New("invalid request: messages empty"), "invalid_request"},
		{errors.New("mystery"), "unknown"},
		{nil, "unknown"},
	}
	for _, tc := range cases {
		if got := Classify(tc.err); got != tc.want {
			t.Fatalf("Classify(%v) = %q, want %q", tc.err, got, tc.want)
		}
	}
}

func TestRetryableCode(t *testing.T) {
	for _, code := range []string{"rate_limit", "timeout", "server_error", "provider_unavailable", "network_unreachable"} {
		if !RetryableCode(code) {
			t.Fatalf("code %q should be retryable", code)
		}
	}
	for _, code := range []string{"auth", "billing", "invalid_request", "unknown"} {
		if RetryableCode(code) {
			t.Fatalf("code %q should not be retryable", code)
		}
	}
}
