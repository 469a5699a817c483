package fault

import (
	"context"
	"errors"
	"net"
	"strings"
	"syscall"
)

// Classify maps an error to a stable code for JSON surfaces and failure
// capsules. Typed network errors are checked before message matching so the
// code survives wrapping.
func Classify(err error) string {
	if err == nil {
		return "unknown"
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return "dns_resolution"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "timeout"
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return "provider_unavailable"
	}
	if errors.Is(err, syscall.EHOSTUNREACH) || errors.Is(err, syscall.ENETUNREACH) {
		return "network_unreachable"
	}

	errStr := strings.ToLower(err.Error())

	if strings.Contains(errStr, "no such host") ||
		strings.Contains(errStr, "dns") {
		return "dns_resolution"
	}

	if strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "deadline exceeded") ||
		strings.Contains(errStr, "context deadline") {
		return "timeout"
	}

	if strings.Contains(errStr, "rate limit") ||
		strings.Contains(errStr, "rate_limit") ||
		strings.Contains(errStr, "too many requests") ||
		strings.Contains(errStr, "429") {
		return "rate_limit"
	}

	if strings.Contains(errStr, "unauthorized") ||
		strings.Contains(errStr, "invalid api key") ||
		strings.Contains(errStr, "authentication") ||
		strings.Contains(errStr, "401") {
		return "auth"
	}

	if strings.Contains(errStr, "billing") ||
		strings.Contains(errStr, "quota") ||
		strings.Contains(errStr, "payment") ||
		strings.Contains(errStr, "402") {
		return "billing"
	}

	if strings.Contains(errStr, "model not found") ||
		strings.Contains(errStr, "model_not_found") ||
		strings.Contains(errStr, "does not exist") {
		return "model_unavailable"
	}

	if strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "connect: ") {
		return "provider_unavailable"
	}

	if strings.Contains(errStr, "network is unreachable") ||
		strings.Contains(errStr, "no route to host") {
		return "network_unreachable"
	}

	if strings.Contains(errStr, "500") ||
		strings.Contains(errStr, "502") ||
		strings.Contains(errStr, "503") ||
		strings.Contains(errStr, "504") ||
		strings.Contains(errStr, "internal server error") ||
		strings.Contains(errStr, "overloaded") {
		return "server_error"
	}

	if strings.Contains(errStr, "invalid request") ||
		strings.Contains(errStr, "400") {
		return "invalid_request"
	}

	return "unknown"
}

// RetryableCode reports whether a classified code is transient.
func RetryableCode(code string) bool {
	switch code {
	case "rate_limit", "timeout", "server_error", "provider_unavailable", "network_unreachable":
		return true
	default:
		return false
	}
}
