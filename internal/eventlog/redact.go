package eventlog

import "strings"

// Redacted replaces the value of every sensitive key.
const Redacted = "[REDACTED]"

// sensitiveKeys is the fixed set of payload keys whose values are masked
// before an event is persisted or indexed. Matching is case-insensitive.
var sensitiveKeys = map[string]struct{}{
	"access_token":  {},
	"refresh_token": {},
	"password":      {},
	"api_key":       {},
	"authorization": {},
	"phone":         {},
	"qrcode":        {},
	"code":          {},
	"pairing_code":  {},
	"qr_code":       {},
}

// Redact returns a deep copy of payload with every sensitive key replaced by
// "[REDACTED]", at any nesting depth inside maps and slices. The input is
// never mutated. Applying Redact to its own output returns an equal value.
func Redact(payload map[string]any) map[string]any {
	if payload == nil {
		return nil
	}
	out, _ := redactValue(payload).(map[string]any)
	return out
}

func redactValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, inner := range val {
			if isSensitiveKey(k) {
				out[k] = Redacted
				continue
			}
			out[k] = redactValue(inner)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, inner := range val {
			out[i] = redactValue(inner)
		}
		return out
	default:
		return v
	}
}

func isSensitiveKey(k string) bool {
	_, ok := sensitiveKeys[strings.ToLower(k)]
	return ok
}
