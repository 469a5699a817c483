package eventlog

import "strings"

// actionPrefixes are event type families whose payload must carry the full
// action envelope {intent, evidence, plan, diff, tests:{result},
// result:{status}}. Missing fields are filled with defaults on write so the
// audit trail always has the complete shape.
var actionPrefixes = []string{
	"self_update.",
	"tool.call.",
	"agent.step.",
	"policy.",
	"model.run.",
}

// actionExact are single event types held to the same envelope.
var actionExact = map[string]struct{}{
	"evidence.check":         {},
	"prompt.build":           {},
	"model.fallback":         {},
	"failure_capsule.lookup": {},
}

const evolutionPrefix = "evolution.item."

func requiresActionEnvelope(eventType string) bool {
	if _, ok := actionExact[eventType]; ok {
		return true
	}
	for _, p := range actionPrefixes {
		if strings.HasPrefix(eventType, p) {
			return true
		}
	}
	return false
}

// applyEnvelope fills the mandatory payload shape for the given event type.
// It returns a copy when fields are added and the payload untouched
// otherwise; absent fields get defaults, present fields are kept as-is.
func applyEnvelope(eventType, traceID string, payload map[string]any) map[string]any {
	switch {
	case requiresActionEnvelope(eventType):
		return fillActionEnvelope(payload)
	case strings.HasPrefix(eventType, evolutionPrefix):
		return fillEvolutionEnvelope(traceID, payload)
	default:
		return payload
	}
}

func fillActionEnvelope(payload map[string]any) map[string]any {
	out := clonePayload(payload)
	for _, key := range []string{"intent", "evidence", "plan", "diff"} {
		if _, ok := out[key]; !ok {
			out[key] = ""
		}
	}
	out["tests"] = ensureField(out["tests"], "result", "unknown")
	out["result"] = ensureField(out["result"], "status", "unknown")
	return out
}

func fillEvolutionEnvelope(traceID string, payload map[string]any) map[string]any {
	out := clonePayload(payload)
	if _, ok := out["item_id"]; !ok {
		out["item_id"] = ""
	}
	if _, ok := out["trace_id"]; !ok {
		out["trace_id"] = traceID
	}
	if _, ok := out["status"]; !ok {
		out["status"] = ""
	}
	if _, ok := out["evidence_refs"]; !ok {
		out["evidence_refs"] = []any{}
	}
	if _, ok := out["result"]; !ok {
		out["result"] = map[string]any{}
	}
	return out
}

// ensureField returns v as a map holding at least key. A non-map v is
// replaced; a map missing key gets a copy with the default filled in.
func ensureField(v any, key, def string) map[string]any {
	m, ok := v.(map[string]any)
	if !ok {
		return map[string]any{key: def}
	}
	if _, ok := m[key]; ok {
		return m
	}
	out := make(map[string]any, len(m)+1)
	for k, inner := range m {
		out[k] = inner
	}
	out[key] = def
	return out
}

func clonePayload(payload map[string]any) map[string]any {
	out := make(map[string]any, len(payload)+6)
	for k, v := range payload {
		out[k] = v
	}
	return out
}
