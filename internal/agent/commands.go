package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"maestro/pkg/models"
)

// traceListCap bounds how many events a /trace reply enumerates.
const traceListCap = 20

const helpText = `Commands:
/status - system and provider health
/trace <trace_id> - audit events recorded for one trace
/help - this message

Anything else goes to the assistant.`

// latestCommand reports the slash command carried by the newest user
// message. Unrecognized slash text falls through to the model.
func latestCommand(msgs []models.Message) (string, []string, bool) {
	text := latestUserText(msgs)
	if !strings.HasPrefix(text, "/") {
		return "", nil, false
	}
	fields := strings.Fields(text)
	switch fields[0] {
	case "/status", "/help", "/trace":
		return fields[0], fields[1:], true
	}
	return "", nil, false
}

// runCommand executes one recognized slash command and returns the reply.
func (o *Orchestrator) runCommand(ctx context.Context, cmd string, args []string, thread models.Thread, traceID, actorID string) string {
	o.logger.Info("handling command",
		"command", cmd, "thread_id", thread.ID, "trace_id", traceID)
	switch cmd {
	case "/status":
		return o.statusReply(ctx)
	case "/trace":
		return o.traceReply(ctx, args, thread.ID, traceID, actorID)
	default:
		return helpText
	}
}

// statusReply summarizes the safety state and lane health.
func (o *Orchestrator) statusReply(ctx context.Context) string {
	var b strings.Builder
	b.WriteString("System status\n")
	state, err := o.deps.Store.GetSystemState(ctx)
	if err != nil {
		b.WriteString("state: unavailable\n")
	} else {
		fmt.Fprintf(&b, "lockdown: %v\n", state.Lockdown)
		if state.Lockdown && state.LockdownReason != "" {
			fmt.Fprintf(&b, "lockdown reason: %s\n", state.LockdownReason)
		}
		fmt.Fprintf(&b, "restarting: %v\n", state.Restarting)
	}
	health := o.deps.Router.HealthCheck(ctx)
	fmt.Fprintf(&b, "providers: primary=%s fallback=%s",
		laneWord(health.Primary), laneWord(health.Fallback))
	return b.String()
}

func laneWord(up bool) string {
	if up {
		return "ok"
	}
	return "down"
}

// traceReply renders the audit trail of one trace and looks up its failure
// capsule. The lookup itself is audited.
func (o *Orchestrator) traceReply(ctx context.Context, args []string, threadID, traceID, actorID string) string {
	if len(args) == 0 {
		return "Usage: /trace <trace_id>"
	}
	subject := args[0]

	events, err := o.deps.Store.ListTraceEvents(ctx, subject)
	if err != nil {
		o.logger.Warn("trace lookup failed", "subject", subject, "error", err)
		return "Could not read trace " + subject + "."
	}

	capsule, capErr := o.deps.Store.GetFailureCapsuleByTrace(ctx, subject)
	found := capErr == nil
	o.emit(ctx, traceID, threadID, actorID, "failure_capsule.lookup", map[string]any{
		"intent":  "trace lookup",
		"result":  map[string]any{"status": lookupStatus(found)},
		"subject": subject,
		"capsule": found,
	})

	if len(events) == 0 && !found {
		return "No events recorded for trace " + subject + "."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Trace %s: %d events\n", subject, len(events))
	for i, ev := range events {
		if i == traceListCap {
			fmt.Fprintf(&b, "... and %d more\n", len(events)-traceListCap)
			break
		}
		fmt.Fprintf(&b, "- %s %s (%s)\n",
			ev.CreatedAt.UTC().Format(time.RFC3339), ev.EventType, ev.Component)
	}
	if found {
		fmt.Fprintf(&b, "failure: %s (%s)", capsule.Summary, capsule.ErrorKind)
	}
	return strings.TrimRight(b.String(), "\n")
}

func lookupStatus(found bool) string {
	if found {
		return "ok"
	}
	return "not_found"
}
