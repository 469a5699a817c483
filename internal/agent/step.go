package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"maestro/internal/fault"
	"maestro/internal/ids"
	"maestro/internal/notify"
	"maestro/internal/provider"
	"maestro/internal/runner"
	"maestro/internal/store"
	"maestro/internal/tools"
	"maestro/pkg/models"
)

// Step runs one orchestrated turn on a thread: ingress check, command
// short-circuit, prompt build, state extraction, model call, tool loop and
// reply delivery. A (thread, trace) pair completes at most one step; repeats
// are absorbed silently.
func (o *Orchestrator) Step(ctx context.Context, traceID, threadID, actorID string) (err error) {
	if traceID == "" {
		traceID = ids.NewTrace()
	}
	if actorID == "" {
		actorID = models.MainPrincipal
	}
	started := o.now()

	ctx, span := o.tracer.Start(ctx, "agent.step",
		attribute.String("thread_id", threadID),
		attribute.String("trace_id", traceID),
		attribute.String("actor_id", actorID))
	defer func() {
		o.tracer.RecordError(span, err)
		span.End()
	}()

	if !o.begin(threadID, traceID) {
		o.logger.Debug("step already in flight",
			"thread_id", threadID, "trace_id", traceID)
		return nil
	}
	defer o.release(threadID, traceID)

	if n, err := o.deps.Store.CountEvents(ctx, traceID, threadID, "agent.step.end"); err != nil {
		return fmt.Errorf("check step completion: %w", err)
	} else if n > 0 {
		o.logger.Debug("step already completed",
			"thread_id", threadID, "trace_id", traceID)
		return nil
	}

	state, err := o.deps.Store.GetSystemState(ctx)
	if err != nil {
		return fmt.Errorf("read system state: %w", err)
	}
	if state.Restarting {
		o.skipStep(ctx, traceID, threadID, actorID, started, "restarting")
		return nil
	}

	thread, err := o.deps.Store.GetThread(ctx, threadID)
	if err != nil {
		return fmt.Errorf("load thread %s: %w", threadID, err)
	}

	o.notice(notify.KindThinking, threadID, traceID, nil)

	msgs, err := o.deps.Store.ListRecentMessages(ctx, threadID, o.cfg.TailLimit)
	if err != nil {
		return fmt.Errorf("load messages: %w", err)
	}
	if len(msgs) == 0 {
		o.skipStep(ctx, traceID, threadID, actorID, started, "empty thread")
		o.notice(notify.KindDone, threadID, traceID, nil)
		return nil
	}

	if cmd, args, ok := latestCommand(msgs); ok {
		reply := o.runCommand(ctx, cmd, args, thread, traceID, actorID)
		msgID, err := o.deliverReply(ctx, thread, traceID, actorID, reply)
		if err != nil {
			return err
		}
		o.endStep(ctx, traceID, threadID, actorID, started, "ok", map[string]any{
			"intent":     "command " + cmd,
			"message_id": msgID,
		})
		o.notice(notify.KindDone, threadID, traceID, nil)
		return nil
	}

	system, turns, report := o.buildPrompt(ctx, thread, msgs)
	o.emit(ctx, traceID, threadID, actorID, "prompt.build", map[string]any{
		"intent":       "prompt.build",
		"result":       map[string]any{"status": "ok"},
		"budget":       report.Budget,
		"total_tokens": report.TotalTokens,
		"sections":     report.sectionsPayload(),
		"truncated":    report.Truncated,
	})

	// Pre-call state extraction is best effort; a broken extractor must
	// never cost the user their turn.
	if _, err := o.deps.Memory.ExtractState(ctx, threadID, traceID, actorID); err != nil {
		o.logger.Warn("state extraction failed",
			"thread_id", threadID, "trace_id", traceID, "error", err)
	}

	reply, err := o.converse(ctx, thread, traceID, actorID, system, turns)
	if err != nil {
		o.failStep(ctx, thread, traceID, actorID, started, err)
		return err
	}

	msgID, err := o.deliverReply(ctx, thread, traceID, actorID, reply)
	if err != nil {
		return err
	}
	o.endStep(ctx, traceID, threadID, actorID, started, "ok", map[string]any{
		"intent":     "reply",
		"message_id": msgID,
	})
	o.notice(notify.KindDone, threadID, traceID, nil)
	return nil
}

// begin claims the (thread, trace) pair; false means a step is in flight.
func (o *Orchestrator) begin(threadID, traceID string) bool {
	key := threadID + "\x00" + traceID
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, busy := o.inflight[key]; busy {
		return false
	}
	o.inflight[key] = struct{}{}
	return true
}

func (o *Orchestrator) release(threadID, traceID string) {
	key := threadID + "\x00" + traceID
	o.mu.Lock()
	delete(o.inflight, key)
	o.mu.Unlock()
}

// converse runs the model/tool loop until the model answers in plain text.
// Executed tool calls are bounded by the actor's max_actions_per_step; once
// the budget is spent, pending calls are refused and the tool catalog is
// withdrawn so the next turn must answer in text.
func (o *Orchestrator) converse(ctx context.Context, thread models.Thread, traceID, actorID, system string, turns []provider.Message) (string, error) {
	gov, err := o.deps.Store.GetGovernance(ctx, actorID)
	if err != nil {
		return "", fmt.Errorf("load governance: %w", err)
	}
	maxActions := gov.MaxActionsPerStep
	if maxActions < 1 {
		maxActions = 1
	}

	defs := o.toolDefs()
	priority := stepPriority(thread, actorID)
	actions := 0
	for {
		resp, err := o.generate(ctx, thread, traceID, actorID, provider.Request{
			System:      system,
			Messages:    turns,
			Tools:       defs,
			Temperature: o.cfg.Temperature,
			MaxTokens:   o.cfg.MaxTokens,
			Priority:    priority,
		})
		if err != nil {
			return "", err
		}
		if len(resp.ToolCalls) == 0 || len(defs) == 0 {
			return resp.Text, nil
		}

		turns = append(turns, provider.Message{
			Role:      "assistant",
			Content:   resp.Text,
			ToolCalls: resp.ToolCalls,
		})
		results := make([]provider.ToolResult, 0, len(resp.ToolCalls))
		for _, tc := range resp.ToolCalls {
			if actions >= maxActions {
				results = append(results, provider.ToolResult{
					ToolCallID: tc.ID,
					Content:    "refused: action budget for this step is exhausted",
					IsError:    true,
				})
				continue
			}
			actions++
			out, err := o.deps.Tools.Execute(ctx, tools.Request{
				Tool:     tc.Name,
				Args:     tc.Args,
				Caller:   actorID,
				TraceID:  traceID,
				ThreadID: thread.ID,
			})
			results = append(results, toolResultFor(tc, out, err))
		}
		turns = append(turns, provider.Message{Role: "user", ToolResults: results})
		if actions >= maxActions {
			defs = nil
		}
	}
}

// generate brackets one router call with model.run events and surfaces
// fallback service on the notifier.
func (o *Orchestrator) generate(ctx context.Context, thread models.Thread, traceID, actorID string, req provider.Request) (*provider.Response, error) {
	o.emit(ctx, traceID, thread.ID, actorID, "model.run.start", map[string]any{
		"intent":   "generate",
		"result":   map[string]any{"status": "started"},
		"priority": req.Priority,
		"tools":    len(req.Tools),
	})
	res, err := o.deps.Router.Generate(ctx, req)
	if err != nil {
		o.emit(ctx, traceID, thread.ID, actorID, "model.run.end", map[string]any{
			"intent": "generate",
			"result": map[string]any{"status": "error", "error": err.Error()},
		})
		return nil, err
	}
	if res.Lane == provider.LaneFallback {
		o.emit(ctx, traceID, thread.ID, actorID, "model.fallback", map[string]any{
			"intent":        "generate",
			"result":        map[string]any{"status": "ok"},
			"primary_error": res.PrimaryError,
		})
		o.notice(notify.KindFallback, thread.ID, traceID, map[string]any{
			"primary_error": res.PrimaryError,
		})
	}
	o.emit(ctx, traceID, thread.ID, actorID, "model.run.end", map[string]any{
		"intent":        "generate",
		"result":        map[string]any{"status": "ok"},
		"lane":          res.Lane,
		"model":         res.Response.Model,
		"stop_reason":   res.Response.StopReason,
		"input_tokens":  res.Response.Usage.InputTokens,
		"output_tokens": res.Response.Usage.OutputTokens,
	})
	return res.Response, nil
}

// toolDefs snapshots the registry as provider tool definitions.
func (o *Orchestrator) toolDefs() []provider.ToolDef {
	catalog := o.deps.Tools.Registry().List()
	defs := make([]provider.ToolDef, 0, len(catalog))
	for _, t := range catalog {
		defs = append(defs, provider.ToolDef{
			Name:        t.Name,
			Description: t.Description,
			Schema:      t.Schema,
		})
	}
	return defs
}

// toolResultFor folds a tool outcome into a conversation turn. Denials read
// as refusals so the model backs off instead of retrying; other failures
// carry the fault text so it can recover.
func toolResultFor(tc provider.ToolCall, out map[string]any, err error) provider.ToolResult {
	if err != nil {
		content := err.Error()
		if fault.IsKind(err, fault.KindPolicy) {
			content = "refused: " + content
		}
		return provider.ToolResult{ToolCallID: tc.ID, Content: content, IsError: true}
	}
	payload, merr := json.Marshal(out)
	if merr != nil {
		return provider.ToolResult{
			ToolCallID: tc.ID,
			Content:    "tool produced unencodable output",
			IsError:    true,
		}
	}
	return provider.ToolResult{ToolCallID: tc.ID, Content: string(payload)}
}

// deliverReply sanitizes, persists and dispatches one assistant reply.
// Session threads keep their replies internal for the initiator to read;
// everything else goes out through the channel dispatcher. Returns the id of
// the appended message, empty when the sanitized reply was empty.
func (o *Orchestrator) deliverReply(ctx context.Context, thread models.Thread, traceID, actorID, text string) (string, error) {
	text = sanitizeReply(text)
	if text == "" {
		o.logger.Debug("empty reply after sanitizing",
			"thread_id", thread.ID, "trace_id", traceID)
		return "", nil
	}
	msg, err := o.deps.Store.AppendMessage(ctx, store.MessageInput{
		ThreadID: thread.ID,
		Role:     models.RoleAssistant,
		Content:  text,
		ActorID:  actorID,
	})
	if err != nil {
		return "", fmt.Errorf("append reply: %w", err)
	}
	if thread.Kind == models.ThreadKindSession {
		return msg.ID, nil
	}
	ch, err := o.deps.Store.GetChannel(ctx, thread.ChannelID)
	if err != nil {
		return msg.ID, fmt.Errorf("resolve channel: %w", err)
	}
	if !o.deps.Sender.SendTask(runner.TaskChannelSend, map[string]any{
		"trace_id":   traceID,
		"thread_id":  thread.ID,
		"message_id": msg.ID,
		"channel":    string(ch.Type),
	}) {
		o.logger.Warn("outbound dispatch refused",
			"thread_id", thread.ID, "message_id", msg.ID)
	}
	return msg.ID, nil
}

// failStep handles a hard model failure: record the capsule, apologize with
// the trace reference, and close the step as an error.
func (o *Orchestrator) failStep(ctx context.Context, thread models.Thread, traceID, actorID string, started time.Time, stepErr error) {
	kind := fault.KindOf(stepErr)
	if _, err := o.deps.Events.RecordFailure(ctx, traceID, thread.ID, stepErr.Error(), string(kind)); err != nil {
		o.logger.Error("record failure capsule failed",
			"trace_id", traceID, "error", err)
	}
	apology := fmt.Sprintf("Something went wrong and I could not finish this request. "+
		"The incident is logged under trace %s.", traceID)
	if _, err := o.deliverReply(ctx, thread, traceID, actorID, apology); err != nil {
		o.logger.Error("deliver apology failed",
			"trace_id", traceID, "error", err)
	}
	o.endStep(ctx, traceID, thread.ID, actorID, started, "error", map[string]any{
		"intent": "reply",
		"error":  stepErr.Error(),
	})
	o.notice(notify.KindDone, thread.ID, traceID, map[string]any{"status": "error"})
}

// skipStep closes an aborted step without running it.
func (o *Orchestrator) skipStep(ctx context.Context, traceID, threadID, actorID string, started time.Time, reason string) {
	o.emit(ctx, traceID, threadID, actorID, "agent.step.skipped", map[string]any{
		"intent": "agent_step",
		"result": map[string]any{"status": "skipped", "reason": reason},
	})
	o.metrics.RecordStep(actorID, "skipped", o.now().Sub(started).Seconds())
}

// endStep emits the terminating agent.step.end and records the step metric.
func (o *Orchestrator) endStep(ctx context.Context, traceID, threadID, actorID string, started time.Time, status string, payload map[string]any) {
	elapsed := o.now().Sub(started)
	body := map[string]any{
		"result":      map[string]any{"status": status},
		"duration_ms": elapsed.Milliseconds(),
	}
	for k, v := range payload {
		if k == "result" || k == "duration_ms" {
			continue
		}
		body[k] = v
	}
	o.emit(ctx, traceID, threadID, actorID, "agent.step.end", body)
	o.metrics.RecordStep(actorID, status, elapsed.Seconds())
}

// stepPriority maps a step to its generation priority: the interactive main
// agent is normal, scheduled runs and worker agents are low.
func stepPriority(thread models.Thread, actorID string) string {
	if actorID != models.MainPrincipal || thread.Kind == models.ThreadKindScheduled {
		return provider.PriorityLow
	}
	return provider.PriorityNormal
}

// sanitizeReply strips model control tokens: the reply is truncated at the
// first "<|" marker. Plain text passes through unchanged.
func sanitizeReply(text string) string {
	if i := strings.Index(text, "<|"); i >= 0 {
		text = text[:i]
	}
	return strings.TrimSpace(text)
}
