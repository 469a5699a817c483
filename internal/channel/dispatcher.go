package channel

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"maestro/internal/eventlog"
	"maestro/internal/fault"
	"maestro/internal/observability"
	"maestro/internal/retry"
	"maestro/internal/runner"
	"maestro/internal/store"
	"maestro/pkg/models"
)

// Delivery outcome statuses reported by Send.
const (
	StatusSent       = "sent"
	StatusSkipped    = "skipped"
	StatusBlocked    = "blocked"
	StatusDeadLetter = "dead_letter"
)

// retryableStatuses are the upstream HTTP codes worth another attempt. Every
// other non-2xx answer is permanent.
var retryableStatuses = map[int]struct{}{
	http.StatusTooManyRequests:     {},
	http.StatusInternalServerError: {},
	http.StatusBadGateway:          {},
	http.StatusServiceUnavailable:  {},
	http.StatusGatewayTimeout:      {},
}

// defaultRetry is the outbound delivery schedule: three retries at fixed
// delays, each shifted by up to a second of jitter.
func defaultRetry() retry.Config {
	cfg := retry.Ladder(2*time.Second, 8*time.Second, 32*time.Second)
	cfg.JitterSpread = time.Second
	return cfg
}

// Dispatcher delivers stored assistant messages through their channel
// adapter. Retries are sequential within one send; a send that exhausts the
// ladder is dead-lettered on the audit trail rather than failed, so the task
// runner never re-runs a delivery.
type Dispatcher struct {
	store    *store.Store
	events   *eventlog.Log
	registry *Registry
	retry    retry.Config
	metrics  *observability.Metrics
	logger   *slog.Logger
}

// Option configures the dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l.With("component", "channel")
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithRetry replaces the delivery retry schedule.
func WithRetry(cfg retry.Config) Option {
	return func(d *Dispatcher) { d.retry = cfg }
}

// NewDispatcher creates a dispatcher over the given adapter registry.
func NewDispatcher(st *store.Store, events *eventlog.Log, registry *Registry, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:    st,
		events:   events,
		registry: registry,
		retry:    defaultRetry(),
		logger:   nopLogger,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// TaskHandler adapts Send to the task runner. Delivery problems land on the
// audit trail, never as task failures.
func (d *Dispatcher) TaskHandler() runner.Handler {
	return func(ctx context.Context, kwargs map[string]any) error {
		traceID, _ := kwargs["trace_id"].(string)
		threadID, _ := kwargs["thread_id"].(string)
		messageID, _ := kwargs["message_id"].(string)
		channelType, _ := kwargs["channel"].(string)
		if threadID == "" || messageID == "" {
			d.logger.Error("outbound task missing ids",
				"thread_id", threadID, "message_id", messageID)
			return nil
		}
		if _, err := d.Send(ctx, traceID, threadID, messageID, models.ChannelType(channelType)); err != nil {
			d.logger.Error("outbound dispatch failed",
				"message_id", messageID, "error", err)
		}
		return nil
	}
}

// Send delivers one stored message through the adapter for channelType and
// reports the outcome status. A missing adapter skips (silently for cli, the
// surface interactive commands print themselves); lockdown blocks; transport
// errors and retryable upstream statuses walk the delay ladder.
func (d *Dispatcher) Send(ctx context.Context, traceID, threadID, messageID string, channelType models.ChannelType) (string, error) {
	adapter, ok := d.registry.Get(channelType)
	if !ok {
		if channelType != models.ChannelCLI {
			d.logger.Warn("no adapter registered",
				"channel", channelType, "message_id", messageID)
		}
		d.metrics.RecordChannelSend(string(channelType), StatusSkipped)
		return StatusSkipped, nil
	}

	state, err := d.store.GetSystemState(ctx)
	if err != nil {
		return "", fmt.Errorf("read system state: %w", err)
	}
	if state.Lockdown {
		d.emit(ctx, traceID, threadID, "channel.outbound.blocked", map[string]any{
			"status":     StatusBlocked,
			"message_id": messageID,
			"channel":    string(channelType),
			"reason":     "lockdown",
		})
		d.metrics.RecordChannelSend(string(channelType), StatusBlocked)
		return StatusBlocked, nil
	}

	msg, err := d.store.GetMessage(ctx, messageID)
	if err != nil {
		return "", fmt.Errorf("load message %s: %w", messageID, err)
	}
	thread, err := d.store.GetThread(ctx, threadID)
	if err != nil {
		return "", fmt.Errorf("load thread %s: %w", threadID, err)
	}
	ch, err := d.store.GetChannel(ctx, thread.ChannelID)
	if err != nil {
		return "", fmt.Errorf("resolve channel: %w", err)
	}

	lastStatus := 0
	result := retry.Do(ctx, d.retry, func() error {
		status, err := adapter.SendText(ctx, ch.Address, msg.Content)
		lastStatus = status
		if err != nil {
			return fault.Channel("send text", err)
		}
		if status >= 200 && status < 300 {
			return nil
		}
		sendErr := fault.Channel(fmt.Sprintf("upstream status %d", status), nil)
		if _, retryable := retryableStatuses[status]; !retryable {
			return retry.Permanent(sendErr)
		}
		return sendErr
	})
	if result.Err != nil {
		d.emit(ctx, traceID, threadID, "task.dead_letter", map[string]any{
			"task":        runner.TaskChannelSend,
			"message_id":  messageID,
			"channel":     string(channelType),
			"attempts":    result.Attempts,
			"http_status": lastStatus,
			"error":       result.Err.Error(),
		})
		d.metrics.RecordChannelSend(string(channelType), StatusDeadLetter)
		d.logger.Warn("outbound message dead-lettered",
			"message_id", messageID, "channel", channelType,
			"attempts", result.Attempts, "error", result.Err)
		return StatusDeadLetter, nil
	}

	if tp, ok := adapter.(TypingPauser); ok {
		if err := tp.PauseTyping(ctx, ch.Address); err != nil {
			d.logger.Debug("typing indicator",
				"channel", channelType, "error", err)
		}
	}
	d.emit(ctx, traceID, threadID, "channel.outbound", map[string]any{
		"status":      StatusSent,
		"attempts":    result.Attempts,
		"message_id":  messageID,
		"channel":     string(channelType),
		"http_status": lastStatus,
	})
	d.metrics.RecordChannelSend(string(channelType), StatusSent)
	return StatusSent, nil
}

func (d *Dispatcher) emit(ctx context.Context, traceID, threadID, eventType string, payload map[string]any) {
	if _, err := d.events.Emit(ctx, models.EventInput{
		TraceID:   traceID,
		ThreadID:  threadID,
		EventType: eventType,
		Component: "channel",
		ActorType: models.ActorSystem,
		Payload:   payload,
	}); err != nil {
		d.logger.Error("emit failed", "event_type", eventType, "error", err)
	}
}
