package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"maestro/internal/fault"
	"maestro/pkg/models"
)

// WebhookConfig configures the generic webhook adapter.
type WebhookConfig struct {
	// Endpoint receives outbound POSTs (required).
	Endpoint string

	// Token, when set, is sent as a bearer token on every request.
	Token string

	// Timeout bounds each HTTP request (default 30s).
	Timeout time.Duration

	// Logger is an optional slog.Logger instance.
	Logger *slog.Logger
}

// Validate checks the configuration and applies defaults.
func (c *WebhookConfig) Validate() error {
	if c.Endpoint == "" {
		return fault.Config("webhook endpoint is required", nil)
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.Logger == nil {
		c.Logger = nopLogger
	}
	return nil
}

// Webhook posts outbound messages to a single HTTP endpoint and parses the
// shared envelope shape on the way in. It is the adapter for any surface
// bridged through a relay rather than a platform SDK.
type Webhook struct {
	cfg    WebhookConfig
	client *http.Client
	logger *slog.Logger
}

// NewWebhook creates a webhook adapter with the given configuration.
func NewWebhook(cfg WebhookConfig) (*Webhook, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Webhook{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: cfg.Logger.With("adapter", "webhook"),
	}, nil
}

// Type implements Adapter.
func (w *Webhook) Type() models.ChannelType { return models.ChannelWebhook }

// SendText posts {recipient, text} to the endpoint and reports the upstream
// status. The dispatcher decides what to do with non-2xx answers.
func (w *Webhook) SendText(ctx context.Context, recipient, text string) (int, error) {
	status, err := w.post(ctx, map[string]string{
		"recipient": recipient,
		"text":      text,
	})
	if err != nil {
		return 0, fault.Channel("post outbound message", err)
	}
	w.logger.Debug("outbound posted", "recipient", recipient, "status", status)
	return status, nil
}

// ParseInbound decodes the shared envelope shape.
func (w *Webhook) ParseInbound(payload []byte) ([]InboundMessage, error) {
	msgs, ok := parseEnvelope(payload)
	if !ok {
		return nil, fault.Channel("malformed inbound payload", nil)
	}
	return msgs, nil
}

// PauseTyping posts a typing-stopped signal. Failures only cost the
// indicator, so callers treat this as best effort.
func (w *Webhook) PauseTyping(ctx context.Context, recipient string) error {
	status, err := w.post(ctx, map[string]any{
		"recipient": recipient,
		"typing":    false,
	})
	if err != nil {
		return fault.Channel("post typing signal", err)
	}
	if status < 200 || status >= 300 {
		return fault.Channel(fmt.Sprintf("typing signal status %d", status), nil)
	}
	return nil
}

func (w *Webhook) post(ctx context.Context, body any) (int, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.cfg.Endpoint, bytes.NewReader(raw))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if w.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+w.cfg.Token)
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
}
