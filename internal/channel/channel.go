// Package channel delivers assistant replies through pluggable adapters and
// normalizes platform webhook payloads into inbound messages. The dispatcher
// owns the retry ladder and the outbound audit trail; adapters only move
// bytes for one surface.
package channel

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"maestro/pkg/models"
)

// InboundMessage is one normalized message parsed from an adapter payload.
type InboundMessage struct {
	ExternalID string         `json:"external_msg_id"`
	SenderID   string         `json:"sender_id"`
	Text       string         `json:"text"`
	Media      map[string]any `json:"media,omitempty"`
}

// Adapter is one delivery surface. Implementations must be safe for
// concurrent use.
type Adapter interface {
	// Type identifies the surface this adapter serves.
	Type() models.ChannelType
	// SendText delivers text to recipient and reports the upstream HTTP
	// status. Transport failures return 0 and the error.
	SendText(ctx context.Context, recipient, text string) (int, error)
	// ParseInbound normalizes one webhook payload. History-sync replay
	// frames decode to an empty list.
	ParseInbound(payload []byte) ([]InboundMessage, error)
}

// TypingPauser is implemented by adapters that can clear a typing indicator
// after the reply lands. The dispatcher calls it best effort.
type TypingPauser interface {
	PauseTyping(ctx context.Context, recipient string) error
}

// Registry holds the adapters available for outbound delivery. Register at
// startup; lookups may then run concurrently.
type Registry struct {
	adapters map[models.ChannelType]Adapter
}

// NewRegistry creates an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[models.ChannelType]Adapter)}
}

// Register adds an adapter, replacing any previous one of the same type.
func (r *Registry) Register(a Adapter) {
	r.adapters[a.Type()] = a
}

// Get returns the adapter for a channel type.
func (r *Registry) Get(t models.ChannelType) (Adapter, bool) {
	a, ok := r.adapters[t]
	return a, ok
}

// Types lists the registered channel types.
func (r *Registry) Types() []models.ChannelType {
	out := make([]models.ChannelType, 0, len(r.adapters))
	for t := range r.adapters {
		out = append(out, t)
	}
	return out
}

// inboundEnvelope is the shared inbound wire shape: a data object carrying a
// frame type and the message batch. Frames typed "append" are history-sync
// replays of messages the assistant already handled and must never re-enter
// the conversation.
type inboundEnvelope struct {
	Data struct {
		Type     string           `json:"type"`
		Messages []inboundPayload `json:"messages"`
	} `json:"data"`
}

type inboundPayload struct {
	ID     string         `json:"id"`
	Sender string         `json:"sender"`
	Text   string         `json:"text"`
	Media  map[string]any `json:"media"`
}

// parseEnvelope decodes payload as an inbound envelope. ok reports whether
// the payload had the envelope shape at all; history-sync frames decode to
// an empty message list.
func parseEnvelope(payload []byte) ([]InboundMessage, bool) {
	var env inboundEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, false
	}
	if env.Data.Type == "" && len(env.Data.Messages) == 0 {
		return nil, false
	}
	if strings.EqualFold(env.Data.Type, "append") {
		return []InboundMessage{}, true
	}
	msgs := make([]InboundMessage, 0, len(env.Data.Messages))
	for _, m := range env.Data.Messages {
		if m.Text == "" {
			continue
		}
		msgs = append(msgs, InboundMessage{
			ExternalID: m.ID,
			SenderID:   m.Sender,
			Text:       m.Text,
			Media:      m.Media,
		})
	}
	return msgs, true
}

var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (discardHandler) WithAttrs([]slog.Attr) slog.Handler        { return discardHandler{} }
func (discardHandler) WithGroup(string) slog.Handler             { return discardHandler{} }
