// Package notify is the in-process pub/sub for UI-facing notices: a CLI or
// future socket layer subscribes to see "thinking" indicators, step
// completion and provider fallbacks as they happen. Publishing never blocks;
// a subscriber that cannot keep up loses notices instead of stalling the
// agent loop.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Notice kinds surfaced to interactive clients.
const (
	KindThinking = "agent.thinking"
	KindDone     = "agent.done"
	KindFallback = "model.fallback"
)

// DefaultBuffer is the per-subscriber channel capacity.
const DefaultBuffer = 16

// Notice is one notification.
type Notice struct {
	Kind     string
	ThreadID string
	TraceID  string
	Payload  map[string]any
	At       time.Time
}

// Notifier fans notices out to subscribers.
type Notifier struct {
	mu     sync.Mutex
	subs   map[int]*subscriber
	nextID int
	buffer int
	closed bool
	logger *slog.Logger
	now    func() time.Time
}

type subscriber struct {
	ch    chan Notice
	kinds map[string]struct{} // empty means all kinds
}

// Option configures a Notifier.
type Option func(*Notifier)

// WithBuffer sets the per-subscriber channel capacity.
func WithBuffer(n int) Option {
	return func(nf *Notifier) {
		if n > 0 {
			nf.buffer = n
		}
	}
}

// WithLogger sets the logger; the default discards output.
func WithLogger(logger *slog.Logger) Option {
	return func(nf *Notifier) {
		if logger != nil {
			nf.logger = logger.With("component", "notify")
		}
	}
}

// WithNow overrides the clock, for tests.
func WithNow(now func() time.Time) Option {
	return func(nf *Notifier) {
		if now != nil {
			nf.now = now
		}
	}
}

// New builds a Notifier.
func New(opts ...Option) *Notifier {
	nf := &Notifier{
		subs:   make(map[int]*subscriber),
		buffer: DefaultBuffer,
		logger: nopLogger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(nf)
	}
	return nf
}

// Subscribe registers interest in the given kinds (none means every kind)
// and returns the delivery channel plus a cancel func. Cancel closes the
// channel; callers must stop ranging over it afterwards.
func (nf *Notifier) Subscribe(kinds ...string) (<-chan Notice, func()) {
	nf.mu.Lock()
	defer nf.mu.Unlock()

	ch := make(chan Notice, nf.buffer)
	if nf.closed {
		close(ch)
		return ch, func() {}
	}

	sub := &subscriber{ch: ch}
	if len(kinds) > 0 {
		sub.kinds = make(map[string]struct{}, len(kinds))
		for _, k := range kinds {
			sub.kinds[k] = struct{}{}
		}
	}
	id := nf.nextID
	nf.nextID++
	nf.subs[id] = sub

	cancel := func() {
		nf.mu.Lock()
		defer nf.mu.Unlock()
		if s, ok := nf.subs[id]; ok {
			delete(nf.subs, id)
			close(s.ch)
		}
	}
	return ch, cancel
}

// Publish delivers the notice to every matching subscriber without blocking.
// A full subscriber buffer drops the notice for that subscriber only.
func (nf *Notifier) Publish(n Notice) {
	if n.At.IsZero() {
		n.At = nf.now().UTC()
	}

	nf.mu.Lock()
	defer nf.mu.Unlock()
	if nf.closed {
		return
	}
	for _, sub := range nf.subs {
		if !sub.wants(n.Kind) {
			continue
		}
		select {
		case sub.ch <- n:
		default:
			nf.logger.Debug("notice dropped", "kind", n.Kind, "thread_id", n.ThreadID)
		}
	}
}

// Close closes every subscriber channel. Publish becomes a no-op.
func (nf *Notifier) Close() {
	nf.mu.Lock()
	defer nf.mu.Unlock()
	if nf.closed {
		return
	}
	nf.closed = true
	for id, sub := range nf.subs {
		delete(nf.subs, id)
		close(sub.ch)
	}
}

func (s *subscriber) wants(kind string) bool {
	if len(s.kinds) == 0 {
		return true
	}
	_, ok := s.kinds[kind]
	return ok
}

var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }
