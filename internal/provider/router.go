package provider

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"maestro/internal/fault"
	"maestro/internal/observability"
)

// defaultCooldown is how long the primary sits out after quota trouble.
const defaultCooldown = 30 * time.Second

// Result is one routed generation with its provenance.
type Result struct {
	Response *Response
	// Lane is LanePrimary or LaneFallback.
	Lane string
	// PrimaryError is the "TypeName: message" note captured when the primary
	// failed and the fallback served. Empty on the primary lane.
	PrimaryError string
}

// Health is the outcome of independent lane probes.
type Health struct {
	Primary  bool `json:"primary"`
	Fallback bool `json:"fallback"`
}

// Router drives the two-lane generation strategy: primary first, fallback on
// failure, and low-priority shedding when the fallback's local queue is deep.
type Router struct {
	primary   Generator
	fallback  Generator
	broker    *Broker
	threshold int
	cooldown  time.Duration
	metrics   *observability.Metrics
	tracer    *observability.Tracer
	logger    *slog.Logger
	now       func() time.Time

	mu            sync.Mutex
	cooldownUntil time.Time
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithLogger sets the logger; the default discards output.
func WithLogger(logger *slog.Logger) RouterOption {
	return func(r *Router) {
		if logger != nil {
			r.logger = logger.With("component", "provider")
		}
	}
}

// WithMetrics wires the shared collectors.
func WithMetrics(m *observability.Metrics) RouterOption {
	return func(r *Router) { r.metrics = m }
}

// WithTracer wires span export for routed generations.
func WithTracer(t *observability.Tracer) RouterOption {
	return func(r *Router) { r.tracer = t }
}

// WithCooldown overrides the primary's quota cooldown window.
func WithCooldown(d time.Duration) RouterOption {
	return func(r *Router) {
		if d > 0 {
			r.cooldown = d
		}
	}
}

// WithNow overrides the clock, for tests.
func WithNow(now func() time.Time) RouterOption {
	return func(r *Router) {
		if now != nil {
			r.now = now
		}
	}
}

// NewRouter builds a Router. queueThreshold is the local-LLM backlog above
// which low-priority requests are shed instead of falling back.
func NewRouter(primary, fallback Generator, broker *Broker, queueThreshold int, opts ...RouterOption) *Router {
	r := &Router{
		primary:   primary,
		fallback:  fallback,
		broker:    broker,
		threshold: queueThreshold,
		cooldown:  defaultCooldown,
		logger:    nopLogger,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Generate routes one request. The primary serves unless it fails or sits in
// a cooldown window; then low-priority traffic is shed when the local queue
// is over threshold, otherwise the fallback serves with the primary's error
// note attached. Dual failure returns a retryable provider fault combining
// both errors.
func (r *Router) Generate(ctx context.Context, req Request) (res *Result, err error) {
	if req.Priority == "" {
		req.Priority = PriorityNormal
	}
	ctx, span := r.tracer.Start(ctx, "model.generate",
		attribute.String("priority", req.Priority))
	defer func() {
		if res != nil {
			span.SetAttributes(attribute.String("lane", res.Lane))
		}
		r.tracer.RecordError(span, err)
		span.End()
	}()

	var primaryNote string
	if until, cooling := r.coolingDown(); cooling {
		primaryNote = "Cooldown: primary suppressed until " + until.UTC().Format(time.RFC3339)
		r.logger.Debug("skipping primary lane", "until", until)
	} else {
		resp, err := r.callLane(ctx, LanePrimary, r.primary, req)
		if err == nil {
			return &Result{Response: resp, Lane: LanePrimary}, nil
		}
		primaryNote = errorNote(err)
		if quotaTrouble(err) {
			r.openCooldown()
			r.logger.Warn("primary entering cooldown", "error", err, "window", r.cooldown)
		} else {
			r.logger.Warn("primary lane failed", "error", err)
		}
	}

	if req.Priority == PriorityLow {
		depth, err := r.broker.QueueDepth(ctx, QueueLocalLLM)
		if err != nil {
			// An unreachable management API must not ground the fallback.
			r.logger.Warn("queue depth unavailable", "error", err)
		} else if depth > r.threshold {
			r.logger.Info("shedding low-priority request",
				"depth", depth, "threshold", r.threshold)
			return nil, fault.Provider(fmt.Sprintf(
				"local queue depth %d over threshold %d after primary failure (%s)",
				depth, r.threshold, primaryNote), nil)
		}
	}

	resp, err := r.callLane(ctx, LaneFallback, r.fallback, req)
	if err != nil {
		return nil, fault.Provider("both lanes failed: primary "+primaryNote, err)
	}
	return &Result{Response: resp, Lane: LaneFallback, PrimaryError: primaryNote}, nil
}

// HealthCheck probes both lanes independently. A probe gets its own timeout
// so one stuck upstream cannot mask the other's health.
func (r *Router) HealthCheck(ctx context.Context) Health {
	var health Health
	var wg sync.WaitGroup
	probe := func(gen Generator, ok *bool) {
		defer wg.Done()
		probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := gen.Probe(probeCtx); err != nil {
			r.logger.Warn("lane probe failed", "lane", gen.Name(), "error", err)
			return
		}
		*ok = true
	}
	wg.Add(2)
	go probe(r.primary, &health.Primary)
	go probe(r.fallback, &health.Fallback)
	wg.Wait()
	return health
}

func (r *Router) callLane(ctx context.Context, lane string, gen Generator, req Request) (*Response, error) {
	start := r.now()
	resp, err := gen.Generate(ctx, req)
	seconds := r.now().Sub(start).Seconds()
	if err != nil {
		r.metrics.RecordProviderRequest(lane, gen.Name(), "error", seconds)
		return nil, err
	}
	model := resp.Model
	if model == "" {
		model = gen.Name()
	}
	r.metrics.RecordProviderRequest(lane, model, "ok", seconds)
	r.metrics.RecordProviderTokens(lane, model, resp.Usage.InputTokens, resp.Usage.OutputTokens)
	return resp, nil
}

func (r *Router) coolingDown() (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.now().Before(r.cooldownUntil) {
		return r.cooldownUntil, true
	}
	return time.Time{}, false
}

func (r *Router) openCooldown() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cooldownUntil = r.now().Add(r.cooldown)
}

// quotaTrouble reports whether the error reads as a 429 or 5xx class
// failure, the signals that the primary's quota or capacity is exhausted.
func quotaTrouble(err error) bool {
	switch fault.Classify(err) {
	case "rate_limit", "server_error":
		return true
	default:
		return false
	}
}

// errorNote renders err as "TypeName: message" for fallback bookkeeping and
// model.fallback events.
func errorNote(err error) string {
	name := fmt.Sprintf("%T", err)
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		name = name[i+1:]
	} else {
		name = strings.TrimPrefix(name, "*")
	}
	return name + ": " + err.Error()
}

var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }
