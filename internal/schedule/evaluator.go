package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"maestro/internal/eventlog"
	"maestro/internal/ids"
	"maestro/internal/observability"
	"maestro/internal/runner"
	"maestro/internal/store"
	"maestro/pkg/models"
)

// DefaultMaxCatchup caps how many overdue slots a schedule may emit in one
// evaluation when the schedule itself does not set a limit.
const DefaultMaxCatchup = 3

// Sender dispatches named tasks. *runner.Runner satisfies it.
type Sender interface {
	SendTask(name string, kwargs map[string]any, queue ...string) bool
}

// ScheduleReport is one schedule's share of an evaluation pass.
type ScheduleReport struct {
	Schedule   models.Schedule
	Dispatched []models.ScheduleDispatch
	Deferred   int
}

// Report is the outcome of one evaluation pass. Only schedules with at
// least one dispatched or deferred slot appear.
type Report struct {
	Now       time.Time
	Schedules []ScheduleReport
}

// TotalDispatched counts dispatch rows created across all schedules.
func (r Report) TotalDispatched() int {
	n := 0
	for _, sr := range r.Schedules {
		n += len(sr.Dispatched)
	}
	return n
}

// Evaluator walks enabled schedules, claims due slots through the unique
// (schedule_id, due_at) dispatch table and hands each claimed slot to the
// task runner as an isolated agent step.
type Evaluator struct {
	store      *store.Store
	events     *eventlog.Log
	sender     Sender
	metrics    *observability.Metrics
	tracer     *observability.Tracer
	logger     *slog.Logger
	now        func() time.Time
	maxCatchup int
}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithLogger sets the logger; the default discards output.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Evaluator) {
		if logger != nil {
			e.logger = logger.With("component", "schedule")
		}
	}
}

// WithMetrics wires the shared collectors.
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Evaluator) { e.metrics = m }
}

// WithTracer wires span export for evaluation passes.
func WithTracer(t *observability.Tracer) Option {
	return func(e *Evaluator) { e.tracer = t }
}

// WithNow overrides the clock, for tests.
func WithNow(now func() time.Time) Option {
	return func(e *Evaluator) {
		if now != nil {
			e.now = now
		}
	}
}

// WithDefaultMaxCatchup overrides the catch-up ceiling used by schedules
// that do not carry their own.
func WithDefaultMaxCatchup(n int) Option {
	return func(e *Evaluator) {
		if n > 0 {
			e.maxCatchup = n
		}
	}
}

// New builds an Evaluator over the store, event log and task sender.
func New(st *store.Store, events *eventlog.Log, sender Sender, opts ...Option) *Evaluator {
	e := &Evaluator{
		store:      st,
		events:     events,
		sender:     sender,
		logger:     nopLogger,
		now:        time.Now,
		maxCatchup: DefaultMaxCatchup,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// FetchDueReport evaluates every enabled schedule at the given instant (the
// zero time means the current clock) and durably claims due slots. A slot
// is due when it falls strictly after the schedule's last run and strictly
// before now; the first run of an @every schedule is due immediately. At
// most max(1, schedule ceiling or default) slots are claimed per schedule,
// the rest are counted as deferred. A unique-key violation on the claim
// means another evaluation already owns that slot and it is skipped
// silently. Per-schedule failures are reported as schedule.error events and
// never abort the pass.
func (e *Evaluator) FetchDueReport(ctx context.Context, now time.Time) (Report, error) {
	if now.IsZero() {
		now = e.now()
	}
	now = now.UTC()

	schedules, err := e.store.ListEnabledSchedules(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("list schedules: %w", err)
	}

	report := Report{Now: now}
	for _, sc := range schedules {
		sr, err := e.evaluate(ctx, sc, now)
		if err != nil {
			e.scheduleError(ctx, sc, "", err)
		}
		// Keep whatever was claimed before a mid-schedule failure; a
		// claimed slot never fires again, so it must still reach the
		// runner.
		if len(sr.Dispatched) > 0 || sr.Deferred > 0 {
			report.Schedules = append(report.Schedules, sr)
		}
	}
	return report, nil
}

func (e *Evaluator) evaluate(ctx context.Context, sc models.Schedule, now time.Time) (ScheduleReport, error) {
	sr := ScheduleReport{Schedule: sc}

	expr, err := ParseExpr(sc.CronExpr)
	if err != nil {
		return sr, err
	}

	limit := sc.MaxCatchup
	if limit == 0 {
		limit = e.maxCatchup
	}
	if limit < 1 {
		limit = 1
	}

	var due []time.Time
	switch {
	case sc.LastRunAt != nil:
		due, sr.Deferred = expr.slotsBetween(*sc.LastRunAt, now, limit)
	case expr.Every() > 0:
		// First run of an interval schedule fires right away.
		due = []time.Time{now}
	default:
		due, sr.Deferred = expr.slotsBetween(sc.CreatedAt, now, limit)
	}

	var latest time.Time
	for _, slot := range due {
		d, inserted, err := e.store.InsertDispatch(ctx, sc.ID, slot)
		if err != nil {
			return sr, err
		}
		latest = slot
		if !inserted {
			// Another tick claimed this slot first.
			e.metrics.RecordScheduleDispatch("skipped")
			continue
		}
		sr.Dispatched = append(sr.Dispatched, d)
		e.metrics.RecordScheduleDispatch("dispatched")
	}
	if !latest.IsZero() {
		if err := e.store.UpdateScheduleLastRun(ctx, sc.ID, latest); err != nil {
			return sr, err
		}
	}
	return sr, nil
}

// Tick runs one full evaluation: claim due slots, then start an isolated
// agent step for every claimed slot. Each step gets a fresh thread owned by
// the same user and channel as the schedule's home thread, a session mirror
// keyed by the dispatch id, and a new trace. Per-schedule errors emit
// schedule.error and the tick moves on.
func (e *Evaluator) Tick(ctx context.Context) (err error) {
	ctx, span := e.tracer.Start(ctx, "schedule.tick")
	defer func() {
		e.tracer.RecordError(span, err)
		span.End()
	}()

	report, err := e.FetchDueReport(ctx, time.Time{})
	if err != nil {
		return err
	}
	span.SetAttributes(attribute.Int("dispatched", report.TotalDispatched()))
	for _, sr := range report.Schedules {
		for _, d := range sr.Dispatched {
			if err := e.runDispatch(ctx, sr.Schedule, d); err != nil {
				e.metrics.RecordScheduleDispatch("error")
				e.scheduleError(ctx, sr.Schedule, d.ID, err)
			}
		}
		if _, err := e.events.Emit(ctx, models.EventInput{
			ThreadID:  sr.Schedule.ThreadID,
			EventType: "schedule.catchup",
			Component: "schedule",
			ActorType: models.ActorSystem,
			ActorID:   "scheduler",
			Payload: map[string]any{
				"schedule_id": sr.Schedule.ID,
				"dispatched":  len(sr.Dispatched),
				"deferred":    sr.Deferred,
			},
		}); err != nil {
			e.logger.Warn("emit schedule.catchup", "schedule", sr.Schedule.ID, "error", err)
		}
	}
	return nil
}

func (e *Evaluator) runDispatch(ctx context.Context, sc models.Schedule, d models.ScheduleDispatch) error {
	thread, err := e.store.GetThread(ctx, sc.ThreadID)
	if err != nil {
		return fmt.Errorf("resolve schedule owner: %w", err)
	}

	agentID := models.MainPrincipal
	if v, ok := sc.Payload["agent_id"].(string); ok && v != "" {
		agentID = v
	}

	run, err := e.store.CreateScheduledRun(ctx, d.ID, thread.UserID, thread.ChannelID, agentID)
	if err != nil {
		return err
	}

	traceID := ids.NewTrace()
	kwargs := make(map[string]any, len(sc.Payload)+3)
	for k, v := range sc.Payload {
		kwargs[k] = v
	}
	kwargs["trace_id"] = traceID
	kwargs["thread_id"] = run.Thread.ID
	kwargs["actor_id"] = agentID

	if !e.sender.SendTask(runner.TaskAgentStep, kwargs) {
		return fmt.Errorf("task runner refused %s for dispatch %s", runner.TaskAgentStep, d.ID)
	}
	e.logger.Info("schedule slot dispatched",
		"schedule", sc.ID, "due_at", d.DueAt, "thread", run.Thread.ID, "trace", traceID)
	return nil
}

func (e *Evaluator) scheduleError(ctx context.Context, sc models.Schedule, dispatchID string, cause error) {
	e.logger.Warn("schedule evaluation failed", "schedule", sc.ID, "error", cause)
	payload := map[string]any{
		"schedule_id": sc.ID,
		"error":       cause.Error(),
	}
	if dispatchID != "" {
		payload["dispatch_id"] = dispatchID
	}
	if _, err := e.events.Emit(ctx, models.EventInput{
		ThreadID:  sc.ThreadID,
		EventType: "schedule.error",
		Component: "schedule",
		ActorType: models.ActorSystem,
		ActorID:   "scheduler",
		Payload:   payload,
	}); err != nil {
		e.logger.Warn("emit schedule.error", "schedule", sc.ID, "error", err)
	}
}

var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }
