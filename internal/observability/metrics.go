package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles every Prometheus collector the components share.
//
// Tracked surfaces:
//   - agent steps by actor and outcome
//   - provider requests by lane (primary/fallback) and model
//   - tool executions and latencies
//   - policy decisions by rule string
//   - schedule dispatches and channel sends
//   - task runner throughput and saturation
type Metrics struct {
	// StepCounter counts agent steps. Labels: actor, status (ok|error|skipped)
	StepCounter *prometheus.CounterVec

	// StepDuration measures step wall time in seconds. Labels: actor
	StepDuration *prometheus.HistogramVec

	// ProviderRequests counts model calls. Labels: lane (primary|fallback), model, status
	ProviderRequests *prometheus.CounterVec

	// ProviderDuration measures model call latency. Labels: lane, model
	ProviderDuration *prometheus.HistogramVec

	// ProviderTokens counts token usage. Labels: lane, model, type (prompt|completion)
	ProviderTokens *prometheus.CounterVec

	// ToolExecutions counts tool calls. Labels: tool, status (success|error|denied)
	ToolExecutions *prometheus.CounterVec

	// ToolDuration measures tool execution time. Labels: tool
	ToolDuration *prometheus.HistogramVec

	// PolicyDecisions counts decisions by rule. Labels: rule ("allow" or the
	// blocking rule id), tool
	PolicyDecisions *prometheus.CounterVec

	// ScheduleDispatches counts evaluator outcomes. Labels: status
	// (dispatched|deferred|duplicate|error)
	ScheduleDispatches *prometheus.CounterVec

	// ChannelSends counts outbound deliveries. Labels: channel, status
	// (sent|retried|dead_letter|blocked|skipped)
	ChannelSends *prometheus.CounterVec

	// TaskCounter counts runner activity. Labels: task, status
	// (submitted|rejected|completed|failed|panicked)
	TaskCounter *prometheus.CounterVec

	// TasksInFlight gauges currently executing task handlers.
	TasksInFlight prometheus.Gauge

	// QueueDepth gauges sampled broker queue backlogs. Labels: queue
	QueueDepth *prometheus.GaugeVec

	// EventCounter counts emitted audit events. Labels: component
	EventCounter *prometheus.CounterVec
}

// NewMetrics registers all collectors on the default registry. Call once at
// startup.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith registers all collectors on reg. Tests pass a throwaway
// registry so repeated construction does not collide.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		StepCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "maestro_agent_steps_total",
				Help: "Total agent steps by actor and outcome",
			},
			[]string{"actor", "status"},
		),
		StepDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "maestro_agent_step_duration_seconds",
				Help:    "Agent step wall time in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"actor"},
		),
		ProviderRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "maestro_provider_requests_total",
				Help: "Total model provider requests by lane, model and status",
			},
			[]string{"lane", "model", "status"},
		),
		ProviderDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "maestro_provider_request_duration_seconds",
				Help:    "Model provider request latency in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"lane", "model"},
		),
		ProviderTokens: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "maestro_provider_tokens_total",
				Help: "Total tokens consumed by lane, model and type",
			},
			[]string{"lane", "model", "type"},
		),
		ToolExecutions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "maestro_tool_executions_total",
				Help: "Total tool executions by tool and status",
			},
			[]string{"tool", "status"},
		),
		ToolDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "maestro_tool_execution_duration_seconds",
				Help:    "Tool execution time in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 120},
			},
			[]string{"tool"},
		),
		PolicyDecisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "maestro_policy_decisions_total",
				Help: "Total policy decisions by rule and tool",
			},
			[]string{"rule", "tool"},
		),
		ScheduleDispatches: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "maestro_schedule_dispatches_total",
				Help: "Total schedule evaluator outcomes by status",
			},
			[]string{"status"},
		),
		ChannelSends: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "maestro_channel_sends_total",
				Help: "Total outbound channel deliveries by channel and status",
			},
			[]string{"channel", "status"},
		),
		TaskCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "maestro_tasks_total",
				Help: "Total task runner activity by task and status",
			},
			[]string{"task", "status"},
		),
		TasksInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "maestro_tasks_in_flight",
				Help: "Task handlers currently executing",
			},
		),
		QueueDepth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "maestro_queue_depth",
				Help: "Broker queue backlog, ready plus unacknowledged",
			},
			[]string{"queue"},
		),
		EventCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "maestro_events_total",
				Help: "Total audit events emitted by component",
			},
			[]string{"component"},
		),
	}
}

// RecordStep records one finished agent step.
func (m *Metrics) RecordStep(actor, status string, seconds float64) {
	if m == nil {
		return
	}
	m.StepCounter.WithLabelValues(actor, status).Inc()
	m.StepDuration.WithLabelValues(actor).Observe(seconds)
}

// RecordProviderRequest records one model call.
func (m *Metrics) RecordProviderRequest(lane, model, status string, seconds float64) {
	if m == nil {
		return
	}
	m.ProviderRequests.WithLabelValues(lane, model, status).Inc()
	m.ProviderDuration.WithLabelValues(lane, model).Observe(seconds)
}

// RecordProviderTokens records token usage for one model call.
func (m *Metrics) RecordProviderTokens(lane, model string, prompt, completion int) {
	if m == nil {
		return
	}
	if prompt > 0 {
		m.ProviderTokens.WithLabelValues(lane, model, "prompt").Add(float64(prompt))
	}
	if completion > 0 {
		m.ProviderTokens.WithLabelValues(lane, model, "completion").Add(float64(completion))
	}
}

// RecordToolExecution records one tool call.
func (m *Metrics) RecordToolExecution(tool, status string, seconds float64) {
	if m == nil {
		return
	}
	m.ToolExecutions.WithLabelValues(tool, status).Inc()
	m.ToolDuration.WithLabelValues(tool).Observe(seconds)
}

// RecordPolicyDecision records one decision with its rule string.
func (m *Metrics) RecordPolicyDecision(rule, tool string) {
	if m == nil {
		return
	}
	m.PolicyDecisions.WithLabelValues(rule, tool).Inc()
}

// RecordScheduleDispatch records one evaluator outcome.
func (m *Metrics) RecordScheduleDispatch(status string) {
	if m == nil {
		return
	}
	m.ScheduleDispatches.WithLabelValues(status).Inc()
}

// RecordChannelSend records one outbound delivery outcome.
func (m *Metrics) RecordChannelSend(channel, status string) {
	if m == nil {
		return
	}
	m.ChannelSends.WithLabelValues(channel, status).Inc()
}

// RecordTask records runner activity for one task name.
func (m *Metrics) RecordTask(task, status string) {
	if m == nil {
		return
	}
	m.TaskCounter.WithLabelValues(task, status).Inc()
}

// TaskStarted marks a handler entering execution.
func (m *Metrics) TaskStarted() {
	if m == nil {
		return
	}
	m.TasksInFlight.Inc()
}

// TaskFinished marks a handler leaving execution.
func (m *Metrics) TaskFinished() {
	if m == nil {
		return
	}
	m.TasksInFlight.Dec()
}

// SetQueueDepth records one sampled broker queue backlog.
func (m *Metrics) SetQueueDepth(queue string, depth int) {
	if m == nil {
		return
	}
	m.QueueDepth.WithLabelValues(queue).Set(float64(depth))
}

// RecordEvent counts one emitted audit event.
func (m *Metrics) RecordEvent(component string) {
	if m == nil {
		return
	}
	m.EventCounter.WithLabelValues(component).Inc()
}
