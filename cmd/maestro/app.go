package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"maestro/internal/agent"
	"maestro/internal/channel"
	"maestro/internal/config"
	"maestro/internal/embed"
	"maestro/internal/eventlog"
	"maestro/internal/memory"
	"maestro/internal/notify"
	"maestro/internal/observability"
	"maestro/internal/policy"
	"maestro/internal/provider"
	"maestro/internal/runner"
	"maestro/internal/schedule"
	"maestro/internal/store"
	"maestro/internal/system"
	"maestro/internal/tools"
	"maestro/pkg/models"
)

// Task names for the maintenance jobs serve schedules. The agent step and
// outbound send names live with the packages that own their handlers.
const (
	taskScheduleTick   = "schedule_tick"
	taskRetentionPrune = "event_retention_prune"
	taskCompaction     = "memory_compaction"
	taskBackup         = "store_backup"
	taskQueueSample    = "queue_depth_sample"
)

// Cadences for the periodic jobs.
const (
	scheduleTickInterval = 30 * time.Second
	readyzProbeInterval  = 30 * time.Second
	queueSampleInterval  = 30 * time.Second
	retentionInterval    = time.Hour
	compactionInterval   = time.Hour
	compactionOlderThan  = 24 * time.Hour
	compactionMinMsgs    = 8
	rotationInterval     = 10 * time.Minute
	backupInterval       = 24 * time.Hour
)

// defaultGrants is the tool set the interactive agent can use on a fresh
// database. host.exec.sudo is granted too: the single-use approval is the
// gate on privileged execution, not a missing permission row.
var defaultGrants = []string{
	"echo",
	"host.exec",
	"host.exec.sudo",
	"memory_search",
	"memory_write",
	"session_list",
	"session_history",
	"session_send",
}

// app wires every service over one store. Construction opens the database,
// runs migrations and registers the core task handlers; loops and listeners
// start only in serve.
type app struct {
	cfg    config.Config
	logger *slog.Logger

	store    *store.Store
	events   *eventlog.Log
	memory   *memory.Service
	registry *tools.Registry
	engine   *policy.Engine
	exec     *tools.ExecHost
	runtime  *tools.Runtime
	broker   *provider.Broker
	router   *provider.Router
	tasks    *runner.Runner
	notifier *notify.Notifier
	orch     *agent.Orchestrator
	channels *channel.Registry
	dispatch *channel.Dispatcher
	sched    *schedule.Evaluator
	system   *system.Manager

	metrics   *observability.Metrics
	tracer    *observability.Tracer
	traceStop func(context.Context) error
}

func newApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (*app, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	st, err := store.Open(cfg.DBPath, store.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	started := false
	defer func() {
		if !started {
			st.Close()
		}
	}()
	if err := st.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	a := &app{cfg: cfg, logger: logger, store: st}
	a.metrics = observability.NewMetrics()
	a.tracer, a.traceStop = observability.NewTracer(observability.TraceConfig{
		ServiceName: "maestro",
		Environment: string(cfg.Env),
		Endpoint:    cfg.OTLPEndpoint,
		Insecure:    true,
	})

	embedder := a.buildEmbedder()
	a.events = eventlog.New(st,
		eventlog.WithLogger(logger),
		eventlog.WithMetrics(a.metrics),
		eventlog.WithEmbedder(embedder),
	)

	a.system = system.New(st, a.events, system.Config{
		ReadyzFailThreshold:   cfg.LockdownReadyzFailThreshold,
		ExecHostFailThreshold: cfg.LockdownExecHostFailThreshold,
		UnlockCodePath:        cfg.AdminUnlockCodePath,
	}, system.WithLogger(logger))

	if err := a.buildRouter(); err != nil {
		return nil, err
	}

	a.memory = memory.New(st, a.events,
		memory.WithLogger(logger),
		memory.WithEmbedder(embedder),
		memory.WithSummarizer(a.summarizer()),
		memory.WithConfig(memory.Config{
			SecretScanEnabled: cfg.MemorySecretScanEnabled,
			PIIRedactMode:     string(cfg.MemoryPIIRedactMode),
			MergeSimilarity:   cfg.MemoryMergeSimilarity,
		}),
	)

	a.registry = tools.NewRegistry()
	a.engine = policy.New(st, a.events, a.registry,
		policy.WithLogger(logger),
		policy.WithMetrics(a.metrics),
	)
	a.exec = tools.NewExecHost(
		tools.WithExecLogger(logger),
		tools.WithExecObserver(a.system.ExecObserver()),
	)
	a.runtime = tools.NewRuntime(a.registry, a.engine, st, a.events,
		tools.WithLogger(logger),
		tools.WithMetrics(a.metrics),
		tools.WithTracer(a.tracer),
	)

	a.tasks = runner.New(cfg.TaskRunnerMaxConcurrent,
		runner.WithLogger(logger),
		runner.WithMetrics(a.metrics),
	)
	a.notifier = notify.New(notify.WithLogger(logger))

	a.orch = agent.New(agent.Deps{
		Store:    st,
		Events:   a.events,
		Memory:   a.memory,
		Router:   a.router,
		Tools:    a.runtime,
		Sender:   a.tasks,
		Notifier: a.notifier,
	}, agent.Config{
		TokenBudget: cfg.PromptTokenBudget,
	},
		agent.WithLogger(logger),
		agent.WithMetrics(a.metrics),
		agent.WithTracer(a.tracer),
	)

	if err := tools.RegisterBuiltins(a.registry, tools.BuiltinDeps{
		Store:    st,
		Memory:   a.memory,
		Exec:     a.exec,
		Delegate: a.orch.Delegate(),
	}); err != nil {
		return nil, fmt.Errorf("register builtin tools: %w", err)
	}

	a.channels = channel.NewRegistry()
	if cfg.WebhookEndpoint != "" {
		hook, err := channel.NewWebhook(channel.WebhookConfig{
			Endpoint: cfg.WebhookEndpoint,
			Token:    cfg.WebhookToken,
			Logger:   logger,
		})
		if err != nil {
			return nil, err
		}
		a.channels.Register(hook)
	}
	a.dispatch = channel.NewDispatcher(st, a.events, a.channels,
		channel.WithLogger(logger),
		channel.WithMetrics(a.metrics),
	)

	a.sched = schedule.New(st, a.events, a.tasks,
		schedule.WithLogger(logger),
		schedule.WithMetrics(a.metrics),
		schedule.WithTracer(a.tracer),
		schedule.WithDefaultMaxCatchup(cfg.SchedulerMaxCatchup),
	)

	a.tasks.Register(runner.TaskAgentStep, a.orch.TaskHandler())
	a.tasks.Register(runner.TaskChannelSend, a.dispatch.TaskHandler())

	if err := a.seedDefaults(ctx); err != nil {
		return nil, err
	}

	started = true
	return a, nil
}

// Close drains the task runner, then tears the services down in dependency
// order. Safe to call once.
func (a *app) Close() {
	a.tasks.Shutdown(a.cfg.TaskRunnerShutdownTimeout)
	a.notifier.Close()
	if err := a.system.Close(); err != nil {
		a.logger.Warn("close unlock code watcher", "error", err)
	}
	if a.traceStop != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := a.traceStop(ctx); err != nil {
			a.logger.Warn("trace exporter shutdown", "error", err)
		}
	}
	if err := a.store.Close(); err != nil {
		a.logger.Warn("close store", "error", err)
	}
}

// buildEmbedder picks the vector provider: the OpenAI-compatible endpoint
// when EMBED_MODEL is set, the deterministic hash embedder otherwise.
func (a *app) buildEmbedder() embed.Provider {
	if a.cfg.EmbedModel == "" {
		return embed.NewHashProvider()
	}
	p, err := embed.NewOpenAIProvider(embed.OpenAIConfig{
		APIKey:  a.cfg.FallbackAPIKey,
		BaseURL: a.cfg.FallbackBaseURL,
		Model:   a.cfg.EmbedModel,
	})
	if err != nil {
		a.logger.Warn("embedding provider unavailable, using hash embedder", "error", err)
		return embed.NewHashProvider()
	}
	return p
}

// buildRouter assembles the two generation lanes. Without an Anthropic key
// the fallback client serves both lanes, which keeps dev setups working
// against a single local model.
func (a *app) buildRouter() error {
	fallback, err := provider.NewOpenAI(provider.OpenAIConfig{
		APIKey:  a.cfg.FallbackAPIKey,
		BaseURL: a.cfg.FallbackBaseURL,
		Model:   a.cfg.FallbackModel,
	})
	if err != nil {
		return fmt.Errorf("fallback provider: %w", err)
	}

	var primary provider.Generator = fallback
	if a.cfg.AnthropicAPIKey != "" {
		anthropic, err := provider.NewAnthropic(provider.AnthropicConfig{
			APIKey: a.cfg.AnthropicAPIKey,
			Model:  a.cfg.AnthropicModel,
		})
		if err != nil {
			return fmt.Errorf("primary provider: %w", err)
		}
		primary = anthropic
	} else {
		a.logger.Warn("ANTHROPIC_API_KEY unset, primary lane uses the fallback provider")
	}

	a.broker = provider.NewBroker(a.cfg.BrokerMgmtURL)
	a.router = provider.NewRouter(primary, fallback, a.broker, a.cfg.QueueThresholdLocalLLM,
		provider.WithLogger(a.logger),
		provider.WithMetrics(a.metrics),
		provider.WithTracer(a.tracer),
	)
	return nil
}

// compactionPrompt steers the summarizer toward the two-grain shape the
// prompt packer consumes: one short line, then the long form.
const compactionPrompt = "Summarize the conversation transcript. " +
	"First line: one sentence under 30 words. Then a blank line and a " +
	"longer summary under 200 words keeping decisions, constraints, open " +
	"questions and action items."

// summarizer adapts the router into the memory service's compaction hook.
// Runs at low priority; failures fall back to the deterministic summary.
func (a *app) summarizer() memory.Summarizer {
	return func(ctx context.Context, transcript string) (memory.Summary, error) {
		res, err := a.router.Generate(ctx, provider.Request{
			System:    compactionPrompt,
			Messages:  []provider.Message{{Role: "user", Content: transcript}},
			Priority:  provider.PriorityLow,
			MaxTokens: 512,
		})
		if err != nil {
			return memory.Summary{}, err
		}
		text := strings.TrimSpace(res.Response.Text)
		if text == "" {
			return memory.Summary{}, fmt.Errorf("summarizer returned no text")
		}
		short, long, _ := strings.Cut(text, "\n")
		short = strings.TrimSpace(short)
		long = strings.TrimSpace(long)
		if long == "" {
			long = text
		}
		return memory.Summary{Short: short, Long: long}, nil
	}
}

// seedDefaults makes a fresh database usable: the interactive agent
// principal with its default grants. Existing rows are left alone.
func (a *app) seedDefaults(ctx context.Context) error {
	if _, err := a.store.EnsurePrincipal(ctx, models.MainPrincipal, models.PrincipalAgent); err != nil {
		return fmt.Errorf("ensure main principal: %w", err)
	}
	for _, tool := range defaultGrants {
		if err := a.store.GrantPermission(ctx, models.MainPrincipal, tool); err != nil {
			return fmt.Errorf("grant %s: %w", tool, err)
		}
	}
	return nil
}

// registerMaintenanceTasks binds the handlers behind the periodic jobs
// serve schedules.
func (a *app) registerMaintenanceTasks() {
	a.tasks.Register(taskScheduleTick, func(ctx context.Context, _ map[string]any) error {
		return a.sched.Tick(ctx)
	})
	a.tasks.Register(system.TaskReadyzProbe, a.system.ReadyzHandler())
	a.tasks.Register(system.TaskRotateUnlockCode, a.system.RotateHandler())
	a.tasks.Register(taskRetentionPrune, func(ctx context.Context, _ map[string]any) error {
		retention := time.Duration(a.cfg.EventRetentionDays) * 24 * time.Hour
		n, err := a.events.Prune(ctx, retention)
		if err != nil {
			return err
		}
		if n > 0 {
			a.logger.Info("event retention pruned", "removed", n)
		}
		return nil
	})
	a.tasks.Register(taskCompaction, func(ctx context.Context, _ map[string]any) error {
		n, err := a.memory.PeriodicCompaction(ctx, compactionOlderThan, compactionMinMsgs)
		if err != nil {
			return err
		}
		if n > 0 {
			a.logger.Info("threads compacted", "count", n)
		}
		return nil
	})
	a.tasks.Register(taskBackup, func(ctx context.Context, _ map[string]any) error {
		path, err := a.store.Backup(ctx, a.cfg.BackupDir, true)
		if err != nil {
			return err
		}
		a.logger.Info("backup written", "path", path)
		return nil
	})
	a.tasks.Register(taskQueueSample, a.queueSampler())
}

// queueSampler gauges every broker queue against its configured threshold.
// Probe failures cost one sample, never the task.
func (a *app) queueSampler() runner.Handler {
	thresholds := map[string]int{
		provider.QueueLocalLLM:      a.cfg.QueueThresholdLocalLLM,
		provider.QueueAgentPriority: a.cfg.QueueThresholdAgentPriority,
		provider.QueueAgentDefault:  a.cfg.QueueThresholdAgentDefault,
		provider.QueueToolsIO:       a.cfg.QueueThresholdToolsIO,
	}
	return func(ctx context.Context, _ map[string]any) error {
		for queue, threshold := range thresholds {
			depth, err := a.broker.QueueDepth(ctx, queue)
			if err != nil {
				a.logger.Warn("queue depth probe failed", "queue", queue, "error", err)
				continue
			}
			a.metrics.SetQueueDepth(queue, depth)
			if threshold > 0 && depth > threshold {
				a.logger.Warn("queue backlog above threshold",
					"queue", queue, "depth", depth, "threshold", threshold)
			}
		}
		return nil
	}
}

// ensureStateDirs provisions the persisted state layout serve writes into.
func (a *app) ensureStateDirs() error {
	for _, dir := range []string{a.cfg.BackupDir, a.cfg.PatchWorkdir} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}
