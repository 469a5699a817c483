// Package config loads runtime settings from the environment. Every knob has
// a default that works for local development; prod validation is strict.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"maestro/internal/fault"
)

// Env selects validation strictness.
type Env string

const (
	EnvDev  Env = "dev"
	EnvProd Env = "prod"
)

// PIIMode governs memory-write PII handling.
type PIIMode string

const (
	PIIOff  PIIMode = "off"
	PIIMask PIIMode = "mask"
	PIIDeny PIIMode = "deny"
)

// Config is the full runtime configuration.
type Config struct {
	DBPath string
	Env    Env

	TaskRunnerMaxConcurrent   int
	TaskRunnerShutdownTimeout time.Duration

	SchedulerMaxCatchup int

	QueueThresholdLocalLLM      int
	QueueThresholdAgentPriority int
	QueueThresholdAgentDefault  int
	QueueThresholdToolsIO       int

	LockdownReadyzFailThreshold   int
	LockdownExecHostFailThreshold int

	MemorySecretScanEnabled bool
	MemoryPIIRedactMode     PIIMode
	MemoryMergeSimilarity   float64

	EventRetentionDays  int
	ApprovalTTL         time.Duration
	AdminUnlockCodePath string

	AnthropicAPIKey string
	AnthropicModel  string
	FallbackBaseURL string
	FallbackAPIKey  string
	FallbackModel   string
	EmbedModel      string

	BrokerMgmtURL     string
	PromptTokenBudget int

	WebhookEndpoint string
	WebhookToken    string

	MetricsAddr  string
	OTLPEndpoint string

	BackupDir    string
	PatchWorkdir string
	GatesFile    string

	LogLevel  string
	LogFormat string
}

// Default returns the development defaults.
func Default() Config {
	return Config{
		DBPath:                        "maestro.db",
		Env:                           EnvDev,
		TaskRunnerMaxConcurrent:       8,
		TaskRunnerShutdownTimeout:     30 * time.Second,
		SchedulerMaxCatchup:           5,
		QueueThresholdLocalLLM:        10,
		QueueThresholdAgentPriority:   50,
		QueueThresholdAgentDefault:    100,
		QueueThresholdToolsIO:         200,
		LockdownReadyzFailThreshold:   3,
		LockdownExecHostFailThreshold: 5,
		MemorySecretScanEnabled:       true,
		MemoryPIIRedactMode:           PIIMask,
		MemoryMergeSimilarity:         0.92,
		EventRetentionDays:            30,
		ApprovalTTL:                   15 * time.Minute,
		FallbackBaseURL:               "http://127.0.0.1:8080/v1",
		FallbackAPIKey:                "local",
		FallbackModel:                 "local-llm",
		PromptTokenBudget:             6000,
		BackupDir:                     "backups",
		PatchWorkdir:                  "patches",
		LogLevel:                      "info",
		LogFormat:                     "json",
	}
}

// Load reads the environment over Default(). Parse failures surface as
// config faults; validation strictness is applied separately via Validate.
func Load() (Config, error) {
	cfg := Default()
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	cfg.DBPath = envStr("APP_DB", cfg.DBPath)
	if v := envStr("APP_ENV", string(cfg.Env)); v != "" {
		cfg.Env = Env(strings.ToLower(v))
	}

	keep(envInt("TASK_RUNNER_MAX_CONCURRENT", &cfg.TaskRunnerMaxConcurrent))
	keep(envSeconds("TASK_RUNNER_SHUTDOWN_TIMEOUT_SECONDS", &cfg.TaskRunnerShutdownTimeout))
	keep(envInt("SCHEDULER_MAX_CATCHUP", &cfg.SchedulerMaxCatchup))

	keep(envInt("QUEUE_THRESHOLD_LOCAL_LLM", &cfg.QueueThresholdLocalLLM))
	keep(envInt("QUEUE_THRESHOLD_AGENT_PRIORITY", &cfg.QueueThresholdAgentPriority))
	keep(envInt("QUEUE_THRESHOLD_AGENT_DEFAULT", &cfg.QueueThresholdAgentDefault))
	keep(envInt("QUEUE_THRESHOLD_TOOLS_IO", &cfg.QueueThresholdToolsIO))

	keep(envInt("LOCKDOWN_READYZ_FAIL_THRESHOLD", &cfg.LockdownReadyzFailThreshold))
	keep(envInt("LOCKDOWN_EXEC_HOST_FAIL_THRESHOLD", &cfg.LockdownExecHostFailThreshold))

	keep(envBool("MEMORY_SECRET_SCAN_ENABLED", &cfg.MemorySecretScanEnabled))
	if v := envStr("MEMORY_PII_REDACT_MODE", string(cfg.MemoryPIIRedactMode)); v != "" {
		cfg.MemoryPIIRedactMode = PIIMode(strings.ToLower(v))
	}
	keep(envFloat("MEMORY_MERGE_SIMILARITY", &cfg.MemoryMergeSimilarity))

	keep(envInt("EVENT_RETENTION_DAYS", &cfg.EventRetentionDays))
	keep(envMinutes("APPROVAL_TTL_MINUTES", &cfg.ApprovalTTL))
	cfg.AdminUnlockCodePath = envStr("ADMIN_UNLOCK_CODE_PATH", cfg.AdminUnlockCodePath)

	cfg.AnthropicAPIKey = envStr("ANTHROPIC_API_KEY", cfg.AnthropicAPIKey)
	cfg.AnthropicModel = envStr("ANTHROPIC_MODEL", cfg.AnthropicModel)
	cfg.FallbackBaseURL = envStr("FALLBACK_BASE_URL", cfg.FallbackBaseURL)
	cfg.FallbackAPIKey = envStr("FALLBACK_API_KEY", cfg.FallbackAPIKey)
	cfg.FallbackModel = envStr("FALLBACK_MODEL", cfg.FallbackModel)
	cfg.EmbedModel = envStr("EMBED_MODEL", cfg.EmbedModel)

	cfg.BrokerMgmtURL = envStr("BROKER_MGMT_URL", cfg.BrokerMgmtURL)
	keep(envInt("PROMPT_TOKEN_BUDGET", &cfg.PromptTokenBudget))

	cfg.WebhookEndpoint = envStr("WEBHOOK_ENDPOINT", cfg.WebhookEndpoint)
	cfg.WebhookToken = envStr("WEBHOOK_TOKEN", cfg.WebhookToken)

	cfg.MetricsAddr = envStr("METRICS_ADDR", cfg.MetricsAddr)
	cfg.OTLPEndpoint = envStr("OTLP_ENDPOINT", cfg.OTLPEndpoint)

	cfg.BackupDir = envStr("BACKUP_DIR", cfg.BackupDir)
	cfg.PatchWorkdir = envStr("PATCH_WORKDIR", cfg.PatchWorkdir)
	cfg.GatesFile = envStr("GATES_FILE", cfg.GatesFile)

	cfg.LogLevel = strings.ToLower(envStr("LOG_LEVEL", cfg.LogLevel))
	cfg.LogFormat = strings.ToLower(envStr("LOG_FORMAT", cfg.LogFormat))

	if firstErr != nil {
		return cfg, firstErr
	}
	return cfg, nil
}

// Validate enforces invariants; prod additionally requires explicit
// provider credentials and an explicit DB path.
func (c Config) Validate() error {
	switch c.Env {
	case EnvDev, EnvProd:
	default:
		return fault.Config(fmt.Sprintf("APP_ENV must be dev or prod, got %q", c.Env), nil)
	}

	switch c.MemoryPIIRedactMode {
	case PIIOff, PIIMask, PIIDeny:
	default:
		return fault.Config(fmt.Sprintf("MEMORY_PII_REDACT_MODE must be off, mask or deny, got %q", c.MemoryPIIRedactMode), nil)
	}

	if c.TaskRunnerMaxConcurrent < 1 {
		return fault.Config("TASK_RUNNER_MAX_CONCURRENT must be >= 1", nil)
	}
	if c.SchedulerMaxCatchup < 1 {
		return fault.Config("SCHEDULER_MAX_CATCHUP must be >= 1", nil)
	}
	if c.EventRetentionDays < 1 {
		return fault.Config("EVENT_RETENTION_DAYS must be >= 1", nil)
	}
	if c.MemoryMergeSimilarity <= 0 || c.MemoryMergeSimilarity > 1 {
		return fault.Config("MEMORY_MERGE_SIMILARITY must be in (0, 1]", nil)
	}
	if c.PromptTokenBudget < 256 {
		return fault.Config("PROMPT_TOKEN_BUDGET must be >= 256", nil)
	}

	if c.Env == EnvProd {
		if os.Getenv("APP_DB") == "" {
			return fault.Config("APP_DB must be set explicitly in prod", nil)
		}
		if c.AnthropicAPIKey == "" {
			return fault.Config("ANTHROPIC_API_KEY is required in prod", nil)
		}
		if c.AdminUnlockCodePath == "" {
			return fault.Config("ADMIN_UNLOCK_CODE_PATH is required in prod", nil)
		}
	}
	return nil
}

func envStr(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return def
}

func envInt(key string, dst *int) error {
	v, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(v) == "" {
		return nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return fault.Config(fmt.Sprintf("%s must be an integer, got %q", key, v), err)
	}
	*dst = n
	return nil
}

func envFloat(key string, dst *float64) error {
	v, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(v) == "" {
		return nil
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return fault.Config(fmt.Sprintf("%s must be a number, got %q", key, v), err)
	}
	*dst = f
	return nil
}

func envBool(key string, dst *bool) error {
	v, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(v) == "" {
		return nil
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return fault.Config(fmt.Sprintf("%s must be a boolean, got %q", key, v), err)
	}
	*dst = b
	return nil
}

func envSeconds(key string, dst *time.Duration) error {
	var n int
	if err := envInt(key, &n); err != nil {
		return err
	}
	if n > 0 {
		*dst = time.Duration(n) * time.Second
	}
	return nil
}

func envMinutes(key string, dst *time.Duration) error {
	var n int
	if err := envInt(key, &n); err != nil {
		return err
	}
	if n > 0 {
		*dst = time.Duration(n) * time.Minute
	}
	return nil
}
