// Package main provides the maestro CLI: the orchestration core of a
// personal multi-agent assistant, driven from the terminal.
//
// Interactive use:
//
//	maestro ask "what did we decide about the launch date?"
//	maestro chat
//
// Operations:
//
//	maestro serve
//	maestro test-gates --fail-fast
//	maestro lockdown on --reason "suspicious tool activity"
//	maestro approve host.exec.sudo --ttl-m 5
//
// Configuration is environment-first: APP_DB selects the SQLite file,
// APP_ENV switches dev/prod validation strictness, and LOG_LEVEL/LOG_FORMAT
// shape the process logger. See internal/config for the full key table.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"maestro/internal/config"
	"maestro/internal/fault"
)

// Build information, populated by ldflags.
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD)"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	cfg, cfgErr := config.Load()

	logger := buildLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	// A malformed environment is a usage problem, not a runtime failure.
	if cfgErr != nil {
		logger.Error("invalid environment", "error", cfgErr)
		os.Exit(2)
	}

	rootCmd := buildRootCmd(cfg, logger)
	if err := rootCmd.Execute(); err != nil {
		logger.Error("command failed", "error", err)
		if fault.IsKind(err, fault.KindConfig) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// Separated from main to facilitate testing.
func buildRootCmd(cfg config.Config, logger *slog.Logger) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "maestro",
		Short: "Maestro - personal multi-agent assistant core",
		Long: `Maestro turns inbound messages into assistant replies by driving a loop of
model calls, policy-gated tool invocations and inter-agent delegation, with
durable coordination in an embedded SQLite store and every step on an
append-only audit trail.

Configuration comes from the environment: APP_DB selects the database file
and APP_ENV picks dev or prod validation strictness.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	// Flag mistakes are usage errors and exit 2 like environment problems.
	rootCmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return fault.Config(err.Error(), nil)
	})

	rootCmd.AddCommand(
		buildAskCmd(cfg, logger),
		buildChatCmd(cfg, logger),
		buildTestGatesCmd(cfg, logger),
		buildServeCmd(cfg, logger),
		buildLockdownCmd(cfg, logger),
		buildApproveCmd(cfg, logger),
	)

	return rootCmd
}

// buildLogger constructs the process logger from LOG_LEVEL and LOG_FORMAT.
func buildLogger(level, format string) *slog.Logger {
	var lv slog.Level
	switch level {
	case "debug":
		lv = slog.LevelDebug
	case "warn":
		lv = slog.LevelWarn
	case "error":
		lv = slog.LevelError
	default:
		lv = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lv}
	if format == "text" {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}
