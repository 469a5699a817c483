package main

import (
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"maestro/internal/config"
)

// =============================================================================
// Ask Command
// =============================================================================

// buildAskCmd creates the "ask" command: one message in, one reply out.
func buildAskCmd(cfg config.Config, logger *slog.Logger) *cobra.Command {
	var opts askOptions

	cmd := &cobra.Command{
		Use:   "ask <message>",
		Short: "Send one message and print the reply",
		Long: `Send a single message to the assistant and print the reply.

The message lands in the user's open CLI thread, so consecutive asks share
context. By default the agent step runs inline in this process; --enqueue
routes it through the task queue and waits for the completion notice.`,
		Example: `  # One-shot question
  maestro ask "what did we decide about the retention window?"

  # Structured output for scripts
  maestro ask --json "summarize the open threads"

  # Run through the task queue with a longer deadline
  maestro ask --enqueue --timeout-s 120 "plan tomorrow"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAsk(cmd.Context(), cfg, logger, args[0], opts, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&opts.userID, "user-id", "local", "Acting user id")
	cmd.Flags().StringVar(&opts.threadID, "thread", "", "Target an explicit thread id")
	cmd.Flags().BoolVar(&opts.newThread, "new-thread", false, "Close the open thread and start fresh")
	cmd.Flags().BoolVar(&opts.enqueue, "enqueue", false, "Run the step through the task queue")
	cmd.Flags().IntVar(&opts.timeoutS, "timeout-s", defaultAskTimeoutS, "Seconds to wait for a queued reply")
	cmd.Flags().BoolVar(&opts.jsonOut, "json", false, "Print the result as JSON")

	return cmd
}

// =============================================================================
// Chat Command
// =============================================================================

// buildChatCmd creates the "chat" command, a line-oriented REPL over the
// open CLI thread.
func buildChatCmd(cfg config.Config, logger *slog.Logger) *cobra.Command {
	var userID string

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Interactive conversation on the open thread",
		Example: `  # Talk until /quit
  maestro chat

  # Pipe a scripted conversation
  printf 'hello\n/quit\n' | maestro chat`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd.Context(), cfg, logger, userID, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&userID, "user-id", "local", "Acting user id")

	return cmd
}

// =============================================================================
// Test Gates Command
// =============================================================================

// buildTestGatesCmd creates the "test-gates" command that runs the
// verification gate suite.
func buildTestGatesCmd(cfg config.Config, logger *slog.Logger) *cobra.Command {
	var (
		failFast bool
		jsonOut  bool
	)

	cmd := &cobra.Command{
		Use:   "test-gates",
		Short: "Run the verification gates and report pass/fail",
		Long: `Run the verification gates (build, vet, tests by default) through the
exec host and print a per-gate verdict. Set GATES_FILE to load a custom
gate list. Exits non-zero when any gate fails.`,
		Example: `  # Run the default gates
  maestro test-gates

  # Stop at the first failure, machine-readable output
  maestro test-gates --fail-fast --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTestGates(cmd.Context(), cfg, logger, failFast, jsonOut, cmd.OutOrStdout())
		},
	}

	cmd.Flags().BoolVar(&failFast, "fail-fast", false, "Stop at the first failing gate")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Print the summary as JSON")

	return cmd
}

// =============================================================================
// Serve Command
// =============================================================================

// buildServeCmd creates the "serve" command that runs the long-lived
// assistant process.
func buildServeCmd(cfg config.Config, logger *slog.Logger) *cobra.Command {
	var debug bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the assistant with schedules and maintenance loops",
		Long: `Run the long-lived assistant process.

Serve starts the task runner, the schedule evaluator, the readiness probe,
event retention, memory compaction, unlock code rotation and daily backups,
plus the metrics listener when METRICS_ADDR is set. Graceful shutdown on
SIGINT/SIGTERM.`,
		Example: `  # Run in the foreground
  maestro serve

  # Verbose logging
  maestro serve --debug`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), cfg, logger, debug)
		},
	}

	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")

	return cmd
}

// =============================================================================
// Lockdown Command
// =============================================================================

// buildLockdownCmd creates the "lockdown" command for manual safety control.
func buildLockdownCmd(cfg config.Config, logger *slog.Logger) *cobra.Command {
	var (
		reason string
		code   string
	)

	cmd := &cobra.Command{
		Use:   "lockdown on|off",
		Short: "Engage or clear the safety lockdown",
		Long: `Engage or clear the safety lockdown.

While lockdown is active only the safe tool set runs and readiness reports
failure. Clearing requires the current unlock code when an admin code path
is configured.`,
		Example: `  # Engage manually
  maestro lockdown on --reason "suspicious outbound traffic"

  # Clear with the rotated code
  maestro lockdown off --code 483921`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLockdown(cmd.Context(), cfg, logger, args[0], reason, code, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "", "Reason recorded with the lockdown")
	cmd.Flags().StringVar(&code, "code", "", "Unlock code (required to clear when rotation is on)")

	return cmd
}

// =============================================================================
// Approve Command
// =============================================================================

// buildApproveCmd creates the "approve" command that grants one privileged
// tool call.
func buildApproveCmd(cfg config.Config, logger *slog.Logger) *cobra.Command {
	var ttlMinutes int

	cmd := &cobra.Command{
		Use:   "approve <tool>",
		Short: "Create a single-use approval for a privileged tool",
		Long: `Create a single-use approval for a privileged tool.

Privileged tools such as host.exec.sudo consume one unexpired approval per
call on top of their permission grant. The approval expires after the TTL
whether or not it was used.`,
		Example: `  # Allow one sudo execution within the default window
  maestro approve host.exec.sudo

  # Shorter window
  maestro approve host.exec.sudo --ttl-m 5`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runApprove(cmd.Context(), cfg, logger, args[0],
				time.Duration(ttlMinutes)*time.Minute, cmd.OutOrStdout())
		},
	}

	cmd.Flags().IntVar(&ttlMinutes, "ttl-m", 0, "Approval lifetime in minutes (0 uses APPROVAL_TTL_MINUTES)")

	return cmd
}
