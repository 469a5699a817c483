package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/term"

	"maestro/internal/channel"
	"maestro/internal/config"
	"maestro/internal/fault"
	"maestro/internal/gates"
	"maestro/internal/ids"
	"maestro/internal/notify"
	"maestro/internal/observability"
	"maestro/internal/runner"
	"maestro/internal/store"
	"maestro/internal/system"
	"maestro/internal/tools"
	"maestro/pkg/models"
)

const defaultAskTimeoutS = 60

type askOptions struct {
	userID    string
	threadID  string
	newThread bool
	enqueue   bool
	timeoutS  int
	jsonOut   bool
}

type askResult struct {
	Reply     string `json:"reply"`
	ThreadID  string `json:"thread_id"`
	TraceID   string `json:"trace_id"`
	MessageID string `json:"message_id,omitempty"`
}

type askError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	TraceID string `json:"trace_id"`
}

func runAsk(ctx context.Context, cfg config.Config, logger *slog.Logger, message string, opts askOptions, out io.Writer) error {
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	traceID := ids.NewTrace()

	state, err := a.system.State(ctx)
	if err != nil {
		return askFail(out, opts.jsonOut, traceID, err)
	}
	if state.Restarting {
		return askFail(out, opts.jsonOut, traceID,
			fault.Policy("restarting: new requests are refused until the restart window closes"))
	}

	thread, err := resolveThread(ctx, a.store, opts.userID, opts.threadID, opts.newThread)
	if err != nil {
		return askFail(out, opts.jsonOut, traceID, err)
	}

	userMsg, err := a.store.AppendMessage(ctx, store.MessageInput{
		ThreadID: thread.ID,
		Role:     models.RoleUser,
		Content:  message,
		ActorID:  opts.userID,
	})
	if err != nil {
		return askFail(out, opts.jsonOut, traceID, err)
	}

	if opts.enqueue {
		err = awaitStep(ctx, a, traceID, thread.ID, opts.timeoutS)
	} else {
		err = a.orch.Step(ctx, traceID, thread.ID, models.MainPrincipal)
	}
	if err != nil {
		return askFail(out, opts.jsonOut, traceID, err)
	}

	reply, msgID, err := latestReply(ctx, a.store, thread.ID, userMsg.CreatedAt)
	if err != nil {
		return askFail(out, opts.jsonOut, traceID, err)
	}

	if opts.jsonOut {
		return printJSON(out, askResult{
			Reply:     reply,
			ThreadID:  thread.ID,
			TraceID:   traceID,
			MessageID: msgID,
		})
	}
	fmt.Fprintln(out, reply)
	return nil
}

// askFail reports the failure on the requested format and passes the error
// through so the process exit code reflects it.
func askFail(out io.Writer, jsonOut bool, traceID string, err error) error {
	if jsonOut {
		var resp askError
		code := fault.Classify(err)
		if code == "unknown" {
			if kind := fault.KindOf(err); kind != "" {
				code = string(kind)
			}
		}
		resp.Error.Code = code
		resp.Error.Message = err.Error()
		resp.TraceID = traceID
		printJSON(out, resp)
	}
	return err
}

// awaitStep runs the step through the task runner and blocks until the done
// notice for this trace arrives. Subscribing before the send closes the
// window where a fast worker could finish unobserved.
func awaitStep(ctx context.Context, a *app, traceID, threadID string, timeoutS int) error {
	if timeoutS <= 0 {
		timeoutS = defaultAskTimeoutS
	}
	notices, cancel := a.notifier.Subscribe(notify.KindDone)
	defer cancel()

	if !a.tasks.SendTask(runner.TaskAgentStep, map[string]any{
		"trace_id":  traceID,
		"thread_id": threadID,
	}) {
		return fmt.Errorf("task runner refused the step")
	}

	timer := time.NewTimer(time.Duration(timeoutS) * time.Second)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return fmt.Errorf("no reply within %ds: %w", timeoutS, context.DeadlineExceeded)
		case notice, ok := <-notices:
			if !ok {
				return fmt.Errorf("notifier closed before the step finished")
			}
			if notice.TraceID == traceID {
				return nil
			}
		}
	}
}

// latestReply returns the newest assistant message after the given time,
// or empty strings when the step produced none.
func latestReply(ctx context.Context, st *store.Store, threadID string, after time.Time) (string, string, error) {
	msgs, err := st.MessagesAfter(ctx, threadID, after)
	if err != nil {
		return "", "", err
	}
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == models.RoleAssistant {
			return msgs[i].Content, msgs[i].ID, nil
		}
	}
	return "", "", nil
}

// resolveThread picks the conversation target: an explicit thread id wins,
// otherwise the open CLI thread for the user, freshly rolled when asked.
func resolveThread(ctx context.Context, st *store.Store, userID, threadID string, newThread bool) (models.Thread, error) {
	if threadID != "" {
		return st.GetThread(ctx, threadID)
	}
	user, err := st.EnsureUser(ctx, userID)
	if err != nil {
		return models.Thread{}, err
	}
	ch, err := st.EnsureChannel(ctx, user.ID, models.ChannelCLI, "local")
	if err != nil {
		return models.Thread{}, err
	}
	if newThread {
		open, err := st.EnsureOpenThread(ctx, user.ID, ch.ID)
		if err != nil {
			return models.Thread{}, err
		}
		if err := st.CloseThread(ctx, open.ID); err != nil {
			return models.Thread{}, err
		}
	}
	return st.EnsureOpenThread(ctx, user.ID, ch.ID)
}

func runChat(ctx context.Context, cfg config.Config, logger *slog.Logger, userID string, in io.Reader, out io.Writer) error {
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	thread, err := resolveThread(ctx, a.store, userID, "", false)
	if err != nil {
		return err
	}

	interactive := false
	if f, ok := in.(*os.File); ok {
		interactive = term.IsTerminal(int(f.Fd()))
	}
	if interactive {
		fmt.Fprintf(out, "maestro chat - thread %s (/quit to exit)\n", thread.ID)
	}

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for {
		if interactive {
			fmt.Fprint(out, "you> ")
		}
		if !scanner.Scan() {
			break
		}
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		if text == "/quit" {
			break
		}
		reply, err := chatTurn(ctx, a, thread, userID, text)
		if err != nil {
			fmt.Fprintf(out, "error: %v\n", err)
			continue
		}
		fmt.Fprintln(out, reply)
	}
	return scanner.Err()
}

func chatTurn(ctx context.Context, a *app, thread models.Thread, userID, text string) (string, error) {
	state, err := a.system.State(ctx)
	if err != nil {
		return "", err
	}
	if state.Restarting {
		return "", fault.Policy("restarting: try again shortly")
	}

	traceID := ids.NewTrace()
	userMsg, err := a.store.AppendMessage(ctx, store.MessageInput{
		ThreadID: thread.ID,
		Role:     models.RoleUser,
		Content:  text,
		ActorID:  userID,
	})
	if err != nil {
		return "", err
	}
	if err := a.orch.Step(ctx, traceID, thread.ID, models.MainPrincipal); err != nil {
		return "", err
	}
	reply, _, err := latestReply(ctx, a.store, thread.ID, userMsg.CreatedAt)
	return reply, err
}

// runTestGates executes the verification gates without touching the
// database, so it works on a checkout with no state at all.
func runTestGates(ctx context.Context, cfg config.Config, logger *slog.Logger, failFast, jsonOut bool, out io.Writer) error {
	var (
		list []gates.Gate
		err  error
	)
	if cfg.GatesFile != "" {
		list, err = gates.Load(cfg.GatesFile)
		if err != nil {
			return err
		}
	} else {
		list = gates.Defaults()
	}

	exec := tools.NewExecHost(tools.WithExecLogger(logger))
	summary := gates.NewRunner(exec, gates.WithLogger(logger)).Run(ctx, list, failFast)

	if jsonOut {
		if err := printJSONIndent(out, summary); err != nil {
			return err
		}
	} else {
		for _, res := range summary.Results {
			verdict := "PASS"
			if !res.Passed {
				verdict = "FAIL"
			}
			fmt.Fprintf(out, "%s  %-12s %s (%.1fs)\n", verdict, res.Name, res.Command, res.Duration.Seconds())
			if !res.Passed && res.Output != "" {
				fmt.Fprint(out, indent(res.Output, "      "))
			}
		}
		fmt.Fprintf(out, "%d passed, %d failed, %d total in %.1fs\n",
			summary.Passed, summary.Failed, summary.Total, summary.Duration.Seconds())
	}

	if !summary.Ok() {
		return fmt.Errorf("%d of %d gates failed", summary.Failed, summary.Total)
	}
	return nil
}

func runServe(ctx context.Context, cfg config.Config, logger *slog.Logger, debug bool) error {
	if debug {
		logger = buildLogger("debug", cfg.LogFormat)
		slog.SetDefault(logger)
	}

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	// Boot closes any restart window a previous process left open.
	if err := a.system.SetRestarting(ctx, false); err != nil {
		logger.Warn("clear restarting flag", "error", err)
	}
	if err := a.ensureStateDirs(); err != nil {
		return err
	}

	a.channels.Register(channel.NewCLI(os.Stdout))

	if err := a.system.WatchUnlockCode(ctx); err != nil {
		logger.Warn("unlock code watcher unavailable", "error", err)
	}

	a.registerMaintenanceTasks()
	periodic := runner.NewPeriodic(a.tasks, runner.WithPeriodicLogger(logger))
	periodic.Add(taskScheduleTick, scheduleTickInterval, nil)
	periodic.Add(system.TaskReadyzProbe, readyzProbeInterval, nil)
	periodic.Add(taskRetentionPrune, retentionInterval, nil)
	periodic.Add(taskCompaction, compactionInterval, nil)
	if cfg.AdminUnlockCodePath != "" {
		periodic.Add(system.TaskRotateUnlockCode, rotationInterval, nil)
	}
	if cfg.BrokerMgmtURL != "" {
		periodic.Add(taskQueueSample, queueSampleInterval, nil)
	}
	periodic.Add(taskBackup, backupInterval, nil)
	periodic.Start()
	defer periodic.Shutdown()

	var metricsSrv *observability.Server
	if cfg.MetricsAddr != "" {
		ready := func(ctx context.Context) error {
			if err := a.store.Ping(ctx); err != nil {
				return err
			}
			state, err := a.system.State(ctx)
			if err != nil {
				return err
			}
			if state.Lockdown {
				return fmt.Errorf("lockdown: %s", state.LockdownReason)
			}
			return nil
		}
		metricsSrv = observability.NewServer(cfg.MetricsAddr, ready, logger)
		go metricsSrv.Start()
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("maestro serving",
		"version", version,
		"db", cfg.DBPath,
		"env", string(cfg.Env),
		"metrics", cfg.MetricsAddr,
	)
	<-ctx.Done()
	logger.Info("shutting down")

	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics server shutdown", "error", err)
		}
	}
	return nil
}

func runLockdown(ctx context.Context, cfg config.Config, logger *slog.Logger, mode, reason, code string, out io.Writer) error {
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	switch mode {
	case "on":
		if reason == "" {
			reason = "manual lockdown"
		}
		if err := a.system.Lockdown(ctx, reason, "manual"); err != nil {
			return err
		}
		fmt.Fprintf(out, "lockdown engaged: %s\n", reason)
		return nil
	case "off":
		if err := a.system.Unlock(ctx, code); err != nil {
			return err
		}
		fmt.Fprintln(out, "lockdown clear")
		return nil
	default:
		return fault.Config(fmt.Sprintf("lockdown mode must be on or off, got %q", mode), nil)
	}
}

func runApprove(ctx context.Context, cfg config.Config, logger *slog.Logger, tool string, ttl time.Duration, out io.Writer) error {
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	if ttl <= 0 {
		ttl = cfg.ApprovalTTL
	}
	approval, err := a.store.CreateApproval(ctx, tool, "operator", ttl)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "approval %s for %s expires %s\n",
		approval.ID, approval.Tool, approval.ExpiresAt.UTC().Format(time.RFC3339))
	return nil
}

func printJSON(out io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, string(data))
	return err
}

func printJSONIndent(out io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, string(data))
	return err
}

func indent(s, prefix string) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	var b strings.Builder
	for _, line := range lines {
		b.WriteString(prefix)
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return b.String()
}
