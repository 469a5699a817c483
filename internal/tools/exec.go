package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"
	"time"
)

const (
	// DefaultExecTimeout bounds a host command unless the call asks for less.
	DefaultExecTimeout = 120 * time.Second

	// execOutputCap truncates each of stdout and stderr at 64 KiB.
	execOutputCap = 64 << 10
)

// ExecResult is one finished host command.
type ExecResult struct {
	Command  string        `json:"command"`
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	ExitCode int           `json:"exit_code"`
	TimedOut bool          `json:"timed_out"`
	Duration time.Duration `json:"duration"`
}

// ExecHost runs shell commands for the host.exec tool family. Output is
// capped, every run carries a deadline, and a timeout surfaces as a flag on
// the result rather than an error so the model can see what happened.
type ExecHost struct {
	shell    string
	dir      string
	timeout  time.Duration
	logger   *slog.Logger
	observer func(hostFailure bool)
}

// ExecOption configures an ExecHost.
type ExecOption func(*ExecHost)

// WithExecTimeout overrides the default per-command deadline.
func WithExecTimeout(d time.Duration) ExecOption {
	return func(h *ExecHost) {
		if d > 0 {
			h.timeout = d
		}
	}
}

// WithExecDir sets the default working directory for commands.
func WithExecDir(dir string) ExecOption {
	return func(h *ExecHost) { h.dir = dir }
}

// WithExecLogger sets the logger; the default discards output.
func WithExecLogger(logger *slog.Logger) ExecOption {
	return func(h *ExecHost) {
		if logger != nil {
			h.logger = logger.With("component", "exec")
		}
	}
}

// WithExecObserver reports run outcomes. The observer sees true when the
// host could not start a command at all; non-zero exits and timeouts count
// as the command's problem, not the host's.
func WithExecObserver(fn func(hostFailure bool)) ExecOption {
	return func(h *ExecHost) { h.observer = fn }
}

// NewExecHost builds a host command runner.
func NewExecHost(opts ...ExecOption) *ExecHost {
	h := &ExecHost{
		shell:   "/bin/sh",
		timeout: DefaultExecTimeout,
		logger:  nopLogger,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Run executes command through the shell. A non-zero exit or a timeout is
// reported in the result, not as an error; only failing to start the command
// errors out.
func (h *ExecHost) Run(ctx context.Context, command, cwd string, timeout time.Duration) (ExecResult, error) {
	return h.run(ctx, []string{h.shell, "-c", command}, command, cwd, timeout)
}

// RunElevated is Run through sudo -n. The shell itself is elevated, so pipes
// and redirects inside the command inherit the privilege.
func (h *ExecHost) RunElevated(ctx context.Context, command, cwd string, timeout time.Duration) (ExecResult, error) {
	return h.run(ctx, []string{"sudo", "-n", h.shell, "-c", command}, command, cwd, timeout)
}

func (h *ExecHost) run(ctx context.Context, argv []string, command, cwd string, timeout time.Duration) (ExecResult, error) {
	if command == "" {
		return ExecResult{}, fmt.Errorf("command is required")
	}
	if timeout <= 0 {
		timeout = h.timeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	dir := cwd
	if dir == "" {
		dir = h.dir
	}
	if dir != "" {
		cmd.Dir = dir
	}
	stdout := newLimitedBuffer(execOutputCap)
	stderr := newLimitedBuffer(execOutputCap)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	err := cmd.Run()
	timedOut := errors.Is(runCtx.Err(), context.DeadlineExceeded)
	if err != nil && !timedOut {
		if _, ok := err.(*exec.ExitError); !ok {
			if h.observer != nil {
				h.observer(true)
			}
			return ExecResult{}, fmt.Errorf("start command: %w", err)
		}
	}
	if h.observer != nil {
		h.observer(false)
	}

	res := ExecResult{
		Command:  command,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: exitCode(err),
		TimedOut: timedOut,
		Duration: time.Since(start),
	}
	h.logger.Debug("command finished",
		"exit_code", res.ExitCode, "timed_out", res.TimedOut, "duration", res.Duration)
	return res, nil
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// limitedBuffer keeps at most max bytes and silently drops the rest, so a
// chatty command cannot blow up an event payload.
type limitedBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func newLimitedBuffer(max int) *limitedBuffer {
	return &limitedBuffer{max: max}
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.max > 0 && len(b.buf) >= b.max {
		return len(p), nil
	}
	remaining := b.max - len(b.buf)
	if b.max > 0 && len(p) > remaining {
		b.buf = append(b.buf, p[:remaining]...)
		return len(p), nil
	}
	b.buf = append(b.buf, p...)
	return len(p), nil
}

func (b *limitedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
