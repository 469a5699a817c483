package gates

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"maestro/internal/tools"
)

const (
	// DefaultGateTimeout bounds one gate command. Gates are build-type work,
	// so they get far more room than an ordinary host command.
	DefaultGateTimeout = 600 * time.Second

	// gateOutputCap keeps only the tail of a failing gate's output, where
	// compilers and test runners put their verdict.
	gateOutputCap = 8 << 10
)

// Result is one finished gate.
type Result struct {
	Name     string        `json:"name"`
	Command  string        `json:"command"`
	Passed   bool          `json:"passed"`
	ExitCode int           `json:"exit_code"`
	TimedOut bool          `json:"timed_out,omitempty"`
	Duration time.Duration `json:"duration"`
	Output   string        `json:"output,omitempty"`
	Err      string        `json:"error,omitempty"`
}

// Summary aggregates one gate run. With fail-fast, gates after the first
// failure never run and appear in no Result; Total still counts them.
type Summary struct {
	Results  []Result      `json:"results"`
	Passed   int           `json:"passed"`
	Failed   int           `json:"failed"`
	Total    int           `json:"total"`
	Duration time.Duration `json:"duration"`
}

// Ok reports whether every gate ran and passed.
func (s Summary) Ok() bool { return s.Failed == 0 && s.Passed == s.Total }

// Runner executes gates in order through the shared exec host.
type Runner struct {
	exec    *tools.ExecHost
	timeout time.Duration
	logger  *slog.Logger
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) RunnerOption {
	return func(r *Runner) {
		if l != nil {
			r.logger = l.With("component", "gates")
		}
	}
}

// WithTimeout overrides the default per-gate deadline.
func WithTimeout(d time.Duration) RunnerOption {
	return func(r *Runner) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// NewRunner builds a gate runner over an exec host.
func NewRunner(exec *tools.ExecHost, opts ...RunnerOption) *Runner {
	r := &Runner{
		exec:    exec,
		timeout: DefaultGateTimeout,
		logger:  nopLogger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes the gates in order. With failFast the first failure stops
// the run; otherwise every gate runs and the summary carries all verdicts.
func (r *Runner) Run(ctx context.Context, gates []Gate, failFast bool) Summary {
	start := time.Now()
	summary := Summary{Total: len(gates)}
	for _, gate := range gates {
		res := r.runGate(ctx, gate)
		summary.Results = append(summary.Results, res)
		if res.Passed {
			summary.Passed++
			continue
		}
		summary.Failed++
		if failFast || ctx.Err() != nil {
			break
		}
	}
	summary.Duration = time.Since(start)
	return summary
}

func (r *Runner) runGate(ctx context.Context, gate Gate) Result {
	timeout := time.Duration(gate.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = r.timeout
	}
	r.logger.Info("gate started", "gate", gate.Name, "command", gate.Command)

	execRes, err := r.exec.Run(ctx, gate.Command, gate.Dir, timeout)
	if err != nil {
		r.logger.Error("gate could not start", "gate", gate.Name, "error", err)
		return Result{Name: gate.Name, Command: gate.Command, ExitCode: -1, Err: err.Error()}
	}

	res := Result{
		Name:     gate.Name,
		Command:  gate.Command,
		Passed:   execRes.ExitCode == 0 && !execRes.TimedOut,
		ExitCode: execRes.ExitCode,
		TimedOut: execRes.TimedOut,
		Duration: execRes.Duration,
	}
	if !res.Passed {
		res.Output = tailOutput(execRes.Stdout, execRes.Stderr)
		r.logger.Warn("gate failed",
			"gate", gate.Name, "exit_code", res.ExitCode, "timed_out", res.TimedOut)
		return res
	}
	r.logger.Info("gate passed", "gate", gate.Name, "duration", res.Duration)
	return res
}

// tailOutput joins both streams and keeps the last gateOutputCap bytes.
func tailOutput(stdout, stderr string) string {
	combined := stdout
	if stderr != "" {
		if combined != "" && !strings.HasSuffix(combined, "\n") {
			combined += "\n"
		}
		combined += stderr
	}
	combined = strings.TrimSpace(combined)
	if len(combined) > gateOutputCap {
		combined = combined[len(combined)-gateOutputCap:]
	}
	return combined
}

var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (discardHandler) WithAttrs([]slog.Attr) slog.Handler        { return discardHandler{} }
func (discardHandler) WithGroup(string) slog.Handler             { return discardHandler{} }
