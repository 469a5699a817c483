// Package system enforces the safety state machine: the lockdown and
// restart flags on the persisted singleton, the readyz failure streak, exec
// host failure counting, and the rotating admin unlock code.
package system

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"maestro/internal/eventlog"
	"maestro/internal/runner"
	"maestro/internal/store"
	"maestro/pkg/models"
)

// Periodic task names the manager registers handlers for.
const (
	TaskReadyzProbe      = "readyz_probe"
	TaskRotateUnlockCode = "rotate_unlock_code"
)

// Probe checks one set of readiness dependencies.
type Probe func(ctx context.Context) error

// Config tunes the lockdown triggers.
type Config struct {
	// ReadyzFailThreshold is the consecutive probe-failure count that
	// engages lockdown.
	ReadyzFailThreshold int
	// ExecHostFailThreshold is the consecutive exec host failure count that
	// engages lockdown.
	ExecHostFailThreshold int
	// UnlockCodePath is the file carrying the current admin unlock code.
	// Empty means no code is enforced.
	UnlockCodePath string
}

func (c Config) withDefaults() Config {
	if c.ReadyzFailThreshold <= 0 {
		c.ReadyzFailThreshold = 3
	}
	if c.ExecHostFailThreshold <= 0 {
		c.ExecHostFailThreshold = 5
	}
	return c
}

// Manager owns every transition of the system safety state. The singleton
// row in the store is the source of truth; the manager adds the triggers,
// the audit events and the unlock code handling on top.
type Manager struct {
	store  *store.Store
	events *eventlog.Log
	cfg    Config
	probe  Probe
	logger *slog.Logger

	execMu    sync.Mutex
	execFails int

	codeMu    sync.Mutex
	code      string
	codeStale bool

	watchMu     sync.Mutex
	watcher     *fsnotify.Watcher
	watchCancel context.CancelFunc
	watchWg     sync.WaitGroup
}

// Option configures the manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l.With("component", "system")
		}
	}
}

// WithProbe replaces the readiness probe. The default pings the store.
func WithProbe(p Probe) Option {
	return func(m *Manager) {
		if p != nil {
			m.probe = p
		}
	}
}

// New creates a manager over the persisted system state.
func New(st *store.Store, events *eventlog.Log, cfg Config, opts ...Option) *Manager {
	m := &Manager{
		store:  st,
		events: events,
		cfg:    cfg.withDefaults(),
		probe:  st.Ping,
		logger: nopLogger,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// ReadyzHandler returns the periodic handler running one probe cycle.
func (m *Manager) ReadyzHandler() runner.Handler {
	return func(ctx context.Context, kwargs map[string]any) error {
		return m.ProbeOnce(ctx)
	}
}

// ProbeOnce runs the readiness probe and applies the streak rule: the
// persisted streak grows on failure, resets on success, and engages lockdown
// at the threshold. A failing probe below the threshold is recorded, not
// reported as a task failure.
func (m *Manager) ProbeOnce(ctx context.Context) error {
	probeErr := m.probe(ctx)
	streak, err := m.store.BumpReadyzStreak(ctx, probeErr != nil)
	if err != nil {
		return err
	}
	if probeErr == nil {
		return nil
	}
	m.logger.Warn("readyz probe failed", "streak", streak, "error", probeErr)
	if streak >= m.cfg.ReadyzFailThreshold {
		return m.Lockdown(ctx, fmt.Sprintf("readyz failed %d consecutive probes", streak), "readyz")
	}
	return nil
}

// ExecObserver returns the callback the exec host reports run outcomes to.
// Consecutive host failures at the threshold engage lockdown; any success
// resets the count.
func (m *Manager) ExecObserver() func(hostFailure bool) {
	return func(hostFailure bool) {
		m.execMu.Lock()
		if !hostFailure {
			m.execFails = 0
			m.execMu.Unlock()
			return
		}
		m.execFails++
		fails := m.execFails
		m.execMu.Unlock()

		if fails < m.cfg.ExecHostFailThreshold {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := m.Lockdown(ctx, fmt.Sprintf("exec host failed %d times", fails), "exec_host"); err != nil {
			m.logger.Error("lockdown after exec host failures", "error", err)
		}
	}
}

// Lockdown engages lockdown with a reason. Engaging an active lockdown is a
// no-op so a repeating trigger cannot spam the audit trail.
func (m *Manager) Lockdown(ctx context.Context, reason, trigger string) error {
	state, err := m.store.GetSystemState(ctx)
	if err != nil {
		return fmt.Errorf("read system state: %w", err)
	}
	if state.Lockdown {
		return nil
	}
	if err := m.store.SetLockdown(ctx, true, reason); err != nil {
		return fmt.Errorf("set lockdown: %w", err)
	}
	m.emit(ctx, "system.lockdown", map[string]any{
		"on":      true,
		"reason":  reason,
		"trigger": trigger,
	})
	m.logger.Warn("lockdown engaged", "reason", reason, "trigger", trigger)
	return nil
}

// SetRestarting toggles the restart window flag. Only actual transitions
// are persisted and audited.
func (m *Manager) SetRestarting(ctx context.Context, on bool) error {
	state, err := m.store.GetSystemState(ctx)
	if err != nil {
		return fmt.Errorf("read system state: %w", err)
	}
	if state.Restarting == on {
		return nil
	}
	if err := m.store.SetRestarting(ctx, on); err != nil {
		return fmt.Errorf("set restarting: %w", err)
	}
	m.emit(ctx, "system.restarting", map[string]any{"on": on})
	m.logger.Info("restart window", "on", on)
	return nil
}

// State reads the safety singleton.
func (m *Manager) State(ctx context.Context) (models.SystemState, error) {
	return m.store.GetSystemState(ctx)
}

func (m *Manager) emit(ctx context.Context, eventType string, payload map[string]any) {
	if _, err := m.events.Emit(ctx, models.EventInput{
		EventType: eventType,
		Component: "system",
		ActorType: models.ActorSystem,
		Payload:   payload,
	}); err != nil {
		m.logger.Error("emit failed", "event_type", eventType, "error", err)
	}
}

var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (discardHandler) WithAttrs([]slog.Attr) slog.Handler        { return discardHandler{} }
func (discardHandler) WithGroup(string) slog.Handler             { return discardHandler{} }
