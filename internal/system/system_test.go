package system

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"maestro/internal/eventlog"
	"maestro/internal/fault"
	"maestro/internal/store"
)

type systemEnv struct {
	manager *Manager
	store   *store.Store
	probeMu sync.Mutex
	probeOK bool
}

func newSystemEnv(t *testing.T, cfg Config) *systemEnv {
	t.Helper()
	var mu sync.Mutex
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	now := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		at = at.Add(time.Millisecond)
		return at
	}
	ctx := context.Background()

	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), store.WithNow(now))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { st.Close() })
	if err := st.Migrate(ctx); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	events := eventlog.New(st, eventlog.WithNow(now))

	env := &systemEnv{store: st, probeOK: true}
	env.manager = New(st, events, cfg, WithProbe(func(ctx context.Context) error {
		env.probeMu.Lock()
		defer env.probeMu.Unlock()
		if env.probeOK {
			return nil
		}
		return errors.New("dependency unavailable")
	}))
	return env
}

func (e *systemEnv) setProbe(ok bool) {
	e.probeMu.Lock()
	defer e.probeMu.Unlock()
	e.probeOK = ok
}

func (e *systemEnv) countEvents(t *testing.T, eventType string) int {
	t.Helper()
	n, err := e.store.CountEvents(context.Background(), "", "", eventType)
	if err != nil {
		t.Fatalf("CountEvents() error = %v", err)
	}
	return n
}

func TestProbeOnceEngagesLockdownAtThreshold(t *testing.T) {
	env := newSystemEnv(t, Config{ReadyzFailThreshold: 3})
	ctx := context.Background()
	env.setProbe(false)

	for i := 0; i < 2; i++ {
		if err := env.manager.ProbeOnce(ctx); err != nil {
			t.Fatalf("ProbeOnce() error = %v", err)
		}
	}
	state, err := env.manager.State(ctx)
	if err != nil {
		t.Fatalf("State() error = %v", err)
	}
	if state.Lockdown {
		t.Fatal("locked down below the failure threshold")
	}
	if state.ReadyzFailStreak != 2 {
		t.Fatalf("ReadyzFailStreak = %d, want 2", state.ReadyzFailStreak)
	}

	if err := env.manager.ProbeOnce(ctx); err != nil {
		t.Fatalf("ProbeOnce() error = %v", err)
	}
	state, err = env.manager.State(ctx)
	if err != nil {
		t.Fatalf("State() error = %v", err)
	}
	if !state.Lockdown {
		t.Fatal("expected lockdown at the failure threshold")
	}
	if want := "readyz failed 3 consecutive probes"; state.LockdownReason != want {
		t.Fatalf("LockdownReason = %q, want %q", state.LockdownReason, want)
	}
	if got := env.countEvents(t, "system.lockdown"); got != 1 {
		t.Fatalf("system.lockdown events = %d, want 1", got)
	}
}

func TestProbeOnceSuccessResetsStreak(t *testing.T) {
	env := newSystemEnv(t, Config{ReadyzFailThreshold: 3})
	ctx := context.Background()

	env.setProbe(false)
	for i := 0; i < 2; i++ {
		if err := env.manager.ProbeOnce(ctx); err != nil {
			t.Fatalf("ProbeOnce() error = %v", err)
		}
	}
	env.setProbe(true)
	if err := env.manager.ProbeOnce(ctx); err != nil {
		t.Fatalf("ProbeOnce() error = %v", err)
	}
	state, err := env.manager.State(ctx)
	if err != nil {
		t.Fatalf("State() error = %v", err)
	}
	if state.ReadyzFailStreak != 0 {
		t.Fatalf("ReadyzFailStreak = %d, want 0 after success", state.ReadyzFailStreak)
	}

	env.setProbe(false)
	for i := 0; i < 2; i++ {
		if err := env.manager.ProbeOnce(ctx); err != nil {
			t.Fatalf("ProbeOnce() error = %v", err)
		}
	}
	state, err = env.manager.State(ctx)
	if err != nil {
		t.Fatalf("State() error = %v", err)
	}
	if state.Lockdown {
		t.Fatal("streak should have restarted from zero after a success")
	}
}

func TestLockdownIdempotent(t *testing.T) {
	env := newSystemEnv(t, Config{})
	ctx := context.Background()

	if err := env.manager.Lockdown(ctx, "first reason", "manual"); err != nil {
		t.Fatalf("Lockdown() error = %v", err)
	}
	if err := env.manager.Lockdown(ctx, "second reason", "manual"); err != nil {
		t.Fatalf("Lockdown() error = %v", err)
	}
	state, err := env.manager.State(ctx)
	if err != nil {
		t.Fatalf("State() error = %v", err)
	}
	if state.LockdownReason != "first reason" {
		t.Fatalf("LockdownReason = %q, want the original reason kept", state.LockdownReason)
	}
	if got := env.countEvents(t, "system.lockdown"); got != 1 {
		t.Fatalf("system.lockdown events = %d, want 1", got)
	}
}

func TestUnlockWithCurrentCode(t *testing.T) {
	dir := t.TempDir()
	env := newSystemEnv(t, Config{UnlockCodePath: filepath.Join(dir, "unlock_code")})
	ctx := context.Background()

	if err := env.manager.RotateUnlockCode(ctx); err != nil {
		t.Fatalf("RotateUnlockCode() error = %v", err)
	}
	raw, err := os.ReadFile(filepath.Join(dir, "unlock_code"))
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	code := strings.TrimSpace(string(raw))
	if len(code) != 32 {
		t.Fatalf("code length = %d, want 32 hex chars", len(code))
	}

	if err := env.manager.Lockdown(ctx, "operator request", "manual"); err != nil {
		t.Fatalf("Lockdown() error = %v", err)
	}
	if err := env.manager.Unlock(ctx, code); err != nil {
		t.Fatalf("Unlock() error = %v", err)
	}
	state, err := env.manager.State(ctx)
	if err != nil {
		t.Fatalf("State() error = %v", err)
	}
	if state.Lockdown {
		t.Fatal("still locked after a valid unlock")
	}
	if state.LockdownReason != "" {
		t.Fatalf("LockdownReason = %q, want cleared", state.LockdownReason)
	}
	if got := env.countEvents(t, "system.lockdown"); got != 2 {
		t.Fatalf("system.lockdown events = %d, want engage + clear", got)
	}
}

func TestUnlockRejectsWrongCode(t *testing.T) {
	dir := t.TempDir()
	env := newSystemEnv(t, Config{UnlockCodePath: filepath.Join(dir, "unlock_code")})
	ctx := context.Background()

	if err := env.manager.RotateUnlockCode(ctx); err != nil {
		t.Fatalf("RotateUnlockCode() error = %v", err)
	}
	if err := env.manager.Lockdown(ctx, "operator request", "manual"); err != nil {
		t.Fatalf("Lockdown() error = %v", err)
	}

	err := env.manager.Unlock(ctx, "not-the-code")
	if err == nil {
		t.Fatal("Unlock() accepted a wrong code")
	}
	if !fault.IsKind(err, fault.KindPolicy) {
		t.Fatalf("Unlock() error = %v, want policy fault", err)
	}
	state, stateErr := env.manager.State(ctx)
	if stateErr != nil {
		t.Fatalf("State() error = %v", stateErr)
	}
	if !state.Lockdown {
		t.Fatal("wrong code cleared lockdown")
	}
	if got := env.countEvents(t, "system.unlock.denied"); got != 1 {
		t.Fatalf("system.unlock.denied events = %d, want 1", got)
	}
}

func TestUnlockWithoutCodePathAcceptsAnyCode(t *testing.T) {
	env := newSystemEnv(t, Config{})
	ctx := context.Background()

	if err := env.manager.Lockdown(ctx, "operator request", "manual"); err != nil {
		t.Fatalf("Lockdown() error = %v", err)
	}
	if err := env.manager.Unlock(ctx, "whatever"); err != nil {
		t.Fatalf("Unlock() error = %v", err)
	}
	state, err := env.manager.State(ctx)
	if err != nil {
		t.Fatalf("State() error = %v", err)
	}
	if state.Lockdown {
		t.Fatal("still locked with no code path configured")
	}
}

func TestUnlockProvisionsMissingCodeFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "unlock_code")
	env := newSystemEnv(t, Config{UnlockCodePath: path})
	ctx := context.Background()

	if err := env.manager.Lockdown(ctx, "operator request", "manual"); err != nil {
		t.Fatalf("Lockdown() error = %v", err)
	}
	if err := env.manager.Unlock(ctx, "a guess"); err == nil {
		t.Fatal("Unlock() accepted a guess against a freshly provisioned code")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("code file was not provisioned: %v", err)
	}
	if len(strings.TrimSpace(string(raw))) != 32 {
		t.Fatalf("provisioned code = %q, want 32 hex chars", strings.TrimSpace(string(raw)))
	}
}

func TestSetRestartingEmitsOnTransition(t *testing.T) {
	env := newSystemEnv(t, Config{})
	ctx := context.Background()

	if err := env.manager.SetRestarting(ctx, true); err != nil {
		t.Fatalf("SetRestarting(true) error = %v", err)
	}
	if err := env.manager.SetRestarting(ctx, true); err != nil {
		t.Fatalf("SetRestarting(true) again error = %v", err)
	}
	if err := env.manager.SetRestarting(ctx, false); err != nil {
		t.Fatalf("SetRestarting(false) error = %v", err)
	}
	if got := env.countEvents(t, "system.restarting"); got != 2 {
		t.Fatalf("system.restarting events = %d, want transitions only", got)
	}
	state, err := env.manager.State(ctx)
	if err != nil {
		t.Fatalf("State() error = %v", err)
	}
	if state.Restarting {
		t.Fatal("Restarting = true after toggling off")
	}
}

func TestExecObserverEngagesLockdownAfterConsecutiveFailures(t *testing.T) {
	env := newSystemEnv(t, Config{ExecHostFailThreshold: 2})
	ctx := context.Background()
	observe := env.manager.ExecObserver()

	observe(true)
	observe(false)
	observe(true)
	state, err := env.manager.State(ctx)
	if err != nil {
		t.Fatalf("State() error = %v", err)
	}
	if state.Lockdown {
		t.Fatal("locked down although a success reset the failure count")
	}

	observe(true)
	state, err = env.manager.State(ctx)
	if err != nil {
		t.Fatalf("State() error = %v", err)
	}
	if !state.Lockdown {
		t.Fatal("expected lockdown after consecutive exec host failures")
	}
	if want := "exec host failed 2 times"; state.LockdownReason != want {
		t.Fatalf("LockdownReason = %q, want %q", state.LockdownReason, want)
	}
}

func TestWatchUnlockCodePicksUpExternalRotation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "unlock_code")
	env := newSystemEnv(t, Config{UnlockCodePath: path})
	ctx := context.Background()

	if err := env.manager.RotateUnlockCode(ctx); err != nil {
		t.Fatalf("RotateUnlockCode() error = %v", err)
	}
	if err := env.manager.WatchUnlockCode(ctx); err != nil {
		t.Fatalf("WatchUnlockCode() error = %v", err)
	}
	t.Cleanup(func() { env.manager.Close() })

	if err := env.manager.Lockdown(ctx, "operator request", "manual"); err != nil {
		t.Fatalf("Lockdown() error = %v", err)
	}
	if err := os.WriteFile(path, []byte("out-of-band-code\n"), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		err := env.manager.Unlock(ctx, "out-of-band-code")
		if err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("watcher never picked up the rotated code: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}
	state, err := env.manager.State(ctx)
	if err != nil {
		t.Fatalf("State() error = %v", err)
	}
	if state.Lockdown {
		t.Fatal("still locked after unlocking with the rotated code")
	}
}
