package system

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"

	"maestro/internal/fault"
	"maestro/internal/runner"
)

// Unlock clears an active lockdown after verifying the admin code against
// the code file. With no code path configured any code is accepted.
func (m *Manager) Unlock(ctx context.Context, code string) error {
	current, err := m.currentCode()
	if err != nil {
		return err
	}
	if current != "" && subtle.ConstantTimeCompare([]byte(current), []byte(code)) != 1 {
		m.emit(ctx, "system.unlock.denied", map[string]any{"reason": "invalid code"})
		m.logger.Warn("unlock denied", "reason", "invalid code")
		return fault.Policy("invalid unlock code")
	}
	state, err := m.store.GetSystemState(ctx)
	if err != nil {
		return fmt.Errorf("read system state: %w", err)
	}
	if !state.Lockdown {
		return nil
	}
	if err := m.store.SetLockdown(ctx, false, ""); err != nil {
		return fmt.Errorf("clear lockdown: %w", err)
	}
	m.emit(ctx, "system.lockdown", map[string]any{
		"on":      false,
		"trigger": "unlock",
	})
	m.logger.Info("lockdown cleared")
	return nil
}

// RotateHandler returns the periodic handler rotating the unlock code.
func (m *Manager) RotateHandler() runner.Handler {
	return func(ctx context.Context, kwargs map[string]any) error {
		return m.RotateUnlockCode(ctx)
	}
}

// RotateUnlockCode writes a fresh random code to the code file. Without a
// configured path this is a no-op.
func (m *Manager) RotateUnlockCode(ctx context.Context) error {
	if m.cfg.UnlockCodePath == "" {
		return nil
	}
	m.codeMu.Lock()
	defer m.codeMu.Unlock()
	_, err := m.rotateLocked()
	return err
}

// rotateLocked generates and persists a new code. codeMu must be held.
func (m *Manager) rotateLocked() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate unlock code: %w", err)
	}
	code := hex.EncodeToString(buf)
	if err := os.WriteFile(m.cfg.UnlockCodePath, []byte(code+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("write unlock code: %w", err)
	}
	m.code = code
	m.codeStale = false
	return code, nil
}

// currentCode returns the code in force, reading the file only when the
// cache is cold or was invalidated by the watcher. A missing file is
// provisioned with a fresh code so a configured path never degrades to
// accept-anything.
func (m *Manager) currentCode() (string, error) {
	if m.cfg.UnlockCodePath == "" {
		return "", nil
	}
	m.codeMu.Lock()
	defer m.codeMu.Unlock()
	if m.code != "" && !m.codeStale {
		return m.code, nil
	}
	raw, err := os.ReadFile(m.cfg.UnlockCodePath)
	if errors.Is(err, fs.ErrNotExist) {
		return m.rotateLocked()
	}
	if err != nil {
		return "", fmt.Errorf("read unlock code: %w", err)
	}
	code := strings.TrimSpace(string(raw))
	m.code = code
	m.codeStale = false
	return code, nil
}

// WatchUnlockCode invalidates the cached code when the file changes on
// disk, so out-of-band rotations take effect without a restart. The parent
// directory is watched because rotations replace the file rather than write
// in place.
func (m *Manager) WatchUnlockCode(ctx context.Context) error {
	if m.cfg.UnlockCodePath == "" {
		return nil
	}
	m.watchMu.Lock()
	if m.watcher != nil {
		m.watchMu.Unlock()
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		m.watchMu.Unlock()
		return fmt.Errorf("create watcher: %w", err)
	}
	dir := filepath.Dir(m.cfg.UnlockCodePath)
	if err := watcher.Add(dir); err != nil {
		m.watchMu.Unlock()
		watcher.Close()
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	m.watcher = watcher
	watchCtx, cancel := context.WithCancel(ctx)
	m.watchCancel = cancel
	m.watchMu.Unlock()

	m.watchWg.Add(1)
	go m.watchLoop(watchCtx)
	return nil
}

// Close stops the unlock code watcher.
func (m *Manager) Close() error {
	m.watchMu.Lock()
	if m.watchCancel != nil {
		m.watchCancel()
		m.watchCancel = nil
	}
	watcher := m.watcher
	m.watcher = nil
	m.watchMu.Unlock()

	if watcher != nil {
		_ = watcher.Close()
	}
	m.watchWg.Wait()
	return nil
}

func (m *Manager) watchLoop(ctx context.Context) {
	defer m.watchWg.Done()
	m.watchMu.Lock()
	watcher := m.watcher
	m.watchMu.Unlock()
	if watcher == nil {
		return
	}

	target := filepath.Clean(m.cfg.UnlockCodePath)
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
				m.codeMu.Lock()
				m.codeStale = true
				m.codeMu.Unlock()
				m.logger.Debug("unlock code changed on disk", "op", event.Op.String())
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			m.logger.Warn("unlock code watch error", "error", err)
		}
	}
}
