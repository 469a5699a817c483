package store

import (
	"context"
	"database/sql"
	"fmt"

	"maestro/pkg/models"
)

// GetSystemState reads the safety singleton. The row always exists; the
// initial migration seeds it.
func (s *Store) GetSystemState(ctx context.Context) (models.SystemState, error) {
	var st models.SystemState
	var lockdown, restarting int
	var updated string
	err := s.db.QueryRowContext(ctx,
		`SELECT lockdown, lockdown_reason, restarting, readyz_fail_streak, updated_at
		 FROM system_state WHERE id = 1`).
		Scan(&lockdown, &st.LockdownReason, &restarting, &st.ReadyzFailStreak, &updated)
	if err != nil {
		return models.SystemState{}, fmt.Errorf("get system state: %w", err)
	}
	st.Lockdown = lockdown != 0
	st.Restarting = restarting != 0
	st.UpdatedAt = parseTime(updated)
	return st, nil
}

// SetLockdown flips the lockdown flag. Turning it off clears the reason and
// the readyz streak.
func (s *Store) SetLockdown(ctx context.Context, on bool, reason string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if on {
			_, err := tx.ExecContext(ctx,
				`UPDATE system_state SET lockdown = 1, lockdown_reason = ?, updated_at = ? WHERE id = 1`,
				reason, formatTime(s.Now()))
			return err
		}
		_, err := tx.ExecContext(ctx,
			`UPDATE system_state SET lockdown = 0, lockdown_reason = '', readyz_fail_streak = 0, updated_at = ? WHERE id = 1`,
			formatTime(s.Now()))
		return err
	})
}

// SetRestarting toggles the restart window flag.
func (s *Store) SetRestarting(ctx context.Context, on bool) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE system_state SET restarting = ?, updated_at = ? WHERE id = 1`,
			boolInt(on), formatTime(s.Now()))
		return err
	})
}

// BumpReadyzStreak increments the consecutive-failure counter on fail and
// resets it on success, returning the new streak.
func (s *Store) BumpReadyzStreak(ctx context.Context, fail bool) (int, error) {
	streak := 0
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if fail {
			if _, err := tx.ExecContext(ctx,
				`UPDATE system_state SET readyz_fail_streak = readyz_fail_streak + 1, updated_at = ? WHERE id = 1`,
				formatTime(s.Now())); err != nil {
				return err
			}
		} else {
			if _, err := tx.ExecContext(ctx,
				`UPDATE system_state SET readyz_fail_streak = 0, updated_at = ? WHERE id = 1`,
				formatTime(s.Now())); err != nil {
				return err
			}
		}
		return tx.QueryRowContext(ctx,
			`SELECT readyz_fail_streak FROM system_state WHERE id = 1`).Scan(&streak)
	})
	if err != nil {
		return 0, fmt.Errorf("bump readyz streak: %w", err)
	}
	return streak, nil
}
