package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"maestro/internal/ids"
	"maestro/pkg/models"
)

// CreateSchedule registers a recurring run owned by a thread.
func (s *Store) CreateSchedule(ctx context.Context, threadID, cronExpr string, payload map[string]any, maxCatchup int) (models.Schedule, error) {
	if payload == nil {
		payload = map[string]any{}
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return models.Schedule{}, fmt.Errorf("encode payload: %w", err)
	}
	sc := models.Schedule{
		ID:         ids.NewSchedule(),
		ThreadID:   threadID,
		CronExpr:   cronExpr,
		Payload:    payload,
		Enabled:    true,
		MaxCatchup: maxCatchup,
		CreatedAt:  s.Now(),
	}
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO schedules (id, thread_id, cron_expr, payload_json, enabled, last_run_at, max_catchup, created_at)
			 VALUES (?, ?, ?, ?, 1, '', ?, ?)`,
			sc.ID, sc.ThreadID, sc.CronExpr, string(payloadJSON), sc.MaxCatchup, formatTime(sc.CreatedAt))
		return err
	})
	if err != nil {
		return models.Schedule{}, fmt.Errorf("create schedule: %w", err)
	}
	return sc, nil
}

const scheduleCols = `id, thread_id, cron_expr, payload_json, enabled, last_run_at, max_catchup, created_at`

func scanSchedule(r rowScanner) (models.Schedule, error) {
	var sc models.Schedule
	var payload, lastRun, created string
	var enabled int
	err := r.Scan(&sc.ID, &sc.ThreadID, &sc.CronExpr, &payload, &enabled, &lastRun, &sc.MaxCatchup, &created)
	if err != nil {
		return models.Schedule{}, err
	}
	if err := json.Unmarshal([]byte(payload), &sc.Payload); err != nil {
		return models.Schedule{}, fmt.Errorf("decode payload: %w", err)
	}
	sc.Enabled = enabled != 0
	if lastRun != "" {
		t := parseTime(lastRun)
		sc.LastRunAt = &t
	}
	sc.CreatedAt = parseTime(created)
	return sc, nil
}

// GetSchedule returns one schedule by id.
func (s *Store) GetSchedule(ctx context.Context, id string) (models.Schedule, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+scheduleCols+` FROM schedules WHERE id = ?`, id)
	sc, err := scanSchedule(row)
	if err != nil {
		return models.Schedule{}, fmt.Errorf("get schedule %s: %w", id, err)
	}
	return sc, nil
}

// ListEnabledSchedules returns every enabled schedule in creation order.
func (s *Store) ListEnabledSchedules(ctx context.Context) ([]models.Schedule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+scheduleCols+` FROM schedules WHERE enabled = 1 ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	defer rows.Close()
	var out []models.Schedule
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

// SetScheduleEnabled toggles a schedule.
func (s *Store) SetScheduleEnabled(ctx context.Context, id string, enabled bool) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE schedules SET enabled = ? WHERE id = ?`, boolInt(enabled), id)
		return err
	})
}

// UpdateScheduleLastRun advances last_run_at to the latest dispatched slot.
func (s *Store) UpdateScheduleLastRun(ctx context.Context, id string, at time.Time) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE schedules SET last_run_at = ? WHERE id = ?`, formatTime(at), id)
		return err
	})
}

// InsertDispatch records the durable witness for one (schedule, slot). A
// duplicate slot violates the unique constraint and reports inserted=false;
// that silence is the idempotency guarantee across restarts and double
// ticks.
func (s *Store) InsertDispatch(ctx context.Context, scheduleID string, dueAt time.Time) (models.ScheduleDispatch, bool, error) {
	d := models.ScheduleDispatch{
		ID:           ids.NewDispatch(),
		ScheduleID:   scheduleID,
		DueAt:        dueAt.UTC(),
		DispatchedAt: s.Now(),
	}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO schedule_dispatches (id, schedule_id, due_at, dispatched_at)
			 VALUES (?, ?, ?, ?)`,
			d.ID, d.ScheduleID, formatTime(d.DueAt), formatTime(d.DispatchedAt))
		return err
	})
	if err != nil {
		if isUniqueViolation(err) {
			return models.ScheduleDispatch{}, false, nil
		}
		return models.ScheduleDispatch{}, false, fmt.Errorf("insert dispatch: %w", err)
	}
	return d, true, nil
}

// ListDispatches returns all dispatch rows for a schedule in slot order.
func (s *Store) ListDispatches(ctx context.Context, scheduleID string) ([]models.ScheduleDispatch, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, schedule_id, due_at, dispatched_at FROM schedule_dispatches
		 WHERE schedule_id = ? ORDER BY due_at ASC`,
		scheduleID)
	if err != nil {
		return nil, fmt.Errorf("list dispatches: %w", err)
	}
	defer rows.Close()
	var out []models.ScheduleDispatch
	for rows.Next() {
		var d models.ScheduleDispatch
		var due, dispatched string
		if err := rows.Scan(&d.ID, &d.ScheduleID, &due, &dispatched); err != nil {
			return nil, fmt.Errorf("scan dispatch: %w", err)
		}
		d.DueAt = parseTime(due)
		d.DispatchedAt = parseTime(dispatched)
		out = append(out, d)
	}
	return out, rows.Err()
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
