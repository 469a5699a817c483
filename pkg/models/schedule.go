package models

import "time"

// Schedule is a user-defined recurring agent run. CronExpr is either a
// 5-field cron expression or "@every:<seconds>".
type Schedule struct {
	ID       string `json:"id"`
	ThreadID string `json:"thread_id"`
	CronExpr string `json:"cron_expr"`
	// Payload is passed through to the agent step kwargs.
	Payload map[string]any `json:"payload,omitempty"`
	Enabled bool           `json:"enabled"`
	// LastRunAt is the most recent dispatched slot, nil before the first run.
	LastRunAt *time.Time `json:"last_run_at,omitempty"`
	// MaxCatchup caps slots emitted per tick; 0 means use the configured
	// default. The effective value is never below 1.
	MaxCatchup int       `json:"max_catchup,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// ScheduleDispatch is the durable witness that a specific slot was enqueued.
// (ScheduleID, DueAt) is unique; the constraint is the idempotency guarantee.
type ScheduleDispatch struct {
	ID           string    `json:"id"`
	ScheduleID   string    `json:"schedule_id"`
	DueAt        time.Time `json:"due_at"`
	DispatchedAt time.Time `json:"dispatched_at"`
}
