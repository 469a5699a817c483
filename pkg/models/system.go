package models

import "time"

// SystemState is the process-wide safety singleton. The DB row is the source
// of truth; there is no in-memory mirror. restarting=true refuses new
// ingress; lockdown=true allows only the safe tool subset.
type SystemState struct {
	Lockdown         bool      `json:"lockdown"`
	LockdownReason   string    `json:"lockdown_reason,omitempty"`
	Restarting       bool      `json:"restarting"`
	ReadyzFailStreak int       `json:"readyz_fail_streak"`
	UpdatedAt        time.Time `json:"updated_at"`
}
