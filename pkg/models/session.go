package models

import "time"

// SessionStatus is the lifecycle state of an agent-to-agent session.
type SessionStatus string

const (
	SessionActive SessionStatus = "active"
	SessionClosed SessionStatus = "closed"
)

// Session mirrors a thread for inter-agent traffic. Delegation targets are
// addressed by agent id; the session carries ids only, never pointers.
type Session struct {
	ID          string        `json:"id"`
	ThreadID    string        `json:"thread_id"`
	InitiatorID string        `json:"initiator_id"`
	AgentID     string        `json:"agent_id"`
	Status      SessionStatus `json:"status"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// SessionParticipant links a principal into a session.
type SessionParticipant struct {
	SessionID   string    `json:"session_id"`
	PrincipalID string    `json:"principal_id"`
	JoinedAt    time.Time `json:"joined_at"`
}
