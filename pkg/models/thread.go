package models

import "time"

// ChannelType identifies a delivery surface for outbound messages.
type ChannelType string

const (
	ChannelCLI     ChannelType = "cli"
	ChannelWebhook ChannelType = "webhook"
)

// ThreadStatus is the lifecycle state of a conversation thread.
type ThreadStatus string

const (
	ThreadOpen   ThreadStatus = "open"
	ThreadClosed ThreadStatus = "closed"
)

// Role indicates the author type of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleAgent     Role = "agent"
	RoleSystem    Role = "system"
)

// User is a person the assistant talks to.
type User struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"display_name,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Channel is a concrete delivery endpoint for a user (one per surface).
type Channel struct {
	ID     string      `json:"id"`
	UserID string      `json:"user_id"`
	Type   ChannelType `json:"type"`
	// Address is the platform-specific recipient handle.
	Address   string    `json:"address,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// ThreadKind separates the user's interactive thread from the isolated
// threads scheduled runs and agent sessions get.
type ThreadKind string

const (
	ThreadKindMain      ThreadKind = "main"
	ThreadKindScheduled ThreadKind = "scheduled"
	ThreadKindSession   ThreadKind = "session"
)

// Thread is a conversation owned by exactly one user on one channel.
// A user has at most one open thread across all channels; scheduled runs
// get their own isolated threads.
type Thread struct {
	ID        string       `json:"id"`
	UserID    string       `json:"user_id"`
	ChannelID string       `json:"channel_id"`
	Status    ThreadStatus `json:"status"`
	Kind      ThreadKind   `json:"kind"`
	// StateWatermark marks how far state extraction has read the thread.
	StateWatermark time.Time `json:"state_watermark,omitempty"`
	// SummaryShort and SummaryLong are the rolling compaction outputs used
	// when packing prompts.
	SummaryShort string    `json:"summary_short,omitempty"`
	SummaryLong  string    `json:"summary_long,omitempty"`
	CompactedAt  time.Time `json:"compacted_at,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Message is one turn fragment inside a thread, totally ordered by CreatedAt.
type Message struct {
	ID       string         `json:"id"`
	ThreadID string         `json:"thread_id"`
	Role     Role           `json:"role"`
	Content  string         `json:"content"`
	Media    map[string]any `json:"media,omitempty"`
	// ActorID is set for agent-authored messages (delegation traffic).
	ActorID   string    `json:"actor_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
