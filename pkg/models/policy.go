package models

import "time"

// RiskTier orders how dangerous a principal's tools may be.
type RiskTier string

const (
	RiskLow    RiskTier = "low"
	RiskMedium RiskTier = "medium"
	RiskHigh   RiskTier = "high"
)

// RiskRank maps a tier to its ordering value (low < medium < high).
// Unknown tiers rank lowest.
func RiskRank(t RiskTier) int {
	switch t {
	case RiskLow:
		return 0
	case RiskMedium:
		return 1
	case RiskHigh:
		return 2
	default:
		return 0
	}
}

// PrincipalKind distinguishes agents from the system identity.
type PrincipalKind string

const (
	PrincipalAgent  PrincipalKind = "agent"
	PrincipalSystem PrincipalKind = "system"
)

// MainPrincipal is the interactive agent identity. Session tools are scoped
// to it.
const MainPrincipal = "main"

// Principal is an identity that can invoke tools.
type Principal struct {
	ID        string        `json:"id"`
	Kind      PrincipalKind `json:"kind"`
	CreatedAt time.Time     `json:"created_at"`
}

// PermissionWildcard grants every tool when present as the tool name.
const PermissionWildcard = "*"

// ToolPermission is one (principal, tool, allow) grant.
type ToolPermission struct {
	PrincipalID string    `json:"principal_id"`
	Tool        string    `json:"tool"`
	Effect      string    `json:"effect"`
	CreatedAt   time.Time `json:"created_at"`
}

// AgentGovernance caps what one agent may do inside a single step.
type AgentGovernance struct {
	PrincipalID                string   `json:"principal_id"`
	RiskTier                   RiskTier `json:"risk_tier"`
	MaxActionsPerStep          int      `json:"max_actions_per_step"`
	AllowedPaths               []string `json:"allowed_paths,omitempty"`
	CanRequestPrivilegedChange bool     `json:"can_request_privileged_change"`
}

// DefaultGovernance applies when no row exists for a principal.
func DefaultGovernance(principalID string) AgentGovernance {
	return AgentGovernance{
		PrincipalID:       principalID,
		RiskTier:          RiskLow,
		MaxActionsPerStep: 16,
	}
}

// Approval is a single-use consent row gating privileged operations.
// It is consumed on first match and ignored once expired.
type Approval struct {
	ID         string     `json:"id"`
	Tool       string     `json:"tool"`
	GrantedBy  string     `json:"granted_by"`
	CreatedAt  time.Time  `json:"created_at"`
	ExpiresAt  time.Time  `json:"expires_at"`
	ConsumedAt *time.Time `json:"consumed_at,omitempty"`
}
