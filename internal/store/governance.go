package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"maestro/internal/ids"
	"maestro/pkg/models"
)

// EnsurePrincipal creates the principal if missing.
func (s *Store) EnsurePrincipal(ctx context.Context, id string, kind models.PrincipalKind) (models.Principal, error) {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO principals (id, kind, created_at) VALUES (?, ?, ?)`,
			id, string(kind), formatTime(s.Now()))
		return err
	})
	if err != nil {
		return models.Principal{}, fmt.Errorf("ensure principal: %w", err)
	}
	var p models.Principal
	var created string
	err = s.db.QueryRowContext(ctx,
		`SELECT id, kind, created_at FROM principals WHERE id = ?`, id).
		Scan(&p.ID, &p.Kind, &created)
	if err != nil {
		return models.Principal{}, fmt.Errorf("ensure principal: %w", err)
	}
	p.CreatedAt = parseTime(created)
	return p, nil
}

// GrantPermission records a (principal, tool, allow) grant. The wildcard
// tool "*" grants everything.
func (s *Store) GrantPermission(ctx context.Context, principalID, tool string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO tool_permissions (principal_id, tool, effect, created_at)
			 VALUES (?, ?, 'allow', ?)`,
			principalID, tool, formatTime(s.Now()))
		return err
	})
}

// RevokePermission removes a grant.
func (s *Store) RevokePermission(ctx context.Context, principalID, tool string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`DELETE FROM tool_permissions WHERE principal_id = ? AND tool = ?`,
			principalID, tool)
		return err
	})
}

// HasGrant reports whether the principal holds an allow for the tool, either
// directly or through the wildcard.
func (s *Store) HasGrant(ctx context.Context, principalID, tool string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tool_permissions
		 WHERE principal_id = ? AND effect = 'allow' AND tool IN (?, ?)`,
		principalID, tool, models.PermissionWildcard).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("has grant: %w", err)
	}
	return n > 0, nil
}

// SetGovernance writes (or replaces) the principal's governance row.
func (s *Store) SetGovernance(ctx context.Context, g models.AgentGovernance) error {
	paths, err := json.Marshal(orEmpty(g.AllowedPaths))
	if err != nil {
		return fmt.Errorf("encode allowed paths: %w", err)
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO agent_governance
				(principal_id, risk_tier, max_actions_per_step, allowed_paths_json, can_request_privileged_change)
			 VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT (principal_id) DO UPDATE SET
				risk_tier = excluded.risk_tier,
				max_actions_per_step = excluded.max_actions_per_step,
				allowed_paths_json = excluded.allowed_paths_json,
				can_request_privileged_change = excluded.can_request_privileged_change`,
			g.PrincipalID, string(g.RiskTier), g.MaxActionsPerStep,
			string(paths), boolInt(g.CanRequestPrivilegedChange))
		return err
	})
}

// GetGovernance returns the principal's governance row, falling back to the
// built-in defaults when none exists.
func (s *Store) GetGovernance(ctx context.Context, principalID string) (models.AgentGovernance, error) {
	var g models.AgentGovernance
	var paths string
	var privileged int
	err := s.db.QueryRowContext(ctx,
		`SELECT principal_id, risk_tier, max_actions_per_step, allowed_paths_json, can_request_privileged_change
		 FROM agent_governance WHERE principal_id = ?`, principalID).
		Scan(&g.PrincipalID, &g.RiskTier, &g.MaxActionsPerStep, &paths, &privileged)
	if err == sql.ErrNoRows {
		return models.DefaultGovernance(principalID), nil
	}
	if err != nil {
		return models.AgentGovernance{}, fmt.Errorf("get governance: %w", err)
	}
	if err := json.Unmarshal([]byte(paths), &g.AllowedPaths); err != nil {
		return models.AgentGovernance{}, fmt.Errorf("decode allowed paths: %w", err)
	}
	g.CanRequestPrivilegedChange = privileged != 0
	return g, nil
}

// RecordPolicyAllow appends one allowed-action witness for (principal, trace).
func (s *Store) RecordPolicyAllow(ctx context.Context, principalID, traceID, tool string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO policy_allows (principal_id, trace_id, tool, created_at)
			 VALUES (?, ?, ?, ?)`,
			principalID, traceID, tool, formatTime(s.Now()))
		return err
	})
}

// CountPolicyAllows returns how many actions the principal has already been
// allowed within the trace.
func (s *Store) CountPolicyAllows(ctx context.Context, principalID, traceID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM policy_allows WHERE principal_id = ? AND trace_id = ?`,
		principalID, traceID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count policy allows: %w", err)
	}
	return n, nil
}

// CreateApproval inserts a single-use consent row for a privileged tool.
func (s *Store) CreateApproval(ctx context.Context, tool, grantedBy string, ttl time.Duration) (models.Approval, error) {
	now := s.Now()
	a := models.Approval{
		ID:        ids.NewApproval(),
		Tool:      tool,
		GrantedBy: grantedBy,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO approvals (id, tool, granted_by, created_at, expires_at, consumed_at)
			 VALUES (?, ?, ?, ?, ?, '')`,
			a.ID, a.Tool, a.GrantedBy, formatTime(a.CreatedAt), formatTime(a.ExpiresAt))
		return err
	})
	if err != nil {
		return models.Approval{}, fmt.Errorf("create approval: %w", err)
	}
	return a, nil
}

// ConsumeApproval marks the oldest unexpired, unconsumed approval for the
// tool as used and reports whether one existed. Selection and consumption
// happen in one transaction so a single row never authorizes two calls.
func (s *Store) ConsumeApproval(ctx context.Context, tool string) (bool, error) {
	now := s.Now()
	consumed := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var id string
		err := tx.QueryRowContext(ctx,
			`SELECT id FROM approvals
			 WHERE tool = ? AND consumed_at = '' AND expires_at > ?
			 ORDER BY created_at ASC LIMIT 1`,
			tool, formatTime(now)).Scan(&id)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return fmt.Errorf("find approval: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE approvals SET consumed_at = ? WHERE id = ?`,
			formatTime(now), id); err != nil {
			return fmt.Errorf("consume approval: %w", err)
		}
		consumed = true
		return nil
	})
	return consumed, err
}
