package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
)

// migration is one append-forward schema step. Versions only ever grow;
// editing a shipped migration is not allowed.
type migration struct {
	version    int
	statements []string
}

var migrations = []migration{
	{
		version: 1,
		statements: []string{
			`CREATE TABLE IF NOT EXISTS users (
				id TEXT PRIMARY KEY,
				display_name TEXT NOT NULL DEFAULT '',
				created_at TEXT NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS channels (
				id TEXT PRIMARY KEY,
				user_id TEXT NOT NULL REFERENCES users(id),
				type TEXT NOT NULL,
				address TEXT NOT NULL DEFAULT '',
				created_at TEXT NOT NULL,
				UNIQUE (user_id, type)
			)`,
			`CREATE TABLE IF NOT EXISTS threads (
				id TEXT PRIMARY KEY,
				user_id TEXT NOT NULL REFERENCES users(id),
				channel_id TEXT NOT NULL REFERENCES channels(id),
				status TEXT NOT NULL DEFAULT 'open',
				kind TEXT NOT NULL DEFAULT 'main',
				state_watermark TEXT NOT NULL DEFAULT '',
				summary_short TEXT NOT NULL DEFAULT '',
				summary_long TEXT NOT NULL DEFAULT '',
				compacted_at TEXT NOT NULL DEFAULT '',
				created_at TEXT NOT NULL
			)`,
			`CREATE UNIQUE INDEX IF NOT EXISTS idx_threads_open_main
				ON threads(user_id) WHERE status = 'open' AND kind = 'main'`,
			`CREATE INDEX IF NOT EXISTS idx_threads_user ON threads(user_id, status)`,
			`CREATE TABLE IF NOT EXISTS messages (
				id TEXT PRIMARY KEY,
				thread_id TEXT NOT NULL REFERENCES threads(id) ON DELETE CASCADE,
				role TEXT NOT NULL,
				content TEXT NOT NULL,
				media_json TEXT NOT NULL DEFAULT '{}',
				actor_id TEXT NOT NULL DEFAULT '',
				created_at TEXT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_messages_thread ON messages(thread_id, created_at)`,
			`CREATE TABLE IF NOT EXISTS events (
				id TEXT PRIMARY KEY,
				trace_id TEXT NOT NULL,
				span_id TEXT NOT NULL,
				parent_span_id TEXT NOT NULL DEFAULT '',
				thread_id TEXT NOT NULL DEFAULT '',
				event_type TEXT NOT NULL,
				component TEXT NOT NULL,
				actor_type TEXT NOT NULL,
				actor_id TEXT NOT NULL DEFAULT '',
				payload_json TEXT NOT NULL DEFAULT '{}',
				payload_redacted_json TEXT NOT NULL DEFAULT '{}',
				created_at TEXT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_events_trace ON events(trace_id, created_at)`,
			`CREATE INDEX IF NOT EXISTS idx_events_thread ON events(thread_id, event_type, created_at)`,
			`CREATE INDEX IF NOT EXISTS idx_events_created ON events(created_at)`,
			`CREATE TABLE IF NOT EXISTS failure_capsules (
				id TEXT PRIMARY KEY,
				trace_id TEXT NOT NULL,
				thread_id TEXT NOT NULL DEFAULT '',
				summary TEXT NOT NULL,
				error_kind TEXT NOT NULL DEFAULT '',
				created_at TEXT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_capsules_trace ON failure_capsules(trace_id)`,
			`CREATE TABLE IF NOT EXISTS state_items (
				thread_id TEXT NOT NULL REFERENCES threads(id) ON DELETE CASCADE,
				uid TEXT NOT NULL,
				text TEXT NOT NULL,
				type_tag TEXT NOT NULL,
				status TEXT NOT NULL DEFAULT 'active',
				confidence TEXT NOT NULL DEFAULT 'medium',
				refs_json TEXT NOT NULL DEFAULT '[]',
				topic_tags_json TEXT NOT NULL DEFAULT '[]',
				replaced_by TEXT NOT NULL DEFAULT '',
				supersession_evidence TEXT NOT NULL DEFAULT '',
				conflict INTEGER NOT NULL DEFAULT 0,
				tier TEXT NOT NULL DEFAULT 'working',
				importance_score REAL NOT NULL DEFAULT 0.5,
				embedding BLOB,
				last_seen_at TEXT NOT NULL,
				created_at TEXT NOT NULL,
				PRIMARY KEY (thread_id, uid)
			)`,
			`CREATE TABLE IF NOT EXISTS principals (
				id TEXT PRIMARY KEY,
				kind TEXT NOT NULL DEFAULT 'agent',
				created_at TEXT NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS tool_permissions (
				principal_id TEXT NOT NULL REFERENCES principals(id),
				tool TEXT NOT NULL,
				effect TEXT NOT NULL DEFAULT 'allow',
				created_at TEXT NOT NULL,
				PRIMARY KEY (principal_id, tool)
			)`,
			`CREATE TABLE IF NOT EXISTS agent_governance (
				principal_id TEXT PRIMARY KEY REFERENCES principals(id),
				risk_tier TEXT NOT NULL DEFAULT 'low',
				max_actions_per_step INTEGER NOT NULL DEFAULT 16,
				allowed_paths_json TEXT NOT NULL DEFAULT '[]',
				can_request_privileged_change INTEGER NOT NULL DEFAULT 0
			)`,
			`CREATE TABLE IF NOT EXISTS policy_allows (
				principal_id TEXT NOT NULL,
				trace_id TEXT NOT NULL,
				tool TEXT NOT NULL,
				created_at TEXT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_policy_allows ON policy_allows(principal_id, trace_id)`,
			`CREATE TABLE IF NOT EXISTS approvals (
				id TEXT PRIMARY KEY,
				tool TEXT NOT NULL,
				granted_by TEXT NOT NULL DEFAULT '',
				created_at TEXT NOT NULL,
				expires_at TEXT NOT NULL,
				consumed_at TEXT NOT NULL DEFAULT ''
			)`,
			`CREATE INDEX IF NOT EXISTS idx_approvals_tool ON approvals(tool, expires_at)`,
			`CREATE TABLE IF NOT EXISTS schedules (
				id TEXT PRIMARY KEY,
				thread_id TEXT NOT NULL REFERENCES threads(id),
				cron_expr TEXT NOT NULL,
				payload_json TEXT NOT NULL DEFAULT '{}',
				enabled INTEGER NOT NULL DEFAULT 1,
				last_run_at TEXT NOT NULL DEFAULT '',
				max_catchup INTEGER NOT NULL DEFAULT 0,
				created_at TEXT NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS schedule_dispatches (
				id TEXT PRIMARY KEY,
				schedule_id TEXT NOT NULL REFERENCES schedules(id) ON DELETE CASCADE,
				due_at TEXT NOT NULL,
				dispatched_at TEXT NOT NULL,
				UNIQUE (schedule_id, due_at)
			)`,
			`CREATE TABLE IF NOT EXISTS sessions (
				id TEXT PRIMARY KEY,
				thread_id TEXT NOT NULL REFERENCES threads(id),
				initiator_id TEXT NOT NULL,
				agent_id TEXT NOT NULL,
				status TEXT NOT NULL DEFAULT 'active',
				created_at TEXT NOT NULL,
				updated_at TEXT NOT NULL,
				UNIQUE (initiator_id, agent_id)
			)`,
			`CREATE TABLE IF NOT EXISTS session_participants (
				session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
				principal_id TEXT NOT NULL,
				joined_at TEXT NOT NULL,
				PRIMARY KEY (session_id, principal_id)
			)`,
			`CREATE TABLE IF NOT EXISTS system_state (
				id INTEGER PRIMARY KEY CHECK (id = 1),
				lockdown INTEGER NOT NULL DEFAULT 0,
				lockdown_reason TEXT NOT NULL DEFAULT '',
				restarting INTEGER NOT NULL DEFAULT 0,
				readyz_fail_streak INTEGER NOT NULL DEFAULT 0,
				updated_at TEXT NOT NULL
			)`,
			`INSERT OR IGNORE INTO system_state
				(id, lockdown, lockdown_reason, restarting, readyz_fail_streak, updated_at)
				VALUES (1, 0, '', 0, 0, '1970-01-01T00:00:00.000000000Z')`,
		},
	},
	{
		// Derived search indexes: FTS over redacted event text and state
		// items, plus embedding blobs for vector retrieval.
		version: 2,
		statements: []string{
			`CREATE TABLE IF NOT EXISTS event_text (
				event_id TEXT PRIMARY KEY REFERENCES events(id) ON DELETE CASCADE,
				thread_id TEXT NOT NULL DEFAULT '',
				text TEXT NOT NULL,
				created_at TEXT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_event_text_thread ON event_text(thread_id, created_at)`,
			`CREATE VIRTUAL TABLE IF NOT EXISTS event_fts USING fts5(
				event_id UNINDEXED,
				thread_id UNINDEXED,
				text
			)`,
			`CREATE TABLE IF NOT EXISTS event_vectors (
				event_id TEXT PRIMARY KEY REFERENCES events(id) ON DELETE CASCADE,
				thread_id TEXT NOT NULL DEFAULT '',
				embedding BLOB NOT NULL,
				created_at TEXT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_event_vectors_thread ON event_vectors(thread_id)`,
			`CREATE VIRTUAL TABLE IF NOT EXISTS state_fts USING fts5(
				uid UNINDEXED,
				thread_id UNINDEXED,
				text
			)`,
		},
	},
}

// lockHolder identifies this process for the migration lock row.
func lockHolder() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%s:%d", host, os.Getpid())
}

// Migrate applies all pending migrations inside a single immediate
// transaction guarded by a singleton lock row. A lock row left by another
// holder means a concurrent (or crashed) migration; we fail fast rather
// than race it.
func (s *Store) Migrate(ctx context.Context) error {
	holder := lockHolder()
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at TEXT NOT NULL
		)`); err != nil {
			return fmt.Errorf("create schema_migrations: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS migration_lock (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			holder TEXT NOT NULL,
			acquired_at TEXT NOT NULL
		)`); err != nil {
			return fmt.Errorf("create migration_lock: %w", err)
		}

		var other, since string
		err := tx.QueryRowContext(ctx, `SELECT holder, acquired_at FROM migration_lock WHERE id = 1`).Scan(&other, &since)
		switch {
		case err == sql.ErrNoRows:
		case err != nil:
			return fmt.Errorf("read migration_lock: %w", err)
		default:
			return fmt.Errorf("migration lock held by %s since %s", other, since)
		}
		now := formatTime(s.Now())
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO migration_lock (id, holder, acquired_at) VALUES (1, ?, ?)`,
			holder, now); err != nil {
			return fmt.Errorf("acquire migration lock: %w", err)
		}

		current := 0
		if err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&current); err != nil {
			return fmt.Errorf("read schema version: %w", err)
		}
		for _, m := range migrations {
			if m.version <= current {
				continue
			}
			for _, stmt := range m.statements {
				if _, err := tx.ExecContext(ctx, stmt); err != nil {
					return fmt.Errorf("migration %d: %w", m.version, err)
				}
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`,
				m.version, now); err != nil {
				return fmt.Errorf("record migration %d: %w", m.version, err)
			}
			s.logger.Info("migration applied", "version", m.version)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM migration_lock WHERE id = 1`); err != nil {
			return fmt.Errorf("release migration lock: %w", err)
		}
		return nil
	})
}

// SchemaVersion returns the highest applied migration version.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	var v int
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return v, nil
}
