package store

import (
	"context"
	"database/sql"
	"fmt"

	"maestro/internal/ids"
	"maestro/pkg/models"
)

const sessionCols = `id, thread_id, initiator_id, agent_id, status, created_at, updated_at`

func scanSession(r rowScanner) (models.Session, error) {
	var ses models.Session
	var created, updated string
	err := r.Scan(&ses.ID, &ses.ThreadID, &ses.InitiatorID, &ses.AgentID, &ses.Status, &created, &updated)
	if err != nil {
		return models.Session{}, err
	}
	ses.CreatedAt = parseTime(created)
	ses.UpdatedAt = parseTime(updated)
	return ses, nil
}

// EnsureSession returns the (initiator, agent) session, creating its backing
// thread, the session row and both participant rows in one transaction when
// it does not exist yet. userID and channelID anchor the new thread.
func (s *Store) EnsureSession(ctx context.Context, initiatorID, agentID, userID, channelID string) (models.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionCols+` FROM sessions WHERE initiator_id = ? AND agent_id = ?`,
		initiatorID, agentID)
	ses, err := scanSession(row)
	if err == nil {
		return ses, nil
	}
	if err != sql.ErrNoRows {
		return models.Session{}, fmt.Errorf("ensure session: %w", err)
	}

	now := formatTime(s.Now())
	threadID := ids.NewThread()
	sessionID := ids.NewSession()
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		if err := insertThreadTx(ctx, tx, threadID, userID, channelID, models.ThreadKindSession, now); err != nil {
			return fmt.Errorf("insert session thread: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO sessions (id, thread_id, initiator_id, agent_id, status, created_at, updated_at)
			 VALUES (?, ?, ?, ?, 'active', ?, ?)`,
			sessionID, threadID, initiatorID, agentID, now, now); err != nil {
			return fmt.Errorf("insert session: %w", err)
		}
		for _, p := range []string{initiatorID, agentID} {
			if _, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO session_participants (session_id, principal_id, joined_at)
				 VALUES (?, ?, ?)`,
				sessionID, p, now); err != nil {
				return fmt.Errorf("insert participant: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		if isUniqueViolation(err) {
			// Lost the race; the other writer's row wins.
			row := s.db.QueryRowContext(ctx,
				`SELECT `+sessionCols+` FROM sessions WHERE initiator_id = ? AND agent_id = ?`,
				initiatorID, agentID)
			return scanSession(row)
		}
		return models.Session{}, fmt.Errorf("ensure session: %w", err)
	}
	return s.GetSession(ctx, sessionID)
}

// GetSession returns one session by id.
func (s *Store) GetSession(ctx context.Context, id string) (models.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionCols+` FROM sessions WHERE id = ?`, id)
	ses, err := scanSession(row)
	if err != nil {
		return models.Session{}, fmt.Errorf("get session %s: %w", id, err)
	}
	return ses, nil
}

// ListSessions returns sessions a principal participates in, newest first.
// An empty principal lists everything.
func (s *Store) ListSessions(ctx context.Context, principalID string) ([]models.Session, error) {
	q := `SELECT ` + sessionCols + ` FROM sessions ORDER BY updated_at DESC, id ASC`
	args := []any{}
	if principalID != "" {
		q = `SELECT ` + sessionCols + ` FROM sessions
		 WHERE id IN (SELECT session_id FROM session_participants WHERE principal_id = ?)
		 ORDER BY updated_at DESC, id ASC`
		args = append(args, principalID)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()
	var out []models.Session
	for rows.Next() {
		ses, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, ses)
	}
	return out, rows.Err()
}

// TouchSession bumps updated_at, keeping recency ordering honest.
func (s *Store) TouchSession(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE sessions SET updated_at = ? WHERE id = ?`, formatTime(s.Now()), id)
		return err
	})
}

// ScheduledRun is the isolated workspace a schedule slot executes in.
type ScheduledRun struct {
	Thread  models.Thread
	Session models.Session
}

// CreateScheduledRun creates the isolated thread for one dispatched slot
// plus its session mirror and participant row, all in one transaction. The
// initiator is the dispatch id so every run gets a distinct session.
func (s *Store) CreateScheduledRun(ctx context.Context, dispatchID, userID, channelID, agentID string) (ScheduledRun, error) {
	now := formatTime(s.Now())
	threadID := ids.NewThread()
	sessionID := ids.NewSession()
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := insertThreadTx(ctx, tx, threadID, userID, channelID, models.ThreadKindScheduled, now); err != nil {
			return fmt.Errorf("insert scheduled thread: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO sessions (id, thread_id, initiator_id, agent_id, status, created_at, updated_at)
			 VALUES (?, ?, ?, ?, 'active', ?, ?)`,
			sessionID, threadID, dispatchID, agentID, now, now); err != nil {
			return fmt.Errorf("insert scheduled session: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO session_participants (session_id, principal_id, joined_at)
			 VALUES (?, ?, ?)`,
			sessionID, agentID, now); err != nil {
			return fmt.Errorf("insert scheduled participant: %w", err)
		}
		return nil
	})
	if err != nil {
		return ScheduledRun{}, fmt.Errorf("create scheduled run: %w", err)
	}
	thread, err := s.GetThread(ctx, threadID)
	if err != nil {
		return ScheduledRun{}, err
	}
	session, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return ScheduledRun{}, err
	}
	return ScheduledRun{Thread: thread, Session: session}, nil
}
