package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"maestro/pkg/models"
)

// InsertEvent writes one append-only event row. When text is non-empty the
// derived event_text, FTS and (optional) vector rows are written in the same
// transaction so the indexes never disagree with the log.
func (s *Store) InsertEvent(ctx context.Context, ev models.Event, text string, embedding []byte) error {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	redacted, err := json.Marshal(ev.PayloadRedacted)
	if err != nil {
		return fmt.Errorf("encode redacted payload: %w", err)
	}
	created := formatTime(ev.CreatedAt)
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO events (id, trace_id, span_id, parent_span_id, thread_id,
				event_type, component, actor_type, actor_id,
				payload_json, payload_redacted_json, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			ev.ID, ev.TraceID, ev.SpanID, ev.ParentSpanID, ev.ThreadID,
			ev.EventType, ev.Component, string(ev.ActorType), ev.ActorID,
			string(payload), string(redacted), created)
		if err != nil {
			return fmt.Errorf("insert event: %w", err)
		}
		if text == "" {
			return nil
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO event_text (event_id, thread_id, text, created_at) VALUES (?, ?, ?, ?)`,
			ev.ID, ev.ThreadID, text, created); err != nil {
			return fmt.Errorf("insert event_text: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO event_fts (event_id, thread_id, text) VALUES (?, ?, ?)`,
			ev.ID, ev.ThreadID, text); err != nil {
			return fmt.Errorf("insert event_fts: %w", err)
		}
		if len(embedding) > 0 {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO event_vectors (event_id, thread_id, embedding, created_at) VALUES (?, ?, ?, ?)`,
				ev.ID, ev.ThreadID, embedding, created); err != nil {
				return fmt.Errorf("insert event_vector: %w", err)
			}
		}
		return nil
	})
}

const eventCols = `id, trace_id, span_id, parent_span_id, thread_id,
	event_type, component, actor_type, actor_id,
	payload_json, payload_redacted_json, created_at`

func scanEvent(r rowScanner) (models.Event, error) {
	var ev models.Event
	var payload, redacted, created string
	err := r.Scan(&ev.ID, &ev.TraceID, &ev.SpanID, &ev.ParentSpanID, &ev.ThreadID,
		&ev.EventType, &ev.Component, &ev.ActorType, &ev.ActorID,
		&payload, &redacted, &created)
	if err != nil {
		return models.Event{}, err
	}
	if err := json.Unmarshal([]byte(payload), &ev.Payload); err != nil {
		return models.Event{}, fmt.Errorf("decode payload: %w", err)
	}
	if err := json.Unmarshal([]byte(redacted), &ev.PayloadRedacted); err != nil {
		return models.Event{}, fmt.Errorf("decode redacted payload: %w", err)
	}
	ev.CreatedAt = parseTime(created)
	return ev, nil
}

// GetEvent returns one event by id.
func (s *Store) GetEvent(ctx context.Context, id string) (models.Event, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+eventCols+` FROM events WHERE id = ?`, id)
	ev, err := scanEvent(row)
	if err != nil {
		return models.Event{}, fmt.Errorf("get event %s: %w", id, err)
	}
	return ev, nil
}

// ListTraceEvents returns all events of a trace in emit order.
func (s *Store) ListTraceEvents(ctx context.Context, traceID string) ([]models.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+eventCols+` FROM events WHERE trace_id = ? ORDER BY created_at ASC, id ASC`,
		traceID)
	if err != nil {
		return nil, fmt.Errorf("list trace events: %w", err)
	}
	defer rows.Close()
	var out []models.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// CountEvents counts events matching trace, thread and type. Empty
// arguments are wildcards.
func (s *Store) CountEvents(ctx context.Context, traceID, threadID, eventType string) (int, error) {
	q := `SELECT COUNT(*) FROM events WHERE 1=1`
	var args []any
	if traceID != "" {
		q += ` AND trace_id = ?`
		args = append(args, traceID)
	}
	if threadID != "" {
		q += ` AND thread_id = ?`
		args = append(args, threadID)
	}
	if eventType != "" {
		q += ` AND event_type = ?`
		args = append(args, eventType)
	}
	var n int
	if err := s.db.QueryRowContext(ctx, q, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}

// MemoryRow is one retrievable indexed event: the redacted text plus
// whatever the candidate list needs for scoring and tie-breaks.
type MemoryRow struct {
	EventID   string
	ThreadID  string
	Text      string
	Embedding []byte
	Score     float64
	CreatedAt time.Time
}

// SearchEventText runs a BM25 match over indexed event text. Hits come back
// best-first; Score is the negated fts5 rank clamped at zero.
func (s *Store) SearchEventText(ctx context.Context, threadID, query string, limit int) ([]MemoryRow, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT f.event_id, f.thread_id, f.text, -f.rank, t.created_at
		 FROM event_fts f
		 JOIN event_text t ON t.event_id = f.event_id
		 WHERE f.thread_id = ? AND event_fts MATCH ?
		 ORDER BY f.rank LIMIT ?`,
		threadID, ftsQuote(query), limit)
	if err != nil {
		return nil, fmt.Errorf("search event text: %w", err)
	}
	defer rows.Close()
	return collectMemoryRows(rows, true)
}

// ListEventVectors returns all embedded events of a thread for brute-force
// similarity scoring. Corpus sizes here are one thread's worth of indexed
// events, small enough to scan.
func (s *Store) ListEventVectors(ctx context.Context, threadID string) ([]MemoryRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT v.event_id, v.thread_id, t.text, v.embedding, v.created_at
		 FROM event_vectors v
		 JOIN event_text t ON t.event_id = v.event_id
		 WHERE v.thread_id = ?`,
		threadID)
	if err != nil {
		return nil, fmt.Errorf("list event vectors: %w", err)
	}
	defer rows.Close()
	var out []MemoryRow
	for rows.Next() {
		var r MemoryRow
		var created string
		if err := rows.Scan(&r.EventID, &r.ThreadID, &r.Text, &r.Embedding, &created); err != nil {
			return nil, fmt.Errorf("scan event vector: %w", err)
		}
		r.CreatedAt = parseTime(created)
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListIndexedEvents returns the most recent indexed events of a thread,
// newest first, ties broken by id ascending.
func (s *Store) ListIndexedEvents(ctx context.Context, threadID string, limit int) ([]MemoryRow, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT event_id, thread_id, text, created_at FROM event_text
		 WHERE thread_id = ?
		 ORDER BY created_at DESC, event_id ASC LIMIT ?`,
		threadID, limit)
	if err != nil {
		return nil, fmt.Errorf("list indexed events: %w", err)
	}
	defer rows.Close()
	return collectMemoryRows(rows, false)
}

func collectMemoryRows(rows *sql.Rows, withScore bool) ([]MemoryRow, error) {
	var out []MemoryRow
	for rows.Next() {
		var r MemoryRow
		var created string
		var err error
		if withScore {
			err = rows.Scan(&r.EventID, &r.ThreadID, &r.Text, &r.Score, &created)
		} else {
			err = rows.Scan(&r.EventID, &r.ThreadID, &r.Text, &created)
		}
		if err != nil {
			return nil, fmt.Errorf("scan memory row: %w", err)
		}
		if r.Score < 0 {
			r.Score = 0
		}
		r.CreatedAt = parseTime(created)
		out = append(out, r)
	}
	return out, rows.Err()
}

// ftsQuote wraps the query so fts5 treats it as a plain phrase instead of
// match syntax. Embedded quotes are doubled per the fts5 escaping rule.
func ftsQuote(query string) string {
	quoted := make([]byte, 0, len(query)+2)
	quoted = append(quoted, '"')
	for i := 0; i < len(query); i++ {
		if query[i] == '"' {
			quoted = append(quoted, '"')
		}
		quoted = append(quoted, query[i])
	}
	return string(append(quoted, '"'))
}

// PruneEventsBefore deletes events older than cutoff together with their
// text, FTS and vector rows, all in one transaction. Returns the number of
// event rows removed.
func (s *Store) PruneEventsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	cut := formatTime(cutoff)
	var pruned int
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM event_fts WHERE event_id IN
				(SELECT id FROM events WHERE created_at < ?)`, cut); err != nil {
			return fmt.Errorf("prune event_fts: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM event_vectors WHERE event_id IN
				(SELECT id FROM events WHERE created_at < ?)`, cut); err != nil {
			return fmt.Errorf("prune event_vectors: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM event_text WHERE event_id IN
				(SELECT id FROM events WHERE created_at < ?)`, cut); err != nil {
			return fmt.Errorf("prune event_text: %w", err)
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM events WHERE created_at < ?`, cut)
		if err != nil {
			return fmt.Errorf("prune events: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		pruned = int(n)
		return nil
	})
	return pruned, err
}

// InsertFailureCapsule records the root cause of a failed step.
func (s *Store) InsertFailureCapsule(ctx context.Context, c models.FailureCapsule) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO failure_capsules (id, trace_id, thread_id, summary, error_kind, created_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			c.ID, c.TraceID, c.ThreadID, c.Summary, c.ErrorKind, formatTime(c.CreatedAt))
		return err
	})
}

// GetFailureCapsuleByTrace returns the newest capsule for a trace.
func (s *Store) GetFailureCapsuleByTrace(ctx context.Context, traceID string) (models.FailureCapsule, error) {
	var c models.FailureCapsule
	var created string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, trace_id, thread_id, summary, error_kind, created_at
		 FROM failure_capsules WHERE trace_id = ?
		 ORDER BY created_at DESC, id DESC LIMIT 1`,
		traceID).
		Scan(&c.ID, &c.TraceID, &c.ThreadID, &c.Summary, &c.ErrorKind, &created)
	if err != nil {
		return models.FailureCapsule{}, fmt.Errorf("get failure capsule: %w", err)
	}
	c.CreatedAt = parseTime(created)
	return c, nil
}
