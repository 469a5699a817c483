package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"maestro/pkg/models"
)

// UpsertStateItem writes (or replaces) one state item and keeps its FTS row
// in sync inside the same transaction.
func (s *Store) UpsertStateItem(ctx context.Context, item models.StateItem, embedding []byte) error {
	refs, err := json.Marshal(orEmpty(item.Refs))
	if err != nil {
		return fmt.Errorf("encode refs: %w", err)
	}
	tags, err := json.Marshal(orEmpty(item.TopicTags))
	if err != nil {
		return fmt.Errorf("encode topic tags: %w", err)
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO state_items (thread_id, uid, text, type_tag, status, confidence,
				refs_json, topic_tags_json, replaced_by, supersession_evidence, conflict,
				tier, importance_score, embedding, last_seen_at, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (thread_id, uid) DO UPDATE SET
				text = excluded.text,
				type_tag = excluded.type_tag,
				status = excluded.status,
				confidence = excluded.confidence,
				refs_json = excluded.refs_json,
				topic_tags_json = excluded.topic_tags_json,
				replaced_by = excluded.replaced_by,
				supersession_evidence = excluded.supersession_evidence,
				conflict = excluded.conflict,
				tier = excluded.tier,
				importance_score = excluded.importance_score,
				embedding = COALESCE(excluded.embedding, state_items.embedding),
				last_seen_at = excluded.last_seen_at`,
			item.ThreadID, item.UID, item.Text, string(item.TypeTag), item.Status,
			string(item.Confidence), string(refs), string(tags), item.ReplacedBy,
			item.SupersessionEvidence, boolInt(item.Conflict), string(item.Tier),
			item.ImportanceScore, nilIfEmpty(embedding),
			formatTime(item.LastSeenAt), formatTime(item.CreatedAt))
		if err != nil {
			return fmt.Errorf("upsert state item: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM state_fts WHERE uid = ? AND thread_id = ?`,
			item.UID, item.ThreadID); err != nil {
			return fmt.Errorf("refresh state_fts: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO state_fts (uid, thread_id, text) VALUES (?, ?, ?)`,
			item.UID, item.ThreadID, item.Text); err != nil {
			return fmt.Errorf("insert state_fts: %w", err)
		}
		return nil
	})
}

func orEmpty(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nilIfEmpty(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

const stateCols = `thread_id, uid, text, type_tag, status, confidence,
	refs_json, topic_tags_json, replaced_by, supersession_evidence, conflict,
	tier, importance_score, embedding, last_seen_at, created_at`

func scanStateItem(r rowScanner) (models.StateItem, []byte, error) {
	var it models.StateItem
	var refs, tags, lastSeen, created string
	var conflict int
	var embedding []byte
	err := r.Scan(&it.ThreadID, &it.UID, &it.Text, &it.TypeTag, &it.Status,
		&it.Confidence, &refs, &tags, &it.ReplacedBy, &it.SupersessionEvidence,
		&conflict, &it.Tier, &it.ImportanceScore, &embedding, &lastSeen, &created)
	if err != nil {
		return models.StateItem{}, nil, err
	}
	if err := json.Unmarshal([]byte(refs), &it.Refs); err != nil {
		return models.StateItem{}, nil, fmt.Errorf("decode refs: %w", err)
	}
	if err := json.Unmarshal([]byte(tags), &it.TopicTags); err != nil {
		return models.StateItem{}, nil, fmt.Errorf("decode topic tags: %w", err)
	}
	it.Conflict = conflict != 0
	it.LastSeenAt = parseTime(lastSeen)
	it.CreatedAt = parseTime(created)
	return it, embedding, nil
}

// GetStateItem returns one state item by (thread, uid).
func (s *Store) GetStateItem(ctx context.Context, threadID, uid string) (models.StateItem, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+stateCols+` FROM state_items WHERE thread_id = ? AND uid = ?`,
		threadID, uid)
	it, _, err := scanStateItem(row)
	if err != nil {
		return models.StateItem{}, fmt.Errorf("get state item %s: %w", uid, err)
	}
	return it, nil
}

// StateRow pairs a state item with its stored embedding.
type StateRow struct {
	Item      models.StateItem
	Embedding []byte
	Score     float64
}

// ListActiveStateItems returns every non-superseded item of a thread with
// its embedding, ordered by last_seen_at descending then uid.
func (s *Store) ListActiveStateItems(ctx context.Context, threadID string) ([]StateRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+stateCols+` FROM state_items
		 WHERE thread_id = ? AND status != 'superseded'
		 ORDER BY last_seen_at DESC, uid ASC`,
		threadID)
	if err != nil {
		return nil, fmt.Errorf("list state items: %w", err)
	}
	defer rows.Close()
	var out []StateRow
	for rows.Next() {
		it, emb, err := scanStateItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan state item: %w", err)
		}
		out = append(out, StateRow{Item: it, Embedding: emb})
	}
	return out, rows.Err()
}

// SearchStateText runs a BM25 match over state item text, best-first.
func (s *Store) SearchStateText(ctx context.Context, threadID, query string, limit int) ([]StateRow, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT state_items.thread_id, state_items.uid, state_items.text, type_tag, status, confidence,
			refs_json, topic_tags_json, replaced_by, supersession_evidence, conflict,
			tier, importance_score, embedding, last_seen_at, created_at, -f.rank
		 FROM state_fts f
		 JOIN state_items ON state_items.uid = f.uid AND state_items.thread_id = f.thread_id
		 WHERE f.thread_id = ? AND state_fts MATCH ? AND state_items.status != 'superseded'
		 ORDER BY f.rank LIMIT ?`,
		threadID, ftsQuote(query), limit)
	if err != nil {
		return nil, fmt.Errorf("search state text: %w", err)
	}
	defer rows.Close()
	var out []StateRow
	for rows.Next() {
		var it models.StateItem
		var refs, tags, lastSeen, created string
		var conflict int
		var embedding []byte
		var score float64
		err := rows.Scan(&it.ThreadID, &it.UID, &it.Text, &it.TypeTag, &it.Status,
			&it.Confidence, &refs, &tags, &it.ReplacedBy, &it.SupersessionEvidence,
			&conflict, &it.Tier, &it.ImportanceScore, &embedding, &lastSeen, &created,
			&score)
		if err != nil {
			return nil, fmt.Errorf("scan state hit: %w", err)
		}
		if err := json.Unmarshal([]byte(refs), &it.Refs); err != nil {
			return nil, fmt.Errorf("decode refs: %w", err)
		}
		if err := json.Unmarshal([]byte(tags), &it.TopicTags); err != nil {
			return nil, fmt.Errorf("decode topic tags: %w", err)
		}
		it.Conflict = conflict != 0
		it.LastSeenAt = parseTime(lastSeen)
		it.CreatedAt = parseTime(created)
		if score < 0 {
			score = 0
		}
		out = append(out, StateRow{Item: it, Embedding: embedding, Score: score})
	}
	return out, rows.Err()
}

// MarkSuperseded atomically retires old in favor of replacedBy: status flips
// to superseded and the evidence is recorded, both in one update.
func (s *Store) MarkSuperseded(ctx context.Context, threadID, uid, replacedBy, evidence string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE state_items
			 SET status = 'superseded', replaced_by = ?, supersession_evidence = ?
			 WHERE thread_id = ? AND uid = ?`,
			replacedBy, evidence, threadID, uid)
		if err != nil {
			return fmt.Errorf("mark superseded: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("mark superseded %s: %w", uid, sql.ErrNoRows)
		}
		_, err = tx.ExecContext(ctx,
			`DELETE FROM state_fts WHERE uid = ? AND thread_id = ?`, uid, threadID)
		return err
	})
}
