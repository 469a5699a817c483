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

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = sql.ErrNoRows

type rowScanner interface {
	Scan(dest ...any) error
}

// EnsureUser creates the user if it does not exist and returns it. Calling
// twice with the same id yields the same row.
func (s *Store) EnsureUser(ctx context.Context, id string) (models.User, error) {
	if id == "" {
		return models.User{}, fmt.Errorf("ensure user: empty id")
	}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO users (id, display_name, created_at) VALUES (?, ?, ?)`,
			id, id, formatTime(s.Now()))
		return err
	})
	if err != nil {
		return models.User{}, fmt.Errorf("ensure user: %w", err)
	}
	return s.GetUser(ctx, id)
}

// GetUser returns the user by id.
func (s *Store) GetUser(ctx context.Context, id string) (models.User, error) {
	var u models.User
	var created string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, display_name, created_at FROM users WHERE id = ?`, id).
		Scan(&u.ID, &u.DisplayName, &created)
	if err != nil {
		return models.User{}, fmt.Errorf("get user %s: %w", id, err)
	}
	u.CreatedAt = parseTime(created)
	return u, nil
}

// EnsureChannel creates (or returns) the user's channel of the given type.
// (user_id, type) is unique so repeated calls converge on one row.
func (s *Store) EnsureChannel(ctx context.Context, userID string, typ models.ChannelType, address string) (models.Channel, error) {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO channels (id, user_id, type, address, created_at)
			 VALUES (?, ?, ?, ?, ?)`,
			ids.NewChannel(), userID, string(typ), address, formatTime(s.Now()))
		if err != nil {
			return err
		}
		if address != "" {
			_, err = tx.ExecContext(ctx,
				`UPDATE channels SET address = ? WHERE user_id = ? AND type = ?`,
				address, userID, string(typ))
		}
		return err
	})
	if err != nil {
		return models.Channel{}, fmt.Errorf("ensure channel: %w", err)
	}
	var c models.Channel
	var created string
	err = s.db.QueryRowContext(ctx,
		`SELECT id, user_id, type, address, created_at FROM channels WHERE user_id = ? AND type = ?`,
		userID, string(typ)).
		Scan(&c.ID, &c.UserID, &c.Type, &c.Address, &created)
	if err != nil {
		return models.Channel{}, fmt.Errorf("ensure channel: %w", err)
	}
	c.CreatedAt = parseTime(created)
	return c, nil
}

// GetChannel returns the channel by id.
func (s *Store) GetChannel(ctx context.Context, id string) (models.Channel, error) {
	var c models.Channel
	var created string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, type, address, created_at FROM channels WHERE id = ?`, id).
		Scan(&c.ID, &c.UserID, &c.Type, &c.Address, &created)
	if err != nil {
		return models.Channel{}, fmt.Errorf("get channel %s: %w", id, err)
	}
	c.CreatedAt = parseTime(created)
	return c, nil
}

const threadCols = `id, user_id, channel_id, status, kind, state_watermark,
	summary_short, summary_long, compacted_at, created_at`

func scanThread(r rowScanner) (models.Thread, error) {
	var t models.Thread
	var watermark, compacted, created string
	err := r.Scan(&t.ID, &t.UserID, &t.ChannelID, &t.Status, &t.Kind,
		&watermark, &t.SummaryShort, &t.SummaryLong, &compacted, &created)
	if err != nil {
		return models.Thread{}, err
	}
	t.StateWatermark = parseTime(watermark)
	t.CompactedAt = parseTime(compacted)
	t.CreatedAt = parseTime(created)
	return t, nil
}

// EnsureOpenThread returns the user's single open interactive thread,
// creating it on the given channel when none exists. The open thread is
// shared across channels; only its creation pins a channel.
func (s *Store) EnsureOpenThread(ctx context.Context, userID, channelID string) (models.Thread, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+threadCols+` FROM threads
		 WHERE user_id = ? AND status = 'open' AND kind = 'main'`, userID)
	t, err := scanThread(row)
	if err == nil {
		return t, nil
	}
	if err != sql.ErrNoRows {
		return models.Thread{}, fmt.Errorf("ensure open thread: %w", err)
	}
	id := ids.NewThread()
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		return insertThreadTx(ctx, tx, id, userID, channelID, models.ThreadKindMain, formatTime(s.Now()))
	})
	if err != nil {
		return models.Thread{}, fmt.Errorf("ensure open thread: %w", err)
	}
	return s.GetThread(ctx, id)
}

func insertThreadTx(ctx context.Context, tx *sql.Tx, id, userID, channelID string, kind models.ThreadKind, created string) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO threads (id, user_id, channel_id, status, kind, created_at)
		 VALUES (?, ?, ?, 'open', ?, ?)`,
		id, userID, channelID, string(kind), created)
	return err
}

// GetThread returns the thread by id.
func (s *Store) GetThread(ctx context.Context, id string) (models.Thread, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+threadCols+` FROM threads WHERE id = ?`, id)
	t, err := scanThread(row)
	if err != nil {
		return models.Thread{}, fmt.Errorf("get thread %s: %w", id, err)
	}
	return t, nil
}

// CloseThread marks the thread closed.
func (s *Store) CloseThread(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE threads SET status = 'closed' WHERE id = ?`, id)
		return err
	})
}

// SetStateWatermark records how far state extraction has consumed the thread.
func (s *Store) SetStateWatermark(ctx context.Context, threadID string, at time.Time) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE threads SET state_watermark = ? WHERE id = ?`,
			formatTime(at), threadID)
		return err
	})
}

// SetThreadSummaries stores the compaction outputs and stamps compacted_at.
func (s *Store) SetThreadSummaries(ctx context.Context, threadID, short, long string, at time.Time) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE threads SET summary_short = ?, summary_long = ?, compacted_at = ? WHERE id = ?`,
			short, long, formatTime(at), threadID)
		return err
	})
}

// ListCompactionCandidates returns open threads whose last compaction is
// older than before and that have accumulated at least minMessages since.
func (s *Store) ListCompactionCandidates(ctx context.Context, before time.Time, minMessages int) ([]models.Thread, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+threadCols+` FROM threads t
		 WHERE t.status = 'open' AND t.compacted_at < ?
		   AND (SELECT COUNT(*) FROM messages m
		        WHERE m.thread_id = t.id AND m.created_at > t.compacted_at) >= ?
		 ORDER BY t.created_at`,
		formatTime(before), minMessages)
	if err != nil {
		return nil, fmt.Errorf("list compaction candidates: %w", err)
	}
	defer rows.Close()
	var out []models.Thread
	for rows.Next() {
		t, err := scanThread(rows)
		if err != nil {
			return nil, fmt.Errorf("scan thread: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// MessageInput is what callers hand to AppendMessage.
type MessageInput struct {
	ThreadID string
	Role     models.Role
	Content  string
	Media    map[string]any
	ActorID  string
}

// AppendMessage appends one message to a thread.
func (s *Store) AppendMessage(ctx context.Context, in MessageInput) (models.Message, error) {
	media := in.Media
	if media == nil {
		media = map[string]any{}
	}
	mediaJSON, err := json.Marshal(media)
	if err != nil {
		return models.Message{}, fmt.Errorf("encode media: %w", err)
	}
	m := models.Message{
		ID:        ids.NewMessage(),
		ThreadID:  in.ThreadID,
		Role:      in.Role,
		Content:   in.Content,
		Media:     in.Media,
		ActorID:   in.ActorID,
		CreatedAt: s.Now(),
	}
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO messages (id, thread_id, role, content, media_json, actor_id, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			m.ID, m.ThreadID, string(m.Role), m.Content, string(mediaJSON), m.ActorID, formatTime(m.CreatedAt))
		return err
	})
	if err != nil {
		return models.Message{}, fmt.Errorf("append message: %w", err)
	}
	return m, nil
}

func scanMessage(r rowScanner) (models.Message, error) {
	var m models.Message
	var mediaJSON, created string
	err := r.Scan(&m.ID, &m.ThreadID, &m.Role, &m.Content, &mediaJSON, &m.ActorID, &created)
	if err != nil {
		return models.Message{}, err
	}
	if mediaJSON != "" && mediaJSON != "{}" {
		if err := json.Unmarshal([]byte(mediaJSON), &m.Media); err != nil {
			return models.Message{}, fmt.Errorf("decode media: %w", err)
		}
	}
	m.CreatedAt = parseTime(created)
	return m, nil
}

const messageCols = `id, thread_id, role, content, media_json, actor_id, created_at`

// GetMessage returns the message by id.
func (s *Store) GetMessage(ctx context.Context, id string) (models.Message, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+messageCols+` FROM messages WHERE id = ?`, id)
	m, err := scanMessage(row)
	if err != nil {
		return models.Message{}, fmt.Errorf("get message %s: %w", id, err)
	}
	return m, nil
}

// ListRecentMessages returns the last limit messages in chronological order.
func (s *Store) ListRecentMessages(ctx context.Context, threadID string, limit int) ([]models.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageCols+` FROM (
			SELECT `+messageCols+` FROM messages
			WHERE thread_id = ? ORDER BY created_at DESC, id DESC LIMIT ?
		 ) ORDER BY created_at ASC, id ASC`,
		threadID, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()
	return collectMessages(rows)
}

// MessagesAfter returns thread messages strictly newer than after, in
// chronological order. A zero after returns the whole thread.
func (s *Store) MessagesAfter(ctx context.Context, threadID string, after time.Time) ([]models.Message, error) {
	cut := ""
	if !after.IsZero() {
		cut = formatTime(after)
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageCols+` FROM messages
		 WHERE thread_id = ? AND created_at > ?
		 ORDER BY created_at ASC, id ASC`,
		threadID, cut)
	if err != nil {
		return nil, fmt.Errorf("messages after: %w", err)
	}
	defer rows.Close()
	return collectMessages(rows)
}

func collectMessages(rows *sql.Rows) ([]models.Message, error) {
	var out []models.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
