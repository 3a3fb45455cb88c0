package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/f1nniboy/bing-bot/internal/bot/conversation"
)

// UpsertSession stores the active flag for a session id, creating the row
// on first sight.
func (s *Store) UpsertSession(ctx context.Context, id string, active bool) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, active, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET active = excluded.active, updated_at = excluded.updated_at
	`, id, active, time.Now(), time.Now())
	if err != nil {
		return fmt.Errorf("failed to upsert session: %w", err)
	}
	return nil
}

// SessionActive returns the persisted active flag for a session id. found
// is false when the session has never been stored.
func (s *Store) SessionActive(ctx context.Context, id string) (bool, bool, error) {
	var active bool
	err := s.db.QueryRowContext(ctx, `
		SELECT active FROM sessions WHERE id = ?
	`, id).Scan(&active)
	if err == sql.ErrNoRows {
		return false, false, nil
	}
	if err != nil {
		return false, false, fmt.Errorf("failed to get session: %w", err)
	}
	return active, true, nil
}

// UpsertConversation stores or replaces the conversation record for a
// user. History is serialized as JSON.
func (s *Store) UpsertConversation(ctx context.Context, rec *conversation.Record) error {
	history, err := json.Marshal(rec.History)
	if err != nil {
		return fmt.Errorf("failed to encode history: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO conversations (user_id, room_id, thread_id, active, history, count, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			room_id = excluded.room_id,
			thread_id = excluded.thread_id,
			active = excluded.active,
			history = excluded.history,
			count = excluded.count,
			updated_at = excluded.updated_at
	`, rec.User, rec.Room, rec.Thread, rec.Active, string(history), rec.Count, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert conversation: %w", err)
	}
	return nil
}

// Conversation retrieves the record for a user, or nil when none exists.
func (s *Store) Conversation(ctx context.Context, user string) (*conversation.Record, error) {
	rec := &conversation.Record{}
	var history string
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, room_id, thread_id, active, history, count, updated_at
		FROM conversations
		WHERE user_id = ?
	`, user).Scan(&rec.User, &rec.Room, &rec.Thread, &rec.Active, &history, &rec.Count, &rec.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}

	if err := json.Unmarshal([]byte(history), &rec.History); err != nil {
		return nil, fmt.Errorf("failed to decode history: %w", err)
	}
	return rec, nil
}

// DeleteConversation removes the record for a user. Deleting a missing
// record is not an error.
func (s *Store) DeleteConversation(ctx context.Context, user string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE user_id = ?`, user)
	if err != nil {
		return fmt.Errorf("failed to delete conversation: %w", err)
	}
	return nil
}

// PruneConversations deletes records that have not been touched since the
// cutoff and returns the number removed.
func (s *Store) PruneConversations(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE updated_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune conversations: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count pruned conversations: %w", err)
	}
	return n, nil
}

// InsertDataset appends one anonymized interaction record.
func (s *Store) InsertDataset(ctx context.Context, rec *conversation.DatasetRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO dataset (id, author, input, output, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, rec.ID, rec.Author, rec.Input, rec.Output, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert dataset record: %w", err)
	}
	return nil
}

// DatasetCount returns the number of collected interaction records.
func (s *Store) DatasetCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dataset`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count dataset records: %w", err)
	}
	return n, nil
}
