package conversation

import (
	"context"
	"time"
)

// HistoryEntry is the persisted form of one interaction: the user's input
// and the generated reply text. Rich metadata (sources, images, message
// references) is intentionally not persisted: it can't be replayed into a
// prompt anyway.
type HistoryEntry struct {
	Input  string `json:"input"`
	Output string `json:"output"`
}

// Record is the persisted state of one conversation, keyed by user.
type Record struct {
	User      string
	Room      string
	Thread    string
	Active    bool
	History   []HistoryEntry
	Count     int
	UpdatedAt time.Time
}

// DatasetRecord is one anonymized interaction kept for dataset collection.
// Author holds an irreversible hash of the user, never the user itself.
type DatasetRecord struct {
	ID        string
	Author    string
	Input     string
	Output    string
	CreatedAt time.Time
}

// Store is the persistence surface the engine requires: a keyed
// upsert/select/delete record store. The SQLite implementation lives in
// internal/bot/store.
type Store interface {
	// UpsertSession stores the active flag for a session id. A false flag
	// marks the session permanently disabled across restarts.
	UpsertSession(ctx context.Context, id string, active bool) error

	// SessionActive returns the persisted active flag for a session id.
	// found is false when no record exists (a fresh session).
	SessionActive(ctx context.Context, id string) (active, found bool, err error)

	// UpsertConversation stores or replaces the conversation record.
	UpsertConversation(ctx context.Context, rec *Record) error

	// DeleteConversation removes the conversation record for a user.
	// Deleting a missing record is not an error.
	DeleteConversation(ctx context.Context, user string) error

	// InsertDataset appends one anonymized interaction record.
	InsertDataset(ctx context.Context, rec *DatasetRecord) error
}
