package store_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/f1nniboy/bing-bot/internal/bot/conversation"
	"github.com/f1nniboy/bing-bot/internal/bot/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "bot-test-*.db")
	if err != nil {
		t.Fatalf("failed to create temp db file: %v", err)
	}
	f.Close()

	s, err := store.New(f.Name())
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	return s
}

// --- Sessions ---

func TestSessionStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, found, err := s.SessionActive(ctx, "unknown")
	if err != nil {
		t.Fatalf("SessionActive: %v", err)
	}
	if found {
		t.Fatal("expected no record for an unknown session")
	}

	if err := s.UpsertSession(ctx, "abc123", true); err != nil {
		t.Fatalf("UpsertSession: %v", err)
	}
	active, found, err := s.SessionActive(ctx, "abc123")
	if err != nil {
		t.Fatalf("SessionActive: %v", err)
	}
	if !found || !active {
		t.Errorf("status: got (%v, %v), want active record", active, found)
	}

	// Disablement overwrites the existing row.
	if err := s.UpsertSession(ctx, "abc123", false); err != nil {
		t.Fatalf("UpsertSession: %v", err)
	}
	active, found, err = s.SessionActive(ctx, "abc123")
	if err != nil {
		t.Fatalf("SessionActive: %v", err)
	}
	if !found || active {
		t.Errorf("status: got (%v, %v), want disabled record", active, found)
	}
}

// --- Conversations ---

func TestUpsertAndGetConversation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := &conversation.Record{
		User:   "@alice:example.org",
		Room:   "!room:example.org",
		Thread: "$thread",
		Active: true,
		History: []conversation.HistoryEntry{
			{Input: "hello", Output: "hi there"},
			{Input: "how are you?", Output: "fine, thanks"},
		},
		Count:     2,
		UpdatedAt: time.Now(),
	}
	if err := s.UpsertConversation(ctx, rec); err != nil {
		t.Fatalf("UpsertConversation: %v", err)
	}

	got, err := s.Conversation(ctx, "@alice:example.org")
	if err != nil {
		t.Fatalf("Conversation: %v", err)
	}
	if got == nil {
		t.Fatal("expected a record, got nil")
	}
	if got.Room != "!room:example.org" {
		t.Errorf("Room: got %q, want %q", got.Room, "!room:example.org")
	}
	if got.Thread != "$thread" {
		t.Errorf("Thread: got %q, want %q", got.Thread, "$thread")
	}
	if len(got.History) != 2 {
		t.Fatalf("History: got %d entries, want 2", len(got.History))
	}
	if got.History[0].Input != "hello" || got.History[1].Output != "fine, thanks" {
		t.Errorf("History round-trip mismatch: %+v", got.History)
	}
	if got.Count != 2 {
		t.Errorf("Count: got %d, want 2", got.Count)
	}
}

func TestConversation_NotFound(t *testing.T) {
	s := newTestStore(t)

	got, err := s.Conversation(context.Background(), "@nobody:example.org")
	if err != nil {
		t.Fatalf("Conversation: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil record, got %+v", got)
	}
}

func TestUpsertConversation_Replaces(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := &conversation.Record{User: "@alice:example.org", Count: 1, UpdatedAt: time.Now()}
	if err := s.UpsertConversation(ctx, rec); err != nil {
		t.Fatalf("UpsertConversation: %v", err)
	}
	rec.Count = 5
	rec.History = []conversation.HistoryEntry{{Input: "q", Output: "a"}}
	if err := s.UpsertConversation(ctx, rec); err != nil {
		t.Fatalf("second UpsertConversation: %v", err)
	}

	got, err := s.Conversation(ctx, "@alice:example.org")
	if err != nil {
		t.Fatalf("Conversation: %v", err)
	}
	if got.Count != 5 || len(got.History) != 1 {
		t.Errorf("record not replaced: count=%d history=%d", got.Count, len(got.History))
	}
}

func TestDeleteConversation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := &conversation.Record{User: "@alice:example.org", UpdatedAt: time.Now()}
	if err := s.UpsertConversation(ctx, rec); err != nil {
		t.Fatalf("UpsertConversation: %v", err)
	}
	if err := s.DeleteConversation(ctx, "@alice:example.org"); err != nil {
		t.Fatalf("DeleteConversation: %v", err)
	}
	got, err := s.Conversation(ctx, "@alice:example.org")
	if err != nil {
		t.Fatalf("Conversation: %v", err)
	}
	if got != nil {
		t.Error("record survived deletion")
	}

	// Deleting a missing record is not an error.
	if err := s.DeleteConversation(ctx, "@alice:example.org"); err != nil {
		t.Errorf("DeleteConversation on missing record: %v", err)
	}
}

func TestPruneConversations(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	old := &conversation.Record{User: "@old:example.org", UpdatedAt: time.Now().Add(-48 * time.Hour)}
	fresh := &conversation.Record{User: "@fresh:example.org", UpdatedAt: time.Now()}
	for _, rec := range []*conversation.Record{old, fresh} {
		if err := s.UpsertConversation(ctx, rec); err != nil {
			t.Fatalf("UpsertConversation: %v", err)
		}
	}

	n, err := s.PruneConversations(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("PruneConversations: %v", err)
	}
	if n != 1 {
		t.Errorf("pruned %d records, want 1", n)
	}
	got, err := s.Conversation(ctx, "@fresh:example.org")
	if err != nil || got == nil {
		t.Errorf("fresh record missing after prune: %v", err)
	}
}

// --- Dataset ---

func TestInsertDataset(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i, rec := range []*conversation.DatasetRecord{
		{ID: "r1", Author: "anon1", Input: "q1", Output: "a1", CreatedAt: time.Now()},
		{ID: "r2", Author: "anon2", Input: "q2", Output: "a2", CreatedAt: time.Now()},
	} {
		if err := s.InsertDataset(ctx, rec); err != nil {
			t.Fatalf("InsertDataset(%d): %v", i, err)
		}
	}

	n, err := s.DatasetCount(ctx)
	if err != nil {
		t.Fatalf("DatasetCount: %v", err)
	}
	if n != 2 {
		t.Errorf("DatasetCount: got %d, want 2", n)
	}
}
