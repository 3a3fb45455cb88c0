package conversation

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/f1nniboy/bing-bot/internal/bot/chat"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestSessionIDStable(t *testing.T) {
	a := sessionID("sk-credential-one")
	b := sessionID("sk-credential-one")
	c := sessionID("sk-credential-two")

	if a != b {
		t.Errorf("same credential produced different ids: %q vs %q", a, b)
	}
	if a == c {
		t.Error("different credentials produced the same id")
	}
	if len(a) != 16 {
		t.Errorf("id length = %d, want 16", len(a))
	}
}

func TestSessionInit(t *testing.T) {
	client := &fakeClient{}
	store := newFakeStore()
	s := NewSession("sk-test", client, store, testLogger())

	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("Init() = %v", err)
	}
	if got := s.State(); got != StateRunning {
		t.Errorf("State() = %v, want running", got)
	}
	if s.Locked() {
		t.Error("session still locked after Init")
	}
	active, found := store.sessionActive(s.ID())
	if !found || !active {
		t.Errorf("persisted status = (%v, %v), want active record", active, found)
	}
}

func TestSessionInitIdempotent(t *testing.T) {
	verifies := 0
	client := &fakeClient{verifyFn: func(string) error {
		verifies++
		return nil
	}}
	s := NewSession("sk-test", client, newFakeStore(), testLogger())

	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("first Init() = %v", err)
	}
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("second Init() = %v", err)
	}
	if verifies != 1 {
		t.Errorf("verify calls = %d, want 1 (running session is a no-op)", verifies)
	}
}

func TestSessionInitPersistedDisabled(t *testing.T) {
	store := newFakeStore()
	s := NewSession("sk-banned", &fakeClient{}, store, testLogger())
	store.sessions[s.ID()] = false

	err := s.Init(context.Background())
	if !errors.Is(err, ErrSessionDisabled) {
		t.Fatalf("Init() = %v, want ErrSessionDisabled", err)
	}
	if got := s.State(); got != StateDisabled {
		t.Errorf("State() = %v, want disabled", got)
	}
}

func TestSessionInitAuthFailure(t *testing.T) {
	client := &fakeClient{verifyFn: func(string) error {
		return chat.ErrAccountUnusable
	}}
	s := NewSession("sk-dead", client, newFakeStore(), testLogger())

	err := s.Init(context.Background())
	if !errors.Is(err, chat.ErrAccountUnusable) {
		t.Fatalf("Init() = %v, want account-unusable", err)
	}
	if got := s.State(); got != StateInactive {
		t.Errorf("State() = %v, want inactive after failed auth", got)
	}
	if s.Locked() {
		t.Error("session still locked after failed Init")
	}
}

func TestSessionInitWhileLocked(t *testing.T) {
	s := NewSession("sk-test", &fakeClient{}, newFakeStore(), testLogger())
	s.mu.Lock()
	s.locked = true
	s.mu.Unlock()

	if err := s.Init(context.Background()); !errors.Is(err, ErrSessionBusy) {
		t.Fatalf("Init() = %v, want ErrSessionBusy", err)
	}
}

func TestSessionStop(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	s := NewSession("sk-test", &fakeClient{}, store, testLogger())
	if err := s.Init(ctx); err != nil {
		t.Fatalf("Init() = %v", err)
	}

	// Normal stop fails while work is in flight.
	s.mu.Lock()
	s.locked = true
	s.mu.Unlock()
	if err := s.Stop(ctx, StopNormal); !errors.Is(err, ErrSessionBusy) {
		t.Fatalf("Stop(normal) while locked = %v, want ErrSessionBusy", err)
	}

	// Permanent stop always wins and persists the ban.
	if err := s.Stop(ctx, StopPermanent); err != nil {
		t.Fatalf("Stop(permanent) = %v", err)
	}
	if got := s.State(); got != StateDisabled {
		t.Errorf("State() = %v, want disabled", got)
	}
	active, found := store.sessionActive(s.ID())
	if !found || active {
		t.Errorf("persisted status = (%v, %v), want disabled record", active, found)
	}
}

func TestSessionStopNormal(t *testing.T) {
	ctx := context.Background()
	s := NewSession("sk-test", &fakeClient{}, newFakeStore(), testLogger())
	if err := s.Init(ctx); err != nil {
		t.Fatalf("Init() = %v", err)
	}
	if err := s.Stop(ctx, StopNormal); err != nil {
		t.Fatalf("Stop(normal) = %v", err)
	}
	if got := s.State(); got != StateInactive {
		t.Errorf("State() = %v, want inactive", got)
	}
}

func TestSessionGenerateStateChecks(t *testing.T) {
	ctx := context.Background()
	opts := GenerateOptions{Prompt: "hi"}

	t.Run("not started", func(t *testing.T) {
		s := NewSession("sk-test", &fakeClient{}, newFakeStore(), testLogger())
		if _, err := s.Generate(ctx, opts); !errors.Is(err, ErrSessionStarting) {
			t.Errorf("Generate() = %v, want ErrSessionStarting", err)
		}
	})

	t.Run("disabled", func(t *testing.T) {
		s := NewSession("sk-test", &fakeClient{}, newFakeStore(), testLogger())
		s.mu.Lock()
		s.state = StateDisabled
		s.mu.Unlock()
		if _, err := s.Generate(ctx, opts); !errors.Is(err, ErrSessionDisabled) {
			t.Errorf("Generate() = %v, want ErrSessionDisabled", err)
		}
	})

	t.Run("locked", func(t *testing.T) {
		s := NewSession("sk-test", &fakeClient{}, newFakeStore(), testLogger())
		s.mu.Lock()
		s.state = StateRunning
		s.locked = true
		s.mu.Unlock()
		if _, err := s.Generate(ctx, opts); !errors.Is(err, ErrSessionBusy) {
			t.Errorf("Generate() = %v, want ErrSessionBusy", err)
		}
	})
}

func TestSessionGenerateUnlocksAndCounts(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("boom")
	client := &fakeClient{completeFn: func(credential string, call int, req chat.Request) (*chat.Completion, error) {
		if call == 1 {
			return nil, boom
		}
		return &chat.Completion{Text: "ok"}, nil
	}}
	s := NewSession("sk-test", client, newFakeStore(), testLogger())
	if err := s.Init(ctx); err != nil {
		t.Fatalf("Init() = %v", err)
	}

	if _, err := s.Generate(ctx, GenerateOptions{Prompt: "hi"}); !errors.Is(err, boom) {
		t.Fatalf("first Generate() = %v, want boom", err)
	}
	if s.Locked() {
		t.Fatal("session locked after failed generation")
	}

	completion, err := s.Generate(ctx, GenerateOptions{Prompt: "hi"})
	if err != nil {
		t.Fatalf("second Generate() = %v", err)
	}
	if completion.Text != "ok" {
		t.Errorf("Text = %q, want %q", completion.Text, "ok")
	}
	if s.Locked() {
		t.Error("session locked after successful generation")
	}
	if got := s.Calls(); got != 2 {
		t.Errorf("Calls() = %d, want 2 (failures count as attempts too)", got)
	}
}

func TestSessionSuggestions(t *testing.T) {
	s := NewSession("sk-test", &fakeClient{}, newFakeStore(), testLogger())

	if got := s.Suggestions(0); got != nil {
		t.Errorf("Suggestions(0) = %v, want nil", got)
	}

	got := s.Suggestions(3)
	if len(got) != 3 {
		t.Fatalf("len(Suggestions(3)) = %d, want 3", len(got))
	}
	candidates := make(map[string]bool, len(suggestionCandidates))
	for _, c := range suggestionCandidates {
		candidates[c] = true
	}
	seen := make(map[string]bool, len(got))
	for _, s := range got {
		if !candidates[s] {
			t.Errorf("suggestion %q not in the candidate list", s)
		}
		if seen[s] {
			t.Errorf("duplicate suggestion %q", s)
		}
		seen[s] = true
	}

	if got := s.Suggestions(100); len(got) != len(suggestionCandidates) {
		t.Errorf("len(Suggestions(100)) = %d, want %d", len(got), len(suggestionCandidates))
	}
}
