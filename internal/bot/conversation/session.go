package conversation

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/f1nniboy/bing-bot/common/retry"
	"github.com/f1nniboy/bing-bot/internal/bot/chat"
)

// State is the lifecycle state of a Session.
type State int

const (
	// StateInactive means the session exists but has not authenticated yet,
	// or was stopped normally.
	StateInactive State = iota
	// StateRunning means the session is authenticated and can generate.
	StateRunning
	// StateDisabled means the session hit a quota or ban error and is
	// permanently out of rotation. Persisted; survives restarts.
	StateDisabled
)

func (s State) String() string {
	switch s {
	case StateInactive:
		return "inactive"
	case StateRunning:
		return "running"
	case StateDisabled:
		return "disabled"
	default:
		return "unknown"
	}
}

// StopMode selects how a session is stopped.
type StopMode int

const (
	// StopNormal returns the session to StateInactive; it can be
	// re-initialized later.
	StopNormal StopMode = iota
	// StopPermanent disables the session for good and persists the
	// disablement so a restart respects the ban.
	StopPermanent
)

// GenerateOptions describes one generation request against a session.
type GenerateOptions struct {
	// Prompt is the new user turn.
	Prompt string

	// History is the conversation history, oldest first. Entries are
	// dropped oldest-first when the assembled prompt exceeds the budget.
	History []HistoryEntry

	// Context is optional retrieved text (web search results) appended to
	// the prompt. Its presence widens the token budget so it never starves
	// the user's own prompt.
	Context string

	// Images is an optional block of image descriptions included in the
	// prompt.
	Images string

	// Model overrides the client's default completion model when set.
	Model string

	// OnProgress receives the accumulated partial text as it streams in.
	// May be nil.
	OnProgress chat.ProgressFunc
}

// Session is one upstream credential plus its lifecycle state and
// generation lock. Sessions are shared by every conversation assigned to
// them; the lock only guards initialization, shutdown, and a single
// in-flight generation.
type Session struct {
	id         string
	credential string

	mu     sync.Mutex
	state  State
	locked bool
	calls  int // completed generation attempts, debug counter

	client chat.Client
	store  Store
	logger *slog.Logger
}

// sessionID derives the stable identity of a credential. The same
// credential always maps to the same id across restarts, so the persisted
// disabled flag can be keyed by it.
func sessionID(credential string) string {
	sum := sha256.Sum256([]byte(credential))
	return hex.EncodeToString(sum[:])[:16]
}

// NewSession creates an inactive session for the given credential.
func NewSession(credential string, client chat.Client, store Store, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		id:         sessionID(credential),
		credential: credential,
		state:      StateInactive,
		client:     client,
		store:      store,
		logger:     logger,
	}
}

// ID returns the deterministic session identity.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Locked reports whether the session is initializing, stopping, or
// generating.
func (s *Session) Locked() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.locked
}

// Usable reports whether the session can accept work right now.
func (s *Session) Usable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.locked && s.state != StateDisabled
}

// Calls returns the number of generation attempts served by this session.
func (s *Session) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// persistedDisabled re-reads the stored active flag for this session.
// A stored record with active=false means the ban outlived a restart.
func (s *Session) persistedDisabled(ctx context.Context) (bool, error) {
	active, found, err := s.store.SessionActive(ctx, s.id)
	if err != nil {
		return false, fmt.Errorf("check session status: %w", err)
	}
	return found && !active, nil
}

// Init authenticates the session against the upstream API and marks it
// running. It is a no-op when already running and fails fast with
// ErrSessionBusy when another initialization or shutdown is in flight;
// callers serialize externally, init never queues.
func (s *Session) Init(ctx context.Context) error {
	disabled, err := s.persistedDisabled(ctx)
	if err != nil {
		return err
	}
	if disabled {
		s.mu.Lock()
		s.state = StateDisabled
		s.mu.Unlock()
		return ErrSessionDisabled
	}

	s.mu.Lock()
	if s.state == StateRunning {
		s.mu.Unlock()
		return nil
	}
	if s.locked {
		s.mu.Unlock()
		return ErrSessionBusy
	}
	s.locked = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.locked = false
		s.mu.Unlock()
	}()

	if err := s.store.UpsertSession(ctx, s.id, true); err != nil {
		return fmt.Errorf("persist session status: %w", err)
	}

	err = retry.Do(ctx, retry.Config{
		MaxAttempts:  3,
		InitialDelay: time.Second,
		ShouldRetry: func(err error) bool {
			return !chat.IsQuota(err) && !chat.IsUnusable(err)
		},
	}, func() error {
		return s.client.Verify(ctx, s.credential)
	})
	if err != nil {
		return fmt.Errorf("session auth: %w", err)
	}

	s.mu.Lock()
	s.state = StateRunning
	s.mu.Unlock()

	s.logger.Info("session started", "session_id", s.id)
	return nil
}

// Stop shuts the session down. StopNormal returns it to StateInactive and
// fails with ErrSessionBusy while work is in flight; StopPermanent always
// wins, disables the session, and persists the ban.
func (s *Session) Stop(ctx context.Context, mode StopMode) error {
	if mode == StopPermanent {
		s.mu.Lock()
		if s.state == StateDisabled {
			s.mu.Unlock()
			return nil
		}
		s.state = StateDisabled
		s.mu.Unlock()

		if err := s.store.UpsertSession(ctx, s.id, false); err != nil {
			return fmt.Errorf("persist session disablement: %w", err)
		}
		s.logger.Warn("session permanently disabled", "session_id", s.id)
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.locked {
		return ErrSessionBusy
	}
	if s.state == StateRunning {
		s.state = StateInactive
		s.logger.Info("session stopped", "session_id", s.id)
	}
	return nil
}

// Generate builds a token-budgeted prompt from opts and issues one
// streamed completion. It fails fast when the session is disabled, still
// starting, or already generating. The in-flight flag is cleared on every
// exit path, success or failure.
func (s *Session) Generate(ctx context.Context, opts GenerateOptions) (*chat.Completion, error) {
	s.mu.Lock()
	switch {
	case s.state == StateDisabled:
		s.mu.Unlock()
		return nil, ErrSessionDisabled
	case s.state != StateRunning:
		s.mu.Unlock()
		return nil, ErrSessionStarting
	case s.locked:
		s.mu.Unlock()
		return nil, ErrSessionBusy
	}
	s.locked = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.locked = false
		s.mu.Unlock()
	}()

	prompt, maxTokens, err := buildPrompt(promptInput{
		History: opts.History,
		Context: opts.Context,
		Images:  opts.Images,
		Prompt:  opts.Prompt,
	})
	if err != nil {
		return nil, err
	}

	completion, err := s.client.Complete(ctx, s.credential, chat.Request{
		Model:     opts.Model,
		Prompt:    prompt,
		MaxTokens: maxTokens,
		Stop:      promptStopSequences(),
	}, opts.OnProgress)

	s.mu.Lock()
	s.calls++
	s.mu.Unlock()

	if err != nil {
		return nil, err
	}
	return completion, nil
}

// suggestionCandidates are follow-up prompts sampled by Suggestions.
var suggestionCandidates = []string{
	"Tell me more about that.",
	"Can you give me an example?",
	"Explain it like I'm five.",
	"What are the downsides?",
	"Summarize that in one sentence.",
	"How does that compare to the alternatives?",
	"What should I read to learn more?",
	"Can you make that shorter?",
}

// Suggestions returns n shuffled entries from the static candidate list.
// Pure sampling; no session state is touched.
func (s *Session) Suggestions(n int) []string {
	if n <= 0 {
		return nil
	}
	if n > len(suggestionCandidates) {
		n = len(suggestionCandidates)
	}
	shuffled := make([]string, len(suggestionCandidates))
	copy(shuffled, suggestionCandidates)
	rand.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})
	return shuffled[:n]
}
