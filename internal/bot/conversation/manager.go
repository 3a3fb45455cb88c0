// Package conversation implements the conversation and session
// orchestration engine: the pool of upstream credentials, the per-user
// conversation registry, the generation retry/failover loop, and the
// token-budgeted prompt construction.
package conversation

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/f1nniboy/bing-bot/internal/bot/chat"
)

// Config holds the engine's tunable knobs.
type Config struct {
	// Credentials is the list of upstream credentials, one session each.
	Credentials []string

	// Model overrides the chat client's default completion model.
	Model string

	// MaxAttempts caps the generation retry loop. Default 5.
	MaxAttempts int

	// RetryDelay is the fixed backoff between transient-failure attempts.
	// Default 5s.
	RetryDelay time.Duration

	// IdleTimeout is the inactivity duration after which a conversation
	// auto-resets. Default 10 minutes.
	IdleTimeout time.Duration

	// Cooldown is the throttle window armed after each completed
	// generation. Default 30s.
	Cooldown time.Duration

	// MaxHistory is the number of interactions kept per conversation.
	// Older entries are dropped. Default 8.
	MaxHistory int

	// CollectDataset enables anonymized interaction persistence.
	CollectDataset bool
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 5 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 10 * time.Minute
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 30 * time.Second
	}
	if c.MaxHistory <= 0 {
		c.MaxHistory = 8
	}
	return c
}

// Events are the notifications the engine emits toward the presentation
// layer. All callbacks are optional and must not block.
type Events struct {
	// OnNotice delivers a transient status notice for a user (e.g. "still
	// retrying").
	OnNotice func(user, text string)

	// OnDone fires exactly once per successful generation.
	OnDone func(user string)

	// OnExpired is invoked after a conversation auto-resets from
	// inactivity, with its former thread binding.
	OnExpired func(user, thread string)

	// OnArchive is invoked with the old thread binding when a hard reset
	// destroys it.
	OnArchive func(user, thread string)

	// OnCooldown fires when a conversation's cooldown ends, whether it
	// expired naturally or was cancelled.
	OnCooldown func(user string)
}

// Manager owns the session pool and the user → conversation registry.
// All map mutation goes through Manager methods; consumers never touch the
// maps directly.
type Manager struct {
	cfg    Config
	client chat.Client
	store  Store
	logger *slog.Logger
	events Events

	mu            sync.Mutex
	sessions      map[string]*Session
	conversations map[string]*Conversation
}

// NewManager creates a Manager. Call Setup before use.
func NewManager(cfg Config, client chat.Client, store Store, events Events, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:           cfg.withDefaults(),
		client:        client,
		store:         store,
		logger:        logger,
		events:        events,
		sessions:      make(map[string]*Session),
		conversations: make(map[string]*Conversation),
	}
}

// Setup instantiates one session per configured credential and checks each
// one's persisted disabled status. Status checks run concurrently and
// independently, so one failing check never prevents the other sessions from
// loading. Returns the number of sessions created.
func (m *Manager) Setup(ctx context.Context) (int, error) {
	var wg sync.WaitGroup

	m.mu.Lock()
	for _, credential := range m.cfg.Credentials {
		s := NewSession(credential, m.client, m.store, m.logger)
		if _, exists := m.sessions[s.id]; exists {
			m.logger.Warn("duplicate credential ignored", "session_id", s.id)
			continue
		}
		m.sessions[s.id] = s

		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			disabled, err := s.persistedDisabled(ctx)
			if err != nil {
				m.logger.Warn("session status check failed", "session_id", s.id, "err", err)
				return
			}
			if disabled {
				s.mu.Lock()
				s.state = StateDisabled
				s.mu.Unlock()
				m.logger.Info("session loaded as disabled", "session_id", s.id)
			}
		}(s)
	}
	count := len(m.sessions)
	m.mu.Unlock()

	wg.Wait()
	m.logger.Info("session pool ready", "sessions", count)
	return count, nil
}

// activeConversations returns the number of active conversations currently
// assigned to each session, keyed by session id.
func (m *Manager) activeConversations() map[string]int {
	counts := make(map[string]int, len(m.sessions))
	for _, c := range m.conversations {
		c.mu.Lock()
		if c.active && c.session != nil {
			counts[c.session.id]++
		}
		c.mu.Unlock()
	}
	return counts
}

// fresh reports whether no session has ever been assigned an active
// conversation.
func (m *Manager) fresh(counts map[string]int) bool {
	for _, n := range counts {
		if n > 0 {
			return false
		}
	}
	return true
}

// FreeSessions returns every usable session ordered descending by active
// conversation count, busier sessions first, so assignment concentrates
// load instead of spreading it. A fresh pool is returned in random order.
// Persisted disabled status is re-validated for each session (it may have
// changed out of process) and unusable sessions are dropped.
func (m *Manager) FreeSessions(ctx context.Context) []*Session {
	m.mu.Lock()
	counts := m.activeConversations()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	if m.fresh(counts) {
		rand.Shuffle(len(sessions), func(i, j int) {
			sessions[i], sessions[j] = sessions[j], sessions[i]
		})
	} else {
		sort.SliceStable(sessions, func(i, j int) bool {
			return counts[sessions[i].id] > counts[sessions[j].id]
		})
	}

	free := sessions[:0]
	for _, s := range sessions {
		if !s.Usable() {
			continue
		}
		disabled, err := s.persistedDisabled(ctx)
		if err != nil {
			// Status unknown; keep the session rather than starving the pool.
			m.logger.Warn("session status re-check failed", "session_id", s.ID(), "err", err)
		} else if disabled {
			s.mu.Lock()
			s.state = StateDisabled
			s.mu.Unlock()
			continue
		}
		free = append(free, s)
	}
	return free
}

// Session picks one session to assign. On a fresh pool the pick is uniform
// random; otherwise it is the most-loaded still-free session (the last
// entry of the descending list). The two branches are a deliberate policy,
// not an accident: concentrating load keeps failover bookkeeping simple.
// Fails with ErrNoFreeSessions when the free list is empty.
func (m *Manager) Session(ctx context.Context, list ...[]*Session) (*Session, error) {
	var free []*Session
	if len(list) > 0 && list[0] != nil {
		free = list[0]
	} else {
		free = m.FreeSessions(ctx)
	}
	if len(free) == 0 {
		return nil, ErrNoFreeSessions
	}

	m.mu.Lock()
	counts := m.activeConversations()
	m.mu.Unlock()

	if m.fresh(counts) {
		return free[rand.IntN(len(free))], nil
	}

	// Steady state: concentrate load on the busiest session that is still
	// free rather than spreading it across the pool.
	pick := free[0]
	for _, s := range free[1:] {
		if counts[s.id] > counts[pick.id] {
			pick = s
		}
	}
	return pick, nil
}

// Create returns the user's existing active conversation, or allocates a
// new one bound to a freshly selected session. Idempotent per user.
func (m *Manager) Create(ctx context.Context, user string) (*Conversation, error) {
	m.mu.Lock()
	if existing, ok := m.conversations[user]; ok && existing.Active() {
		m.mu.Unlock()
		return existing, nil
	}
	m.mu.Unlock()

	sess, err := m.Session(ctx)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	// Session selection suspends; another task may have created the
	// conversation meanwhile.
	if existing, ok := m.conversations[user]; ok && existing.Active() {
		return existing, nil
	}
	c := newConversation(user, sess, m)
	m.conversations[user] = c
	return c, nil
}

// Get returns the user's conversation, active or not, or nil.
func (m *Manager) Get(user string) *Conversation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conversations[user]
}

// Has reports whether the user has an active conversation.
func (m *Manager) Has(user string) bool {
	m.mu.Lock()
	c := m.conversations[user]
	m.mu.Unlock()
	return c != nil && c.Active()
}

// ConversationCount returns the number of active conversations.
func (m *Manager) ConversationCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.conversations {
		c.mu.Lock()
		if c.active {
			n++
		}
		c.mu.Unlock()
	}
	return n
}

// SessionCount returns the total number of pooled sessions.
func (m *Manager) SessionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// UsableCredential returns the credential of a session that is still
// allowed to call the upstream API, preferring sessions that are already
// running. It reports false when every session has been permanently
// disabled. Intended for auxiliary calls (moderation and the like) that
// should never ride on a banned credential.
func (m *Manager) UsableCredential() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var fallback string
	for _, s := range m.sessions {
		switch s.State() {
		case StateRunning:
			return s.credential, true
		case StateInactive:
			fallback = s.credential
		}
	}
	return fallback, fallback != ""
}

// Stop shuts down every session in parallel and clears the pool and the
// conversation registry. Used at process teardown.
func (m *Manager) Stop(ctx context.Context) {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	conversations := make([]*Conversation, 0, len(m.conversations))
	for _, c := range m.conversations {
		conversations = append(conversations, c)
	}
	m.sessions = make(map[string]*Session)
	m.conversations = make(map[string]*Conversation)
	m.mu.Unlock()

	for _, c := range conversations {
		c.stopTimers()
	}

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			if err := s.Stop(ctx, StopNormal); err != nil {
				m.logger.Warn("session stop failed", "session_id", s.ID(), "err", err)
			}
		}(s)
	}
	wg.Wait()
}
