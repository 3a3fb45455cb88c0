package conversation

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/f1nniboy/bing-bot/common/redact"
	"github.com/f1nniboy/bing-bot/internal/bot/chat"
)

// Output is the generated side of one interaction.
type Output struct {
	// Text is the generated reply.
	Text string

	// Sources lists the origins of any retrieved context used in the
	// prompt.
	Sources []string

	// Suggestions are follow-up prompts sampled for the user.
	Suggestions []string

	// Images holds references to any generated images, filled in by the
	// presentation layer.
	Images []string

	// Raw carries provider metadata from the completion.
	Raw map[string]string
}

// Interaction is one input/output pair in a conversation's history.
// Immutable once appended, except for Reply which the renderer attaches
// after the reply message is sent.
type Interaction struct {
	Input  string
	Output Output
	Reply  string
	Time   time.Time
}

// Result is a successful generation, annotated with the number of attempts
// the retry loop consumed.
type Result struct {
	Interaction Interaction
	Attempts    int
}

// Request describes one user prompt handed to Generate.
type Request struct {
	// Prompt is the user's message text.
	Prompt string

	// Context is optional retrieved text (web search results) to ground
	// the reply in.
	Context string

	// Sources names the origins of Context, passed through to the output.
	Sources []string

	// Images is an optional block of attached-image descriptions.
	Images string

	// OnProgress receives accumulated partial text while streaming.
	OnProgress chat.ProgressFunc
}

// Conversation is one user's ongoing exchange: history, thread binding,
// assigned session, generation lock, inactivity timer, and cooldown.
//
// The locked flag is advisory: it is only effective because every path
// that sets it also clears it on every exit, including failures. Generate
// never queues; a second call while one is in flight observes ErrBusy.
type Conversation struct {
	user string

	mu        sync.Mutex
	id        string
	room      string
	thread    string
	history   []Interaction
	session   *Session
	active    bool
	locked    bool
	count     int
	updatedAt time.Time
	idleTimer *time.Timer

	cooldown *Cooldown
	manager  *Manager
	logger   *slog.Logger
}

func newConversation(user string, sess *Session, m *Manager) *Conversation {
	c := &Conversation{
		user:    user,
		session: sess,
		manager: m,
		logger:  m.logger.With("user", user),
	}
	c.cooldown = NewCooldown(m.cfg.Cooldown, func() {
		if m.events.OnCooldown != nil {
			m.events.OnCooldown(user)
		}
	})
	return c
}

// ID returns the conversation's opaque id. It is regenerated on every
// Init and is not a stable key across resets.
func (c *Conversation) ID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

// User returns the owning user.
func (c *Conversation) User() string { return c.user }

// Active reports whether the conversation is initialized and not expired.
func (c *Conversation) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// Locked reports whether a generation is in flight.
func (c *Conversation) Locked() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.locked
}

// Session returns the currently assigned session.
func (c *Conversation) Session() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// Room returns the room the conversation is bound to.
func (c *Conversation) Room() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.room
}

// Thread returns the external thread binding, or "" when unbound.
func (c *Conversation) Thread() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.thread
}

// Cooldown returns the conversation's throttle.
func (c *Conversation) Cooldown() *Cooldown { return c.cooldown }

// History returns a copy of the interaction history, oldest first.
func (c *Conversation) History() []Interaction {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Interaction, len(c.history))
	copy(out, c.history)
	return out
}

// Init activates the conversation: initializes the assigned session if
// needed, generates a fresh id, and binds the external room and thread.
func (c *Conversation) Init(ctx context.Context, room, thread string) error {
	c.mu.Lock()
	if c.locked {
		c.mu.Unlock()
		return ErrBusy
	}
	sess := c.session
	c.mu.Unlock()

	if err := sess.Init(ctx); err != nil {
		return err
	}

	c.mu.Lock()
	c.id = uuid.New().String()
	c.room = room
	c.thread = thread
	c.active = true
	c.updatedAt = time.Now()
	c.rearmIdleTimerLocked()
	rec := c.recordLocked()
	c.mu.Unlock()

	if err := c.manager.store.UpsertConversation(ctx, rec); err != nil {
		c.logger.Warn("persist conversation failed", "err", err)
	}
	c.logger.Info("conversation started", "conversation_id", c.ID(), "session_id", sess.ID())
	return nil
}

// Generate runs one prompt through the retry state machine. At most one
// call is in flight per conversation; concurrent callers observe ErrBusy
// immediately instead of queueing.
//
// Failure classification, first match wins:
//  1. quota exhausted / account unusable → disable the session, fail over
//     to a fresh one and retry
//  2. non-server-side API error or cancellation → propagate immediately
//  3. empty output / prompt too long → propagate immediately
//  4. attempt cap reached → propagate, wrapping unknown error types
//  5. anything else is presumed transient → notice, fixed backoff, retry
func (c *Conversation) Generate(ctx context.Context, req Request) (*Result, error) {
	c.mu.Lock()
	if !c.active {
		c.mu.Unlock()
		return nil, ErrInactive
	}
	if c.locked {
		c.mu.Unlock()
		return nil, ErrBusy
	}
	c.locked = true
	// The inactivity timer is rearmed only after a terminal outcome.
	c.stopIdleTimerLocked()
	c.mu.Unlock()

	maxAttempts := c.manager.cfg.MaxAttempts
	attempts := 0
	for {
		// Every loop iteration follows a suspension point; re-validate the
		// lock instead of trusting state captured before it. A concurrent
		// reset clears the lock to abort this loop.
		c.mu.Lock()
		if !c.locked {
			c.mu.Unlock()
			return nil, ErrInactive
		}
		sess := c.session
		history := c.historyEntriesLocked()
		c.mu.Unlock()

		attempts++
		completion, err := sess.Generate(ctx, GenerateOptions{
			Prompt:     req.Prompt,
			History:    history,
			Context:    req.Context,
			Images:     req.Images,
			Model:      c.manager.cfg.Model,
			OnProgress: req.OnProgress,
		})
		if err == nil {
			return c.finish(ctx, req, sess, completion, attempts), nil
		}

		switch {
		case chat.IsQuota(err) || chat.IsUnusable(err) || errors.Is(err, ErrSessionDisabled):
			ferr := c.failover(ctx, sess)
			if ferr == nil {
				continue
			}
			if attempts >= maxAttempts {
				return nil, c.fail(ferr, attempts)
			}
			c.logger.Warn("session failover unavailable; retrying",
				"attempt", attempts, "max", maxAttempts, "err", c.redactErr(ferr))

		case isNonRetryable(err):
			return nil, c.fail(err, attempts)

		case errors.Is(err, chat.ErrEmptyOutput) || errors.Is(err, ErrPromptTooLong):
			return nil, c.fail(err, attempts)

		case attempts >= maxAttempts:
			return nil, c.fail(wrapUnknown(err, attempts), attempts)

		default:
			if c.manager.events.OnNotice != nil {
				c.manager.events.OnNotice(c.user, "The reply is taking longer than usual, retrying…")
			}
			c.logger.Warn("generation attempt failed; retrying",
				"attempt", attempts, "max", maxAttempts,
				"session_id", sess.ID(), "err", c.redactErr(err))

			select {
			case <-ctx.Done():
				return nil, c.fail(ctx.Err(), attempts)
			case <-time.After(c.manager.cfg.RetryDelay):
			}
		}
	}
}

// failover disables the failed session if it is not disabled yet, acquires
// a different free session from the pool, initializes it, and reassigns
// the conversation. A quota/ban failover does not count as a hard failure;
// only the attempt counter moves.
func (c *Conversation) failover(ctx context.Context, failed *Session) error {
	if failed.State() != StateDisabled {
		if err := failed.Stop(ctx, StopPermanent); err != nil {
			c.logger.Warn("disable session failed", "session_id", failed.ID(), "err", err)
		}
	}

	next, err := c.manager.Session(ctx)
	if err != nil {
		return err
	}
	if err := next.Init(ctx); err != nil {
		return err
	}

	c.mu.Lock()
	c.session = next
	c.mu.Unlock()

	c.logger.Info("conversation failed over",
		"from", failed.ID(), "to", next.ID())
	return nil
}

// finish records a terminal success: unlock, append to history, rearm the
// inactivity timer, persist, optionally keep an anonymized dataset copy,
// and arm the cooldown.
func (c *Conversation) finish(ctx context.Context, req Request, sess *Session, completion *chat.Completion, attempts int) *Result {
	now := time.Now()
	interaction := Interaction{
		Input: req.Prompt,
		Output: Output{
			Text:        completion.Text,
			Sources:     req.Sources,
			Suggestions: sess.Suggestions(3),
			Raw:         completion.Raw,
		},
		Time: now,
	}

	c.mu.Lock()
	c.locked = false
	c.history = append(c.history, interaction)
	if excess := len(c.history) - c.manager.cfg.MaxHistory; excess > 0 {
		c.history = c.history[excess:]
	}
	c.count++
	c.updatedAt = now
	c.rearmIdleTimerLocked()
	rec := c.recordLocked()
	c.mu.Unlock()

	if c.manager.events.OnDone != nil {
		c.manager.events.OnDone(c.user)
	}

	if err := c.manager.store.UpsertConversation(ctx, rec); err != nil {
		c.logger.Warn("persist conversation failed", "err", err)
	}
	if c.manager.cfg.CollectDataset {
		if err := c.manager.store.InsertDataset(ctx, &DatasetRecord{
			ID:        uuid.New().String(),
			Author:    anonymize(c.user),
			Input:     interaction.Input,
			Output:    interaction.Output.Text,
			CreatedAt: now,
		}); err != nil {
			c.logger.Warn("persist dataset record failed", "err", err)
		}
	}

	c.cooldown.Use(0)
	return &Result{Interaction: interaction, Attempts: attempts}
}

// fail records a terminal failure: unlock and rearm the inactivity timer.
// The conversation stays active.
func (c *Conversation) fail(err error, attempts int) error {
	c.mu.Lock()
	c.locked = false
	if c.active {
		c.rearmIdleTimerLocked()
	}
	c.mu.Unlock()

	c.logger.Warn("generation failed", "attempts", attempts, "err", c.redactErr(err))
	return err
}

// redactErr strips upstream credentials from an error before it reaches a
// log line. Provider error bodies sometimes echo the API key back verbatim.
func (c *Conversation) redactErr(err error) string {
	return redact.String(err.Error(), c.manager.cfg.Credentials...)
}

// AttachReply links the rendered reply message to the newest interaction.
// The newest entry is the only one ever mutated after append.
func (c *Conversation) AttachReply(ref string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.history) > 0 {
		c.history[len(c.history)-1].Reply = ref
	}
}

// Reset clears the conversation. A soft reset keeps the external thread
// binding; a hard reset destroys (archives) it. Clearing the lock aborts
// any in-flight retry loop.
func (c *Conversation) Reset(ctx context.Context, soft bool) error {
	c.mu.Lock()
	c.locked = false
	c.active = false
	c.history = nil
	c.count = 0
	thread := c.thread
	if !soft {
		c.thread = ""
	}
	c.stopIdleTimerLocked()
	c.mu.Unlock()

	c.cooldown.Cancel()

	if err := c.manager.store.DeleteConversation(ctx, c.user); err != nil {
		c.logger.Warn("delete conversation record failed", "err", err)
	}
	if !soft && thread != "" && c.manager.events.OnArchive != nil {
		c.manager.events.OnArchive(c.user, thread)
	}
	c.logger.Info("conversation reset", "soft", soft)
	return nil
}

// expire is the inactivity timer callback: auto-reset and notify.
func (c *Conversation) expire() {
	c.mu.Lock()
	if !c.active || c.locked {
		// Either already reset, or a generation is in flight and the timer
		// fired stale; the terminal outcome will rearm it.
		c.mu.Unlock()
		return
	}
	thread := c.thread
	c.mu.Unlock()

	c.logger.Info("conversation expired after inactivity")
	_ = c.Reset(context.Background(), false)

	if c.manager.events.OnExpired != nil {
		c.manager.events.OnExpired(c.user, thread)
	}
}

// stopTimers cancels the inactivity timer and cooldown without notifying.
// Used at process teardown.
func (c *Conversation) stopTimers() {
	c.mu.Lock()
	c.stopIdleTimerLocked()
	c.mu.Unlock()
}

// rearmIdleTimerLocked restarts the inactivity timer. Must hold mu.
func (c *Conversation) rearmIdleTimerLocked() {
	if c.idleTimer != nil {
		c.idleTimer.Stop()
	}
	c.idleTimer = time.AfterFunc(c.manager.cfg.IdleTimeout, c.expire)
}

// stopIdleTimerLocked cancels the inactivity timer. Must hold mu.
func (c *Conversation) stopIdleTimerLocked() {
	if c.idleTimer != nil {
		c.idleTimer.Stop()
		c.idleTimer = nil
	}
}

// historyEntriesLocked converts history to prompt entries. Must hold mu.
func (c *Conversation) historyEntriesLocked() []HistoryEntry {
	entries := make([]HistoryEntry, len(c.history))
	for i, interaction := range c.history {
		entries[i] = HistoryEntry{Input: interaction.Input, Output: interaction.Output.Text}
	}
	return entries
}

// recordLocked builds the persisted record snapshot. Must hold mu.
func (c *Conversation) recordLocked() *Record {
	return &Record{
		User:      c.user,
		Room:      c.room,
		Thread:    c.thread,
		Active:    c.active,
		History:   c.historyEntriesLocked(),
		Count:     c.count,
		UpdatedAt: c.updatedAt,
	}
}

// isNonRetryable reports whether err can never be fixed by retrying on the
// same or another session: cancellation, or an upstream API error that is
// not server-side.
func isNonRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var apiErr *chat.APIError
	if errors.As(err, &apiErr) {
		return !apiErr.ServerSide()
	}
	return false
}

// wrapUnknown wraps unclassified error types into GenerationError so raw
// transport errors never leak to callers. Known engine and chat errors
// pass through unchanged.
func wrapUnknown(err error, attempts int) error {
	var apiErr *chat.APIError
	switch {
	case errors.Is(err, ErrNoFreeSessions),
		errors.Is(err, ErrSessionBusy),
		errors.Is(err, ErrSessionStarting),
		errors.Is(err, ErrSessionDisabled),
		errors.Is(err, chat.ErrEmptyOutput),
		errors.Is(err, ErrPromptTooLong),
		errors.As(err, &apiErr):
		return err
	default:
		return &GenerationError{Attempts: attempts, Err: err}
	}
}

// anonymize hashes a user id for dataset records.
func anonymize(user string) string {
	sum := sha256.Sum256([]byte(user))
	return hex.EncodeToString(sum[:])[:16]
}
