// Package matrix provides the Matrix transport for the bot: receiving user
// prompts and rendering replies, streamed edits, notices, and typing
// indicators.
package matrix

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/format"
	"maunium.net/go/mautrix/id"
)

// Config holds Matrix client configuration.
type Config struct {
	Homeserver  string
	UserID      string
	AccessToken string

	// Rooms restricts which room IDs the bot responds in. Empty means every
	// joined room.
	Rooms []string

	// DB is an optional SQLite connection used to persist the Matrix sync
	// token (next_batch) across restarts. When nil, an in-memory store is
	// used and room history replays on every restart.
	DB *sql.DB
}

// Message is an inbound user prompt, reduced to what the bot needs.
type Message struct {
	Sender  string
	Room    string
	EventID string
	// ThreadRoot is the thread the message was posted in, or "" for a
	// top-level message.
	ThreadRoot string
	Body       string
}

// MessageHandler processes incoming user messages.
type MessageHandler func(ctx context.Context, msg Message)

// Client wraps the mautrix client.
type Client struct {
	client  *mautrix.Client
	config  *Config
	stopCh  chan struct{}
	handler MessageHandler
}

// New creates a new Matrix client.
func New(config *Config) (*Client, error) {
	client, err := mautrix.NewClient(config.Homeserver, id.UserID(config.UserID), config.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create Matrix client: %w", err)
	}

	c := &Client{
		client: client,
		config: config,
		stopCh: make(chan struct{}),
	}

	// A persistent sync store lets the bot resume from the last known
	// position after a restart instead of replaying old prompts.
	if config.DB != nil {
		client.Store = newDBSyncStore(config.DB)
	} else {
		slog.Warn("Matrix sync store: no DB configured, using in-memory store (history will replay on restart)")
	}

	return c, nil
}

// Start begins syncing with the Matrix homeserver. The sync loop runs in
// the background and reconnects with exponential back-off; without retries
// a transient homeserver error would silently kill the sync goroutine and
// leave the bot deaf to all new messages.
func (c *Client) Start(ctx context.Context, handler MessageHandler) error {
	c.handler = handler

	syncer := c.client.Syncer.(*mautrix.DefaultSyncer)
	syncer.OnEventType(event.EventMessage, c.handleEvent)
	syncer.OnEventType(event.StateMember, c.handleInvite)

	for _, roomID := range c.config.Rooms {
		if err := c.joinRoom(roomID); err != nil {
			return fmt.Errorf("failed to join room %s: %w", roomID, err)
		}
	}

	go func() {
		var backoff time.Duration
		for {
			started := time.Now()
			if err := c.client.Sync(); err != nil {
				select {
				case <-c.stopCh:
					return
				default:
				}
				backoff = nextSyncBackoff(backoff, time.Since(started))
				slog.Error("Matrix sync stopped; reconnecting", "err", err, "backoff", backoff)
				select {
				case <-c.stopCh:
					return
				case <-time.After(backoff):
				}
				continue
			}
			// Sync returned nil, which only happens on a clean StopSync() call.
			return
		}
	}()

	return nil
}

const (
	syncBackoffMin  = 2 * time.Second
	syncBackoffMax  = 5 * time.Minute
	syncStableAfter = time.Minute
)

// nextSyncBackoff returns the wait before the next reconnect attempt.
// Consecutive quick failures double the wait up to syncBackoffMax; a sync
// that ran for at least syncStableAfter before failing counts as a
// recovery and starts the progression over.
func nextSyncBackoff(previous, ran time.Duration) time.Duration {
	if previous == 0 || ran >= syncStableAfter {
		return syncBackoffMin
	}
	next := previous * 2
	if next > syncBackoffMax {
		next = syncBackoffMax
	}
	return next
}

// Stop stops the Matrix client.
func (c *Client) Stop() {
	close(c.stopCh)
	c.client.StopSync()
}

// UserID returns the bot's own user ID.
func (c *Client) UserID() string {
	return c.config.UserID
}

// SendMarkdown renders text as Markdown and sends it, optionally inside a
// thread. Returns the event ID of the sent message.
func (c *Client) SendMarkdown(ctx context.Context, roomID, threadRoot, text string) (string, error) {
	content := format.RenderMarkdown(text, true, false)
	attachThread(&content, threadRoot)

	resp, err := c.client.SendMessageEvent(ctx, id.RoomID(roomID), event.EventMessage, &content)
	if err != nil {
		return "", fmt.Errorf("failed to send message: %w", err)
	}
	return resp.EventID.String(), nil
}

// EditMarkdown replaces a previously sent message with new Markdown text.
// Used to stream partial replies: the first partial is sent, every later
// one edits it in place.
func (c *Client) EditMarkdown(ctx context.Context, roomID, targetEventID, text string) error {
	content := format.RenderMarkdown(text, true, false)
	content.SetEdit(id.EventID(targetEventID))

	_, err := c.client.SendMessageEvent(ctx, id.RoomID(roomID), event.EventMessage, &content)
	if err != nil {
		return fmt.Errorf("failed to edit message: %w", err)
	}
	return nil
}

// SendNotice sends a notice (less intrusive than a normal message),
// optionally inside a thread.
func (c *Client) SendNotice(ctx context.Context, roomID, threadRoot, text string) error {
	content := event.MessageEventContent{
		MsgType: event.MsgNotice,
		Body:    text,
	}
	attachThread(&content, threadRoot)

	_, err := c.client.SendMessageEvent(ctx, id.RoomID(roomID), event.EventMessage, &content)
	if err != nil {
		return fmt.Errorf("failed to send notice: %w", err)
	}
	return nil
}

// SetTyping sets or clears the bot's typing indicator in a room.
func (c *Client) SetTyping(ctx context.Context, roomID string, typing bool, timeout time.Duration) error {
	_, err := c.client.UserTyping(ctx, id.RoomID(roomID), typing, timeout)
	if err != nil {
		return fmt.Errorf("failed to set typing: %w", err)
	}
	return nil
}

// React attaches an emoji reaction to a message. Used to acknowledge
// prompts the bot refuses (rate limit, moderation).
func (c *Client) React(ctx context.Context, roomID, eventID, emoji string) error {
	_, err := c.client.SendReaction(ctx, id.RoomID(roomID), id.EventID(eventID), emoji)
	if err != nil {
		return fmt.Errorf("failed to send reaction: %w", err)
	}
	return nil
}

// allowedRoom checks the configured room allow-list. An empty list allows
// every room.
func (c *Client) allowedRoom(roomID string) bool {
	if len(c.config.Rooms) == 0 {
		return true
	}
	for _, allowed := range c.config.Rooms {
		if allowed == roomID {
			return true
		}
	}
	return false
}

// handleEvent filters raw Matrix events down to user prompts and forwards
// them to the registered handler.
func (c *Client) handleEvent(ctx context.Context, evt *event.Event) {
	if evt.Sender == id.UserID(c.config.UserID) {
		return
	}

	content := evt.Content.AsMessage()
	if content == nil || content.MsgType != event.MsgText {
		return
	}
	if !c.allowedRoom(evt.RoomID.String()) {
		return
	}

	msg := Message{
		Sender:  evt.Sender.String(),
		Room:    evt.RoomID.String(),
		EventID: evt.ID.String(),
		Body:    content.Body,
	}
	if rel := content.RelatesTo; rel != nil && rel.Type == event.RelThread {
		msg.ThreadRoot = rel.EventID.String()
	}

	if c.handler != nil {
		c.handler(ctx, msg)
	}
}

// handleInvite auto-joins rooms the bot is invited to, honoring the room
// allow-list.
func (c *Client) handleInvite(ctx context.Context, evt *event.Event) {
	if evt.GetStateKey() != c.config.UserID {
		return
	}
	if evt.Content.AsMember().Membership != event.MembershipInvite {
		return
	}
	if !c.allowedRoom(evt.RoomID.String()) {
		slog.Info("ignoring invite to room outside the allow-list", "room", evt.RoomID)
		return
	}
	if err := c.joinRoom(evt.RoomID.String()); err != nil {
		slog.Error("failed to join room after invite", "room", evt.RoomID, "err", err)
	}
}

// joinRoom attempts to join a room.
func (c *Client) joinRoom(roomID string) error {
	_, err := c.client.JoinRoomByID(context.Background(), id.RoomID(roomID))
	if err != nil {
		// M_FORBIDDEN is returned by homeservers when the bot is already a
		// member of the room.
		if errors.Is(err, mautrix.MForbidden) {
			slog.Warn("joinRoom: already a member or access denied, continuing", "room", roomID)
			return nil
		}
		return err
	}
	return nil
}

// attachThread marks the message as part of a thread when threadRoot is
// set.
func attachThread(content *event.MessageEventContent, threadRoot string) {
	if threadRoot == "" {
		return
	}
	content.RelatesTo = &event.RelatesTo{
		Type:    event.RelThread,
		EventID: id.EventID(threadRoot),
	}
}
