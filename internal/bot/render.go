package bot

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/f1nniboy/bing-bot/internal/bot/conversation"
)

// messenger is the outbound Matrix surface the bot needs. *matrix.Client
// satisfies it; tests substitute a fake.
type messenger interface {
	SendMarkdown(ctx context.Context, roomID, threadRoot, text string) (string, error)
	EditMarkdown(ctx context.Context, roomID, targetEventID, text string) error
	SendNotice(ctx context.Context, roomID, threadRoot, text string) error
	SetTyping(ctx context.Context, roomID string, typing bool, timeout time.Duration) error
	React(ctx context.Context, roomID, eventID, emoji string) error
}

// renderOutput formats a generation result as the Markdown message posted
// to the room: reply text, numbered source links, and suggested follow-up
// prompts.
func renderOutput(out conversation.Output) string {
	var sb strings.Builder
	sb.WriteString(out.Text)

	if len(out.Sources) > 0 {
		sb.WriteString("\n\n**Sources**\n")
		for i, source := range out.Sources {
			fmt.Fprintf(&sb, "%d. %s\n", i+1, source)
		}
	}
	if len(out.Suggestions) > 0 {
		sb.WriteString("\n*Suggestions: ")
		for i, suggestion := range out.Suggestions {
			if i > 0 {
				sb.WriteString(" · ")
			}
			sb.WriteString(suggestion)
		}
		sb.WriteString("*")
	}
	return sb.String()
}

// editInterval is the minimum spacing between streamed message edits.
// Editing on every chunk would flood the homeserver.
const editInterval = time.Second

// streamRenderer turns stream progress callbacks into a Matrix message
// that is edited in place as text accumulates. The first partial sends a
// new message; later partials edit it, rate-limited to editInterval.
type streamRenderer struct {
	client messenger
	room   string
	thread string

	mu       sync.Mutex
	eventID  string
	lastEdit time.Time
	sending  bool
}

func newStreamRenderer(client messenger, room, thread string) *streamRenderer {
	return &streamRenderer{client: client, room: room, thread: thread}
}

// Update is the progress callback: it posts or edits the partial reply.
// Failures are swallowed; a dropped partial just means the next one
// carries more text.
func (r *streamRenderer) Update(partial string) {
	r.mu.Lock()
	if r.sending || (r.eventID != "" && time.Since(r.lastEdit) < editInterval) {
		r.mu.Unlock()
		return
	}
	r.sending = true
	eventID := r.eventID
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var sentID string
	var err error
	if eventID == "" {
		sentID, err = r.client.SendMarkdown(ctx, r.room, r.thread, partial)
	} else {
		err = r.client.EditMarkdown(ctx, r.room, eventID, partial)
	}

	r.mu.Lock()
	r.sending = false
	if err == nil {
		if sentID != "" {
			r.eventID = sentID
		}
		r.lastEdit = time.Now()
	}
	r.mu.Unlock()
}

// Finish posts the final rendered text. When partials were already sent
// the existing message is edited into its final form; otherwise a fresh
// message is sent. Returns the event ID of the reply message.
func (r *streamRenderer) Finish(ctx context.Context, text string) (string, error) {
	r.mu.Lock()
	eventID := r.eventID
	r.mu.Unlock()

	if eventID == "" {
		return r.client.SendMarkdown(ctx, r.room, r.thread, text)
	}
	if err := r.client.EditMarkdown(ctx, r.room, eventID, text); err != nil {
		return "", err
	}
	return eventID, nil
}
