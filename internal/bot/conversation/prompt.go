package conversation

import (
	"strings"

	"github.com/f1nniboy/bing-bot/internal/bot/tokens"
)

const (
	// basePromptBudget is the allowed token length of the assembled prompt
	// when no retrieved context is attached.
	basePromptBudget = 2048

	// contextSlack widens the budget beyond the measured context length so
	// attached search results never starve the user's own prompt.
	contextSlack = 200

	// modelTokenLimit is the total context window of the completion model.
	modelTokenLimit = 4096

	// minReplyTokens is the floor for the completion size requested
	// upstream, even when the prompt leaves little headroom.
	minReplyTokens = 256

	userPrefix      = "User:"
	assistantPrefix = "Assistant:"
)

// preamble is the fixed system preamble prepended to every prompt.
const preamble = `You are a helpful, creative assistant talking to users in a chat room.
Answer as concisely as possible. Use Markdown formatting when it helps.
If search results are provided, ground your answer in them and mention the source.
Never make up links. If you do not know something, say so.`

// promptInput is everything that goes into one assembled prompt.
type promptInput struct {
	History []HistoryEntry
	Context string
	Images  string
	Prompt  string
}

// assemble renders the prompt with the given history slice: preamble,
// prior turns oldest first, optional context and image blocks, then the
// new user turn with a trailing assistant cue.
func (in promptInput) assemble(history []HistoryEntry) string {
	var sb strings.Builder
	sb.WriteString(preamble)
	sb.WriteString("\n\n")

	for _, entry := range history {
		sb.WriteString(userPrefix)
		sb.WriteString(" ")
		sb.WriteString(entry.Input)
		sb.WriteString("\n")
		sb.WriteString(assistantPrefix)
		sb.WriteString(" ")
		sb.WriteString(entry.Output)
		sb.WriteString("\n")
	}

	if in.Context != "" {
		sb.WriteString("\nSearch results:\n")
		sb.WriteString(in.Context)
		sb.WriteString("\n")
	}
	if in.Images != "" {
		sb.WriteString("\nAttached images:\n")
		sb.WriteString(in.Images)
		sb.WriteString("\n")
	}

	sb.WriteString(userPrefix)
	sb.WriteString(" ")
	sb.WriteString(in.Prompt)
	sb.WriteString("\n")
	sb.WriteString(assistantPrefix)
	return sb.String()
}

// buildPrompt assembles the prompt and fits it into the token budget by
// dropping the oldest history entries until the measured length is
// strictly under the allowed maximum. When even the bare prompt does not
// fit it fails with ErrPromptTooLong, before any upstream call is made.
//
// The returned max token count is the remaining model headroom, floored at
// minReplyTokens.
func buildPrompt(in promptInput) (prompt string, maxTokens int, err error) {
	allowed := basePromptBudget
	if in.Context != "" {
		allowed += tokens.Estimate(in.Context) + contextSlack
	}

	history := in.History
	for {
		text := in.assemble(history)
		measured := tokens.Estimate(text)
		if measured < allowed {
			headroom := modelTokenLimit - measured
			if headroom < minReplyTokens {
				headroom = minReplyTokens
			}
			return text, headroom, nil
		}
		if len(history) == 0 {
			return "", 0, ErrPromptTooLong
		}
		history = history[1:]
	}
}

// promptStopSequences returns the stop sequences for the completion call,
// preventing the model from inventing the next user turn.
func promptStopSequences() []string {
	return []string{"\n" + userPrefix}
}
