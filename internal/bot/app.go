// Package bot wires the conversation engine to its surroundings: the
// Matrix transport, the SQLite store, the per-user limits, moderation,
// and the optional health server.
package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/f1nniboy/bing-bot/common/redact"
	"github.com/f1nniboy/bing-bot/common/trace"
	"github.com/f1nniboy/bing-bot/internal/bot/chat"
	"github.com/f1nniboy/bing-bot/internal/bot/config"
	"github.com/f1nniboy/bing-bot/internal/bot/conversation"
	"github.com/f1nniboy/bing-bot/internal/bot/matrix"
	"github.com/f1nniboy/bing-bot/internal/bot/moderation"
	"github.com/f1nniboy/bing-bot/internal/bot/store"
	"github.com/f1nniboy/bing-bot/internal/bot/tokens"
)

// App is the assembled bot.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	store        *store.Store
	matrixClient *matrix.Client
	messenger    messenger
	manager      *conversation.Manager
	moderator    moderation.Checker
	limiter      *conversation.RateLimiter
	budget       *conversation.DailyBudget
	health       *HealthServer
}

// New assembles the application from its configuration.
func New(cfg *config.Config) (*App, error) {
	logger := slog.Default()

	logger.Info("configuration loaded", "settings", redact.Map(map[string]any{
		"homeserver":   cfg.Matrix.Homeserver,
		"user_id":      cfg.Matrix.UserID,
		"access_token": cfg.Matrix.AccessToken,
		"rooms":        len(cfg.Matrix.Rooms),
		"model":        cfg.Chat.Model,
		"credentials":  len(cfg.Chat.Credentials),
	}))

	logger.Info("opening database", "path", cfg.Database.Path)
	st, err := store.New(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	// Inject the DB so the Matrix client can persist the sync token across
	// restarts.
	logger.Info("connecting to Matrix", "homeserver", cfg.Matrix.Homeserver)
	matrixClient, err := matrix.New(&matrix.Config{
		Homeserver:  cfg.Matrix.Homeserver,
		UserID:      cfg.Matrix.UserID,
		AccessToken: cfg.Matrix.AccessToken,
		Rooms:       cfg.Matrix.Rooms,
		DB:          st.DB(),
	})
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to initialize Matrix client: %w", err)
	}

	chatClient := chat.New(chat.Config{
		BaseURL: cfg.Chat.BaseURL,
		Model:   cfg.Chat.Model,
	})

	a := &App{
		cfg:          cfg,
		logger:       logger,
		store:        st,
		matrixClient: matrixClient,
		messenger:    matrixClient,
		limiter:      conversation.NewRateLimiter(cfg.Limits.RateLimit, cfg.Limits.RateWindow.Std()),
		budget:       conversation.NewDailyBudget(cfg.Limits.DailyTokens),
	}

	a.manager = conversation.NewManager(conversation.Config{
		Credentials:    cfg.Chat.Credentials,
		Model:          cfg.Chat.Model,
		MaxAttempts:    cfg.Chat.MaxAttempts,
		RetryDelay:     cfg.Chat.RetryDelay.Std(),
		IdleTimeout:    cfg.Chat.IdleTimeout.Std(),
		Cooldown:       cfg.Chat.Cooldown.Std(),
		MaxHistory:     cfg.Chat.MaxHistory,
		CollectDataset: cfg.Chat.CollectDataset,
	}, chatClient, st, conversation.Events{
		OnNotice:  a.notifyUser,
		OnExpired: a.notifyExpired,
	}, logger)

	if cfg.Chat.Moderation {
		a.moderator = moderation.New(moderation.Config{BaseURL: cfg.Chat.BaseURL}, logger)
	}

	if cfg.Health.Addr != "" {
		var dataset datasetCounter
		if cfg.Chat.CollectDataset {
			dataset = st
		}
		a.health = NewHealthServer(cfg.Health.Addr, a.manager, dataset)
	}

	return a, nil
}

// Run starts every component and blocks until an interrupt or TERM
// signal arrives.
func (a *App) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	count, err := a.manager.Setup(ctx)
	if err != nil {
		return fmt.Errorf("failed to set up session pool: %w", err)
	}
	if count == 0 {
		return errors.New("no upstream credentials configured")
	}

	// Conversation rows older than the idle timeout belong to
	// conversations that expired while the process was down.
	cutoff := time.Now().Add(-a.cfg.Chat.IdleTimeout.Std())
	if pruned, err := a.store.PruneConversations(ctx, cutoff); err != nil {
		a.logger.Warn("failed to prune stale conversation records", "err", err)
	} else if pruned > 0 {
		a.logger.Info("pruned stale conversation records", "count", pruned)
	}

	if a.health != nil {
		if err := a.health.Start(ctx); err != nil {
			a.logger.Warn("health server failed to start; continuing without it", "err", err)
		}
	}

	a.logger.Info("starting Matrix sync")
	if err := a.matrixClient.Start(ctx, a.handleMessage); err != nil {
		return fmt.Errorf("failed to start Matrix client: %w", err)
	}

	a.logger.Info("bot is running; press Ctrl+C to stop")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	a.logger.Info("shutting down")
	return nil
}

// Stop tears down every component.
func (a *App) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	a.logger.Info("stopping session pool")
	a.manager.Stop(ctx)

	a.logger.Info("stopping Matrix client")
	a.matrixClient.Stop()

	if a.health != nil {
		a.health.Stop()
	}

	a.logger.Info("closing database")
	a.store.Close()
}

// typingTimeout is how long one typing indicator lasts before the
// homeserver clears it on its own.
const typingTimeout = 30 * time.Second

// handleMessage processes one inbound user prompt end to end.
func (a *App) handleMessage(ctx context.Context, msg matrix.Message) {
	ctx = trace.WithTraceID(ctx, trace.GenerateID())
	logger := a.logger.With("trace_id", trace.FromContext(ctx), "user", msg.Sender)

	body := strings.TrimSpace(msg.Body)
	if body == "" {
		return
	}

	if strings.HasPrefix(body, "!") {
		a.handleCommand(ctx, logger, msg, body)
		return
	}

	// Per-user limits come first: they are cheap and protect everything
	// behind them.
	if !a.limiter.Allow(msg.Sender) {
		a.react(ctx, msg, "⏳")
		return
	}
	if !a.budget.Allow(msg.Sender) {
		a.notice(ctx, msg.Room, msg.ThreadRoot,
			"You have used up today's token budget. It resets at midnight UTC.")
		return
	}

	if a.moderator != nil {
		// Moderation rides on whichever credential is still usable; a
		// banned one would fail the check and let every prompt through.
		if credential, ok := a.manager.UsableCredential(); ok {
			verdict, err := a.moderator.Check(ctx, credential, body)
			if err == nil && verdict.Flagged {
				logger.Info("prompt refused by moderation", "categories", verdict.Categories)
				a.react(ctx, msg, "🚫")
				a.notice(ctx, msg.Room, msg.ThreadRoot,
					"That message was flagged by moderation and will not be answered.")
				return
			}
		}
	}

	c, err := a.manager.Create(ctx, msg.Sender)
	if err != nil {
		logger.Warn("failed to create conversation", "err", err)
		a.notice(ctx, msg.Room, msg.ThreadRoot, a.userFacingError(err))
		return
	}

	if !c.Active() {
		// Bind replies into a thread rooted at the user's message unless
		// they are already talking inside one.
		threadRoot := msg.ThreadRoot
		if threadRoot == "" {
			threadRoot = msg.EventID
		}
		if err := c.Init(ctx, msg.Room, threadRoot); err != nil {
			logger.Warn("failed to start conversation", "err", err)
			a.notice(ctx, msg.Room, msg.ThreadRoot, a.userFacingError(err))
			return
		}
	}

	if c.Cooldown().Active() {
		remaining := c.Cooldown().Remaining().Round(time.Second)
		a.notice(ctx, msg.Room, c.Thread(),
			fmt.Sprintf("Please wait %s before sending another message.", remaining))
		return
	}

	a.typing(ctx, msg.Room, true)
	defer a.typing(ctx, msg.Room, false)

	renderer := newStreamRenderer(a.messenger, msg.Room, c.Thread())
	result, err := c.Generate(ctx, conversation.Request{
		Prompt:     body,
		OnProgress: renderer.Update,
	})
	if err != nil {
		logger.Warn("generation failed", "err", err)
		a.notice(ctx, msg.Room, c.Thread(), a.userFacingError(err))
		return
	}

	replyID, err := renderer.Finish(ctx, renderOutput(result.Interaction.Output))
	if err != nil {
		logger.Error("failed to send reply", "err", err)
		return
	}
	c.AttachReply(replyID)

	usage := result.Interaction.Output.Text
	spent := tokens.EstimateMessages(body, usage)
	a.budget.RecordUsage(msg.Sender, spent)

	logger.Info("prompt answered",
		"attempts", result.Attempts,
		"session_id", c.Session().ID(),
		"tokens", spent)
}

// handleCommand serves the small set of user commands.
func (a *App) handleCommand(ctx context.Context, logger *slog.Logger, msg matrix.Message, body string) {
	switch strings.Fields(body)[0] {
	case "!reset":
		c := a.manager.Get(msg.Sender)
		if c == nil || !c.Active() {
			a.notice(ctx, msg.Room, msg.ThreadRoot, "You have no active conversation.")
			return
		}
		if err := c.Reset(ctx, false); err != nil {
			logger.Warn("reset failed", "err", err)
			return
		}
		a.notice(ctx, msg.Room, msg.ThreadRoot, "Conversation reset. Send a message to start a new one.")

	case "!help":
		a.notice(ctx, msg.Room, msg.ThreadRoot,
			"Talk to me in this room and I'll answer in a thread.\n"+
				"!reset - discard your conversation and start over")
	}
}

// userFacingError maps engine errors to the notice shown to the user.
func (a *App) userFacingError(err error) string {
	switch {
	case errors.Is(err, conversation.ErrBusy):
		return "I'm still working on your previous message."
	case errors.Is(err, conversation.ErrNoFreeSessions):
		return "I'm over capacity right now. Please try again in a few minutes."
	case errors.Is(err, conversation.ErrPromptTooLong):
		return "That message is too long for me to answer. Try something shorter."
	case errors.Is(err, chat.ErrEmptyOutput):
		return "I couldn't come up with an answer to that. Try rephrasing it."
	case errors.Is(err, conversation.ErrInactive):
		return "Your conversation has ended. Send another message to start a new one."
	default:
		return "Something went wrong while generating a reply. Please try again."
	}
}

// notifyUser forwards engine notices (e.g. retry notifications) into the
// user's conversation thread.
func (a *App) notifyUser(user, text string) {
	c := a.manager.Get(user)
	if c == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	a.notice(ctx, c.Room(), c.Thread(), text)
}

// notifyExpired tells the user their idle conversation was closed.
func (a *App) notifyExpired(user, thread string) {
	c := a.manager.Get(user)
	if c == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	a.notice(ctx, c.Room(), thread,
		"This conversation was closed after a period of inactivity.")
}

func (a *App) notice(ctx context.Context, room, thread, text string) {
	if err := a.messenger.SendNotice(ctx, room, thread, text); err != nil {
		a.logger.Warn("failed to send notice", "room", room, "err", err)
	}
}

func (a *App) react(ctx context.Context, msg matrix.Message, emoji string) {
	if err := a.messenger.React(ctx, msg.Room, msg.EventID, emoji); err != nil {
		a.logger.Warn("failed to send reaction", "room", msg.Room, "err", err)
	}
}

func (a *App) typing(ctx context.Context, room string, typing bool) {
	if err := a.messenger.SetTyping(ctx, room, typing, typingTimeout); err != nil {
		a.logger.Debug("failed to set typing indicator", "room", room, "err", err)
	}
}
