package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/f1nniboy/bing-bot/common/environment"
	"github.com/f1nniboy/bing-bot/common/version"
	bot "github.com/f1nniboy/bing-bot/internal/bot"
	"github.com/f1nniboy/bing-bot/internal/bot/config"
)

func main() {
	fmt.Printf("bing-bot\n")
	fmt.Printf("Version: %s\n", version.Version)
	fmt.Printf("Commit: %s\n", version.GitCommit)
	fmt.Printf("Build Time: %s\n", version.BuildTime)
	fmt.Println()

	setupLogging()

	configPath := environment.StringOr("BOT_CONFIG", "config.yaml")
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config %s: %v\n", configPath, err)
		os.Exit(1)
	}

	// Environment overrides for values that commonly differ per deployment.
	if path, ok := environment.String("DATABASE_PATH"); ok && path != "" {
		cfg.Database.Path = path
	}
	if addr, ok := environment.String("HEALTH_ADDR"); ok {
		cfg.Health.Addr = addr
	}
	cfg.Chat.CollectDataset = environment.BoolOr("COLLECT_DATASET", cfg.Chat.CollectDataset)
	cfg.Chat.IdleTimeout = config.Duration(environment.DurationOr("IDLE_TIMEOUT", cfg.Chat.IdleTimeout.Std()))

	app, err := bot.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize bot: %v\n", err)
		os.Exit(1)
	}
	defer app.Stop()

	if err := app.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error running bot: %v\n", err)
		os.Exit(1)
	}
}

// setupLogging configures the default slog logger. LOG_LEVEL accepts
// debug, info, warn, error; LOG_FORMAT accepts text or json.
func setupLogging() {
	level := slog.LevelInfo
	switch environment.StringOr("LOG_LEVEL", "info") {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if environment.StringOr("LOG_FORMAT", "text") == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}
