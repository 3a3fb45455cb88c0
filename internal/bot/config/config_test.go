package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const validConfig = `
matrix:
  homeserver: https://matrix.example.org
  user_id: "@bot:example.org"
  access_token: syt_secret
  rooms:
    - "!general:example.org"
chat:
  model: gpt-3.5-turbo-instruct
  credentials:
    - sk-one
    - sk-two
  max_attempts: 4
  retry_delay: 3s
  idle_timeout: 15m
  cooldown: 45s
  max_history: 6
  collect_dataset: true
  moderation: true
limits:
  rate_limit: 5
  rate_window: 2m
  daily_tokens: 50000
database:
  path: /var/lib/bot/bot.db
health:
  addr: ":8080"
`

func TestParseValid(t *testing.T) {
	cfg, err := Parse(validConfig)
	if err != nil {
		t.Fatalf("Parse() = %v", err)
	}

	if cfg.Matrix.UserID != "@bot:example.org" {
		t.Errorf("UserID = %q", cfg.Matrix.UserID)
	}
	if len(cfg.Chat.Credentials) != 2 {
		t.Errorf("credentials = %d, want 2", len(cfg.Chat.Credentials))
	}
	if got := cfg.Chat.RetryDelay.Std(); got != 3*time.Second {
		t.Errorf("RetryDelay = %v, want 3s", got)
	}
	if got := cfg.Chat.IdleTimeout.Std(); got != 15*time.Minute {
		t.Errorf("IdleTimeout = %v, want 15m", got)
	}
	if !cfg.Chat.Moderation || !cfg.Chat.CollectDataset {
		t.Error("boolean flags did not decode")
	}
	if cfg.Limits.RateLimit != 5 || cfg.Limits.DailyTokens != 50000 {
		t.Errorf("limits = %+v", cfg.Limits)
	}
	if cfg.Health.Addr != ":8080" {
		t.Errorf("health addr = %q", cfg.Health.Addr)
	}
}

func TestParseRejectsInvalid(t *testing.T) {
	tests := []struct {
		name   string
		mangle func(string) string
	}{
		{"missing matrix section", func(s string) string {
			return strings.ReplaceAll(s, "matrix:", "not_matrix:")
		}},
		{"bad user id", func(s string) string {
			return strings.ReplaceAll(s, `"@bot:example.org"`, `"bot"`)
		}},
		{"empty credentials", func(s string) string {
			return strings.ReplaceAll(s, "  credentials:\n    - sk-one\n    - sk-two\n", "  credentials: []\n")
		}},
		{"bad room id", func(s string) string {
			return strings.ReplaceAll(s, `"!general:example.org"`, `"general"`)
		}},
		{"zero max attempts", func(s string) string {
			return strings.ReplaceAll(s, "max_attempts: 4", "max_attempts: 0")
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse(tt.mangle(validConfig)); err == nil {
				t.Error("Parse() accepted an invalid document")
			}
		})
	}
}

func TestParseBadDuration(t *testing.T) {
	mangled := strings.ReplaceAll(validConfig, "retry_delay: 3s", "retry_delay: soon")
	if _, err := Parse(mangled); err == nil {
		t.Error("Parse() accepted an unparseable duration")
	}
}

func TestParseDefaultDatabasePath(t *testing.T) {
	minimal := `
matrix:
  homeserver: https://matrix.example.org
  user_id: "@bot:example.org"
  access_token: syt_secret
chat:
  credentials: [sk-one]
`
	cfg, err := Parse(minimal)
	if err != nil {
		t.Fatalf("Parse() = %v", err)
	}
	if cfg.Database.Path != "bot.db" {
		t.Errorf("default database path = %q, want bot.db", cfg.Database.Path)
	}
}

func TestLoadExpandsEnvironment(t *testing.T) {
	t.Setenv("TEST_BOT_TOKEN", "syt_from_env")

	path := filepath.Join(t.TempDir(), "config.yaml")
	doc := strings.ReplaceAll(validConfig, "syt_secret", "${TEST_BOT_TOKEN}")
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() = %v", err)
	}
	if cfg.Matrix.AccessToken != "syt_from_env" {
		t.Errorf("AccessToken = %q, want the expanded value", cfg.Matrix.AccessToken)
	}
}
