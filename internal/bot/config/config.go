// Package config loads and validates the bot's YAML configuration file.
package config

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

//go:embed schema.json
var schemaJSON string

// Duration is a time.Duration that unmarshals from YAML strings like
// "30s" or "5m".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Matrix configures the Matrix transport.
type Matrix struct {
	Homeserver  string   `yaml:"homeserver"`
	UserID      string   `yaml:"user_id"`
	AccessToken string   `yaml:"access_token"`
	Rooms       []string `yaml:"rooms"`
}

// Chat configures the upstream completion API and the conversation
// engine.
type Chat struct {
	BaseURL     string   `yaml:"base_url"`
	Model       string   `yaml:"model"`
	Credentials []string `yaml:"credentials"`

	MaxAttempts int      `yaml:"max_attempts"`
	RetryDelay  Duration `yaml:"retry_delay"`
	IdleTimeout Duration `yaml:"idle_timeout"`
	Cooldown    Duration `yaml:"cooldown"`
	MaxHistory  int      `yaml:"max_history"`

	CollectDataset bool `yaml:"collect_dataset"`
	Moderation     bool `yaml:"moderation"`
}

// Limits configures per-user throttling.
type Limits struct {
	RateLimit   int      `yaml:"rate_limit"`
	RateWindow  Duration `yaml:"rate_window"`
	DailyTokens int      `yaml:"daily_tokens"`
}

// Database configures SQLite persistence.
type Database struct {
	Path string `yaml:"path"`
}

// Health configures the health/status HTTP endpoint. An empty address
// disables it.
type Health struct {
	Addr string `yaml:"addr"`
}

// Config is the root configuration document.
type Config struct {
	Matrix   Matrix   `yaml:"matrix"`
	Chat     Chat     `yaml:"chat"`
	Limits   Limits   `yaml:"limits"`
	Database Database `yaml:"database"`
	Health   Health   `yaml:"health"`
}

// Load reads, expands, validates, and decodes the configuration file at
// path. Values like ${BOT_ACCESS_TOKEN} are expanded from the environment
// before parsing, so secrets can stay out of the file.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(os.ExpandEnv(string(raw)))
}

// Parse validates and decodes a configuration document.
func Parse(text string) (*Config, error) {
	// The document is validated against the embedded JSON schema before it
	// is decoded into the typed struct, so error messages name the exact
	// offending field instead of failing later at use sites.
	var generic any
	if err := yaml.Unmarshal([]byte(text), &generic); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := validate(generic); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(text), cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "bot.db"
	}
	return cfg, nil
}

// validate checks the decoded document against the embedded schema. The
// YAML value is round-tripped through JSON so the schema library sees the
// value shapes it expects.
func validate(doc any) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("normalize config: %w", err)
	}
	var jsonDoc any
	if err := json.Unmarshal(data, &jsonDoc); err != nil {
		return fmt.Errorf("normalize config: %w", err)
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("config.schema.json", strings.NewReader(schemaJSON)); err != nil {
		return fmt.Errorf("load config schema: %w", err)
	}
	schema, err := compiler.Compile("config.schema.json")
	if err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}

	if err := schema.Validate(jsonDoc); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
