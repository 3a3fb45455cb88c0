// Package moderation screens user prompts before they reach the
// completion API.
package moderation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// Verdict is the outcome of screening one prompt.
type Verdict struct {
	// Flagged means the prompt must not be forwarded upstream.
	Flagged bool

	// Categories lists the violation categories that triggered the flag.
	Categories []string
}

// Checker screens prompt text. Implementations must be safe for
// concurrent use.
type Checker interface {
	Check(ctx context.Context, credential, text string) (*Verdict, error)
}

const (
	defaultAPIBase = "https://api.openai.com/v1"
	defaultTimeout = 15 * time.Second
)

// Config configures the moderations API checker.
type Config struct {
	// BaseURL overrides the API endpoint.
	BaseURL string

	// Timeout is the HTTP request timeout for one moderation call.
	Timeout time.Duration
}

type apiChecker struct {
	cfg    Config
	client *http.Client
	logger *slog.Logger
}

// New returns a Checker backed by the OpenAI moderations API.
func New(cfg Config, logger *slog.Logger) Checker {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultAPIBase
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &apiChecker{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}
}

type apiRequest struct {
	Input string `json:"input"`
}

type apiResponse struct {
	Results []struct {
		Flagged    bool            `json:"flagged"`
		Categories map[string]bool `json:"categories"`
	} `json:"results"`
}

// Check screens text against the moderations API. It fails open: when the
// API is unreachable or answers with an error, the prompt is treated as
// clean rather than blocking the user on a moderation outage.
func (c *apiChecker) Check(ctx context.Context, credential, text string) (*Verdict, error) {
	verdict, err := c.check(ctx, credential, text)
	if err != nil {
		c.logger.Warn("moderation check failed, allowing prompt", "err", err)
		return &Verdict{}, nil
	}
	return verdict, nil
}

func (c *apiChecker) check(ctx context.Context, credential, text string) (*Verdict, error) {
	data, err := json.Marshal(apiRequest{Input: text})
	if err != nil {
		return nil, fmt.Errorf("moderation: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.BaseURL+"/moderations",
		bytes.NewReader(data),
	)
	if err != nil {
		return nil, fmt.Errorf("moderation: create http request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+credential)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("moderation: http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return nil, fmt.Errorf("moderation: unexpected status %d: %s", resp.StatusCode, raw)
	}

	var body apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("moderation: decode response: %w", err)
	}
	if len(body.Results) == 0 {
		return nil, fmt.Errorf("moderation: empty response")
	}

	result := body.Results[0]
	verdict := &Verdict{Flagged: result.Flagged}
	for category, hit := range result.Categories {
		if hit {
			verdict.Categories = append(verdict.Categories, category)
		}
	}
	return verdict, nil
}
