package chat

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultAPIBase = "https://api.openai.com/v1"
	defaultModel   = "gpt-3.5-turbo-instruct"
	defaultTimeout = 2 * time.Minute
)

// Config configures the OpenAI-compatible completion client.
type Config struct {
	// BaseURL overrides the API endpoint. Useful for local models or any
	// other OpenAI-compatible endpoint. Defaults to the public OpenAI API.
	BaseURL string

	// Model is the completion model used when a request does not name one.
	Model string

	// Timeout is the HTTP request timeout for one completion stream.
	// Defaults to 2 minutes; streamed completions are slow.
	Timeout time.Duration
}

// apiClient implements Client against the OpenAI completions API with
// streaming (server-sent events) output.
type apiClient struct {
	cfg    Config
	client *http.Client
}

// New returns a Client backed by an OpenAI-compatible completions API.
// The returned client is safe for concurrent use.
func New(cfg Config) Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultAPIBase
	}
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	return &apiClient{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

// --- minimal wire types ---

type apiRequest struct {
	Model       string   `json:"model"`
	Prompt      string   `json:"prompt"`
	MaxTokens   int      `json:"max_tokens,omitempty"`
	Stop        []string `json:"stop,omitempty"`
	Temperature float64  `json:"temperature,omitempty"`
	Stream      bool     `json:"stream"`
}

type apiChunk struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Text         string `json:"text"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage,omitempty"`
}

type apiErrorBody struct {
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error,omitempty"`
}

// Complete streams one completion, forwarding accumulated partial text to
// onProgress as chunks arrive.
func (c *apiClient) Complete(ctx context.Context, credential string, req Request, onProgress ProgressFunc) (*Completion, error) {
	if req.Model == "" {
		req.Model = c.cfg.Model
	}

	body := apiRequest{
		Model:       req.Model,
		Prompt:      req.Prompt,
		MaxTokens:   req.MaxTokens,
		Stop:        req.Stop,
		Temperature: req.Temperature,
		Stream:      true,
	}

	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("chat: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.BaseURL+"/completions",
		bytes.NewReader(data),
	)
	if err != nil {
		return nil, fmt.Errorf("chat: create http request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Authorization", "Bearer "+credential)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("chat: http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, classifyHTTPError(resp)
	}

	return readStream(resp.Body, onProgress)
}

// Verify checks the credential by listing models; no tokens are consumed.
func (c *apiClient) Verify(ctx context.Context, credential string) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/models", nil)
	if err != nil {
		return fmt.Errorf("chat: create http request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+credential)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("chat: http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return classifyHTTPError(resp)
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}

// classifyHTTPError maps a non-200 response to one of the typed errors.
// The body is consumed.
func classifyHTTPError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	var body apiErrorBody
	errType, errCode, errMsg := "", "", strings.TrimSpace(string(raw))
	if json.Unmarshal(raw, &body) == nil && body.Error != nil {
		errType = body.Error.Type
		errCode = body.Error.Code
		errMsg = body.Error.Message
	}

	switch {
	case errType == "insufficient_quota" || errCode == "insufficient_quota":
		return fmt.Errorf("%w: %s", ErrQuotaExceeded, errMsg)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: %s", ErrAccountUnusable, errMsg)
	case errCode == "account_deactivated" || errType == "invalid_api_key":
		return fmt.Errorf("%w: %s", ErrAccountUnusable, errMsg)
	default:
		return &APIError{Status: resp.StatusCode, Type: errType, Message: errMsg}
	}
}

// readStream consumes the SSE body, accumulating text and reporting
// progress after every chunk.
func readStream(r io.Reader, onProgress ProgressFunc) (*Completion, error) {
	var (
		sb     strings.Builder
		result Completion
	)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64<<10), 1<<20)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "[DONE]" {
			break
		}

		var chunk apiChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			return nil, fmt.Errorf("chat: decode stream chunk: %w", err)
		}

		if chunk.ID != "" {
			result.Raw = map[string]string{"id": chunk.ID, "model": chunk.Model}
		}
		if chunk.Usage != nil {
			result.Usage = Usage{
				PromptTokens:     chunk.Usage.PromptTokens,
				CompletionTokens: chunk.Usage.CompletionTokens,
				TotalTokens:      chunk.Usage.TotalTokens,
			}
		}
		for _, choice := range chunk.Choices {
			if choice.Text != "" {
				sb.WriteString(choice.Text)
				if onProgress != nil {
					onProgress(sb.String())
				}
			}
			if choice.FinishReason != "" {
				result.FinishReason = choice.FinishReason
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("chat: read stream: %w", err)
	}

	result.Text = strings.TrimSpace(sb.String())
	if result.Text == "" {
		return nil, ErrEmptyOutput
	}
	return &result, nil
}
