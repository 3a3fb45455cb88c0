// Package chat provides the upstream text-generation client.
//
// The chat layer is a thin transport: it sends one completion request with
// one credential and reports the outcome. It never retries; failures are
// classified into typed errors and the conversation layer decides
// recoverability.
package chat

import "context"

// Request describes a single completion call.
type Request struct {
	// Model is the completion model to use.
	Model string

	// Prompt is the fully assembled prompt text. The caller is responsible
	// for keeping it within the token budget before issuing the request.
	Prompt string

	// MaxTokens is the maximum number of tokens the model may generate.
	MaxTokens int

	// Stop is the list of sequences that terminate generation.
	Stop []string

	// Temperature controls sampling randomness. Zero means the provider
	// default.
	Temperature float64
}

// Usage holds the token counts reported by the upstream API for one call.
// Fields are zero-valued when the provider does not report usage data.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Completion is the final result of a completion call.
type Completion struct {
	// Text is the full generated text.
	Text string

	// FinishReason is the provider's stop reason ("stop", "length", ...).
	FinishReason string

	// Usage holds token accounting when the provider reports it.
	Usage Usage

	// Raw carries provider metadata (model, id) for dataset records.
	Raw map[string]string
}

// ProgressFunc receives the accumulated partial text as tokens stream in.
// It is called from the request goroutine; implementations must be fast or
// drop updates themselves.
type ProgressFunc func(partial string)

// Client issues completion calls against the upstream generation API.
//
// Implementations must be safe for concurrent use from multiple goroutines.
// Each call authenticates with the credential passed by the caller so a
// single Client can serve every session in the pool.
type Client interface {
	// Complete streams one completion. onProgress may be nil. The returned
	// error is classified per errors.go; callers use IsQuota, IsUnusable and
	// friends to decide recoverability.
	Complete(ctx context.Context, credential string, req Request, onProgress ProgressFunc) (*Completion, error)

	// Verify checks that the credential can authenticate against the
	// upstream API without generating anything.
	Verify(ctx context.Context, credential string) error
}
