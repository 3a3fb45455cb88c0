package chat

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrQuotaExceeded is returned when the upstream API reports that the
// credential's quota is exhausted. The session owning the credential must be
// permanently disabled; the conversation layer fails over to another one.
var ErrQuotaExceeded = errors.New("chat: credential quota exhausted")

// ErrAccountUnusable is returned when the upstream API rejects the
// credential itself (revoked key, banned account). Treated exactly like
// quota exhaustion: the session is disabled and never auto-revived.
var ErrAccountUnusable = errors.New("chat: account is unusable")

// ErrEmptyOutput is returned when the API answers successfully but produces
// no text. Retrying cannot fix it; callers surface it immediately.
var ErrEmptyOutput = errors.New("chat: model returned empty output")

// APIError is a structured upstream API failure. Server-side statuses
// (5xx and 429) are considered transient and retryable by the conversation
// layer; everything else is a client error and surfaced immediately.
type APIError struct {
	Status  int
	Type    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("chat: api error (status %d, type %q): %s", e.Status, e.Type, e.Message)
}

// ServerSide reports whether the failure originated upstream rather than in
// the request, i.e. whether a retry has any chance of succeeding.
func (e *APIError) ServerSide() bool {
	return e.Status >= http.StatusInternalServerError || e.Status == http.StatusTooManyRequests
}

// IsQuota reports whether err indicates quota exhaustion.
func IsQuota(err error) bool {
	return errors.Is(err, ErrQuotaExceeded)
}

// IsUnusable reports whether err indicates a permanently unusable credential.
func IsUnusable(err error) bool {
	return errors.Is(err, ErrAccountUnusable)
}

// IsRetryable reports whether err is a server-side API failure worth
// retrying. Plain transport errors are not APIErrors and are classified by
// the caller instead.
func IsRetryable(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.ServerSide()
}
