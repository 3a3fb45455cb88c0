package conversation

import (
	"errors"
	"fmt"
)

// ErrNoFreeSessions is returned when every session in the pool is either
// locked or permanently disabled. This is a capacity signal, not a bug;
// callers surface it to the user as a "try again later" condition.
var ErrNoFreeSessions = errors.New("conversation: no free sessions available")

// ErrBusy is returned by Generate when another generation is already in
// flight on the same conversation. Callers fail fast; requests never queue.
var ErrBusy = errors.New("conversation: generation already in progress")

// ErrInactive is returned by Generate when the conversation has not been
// initialized, has expired, or was reset while a retry loop was in flight.
var ErrInactive = errors.New("conversation: conversation is not active")

// ErrSessionBusy is returned by Session.Init and Session.Generate while the
// session is initializing, shutting down, or generating. Initialization is
// not queueable; concurrent callers must serialize externally.
var ErrSessionBusy = errors.New("conversation: session is busy")

// ErrSessionStarting is returned by Session.Generate when the session has
// not finished initializing yet.
var ErrSessionStarting = errors.New("conversation: session is still starting")

// ErrSessionDisabled is returned when a session has been permanently
// disabled after a quota or ban error. The disablement is persisted; a
// restart does not revive the session.
var ErrSessionDisabled = errors.New("conversation: session is permanently disabled")

// ErrPromptTooLong is returned when the bare user prompt alone exceeds the
// token budget even with all history discarded. Raised before any upstream
// call is made; retrying cannot fix it.
var ErrPromptTooLong = errors.New("conversation: prompt exceeds the token budget")

// GenerationError wraps an unclassified failure after the retry loop
// exhausts its attempts, so callers never see raw transport error types.
type GenerationError struct {
	Attempts int
	Err      error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("conversation: generation failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *GenerationError) Unwrap() error {
	return e.Err
}
