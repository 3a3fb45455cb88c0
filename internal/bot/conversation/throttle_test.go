package conversation

import (
	"testing"
	"time"
)

func TestRateLimiterAllow(t *testing.T) {
	r := NewRateLimiter(2, time.Minute)
	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	if !r.allowAt("@a:host", base) {
		t.Fatal("first prompt denied")
	}
	if !r.allowAt("@a:host", base.Add(time.Second)) {
		t.Fatal("second prompt denied")
	}
	if r.allowAt("@a:host", base.Add(2*time.Second)) {
		t.Fatal("third prompt allowed within the window")
	}

	// Other users are counted independently.
	if !r.allowAt("@b:host", base.Add(2*time.Second)) {
		t.Fatal("unrelated user denied")
	}

	// Once the window slides past the oldest entry the user may post again.
	if !r.allowAt("@a:host", base.Add(61*time.Second)) {
		t.Fatal("prompt denied after the window expired")
	}
}

func TestRateLimiterRemaining(t *testing.T) {
	r := NewRateLimiter(3, time.Hour)

	if got := r.Remaining("@a:host"); got != 3 {
		t.Errorf("Remaining() = %d for a fresh user, want 3", got)
	}
	r.Allow("@a:host")
	r.Allow("@a:host")
	if got := r.Remaining("@a:host"); got != 1 {
		t.Errorf("Remaining() = %d after two prompts, want 1", got)
	}
	r.Allow("@a:host")
	r.Allow("@a:host") // denied
	if got := r.Remaining("@a:host"); got != 0 {
		t.Errorf("Remaining() = %d after exhaustion, want 0", got)
	}
}

func TestRateLimiterDefaults(t *testing.T) {
	r := NewRateLimiter(0, 0)
	if r.limit != DefaultRateLimit {
		t.Errorf("limit = %d, want default %d", r.limit, DefaultRateLimit)
	}
	if r.window != defaultRateLimitWindow {
		t.Errorf("window = %v, want default %v", r.window, defaultRateLimitWindow)
	}
}
