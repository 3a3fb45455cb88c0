package conversation

import (
	"sync"
	"time"
)

// DefaultDailyTokens is the maximum number of model tokens one user may
// consume per UTC day when no explicit budget is configured.
const DefaultDailyTokens = 100_000

// DailyBudget enforces a per-user daily token allowance for generation
// calls. The counter for each user resets at midnight UTC. Callers check
// Allow before generating and RecordUsage after a successful completion.
//
// DailyBudget is safe for concurrent use.
type DailyBudget struct {
	mu     sync.Mutex
	budget int
	usage  map[string]*dailyUsage
}

type dailyUsage struct {
	tokens  int
	resetAt time.Time // next midnight UTC
}

// NewDailyBudget returns a DailyBudget allowing at most dailyTokens per
// user per UTC day. Non-positive values fall back to DefaultDailyTokens.
func NewDailyBudget(dailyTokens int) *DailyBudget {
	if dailyTokens <= 0 {
		dailyTokens = DefaultDailyTokens
	}
	return &DailyBudget{
		budget: dailyTokens,
		usage:  make(map[string]*dailyUsage),
	}
}

// Allow reports whether the user still has budget left today. It does not
// consume anything; call RecordUsage after the generation completes.
func (b *DailyBudget) Allow(user string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.resetIfNeeded(user)

	u := b.usage[user]
	if u == nil {
		return true
	}
	return u.tokens < b.budget
}

// RecordUsage adds tokens to the user's running daily total.
func (b *DailyBudget) RecordUsage(user string, tokens int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.resetIfNeeded(user)

	u := b.usage[user]
	if u == nil {
		u = &dailyUsage{resetAt: nextMidnightUTC()}
		b.usage[user] = u
	}
	u.tokens += tokens
}

// Remaining returns the tokens the user may still consume today.
func (b *DailyBudget) Remaining(user string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.resetIfNeeded(user)

	u := b.usage[user]
	if u == nil {
		return b.budget
	}
	if rem := b.budget - u.tokens; rem > 0 {
		return rem
	}
	return 0
}

// resetIfNeeded drops the user's entry once the UTC day has rolled over.
// Must be called with mu held.
func (b *DailyBudget) resetIfNeeded(user string) {
	u := b.usage[user]
	if u == nil {
		return
	}
	if time.Now().UTC().After(u.resetAt) {
		delete(b.usage, user)
	}
}

func nextMidnightUTC() time.Time {
	now := time.Now().UTC()
	return time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, time.UTC)
}
