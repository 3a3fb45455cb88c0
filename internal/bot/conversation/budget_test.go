package conversation

import "testing"

func TestDailyBudgetAllow(t *testing.T) {
	b := NewDailyBudget(1000)

	if !b.Allow("@a:host") {
		t.Fatal("fresh user denied")
	}
	b.RecordUsage("@a:host", 400)
	if !b.Allow("@a:host") {
		t.Fatal("user denied with budget remaining")
	}
	if got := b.Remaining("@a:host"); got != 600 {
		t.Errorf("Remaining() = %d, want 600", got)
	}

	b.RecordUsage("@a:host", 700)
	if b.Allow("@a:host") {
		t.Fatal("user allowed over budget")
	}
	if got := b.Remaining("@a:host"); got != 0 {
		t.Errorf("Remaining() = %d after overrun, want 0", got)
	}

	// Other users are unaffected.
	if !b.Allow("@b:host") {
		t.Fatal("unrelated user denied")
	}
	if got := b.Remaining("@b:host"); got != 1000 {
		t.Errorf("Remaining() = %d for unrelated user, want 1000", got)
	}
}

func TestDailyBudgetDefault(t *testing.T) {
	b := NewDailyBudget(0)
	if got := b.Remaining("@a:host"); got != DefaultDailyTokens {
		t.Errorf("Remaining() = %d, want default %d", got, DefaultDailyTokens)
	}
}
