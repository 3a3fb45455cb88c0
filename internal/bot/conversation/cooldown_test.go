package conversation

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestCooldownUseAndExpire(t *testing.T) {
	done := make(chan struct{}, 1)
	c := NewCooldown(time.Hour, func() { done <- struct{}{} })

	c.Use(30 * time.Millisecond)
	if !c.Active() {
		t.Fatal("expected cooldown to be active after Use")
	}
	if c.Remaining() <= 0 {
		t.Fatal("expected positive remaining time")
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("done notification never fired")
	}
	if c.Active() {
		t.Error("expected cooldown inactive after expiry")
	}
	if rem := c.Remaining(); rem != 0 {
		t.Errorf("Remaining() = %v after expiry, want 0", rem)
	}
}

func TestCooldownUseDefaultDuration(t *testing.T) {
	done := make(chan struct{}, 1)
	c := NewCooldown(25*time.Millisecond, func() { done <- struct{}{} })

	c.Use(0)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("default-duration cooldown never expired")
	}
}

func TestCooldownCancelRaisesDone(t *testing.T) {
	// Cancellation is indistinguishable from natural expiry on purpose:
	// both raise the done notification.
	done := make(chan struct{}, 1)
	c := NewCooldown(time.Hour, func() { done <- struct{}{} })

	c.Use(time.Hour)
	c.Cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Cancel did not raise the done notification")
	}
	if c.Active() {
		t.Error("expected cooldown inactive after Cancel")
	}
}

func TestCooldownCancelInactiveIsNoop(t *testing.T) {
	var fired atomic.Int32
	c := NewCooldown(time.Hour, func() { fired.Add(1) })

	c.Cancel()
	time.Sleep(20 * time.Millisecond)
	if n := fired.Load(); n != 0 {
		t.Errorf("done fired %d times on inactive Cancel, want 0", n)
	}
}

func TestCooldownRearmReplacesTimer(t *testing.T) {
	var fired atomic.Int32
	c := NewCooldown(time.Hour, func() { fired.Add(1) })

	c.Use(40 * time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	c.Use(40 * time.Millisecond)

	time.Sleep(150 * time.Millisecond)
	if n := fired.Load(); n != 1 {
		t.Errorf("done fired %d times after re-arm, want exactly 1", n)
	}
}
