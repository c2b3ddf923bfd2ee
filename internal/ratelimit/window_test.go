package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestWindowLimitsPerKey(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rl := NewWindow(2, time.Minute).WithClock(func() time.Time { return now })
	defer rl.Close()

	if !rl.AllowKey("gift") || !rl.AllowKey("gift") {
		t.Fatal("first two calls must pass")
	}
	if rl.AllowKey("gift") {
		t.Fatal("third call within the window must be rejected")
	}
	if !rl.AllowKey("friendship") {
		t.Fatal("keys must be limited independently")
	}

	now = now.Add(61 * time.Second)
	if !rl.AllowKey("gift") {
		t.Fatal("window must slide")
	}
}

func TestWaitHonoursContext(t *testing.T) {
	rl := NewWindow(0, time.Minute)
	defer rl.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := Wait(ctx, rl, "gift", 10*time.Millisecond); err == nil {
		t.Fatal("Wait must return the context error")
	}
}
