package backoff

import (
	"context"
	"math"
	"testing"
	"time"
)

func TestExponentialDoubles(t *testing.T) {
	want := []time.Duration{time.Minute, 2 * time.Minute, 4 * time.Minute, 8 * time.Minute}
	for attempt, expected := range want {
		if got := Exponential(time.Minute, attempt); got != expected {
			t.Fatalf("attempt %d: expected %v got %v", attempt, expected, got)
		}
	}
}

func TestExponentialEdges(t *testing.T) {
	if got := Exponential(0, 3); got != 0 {
		t.Fatalf("expected zero for zero base, got %v", got)
	}
	if got := Exponential(time.Second, -2); got != time.Second {
		t.Fatalf("expected negative attempt to clamp, got %v", got)
	}
	if got := Exponential(time.Hour, 80); got != time.Duration(math.MaxInt64) {
		t.Fatalf("expected saturation, got %v", got)
	}
}

func TestNextRetryAtStrictlyGrows(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	prev := now
	for i := 0; i < 5; i++ {
		next := NextRetryAt(now, time.Minute, i)
		if !next.After(prev) {
			t.Fatalf("retry %d: %v not after %v", i, next, prev)
		}
		prev = next
	}
}

func TestLoopStaysWithinCap(t *testing.T) {
	loop := NewLoop(100*time.Millisecond, time.Second)
	for i := 0; i < 10; i++ {
		d := loop.Next()
		if d <= 0 || d > 1250*time.Millisecond {
			t.Fatalf("step %d: delay %v out of range", i, d)
		}
	}
	loop.Reset()
	if d := loop.Next(); d > 125*time.Millisecond {
		t.Fatalf("expected reset to restart near interval, got %v", d)
	}
}

func TestSleepHonoursCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := Sleep(ctx, time.Hour); err == nil {
		t.Fatal("expected cancelled sleep to return an error")
	}
	if err := Sleep(context.Background(), 0); err != nil {
		t.Fatalf("zero sleep: %v", err)
	}
}
