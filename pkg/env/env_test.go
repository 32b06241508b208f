package env

import (
	"testing"
	"time"
)

func TestGetFallback(t *testing.T) {
	t.Setenv("AETHER_TEST_VALUE", "")
	if got := Get("AETHER_TEST_VALUE", "json"); got != "json" {
		t.Fatalf("expected fallback, got %q", got)
	}
	t.Setenv("AETHER_TEST_VALUE", "console")
	if got := Get("AETHER_TEST_VALUE", "json"); got != "console" {
		t.Fatalf("expected console, got %q", got)
	}
}

func TestDuration(t *testing.T) {
	t.Setenv("AETHER_TEST_TIMEOUT", "45s")
	if got := Duration("AETHER_TEST_TIMEOUT", time.Second); got != 45*time.Second {
		t.Fatalf("expected 45s, got %v", got)
	}
	t.Setenv("AETHER_TEST_TIMEOUT", "soon")
	if got := Duration("AETHER_TEST_TIMEOUT", time.Second); got != time.Second {
		t.Fatalf("expected fallback on malformed value, got %v", got)
	}
}
