package cache

import (
	"testing"
	"time"

	"github.com/smallbiznis/claudeauth/internal/clock"
)

func TestTTLCacheExpiry(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	c := NewTTLCache[string, int](clk)

	c.Set("a", 1, time.Minute)
	if v, ok := c.Get("a"); !ok || v != 1 {
		t.Fatalf("expected hit with 1, got %v %v", v, ok)
	}

	clk.Advance(time.Minute)
	if _, ok := c.Get("a"); ok {
		t.Fatalf("expected entry to expire at ttl")
	}
	if c.Len() != 0 {
		t.Fatalf("expected lazy eviction on read, len=%d", c.Len())
	}
}

func TestTTLCacheNonPositiveTTLDeletes(t *testing.T) {
	c := NewTTLCache[string, string](nil)
	c.Set("k", "v", time.Hour)
	c.Set("k", "v", 0)
	if _, ok := c.Get("k"); ok {
		t.Fatalf("expected zero ttl to remove key")
	}
}

func TestTTLCacheSweep(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	c := NewTTLCache[string, int](clk)
	c.Set("short", 1, time.Second)
	c.Set("long", 2, time.Hour)

	clk.Advance(time.Minute)
	if removed := c.Sweep(); removed != 1 {
		t.Fatalf("expected 1 removed, got %d", removed)
	}
	if _, ok := c.Get("long"); !ok {
		t.Fatalf("expected long-lived entry to survive")
	}
}
