package ratelimit

import (
	"testing"
	"time"
)

func TestCounterThrottlesWithinInterval(t *testing.T) {
	current := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	c := NewCounter(time.Minute)
	c.now = func() time.Time { return current }

	if total, ok := c.Inc(); !ok || total != 1 {
		t.Fatalf("expected first event to log, got total=%d ok=%v", total, ok)
	}
	current = current.Add(10 * time.Second)
	if total, ok := c.Inc(); ok || total != 2 {
		t.Fatalf("expected second event to be throttled, got total=%d ok=%v", total, ok)
	}
	current = current.Add(time.Minute)
	if _, ok := c.Inc(); !ok {
		t.Fatalf("expected event after interval to log")
	}
	if c.Total() != 3 {
		t.Fatalf("expected total 3, got %d", c.Total())
	}
}

func TestCounterZeroIntervalAlwaysLogs(t *testing.T) {
	c := NewCounter(0)
	for i := 0; i < 3; i++ {
		if _, ok := c.Inc(); !ok {
			t.Fatalf("expected event %d to log", i)
		}
	}
}

func TestNilCounter(t *testing.T) {
	var c *Counter
	if total, ok := c.Inc(); total != 0 || ok {
		t.Fatalf("nil counter should be inert")
	}
	if c.Total() != 0 {
		t.Fatalf("nil counter total should be zero")
	}
}
