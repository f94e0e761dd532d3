// Package ratelimit throttles repetitive failure logs (unreachable targets,
// dropped subscribers, upstream lookup errors) while keeping exact totals.
package ratelimit

import (
	"sync/atomic"
	"time"
)

// Counter tracks a total count and the last time a log was emitted.
// It is safe for concurrent use; the zero value logs every event.
type Counter struct {
	interval time.Duration
	lastLog  atomic.Int64
	total    atomic.Uint64
	now      func() time.Time
}

// NewCounter constructs a Counter that allows a log at most once per interval.
func NewCounter(interval time.Duration) *Counter {
	return &Counter{interval: interval, now: time.Now}
}

// Inc increments the counter and reports whether the caller may log now.
func (c *Counter) Inc() (uint64, bool) {
	if c == nil {
		return 0, false
	}
	total := c.total.Add(1)
	if c.interval <= 0 {
		return total, true
	}
	clock := c.now
	if clock == nil {
		clock = time.Now
	}
	now := clock().UTC().UnixNano()
	last := c.lastLog.Load()
	if last != 0 && now-last < c.interval.Nanoseconds() {
		return total, false
	}
	if c.lastLog.CompareAndSwap(last, now) {
		return total, true
	}
	return total, false
}

// Total returns the number of events counted so far.
func (c *Counter) Total() uint64 {
	if c == nil {
		return 0
	}
	return c.total.Load()
}
