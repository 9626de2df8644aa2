package flow

import "sync/atomic"

// Clock is a monotonic logical clock that stamps change-log entries.
//
// Every materialized delta gets a strictly increasing sequence number, so
// the order of a change log is explicit and replays reproduce it without
// wall-clock time.
//
// Clock is safe for concurrent use, although a Flow is only ever driven
// from one goroutine.
type Clock struct {
	seq atomic.Int64
}

// NewClock creates a new clock starting at 0.
func NewClock() *Clock {
	return &Clock{}
}

// NewClockAt creates a new clock starting at a specific sequence number.
// Used for replay to resume from last known position.
func NewClockAt(start int64) *Clock {
	c := &Clock{}
	c.seq.Store(start)
	return c
}

// Next returns the next sequence number and increments the clock.
func (c *Clock) Next() int64 {
	return c.seq.Add(1)
}

// Current returns the current sequence number without incrementing.
func (c *Clock) Current() int64 {
	return c.seq.Load()
}
