package txn

import (
	"sync/atomic"
	"time"
)

// Clock is a monotonic logical clock. Every transaction state transition is
// stamped with Clock.Next, which orders records whose wall-clock timestamps
// are equal.
//
// Thread-safety: Clock is safe for concurrent use (atomic operations).
// The zero value starts at 0.
type Clock struct {
	seq atomic.Int64
}

// NewClock creates a new clock starting at 0.
func NewClock() *Clock {
	return &Clock{}
}

// NewClockAt creates a new clock starting at a specific sequence number.
// Used to resume after a restart from the log's highest seq.
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

// WallClock supplies timestamps for LastModified and UndoneAt.
type WallClock interface {
	Now() time.Time
}

// SystemClock is the real wall clock, in UTC.
type SystemClock struct{}

// Now implements WallClock.
func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}
