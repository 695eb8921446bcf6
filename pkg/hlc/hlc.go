// Package hlc implements a hybrid logical clock used to order register writes
// and tombstone markers across replicas.
//
// Timestamps are packed into an int64: the high 48 bits hold wall-clock
// milliseconds since the Unix epoch, the low 16 bits a logical counter.
package hlc

import (
	"sync"
	"time"
)

const (
	logicalBits = 16
	logicalMask = 0xFFFF
)

// Clock is a monotonic hybrid logical clock. It is safe for concurrent use.
type Clock struct {
	mu     sync.Mutex
	latest int64
	now    func() time.Time
}

// Option customizes a Clock.
type Option func(*Clock)

// WithTimeSource replaces the wall clock. Used by tests that need repeatable
// timestamps.
func WithTimeSource(now func() time.Time) Option {
	return func(c *Clock) {
		if now != nil {
			c.now = now
		}
	}
}

// New creates a clock.
func New(opts ...Option) *Clock {
	c := &Clock{now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Now returns a timestamp strictly greater than every timestamp previously
// returned by or passed to this clock.
func (c *Clock) Now() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	phys := c.now().UnixMilli()
	oldPhys, oldLogical := unpack(c.latest)

	if phys > oldPhys {
		c.latest = pack(phys, 0)
	} else {
		c.latest = pack(oldPhys, oldLogical+1)
	}
	return c.latest
}

// Update folds a timestamp observed from a remote replica into the clock.
func (c *Clock) Update(remote int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	phys := c.now().UnixMilli()
	remotePhys, remoteLogical := unpack(remote)
	oldPhys, oldLogical := unpack(c.latest)

	newPhys := max(oldPhys, remotePhys, phys)

	var newLogical int64
	switch {
	case newPhys == oldPhys && newPhys == remotePhys:
		newLogical = max(oldLogical, remoteLogical) + 1
	case newPhys == oldPhys:
		newLogical = oldLogical + 1
	case newPhys == remotePhys:
		newLogical = remoteLogical + 1
	}

	c.latest = pack(newPhys, newLogical)
}

// pack carries logical overflow into the physical part.
func pack(phys, logical int64) int64 {
	if logical > logicalMask {
		phys++
		logical = 0
	}
	return phys<<logicalBits | logical
}

func unpack(ts int64) (phys, logical int64) {
	return ts >> logicalBits, ts & logicalMask
}

// Physical returns the wall-clock milliseconds of ts.
func Physical(ts int64) int64 {
	return ts >> logicalBits
}

// Logical returns the logical counter of ts.
func Logical(ts int64) uint16 {
	return uint16(ts & logicalMask)
}

// Compare returns 1 if a > b, -1 if a < b and 0 when they are equal.
func Compare(a, b int64) int {
	aPhys, aLog := unpack(a)
	bPhys, bLog := unpack(b)
	switch {
	case aPhys > bPhys:
		return 1
	case aPhys < bPhys:
		return -1
	case aLog > bLog:
		return 1
	case aLog < bLog:
		return -1
	}
	return 0
}
