// Package sequence provides the monotonically increasing 64-bit counters used
// to number outgoing datagrams and accepted connections.
package sequence

import "sync/atomic"

// Counter issues monotonically increasing uint64 values in a concurrency-safe
// manner. The first call to Next returns start+1. Values are only used for
// diagnostics; they never carry ordering guarantees of their own.
type Counter struct {
	start uint64
	value atomic.Uint64
}

// NewCounter creates a Counter whose first Next() returns start+1.
//
// Parameters:
//   - start: The initial counter value
//
// Returns:
//   - A new Counter
func NewCounter(start uint64) *Counter {
	c := &Counter{start: start}
	c.value.Store(start)
	return c
}

// Next atomically increments the counter and returns the new value.
//
// Returns:
//   - The next sequence number
func (c *Counter) Next() uint64 {
	return c.value.Add(1)
}

// Last returns the most recently issued value, or the start value if Next has
// never been called.
func (c *Counter) Last() uint64 {
	return c.value.Load()
}

// Issued reports how many values have been handed out since construction.
func (c *Counter) Issued() uint64 {
	return c.value.Load() - c.start
}
