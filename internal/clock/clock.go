// Package clock abstracts wall-clock time so timestamp-based decisions
// (conflict detection, LRU ordering, provenance keys) are testable.
package clock

import "time"

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}

// System is the real wall clock, truncated to milliseconds so timestamps
// survive a round trip through the stores unchanged.
type System struct{}

// Now returns time.Now in UTC at millisecond precision.
func (System) Now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}

// Or returns c, or System when c is nil.
func Or(c Clock) Clock {
	if c == nil {
		return System{}
	}
	return c
}
