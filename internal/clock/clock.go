// Package clock abstracts wall time so rotation sweeps and replay pacing can
// be driven deterministically in tests.
package clock

import "time"

// Clock is the time source used by the capture and replay engines.
type Clock interface {
	Now() time.Time
	// After returns a channel that receives the current time once d has elapsed.
	After(d time.Duration) <-chan time.Time
}

// Real delegates to the time package.
type Real struct{}

func (Real) Now() time.Time { return time.Now() }

func (Real) After(d time.Duration) <-chan time.Time { return time.After(d) }
