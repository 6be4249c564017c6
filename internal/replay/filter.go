package replay

import (
	"time"

	"github.com/tinytelemetry/mqtt-recorder/internal/model"
)

// Window selects records by time. Both bounds are inclusive; a zero bound
// is open.
type Window struct {
	Start time.Time
	End   time.Time
}

// Match reports whether rec falls inside the window.
func (w Window) Match(rec model.Record) bool {
	if !w.Start.IsZero() && rec.Time.Before(w.Start) {
		return false
	}
	return !w.After(rec.Time)
}

// After reports whether t lies past the end of the window.
func (w Window) After(t time.Time) bool {
	return !w.End.IsZero() && t.After(w.End)
}

// Valid reports whether the bounds are ordered.
func (w Window) Valid() bool {
	return w.Start.IsZero() || w.End.IsZero() || !w.End.Before(w.Start)
}
