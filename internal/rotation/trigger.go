package rotation

import "time"

// Trigger decides when an open file has to be rotated regardless of its size.
type Trigger interface {
	Expired(f FileState, now time.Time) bool
	Reason() Reason
}

// InactivityTrigger rotates once no record has been written for Timeout.
type InactivityTrigger struct {
	Timeout time.Duration
}

func (t InactivityTrigger) Expired(f FileState, now time.Time) bool {
	return now.Sub(f.LastRecordAt) >= t.Timeout
}

func (InactivityTrigger) Reason() Reason { return ReasonInactivity }

// IntervalTrigger rotates when the wall clock crosses an Every boundary
// (a minute for the fixed-interval recorder).
type IntervalTrigger struct {
	Every time.Duration
}

func (t IntervalTrigger) Expired(f FileState, now time.Time) bool {
	return !now.Truncate(t.Every).Equal(f.OpenedAt.Truncate(t.Every))
}

func (IntervalTrigger) Reason() Reason { return ReasonInterval }
