package model

import "time"

// Shared defaults used by the capture and replay commands.
const (
	AggregateName = "all-topics"

	DefaultMaxRecordsPerFile = 100_000
	DefaultInactivityTimeout = 60 * time.Second
	DefaultStatsInterval     = 60 * time.Second
	DefaultSweepInterval     = 5 * time.Second
	DefaultWorkers           = 8
	DefaultBuffer            = 50_000
	DefaultReplaySpeed       = 1.0
)
