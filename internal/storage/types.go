package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// DefaultLimit caps RecentRuns when the query leaves Limit unset.
const DefaultLimit = 50

// Config configures storage.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	// Retention drops records older than this on Prune; 0 keeps everything.
	Retention time.Duration
}

// RunRecord is one finished invocation. Keep it compact and schema-stable.
type RunRecord struct {
	TaskID     string    `json:"task_id"`
	Mission    string    `json:"mission"`
	Category   string    `json:"category"`
	FiredAt    time.Time `json:"fired_at"`
	DurationMS int64     `json:"duration_ms"`
	Success    bool      `json:"success"`
	Expired    bool      `json:"expired,omitempty"`
	Panicked   bool      `json:"panicked,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// Query selects records for RecentRuns. An empty Mission matches all.
type Query struct {
	Mission string
	Limit   int
}

func (q Query) limit() int {
	if q.Limit <= 0 {
		return DefaultLimit
	}
	return q.Limit
}
