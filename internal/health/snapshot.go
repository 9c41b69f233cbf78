// Package health defines the point-in-time status record every bridge
// sub-service reports to the control loop.
package health

import (
	"maps"
	"time"
)

// Status is the human-facing label of a Snapshot.
type Status string

const (
	StatusNotInitialized Status = "not_initialized"
	StatusHealthy        Status = "healthy"
	StatusDegraded       Status = "degraded"
	StatusUnhealthy      Status = "unhealthy"
	StatusDisconnected   Status = "disconnected"
)

// Snapshot is an immutable status record computed on demand by a
// sub-service. The control loop reads snapshots but never mutates them.
type Snapshot struct {
	ServiceName             string           `json:"service"`
	Status                  Status           `json:"status"`
	IsHealthy               bool             `json:"healthy"`
	LastSuccessfulOperation time.Time        `json:"last_success,omitempty"`
	LastError               string           `json:"last_error,omitempty"`
	Counters                map[string]int64 `json:"counters,omitempty"`
}

// New builds a Snapshot, copying counters so later changes by the producer
// cannot leak into a snapshot already handed out.
func New(service string, status Status, lastSuccess time.Time, lastErr error, counters map[string]int64) Snapshot {
	s := Snapshot{
		ServiceName:             service,
		Status:                  status,
		IsHealthy:               status == StatusHealthy || status == StatusDegraded,
		LastSuccessfulOperation: lastSuccess,
		Counters:                maps.Clone(counters),
	}
	if lastErr != nil {
		s.LastError = lastErr.Error()
	}
	return s
}

// Counter returns a named counter, or zero when absent.
func (s Snapshot) Counter(name string) int64 {
	return s.Counters[name]
}

// Age returns how long ago the last successful operation happened relative
// to now. A zero LastSuccessfulOperation yields a negative duration.
func (s Snapshot) Age(now time.Time) time.Duration {
	if s.LastSuccessfulOperation.IsZero() {
		return -1
	}
	return now.Sub(s.LastSuccessfulOperation)
}
