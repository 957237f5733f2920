// Package events records job state transitions: an in-process bus feeding
// an append-only SQLite log, with an optional NATS JetStream mirror for
// operators who aggregate events off-box.
package events

import "time"

// Transition is one observable job state change.
type Transition struct {
	JobID  string    `json:"jobId"`
	From   string    `json:"from"`
	To     string    `json:"to"`
	Detail string    `json:"detail,omitempty"`
	At     time.Time `json:"at"`
}

// Sink consumes transitions. Implementations must not block the caller for
// long; the job store publishes under its own locks.
type Sink interface {
	Publish(t Transition)
}

// NopSink discards transitions. Used when the event log is disabled.
type NopSink struct{}

func (NopSink) Publish(Transition) {}
