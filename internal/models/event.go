package models

import "time"

// EventLevel is the severity of a job event
type EventLevel string

const (
	EventLevelInfo    EventLevel = "info"
	EventLevelSuccess EventLevel = "success"
	EventLevelError   EventLevel = "error"
)

// Valid reports whether l is a known level
func (l EventLevel) Valid() bool {
	return l == EventLevelInfo || l == EventLevelSuccess || l == EventLevelError
}

// Event is an append-only progress entry in a job's log
type Event struct {
	ID        string     `json:"id" db:"id"`
	JobID     string     `json:"jobId" db:"job_id"`
	Timestamp time.Time  `json:"timestamp" db:"created_at"`
	Level     EventLevel `json:"level" db:"level"`
	Message   string     `json:"message" db:"message"`
}

// NextEventTimestamp returns the timestamp for an event appended after last.
// Timestamps within one job are strictly increasing at microsecond precision,
// which keeps "since" cursors exact.
func NextEventTimestamp(now, last time.Time) time.Time {
	ts := Timestamp(now)
	if !last.IsZero() && !ts.After(last) {
		ts = last.Add(time.Microsecond)
	}
	return ts
}

// FilterSince returns the events strictly newer than since, preserving order.
// A nil since returns all events.
func FilterSince(events []*Event, since *time.Time) []*Event {
	out := make([]*Event, 0, len(events))
	for _, ev := range events {
		if since != nil && !ev.Timestamp.After(*since) {
			continue
		}
		cp := *ev
		out = append(out, &cp)
	}
	return out
}
