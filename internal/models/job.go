// Package models defines the records tracked by the prospecting job service.
package models

import "time"

// JobStatus represents the lifecycle status of a prospecting job
type JobStatus string

const (
	// JobStatusQueued is a job that exists but whose runner has not started
	JobStatusQueued JobStatus = "queued"
	// JobStatusRunning is a job whose runner is executing
	JobStatusRunning JobStatus = "running"
	// JobStatusCompleted is a job that produced a result set
	JobStatusCompleted JobStatus = "completed"
	// JobStatusFailed is a job that ended with an error
	JobStatusFailed JobStatus = "failed"
)

// transitions lists the legal forward moves out of each status.
// Terminal statuses have no entry.
var transitions = map[JobStatus][]JobStatus{
	JobStatusQueued:  {JobStatusRunning, JobStatusFailed},
	JobStatusRunning: {JobStatusCompleted, JobStatusFailed},
}

// Valid reports whether s is one of the known statuses
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusQueued, JobStatusRunning, JobStatusCompleted, JobStatusFailed:
		return true
	}
	return false
}

// IsTerminal reports whether no further transitions are accepted
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// CanTransitionTo reports whether moving from s to next is legal
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Job is a tracked unit of asynchronous prospecting work.
// ResultSetID is non-nil iff Status is completed.
type Job struct {
	ID          string    `json:"id" db:"id"`
	Status      JobStatus `json:"status" db:"status"`
	ResultSetID *string   `json:"resultSetId" db:"result_set_id"`
	Prompt      string    `json:"prompt,omitempty" db:"prompt"`
	CreatedAt   time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt   time.Time `json:"updatedAt" db:"updated_at"`
}

// Clone returns a deep copy so callers never share the stored record
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	cp := *j
	if j.ResultSetID != nil {
		id := *j.ResultSetID
		cp.ResultSetID = &id
	}
	return &cp
}

// Timestamp truncates t to the microsecond precision every store keeps
func Timestamp(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}
