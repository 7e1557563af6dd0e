package job

import (
	"context"
	"sync"
	"time"
)

// Phase is the step a scheduled run is in
type Phase string

const (
	PhaseWaiting   Phase = "waiting" // waiting for a worker slot
	PhaseSearching Phase = "searching"
	PhaseEnriching Phase = "enriching"
	PhaseSaving    Phase = "saving"
	PhaseDone      Phase = "done"
)

// Task is the handle of one scheduled run. The HTTP handler never waits on
// it; the service keeps it so failures and shutdown are observable.
type Task struct {
	JobID     string
	CreatedAt time.Time

	done chan struct{}

	mu        sync.Mutex
	err       error
	phase     Phase
	updatedAt time.Time
}

func newTask(jobID string) *Task {
	now := time.Now()
	return &Task{
		JobID:     jobID,
		CreatedAt: now,
		done:      make(chan struct{}),
		phase:     PhaseWaiting,
		updatedAt: now,
	}
}

// Done is closed when the run has reached a terminal state
func (t *Task) Done() <-chan struct{} { return t.done }

// Err returns the run's error once Done is closed, nil before that or on success
func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Wait blocks until the run finishes or ctx is done
func (t *Task) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Task) setPhase(p Phase) {
	t.mu.Lock()
	t.phase = p
	t.updatedAt = time.Now()
	t.mu.Unlock()
}

func (t *Task) finish(err error) {
	t.mu.Lock()
	t.err = err
	t.phase = PhaseDone
	t.updatedAt = time.Now()
	t.mu.Unlock()
	close(t.done)
}

// TaskProgress is a point-in-time view of a task
type TaskProgress struct {
	JobID       string    `json:"jobId"`
	Phase       Phase     `json:"phase"`
	CreatedAt   time.Time `json:"createdAt"`
	LastUpdated time.Time `json:"lastUpdated"`
}

// Progress returns a snapshot of the task
func (t *Task) Progress() *TaskProgress {
	t.mu.Lock()
	defer t.mu.Unlock()
	return &TaskProgress{JobID: t.JobID, Phase: t.phase, CreatedAt: t.CreatedAt, LastUpdated: t.updatedAt}
}
