package storage

import (
	"context"
	"sync"
	"time"

	"github.com/crm-prospector/internal/models"
)

// MemoryStore keeps everything in process memory. Records are lost on restart.
type MemoryStore struct {
	mu         sync.RWMutex
	jobs       map[string]*models.Job
	events     map[string][]*models.Event
	resultSets map[string]*models.ResultSet

	now func() time.Time
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:       make(map[string]*models.Job),
		events:     make(map[string][]*models.Event),
		resultSets: make(map[string]*models.ResultSet),
		now:        time.Now,
	}
}

// Name implements Store
func (s *MemoryStore) Name() string { return "memory" }

// Ping implements Store
func (s *MemoryStore) Ping(ctx context.Context) error { return ctx.Err() }

// Close implements Store
func (s *MemoryStore) Close() error { return nil }

// CreateJob registers a new queued job
func (s *MemoryStore) CreateJob(ctx context.Context, prompt string) (*models.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, storageError("create job", err)
	}

	now := models.Timestamp(s.now())
	job := &models.Job{
		ID:        newID(),
		Status:    models.JobStatusQueued,
		Prompt:    prompt,
		CreatedAt: now,
		UpdatedAt: now,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = job
	s.events[job.ID] = nil
	return job.Clone(), nil
}

// GetJob returns a snapshot of the job
func (s *MemoryStore) GetJob(ctx context.Context, id string) (*models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, jobNotFound(id)
	}
	return job.Clone(), nil
}

// SetStatus moves the job along the lifecycle
func (s *MemoryStore) SetStatus(ctx context.Context, id string, status models.JobStatus) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, jobNotFound(id)
	}
	if err := checkTransition(job, status); err != nil {
		return nil, err
	}
	job.Status = status
	job.UpdatedAt = s.touch(job.UpdatedAt)
	return job.Clone(), nil
}

// AttachResultSet records the job's output and completes it
func (s *MemoryStore) AttachResultSet(ctx context.Context, jobID, resultSetID string) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return nil, jobNotFound(jobID)
	}
	if _, ok := s.resultSets[resultSetID]; !ok {
		return nil, importNotFound(resultSetID)
	}
	if err := checkAttach(job); err != nil {
		return nil, err
	}
	id := resultSetID
	job.ResultSetID = &id
	job.Status = models.JobStatusCompleted
	job.UpdatedAt = s.touch(job.UpdatedAt)
	return job.Clone(), nil
}

// touch returns a fresh updatedAt that never moves backwards
func (s *MemoryStore) touch(prev time.Time) time.Time {
	now := models.Timestamp(s.now())
	if now.Before(prev) {
		return prev
	}
	return now
}

// AppendEvent adds an entry to the job's log
func (s *MemoryStore) AppendEvent(ctx context.Context, jobID string, level models.EventLevel, message string) (*models.Event, error) {
	if err := checkLevel(level); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[jobID]; !ok {
		return nil, jobNotFound(jobID)
	}
	log := s.events[jobID]
	var last time.Time
	if n := len(log); n > 0 {
		last = log[n-1].Timestamp
	}
	ev := &models.Event{
		ID:        newID(),
		JobID:     jobID,
		Timestamp: models.NextEventTimestamp(s.now(), last),
		Level:     level,
		Message:   message,
	}
	s.events[jobID] = append(log, ev)

	cp := *ev
	return &cp, nil
}

// ListEvents returns the job's log in append order, optionally after since
func (s *MemoryStore) ListEvents(ctx context.Context, jobID string, since *time.Time) ([]*models.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.jobs[jobID]; !ok {
		return nil, jobNotFound(jobID)
	}
	return models.FilterSince(s.events[jobID], since), nil
}

// CreateResultSet stores items verbatim under a new id
func (s *MemoryStore) CreateResultSet(ctx context.Context, items []models.Lead) (*models.ResultSet, error) {
	if err := ctx.Err(); err != nil {
		return nil, storageError("create import", err)
	}

	stored := make([]models.Lead, len(items))
	copy(stored, items)
	rs := &models.ResultSet{
		ID:        newID(),
		Items:     stored,
		CreatedAt: models.Timestamp(s.now()),
	}

	s.mu.Lock()
	s.resultSets[rs.ID] = rs
	s.mu.Unlock()

	return copyResultSet(rs), nil
}

// GetResultSet returns the whole import
func (s *MemoryStore) GetResultSet(ctx context.Context, id string) (*models.ResultSet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rs, ok := s.resultSets[id]
	if !ok {
		return nil, importNotFound(id)
	}
	return copyResultSet(rs), nil
}

// GetResultSetPage returns one window of the import's items
func (s *MemoryStore) GetResultSetPage(ctx context.Context, id string, limit, offset int) (*models.ResultSetPage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rs, ok := s.resultSets[id]
	if !ok {
		return nil, importNotFound(id)
	}
	return rs.Page(limit, offset), nil
}

func copyResultSet(rs *models.ResultSet) *models.ResultSet {
	items := make([]models.Lead, len(rs.Items))
	copy(items, rs.Items)
	return &models.ResultSet{ID: rs.ID, Items: items, CreatedAt: rs.CreatedAt}
}
