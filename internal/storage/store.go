// Package storage persists prospecting jobs, their event logs and the
// lead imports they produce.
package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/crm-prospector/internal/config"
	apperrors "github.com/crm-prospector/internal/errors"
	"github.com/crm-prospector/internal/models"
	"github.com/google/uuid"
)

// Store is the job store shared by the runner and the HTTP handlers.
// Implementations are safe for concurrent use and return copies, never
// references to their internal records.
type Store interface {
	CreateJob(ctx context.Context, prompt string) (*models.Job, error)
	GetJob(ctx context.Context, id string) (*models.Job, error)
	SetStatus(ctx context.Context, id string, status models.JobStatus) (*models.Job, error)
	AttachResultSet(ctx context.Context, jobID, resultSetID string) (*models.Job, error)

	AppendEvent(ctx context.Context, jobID string, level models.EventLevel, message string) (*models.Event, error)
	ListEvents(ctx context.Context, jobID string, since *time.Time) ([]*models.Event, error)

	CreateResultSet(ctx context.Context, items []models.Lead) (*models.ResultSet, error)
	GetResultSet(ctx context.Context, id string) (*models.ResultSet, error)
	GetResultSetPage(ctx context.Context, id string, limit, offset int) (*models.ResultSetPage, error)

	// Name identifies the backend in health output
	Name() string
	Ping(ctx context.Context) error
	Close() error
}

// Open builds the backend selected by cfg.Backend
func Open(ctx context.Context, cfg *config.StoreConfig) (Store, error) {
	switch cfg.Backend {
	case config.StoreMemory, "":
		return NewMemoryStore(), nil
	case config.StorePostgres:
		db, err := NewPostgresDB(ctx, &cfg.Postgres)
		if err != nil {
			return nil, err
		}
		return NewPostgresStore(db), nil
	case config.StoreRedis:
		return NewRedisStore(ctx, &cfg.Redis)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

func newID() string {
	return uuid.NewString()
}

// checkTransition rejects moves the lifecycle does not allow. Completion is
// only reachable through AttachResultSet.
func checkTransition(job *models.Job, to models.JobStatus) error {
	if !to.Valid() {
		return apperrors.NewInvalidParameterError("status", fmt.Sprintf("unknown status %q", to))
	}
	if to == models.JobStatusCompleted || !job.Status.CanTransitionTo(to) {
		return apperrors.NewIllegalTransitionError(job.ID, string(job.Status), string(to))
	}
	return nil
}

// checkAttach rejects attaching a result set to a job that is not running
// or already has one.
func checkAttach(job *models.Job) error {
	if job.Status != models.JobStatusRunning || job.ResultSetID != nil {
		return apperrors.NewIllegalTransitionError(job.ID, string(job.Status), string(models.JobStatusCompleted))
	}
	return nil
}

func checkLevel(level models.EventLevel) error {
	if !level.Valid() {
		return apperrors.NewInvalidParameterError("level", fmt.Sprintf("unknown event level %q", level))
	}
	return nil
}

func jobNotFound(id string) error {
	return apperrors.NewNotFoundError("job", id)
}

func importNotFound(id string) error {
	return apperrors.NewNotFoundError("import", id)
}

// storageError wraps backend failures, passing categorized errors through
func storageError(op string, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := err.(*apperrors.CategorizedError); ok {
		return err
	}
	return apperrors.NewStorageError(op, err)
}
