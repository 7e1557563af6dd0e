package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/crm-prospector/internal/config"
	"github.com/crm-prospector/internal/models"
	"github.com/crm-prospector/internal/types"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresDB wraps the pgxpool connection
type PostgresDB struct {
	pool *pgxpool.Pool
}

// NewPostgresDB creates a new Postgres database connection
func NewPostgresDB(ctx context.Context, cfg *config.PostgresConfig) (*PostgresDB, error) {
	return NewPostgresDBFromURL(ctx, cfg.URL(), cfg.MaxConnections)
}

// NewPostgresDBFromURL connects using a full connection URL
func NewPostgresDBFromURL(ctx context.Context, url string, maxConns int) (*PostgresDB, error) {
	poolConfig, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("unable to parse connection string: %w", err)
	}

	if maxConns > 0 {
		poolConfig.MaxConns = int32(maxConns) // #nosec G115 - bounded by config
	}
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return &PostgresDB{pool: pool}, nil
}

// Close closes the database connection pool
func (db *PostgresDB) Close() {
	if db.pool != nil {
		db.pool.Close()
	}
}

// Pool returns the underlying connection pool
func (db *PostgresDB) Pool() *pgxpool.Pool {
	return db.pool
}

// PostgresStore keeps jobs, events and imports in Postgres. Each operation
// runs in its own transaction scoped to the caller's tenant, so row-level
// security policies keyed on app.tenant_id / app.user_id apply.
type PostgresStore struct {
	db  *PostgresDB
	now func() time.Time
}

// NewPostgresStore creates a store on an open connection pool
func NewPostgresStore(db *PostgresDB) *PostgresStore {
	return &PostgresStore{db: db, now: time.Now}
}

// Name implements Store
func (s *PostgresStore) Name() string { return "postgres" }

// Ping implements Store
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.Pool().Ping(ctx)
}

// Close implements Store
func (s *PostgresStore) Close() error {
	s.db.Close()
	return nil
}

const jobColumns = `id::text, status, result_set_id::text, prompt, created_at, updated_at`

// inTx runs fn in a transaction carrying the caller's identity
func (s *PostgresStore) inTx(ctx context.Context, op string, fn func(tx pgx.Tx) error) error {
	tx, err := s.db.Pool().Begin(ctx)
	if err != nil {
		return storageError(op, err)
	}
	defer func() {
		_ = tx.Rollback(ctx) // nolint:errcheck // no-op after commit
	}()

	id := types.IdentityFromContext(ctx)
	if _, err := tx.Exec(ctx,
		`SELECT set_config('app.tenant_id', $1, true), set_config('app.user_id', $2, true)`,
		id.TenantID, id.UserID,
	); err != nil {
		return storageError(op, fmt.Errorf("failed to set tenant context: %w", err))
	}

	if err := fn(tx); err != nil {
		return storageError(op, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return storageError(op, err)
	}
	return nil
}

func scanJob(row pgx.Row) (*models.Job, error) {
	var (
		job    models.Job
		status string
	)
	if err := row.Scan(&job.ID, &status, &job.ResultSetID, &job.Prompt, &job.CreatedAt, &job.UpdatedAt); err != nil {
		return nil, err
	}
	job.Status = models.JobStatus(status)
	job.CreatedAt = job.CreatedAt.UTC()
	job.UpdatedAt = job.UpdatedAt.UTC()
	return &job, nil
}

// lockJob loads the job row FOR UPDATE
func lockJob(ctx context.Context, tx pgx.Tx, id string) (*models.Job, error) {
	if !isUUID(id) {
		return nil, jobNotFound(id)
	}
	job, err := scanJob(tx.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM prospect_jobs WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, jobNotFound(id)
	}
	return job, err
}

// CreateJob inserts a queued job
func (s *PostgresStore) CreateJob(ctx context.Context, prompt string) (*models.Job, error) {
	identity := types.IdentityFromContext(ctx)
	now := models.Timestamp(s.now())

	var job *models.Job
	err := s.inTx(ctx, "create job", func(tx pgx.Tx) error {
		var err error
		job, err = scanJob(tx.QueryRow(ctx, `
			INSERT INTO prospect_jobs (id, tenant_id, user_id, status, prompt, created_at, updated_at)
			VALUES ($1, NULLIF($2, ''), NULLIF($3, ''), $4, $5, $6, $6)
			RETURNING `+jobColumns,
			newID(), identity.TenantID, identity.UserID, string(models.JobStatusQueued), prompt, now,
		))
		return err
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// GetJob loads one job
func (s *PostgresStore) GetJob(ctx context.Context, id string) (*models.Job, error) {
	if !isUUID(id) {
		return nil, jobNotFound(id)
	}

	var job *models.Job
	err := s.inTx(ctx, "get job", func(tx pgx.Tx) error {
		var err error
		job, err = scanJob(tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM prospect_jobs WHERE id = $1`, id))
		if errors.Is(err, pgx.ErrNoRows) {
			return jobNotFound(id)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// SetStatus validates and applies a status change under a row lock
func (s *PostgresStore) SetStatus(ctx context.Context, id string, status models.JobStatus) (*models.Job, error) {
	var job *models.Job
	err := s.inTx(ctx, "set job status", func(tx pgx.Tx) error {
		current, err := lockJob(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := checkTransition(current, status); err != nil {
			return err
		}
		job, err = scanJob(tx.QueryRow(ctx, `
			UPDATE prospect_jobs SET status = $2, updated_at = GREATEST(updated_at, $3)
			WHERE id = $1
			RETURNING `+jobColumns,
			id, string(status), models.Timestamp(s.now()),
		))
		return err
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// AttachResultSet links the import and completes the job in one statement
func (s *PostgresStore) AttachResultSet(ctx context.Context, jobID, resultSetID string) (*models.Job, error) {
	var job *models.Job
	err := s.inTx(ctx, "attach import", func(tx pgx.Tx) error {
		current, err := lockJob(ctx, tx, jobID)
		if err != nil {
			return err
		}
		exists := false
		if isUUID(resultSetID) {
			if err := tx.QueryRow(ctx,
				`SELECT EXISTS(SELECT 1 FROM lead_imports WHERE id = $1)`, resultSetID,
			).Scan(&exists); err != nil {
				return err
			}
		}
		if !exists {
			return importNotFound(resultSetID)
		}
		if err := checkAttach(current); err != nil {
			return err
		}
		job, err = scanJob(tx.QueryRow(ctx, `
			UPDATE prospect_jobs
			SET status = $2, result_set_id = $3, updated_at = GREATEST(updated_at, $4)
			WHERE id = $1
			RETURNING `+jobColumns,
			jobID, string(models.JobStatusCompleted), resultSetID, models.Timestamp(s.now()),
		))
		return err
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// AppendEvent inserts an event. The job row lock serializes appends so
// timestamps stay strictly increasing.
func (s *PostgresStore) AppendEvent(ctx context.Context, jobID string, level models.EventLevel, message string) (*models.Event, error) {
	if err := checkLevel(level); err != nil {
		return nil, err
	}

	var ev *models.Event
	err := s.inTx(ctx, "append event", func(tx pgx.Tx) error {
		if _, err := lockJob(ctx, tx, jobID); err != nil {
			return err
		}

		var last *time.Time
		if err := tx.QueryRow(ctx,
			`SELECT MAX(created_at) FROM prospect_job_events WHERE job_id = $1`, jobID,
		).Scan(&last); err != nil {
			return err
		}
		var prev time.Time
		if last != nil {
			prev = last.UTC()
		}

		ev = &models.Event{
			ID:        newID(),
			JobID:     jobID,
			Timestamp: models.NextEventTimestamp(s.now(), prev),
			Level:     level,
			Message:   message,
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO prospect_job_events (id, job_id, level, message, created_at)
			VALUES ($1, $2, $3, $4, $5)`,
			ev.ID, ev.JobID, string(ev.Level), ev.Message, ev.Timestamp,
		)
		return err
	})
	if err != nil {
		return nil, err
	}
	return ev, nil
}

// ListEvents returns the job's events in append order
func (s *PostgresStore) ListEvents(ctx context.Context, jobID string, since *time.Time) ([]*models.Event, error) {
	if !isUUID(jobID) {
		return nil, jobNotFound(jobID)
	}

	var cursor *time.Time
	if since != nil {
		// Postgres keeps microseconds; truncating keeps "strictly after" exact.
		t := models.Timestamp(*since)
		cursor = &t
	}

	events := make([]*models.Event, 0)
	err := s.inTx(ctx, "list events", func(tx pgx.Tx) error {
		var exists bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM prospect_jobs WHERE id = $1)`, jobID,
		).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return jobNotFound(jobID)
		}

		rows, err := tx.Query(ctx, `
			SELECT id::text, job_id::text, level, message, created_at
			FROM prospect_job_events
			WHERE job_id = $1 AND ($2::timestamptz IS NULL OR created_at > $2)
			ORDER BY seq`,
			jobID, cursor,
		)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var (
				ev    models.Event
				level string
			)
			if err := rows.Scan(&ev.ID, &ev.JobID, &level, &ev.Message, &ev.Timestamp); err != nil {
				return err
			}
			ev.Level = models.EventLevel(level)
			ev.Timestamp = ev.Timestamp.UTC()
			events = append(events, &ev)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return events, nil
}

// CreateResultSet stores the import header and its items in position order
func (s *PostgresStore) CreateResultSet(ctx context.Context, items []models.Lead) (*models.ResultSet, error) {
	identity := types.IdentityFromContext(ctx)
	rs := &models.ResultSet{
		ID:        newID(),
		Items:     make([]models.Lead, len(items)),
		CreatedAt: models.Timestamp(s.now()),
	}
	copy(rs.Items, items)

	err := s.inTx(ctx, "create import", func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO lead_imports (id, tenant_id, user_id, total, created_at)
			VALUES ($1, NULLIF($2, ''), NULLIF($3, ''), $4, $5)`,
			rs.ID, identity.TenantID, identity.UserID, len(rs.Items), rs.CreatedAt,
		); err != nil {
			return err
		}
		if len(rs.Items) == 0 {
			return nil
		}

		batch := &pgx.Batch{}
		for i, lead := range rs.Items {
			data, err := json.Marshal(lead)
			if err != nil {
				return fmt.Errorf("failed to encode lead %d: %w", i, err)
			}
			batch.Queue(`INSERT INTO lead_import_items (import_id, position, lead) VALUES ($1, $2, $3)`,
				rs.ID, i, data)
		}
		return tx.SendBatch(ctx, batch).Close()
	})
	if err != nil {
		return nil, err
	}
	return rs, nil
}

// GetResultSet loads the import with every item
func (s *PostgresStore) GetResultSet(ctx context.Context, id string) (*models.ResultSet, error) {
	var rs *models.ResultSet
	err := s.inTx(ctx, "get import", func(tx pgx.Tx) error {
		var err error
		rs, err = s.loadResultSet(ctx, tx, id, -1, 0)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rs, nil
}

// GetResultSetPage loads one window of items plus the total
func (s *PostgresStore) GetResultSetPage(ctx context.Context, id string, limit, offset int) (*models.ResultSetPage, error) {
	if limit < 0 {
		limit = 0
	}
	if offset < 0 {
		offset = 0
	}

	var rs *models.ResultSet
	var total int
	err := s.inTx(ctx, "get import page", func(tx pgx.Tx) error {
		var err error
		rs, err = s.loadResultSet(ctx, tx, id, limit, offset)
		if err != nil {
			return err
		}
		return tx.QueryRow(ctx, `SELECT total FROM lead_imports WHERE id = $1`, id).Scan(&total)
	})
	if err != nil {
		return nil, err
	}
	return &models.ResultSetPage{Items: rs.Items, Total: total, Limit: limit, Offset: offset}, nil
}

// loadResultSet reads the header and up to limit items from offset.
// A negative limit reads every item.
func (s *PostgresStore) loadResultSet(ctx context.Context, tx pgx.Tx, id string, limit, offset int) (*models.ResultSet, error) {
	if !isUUID(id) {
		return nil, importNotFound(id)
	}

	rs := &models.ResultSet{ID: id, Items: make([]models.Lead, 0)}
	err := tx.QueryRow(ctx, `SELECT created_at FROM lead_imports WHERE id = $1`, id).Scan(&rs.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, importNotFound(id)
	}
	if err != nil {
		return nil, err
	}
	rs.CreatedAt = rs.CreatedAt.UTC()

	query := `SELECT lead FROM lead_import_items WHERE import_id = $1 ORDER BY position OFFSET $2`
	args := []any{id, offset}
	if limit >= 0 {
		query += ` LIMIT $3`
		args = append(args, limit)
	}
	rows, err := tx.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var lead models.Lead
		if err := json.Unmarshal(data, &lead); err != nil {
			return nil, fmt.Errorf("failed to decode lead: %w", err)
		}
		rs.Items = append(rs.Items, lead)
	}
	return rs, rows.Err()
}

func isUUID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}
