package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/crm-prospector/internal/config"
	"github.com/crm-prospector/internal/models"
	"github.com/crm-prospector/internal/types"
	"github.com/redis/go-redis/v9"
)

// maxTxRetries bounds optimistic-lock retries when a WATCHed key changes
const maxTxRetries = 32

// RedisStore keeps jobs and imports in Redis. Per job: a hash and an event
// list. Per import: a header hash and an item list. Writes that depend on
// current state run under WATCH/MULTI.
type RedisStore struct {
	client    *redis.Client
	prefix    string
	retention time.Duration
	now       func() time.Time
}

// NewRedisStore connects to Redis and returns a store
func NewRedisStore(ctx context.Context, cfg *config.RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.MaxConnections,
		MinIdleConns: 2,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolTimeout:  4 * time.Second,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewRedisStoreWithClient(client, cfg.KeyPrefix, cfg.Retention), nil
}

// NewRedisStoreWithClient wraps an existing client. A zero retention keeps
// keys without expiry.
func NewRedisStoreWithClient(client *redis.Client, prefix string, retention time.Duration) *RedisStore {
	if prefix == "" {
		prefix = "prospect"
	}
	return &RedisStore{client: client, prefix: prefix, retention: retention, now: time.Now}
}

// Name implements Store
func (s *RedisStore) Name() string { return "redis" }

// Ping implements Store
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close implements Store
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) jobKey(id string) string         { return s.prefix + ":job:" + id }
func (s *RedisStore) eventsKey(id string) string      { return s.prefix + ":job:" + id + ":events" }
func (s *RedisStore) importKey(id string) string      { return s.prefix + ":import:" + id }
func (s *RedisStore) importItemsKey(id string) string { return s.prefix + ":import:" + id + ":items" }

func (s *RedisStore) expire(ctx context.Context, pipe redis.Pipeliner, keys ...string) {
	if s.retention <= 0 {
		return
	}
	for _, key := range keys {
		pipe.Expire(ctx, key, s.retention)
	}
}

// watch runs fn under WATCH on keys, retrying when another writer wins the race
func (s *RedisStore) watch(ctx context.Context, op string, fn func(tx *redis.Tx) error, keys ...string) error {
	for i := 0; i < maxTxRetries; i++ {
		err := s.client.Watch(ctx, fn, keys...)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return storageError(op, err)
	}
	return storageError(op, fmt.Errorf("transaction aborted after %d conflicting writes", maxTxRetries))
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(v string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

func (s *RedisStore) readJob(ctx context.Context, c redis.Cmdable, id string) (*models.Job, error) {
	fields, err := c.HGetAll(ctx, s.jobKey(id)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, jobNotFound(id)
	}

	job := &models.Job{
		ID:     id,
		Status: models.JobStatus(fields["status"]),
		Prompt: fields["prompt"],
	}
	if rs := fields["resultSetId"]; rs != "" {
		job.ResultSetID = &rs
	}
	if job.CreatedAt, err = parseTime(fields["createdAt"]); err != nil {
		return nil, fmt.Errorf("corrupt createdAt for job %s: %w", id, err)
	}
	if job.UpdatedAt, err = parseTime(fields["updatedAt"]); err != nil {
		return nil, fmt.Errorf("corrupt updatedAt for job %s: %w", id, err)
	}
	return job, nil
}

// touch returns a fresh updatedAt that never moves backwards
func (s *RedisStore) touch(prev time.Time) time.Time {
	now := models.Timestamp(s.now())
	if now.Before(prev) {
		return prev
	}
	return now
}

// CreateJob stores a queued job hash
func (s *RedisStore) CreateJob(ctx context.Context, prompt string) (*models.Job, error) {
	identity := types.IdentityFromContext(ctx)
	now := models.Timestamp(s.now())
	job := &models.Job{
		ID:        newID(),
		Status:    models.JobStatusQueued,
		Prompt:    prompt,
		CreatedAt: now,
		UpdatedAt: now,
	}

	key := s.jobKey(job.ID)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, map[string]interface{}{
			"status":    string(job.Status),
			"prompt":    job.Prompt,
			"createdAt": formatTime(job.CreatedAt),
			"updatedAt": formatTime(job.UpdatedAt),
			"tenantId":  identity.TenantID,
			"userId":    identity.UserID,
		})
		s.expire(ctx, pipe, key)
		return nil
	})
	if err != nil {
		return nil, storageError("create job", err)
	}
	return job, nil
}

// GetJob reads the job hash
func (s *RedisStore) GetJob(ctx context.Context, id string) (*models.Job, error) {
	job, err := s.readJob(ctx, s.client, id)
	if err != nil {
		return nil, storageError("get job", err)
	}
	return job, nil
}

// SetStatus validates the transition against the watched job hash
func (s *RedisStore) SetStatus(ctx context.Context, id string, status models.JobStatus) (*models.Job, error) {
	key := s.jobKey(id)
	var job *models.Job

	err := s.watch(ctx, "set job status", func(tx *redis.Tx) error {
		current, err := s.readJob(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := checkTransition(current, status); err != nil {
			return err
		}
		current.Status = status
		current.UpdatedAt = s.touch(current.UpdatedAt)

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, "status", string(current.Status), "updatedAt", formatTime(current.UpdatedAt))
			return nil
		})
		if err == nil {
			job = current
		}
		return err
	}, key)
	if err != nil {
		return nil, err
	}
	return job, nil
}

// AttachResultSet sets resultSetId and completes the job in one MULTI
func (s *RedisStore) AttachResultSet(ctx context.Context, jobID, resultSetID string) (*models.Job, error) {
	key := s.jobKey(jobID)
	var job *models.Job

	err := s.watch(ctx, "attach import", func(tx *redis.Tx) error {
		current, err := s.readJob(ctx, tx, jobID)
		if err != nil {
			return err
		}
		n, err := tx.Exists(ctx, s.importKey(resultSetID)).Result()
		if err != nil {
			return err
		}
		if n == 0 {
			return importNotFound(resultSetID)
		}
		if err := checkAttach(current); err != nil {
			return err
		}

		rs := resultSetID
		current.ResultSetID = &rs
		current.Status = models.JobStatusCompleted
		current.UpdatedAt = s.touch(current.UpdatedAt)

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key,
				"status", string(current.Status),
				"resultSetId", rs,
				"updatedAt", formatTime(current.UpdatedAt),
			)
			return nil
		})
		if err == nil {
			job = current
		}
		return err
	}, key)
	if err != nil {
		return nil, err
	}
	return job, nil
}

// AppendEvent pushes an event while watching the log tail so concurrent
// appends cannot reuse a timestamp
func (s *RedisStore) AppendEvent(ctx context.Context, jobID string, level models.EventLevel, message string) (*models.Event, error) {
	if err := checkLevel(level); err != nil {
		return nil, err
	}

	jobKey, eventsKey := s.jobKey(jobID), s.eventsKey(jobID)
	var ev *models.Event

	err := s.watch(ctx, "append event", func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, jobKey).Result()
		if err != nil {
			return err
		}
		if n == 0 {
			return jobNotFound(jobID)
		}

		var last time.Time
		raw, err := tx.LIndex(ctx, eventsKey, -1).Result()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return err
		default:
			var prev models.Event
			if err := json.Unmarshal([]byte(raw), &prev); err != nil {
				return fmt.Errorf("corrupt event log for job %s: %w", jobID, err)
			}
			last = prev.Timestamp
		}

		next := &models.Event{
			ID:        newID(),
			JobID:     jobID,
			Timestamp: models.NextEventTimestamp(s.now(), last),
			Level:     level,
			Message:   message,
		}
		data, err := json.Marshal(next)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.RPush(ctx, eventsKey, data)
			s.expire(ctx, pipe, jobKey, eventsKey)
			return nil
		})
		if err == nil {
			ev = next
		}
		return err
	}, jobKey, eventsKey)
	if err != nil {
		return nil, err
	}
	return ev, nil
}

// ListEvents reads the whole log and filters by since
func (s *RedisStore) ListEvents(ctx context.Context, jobID string, since *time.Time) ([]*models.Event, error) {
	n, err := s.client.Exists(ctx, s.jobKey(jobID)).Result()
	if err != nil {
		return nil, storageError("list events", err)
	}
	if n == 0 {
		return nil, jobNotFound(jobID)
	}

	raw, err := s.client.LRange(ctx, s.eventsKey(jobID), 0, -1).Result()
	if err != nil {
		return nil, storageError("list events", err)
	}

	events := make([]*models.Event, 0, len(raw))
	for _, item := range raw {
		var ev models.Event
		if err := json.Unmarshal([]byte(item), &ev); err != nil {
			return nil, storageError("list events", fmt.Errorf("corrupt event log for job %s: %w", jobID, err))
		}
		ev.Timestamp = ev.Timestamp.UTC()
		events = append(events, &ev)
	}
	return models.FilterSince(events, since), nil
}

// CreateResultSet writes the header hash and item list in one MULTI
func (s *RedisStore) CreateResultSet(ctx context.Context, items []models.Lead) (*models.ResultSet, error) {
	identity := types.IdentityFromContext(ctx)
	rs := &models.ResultSet{
		ID:        newID(),
		Items:     make([]models.Lead, len(items)),
		CreatedAt: models.Timestamp(s.now()),
	}
	copy(rs.Items, items)

	encoded := make([]interface{}, 0, len(rs.Items))
	for i, lead := range rs.Items {
		data, err := json.Marshal(lead)
		if err != nil {
			return nil, storageError("create import", fmt.Errorf("failed to encode lead %d: %w", i, err))
		}
		encoded = append(encoded, data)
	}

	key, itemsKey := s.importKey(rs.ID), s.importItemsKey(rs.ID)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key,
			"createdAt", formatTime(rs.CreatedAt),
			"total", len(rs.Items),
			"tenantId", identity.TenantID,
		)
		if len(encoded) > 0 {
			pipe.RPush(ctx, itemsKey, encoded...)
		}
		s.expire(ctx, pipe, key, itemsKey)
		return nil
	})
	if err != nil {
		return nil, storageError("create import", err)
	}
	return rs, nil
}

func (s *RedisStore) readImportHeader(ctx context.Context, id string) (time.Time, int, error) {
	fields, err := s.client.HGetAll(ctx, s.importKey(id)).Result()
	if err != nil {
		return time.Time{}, 0, err
	}
	if len(fields) == 0 {
		return time.Time{}, 0, importNotFound(id)
	}
	createdAt, err := parseTime(fields["createdAt"])
	if err != nil {
		return time.Time{}, 0, fmt.Errorf("corrupt createdAt for import %s: %w", id, err)
	}
	total, err := strconv.Atoi(fields["total"])
	if err != nil {
		return time.Time{}, 0, fmt.Errorf("corrupt total for import %s: %w", id, err)
	}
	return createdAt, total, nil
}

func (s *RedisStore) readItems(ctx context.Context, id string, start, stop int64) ([]models.Lead, error) {
	raw, err := s.client.LRange(ctx, s.importItemsKey(id), start, stop).Result()
	if err != nil {
		return nil, err
	}
	items := make([]models.Lead, 0, len(raw))
	for _, item := range raw {
		var lead models.Lead
		if err := json.Unmarshal([]byte(item), &lead); err != nil {
			return nil, fmt.Errorf("corrupt item in import %s: %w", id, err)
		}
		items = append(items, lead)
	}
	return items, nil
}

// GetResultSet reads the header and every item
func (s *RedisStore) GetResultSet(ctx context.Context, id string) (*models.ResultSet, error) {
	createdAt, _, err := s.readImportHeader(ctx, id)
	if err != nil {
		return nil, storageError("get import", err)
	}
	items, err := s.readItems(ctx, id, 0, -1)
	if err != nil {
		return nil, storageError("get import", err)
	}
	return &models.ResultSet{ID: id, Items: items, CreatedAt: createdAt}, nil
}

// GetResultSetPage reads one LRANGE window
func (s *RedisStore) GetResultSetPage(ctx context.Context, id string, limit, offset int) (*models.ResultSetPage, error) {
	if limit < 0 {
		limit = 0
	}
	if offset < 0 {
		offset = 0
	}

	_, total, err := s.readImportHeader(ctx, id)
	if err != nil {
		return nil, storageError("get import page", err)
	}

	items := make([]models.Lead, 0)
	if limit > 0 && offset < total {
		items, err = s.readItems(ctx, id, int64(offset), int64(offset+limit-1))
		if err != nil {
			return nil, storageError("get import page", err)
		}
	}
	return &models.ResultSetPage{Items: items, Total: total, Limit: limit, Offset: offset}, nil
}
