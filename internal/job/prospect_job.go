// Package job runs prospecting requests in the background and drives each
// job through queued -> running -> completed | failed.
package job

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/crm-prospector/internal/config"
	apperrors "github.com/crm-prospector/internal/errors"
	"github.com/crm-prospector/internal/logging"
	"github.com/crm-prospector/internal/models"
	"github.com/crm-prospector/internal/provider"
	"github.com/crm-prospector/internal/retry"
	"github.com/crm-prospector/internal/storage"
	"github.com/crm-prospector/internal/types"
)

// Event messages written by the runner
const (
	MsgQueued         = "Queued"
	MsgStartingSearch = "Starting provider query…"
	MsgEnriching      = "Enriching results…"
	MsgShuttingDown   = "cancelled: service shutting down"

	// MsgResultsNotSaved prefixes the error event of a run whose leads were
	// found but could not be attached to the job
	MsgResultsNotSaved = "Results not saved, discard the found leads: "
)

// terminalWriteTimeout bounds the final event/status writes of a run whose
// own context is already done
const terminalWriteTimeout = 5 * time.Second

// ProspectJob is the runner surface the HTTP layer depends on
type ProspectJob interface {
	Submit(ctx context.Context, req *models.ProspectRequest) (*models.Job, *Task, error)
	ActiveTasks() []*TaskProgress
}

// Options tunes the runner
type Options struct {
	Concurrency       int
	JobTimeout        time.Duration
	MaxAttempts       int
	RetryInitialDelay time.Duration
	RetryMaxDelay     time.Duration
	StrictTransitions bool
}

// OptionsFromConfig maps the RUNNER_* settings
func OptionsFromConfig(cfg *config.RunnerConfig) Options {
	return Options{
		Concurrency:       cfg.Concurrency,
		JobTimeout:        cfg.JobTimeout,
		MaxAttempts:       cfg.MaxAttempts,
		RetryInitialDelay: cfg.RetryInitialDelay,
		RetryMaxDelay:     cfg.RetryMaxDelay,
		StrictTransitions: cfg.StrictTransitions,
	}
}

// ErrShuttingDown is returned by Submit after Shutdown has begun
var ErrShuttingDown = apperrors.NewServiceUnavailableError("job runner")

// ProspectJobService creates jobs and executes them on bounded worker slots
type ProspectJobService struct {
	store     storage.Store
	providers *provider.Registry
	opts      Options
	logger    *logging.Logger

	workerSem chan struct{}

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu     sync.Mutex
	tasks  map[string]*Task
	closed bool
}

// NewProspectJobService creates a runner
func NewProspectJobService(store storage.Store, providers *provider.Registry, opts Options) *ProspectJobService {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 1
	}

	baseCtx, cancel := context.WithCancel(context.Background())
	return &ProspectJobService{
		store:     store,
		providers: providers,
		opts:      opts,
		logger:    logging.GetGlobalLogger().WithField("component", "prospect_runner"),
		workerSem: make(chan struct{}, opts.Concurrency),
		baseCtx:   baseCtx,
		cancel:    cancel,
		tasks:     make(map[string]*Task),
	}
}

// Submit validates the request, creates a queued job with a "Queued" event
// and schedules its run. It returns as soon as the job exists.
func (s *ProspectJobService) Submit(ctx context.Context, req *models.ProspectRequest) (*models.Job, *Task, error) {
	normalized, err := s.normalize(req)
	if err != nil {
		return nil, nil, err
	}

	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, nil, ErrShuttingDown
	}

	job, err := s.store.CreateJob(ctx, normalized.Prompt)
	if err != nil {
		return nil, nil, err
	}
	if _, err := s.store.AppendEvent(ctx, job.ID, models.EventLevelInfo, MsgQueued); err != nil {
		// No run will pick this job up, so it must not stay queued
		return nil, nil, s.fail(ctx, job.ID, err, false)
	}

	task := newTask(job.ID)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.fail(ctx, job.ID, context.Canceled, true)
		return nil, nil, ErrShuttingDown
	}
	s.tasks[job.ID] = task
	s.wg.Add(1)
	s.mu.Unlock()

	// The run outlives the request: it keeps the caller's identity but takes
	// cancellation from the service.
	runCtx := types.WithIdentity(s.baseCtx, types.IdentityFromContext(ctx))
	runCtx = logging.WithLogger(runCtx, logging.FromContext(ctx).WithJob(job.ID))
	go s.execute(runCtx, task, normalized)

	s.logger.WithJob(job.ID).WithFields(map[string]interface{}{
		"size":      normalized.Size,
		"providers": strings.Join(normalized.Providers, ","),
	}).Info("Prospect job queued")

	return job, task, nil
}

// normalize trims the prompt, clamps the size and resolves providers
func (s *ProspectJobService) normalize(req *models.ProspectRequest) (*models.ProspectRequest, error) {
	if req == nil {
		return nil, apperrors.NewInvalidParameterError("prompt", "is required")
	}
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		return nil, apperrors.NewInvalidParameterError("prompt", "must not be blank")
	}
	searchers, err := s.providers.Resolve(req.Providers)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(searchers))
	for i, sr := range searchers {
		names[i] = sr.Name()
	}
	return &models.ProspectRequest{
		Prompt:    prompt,
		Size:      models.ClampProspectSize(req.Size),
		Providers: names,
		Filters:   req.Filters,
	}, nil
}

// execute waits for a worker slot, runs the job and releases the task
func (s *ProspectJobService) execute(ctx context.Context, task *Task, req *models.ProspectRequest) {
	defer s.wg.Done()

	var err error
	defer func() {
		s.mu.Lock()
		delete(s.tasks, task.JobID)
		s.mu.Unlock()
		task.finish(err)
	}()

	select {
	case s.workerSem <- struct{}{}:
	case <-ctx.Done():
		err = s.fail(ctx, task.JobID, ctx.Err(), true)
		return
	}
	defer func() { <-s.workerSem }()

	err = s.run(ctx, task, req)
}

// Run executes one job synchronously on the caller's goroutine
func (s *ProspectJobService) Run(ctx context.Context, jobID string, req *models.ProspectRequest) error {
	normalized, err := s.normalize(req)
	if err != nil {
		return err
	}
	return s.run(ctx, newTask(jobID), normalized)
}

func (s *ProspectJobService) run(ctx context.Context, task *Task, req *models.ProspectRequest) (err error) {
	jobID := task.JobID
	logger := logging.FromContext(ctx).WithJob(jobID)
	started := time.Now()

	if s.opts.JobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.JobTimeout)
		defer cancel()
	}

	defer func() {
		r := recover()
		if r == nil {
			return
		}
		if _, strict := r.(*illegalTransition); strict {
			panic(r)
		}
		logger.WithField("panic", fmt.Sprint(r)).Error("Prospect runner panicked")
		err = s.fail(ctx, jobID, apperrors.NewInternalError("internal error while prospecting", nil), false)
	}()

	// Step 1: running before anything else is visible
	if err := s.transition(ctx, jobID, models.JobStatusRunning); err != nil {
		logger.WithError(err).Warn("Prospect job could not start")
		if apperrors.IsIllegalTransition(err) {
			return err
		}
		return s.fail(ctx, jobID, err, false)
	}
	if err := s.event(ctx, jobID, models.EventLevelInfo, MsgStartingSearch); err != nil {
		return s.fail(ctx, jobID, err, false)
	}

	// Step 2: provider call-out, the only slow step
	task.setPhase(PhaseSearching)
	raw, err := s.search(ctx, jobID, req)
	if err != nil {
		return s.fail(ctx, jobID, err, false)
	}

	// Step 3
	task.setPhase(PhaseEnriching)
	if err := s.event(ctx, jobID, models.EventLevelInfo, MsgEnriching); err != nil {
		return s.fail(ctx, jobID, err, false)
	}
	leads := provider.Enrich(raw, req.Prompt, req.Size)

	// Steps 4 and 5: the success event lands before the job turns completed
	task.setPhase(PhaseSaving)
	rs, err := s.store.CreateResultSet(ctx, leads)
	if err != nil {
		return s.fail(ctx, jobID, err, false)
	}
	if err := s.event(ctx, jobID, models.EventLevelSuccess, successMessage(len(leads))); err != nil {
		return s.fail(ctx, jobID, err, false)
	}
	if _, err := s.store.AttachResultSet(ctx, jobID, rs.ID); err != nil {
		if apperrors.IsIllegalTransition(err) {
			s.illegal(logger, err)
			return err
		}
		// The success event is already in the log; the error event retracts it
		return s.failWith(ctx, jobID, err, MsgResultsNotSaved+s.failureMessage(ctx, err, false))
	}

	logger.WithFields(map[string]interface{}{
		"resultSetId": rs.ID,
		"leads":       len(leads),
		"duration":    time.Since(started).String(),
	}).Info("Prospect job completed")
	return nil
}

func successMessage(n int) string {
	if n == 1 {
		return "Found 1 lead"
	}
	return fmt.Sprintf("Found %d leads", n)
}

// search calls the selected providers with bounded retries. Each retry and
// each partially failed provider leaves an info event.
func (s *ProspectJobService) search(ctx context.Context, jobID string, req *models.ProspectRequest) ([]models.Lead, error) {
	searchers, err := s.providers.Resolve(req.Providers)
	if err != nil {
		return nil, err
	}
	sreq := &provider.SearchRequest{Prompt: req.Prompt, Size: req.Size, Filters: req.Filters}

	var (
		leads    []models.Lead
		failures []provider.Failure
	)
	cfg := &retry.RetryConfig{
		MaxAttempts:  s.opts.MaxAttempts,
		InitialDelay: s.opts.RetryInitialDelay,
		MaxDelay:     s.opts.RetryMaxDelay,
		Multiplier:   2,
		ShouldRetry:  apperrors.IsRetryable,
		OnRetry: func(attempt int, delay time.Duration, err error) {
			msg := fmt.Sprintf("Provider query failed (attempt %d of %d): %s; retrying in %s",
				attempt, s.opts.MaxAttempts, apperrors.PublicMessage(err), delay.Round(time.Millisecond))
			if err := s.event(ctx, jobID, models.EventLevelInfo, msg); err != nil {
				logging.FromContext(ctx).WithJob(jobID).WithError(err).Warn("Failed to record retry event")
			}
		},
	}

	result := retry.WithExponentialBackoff(ctx, cfg, func(ctx context.Context, attempt int) error {
		var err error
		leads, failures, err = provider.SearchAll(ctx, searchers, sreq)
		return err
	})
	if !result.Success {
		return nil, result.LastError
	}

	sort.SliceStable(failures, func(i, j int) bool { return failures[i].Provider < failures[j].Provider })
	for _, f := range failures {
		msg := fmt.Sprintf("Provider %s failed: %s; continuing with remaining providers", f.Provider, apperrors.PublicMessage(f.Err))
		if err := s.event(ctx, jobID, models.EventLevelInfo, msg); err != nil {
			return nil, err
		}
	}
	return leads, nil
}

// fail records the error event and moves the job to failed. The writes use a
// context detached from ctx's cancellation so a timed-out or cancelled run
// still reaches a terminal state.
func (s *ProspectJobService) fail(ctx context.Context, jobID string, cause error, shutdown bool) error {
	return s.failWith(ctx, jobID, cause, s.failureMessage(ctx, cause, shutdown))
}

// failWith is fail with an explicit error event message
func (s *ProspectJobService) failWith(ctx context.Context, jobID string, cause error, msg string) error {
	logger := logging.FromContext(ctx).WithJob(jobID)

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), terminalWriteTimeout)
	defer cancel()

	if _, err := s.store.AppendEvent(wctx, jobID, models.EventLevelError, msg); err != nil {
		logger.WithError(err).Error("Failed to record job error event")
	}
	if err := s.transition(wctx, jobID, models.JobStatusFailed); err != nil {
		logger.WithError(err).Error("Failed to mark job as failed")
	}

	logger.WithError(cause).WithField("message", msg).Warn("Prospect job failed")
	return cause
}

func (s *ProspectJobService) failureMessage(ctx context.Context, cause error, shutdown bool) string {
	switch {
	case errors.Is(cause, context.Canceled) && (shutdown || s.baseCtx.Err() != nil):
		return MsgShuttingDown
	case errors.Is(cause, context.DeadlineExceeded) && errors.Is(ctx.Err(), context.DeadlineExceeded) && s.opts.JobTimeout > 0:
		return fmt.Sprintf("timed out after %s", s.opts.JobTimeout)
	default:
		return apperrors.PublicMessage(cause)
	}
}

func (s *ProspectJobService) event(ctx context.Context, jobID string, level models.EventLevel, msg string) error {
	_, err := s.store.AppendEvent(ctx, jobID, level, msg)
	return err
}

// illegalTransition is the panic value raised in strict mode
type illegalTransition struct{ err error }

func (p *illegalTransition) Error() string { return p.err.Error() }

// transition applies a status change. Illegal transitions are internal bugs:
// logged and skipped, or fatal when StrictTransitions is set.
func (s *ProspectJobService) transition(ctx context.Context, jobID string, status models.JobStatus) error {
	_, err := s.store.SetStatus(ctx, jobID, status)
	if err != nil && apperrors.IsIllegalTransition(err) {
		s.illegal(logging.FromContext(ctx).WithJob(jobID), err)
	}
	return err
}

func (s *ProspectJobService) illegal(logger *logging.Logger, err error) {
	logger.WithError(err).Error("Illegal job status transition")
	if s.opts.StrictTransitions {
		panic(&illegalTransition{err: err})
	}
}

// Task returns the handle of a job that is still waiting or running
func (s *ProspectJobService) Task(jobID string) (*Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[jobID]
	return t, ok
}

// ActiveTasks returns progress for every unfinished run, oldest first
func (s *ProspectJobService) ActiveTasks() []*TaskProgress {
	s.mu.Lock()
	out := make([]*TaskProgress, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t.Progress())
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Shutdown stops accepting jobs, cancels in-flight runs (their jobs fail
// with a shutdown event) and waits for them until ctx is done
func (s *ProspectJobService) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	active := len(s.tasks)
	s.mu.Unlock()

	s.logger.WithField("activeJobs", active).Info("Shutting down prospect runner")
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("prospect runner shutdown: %w", ctx.Err())
	}
}
