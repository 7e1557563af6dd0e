package client

import (
	"context"
	"time"

	"github.com/crm-prospector/internal/logging"
	"github.com/crm-prospector/internal/models"
	"github.com/crm-prospector/internal/retry"
)

// WaitOptions tunes WaitForJob. Zero values take the defaults below.
type WaitOptions struct {
	InitialInterval time.Duration // first pause between polls, default 250ms
	MaxInterval     time.Duration // cap, default 3s
	Multiplier      float64       // growth while nothing changes, default 1.5

	// RequestAttempts bounds retries of a single poll on 5xx, 429 or
	// transport errors. Default 3.
	RequestAttempts int

	// OnEvent receives every event exactly once, in log order
	OnEvent func(ev *models.Event)
}

func (o *WaitOptions) withDefaults() WaitOptions {
	out := WaitOptions{}
	if o != nil {
		out = *o
	}
	if out.InitialInterval <= 0 {
		out.InitialInterval = 250 * time.Millisecond
	}
	if out.MaxInterval <= 0 {
		out.MaxInterval = 3 * time.Second
	}
	if out.MaxInterval < out.InitialInterval {
		out.MaxInterval = out.InitialInterval
	}
	if out.Multiplier < 1 {
		out.Multiplier = 1.5
	}
	if out.RequestAttempts <= 0 {
		out.RequestAttempts = 3
	}
	return out
}

// WaitForJob polls the job until it completes or fails and returns its final
// snapshot. Events are tailed with a since cursor at the last delivered
// event. The interval grows while nothing changes and resets when new events
// arrive.
func (c *Client) WaitForJob(ctx context.Context, id string, opts *WaitOptions) (*models.Job, error) {
	o := opts.withDefaults()
	logger := logging.FromContext(ctx).WithJob(id)

	var cursor *time.Time
	seen := make(map[string]bool)
	interval := o.InitialInterval

	for {
		// Status first: the terminal event precedes the terminal status, so
		// the events read afterwards always include it.
		var job *models.Job
		if err := c.withRetry(ctx, o.RequestAttempts, func(ctx context.Context) error {
			var err error
			job, err = c.GetJob(ctx, id)
			return err
		}); err != nil {
			return nil, err
		}

		var events []*models.Event
		if err := c.withRetry(ctx, o.RequestAttempts, func(ctx context.Context) error {
			var err error
			events, err = c.ListEvents(ctx, id, cursor)
			return err
		}); err != nil {
			return nil, err
		}

		delivered := 0
		for _, ev := range events {
			if seen[ev.ID] {
				continue
			}
			seen[ev.ID] = true
			ts := ev.Timestamp
			cursor = &ts
			delivered++
			if o.OnEvent != nil {
				o.OnEvent(ev)
			}
		}

		if job.Status.IsTerminal() {
			logger.WithField("status", string(job.Status)).Debug("Job reached terminal status")
			return job, nil
		}

		if delivered > 0 {
			interval = o.InitialInterval
		}

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}

		if delivered == 0 {
			interval = min(time.Duration(float64(interval)*o.Multiplier), o.MaxInterval)
		}
	}
}

func (c *Client) withRetry(ctx context.Context, attempts int, fn func(ctx context.Context) error) error {
	result := retry.WithExponentialBackoff(ctx, &retry.RetryConfig{
		MaxAttempts:  attempts,
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     2 * time.Second,
		Multiplier:   2,
		ShouldRetry:  isTransient,
	}, func(ctx context.Context, attempt int) error {
		return fn(ctx)
	})
	return result.LastError
}
