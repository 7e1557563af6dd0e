// Package retry runs operations with bounded exponential backoff.
package retry

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/crm-prospector/internal/logging"
)

// RetryConfig configures retry behavior
type RetryConfig struct {
	MaxAttempts  int           // Total attempts including the first one
	InitialDelay time.Duration // Delay before the second attempt
	MaxDelay     time.Duration // Cap for any single delay
	Multiplier   float64       // Growth factor between delays

	// ShouldRetry decides whether a failed attempt is retried. Nil retries every error.
	ShouldRetry func(err error) bool

	// OnRetry is called before sleeping ahead of attempt+1
	OnRetry func(attempt int, delay time.Duration, err error)
}

// DefaultRetryConfig returns a default retry configuration
// Pattern: 1s, 2s, 4s, 8s, max 60s
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:  5,
		InitialDelay: 1 * time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
	}
}

// RetryResult contains information about the retry operation
type RetryResult struct {
	Attempts      int           `json:"attempts"`
	Success       bool          `json:"success"`
	TotalDuration time.Duration `json:"totalDuration"`
	LastError     error         `json:"-"`
}

// RetryFunc is a function that can be retried
type RetryFunc func(ctx context.Context, attempt int) error

// WithExponentialBackoff executes fn until it succeeds, the attempts are
// exhausted, ShouldRetry rejects the error, or ctx is done.
func WithExponentialBackoff(ctx context.Context, config *RetryConfig, fn RetryFunc) *RetryResult {
	logger := logging.FromContext(ctx)
	startTime := time.Now()
	result := &RetryResult{}

	maxAttempts := config.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		result.Attempts = attempt

		err := fn(ctx, attempt)
		if err == nil {
			result.Success = true
			result.LastError = nil
			result.TotalDuration = time.Since(startTime)
			if attempt > 1 {
				logger.WithFields(map[string]interface{}{
					"attempts":      attempt,
					"totalDuration": result.TotalDuration.String(),
				}).Info("Operation succeeded after retry")
			}
			return result
		}
		result.LastError = err

		if config.ShouldRetry != nil && !config.ShouldRetry(err) {
			logger.WithError(err).WithField("attempt", attempt).Debug("Error is not retryable")
			break
		}
		if attempt == maxAttempts {
			logger.WithError(err).WithField("attempts", attempt).Warn("Operation failed after max retry attempts")
			break
		}
		if ctx.Err() != nil {
			result.LastError = ctx.Err()
			break
		}

		delay := calculateDelay(config, attempt)
		if config.OnRetry != nil {
			config.OnRetry(attempt, delay, err)
		}
		logger.WithError(err).WithFields(map[string]interface{}{
			"attempt":     attempt,
			"maxAttempts": maxAttempts,
			"delay":       delay.String(),
		}).Warn("Operation failed, retrying with exponential backoff")

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			result.LastError = ctx.Err()
			result.TotalDuration = time.Since(startTime)
			return result
		}
	}

	result.TotalDuration = time.Since(startTime)
	return result
}

// calculateDelay returns initialDelay * multiplier^(attempt-1), capped at MaxDelay
func calculateDelay(config *RetryConfig, attempt int) time.Duration {
	multiplier := config.Multiplier
	if multiplier < 1 {
		multiplier = 1
	}
	delay := float64(config.InitialDelay) * math.Pow(multiplier, float64(attempt-1))
	if config.MaxDelay > 0 && delay > float64(config.MaxDelay) {
		delay = float64(config.MaxDelay)
	}
	return time.Duration(delay)
}

// Do runs fn with config and returns the last error when every attempt failed
func Do(ctx context.Context, config *RetryConfig, fn RetryFunc) error {
	result := WithExponentialBackoff(ctx, config, fn)
	if !result.Success {
		return fmt.Errorf("operation failed after %d attempts: %w", result.Attempts, result.LastError)
	}
	return nil
}
