package provider

import (
	"context"
	"errors"

	"github.com/crm-prospector/internal/circuitbreaker"
	apperrors "github.com/crm-prospector/internal/errors"
	"github.com/crm-prospector/internal/logging"
	"github.com/crm-prospector/internal/models"
	"golang.org/x/time/rate"
)

// ResilientSearcher paces calls to a provider and stops calling it while its
// circuit breaker is open
type ResilientSearcher struct {
	next    Searcher
	limiter *rate.Limiter
	breaker *circuitbreaker.CircuitBreaker
}

// NewResilientSearcher wraps next. Either guard may be nil.
func NewResilientSearcher(next Searcher, limiter *rate.Limiter, breaker *circuitbreaker.CircuitBreaker) *ResilientSearcher {
	return &ResilientSearcher{next: next, limiter: limiter, breaker: breaker}
}

// Name implements Searcher
func (r *ResilientSearcher) Name() string { return r.next.Name() }

// Search implements Searcher
func (r *ResilientSearcher) Search(ctx context.Context, req *SearchRequest) ([]models.Lead, error) {
	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			// Wait refuses upfront when the reservation would outlive ctx's deadline.
			return nil, apperrors.NewProviderRateLimitError(r.Name())
		}
	}

	if r.breaker == nil {
		return r.next.Search(ctx, req)
	}

	var leads []models.Lead
	err := r.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		leads, err = r.next.Search(ctx, req)
		return err
	})
	if errors.Is(err, circuitbreaker.ErrCircuitOpen) || errors.Is(err, circuitbreaker.ErrTooManyRequests) {
		logging.FromContext(ctx).WithField("provider", r.Name()).Warn("Circuit breaker is open, provider unavailable")
		return nil, apperrors.NewServiceUnavailableError("lead provider " + r.Name())
	}
	if err != nil {
		return nil, err
	}
	return leads, nil
}

// countsAsProviderFailure keeps caller cancellations and bad input from
// tripping a provider's breaker
func countsAsProviderFailure(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	return !apperrors.IsUserError(err)
}
