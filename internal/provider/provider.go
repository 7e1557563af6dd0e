// Package provider wraps the external people/company search collaborators
// that a prospecting run calls out to.
package provider

import (
	"context"
	"sync"

	"github.com/crm-prospector/internal/logging"
	"github.com/crm-prospector/internal/models"
)

// SearchRequest is what a run asks a provider for
type SearchRequest struct {
	Prompt  string
	Size    int
	Filters map[string]any
}

// Searcher finds candidate leads for a free-text prompt. Implementations may
// block on network I/O and must honor ctx.
type Searcher interface {
	Name() string
	Search(ctx context.Context, req *SearchRequest) ([]models.Lead, error)
}

// Failure records one provider that failed during a fan-out search
type Failure struct {
	Provider string
	Err      error
}

// SearchAll queries every searcher concurrently and concatenates their leads
// in searcher order. It fails only when every searcher failed, returning the
// first searcher's error; partial failures are reported alongside the leads.
func SearchAll(ctx context.Context, searchers []Searcher, req *SearchRequest) ([]models.Lead, []Failure, error) {
	if len(searchers) == 1 {
		leads, err := searchers[0].Search(ctx, req)
		if err != nil {
			return nil, []Failure{{Provider: searchers[0].Name(), Err: err}}, err
		}
		return leads, nil, nil
	}

	type result struct {
		leads []models.Lead
		err   error
	}
	results := make([]result, len(searchers))

	var wg sync.WaitGroup
	for i, s := range searchers {
		wg.Add(1)
		go func(i int, s Searcher) {
			defer wg.Done()
			leads, err := s.Search(ctx, req)
			results[i] = result{leads: leads, err: err}
		}(i, s)
	}
	wg.Wait()

	var (
		all      []models.Lead
		failures []Failure
	)
	for i, r := range results {
		if r.err != nil {
			failures = append(failures, Failure{Provider: searchers[i].Name(), Err: r.err})
			continue
		}
		all = append(all, r.leads...)
	}

	if len(failures) == len(searchers) {
		return nil, failures, failures[0].Err
	}
	if len(failures) > 0 {
		logging.FromContext(ctx).WithFields(map[string]interface{}{
			"failed":    len(failures),
			"providers": len(searchers),
		}).Warn("Some lead providers failed, continuing with partial results")
	}
	return all, failures, nil
}
