package provider

import (
	"fmt"
	"sort"
	"strings"

	"github.com/crm-prospector/internal/circuitbreaker"
	"github.com/crm-prospector/internal/config"
	apperrors "github.com/crm-prospector/internal/errors"
	"golang.org/x/time/rate"
)

// Registry maps provider names to searchers
type Registry struct {
	searchers   map[string]Searcher
	defaultName string
	breakers    *circuitbreaker.Manager
}

// NewRegistry registers searchers by Name(). defaultName must be among them.
func NewRegistry(defaultName string, searchers ...Searcher) (*Registry, error) {
	r := &Registry{searchers: make(map[string]Searcher, len(searchers)), defaultName: defaultName}
	for _, s := range searchers {
		r.searchers[s.Name()] = s
	}
	if _, ok := r.searchers[defaultName]; !ok {
		return nil, fmt.Errorf("default provider %q is not registered", defaultName)
	}
	return r, nil
}

// NewRegistryFromConfig builds every enabled provider, each behind its own
// rate limiter and circuit breaker
func NewRegistryFromConfig(cfg *config.ProviderConfig) (*Registry, error) {
	breakers := circuitbreaker.NewManager(&circuitbreaker.Config{
		MaxFailures:      cfg.BreakerMaxFailures,
		FailureThreshold: 0.5,
		Timeout:          cfg.BreakerTimeout,
		HalfOpenMaxCalls: 1,
		IsFailure:        countsAsProviderFailure,
	})

	var searchers []Searcher
	for _, name := range cfg.Enabled {
		var base Searcher
		switch name {
		case config.ProviderMock:
			base = NewMockSearcher(cfg.Mock.Latency, cfg.Mock.FailRate)
		case config.ProviderOpenAI:
			s, err := NewOpenAISearcher(cfg.OpenAI)
			if err != nil {
				return nil, fmt.Errorf("openai provider: %w", err)
			}
			base = s
		default:
			return nil, fmt.Errorf("unknown provider %q", name)
		}

		var limiter *rate.Limiter
		if cfg.RequestsPerSecond > 0 {
			limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), max(cfg.Burst, 1))
		}
		searchers = append(searchers, NewResilientSearcher(base, limiter, breakers.GetOrCreate(name)))
	}

	r, err := NewRegistry(cfg.Default, searchers...)
	if err != nil {
		return nil, err
	}
	r.breakers = breakers
	return r, nil
}

// Resolve maps requested names to searchers. Empty selects the default;
// names are case-insensitive and duplicates collapse.
func (r *Registry) Resolve(names []string) ([]Searcher, error) {
	if len(names) == 0 {
		return []Searcher{r.searchers[r.defaultName]}, nil
	}

	seen := make(map[string]bool, len(names))
	out := make([]Searcher, 0, len(names))
	for _, raw := range names {
		name := strings.ToLower(strings.TrimSpace(raw))
		if name == "" || seen[name] {
			continue
		}
		s, ok := r.searchers[name]
		if !ok {
			return nil, apperrors.NewInvalidParameterError("providers",
				fmt.Sprintf("unknown provider %q (available: %s)", raw, strings.Join(r.Names(), ", ")))
		}
		seen[name] = true
		out = append(out, s)
	}
	if len(out) == 0 {
		return []Searcher{r.searchers[r.defaultName]}, nil
	}
	return out, nil
}

// Names lists registered providers alphabetically
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.searchers))
	for name := range r.searchers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Default returns the name used when a request selects no provider
func (r *Registry) Default() string { return r.defaultName }

// BreakerStats reports each provider's circuit breaker, or nil when the
// registry was not built from config
func (r *Registry) BreakerStats() map[string]*circuitbreaker.Stats {
	if r.breakers == nil {
		return nil
	}
	return r.breakers.AllStats()
}
