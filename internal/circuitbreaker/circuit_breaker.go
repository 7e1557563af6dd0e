// Package circuitbreaker stops calling a lead provider that keeps failing.
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/crm-prospector/internal/logging"
)

// State represents the circuit breaker state
type State string

const (
	// StateClosed means calls flow through
	StateClosed State = "closed"
	// StateOpen means calls are rejected until the timeout elapses
	StateOpen State = "open"
	// StateHalfOpen means a limited number of trial calls are allowed
	StateHalfOpen State = "half_open"
)

// ErrCircuitOpen is returned when the circuit breaker is open
var ErrCircuitOpen = errors.New("circuit breaker is open")

// ErrTooManyRequests is returned when the half-open trial budget is used up
var ErrTooManyRequests = errors.New("too many requests in half-open state")

// Config configures a circuit breaker
type Config struct {
	Name             string
	MaxFailures      int           // consecutive failures, or minimum calls before the rate applies
	FailureThreshold float64       // failure rate in [0,1] that opens the circuit
	Timeout          time.Duration // time spent open before trying half-open
	HalfOpenMaxCalls int           // trial calls allowed while half-open

	// IsFailure classifies call errors. Nil counts every non-nil error.
	IsFailure func(err error) bool
}

// DefaultConfig returns a default circuit breaker configuration
func DefaultConfig(name string) *Config {
	return &Config{
		Name:             name,
		MaxFailures:      5,
		FailureThreshold: 0.5,
		Timeout:          30 * time.Second,
		HalfOpenMaxCalls: 2,
	}
}

// CircuitBreaker implements the circuit breaker pattern
type CircuitBreaker struct {
	cfg Config
	now func() time.Time

	mu               sync.Mutex
	state            State
	failures         int
	successes        int
	totalCalls       int
	consecutiveFails int
	halfOpenInFlight int
	lastStateChange  time.Time
	lastFailureTime  time.Time
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(config *Config) *CircuitBreaker {
	if config == nil {
		config = DefaultConfig("default")
	}
	cfg := *config
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.HalfOpenMaxCalls <= 0 {
		cfg.HalfOpenMaxCalls = 1
	}
	return &CircuitBreaker{
		cfg:             cfg,
		now:             time.Now,
		state:           StateClosed,
		lastStateChange: time.Now(),
	}
}

// Execute runs fn unless the circuit is open
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := cb.beforeRequest(); err != nil {
		return err
	}

	err := fn(ctx)
	cb.afterRequest(err)
	return err
}

func (cb *CircuitBreaker) beforeRequest() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if cb.now().Sub(cb.lastStateChange) < cb.cfg.Timeout {
			return ErrCircuitOpen
		}
		cb.setState(StateHalfOpen)
		cb.resetCounters()
		logging.WithFields(map[string]interface{}{
			"circuitBreaker": cb.cfg.Name,
			"state":          StateHalfOpen,
		}).Info("Circuit breaker transitioning to half-open")
		fallthrough
	case StateHalfOpen:
		if cb.halfOpenInFlight >= cb.cfg.HalfOpenMaxCalls {
			return ErrTooManyRequests
		}
		cb.halfOpenInFlight++
	}
	return nil
}

func (cb *CircuitBreaker) afterRequest(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateHalfOpen && cb.halfOpenInFlight > 0 {
		cb.halfOpenInFlight--
	}
	cb.totalCalls++

	failed := err != nil
	if failed && cb.cfg.IsFailure != nil {
		failed = cb.cfg.IsFailure(err)
	}
	if failed {
		cb.onFailure()
	} else {
		cb.onSuccess()
	}
}

func (cb *CircuitBreaker) onSuccess() {
	cb.successes++
	cb.consecutiveFails = 0

	if cb.state == StateHalfOpen && cb.successes >= cb.cfg.HalfOpenMaxCalls {
		cb.setState(StateClosed)
		cb.resetCounters()
		logging.WithFields(map[string]interface{}{
			"circuitBreaker": cb.cfg.Name,
			"state":          StateClosed,
		}).Info("Circuit breaker closed after successful recovery")
	}
}

func (cb *CircuitBreaker) onFailure() {
	cb.failures++
	cb.consecutiveFails++
	cb.lastFailureTime = cb.now()

	switch cb.state {
	case StateClosed:
		if cb.shouldOpen() {
			cb.setState(StateOpen)
			logging.WithFields(map[string]interface{}{
				"circuitBreaker":   cb.cfg.Name,
				"failures":         cb.failures,
				"totalCalls":       cb.totalCalls,
				"consecutiveFails": cb.consecutiveFails,
			}).Warn("Circuit breaker opened due to failures")
		}
	case StateHalfOpen:
		cb.setState(StateOpen)
		logging.WithField("circuitBreaker", cb.cfg.Name).Warn("Circuit breaker reopened after failure in half-open state")
	}
}

func (cb *CircuitBreaker) shouldOpen() bool {
	if cb.consecutiveFails >= cb.cfg.MaxFailures {
		return true
	}
	if cb.totalCalls < cb.cfg.MaxFailures || cb.cfg.FailureThreshold <= 0 {
		return false
	}
	return float64(cb.failures)/float64(cb.totalCalls) >= cb.cfg.FailureThreshold
}

func (cb *CircuitBreaker) setState(state State) {
	cb.state = state
	cb.lastStateChange = cb.now()
}

func (cb *CircuitBreaker) resetCounters() {
	cb.failures = 0
	cb.successes = 0
	cb.totalCalls = 0
	cb.consecutiveFails = 0
	cb.halfOpenInFlight = 0
}

// GetState returns the current state of the circuit breaker
func (cb *CircuitBreaker) GetState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Stats represents circuit breaker statistics
type Stats struct {
	Name             string    `json:"name"`
	State            State     `json:"state"`
	Failures         int       `json:"failures"`
	Successes        int       `json:"successes"`
	TotalCalls       int       `json:"totalCalls"`
	ConsecutiveFails int       `json:"consecutiveFails"`
	LastFailureTime  time.Time `json:"lastFailureTime"`
	LastStateChange  time.Time `json:"lastStateChange"`
}

// GetStats returns statistics about the circuit breaker
func (cb *CircuitBreaker) GetStats() *Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return &Stats{
		Name:             cb.cfg.Name,
		State:            cb.state,
		Failures:         cb.failures,
		Successes:        cb.successes,
		TotalCalls:       cb.totalCalls,
		ConsecutiveFails: cb.consecutiveFails,
		LastFailureTime:  cb.lastFailureTime,
		LastStateChange:  cb.lastStateChange,
	}
}

// Reset manually resets the circuit breaker to closed state
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.setState(StateClosed)
	cb.resetCounters()
}

// Manager hands out one breaker per provider name
type Manager struct {
	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
	template Config
}

// NewManager creates a manager whose breakers copy template (Name is overwritten)
func NewManager(template *Config) *Manager {
	if template == nil {
		template = DefaultConfig("")
	}
	return &Manager{breakers: make(map[string]*CircuitBreaker), template: *template}
}

// GetOrCreate gets an existing circuit breaker or creates a new one
func (m *Manager) GetOrCreate(name string) *CircuitBreaker {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cb, ok := m.breakers[name]; ok {
		return cb
	}
	cfg := m.template
	cfg.Name = name
	cb := NewCircuitBreaker(&cfg)
	m.breakers[name] = cb
	return cb
}

// AllStats returns statistics for every breaker created so far
func (m *Manager) AllStats() map[string]*Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]*Stats, len(m.breakers))
	for name, cb := range m.breakers {
		out[name] = cb.GetStats()
	}
	return out
}
