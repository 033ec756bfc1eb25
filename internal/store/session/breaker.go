package session

import (
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/traffic-tacos/profile-api/internal/metrics"
)

// ErrCircuitOpen is returned without touching Redis while the breaker is open
var ErrCircuitOpen = errors.New("circuit breaker is open, refusing session store call")

// BreakerState represents the current state of the circuit breaker
type BreakerState int

const (
	StateClosed BreakerState = iota
	StateOpen
	StateHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "CLOSED"
	}
}

// BreakerConfig tunes the breaker thresholds
type BreakerConfig struct {
	MaxFailures       int           // Open circuit after N consecutive failures
	ResetTimeout      time.Duration // Wait before trying half-open
	HalfOpenSuccesses int           // Required successes to close
}

// DefaultBreakerConfig opens after 5 failures and probes again after 10s
var DefaultBreakerConfig = BreakerConfig{
	MaxFailures:       5,
	ResetTimeout:      10 * time.Second,
	HalfOpenSuccesses: 3,
}

// CircuitBreaker fails session calls fast while Redis is unhealthy. It never retries.
type CircuitBreaker struct {
	name            string
	cfg             BreakerConfig
	logger          logrus.FieldLogger
	now             func() time.Time
	mu              sync.Mutex
	state           BreakerState
	failureCount    int
	successCount    int
	lastFailureTime time.Time
}

// NewCircuitBreaker creates a closed breaker
func NewCircuitBreaker(name string, cfg BreakerConfig, logger logrus.FieldLogger) *CircuitBreaker {
	return &CircuitBreaker{
		name:   name,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
		state:  StateClosed,
	}
}

// Execute runs fn unless the circuit is open
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if !cb.allow() {
		return ErrCircuitOpen
	}

	err := fn()

	cb.mu.Lock()
	defer cb.mu.Unlock()
	if err != nil {
		cb.onFailure(err)
		return err
	}
	cb.onSuccess()
	return nil
}

func (cb *CircuitBreaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state != StateOpen {
		return true
	}
	if cb.now().Sub(cb.lastFailureTime) <= cb.cfg.ResetTimeout {
		return false
	}
	cb.setState(StateHalfOpen)
	cb.successCount = 0
	cb.logger.WithField("breaker", cb.name).Info("Circuit breaker: OPEN → HALF_OPEN")
	return true
}

// onFailure handles a failed call; mu must be held
func (cb *CircuitBreaker) onFailure(err error) {
	cb.failureCount++
	cb.lastFailureTime = cb.now()

	switch cb.state {
	case StateClosed:
		if cb.failureCount >= cb.cfg.MaxFailures {
			cb.setState(StateOpen)
			cb.logger.WithFields(logrus.Fields{
				"breaker":       cb.name,
				"failure_count": cb.failureCount,
				"error":         err.Error(),
			}).Error("Circuit breaker: CLOSED → OPEN")
		}

	case StateHalfOpen:
		cb.setState(StateOpen)
		cb.failureCount = 0
		cb.logger.WithError(err).WithField("breaker", cb.name).Error("Circuit breaker: HALF_OPEN → OPEN")
	}
}

// onSuccess handles a successful call; mu must be held
func (cb *CircuitBreaker) onSuccess() {
	cb.successCount++

	switch cb.state {
	case StateClosed:
		cb.failureCount = 0

	case StateHalfOpen:
		if cb.successCount >= cb.cfg.HalfOpenSuccesses {
			cb.setState(StateClosed)
			cb.failureCount = 0
			cb.successCount = 0
			cb.logger.WithField("breaker", cb.name).Info("Circuit breaker: HALF_OPEN → CLOSED")
		}
	}
}

func (cb *CircuitBreaker) setState(state BreakerState) {
	cb.state = state
	metrics.SetCircuitBreakerState(cb.name, int(state))
}

// State returns the current circuit breaker state
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}
