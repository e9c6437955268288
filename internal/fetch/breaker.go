package fetch

import (
	"sync"
	"time"
)

// BreakerConfig holds circuit breaker settings for the origin.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before the circuit opens
	FailureThreshold int
	// SuccessThreshold is the number of successes needed to close a half-open circuit
	SuccessThreshold int
	// Cooldown is how long an open circuit rejects fetches before probing again
	Cooldown time.Duration
}

// DefaultBreakerConfig returns the breaker settings used by the edge server.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Cooldown:         30 * time.Second,
	}
}

// breaker fails fetches fast while the origin is unreachable, so offline
// fallbacks are served without waiting for a dial timeout on every request.
type breaker struct {
	mu               sync.Mutex
	state            circuitState
	failures         int
	successes        int
	failureThreshold int
	successThreshold int
	cooldown         time.Duration
	lastFailure      time.Time
	now              func() time.Time
}

type circuitState int

const (
	circuitClosed circuitState = iota
	circuitOpen
	circuitHalfOpen
)

func (s circuitState) String() string {
	switch s {
	case circuitClosed:
		return "closed"
	case circuitOpen:
		return "open"
	case circuitHalfOpen:
		return "half-open"
	}
	return "unknown"
}

func newBreaker(cfg BreakerConfig) *breaker {
	d := DefaultBreakerConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = d.FailureThreshold
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = d.SuccessThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = d.Cooldown
	}
	return &breaker{
		failureThreshold: cfg.FailureThreshold,
		successThreshold: cfg.SuccessThreshold,
		cooldown:         cfg.Cooldown,
		now:              time.Now,
	}
}

// Allow reports whether a fetch may go to the origin.
func (b *breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == circuitOpen {
		if b.now().Sub(b.lastFailure) < b.cooldown {
			return false
		}
		b.state = circuitHalfOpen
		b.successes = 0
	}
	return true
}

func (b *breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case circuitHalfOpen:
		b.successes++
		if b.successes >= b.successThreshold {
			b.state = circuitClosed
			b.failures = 0
		}
	case circuitClosed:
		b.failures = 0
	}
}

func (b *breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.lastFailure = b.now()

	switch b.state {
	case circuitClosed:
		if b.failures >= b.failureThreshold {
			b.state = circuitOpen
		}
	case circuitHalfOpen:
		b.state = circuitOpen
		b.successes = 0
	}
}

func (b *breaker) State() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state.String()
}
