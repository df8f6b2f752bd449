package resilience

import (
	"errors"
	"sync"
	"time"
)

// RateLimitError marks a provider 429. Retry policies back off on it
// and circuit breakers count it toward tripping.
type RateLimitError struct {
	Provider string
	Message  string
}

func (e RateLimitError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return "rate limit"
}

func IsRateLimit(err error) bool {
	var rl RateLimitError
	return errors.As(err, &rl)
}

// CircuitBreaker trips after threshold consecutive rate-limit errors
// and stays open for the cooldown. Non-rate-limit errors never trip
// it; a provider outage surfaces to the caller instead of being masked
// by an open breaker.
type CircuitBreaker struct {
	mu        sync.Mutex
	failures  int
	threshold int
	openUntil time.Time
	cooldown  time.Duration
}

func NewCircuitBreaker(threshold int, cooldown time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 3
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &CircuitBreaker{threshold: threshold, cooldown: cooldown}
}

// Allow reports whether a request may proceed.
func (c *CircuitBreaker) Allow() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !time.Now().Before(c.openUntil)
}

// RetryAfter returns how long until the breaker closes again; zero
// when it is already closed.
func (c *CircuitBreaker) RetryAfter() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d := time.Until(c.openUntil); d > 0 {
		return d
	}
	return 0
}

func (c *CircuitBreaker) OnSuccess() {
	c.mu.Lock()
	c.failures = 0
	c.openUntil = time.Time{}
	c.mu.Unlock()
}

func (c *CircuitBreaker) OnError(err error) {
	if !IsRateLimit(err) {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures++
	if c.failures >= c.threshold {
		c.openUntil = time.Now().Add(c.cooldown)
	}
}
