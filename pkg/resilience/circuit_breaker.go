package resilience

import (
	"errors"
	"sync"
	"time"

	"github.com/reliefops/triagecall/pkg/metrics"
)

// RateLimitError represents a provider rate limit response.
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

// IsRateLimit returns true when the error is a RateLimitError.
func IsRateLimit(err error) bool {
	var rl RateLimitError
	return errors.As(err, &rl)
}

// CircuitBreaker sheds requests to a vendor that keeps rate-limiting us.
// Only rate-limit errors count toward the trip threshold; a hard failure is
// the retry policy's problem, not a sign the vendor wants less traffic.
type CircuitBreaker struct {
	mu        sync.Mutex
	provider  string
	failures  int
	threshold int
	openUntil time.Time
	cooldown  time.Duration
	obs       metrics.Observer
}

func NewCircuitBreaker(threshold int, cooldown time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 3
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &CircuitBreaker{threshold: threshold, cooldown: cooldown, obs: metrics.NoopObserver{}}
}

// SetObserver tags breaker state changes with the provider name.
func (c *CircuitBreaker) SetObserver(obs metrics.Observer, provider string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if obs != nil {
		c.obs = obs
	}
	c.provider = provider
}

func (c *CircuitBreaker) Allow() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if time.Now().Before(c.openUntil) {
		c.emit(metrics.EventBreakerDenied)
		return false
	}
	return true
}

func (c *CircuitBreaker) OnSuccess() {
	c.mu.Lock()
	defer c.mu.Unlock()
	wasOpen := !c.openUntil.IsZero()
	c.failures = 0
	c.openUntil = time.Time{}
	if wasOpen {
		c.emit(metrics.EventBreakerClose)
	}
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
		c.emit(metrics.EventBreakerOpen)
	}
}

func (c *CircuitBreaker) emit(name string) {
	c.obs.RecordEvent(metrics.MetricsEvent{
		Name: name,
		Time: time.Now(),
		Tags: map[string]string{"provider": c.provider},
	})
}
