package resilience

import (
	"errors"
	"testing"
	"time"
)

func TestRetryPolicyStopsAfterMaxRetries(t *testing.T) {
	p := NewRetryPolicy(2, time.Millisecond)
	calls := 0
	err := p.Do(func() error {
		calls++
		return errors.New("transient")
	})
	if err == nil {
		t.Fatalf("expected error")
	}
	if calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
}

func TestCircuitBreakerOpensOnRateLimit(t *testing.T) {
	cb := NewCircuitBreaker(2, time.Minute)
	cb.OnError(RateLimitError{Provider: "stt"})
	if !cb.Allow() {
		t.Fatalf("breaker should stay closed below threshold")
	}
	cb.OnError(RateLimitError{Provider: "stt"})
	if cb.Allow() {
		t.Fatalf("breaker should open at threshold")
	}
	cb.OnSuccess()
	if !cb.Allow() {
		t.Fatalf("breaker should close on success")
	}
}

func TestCircuitBreakerIgnoresOtherErrors(t *testing.T) {
	cb := NewCircuitBreaker(1, time.Minute)
	cb.OnError(errors.New("not a rate limit"))
	if !cb.Allow() {
		t.Fatalf("non rate-limit errors must not trip the breaker")
	}
}
