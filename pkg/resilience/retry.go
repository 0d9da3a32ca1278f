package resilience

import "time"

// RetryPolicy retries transient collaborator failures with a fixed backoff.
// Call loops keep the retry count at one: a caller waiting on the line
// cannot absorb a long backoff ladder.
type RetryPolicy struct {
	MaxRetries int
	Backoff    time.Duration
}

func NewRetryPolicy(maxRetries int, backoff time.Duration) RetryPolicy {
	if maxRetries <= 0 {
		maxRetries = 1
	}
	if backoff <= 0 {
		backoff = 200 * time.Millisecond
	}
	return RetryPolicy{MaxRetries: maxRetries, Backoff: backoff}
}

// Do runs fn up to MaxRetries+1 times, returning the last error.
func (r RetryPolicy) Do(fn func() error) error {
	var err error
	for attempt := 0; ; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt == r.MaxRetries {
			return err
		}
		time.Sleep(r.Backoff)
	}
}
