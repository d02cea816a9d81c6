package retry

import (
	"errors"
	"math/rand"
	"net"
	"time"
)

// Policy controls how a transactional operation is retried. The zero value
// never retries; DefaultPolicy is the usual starting point.
type Policy struct {
	MaxRetries         int
	InitialDelay       time.Duration
	MaxDelay           time.Duration
	BackoffMultiplier  float64
	ExponentialBackoff bool
	// JitterFactor spreads each delay uniformly across
	// [delay*(1-j), delay*(1+j)]. Zero disables jitter.
	JitterFactor float64

	// RetryableResponseCodes marks response codes that should be retried
	// even though the operation itself did not fail.
	RetryableResponseCodes map[string]bool

	// RetryableError classifies failures. Nil falls back to treating
	// network timeouts as retryable and everything else as terminal.
	RetryableError func(error) bool
}

// DefaultPolicy retries up to three times with exponential backoff from
// 100ms, treating the conventional "system malfunction" and "issuer
// inoperative" response codes as transient.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:         3,
		InitialDelay:       100 * time.Millisecond,
		MaxDelay:           5 * time.Second,
		BackoffMultiplier:  2.0,
		ExponentialBackoff: true,
		RetryableResponseCodes: map[string]bool{
			"91": true,
			"96": true,
		},
	}
}

// Delay computes the wait before the given retry attempt (1-based).
func (p Policy) Delay(attempt int) time.Duration {
	delay := p.InitialDelay
	if p.ExponentialBackoff {
		for i := 1; i < attempt; i++ {
			delay = time.Duration(float64(delay) * p.BackoffMultiplier)
			if p.MaxDelay > 0 && delay >= p.MaxDelay {
				delay = p.MaxDelay
				break
			}
		}
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	if p.JitterFactor > 0 {
		spread := 1 - p.JitterFactor + 2*p.JitterFactor*rand.Float64()
		delay = time.Duration(float64(delay) * spread)
	}
	return delay
}

func (p Policy) retryableCode(code string) bool {
	return p.RetryableResponseCodes[code]
}

func (p Policy) retryableError(err error) bool {
	if p.RetryableError != nil {
		return p.RetryableError(err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}
