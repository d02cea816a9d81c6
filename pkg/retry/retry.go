// Package retry drives bounded retry loops around transactional operations
// against any backend that answers with a response code. It is independent
// of the protocol engine and usable by any client in the harness.
package retry

import (
	"context"
	"time"
)

// Status is the terminal or in-flight state of one logical transaction.
type Status int

const (
	StatusPending Status = iota
	StatusRetrying
	StatusSuccess
	StatusExhausted
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusRetrying:
		return "retrying"
	case StatusSuccess:
		return "success"
	case StatusExhausted:
		return "exhausted"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Response is anything carrying a protocol response code.
type Response interface {
	ResponseCode() string
}

// Attempt records one invocation of the operation.
type Attempt struct {
	Number int
	Code   string
	Err    error
	Delay  time.Duration // delay waited before this attempt; zero for the first
}

// RetryContext is the per-transaction history, discarded after a terminal
// status is reached. It is handed to the OnFinish listener for observability.
type RetryContext struct {
	Attempts []Attempt
	Status   Status
}

// Listener receives retry lifecycle callbacks. All fields are optional and
// must never be used for control flow.
type Listener struct {
	OnStart   func()
	OnRetry   func(attempt int, delay time.Duration, cause error)
	OnSuccess func(attempts int)
	OnFinish  func(rc *RetryContext)
}

// Result is the outcome delivered by the asynchronous variant.
type Result[T Response] struct {
	Response T
	Err      error
}

// Do invokes op until it succeeds, fails terminally, or the policy is
// exhausted. The final response or error is always the real outcome of the
// last attempt, never synthesized.
func Do[R any, T Response](ctx context.Context, req R, op func(context.Context, R) (T, error), policy Policy, listeners ...Listener) (T, error) {
	rc := &RetryContext{Status: StatusPending}
	for _, l := range listeners {
		if l.OnStart != nil {
			l.OnStart()
		}
	}

	var resp T
	var err error
	var delay time.Duration

	for attempt := 0; ; attempt++ {
		resp, err = op(ctx, req)

		record := Attempt{Number: attempt + 1, Err: err, Delay: delay}
		if err == nil {
			record.Code = resp.ResponseCode()
		}
		rc.Attempts = append(rc.Attempts, record)

		retryable := false
		var cause error
		switch {
		case err != nil:
			if policy.retryableError(err) {
				retryable = true
				cause = err
			}
		case policy.retryableCode(resp.ResponseCode()):
			retryable = true
		}

		if !retryable {
			if err != nil {
				rc.Status = StatusFailed
			} else {
				rc.Status = StatusSuccess
				for _, l := range listeners {
					if l.OnSuccess != nil {
						l.OnSuccess(attempt + 1)
					}
				}
			}
			finish(rc, listeners)
			return resp, err
		}

		if attempt >= policy.MaxRetries {
			rc.Status = StatusExhausted
			finish(rc, listeners)
			return resp, err
		}

		rc.Status = StatusRetrying
		delay = policy.Delay(attempt + 1)
		for _, l := range listeners {
			if l.OnRetry != nil {
				l.OnRetry(attempt+1, delay, cause)
			}
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			rc.Status = StatusFailed
			finish(rc, listeners)
			return resp, ctx.Err()
		case <-timer.C:
		}
	}
}

// Go runs Do on its own goroutine and delivers the outcome on the returned
// channel, which is closed after the single send.
func Go[R any, T Response](ctx context.Context, req R, op func(context.Context, R) (T, error), policy Policy, listeners ...Listener) <-chan Result[T] {
	out := make(chan Result[T], 1)
	go func() {
		defer close(out)
		resp, err := Do(ctx, req, op, policy, listeners...)
		out <- Result[T]{Response: resp, Err: err}
	}()
	return out
}

func finish(rc *RetryContext, listeners []Listener) {
	for _, l := range listeners {
		if l.OnFinish != nil {
			l.OnFinish(rc)
		}
	}
}
