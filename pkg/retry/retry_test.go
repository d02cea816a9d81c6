package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// scriptedResponse is the minimal Response used by the tests.
type scriptedResponse struct {
	code string
}

func (r scriptedResponse) ResponseCode() string { return r.code }

// scriptedOp returns the configured codes/errors in order, then repeats the
// last entry. It counts invocations.
type scriptedOp struct {
	codes []string
	errs  []error
	calls int
}

func (s *scriptedOp) run(_ context.Context, _ string) (scriptedResponse, error) {
	i := s.calls
	s.calls++
	if i >= len(s.codes) {
		i = len(s.codes) - 1
	}
	var err error
	if i < len(s.errs) {
		err = s.errs[i]
	}
	return scriptedResponse{code: s.codes[i]}, err
}

func fastPolicy(maxRetries int) Policy {
	p := DefaultPolicy()
	p.MaxRetries = maxRetries
	p.InitialDelay = time.Millisecond
	return p
}

func TestDo_SucceedsAfterTransientCodes(t *testing.T) {
	op := &scriptedOp{codes: []string{"96", "96", "00"}}

	resp, err := Do(context.Background(), "txn", op.run, fastPolicy(3))
	require.NoError(t, err)
	require.Equal(t, "00", resp.ResponseCode())
	require.Equal(t, 3, op.calls)
}

func TestDo_ExhaustionReturnsLastRealOutcome(t *testing.T) {
	op := &scriptedOp{codes: []string{"96"}}

	var finished *RetryContext
	listener := Listener{OnFinish: func(rc *RetryContext) { finished = rc }}

	resp, err := Do(context.Background(), "txn", op.run, fastPolicy(3), listener)
	require.NoError(t, err, "a declined-but-delivered outcome is not an error")
	require.Equal(t, "96", resp.ResponseCode(), "the final attempt's code must come back unchanged")
	require.Equal(t, 4, op.calls, "maxRetries of 3 means four invocations")

	require.NotNil(t, finished)
	require.Equal(t, StatusExhausted, finished.Status)
	require.Len(t, finished.Attempts, 4)
}

func TestDo_NonRetryableCodeStopsImmediately(t *testing.T) {
	op := &scriptedOp{codes: []string{"05"}}

	resp, err := Do(context.Background(), "txn", op.run, fastPolicy(3))
	require.NoError(t, err)
	require.Equal(t, "05", resp.ResponseCode())
	require.Equal(t, 1, op.calls)
}

func TestDo_ErrorClassification(t *testing.T) {
	transient := errors.New("connection reset")
	fatal := errors.New("bad request")

	policy := fastPolicy(3)
	policy.RetryableError = func(err error) bool { return errors.Is(err, transient) }

	t.Run("Retryable Error", func(t *testing.T) {
		op := &scriptedOp{codes: []string{"", "", "00"}, errs: []error{transient, transient, nil}}
		resp, err := Do(context.Background(), "txn", op.run, policy)
		require.NoError(t, err)
		require.Equal(t, "00", resp.ResponseCode())
		require.Equal(t, 3, op.calls)
	})

	t.Run("Terminal Error", func(t *testing.T) {
		op := &scriptedOp{codes: []string{""}, errs: []error{fatal}}
		var finished *RetryContext
		_, err := Do(context.Background(), "txn", op.run, policy,
			Listener{OnFinish: func(rc *RetryContext) { finished = rc }})
		require.ErrorIs(t, err, fatal)
		require.Equal(t, 1, op.calls)
		require.Equal(t, StatusFailed, finished.Status)
	})
}

func TestDo_ListenerCallbacks(t *testing.T) {
	op := &scriptedOp{codes: []string{"91", "00"}}

	var started, retried, succeededWith int
	listener := Listener{
		OnStart:   func() { started++ },
		OnRetry:   func(attempt int, delay time.Duration, cause error) { retried++ },
		OnSuccess: func(attempts int) { succeededWith = attempts },
	}

	_, err := Do(context.Background(), "txn", op.run, fastPolicy(3), listener)
	require.NoError(t, err)
	require.Equal(t, 1, started)
	require.Equal(t, 1, retried)
	require.Equal(t, 2, succeededWith)
}

func TestDo_ContextCancelDuringBackoff(t *testing.T) {
	op := &scriptedOp{codes: []string{"96"}}

	policy := fastPolicy(5)
	policy.InitialDelay = time.Minute

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := Do(ctx, "txn", op.run, policy)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, op.calls)
}

func TestGo_DeliversResultAsynchronously(t *testing.T) {
	op := &scriptedOp{codes: []string{"00"}}

	select {
	case result := <-Go(context.Background(), "txn", op.run, fastPolicy(3)):
		require.NoError(t, result.Err)
		require.Equal(t, "00", result.Response.ResponseCode())
	case <-time.After(5 * time.Second):
		t.Fatal("no result delivered")
	}
}

func TestPolicy_DelaySchedule(t *testing.T) {
	p := Policy{
		MaxRetries:         5,
		InitialDelay:       100 * time.Millisecond,
		MaxDelay:           5 * time.Second,
		BackoffMultiplier:  2.0,
		ExponentialBackoff: true,
	}

	require.Equal(t, 100*time.Millisecond, p.Delay(1))
	require.Equal(t, 200*time.Millisecond, p.Delay(2))
	require.Equal(t, 400*time.Millisecond, p.Delay(3))

	p.MaxDelay = 250 * time.Millisecond
	require.Equal(t, 250*time.Millisecond, p.Delay(3), "the cap bounds the exponential curve")
}

func TestPolicy_DelayWithoutBackoff(t *testing.T) {
	p := Policy{InitialDelay: 50 * time.Millisecond}
	require.Equal(t, 50*time.Millisecond, p.Delay(1))
	require.Equal(t, 50*time.Millisecond, p.Delay(4))
}

func TestPolicy_Jitter(t *testing.T) {
	p := Policy{InitialDelay: 100 * time.Millisecond, JitterFactor: 0.2}

	for i := 0; i < 50; i++ {
		d := p.Delay(1)
		require.GreaterOrEqual(t, d, 80*time.Millisecond)
		require.LessOrEqual(t, d, 120*time.Millisecond)
	}
}

func TestDo_AttemptHistoryRecordsDelays(t *testing.T) {
	op := &scriptedOp{codes: []string{"96", "96", "00"}}

	var finished *RetryContext
	_, err := Do(context.Background(), "txn", op.run, fastPolicy(3),
		Listener{OnFinish: func(rc *RetryContext) { finished = rc }})
	require.NoError(t, err)

	require.Len(t, finished.Attempts, 3)
	require.Zero(t, finished.Attempts[0].Delay, "the first attempt never waits")
	require.NotZero(t, finished.Attempts[1].Delay)
	require.Equal(t, StatusSuccess, finished.Status)
	require.Equal(t, []string{"96", "96", "00"},
		[]string{finished.Attempts[0].Code, finished.Attempts[1].Code, finished.Attempts[2].Code})
}
