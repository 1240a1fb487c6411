package runner

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/threadline/pkg/backend/backendtest"
	"github.com/harun/threadline/pkg/turnerr"
)

func conflict() error {
	return turnerr.New(turnerr.KindTransientConflict, "run active", nil)
}

func TestRetry_ExactlyMaxRetriesOnPersistentConflict(t *testing.T) {
	for _, n := range []int{1, 3, 5} {
		policy := RetryPolicy{MaxRetries: n, BaseDelay: time.Millisecond, Logger: zerolog.Nop()}

		calls := 0
		err := policy.Run(context.Background(), func(ctx context.Context, attempt int) error {
			calls++
			assert.Equal(t, calls, attempt)
			return conflict()
		})

		require.Error(t, err)
		assert.Equal(t, n, calls)
		assert.True(t, errors.Is(err, turnerr.ErrRetryExhausted))
		assert.True(t, errors.Is(err, turnerr.ErrTransientConflict), "last error must be kept")
	}
}

func TestRetry_LinearBackoff(t *testing.T) {
	policy := RetryPolicy{MaxRetries: 3, BaseDelay: 20 * time.Millisecond, Logger: zerolog.Nop()}

	var stamps []time.Time
	start := time.Now()
	_ = policy.Run(context.Background(), func(ctx context.Context, attempt int) error {
		stamps = append(stamps, time.Now())
		return conflict()
	})

	require.Len(t, stamps, 3)
	assert.GreaterOrEqual(t, stamps[1].Sub(stamps[0]), 20*time.Millisecond)
	assert.GreaterOrEqual(t, stamps[2].Sub(stamps[1]), 40*time.Millisecond)
	assert.GreaterOrEqual(t, time.Since(start), 60*time.Millisecond)
}

func TestRetry_OtherErrorsPropagateImmediately(t *testing.T) {
	errs := []error{
		turnerr.New(turnerr.KindPollTimeout, "slow", nil),
		turnerr.WithStatus(turnerr.KindBackendFailure, "failed", "run ended", nil),
		errors.New("plain"),
	}

	for _, want := range errs {
		calls := 0
		err := RetryPolicy{MaxRetries: 5, BaseDelay: time.Millisecond}.Run(context.Background(), func(ctx context.Context, attempt int) error {
			calls++
			return want
		})
		assert.Equal(t, 1, calls)
		assert.Same(t, want, err)
	}
}

func TestRetry_SucceedsAfterConflict(t *testing.T) {
	calls := 0
	err := RetryPolicy{MaxRetries: 3, BaseDelay: time.Millisecond}.Run(context.Background(), func(ctx context.Context, attempt int) error {
		calls++
		if attempt < 2 {
			return conflict()
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestRetry_ContextCancelledDuringWait(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	calls := 0
	err := RetryPolicy{MaxRetries: 5, BaseDelay: time.Second}.Run(ctx, func(ctx context.Context, attempt int) error {
		calls++
		return conflict()
	})
	assert.Equal(t, 1, calls)
	assert.True(t, errors.Is(err, turnerr.ErrRequestTimeout))
}

func TestRetry_Defaults(t *testing.T) {
	p := RetryPolicy{}
	assert.Equal(t, DefaultMaxRetries, p.attempts())
	assert.Equal(t, 2*DefaultBaseDelay, p.delay(2))
}

func TestRetry_WithExecutorClearsConflict(t *testing.T) {
	ctx := context.Background()
	fake := backendtest.New()
	sid := newSession(t, fake)

	_, err := fake.AppendTurn(ctx, sid, "other")
	require.NoError(t, err)
	_, err = fake.StartRun(ctx, sid)
	require.NoError(t, err)

	exec := newExecutor(fake, 5, time.Millisecond)
	policy := RetryPolicy{MaxRetries: 3, BaseDelay: time.Millisecond, Backend: fake.Family()}

	var res Result
	err = policy.Run(ctx, func(ctx context.Context, attempt int) error {
		if attempt == 2 {
			fake.Release(sid)
		}
		var err error
		res, err = exec.Run(ctx, sid, "hello")
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, "reply: hello", res.Content)
	assert.Equal(t, 1, fake.Calls().Conflicts)
}
