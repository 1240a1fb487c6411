package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/harun/threadline/internal/observability"
	"github.com/harun/threadline/internal/tracing"
	"github.com/harun/threadline/pkg/turnerr"
)

const (
	DefaultMaxRetries = 3
	DefaultBaseDelay  = time.Second
)

// RetryPolicy re-attempts an operation that hit a transient conflict.
type RetryPolicy struct {
	// MaxRetries is the total number of attempts. Defaults to DefaultMaxRetries.
	MaxRetries int
	// BaseDelay is multiplied by the attempt number to get the wait after a conflict.
	BaseDelay time.Duration
	// Backend labels the retry metric.
	Backend string
	Logger  zerolog.Logger
}

func (p RetryPolicy) attempts() int {
	if p.MaxRetries <= 0 {
		return DefaultMaxRetries
	}
	return p.MaxRetries
}

func (p RetryPolicy) delay(attempt int) time.Duration {
	base := p.BaseDelay
	if base <= 0 {
		base = DefaultBaseDelay
	}
	return base * time.Duration(attempt)
}

// Run calls op until it succeeds, fails with anything other than a transient
// conflict, or MaxRetries attempts were made. attempt starts at 1.
func (p RetryPolicy) Run(ctx context.Context, op func(ctx context.Context, attempt int) error) error {
	logger := tracing.LoggerFromContext(ctx, p.Logger)
	maxAttempts := p.attempts()

	var last error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		last = op(ctx, attempt)
		if last == nil {
			return nil
		}
		if !errors.Is(last, turnerr.ErrTransientConflict) {
			return last
		}
		if attempt == maxAttempts {
			break
		}

		wait := p.delay(attempt)
		observability.RecordRunRetry(p.Backend)
		logger.Debug().Err(last).Int("attempt", attempt).Dur("wait", wait).Msg("Run conflicted, retrying")

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return turnerr.New(turnerr.KindRequestTimeout, "retry wait interrupted", ctx.Err())
		case <-timer.C:
		}
	}

	return turnerr.New(turnerr.KindRetryExhausted, fmt.Sprintf("gave up after %d attempts", maxAttempts), last)
}
