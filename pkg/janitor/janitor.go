// Package janitor cleans up backend sessions the normal turn flow left behind.
//
// Ephemeral sessions whose delete failed are tracked and retried on a cron
// schedule until they are gone or MaxAttempts is reached. Sweep removes stored
// persistent sessions that no configured agent should keep.
package janitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/harun/threadline/internal/observability"
	"github.com/harun/threadline/pkg/backend"
	"github.com/harun/threadline/pkg/sessionstore"
)

const (
	DefaultSchedule    = "@every 5m"
	DefaultMaxAttempts = 5
	retryTimeout       = time.Minute
)

var scheduleParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ValidateSchedule reports whether expr is a usable schedule.
func ValidateSchedule(expr string) error {
	if _, err := scheduleParser.Parse(expr); err != nil {
		return fmt.Errorf("invalid cron expression: %w", err)
	}
	return nil
}

// Options configures a Janitor.
type Options struct {
	// Schedule is a five-field cron expression or descriptor such as "@every 5m".
	Schedule string
	// MaxAttempts bounds delete retries per orphan, counting the failed release.
	MaxAttempts int
	Logger      zerolog.Logger
}

type orphan struct {
	client   backend.Client
	id       string
	attempts int
	lastErr  error
}

// Janitor retries failed session deletes.
type Janitor struct {
	schedule    string
	maxAttempts int
	logger      zerolog.Logger

	mu      sync.Mutex
	orphans map[string]*orphan
	cron    *cron.Cron
}

func New(opts Options) *Janitor {
	observability.EnsureRegistered()

	if opts.Schedule == "" {
		opts.Schedule = DefaultSchedule
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	return &Janitor{
		schedule:    opts.Schedule,
		maxAttempts: opts.MaxAttempts,
		logger:      opts.Logger.With().Str("component", "janitor").Logger(),
		orphans:     make(map[string]*orphan),
	}
}

// Track registers a session whose delete failed. Its signature matches
// session.Options.OnReleaseFailed.
func (j *Janitor) Track(client backend.Client, sessionID string, err error) {
	key := client.Family() + ":" + sessionID

	j.mu.Lock()
	if o, ok := j.orphans[key]; ok {
		o.lastErr = err
	} else {
		j.orphans[key] = &orphan{client: client, id: sessionID, attempts: 1, lastErr: err}
	}
	n := len(j.orphans)
	j.mu.Unlock()

	observability.SetOrphanSessions(n)
	j.logger.Debug().Str("session_id", sessionID).Int("orphans", n).Msg("Tracking orphaned session")
}

// Pending returns the number of sessions waiting for a delete retry.
func (j *Janitor) Pending() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.orphans)
}

// RetryOrphans tries to delete every tracked session once and returns how many
// are gone.
func (j *Janitor) RetryOrphans(ctx context.Context) int {
	j.mu.Lock()
	batch := make(map[string]*orphan, len(j.orphans))
	for k, o := range j.orphans {
		batch[k] = o
	}
	j.mu.Unlock()

	deleted := 0
	for key, o := range batch {
		err := o.client.DeleteSession(ctx, o.id)
		logger := j.logger.With().Str("session_id", o.id).Logger()

		j.mu.Lock()
		switch {
		case err == nil || errors.Is(err, backend.ErrSessionNotFound):
			delete(j.orphans, key)
			deleted++
			logger.Info().Msg("Orphaned session deleted")
		default:
			o.attempts++
			o.lastErr = err
			if o.attempts >= j.maxAttempts {
				delete(j.orphans, key)
				logger.Error().Err(err).Int("attempts", o.attempts).Msg("Giving up on orphaned session")
			} else {
				logger.Warn().Err(err).Int("attempts", o.attempts).Msg("Orphaned session delete failed")
			}
		}
		j.mu.Unlock()
	}

	observability.SetOrphanSessions(j.Pending())
	return deleted
}

// Start runs RetryOrphans on the configured schedule.
func (j *Janitor) Start() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.cron != nil {
		return nil
	}

	c := cron.New(cron.WithParser(scheduleParser))
	if _, err := c.AddFunc(j.schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), retryTimeout)
		defer cancel()
		j.RetryOrphans(ctx)
	}); err != nil {
		return fmt.Errorf("invalid cron expression: %w", err)
	}
	c.Start()
	j.cron = c

	j.logger.Info().Str("schedule", j.schedule).Msg("Janitor started")
	return nil
}

// Stop halts the schedule and waits for a running retry to finish or ctx to end.
func (j *Janitor) Stop(ctx context.Context) error {
	j.mu.Lock()
	c := j.cron
	j.cron = nil
	j.mu.Unlock()
	if c == nil {
		return nil
	}

	select {
	case <-c.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Resolver returns the backend client owning an agent's sessions.
type Resolver func(agent string) (backend.Client, bool)

// SweepReport lists what Sweep did per agent name.
type SweepReport struct {
	Deleted []string
	Kept    []string
	// Failed maps agent names to the delete error; their mappings are kept.
	Failed map[string]error
}

// Sweep deletes every stored session whose agent is not in keep. Mappings of
// agents the resolver does not know are dropped without a backend call.
func Sweep(ctx context.Context, store sessionstore.Store, resolve Resolver, keep []string, logger zerolog.Logger) (SweepReport, error) {
	report := SweepReport{Failed: make(map[string]error)}

	all, err := store.List(ctx)
	if err != nil {
		return report, err
	}

	keepSet := make(map[string]struct{}, len(keep))
	for _, name := range keep {
		keepSet[name] = struct{}{}
	}

	for name, id := range all {
		if _, ok := keepSet[name]; ok {
			report.Kept = append(report.Kept, name)
			continue
		}

		if client, ok := resolve(name); ok {
			if err := client.DeleteSession(ctx, id); err != nil && !errors.Is(err, backend.ErrSessionNotFound) {
				report.Failed[name] = err
				logger.Warn().Err(err).Str("agent", name).Str("session_id", id).Msg("Failed to delete stored session")
				continue
			}
		} else {
			logger.Warn().Str("agent", name).Str("session_id", id).Msg("No backend for stored session, dropping mapping only")
		}

		if err := store.Delete(ctx, name); err != nil {
			report.Failed[name] = err
			continue
		}
		report.Deleted = append(report.Deleted, name)
		logger.Info().Str("agent", name).Str("session_id", id).Msg("Stored session swept")
	}

	return report, nil
}
