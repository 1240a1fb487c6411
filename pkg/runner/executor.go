package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/harun/threadline/internal/observability"
	"github.com/harun/threadline/internal/tracing"
	"github.com/harun/threadline/pkg/backend"
	"github.com/harun/threadline/pkg/turnerr"
)

const (
	DefaultMaxAttempts  = 30
	DefaultPollInterval = time.Second
)

// AttemptStatus is the executor's view of a run attempt.
type AttemptStatus string

const (
	AttemptSubmitted  AttemptStatus = "submitted"
	AttemptInProgress AttemptStatus = "in_progress"
	AttemptCompleted  AttemptStatus = "completed"
	AttemptFailed     AttemptStatus = "failed"
	AttemptCancelled  AttemptStatus = "cancelled"
	AttemptExpired    AttemptStatus = "expired"
	AttemptTimedOut   AttemptStatus = "timed_out"
)

// Attempt describes one run on a session.
type Attempt struct {
	SessionID string
	RunID     string
	Status    AttemptStatus
	Polls     int
	StartedAt time.Time
}

// Result is the outcome of a completed run.
type Result struct {
	Attempt   Attempt
	MessageID string
	Content   string
}

// Options configures an Executor.
type Options struct {
	MaxAttempts  int
	PollInterval time.Duration
	Logger       zerolog.Logger
}

// Executor runs turns against one backend.
type Executor struct {
	client      backend.Client
	maxAttempts int
	interval    time.Duration
	logger      zerolog.Logger

	mu sync.Mutex
	// lastRun holds the most recent run started per session until it is seen terminal.
	lastRun map[string]string
	// unstarted holds turns appended to a session whose run could not be started.
	unstarted map[string]appendedTurn
}

type appendedTurn struct {
	input     string
	messageID string
}

func NewExecutor(client backend.Client, opts Options) *Executor {
	observability.EnsureRegistered()

	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	return &Executor{
		client:      client,
		maxAttempts: opts.MaxAttempts,
		interval:    opts.PollInterval,
		logger:      opts.Logger,
		lastRun:     make(map[string]string),
		unstarted:   make(map[string]appendedTurn),
	}
}

// Run appends input to the session, starts a run and waits for it to finish.
func (e *Executor) Run(ctx context.Context, sessionID, input string) (Result, error) {
	ctx, span := tracing.StartSpan(
		ctx,
		tracing.TracerRunner,
		"runner.run",
		attribute.String("backend", e.client.Family()),
		attribute.String("session_id", sessionID),
	)
	defer span.End()

	res, err := e.run(ctx, sessionID, input)
	if err != nil {
		tracing.RecordError(span, err)
	} else {
		span.SetAttributes(attribute.String("run_id", res.Attempt.RunID), attribute.Int("polls", res.Attempt.Polls))
	}
	return res, err
}

func (e *Executor) run(ctx context.Context, sessionID, input string) (Result, error) {
	logger := tracing.LoggerFromContext(ctx, e.logger).With().Str("session_id", sessionID).Logger()

	if err := e.checkPrevious(ctx, sessionID); err != nil {
		return Result{}, err
	}

	attempt := Attempt{SessionID: sessionID, Status: AttemptSubmitted, StartedAt: time.Now()}

	messageID, appended := e.pendingTurn(sessionID, input)
	if !appended {
		var err error
		messageID, err = e.client.AppendTurn(ctx, sessionID, input)
		if err != nil {
			return Result{}, submissionError("append turn", err)
		}
		e.setUnstarted(sessionID, appendedTurn{input: input, messageID: messageID})
	} else {
		logger.Debug().Str("message_id", messageID).Msg("Turn already appended, starting run only")
	}
	runID, err := e.client.StartRun(ctx, sessionID)
	if err != nil {
		return Result{}, submissionError("start run", err)
	}
	e.clearUnstarted(sessionID)
	attempt.RunID = runID
	attempt.Status = AttemptInProgress
	e.remember(sessionID, runID)
	logger = logger.With().Str("run_id", runID).Logger()
	logger.Debug().Msg("Run started")

	status, err := e.poll(ctx, &attempt)
	if err != nil {
		observability.RecordRun(e.client.Family(), string(attempt.Status), time.Since(attempt.StartedAt))
		logger.Warn().Err(err).Int("polls", attempt.Polls).Msg("Run did not complete")
		return Result{}, err
	}
	e.forget(sessionID, runID)
	observability.RecordRun(e.client.Family(), string(status), time.Since(attempt.StartedAt))

	if status != backend.StatusCompleted {
		attempt.Status = AttemptStatus(status)
		logger.Warn().Str("status", string(status)).Msg("Run ended without completing")
		return Result{}, turnerr.WithStatus(turnerr.KindBackendFailure, string(status), "run "+runID+" ended", nil)
	}
	attempt.Status = AttemptCompleted

	messages, err := e.client.ListMessages(ctx, sessionID)
	if err != nil {
		return Result{}, turnerr.WithStatus(turnerr.KindBackendFailure, string(status), "list messages", err)
	}
	reply, ok := backend.LatestAssistant(messages)
	if !ok {
		return Result{}, turnerr.WithStatus(turnerr.KindBackendFailure, string(status), "completed run has no assistant message", nil)
	}

	logger.Debug().Int("polls", attempt.Polls).Dur("duration", time.Since(attempt.StartedAt)).Msg("Run completed")
	return Result{Attempt: attempt, MessageID: messageID, Content: reply.Content}, nil
}

// poll waits for a terminal status, polling at most maxAttempts times with
// one interval after every poll, so a timeout takes maxAttempts intervals.
func (e *Executor) poll(ctx context.Context, attempt *Attempt) (backend.RunStatus, error) {
	for attempt.Polls < e.maxAttempts {
		status, err := e.client.PollRun(ctx, attempt.SessionID, attempt.RunID)
		attempt.Polls++
		observability.RecordRunPoll(e.client.Family())
		if err != nil {
			attempt.Status = AttemptFailed
			return "", turnerr.New(turnerr.KindBackendFailure, "poll run "+attempt.RunID, err)
		}
		if status.Terminal() {
			return status, nil
		}

		timer := time.NewTimer(e.interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			attempt.Status = AttemptTimedOut
			return "", turnerr.New(turnerr.KindRequestTimeout, "poll interrupted", ctx.Err())
		case <-timer.C:
		}
	}

	attempt.Status = AttemptTimedOut
	return "", turnerr.WithStatus(
		turnerr.KindPollTimeout,
		string(backend.StatusInProgress),
		fmt.Sprintf("run %s not finished after %d polls", attempt.RunID, attempt.Polls),
		nil,
	)
}

// checkPrevious refuses to touch a session whose previous run may still be
// active, e.g. after a poll timeout or a forced lease release.
func (e *Executor) checkPrevious(ctx context.Context, sessionID string) error {
	e.mu.Lock()
	runID, ok := e.lastRun[sessionID]
	e.mu.Unlock()
	if !ok {
		return nil
	}

	status, err := e.client.PollRun(ctx, sessionID, runID)
	observability.RecordRunPoll(e.client.Family())
	switch {
	case errors.Is(err, backend.ErrRunNotFound), errors.Is(err, backend.ErrSessionNotFound):
		e.forget(sessionID, runID)
		e.clearUnstarted(sessionID)
		return nil
	case err != nil:
		return turnerr.New(turnerr.KindBackendFailure, "check previous run "+runID, err)
	case !status.Terminal():
		return turnerr.WithStatus(turnerr.KindTransientConflict, string(status), "previous run "+runID+" still active", backend.ErrRunActive)
	}
	e.forget(sessionID, runID)
	return nil
}

func (e *Executor) remember(sessionID, runID string) {
	e.mu.Lock()
	e.lastRun[sessionID] = runID
	e.mu.Unlock()
}

// pendingTurn returns the message id of input when it was appended to the
// session by an earlier attempt whose run never started.
func (e *Executor) pendingTurn(sessionID, input string) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	turn, ok := e.unstarted[sessionID]
	if !ok || turn.input != input {
		return "", false
	}
	return turn.messageID, true
}

func (e *Executor) setUnstarted(sessionID string, turn appendedTurn) {
	e.mu.Lock()
	e.unstarted[sessionID] = turn
	e.mu.Unlock()
}

func (e *Executor) clearUnstarted(sessionID string) {
	e.mu.Lock()
	delete(e.unstarted, sessionID)
	e.mu.Unlock()
}

func (e *Executor) forget(sessionID, runID string) {
	e.mu.Lock()
	if e.lastRun[sessionID] == runID {
		delete(e.lastRun, sessionID)
	}
	e.mu.Unlock()
}

func submissionError(step string, err error) error {
	if errors.Is(err, backend.ErrRunActive) {
		return turnerr.WithStatus(turnerr.KindTransientConflict, string(backend.StatusInProgress), step, err)
	}
	return turnerr.WithStatus(turnerr.KindBackendFailure, string(AttemptFailed), step, err)
}
