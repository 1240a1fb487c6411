package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/harun/threadline/internal/observability"
	"github.com/harun/threadline/internal/tracing"
	"github.com/harun/threadline/pkg/backend"
	"github.com/harun/threadline/pkg/guard"
	"github.com/harun/threadline/pkg/parser"
	"github.com/harun/threadline/pkg/runner"
	"github.com/harun/threadline/pkg/session"
	"github.com/harun/threadline/pkg/sessionstore"
	"github.com/harun/threadline/pkg/taskqueue"
	"github.com/harun/threadline/pkg/transcript"
	"github.com/harun/threadline/pkg/turnerr"
)

const (
	queueName             = "turns"
	defaultReleaseTimeout = 30 * time.Second
)

// Options configures an Orchestrator. Zero values fall back to package defaults.
type Options struct {
	Store    sessionstore.Store
	Recorder transcript.Recorder
	Logger   zerolog.Logger

	BatchSize      int
	RequestTimeout time.Duration

	MaxAttempts    int
	PollInterval   time.Duration
	MaxRetries     int
	RetryBaseDelay time.Duration
	LeaseTTL       time.Duration

	// ReleaseTimeout bounds the ephemeral session delete after a turn.
	ReleaseTimeout time.Duration
	// OnReleaseFailed receives ephemeral sessions that could not be deleted.
	OnReleaseFailed func(client backend.Client, sessionID string, err error)
}

// Request is one turn for an agent.
type Request struct {
	Agent      string
	Persistent bool
	Input      string
	// Context is appended to the input as indented JSON.
	Context map[string]any
}

// Reply is the outcome of a successful turn.
type Reply struct {
	Agent     string
	SessionID string
	RunID     string
	Raw       string
	Result    parser.Result
	// Fallback is set when Raw could not be decoded and Result wraps it verbatim.
	Fallback bool
	Duration time.Duration
}

type agentRuntime struct {
	agent    Agent
	manager  *session.Manager
	executor *runner.Executor
	retry    runner.RetryPolicy
}

// Orchestrator serializes turns per session and runs them in batches.
type Orchestrator struct {
	opts     Options
	store    sessionstore.Store
	recorder transcript.Recorder
	logger   zerolog.Logger
	guard    *guard.Guard
	agents   *registry
	queue    *taskqueue.Queue[Request, Reply]
}

func New(opts Options) *Orchestrator {
	observability.EnsureRegistered()

	if opts.Store == nil {
		opts.Store = sessionstore.NewMemory()
	}
	if opts.Recorder == nil {
		opts.Recorder = transcript.Discard{}
	}
	if opts.ReleaseTimeout <= 0 {
		opts.ReleaseTimeout = defaultReleaseTimeout
	}

	o := &Orchestrator{
		opts:     opts,
		store:    opts.Store,
		recorder: opts.Recorder,
		logger:   opts.Logger,
		guard:    guard.New(guard.Options{TTL: opts.LeaseTTL, Logger: opts.Logger}),
		agents:   newRegistry(),
	}
	o.queue = taskqueue.New(o.process, taskqueue.Options{
		Name:           queueName,
		BatchSize:      opts.BatchSize,
		RequestTimeout: opts.RequestTimeout,
		Logger:         opts.Logger,
	})
	return o
}

// Register adds an agent. Names are unique.
func (o *Orchestrator) Register(agent Agent) error {
	if err := agent.Validate(); err != nil {
		return fmt.Errorf("invalid agent: %w", err)
	}
	if agent.DisplayName == "" {
		agent.DisplayName = agent.Name
	}

	logger := o.logger.With().Str("agent", agent.Name).Str("backend", agent.Client.Family()).Logger()
	rt := &agentRuntime{
		agent: agent,
		manager: session.NewManager(agent.Client, session.Options{
			Store:           o.store,
			Logger:          logger,
			OnReleaseFailed: o.opts.OnReleaseFailed,
		}),
		executor: runner.NewExecutor(agent.Client, runner.Options{
			MaxAttempts:  o.opts.MaxAttempts,
			PollInterval: o.opts.PollInterval,
			Logger:       logger,
		}),
		retry: runner.RetryPolicy{
			MaxRetries: o.opts.MaxRetries,
			BaseDelay:  o.opts.RetryBaseDelay,
			Backend:    agent.Client.Family(),
			Logger:     logger,
		},
	}
	if err := o.agents.register(agent.Name, rt); err != nil {
		return err
	}
	logger.Debug().Bool("persistent", agent.Persistent).Msg("Agent registered")
	return nil
}

// Agents returns the registered agent names, sorted.
func (o *Orchestrator) Agents() []string {
	return o.agents.names()
}

// Agent returns a registered agent definition.
func (o *Orchestrator) Agent(name string) (Agent, bool) {
	rt, err := o.agents.get(name)
	if err != nil {
		return Agent{}, false
	}
	return rt.agent, true
}

// Client returns the backend client of a registered agent.
func (o *Orchestrator) Client(name string) (backend.Client, bool) {
	rt, err := o.agents.get(name)
	if err != nil {
		return nil, false
	}
	return rt.agent.Client, true
}

// Submit runs input as a turn of agent and returns the parsed reply.
func (o *Orchestrator) Submit(ctx context.Context, agent string, persistent bool, input string) (parser.Result, error) {
	reply, err := o.SubmitRequest(ctx, Request{Agent: agent, Persistent: persistent, Input: input})
	if err != nil {
		return nil, err
	}
	return reply.Result, nil
}

// SubmitRequest queues req and waits for its reply. Errors are
// *turnerr.Error values, or wrap ErrUnknownAgent or taskqueue.ErrClosed.
func (o *Orchestrator) SubmitRequest(ctx context.Context, req Request) (Reply, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = tracing.NewRequestContext(tracing.WithAgent(ctx, req.Agent))
	start := time.Now()

	reply, err := o.queue.Submit(ctx, req)
	observability.RecordSubmit(req.Agent, outcome(err), time.Since(start))
	if err != nil {
		logger := tracing.LoggerFromContext(ctx, o.logger)
		logger.Warn().
			Err(err).
			Str("kind", string(turnerr.KindOf(err))).
			Dur("duration", time.Since(start)).
			Msg("Turn failed")
	}
	return reply, err
}

// process is the queue handler for one turn.
func (o *Orchestrator) process(ctx context.Context, req Request) (Reply, error) {
	start := time.Now()
	rt, err := o.agents.get(req.Agent)
	if err != nil {
		return Reply{}, err
	}

	ctx, span := tracing.StartSpan(
		ctx,
		tracing.TracerOrchestrator,
		"orchestrator.turn",
		attribute.String("agent", req.Agent),
		attribute.Bool("persistent", req.Persistent),
	)
	defer span.End()

	input, err := ComposeInput(req.Input, req.Context)
	if err != nil {
		tracing.RecordError(span, err)
		return Reply{}, err
	}

	sess, err := rt.manager.Get(ctx, req.Agent, req.Persistent)
	if err != nil {
		tracing.RecordError(span, err)
		return Reply{}, err
	}
	ctx = tracing.WithSessionID(ctx, sess.ExternalID)
	logger := tracing.LoggerFromContext(ctx, o.logger)
	defer o.release(ctx, rt, sess)

	lease, err := o.guard.Acquire(ctx, leaseKey(rt.agent.Client, sess.ExternalID))
	if err != nil {
		err = turnerr.New(turnerr.KindRequestTimeout, "waiting for session lease", err)
		tracing.RecordError(span, err)
		return Reply{}, err
	}
	defer o.guard.Release(lease)

	var res runner.Result
	err = rt.retry.Run(ctx, func(ctx context.Context, attempt int) error {
		var err error
		res, err = rt.executor.Run(ctx, sess.ExternalID, input)
		return err
	})
	if err != nil {
		if sess.Persistent && errors.Is(err, backend.ErrSessionNotFound) {
			if ferr := rt.manager.Forget(ctx, req.Agent, sess.ExternalID); ferr != nil {
				logger.Warn().Err(ferr).Msg("Failed to forget stale session")
			}
		}
		tracing.RecordError(span, err)
		return Reply{}, err
	}

	o.record(ctx, transcript.Record{
		Agent:      req.Agent,
		SessionID:  sess.ExternalID,
		Persistent: sess.Persistent,
		MessageID:  res.MessageID,
		RunID:      res.Attempt.RunID,
		Input:      input,
		Output:     res.Content,
		StartedAt:  start,
		FinishedAt: time.Now(),
	})

	reply := Reply{
		Agent:     req.Agent,
		SessionID: sess.ExternalID,
		RunID:     res.Attempt.RunID,
		Raw:       res.Content,
	}
	result, perr := parser.Decode(res.Content)
	if perr != nil {
		observability.RecordParserFallback(req.Agent)
		logger.Debug().Err(perr).Msg("Reply is not structured, returning it labeled")
		result = parser.Fallback(res.Content, rt.agent.DisplayName)
		reply.Fallback = true
	} else if issues := parser.CheckShape(result); len(issues) > 0 {
		logger.Debug().Strs("issues", issues).Msg("Reply entries do not match the expected shape")
	}
	reply.Result = result
	reply.Duration = time.Since(start)

	logger.Info().
		Str("run_id", reply.RunID).
		Int("entries", len(result)).
		Dur("duration", reply.Duration).
		Msg("Turn completed")
	return reply, nil
}

func (o *Orchestrator) release(ctx context.Context, rt *agentRuntime, sess session.Session) {
	if sess.Persistent {
		return
	}
	ctx, cancel := context.WithTimeout(tracing.Detach(ctx), o.opts.ReleaseTimeout)
	defer cancel()
	rt.manager.Release(ctx, sess)
}

func (o *Orchestrator) record(ctx context.Context, rec transcript.Record) {
	if err := o.recorder.Record(ctx, rec); err != nil {
		observability.RecordTranscriptError()
		logger := tracing.LoggerFromContext(ctx, o.logger)
		logger.Warn().Err(err).Msg("Failed to record transcript")
	}
}

// Reset deletes the persistent session of agent so its next turn starts fresh.
// It waits for a turn in progress on that session to finish first.
func (o *Orchestrator) Reset(ctx context.Context, agent string) (bool, error) {
	rt, err := o.agents.get(agent)
	if err != nil {
		return false, err
	}

	id, ok, err := o.store.Get(ctx, agent)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}

	lease, err := o.guard.Acquire(ctx, leaseKey(rt.agent.Client, id))
	if err != nil {
		return false, err
	}
	defer o.guard.Release(lease)

	return rt.manager.Reset(tracing.WithAgent(ctx, agent), agent)
}

// Close stops accepting turns, rejects queued ones and waits for running turns.
func (o *Orchestrator) Close() error {
	return o.queue.Close()
}

// ComposeInput appends structured context to input.
func ComposeInput(input string, extra map[string]any) (string, error) {
	if len(extra) == 0 {
		return input, nil
	}
	data, err := json.MarshalIndent(extra, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode context: %w", err)
	}
	return input + "\n\nContext:\n" + string(data), nil
}

func leaseKey(client backend.Client, sessionID string) string {
	return client.Family() + ":" + sessionID
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrUnknownAgent):
		return "unknown_agent"
	case errors.Is(err, taskqueue.ErrClosed):
		return "closed"
	}
	if kind := turnerr.KindOf(err); kind != "" {
		return string(kind)
	}
	return "error"
}
