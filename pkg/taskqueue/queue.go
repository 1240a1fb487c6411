package taskqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/harun/threadline/internal/observability"
	"github.com/harun/threadline/internal/tracing"
	"github.com/harun/threadline/pkg/turnerr"
)

const (
	DefaultBatchSize      = 5
	DefaultRequestTimeout = 30 * time.Second
)

// ErrClosed is returned for requests submitted to, or still queued in, a closed queue.
var ErrClosed = errors.New("task queue closed")

// Handler processes one request.
type Handler[T, R any] func(ctx context.Context, payload T) (R, error)

// Options configures a Queue.
type Options struct {
	// Name labels logs and metrics.
	Name           string
	BatchSize      int
	RequestTimeout time.Duration
	Logger         zerolog.Logger
}

type outcome[R any] struct {
	value R
	err   error
}

type request[T, R any] struct {
	id         string
	payload    T
	ctx        context.Context
	enqueuedAt time.Time
	settled    atomic.Bool
	done       chan outcome[R]
	// timer is owned by Submit.
	timer *time.Timer
}

// settle delivers the outcome if nothing else has yet.
func (r *request[T, R]) settle(value R, err error) bool {
	if !r.settled.CompareAndSwap(false, true) {
		return false
	}
	r.done <- outcome[R]{value: value, err: err}
	return true
}

// Queue batches requests to a Handler.
type Queue[T, R any] struct {
	handler   Handler[T, R]
	name      string
	batchSize int
	timeout   time.Duration
	logger    zerolog.Logger

	mu       sync.Mutex
	pending  []*request[T, R]
	draining bool
	closed   bool
	wg       sync.WaitGroup
}

func New[T, R any](handler Handler[T, R], opts Options) *Queue[T, R] {
	observability.EnsureRegistered()

	if opts.Name == "" {
		opts.Name = "default"
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	return &Queue[T, R]{
		handler:   handler,
		name:      opts.Name,
		batchSize: opts.BatchSize,
		timeout:   opts.RequestTimeout,
		logger:    opts.Logger.With().Str("queue", opts.Name).Logger(),
	}
}

// Submit enqueues payload and waits until it is settled. It returns a
// turnerr.ErrRequestTimeout error if the request deadline passes or ctx is
// done first; the handler keeps running in that case.
func (q *Queue[T, R]) Submit(ctx context.Context, payload T) (R, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, span := tracing.StartSpan(ctx, tracing.TracerQueue, "taskqueue.submit", attribute.String("queue", q.name))
	defer span.End()

	id, err := gonanoid.New()
	if err != nil {
		id = fmt.Sprintf("req-%d", time.Now().UnixNano())
	}
	if tracing.GetRequestID(ctx) == "" {
		ctx = tracing.WithRequestID(ctx, id)
	}
	logger := tracing.LoggerFromContext(ctx, q.logger)

	req := &request[T, R]{
		id:         id,
		payload:    payload,
		ctx:        ctx,
		enqueuedAt: time.Now(),
		done:       make(chan outcome[R], 1),
	}
	req.timer = time.AfterFunc(q.timeout, func() {
		var zero R
		if req.settle(zero, q.timeoutError(req)) {
			observability.RecordRequestTimeout(q.name)
			logger.Warn().Str("request_id", req.id).Dur("timeout", q.timeout).Msg("Request deadline passed, result will be discarded")
		}
	})

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		req.timer.Stop()
		var zero R
		return zero, ErrClosed
	}
	q.pending = append(q.pending, req)
	size := len(q.pending)
	if !q.draining {
		q.draining = true
		q.wg.Add(1)
		go q.drain()
	}
	q.mu.Unlock()

	observability.RecordQueueEnqueue(q.name, size)
	logger.Debug().Str("request_id", id).Int("queue_size", size).Msg("Request enqueued")

	var out outcome[R]
	select {
	case out = <-req.done:
	case <-ctx.Done():
		var zero R
		req.settle(zero, turnerr.New(turnerr.KindRequestTimeout, "caller gave up on request "+id, ctx.Err()))
		out = <-req.done
	}
	req.timer.Stop()

	if out.err != nil {
		tracing.RecordError(span, out.err)
	}
	return out.value, out.err
}

func (q *Queue[T, R]) timeoutError(req *request[T, R]) error {
	return turnerr.New(turnerr.KindRequestTimeout, fmt.Sprintf("request %s not settled within %s", req.id, q.timeout), nil)
}

// drain runs one batch and schedules the next on a fresh goroutine.
func (q *Queue[T, R]) drain() {
	defer q.wg.Done()

	q.mu.Lock()
	batch := make([]*request[T, R], 0, q.batchSize)
	for len(batch) < q.batchSize && len(q.pending) > 0 {
		req := q.pending[0]
		q.pending[0] = nil
		q.pending = q.pending[1:]
		// Already timed out while waiting.
		if req.settled.Load() {
			continue
		}
		batch = append(batch, req)
	}
	if len(batch) == 0 {
		q.draining = false
		q.mu.Unlock()
		observability.SetQueueSize(q.name, 0)
		return
	}
	remaining := len(q.pending)
	q.mu.Unlock()
	observability.SetQueueSize(q.name, remaining)

	var g errgroup.Group
	for _, req := range batch {
		g.Go(func() error {
			q.execute(req)
			return nil
		})
	}
	_ = g.Wait()

	q.mu.Lock()
	if len(q.pending) == 0 || q.closed {
		q.draining = false
		q.mu.Unlock()
		return
	}
	q.wg.Add(1)
	q.mu.Unlock()
	go q.drain()
}

func (q *Queue[T, R]) execute(req *request[T, R]) {
	// The handler outlives the caller's cancellation; only values are inherited.
	ctx := tracing.Detach(req.ctx)
	ctx, span := tracing.StartSpan(ctx, tracing.TracerQueue, "taskqueue.execute", attribute.String("request_id", req.id))
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, q.logger)

	start := time.Now()
	value, err := q.call(ctx, req.payload)
	duration := time.Since(start)
	observability.RecordQueueCompletion(q.name, duration, err == nil)

	if err != nil {
		tracing.RecordError(span, err)
	}
	if !req.settle(value, err) {
		logger.Debug().Str("request_id", req.id).Dur("duration", duration).Err(err).Msg("Late result discarded")
		return
	}
	if err != nil {
		logger.Debug().Str("request_id", req.id).Dur("duration", duration).Err(err).Msg("Request failed")
	} else {
		logger.Debug().Str("request_id", req.id).Dur("duration", duration).Msg("Request completed")
	}
}

func (q *Queue[T, R]) call(ctx context.Context, payload T) (value R, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return q.handler(ctx, payload)
}

// Len returns the number of requests waiting for a batch.
func (q *Queue[T, R]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Close rejects queued requests with ErrClosed and waits for running batches.
func (q *Queue[T, R]) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	pending := q.pending
	q.pending = nil
	q.mu.Unlock()

	var zero R
	for _, req := range pending {
		req.settle(zero, ErrClosed)
	}
	observability.SetQueueSize(q.name, 0)

	q.wg.Wait()
	q.logger.Debug().Int("rejected", len(pending)).Msg("Queue closed")
	return nil
}
