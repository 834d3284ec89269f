package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrQueueFull is returned by TryEnqueue when the buffer has no room.
	ErrQueueFull = errors.New("queue full")
	// ErrNotRunning is returned by TryEnqueue before Start or after Stop.
	ErrNotRunning = errors.New("queue not running")
)

// Job carries one payload through the worker pool. Attempt counts failed
// handler runs so far.
type Job[T any] struct {
	ID       string
	Payload  T
	Attempt  int
	Enqueued time.Time
}

// Handler processes a job.
type Handler[T any] func(context.Context, Job[T]) error

// QueueConfig configures worker pool behaviour.
type QueueConfig struct {
	Workers    int
	BufferSize int
	MaxRetries int
	RetryDelay time.Duration
	Logger     *zap.Logger
}

// Queue is a bounded in-memory dispatcher. Delivery is best effort: jobs still
// buffered or waiting for a retry when Stop is called are dropped.
type Queue[T any] struct {
	name     string
	handler  Handler[T]
	onGiveUp func(Job[T], error)
	cfg      QueueConfig
	logger   *zap.Logger

	jobs chan Job[T]

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewQueue builds a queue. onGiveUp, if set, observes jobs that failed
// MaxRetries+1 times or could not be requeued.
func NewQueue[T any](name string, handler Handler[T], onGiveUp func(Job[T], error), cfg QueueConfig) *Queue[T] {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = cfg.Workers * 64
	}
	cfg.MaxRetries = max(cfg.MaxRetries, 0)
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 500 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	return &Queue[T]{
		name:     name,
		handler:  handler,
		onGiveUp: onGiveUp,
		cfg:      cfg,
		logger:   cfg.Logger.With(zap.String("queue", name)),
		jobs:     make(chan Job[T], cfg.BufferSize),
	}
}

// Start launches the workers. Calling it on a running queue is a no-op.
func (q *Queue[T]) Start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.ctx != nil {
		return
	}
	q.ctx, q.cancel = context.WithCancel(ctx)
	for range q.cfg.Workers {
		q.wg.Add(1)
		go q.work(q.ctx)
	}
	q.logger.Info("queue started", zap.Int("workers", q.cfg.Workers))
}

// Stop cancels the workers and waits for in-flight handlers to return.
func (q *Queue[T]) Stop() {
	q.mu.Lock()
	if q.ctx == nil {
		q.mu.Unlock()
		return
	}
	q.cancel()
	q.ctx, q.cancel = nil, nil
	q.mu.Unlock()

	q.wg.Wait()
	q.logger.Info("queue stopped", zap.Int("dropped", len(q.jobs)))
}

// TryEnqueue hands job to the pool without blocking the caller.
func (q *Queue[T]) TryEnqueue(job Job[T]) error {
	q.mu.Lock()
	ctx := q.ctx
	q.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return fmt.Errorf("queue %s: %w", q.name, ErrNotRunning)
	}
	if job.Enqueued.IsZero() {
		job.Enqueued = time.Now().UTC()
	}

	select {
	case q.jobs <- job:
		return nil
	default:
		return fmt.Errorf("queue %s: %w", q.name, ErrQueueFull)
	}
}

func (q *Queue[T]) work(ctx context.Context) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-q.jobs:
			if err := q.handler(ctx, job); err != nil {
				q.retry(ctx, job, err)
			}
		}
	}
}

// retry schedules job again after a linear backoff, or gives up once the
// retry budget is spent.
func (q *Queue[T]) retry(ctx context.Context, job Job[T], cause error) {
	job.Attempt++
	log := q.logger.With(zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt))
	if job.Attempt > q.cfg.MaxRetries {
		log.Error("job exceeded retries", zap.Error(cause))
		q.giveUp(job, cause)
		return
	}
	log.Warn("job failed, retrying", zap.Error(cause))

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		timer := time.NewTimer(q.cfg.RetryDelay * time.Duration(job.Attempt))
		defer timer.Stop()
		select {
		case <-ctx.Done():
		case <-timer.C:
			if err := q.TryEnqueue(job); err != nil {
				log.Error("failed to requeue job", zap.Error(err))
				q.giveUp(job, err)
			}
		}
	}()
}

func (q *Queue[T]) giveUp(job Job[T], err error) {
	if q.onGiveUp != nil {
		q.onGiveUp(job, err)
	}
}
