package notify

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
)

// ErrQueueFull is returned when the queue cannot accept more work.
var ErrQueueFull = errors.New("notification queue full")

// ErrQueueClosed is returned by Send after Close.
var ErrQueueClosed = errors.New("notification queue closed")

type job struct {
	ctx       context.Context
	recipient string
	template  string
	data      map[string]any
}

// ResultFunc observes the outcome of each delivery attempt.
type ResultFunc func(template string, err error)

// Queue makes a Dispatcher asynchronous with a bounded buffer and a fixed
// worker pool. Send never blocks on delivery.
type Queue struct {
	next     Dispatcher
	logger   *zap.Logger
	onResult ResultFunc

	mu     sync.RWMutex
	closed bool
	jobs   chan job
	wg     sync.WaitGroup
}

// NewQueue starts workers delivering through next.
func NewQueue(next Dispatcher, size, workers int, logger *zap.Logger, onResult ResultFunc) *Queue {
	if size <= 0 {
		size = 1
	}
	if workers <= 0 {
		workers = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	q := &Queue{
		next:     next,
		logger:   logger,
		onResult: onResult,
		jobs:     make(chan job, size),
	}
	for i := 0; i < workers; i++ {
		q.wg.Add(1)
		go q.work()
	}
	return q
}

// Send enqueues a notification. The request context's values are kept but
// its cancellation is not, so delivery outlives the request.
func (q *Queue) Send(ctx context.Context, recipient, template string, data map[string]any) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}
	select {
	case q.jobs <- job{ctx: context.WithoutCancel(ctx), recipient: recipient, template: template, data: data}:
		return nil
	default:
		return ErrQueueFull
	}
}

func (q *Queue) work() {
	defer q.wg.Done()
	for j := range q.jobs {
		err := q.next.Send(j.ctx, j.recipient, j.template, j.data)
		if err != nil {
			q.logger.Warn("notification delivery failed",
				zap.String("template", j.template),
				zap.String("recipient", j.recipient),
				zap.Error(err),
			)
		}
		if q.onResult != nil {
			q.onResult(j.template, err)
		}
	}
}

// Close stops accepting work and waits for queued notifications to drain or
// ctx to expire.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.jobs)
	}
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
