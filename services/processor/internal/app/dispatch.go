package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"docflow/pkg/domain"
	"docflow/pkg/queue"
)

// Dispatcher starts execution of a submitted job without waiting for it.
type Dispatcher interface {
	Dispatch(ctx context.Context, jobID string) error
}

// RunFunc executes one job to completion.
type RunFunc func(ctx context.Context, jobID string) error

var errDispatcherClosed = errors.New("dispatcher closed")

// LocalDispatcher runs each job on its own goroutine in this process.
type LocalDispatcher struct {
	run    RunFunc
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func NewLocalDispatcher(run RunFunc) *LocalDispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	return &LocalDispatcher{run: run, ctx: ctx, cancel: cancel}
}

func (d *LocalDispatcher) Dispatch(_ context.Context, jobID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return errDispatcherClosed
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.run(d.ctx, jobID); err != nil && !errors.Is(err, context.Canceled) {
			slog.Warn("batch job run failed", "job_id", jobID, "err", err)
		}
	}()
	return nil
}

// Shutdown stops accepting jobs, asks running jobs to stop at their next
// input boundary, and waits for them or for ctx.
func (d *LocalDispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.cancel()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// QueueDispatcher hands jobs to a Redis stream; any process consuming the
// stream may run them.
type QueueDispatcher struct {
	queue *queue.RedisJobQueue
}

func NewQueueDispatcher(q *queue.RedisJobQueue) *QueueDispatcher {
	return &QueueDispatcher{queue: q}
}

func (d *QueueDispatcher) Dispatch(ctx context.Context, jobID string) error {
	if _, err := d.queue.Enqueue(ctx, jobID); err != nil {
		return fmt.Errorf("enqueue job: %w", err)
	}
	return nil
}

// Consume starts concurrency stream consumers that execute jobs with run.
// Jobs deleted before delivery are acknowledged without retry.
func (d *QueueDispatcher) Consume(ctx context.Context, concurrency int, run RunFunc) {
	d.queue.Start(ctx, concurrency, func(ctx context.Context, delivery queue.Delivery) error {
		err := run(ctx, delivery.BatchJobID)
		if errors.Is(err, domain.ErrNotFound) {
			slog.Warn("queued job no longer exists", "job_id", delivery.BatchJobID, "delivery_id", delivery.ID)
			return nil
		}
		return err
	})
}
