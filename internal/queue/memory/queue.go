// Package memory provides an in-process queue for local development and tests.
package memory

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/JakeFAU/sukta/internal/qa"
)

type item struct {
	job     qa.Job
	attempt int
}

// Queue is a bounded in-memory queue with context-aware operations.
// Nack puts the job back with its attempt counter incremented.
type Queue struct {
	ch      chan item
	closeMu sync.RWMutex
	closed  bool
}

// NewQueue constructs a new queue with the provided capacity.
func NewQueue(capacity int) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue{ch: make(chan item, capacity)}
}

// Enqueue pushes a job into the queue or returns if the context ends.
func (q *Queue) Enqueue(ctx context.Context, job qa.Job) error {
	if err := job.Validate(); err != nil {
		return fmt.Errorf("invalid job: %w", err)
	}
	return q.push(ctx, item{job: job, attempt: 1})
}

func (q *Queue) push(ctx context.Context, it item) error {
	q.closeMu.RLock()
	defer q.closeMu.RUnlock()
	if q.closed {
		return qa.ErrQueueClosed
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case q.ch <- it:
		return nil
	}
}

// Dequeue pops the next job, respecting context cancellation.
func (q *Queue) Dequeue(ctx context.Context) (qa.Delivery, error) {
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case it, ok := <-q.ch:
		if !ok {
			return nil, qa.ErrQueueClosed
		}
		return &delivery{queue: q, item: it}, nil
	}
}

// Len reports the number of buffered jobs.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Close closes the underlying channel for shutdown.
func (q *Queue) Close() error {
	q.closeMu.Lock()
	defer q.closeMu.Unlock()
	if q.closed {
		return nil
	}
	close(q.ch)
	q.closed = true
	return nil
}

type delivery struct {
	queue   *Queue
	item    item
	settled atomic.Bool
}

func (d *delivery) Job() qa.Job  { return d.item.job }
func (d *delivery) Attempt() int { return d.item.attempt }

func (d *delivery) Ack(context.Context) error {
	d.settled.Store(true)
	return nil
}

func (d *delivery) Nack(ctx context.Context) error {
	if !d.settled.CompareAndSwap(false, true) {
		return nil
	}
	return d.queue.push(ctx, item{job: d.item.job, attempt: d.item.attempt + 1})
}
