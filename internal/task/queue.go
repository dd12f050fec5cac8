package task

import (
	"context"
	"errors"
	"sync"
)

// ErrQueueClosed is returned by Pop once the queue has shut down.
var ErrQueueClosed = errors.New("task queue closed")

// Queue hands enqueued task ids to the workers in submission order.
type Queue interface {
	Push(ctx context.Context, taskID string) error
	// Pop blocks until a task id is available, the queue closes or ctx ends.
	Pop(ctx context.Context) (string, error)
	Close()
}

type memoryQueue struct {
	ch     chan string
	closed chan struct{}
	once   sync.Once
}

// NewMemoryQueue returns a process-local queue. Ids queued here do not
// survive a restart; startup recovery re-submits unfinished tasks.
func NewMemoryQueue(capacity int) Queue {
	if capacity <= 0 {
		capacity = 256
	}
	return &memoryQueue{
		ch:     make(chan string, capacity),
		closed: make(chan struct{}),
	}
}

func (q *memoryQueue) Push(ctx context.Context, taskID string) error {
	select {
	case <-q.closed:
		return ErrQueueClosed
	default:
	}
	select {
	case q.ch <- taskID:
		return nil
	case <-q.closed:
		return ErrQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *memoryQueue) Pop(ctx context.Context) (string, error) {
	select {
	case taskID := <-q.ch:
		return taskID, nil
	case <-q.closed:
		return "", ErrQueueClosed
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (q *memoryQueue) Close() {
	q.once.Do(func() {
		close(q.closed)
	})
}
