// Package memory provides the in-process task queue.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/openpreprints/preprintd/internal/corpus"
)

// Queue is a bounded in-memory task queue with context-aware operations.
// Each task kind gets its own Queue so the lanes never starve each other.
type Queue struct {
	ch      chan corpus.Task
	closeMu sync.Mutex
	closed  bool
}

var _ corpus.Queue = (*Queue)(nil)

// NewQueue constructs a queue with the provided capacity.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{
		ch: make(chan corpus.Task, capacity),
	}
}

// Enqueue pushes a task or returns when the context ends.
func (q *Queue) Enqueue(ctx context.Context, task corpus.Task) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case q.ch <- task:
		return nil
	}
}

// Dequeue pops the next task, respecting context cancellation.
func (q *Queue) Dequeue(ctx context.Context) (corpus.Task, error) {
	select {
	case <-ctx.Done():
		return corpus.Task{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case task, ok := <-q.ch:
		if !ok {
			return corpus.Task{}, errors.New("queue closed")
		}
		return task, nil
	}
}

// Len reports the number of queued tasks.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Close closes the underlying channel for shutdown.
func (q *Queue) Close() {
	q.closeMu.Lock()
	defer q.closeMu.Unlock()
	if q.closed {
		return
	}
	close(q.ch)
	q.closed = true
}
