// Package dispatcher routes tasks to per-kind queues and runs their
// workers.
package dispatcher

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/openpreprints/preprintd/internal/corpus"
	"github.com/openpreprints/preprintd/internal/worker"
)

// Dispatcher owns one queue and one worker per task kind. Kinds run
// independently of each other; within a kind tasks run sequentially.
type Dispatcher struct {
	queues  map[corpus.TaskKind]corpus.Queue
	workers []*worker.Worker
	logger  *zap.Logger
}

// New creates an empty Dispatcher.
func New(logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		queues: make(map[corpus.TaskKind]corpus.Queue),
		logger: logger,
	}
}

// Register binds a kind to its queue and handler. Must be called before
// Run.
func (d *Dispatcher) Register(kind corpus.TaskKind, queue corpus.Queue, handler worker.Handler) {
	d.queues[kind] = queue
	d.workers = append(d.workers, worker.New(kind, queue, handler, d.logger))
}

// Run starts all workers and blocks until the context finishes.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Add(1)
		go func(wk *worker.Worker) {
			defer wg.Done()
			wk.Run(ctx)
		}(w)
	}
	<-ctx.Done()
	wg.Wait()
}

// Submit routes a task to its kind's queue.
func (d *Dispatcher) Submit(ctx context.Context, task corpus.Task) error {
	q, ok := d.queues[task.Kind]
	if !ok {
		return fmt.Errorf("no queue registered for kind %q", task.Kind)
	}
	if err := q.Enqueue(ctx, task); err != nil {
		return fmt.Errorf("queue enqueue: %w", err)
	}
	d.logger.Debug("task submitted",
		zap.String("kind", string(task.Kind)),
		zap.String("handle", task.Handle))
	return nil
}
