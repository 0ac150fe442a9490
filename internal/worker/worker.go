// Package worker implements the task execution loops behind the queues.
package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/openpreprints/preprintd/internal/corpus"
	"github.com/openpreprints/preprintd/internal/metrics"
)

// Handler executes one dequeued task.
type Handler func(ctx context.Context, task corpus.Task) error

// Worker consumes one queue and executes its tasks sequentially. Running
// exactly one Worker per kind keeps each lane strictly ordered while the
// lanes stay independent of each other.
type Worker struct {
	kind    corpus.TaskKind
	queue   corpus.Queue
	handler Handler
	logger  *zap.Logger
}

// New constructs a Worker.
func New(kind corpus.TaskKind, queue corpus.Queue, handler Handler, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		kind:    kind,
		queue:   queue,
		handler: handler,
		logger:  logger,
	}
}

// Run blocks, consuming tasks until the context finishes. A failed task
// is logged and never stalls the lane.
func (w *Worker) Run(ctx context.Context) {
	for {
		task, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("queue dequeue failed",
				zap.String("kind", string(w.kind)), zap.Error(err))
			continue
		}
		w.logger.Debug("dequeued task",
			zap.String("kind", string(w.kind)),
			zap.String("handle", task.Handle))

		start := time.Now()
		if err := w.handler(ctx, task); err != nil {
			metrics.ObserveTask(string(w.kind), "failed", time.Since(start))
			w.logger.Error("task failed",
				zap.String("kind", string(w.kind)),
				zap.String("handle", task.Handle),
				zap.Duration("elapsed", time.Since(start)),
				zap.Error(err))
			continue
		}
		metrics.ObserveTask(string(w.kind), "ok", time.Since(start))
		w.logger.Info("task finished",
			zap.String("kind", string(w.kind)),
			zap.String("handle", task.Handle),
			zap.Duration("elapsed", time.Since(start)))
	}
}
