package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/openpreprints/preprintd/internal/corpus"
)

// ItemFunc processes one record of a chain.
type ItemFunc func(ctx context.Context, recordID string) error

// ChainStats summarize one chain run.
type ChainStats struct {
	Succeeded int
	Failed    int
}

// ChainRunner executes an ordered chain of record ids strictly one at a
// time, retrying each item per the policy. An item whose retries are
// exhausted is skipped so the rest of the chain still completes; the
// record stays pending and is re-selected by the next catch-up pass.
type ChainRunner struct {
	retry  corpus.RetryPolicy
	logger *zap.Logger
}

// NewChainRunner builds a ChainRunner.
func NewChainRunner(retry corpus.RetryPolicy, logger *zap.Logger) *ChainRunner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChainRunner{retry: retry, logger: logger}
}

// Run processes ids in order and reports per-item results. It stops
// early only when the context ends.
func (r *ChainRunner) Run(ctx context.Context, ids []string, fn ItemFunc) ChainStats {
	var stats ChainStats
	for _, id := range ids {
		if ctx.Err() != nil {
			return stats
		}
		if r.runItem(ctx, id, fn) {
			stats.Succeeded++
		} else {
			stats.Failed++
		}
	}
	return stats
}

func (r *ChainRunner) runItem(ctx context.Context, id string, fn ItemFunc) bool {
	for attempt := 0; ; attempt++ {
		err := fn(ctx, id)
		if err == nil {
			return true
		}
		if !r.retry.ShouldRetry(err, attempt) {
			r.logger.Error("chain item failed",
				zap.String("record", id),
				zap.Int("attempts", attempt+1),
				zap.Error(err))
			return false
		}
		backoff := r.retry.Backoff(attempt)
		r.logger.Warn("chain item failed, retrying",
			zap.String("record", id),
			zap.Int("attempt", attempt+1),
			zap.Duration("sleep", backoff),
			zap.Error(err))
		select {
		case <-ctx.Done():
			return false
		case <-time.After(backoff):
		}
	}
}
