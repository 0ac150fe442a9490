package corpus

import (
	"context"
	"time"
)

// Store persists canonical records and sync cursors. Every mutation is a
// short transaction scoped to a single record.
type Store interface {
	InitSchema(ctx context.Context) error

	Upsert(ctx context.Context, rec Record) (UpsertResult, error)
	Get(ctx context.Context, id string) (Record, error)
	Delete(ctx context.Context, id string) error

	MarkDownloaded(ctx context.Context, id, localPath string, at time.Time) error
	MarkExtracted(ctx context.Context, id, outputPath string, at time.Time) error

	PendingDownloads(ctx context.Context, limit int) ([]Record, error)
	PendingExtractions(ctx context.Context, limit int) ([]Record, error)

	Cursor(ctx context.Context, sourceKey string) (*time.Time, error)
	AdvanceCursor(ctx context.Context, sourceKey string, seen time.Time) error

	Ping(ctx context.Context) error
	Close()
}

// Queue provides enqueue/dequeue semantics for one task kind.
type Queue interface {
	Enqueue(ctx context.Context, task Task) error
	Dequeue(ctx context.Context) (Task, error)
}

// Publisher pushes pipeline events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// RetryPolicy decides whether and when a failed work item is retried.
type RetryPolicy interface {
	ShouldRetry(err error, attempt int) bool
	Backoff(attempt int) time.Duration
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces task handles (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
