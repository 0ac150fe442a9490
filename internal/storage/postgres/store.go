// Package postgres provides the Postgres-backed record store.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/openpreprints/preprintd/internal/corpus"
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type dbPool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// Store implements corpus.Store on a pgx connection pool. Every mutation
// is a short transaction scoped to a single record.
type Store struct {
	pool  dbPool
	clock corpus.Clock
}

var _ corpus.Store = (*Store)(nil)

// New creates a Postgres-backed Store using the provided config.
func New(ctx context.Context, cfg Config, clock corpus.Clock) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return NewWithPool(pool, clock)
}

// NewWithPool constructs a Store from an existing pool (primarily for testing).
func NewWithPool(pool dbPool, clock corpus.Clock) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	return &Store{pool: pool, clock: clock}, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Ping verifies database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Upsert inserts or conditionally updates one record. The stored row is
// locked for the duration of the decision so concurrent upserts of the
// same id serialize cleanly.
func (s *Store) Upsert(ctx context.Context, rec corpus.Record) (corpus.UpsertResult, error) {
	if rec.ID == "" {
		return corpus.UpsertResult{}, &corpus.ValidationError{Field: "id", Reason: "must not be empty"}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return corpus.UpsertResult{}, fmt.Errorf("begin upsert tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	row := tx.QueryRow(ctx, selectRecordForUpdate, rec.ID)
	stored, err := scanRecord(row)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		rec.UpdatedAt = s.clock.Now().UTC()
		if _, err := tx.Exec(ctx, insertRecord, recordArgs(rec)...); err != nil {
			return corpus.UpsertResult{}, fmt.Errorf("insert record %s: %w", rec.ID, err)
		}
		if err := tx.Commit(ctx); err != nil {
			return corpus.UpsertResult{}, fmt.Errorf("commit insert of %s: %w", rec.ID, err)
		}
		return corpus.UpsertResult{Outcome: corpus.UpsertInserted}, nil
	case err != nil:
		return corpus.UpsertResult{}, fmt.Errorf("load record %s: %w", rec.ID, err)
	}

	if !corpus.NewerThan(rec, stored) {
		if err := tx.Commit(ctx); err != nil {
			return corpus.UpsertResult{}, fmt.Errorf("commit no-op upsert of %s: %w", rec.ID, err)
		}
		return corpus.UpsertResult{Outcome: corpus.UpsertSkipped}, nil
	}

	invalidated := corpus.ShouldInvalidate(rec, stored)
	merged := corpus.Merge(stored, rec)
	merged.UpdatedAt = s.clock.Now().UTC()

	if _, err := tx.Exec(ctx, updateRecord, recordArgs(merged)...); err != nil {
		return corpus.UpsertResult{}, fmt.Errorf("update record %s: %w", rec.ID, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return corpus.UpsertResult{}, fmt.Errorf("commit update of %s: %w", rec.ID, err)
	}
	return corpus.UpsertResult{Outcome: corpus.UpsertApplied, Invalidated: invalidated}, nil
}

// Get loads one record by id.
func (s *Store) Get(ctx context.Context, id string) (corpus.Record, error) {
	row := s.pool.QueryRow(ctx, selectRecord, id)
	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return corpus.Record{}, corpus.ErrNotFound
	}
	if err != nil {
		return corpus.Record{}, fmt.Errorf("load record %s: %w", id, err)
	}
	return rec, nil
}

// Delete removes one record row.
func (s *Store) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM records WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete record %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return corpus.ErrNotFound
	}
	return nil
}

// MarkDownloaded flips the download lane of one record.
func (s *Store) MarkDownloaded(ctx context.Context, id, localPath string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE records
SET downloaded = TRUE, downloaded_at = $2, local_path = $3, updated_at = $4
WHERE id = $1`, id, at, localPath, s.clock.Now().UTC())
	if err != nil {
		return fmt.Errorf("mark %s downloaded: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return corpus.ErrNotFound
	}
	return nil
}

// MarkExtracted flips the extraction lane of one record.
func (s *Store) MarkExtracted(ctx context.Context, id, outputPath string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE records
SET extracted = TRUE, extracted_at = $2, output_path = $3, updated_at = $4
WHERE id = $1`, id, at, outputPath, s.clock.Now().UTC())
	if err != nil {
		return fmt.Errorf("mark %s extracted: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return corpus.ErrNotFound
	}
	return nil
}

// PendingDownloads lists published records with a primary file whose
// download lane is unset, oldest publish date first.
func (s *Store) PendingDownloads(ctx context.Context, limit int) ([]corpus.Record, error) {
	rows, err := s.pool.Query(ctx, selectPendingDownloads, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending downloads: %w", err)
	}
	return collectRecords(rows)
}

// PendingExtractions lists downloaded records whose extraction lane is
// unset, oldest download first.
func (s *Store) PendingExtractions(ctx context.Context, limit int) ([]corpus.Record, error) {
	rows, err := s.pool.Query(ctx, selectPendingExtractions, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending extractions: %w", err)
	}
	return collectRecords(rows)
}

// Cursor returns the per-source publish-date high-water mark, or nil when
// the source has never completed a run.
func (s *Store) Cursor(ctx context.Context, sourceKey string) (*time.Time, error) {
	var last *time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT last_seen_published FROM sync_state WHERE source_key = $1`, sourceKey,
	).Scan(&last)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load cursor %s: %w", sourceKey, err)
	}
	return last, nil
}

// AdvanceCursor moves the high-water mark forward. The stored value never
// regresses; a smaller seen value only refreshes last_run_at.
func (s *Store) AdvanceCursor(ctx context.Context, sourceKey string, seen time.Time) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO sync_state (source_key, last_seen_published, last_run_at)
VALUES ($1, $2, $3)
ON CONFLICT (source_key) DO UPDATE SET
	last_seen_published = GREATEST(sync_state.last_seen_published, EXCLUDED.last_seen_published),
	last_run_at = EXCLUDED.last_run_at`,
		sourceKey, seen, s.clock.Now().UTC())
	if err != nil {
		return fmt.Errorf("advance cursor %s: %w", sourceKey, err)
	}
	return nil
}

func collectRecords(rows pgx.Rows) ([]corpus.Record, error) {
	defer rows.Close()
	var out []corpus.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record row: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate record rows: %w", err)
	}
	return out, nil
}
