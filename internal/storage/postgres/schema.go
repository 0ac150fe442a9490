package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/openpreprints/preprintd/internal/corpus"
)

const recordColumns = `
	id, type, provider_id, version,
	title, description, doi, tags, subjects, license, links, raw,
	date_created, date_modified, date_published,
	is_published, is_latest_version, reviews_state, primary_file_id,
	downloaded, downloaded_at, local_path,
	extracted, extracted_at, output_path,
	updated_at`

var (
	selectRecord          = `SELECT` + recordColumns + ` FROM records WHERE id = $1`
	selectRecordForUpdate = selectRecord + ` FOR UPDATE`

	selectPendingDownloads = `SELECT` + recordColumns + `
FROM records
WHERE is_published AND primary_file_id <> '' AND NOT downloaded
ORDER BY date_published ASC NULLS LAST
LIMIT $1`

	selectPendingExtractions = `SELECT` + recordColumns + `
FROM records
WHERE downloaded AND NOT extracted
ORDER BY downloaded_at ASC NULLS LAST
LIMIT $1`

	insertRecord = `INSERT INTO records (` + recordColumns + `) VALUES (
	$1, $2, $3, $4,
	$5, $6, $7, $8, $9, $10, $11, $12,
	$13, $14, $15,
	$16, $17, $18, $19,
	$20, $21, $22,
	$23, $24, $25,
	$26
)`

	updateRecord = `UPDATE records SET
	type = $2, provider_id = $3, version = $4,
	title = $5, description = $6, doi = $7, tags = $8,
	subjects = $9, license = $10, links = $11, raw = $12,
	date_created = $13, date_modified = $14, date_published = $15,
	is_published = $16, is_latest_version = $17, reviews_state = $18, primary_file_id = $19,
	downloaded = $20, downloaded_at = $21, local_path = $22,
	extracted = $23, extracted_at = $24, output_path = $25,
	updated_at = $26
WHERE id = $1`
)

// schemaStatements are applied in order and are all idempotent, so the
// schema can be re-initialized against an existing database.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS records (
	id                TEXT PRIMARY KEY,
	type              TEXT NOT NULL DEFAULT '',
	provider_id       TEXT NOT NULL DEFAULT '',
	version           INTEGER NOT NULL DEFAULT 0,
	title             TEXT NOT NULL DEFAULT '',
	description       TEXT NOT NULL DEFAULT '',
	doi               TEXT NOT NULL DEFAULT '',
	tags              TEXT[] NOT NULL DEFAULT '{}',
	subjects          JSONB,
	license           JSONB,
	links             JSONB,
	raw               JSONB,
	date_created      TIMESTAMPTZ,
	date_modified     TIMESTAMPTZ,
	date_published    TIMESTAMPTZ,
	is_published      BOOLEAN NOT NULL DEFAULT FALSE,
	is_latest_version BOOLEAN NOT NULL DEFAULT FALSE,
	reviews_state     TEXT NOT NULL DEFAULT '',
	primary_file_id   TEXT NOT NULL DEFAULT '',
	downloaded        BOOLEAN NOT NULL DEFAULT FALSE,
	downloaded_at     TIMESTAMPTZ,
	local_path        TEXT,
	extracted         BOOLEAN NOT NULL DEFAULT FALSE,
	extracted_at      TIMESTAMPTZ,
	output_path       TEXT,
	updated_at        TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
	`ALTER TABLE records ADD COLUMN IF NOT EXISTS downloaded BOOLEAN NOT NULL DEFAULT FALSE`,
	`ALTER TABLE records ADD COLUMN IF NOT EXISTS downloaded_at TIMESTAMPTZ`,
	`ALTER TABLE records ADD COLUMN IF NOT EXISTS local_path TEXT`,
	`ALTER TABLE records ADD COLUMN IF NOT EXISTS extracted BOOLEAN NOT NULL DEFAULT FALSE`,
	`ALTER TABLE records ADD COLUMN IF NOT EXISTS extracted_at TIMESTAMPTZ`,
	`ALTER TABLE records ADD COLUMN IF NOT EXISTS output_path TEXT`,
	`CREATE INDEX IF NOT EXISTS idx_records_date_published ON records (date_published)`,
	`CREATE INDEX IF NOT EXISTS idx_records_pending_download
	ON records (date_published)
	WHERE is_published AND primary_file_id <> '' AND NOT downloaded`,
	`CREATE INDEX IF NOT EXISTS idx_records_pending_extraction
	ON records (downloaded_at)
	WHERE downloaded AND NOT extracted`,
	`CREATE TABLE IF NOT EXISTS sync_state (
	source_key          TEXT PRIMARY KEY,
	last_seen_published TIMESTAMPTZ,
	last_run_at         TIMESTAMPTZ
)`,
}

// InitSchema creates the records and sync_state tables if absent and
// upgrades older layouts missing the lane columns.
func (s *Store) InitSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema statement: %w", err)
		}
	}
	return nil
}

func recordArgs(r corpus.Record) []any {
	return []any{
		r.ID, r.Type, r.ProviderID, r.Version,
		r.Title, r.Description, r.DOI, r.Tags, r.Subjects, r.License, r.Links, r.Raw,
		r.DateCreated, r.DateModified, r.DatePublished,
		r.IsPublished, r.IsLatestVersion, r.ReviewsState, r.PrimaryFileID,
		r.Downloaded, r.DownloadedAt, r.LocalPath,
		r.Extracted, r.ExtractedAt, r.OutputPath,
		r.UpdatedAt,
	}
}

func scanRecord(row pgx.Row) (corpus.Record, error) {
	var r corpus.Record
	err := row.Scan(
		&r.ID, &r.Type, &r.ProviderID, &r.Version,
		&r.Title, &r.Description, &r.DOI, &r.Tags, &r.Subjects, &r.License, &r.Links, &r.Raw,
		&r.DateCreated, &r.DateModified, &r.DatePublished,
		&r.IsPublished, &r.IsLatestVersion, &r.ReviewsState, &r.PrimaryFileID,
		&r.Downloaded, &r.DownloadedAt, &r.LocalPath,
		&r.Extracted, &r.ExtractedAt, &r.OutputPath,
		&r.UpdatedAt,
	)
	if err != nil {
		return corpus.Record{}, err
	}
	return r, nil
}
