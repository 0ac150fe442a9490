package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/openpreprints/preprintd/internal/corpus"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

var recordColumnNames = []string{
	"id", "type", "provider_id", "version",
	"title", "description", "doi", "tags", "subjects", "license", "links", "raw",
	"date_created", "date_modified", "date_published",
	"is_published", "is_latest_version", "reviews_state", "primary_file_id",
	"downloaded", "downloaded_at", "local_path",
	"extracted", "extracted_at", "output_path",
	"updated_at",
}

func rowFor(rec corpus.Record) *pgxmock.Rows {
	rows := pgxmock.NewRows(recordColumnNames)
	rows.AddRow(
		rec.ID, rec.Type, rec.ProviderID, rec.Version,
		rec.Title, rec.Description, rec.DOI, rec.Tags, rec.Subjects, rec.License, rec.Links, rec.Raw,
		rec.DateCreated, rec.DateModified, rec.DatePublished,
		rec.IsPublished, rec.IsLatestVersion, rec.ReviewsState, rec.PrimaryFileID,
		rec.Downloaded, rec.DownloadedAt, rec.LocalPath,
		rec.Extracted, rec.ExtractedAt, rec.OutputPath,
		rec.UpdatedAt,
	)
	return rows
}

func newStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	store, err := NewWithPool(mock, fixedClock{now: time.Unix(1700000000, 0).UTC()})
	require.NoError(t, err)
	return store, mock
}

func storedRecord() corpus.Record {
	mod := time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC)
	pub := time.Date(2025, 1, 5, 0, 0, 0, 0, time.UTC)
	dlAt := time.Date(2025, 1, 11, 0, 0, 0, 0, time.UTC)
	path := "/data/osf/abc12/file.pdf"
	return corpus.Record{
		ID:            "abc12",
		Type:          "preprints",
		ProviderID:    "osf",
		Version:       1,
		Title:         "Stored",
		Tags:          []string{"a"},
		DateModified:  &mod,
		DatePublished: &pub,
		IsPublished:   true,
		PrimaryFileID: "f1",
		Downloaded:    true,
		DownloadedAt:  &dlAt,
		LocalPath:     &path,
	}
}

func TestUpsertInsertsNewRecord(t *testing.T) {
	t.Parallel()
	store, mock := newStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT").WithArgs("abc12").WillReturnError(pgx.ErrNoRows)
	mock.ExpectExec("INSERT INTO records").
		WithArgs(anyArgs(26)...).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	res, err := store.Upsert(context.Background(), storedRecord())
	require.NoError(t, err)
	require.Equal(t, corpus.UpsertInserted, res.Outcome)
	require.False(t, res.Invalidated)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertSkipsStaleIncoming(t *testing.T) {
	t.Parallel()
	store, mock := newStore(t)

	stored := storedRecord()
	incoming := stored
	older := stored.DateModified.Add(-time.Hour)
	incoming.DateModified = &older

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT").WithArgs("abc12").WillReturnRows(rowFor(stored))
	mock.ExpectCommit()

	res, err := store.Upsert(context.Background(), incoming)
	require.NoError(t, err)
	require.Equal(t, corpus.UpsertSkipped, res.Outcome)
	require.False(t, res.Applied())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertAppliesAndInvalidatesOnVersionBump(t *testing.T) {
	t.Parallel()
	store, mock := newStore(t)

	stored := storedRecord()
	incoming := stored
	incoming.Version = 2
	incoming.Downloaded = false
	incoming.DownloadedAt = nil
	incoming.LocalPath = nil

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT").WithArgs("abc12").WillReturnRows(rowFor(stored))
	mock.ExpectExec("UPDATE records").
		WithArgs(anyArgs(26)...).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	res, err := store.Upsert(context.Background(), incoming)
	require.NoError(t, err)
	require.Equal(t, corpus.UpsertApplied, res.Outcome)
	require.True(t, res.Invalidated)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertRejectsEmptyID(t *testing.T) {
	t.Parallel()
	store, _ := newStore(t)

	_, err := store.Upsert(context.Background(), corpus.Record{})
	var verr *corpus.ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestGetMapsMissingRowToNotFound(t *testing.T) {
	t.Parallel()
	store, mock := newStore(t)

	mock.ExpectQuery("SELECT").WithArgs("nope").WillReturnError(pgx.ErrNoRows)

	_, err := store.Get(context.Background(), "nope")
	require.ErrorIs(t, err, corpus.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkDownloadedUnknownRecord(t *testing.T) {
	t.Parallel()
	store, mock := newStore(t)

	mock.ExpectExec("UPDATE records").
		WithArgs("nope", pgxmock.AnyArg(), "/tmp/x.pdf", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := store.MarkDownloaded(context.Background(), "nope", "/tmp/x.pdf", time.Now())
	require.ErrorIs(t, err, corpus.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkExtractedSetsLane(t *testing.T) {
	t.Parallel()
	store, mock := newStore(t)

	at := time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectExec("UPDATE records").
		WithArgs("abc12", at, "/data/osf/abc12/tei.xml", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err := store.MarkExtracted(context.Background(), "abc12", "/data/osf/abc12/tei.xml", at)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCursorMissingSourceReturnsNil(t *testing.T) {
	t.Parallel()
	store, mock := newStore(t)

	mock.ExpectQuery("SELECT last_seen_published").
		WithArgs("osf:psychology").
		WillReturnError(pgx.ErrNoRows)

	cur, err := store.Cursor(context.Background(), "osf:psychology")
	require.NoError(t, err)
	require.Nil(t, cur)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAdvanceCursorUpsertsHighWaterMark(t *testing.T) {
	t.Parallel()
	store, mock := newStore(t)

	seen := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectExec("INSERT INTO sync_state").
		WithArgs("osf:all", seen, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.AdvanceCursor(context.Background(), "osf:all", seen))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPendingDownloadsReturnsRows(t *testing.T) {
	t.Parallel()
	store, mock := newStore(t)

	first := storedRecord()
	first.Downloaded = false
	first.DownloadedAt = nil
	first.LocalPath = nil
	second := first
	second.ID = "def34"

	rows := rowFor(first)
	rows.AddRow(
		second.ID, second.Type, second.ProviderID, second.Version,
		second.Title, second.Description, second.DOI, second.Tags, second.Subjects, second.License, second.Links, second.Raw,
		second.DateCreated, second.DateModified, second.DatePublished,
		second.IsPublished, second.IsLatestVersion, second.ReviewsState, second.PrimaryFileID,
		second.Downloaded, second.DownloadedAt, second.LocalPath,
		second.Extracted, second.ExtractedAt, second.OutputPath,
		second.UpdatedAt,
	)
	mock.ExpectQuery("SELECT").WithArgs(10).WillReturnRows(rows)

	got, err := store.PendingDownloads(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "abc12", got[0].ID)
	require.Equal(t, "def34", got[1].ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInitSchemaAppliesEveryStatement(t *testing.T) {
	t.Parallel()
	store, mock := newStore(t)

	for range schemaStatements {
		mock.ExpectExec(".*").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	}

	require.NoError(t, store.InitSchema(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func anyArgs(n int) []any {
	out := make([]any, n)
	for i := range out {
		out[i] = pgxmock.AnyArg()
	}
	return out
}
