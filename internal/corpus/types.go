package corpus

import (
	"encoding/json"
	"time"
)

// Record is one row of the canonical store, keyed by the registry's
// external id. Structured attributes (subjects, license, links) and the
// full original payload are retained verbatim as JSON documents.
type Record struct {
	ID         string
	Type       string
	ProviderID string
	Version    int

	Title       string
	Description string
	DOI         string
	Tags        []string
	Subjects    json.RawMessage
	License     json.RawMessage
	Links       json.RawMessage
	Raw         json.RawMessage

	DateCreated   *time.Time
	DateModified  *time.Time
	DatePublished *time.Time

	IsPublished     bool
	IsLatestVersion bool
	ReviewsState    string

	PrimaryFileID string

	// Download lane.
	Downloaded   bool
	DownloadedAt *time.Time
	LocalPath    *string

	// Extraction lane.
	Extracted   bool
	ExtractedAt *time.Time
	OutputPath  *string

	UpdatedAt time.Time
}

// HasPrimaryFile reports whether the record carries a resolvable
// primary-file reference.
func (r Record) HasPrimaryFile() bool {
	return r.PrimaryFileID != ""
}

// Cursor is the per-source high-water mark on publish date.
type Cursor struct {
	SourceKey         string
	LastSeenPublished *time.Time
	LastRunAt         *time.Time
}

// UpsertOutcome reports what an upsert did.
type UpsertOutcome int

const (
	// UpsertSkipped means the incoming record was not newer than the
	// stored one and nothing changed.
	UpsertSkipped UpsertOutcome = iota
	// UpsertInserted means no row existed and one was created.
	UpsertInserted
	// UpsertApplied means an existing row was updated.
	UpsertApplied
)

// UpsertResult describes one upsert call.
type UpsertResult struct {
	Outcome UpsertOutcome
	// Invalidated is true when the version increased or the primary file
	// changed, forcing both lanes back to unset.
	Invalidated bool
}

// Applied reports whether the store was mutated.
func (r UpsertResult) Applied() bool {
	return r.Outcome != UpsertSkipped
}

// DownloadOutcome is the result of one ensure-downloaded run.
type DownloadOutcome string

const (
	DownloadDone      DownloadOutcome = "downloaded"
	DownloadConverted DownloadOutcome = "converted"
	DownloadDeleted   DownloadOutcome = "deleted"
	DownloadSkipped   DownloadOutcome = "skipped"
)

// ExtractOutcome is the result of one ensure-extracted run.
type ExtractOutcome string

const (
	ExtractDone    ExtractOutcome = "extracted"
	ExtractSkipped ExtractOutcome = "skipped"
	ExtractFailed  ExtractOutcome = "failed"
)

// TaskKind names one of the independent work queues.
type TaskKind string

const (
	TaskSync     TaskKind = "sync"
	TaskDownload TaskKind = "download"
	TaskExtract  TaskKind = "extract"
)

// Task is one unit of dispatched work. A catch-up task carries an ordered
// chain of record ids that the worker executes strictly sequentially.
type Task struct {
	Handle    string
	Kind      TaskKind
	Submitted time.Time

	// Sync parameters (TaskSync).
	Subject     string
	FromDate    *time.Time
	UntilDate   *time.Time
	RecordID    string
	DOI         string
	Incremental bool

	// Chain of record ids (TaskDownload, TaskExtract).
	RecordIDs []string
}
