package corpus

import "time"

// NewerThan reports whether the incoming record should replace the stored
// one: a later modification timestamp, a higher version, or a different
// primary file. Replaying the same record is a no-op.
func NewerThan(incoming, stored Record) bool {
	if timeAfter(incoming.DateModified, stored.DateModified) {
		return true
	}
	if incoming.Version > stored.Version {
		return true
	}
	return incoming.PrimaryFileID != stored.PrimaryFileID
}

// ShouldInvalidate reports whether applying incoming over stored must
// reset both derived-artifact lanes: the underlying file changed, either
// by version increase or by primary-file swap.
func ShouldInvalidate(incoming, stored Record) bool {
	return incoming.Version > stored.Version || incoming.PrimaryFileID != stored.PrimaryFileID
}

// Merge produces the row to write when incoming is newer than stored.
// Structured and descriptive fields are replaced wholesale; version and
// modification timestamp never regress; the publish date is kept once
// known. Lane fields survive unless the merge invalidates them.
func Merge(stored, incoming Record) Record {
	out := incoming

	if stored.Version > out.Version {
		out.Version = stored.Version
	}
	out.DateModified = laterTime(stored.DateModified, incoming.DateModified)
	if stored.DatePublished != nil {
		out.DatePublished = stored.DatePublished
	}

	if ShouldInvalidate(incoming, stored) {
		out.Downloaded = false
		out.DownloadedAt = nil
		out.LocalPath = nil
		out.Extracted = false
		out.ExtractedAt = nil
		out.OutputPath = nil
		return out
	}

	out.Downloaded = stored.Downloaded
	out.DownloadedAt = stored.DownloadedAt
	out.LocalPath = stored.LocalPath
	out.Extracted = stored.Extracted
	out.ExtractedAt = stored.ExtractedAt
	out.OutputPath = stored.OutputPath
	return out
}

func timeAfter(a, b *time.Time) bool {
	if a == nil {
		return false
	}
	if b == nil {
		return true
	}
	return a.After(*b)
}

func laterTime(a, b *time.Time) *time.Time {
	if timeAfter(a, b) {
		return a
	}
	return b
}
