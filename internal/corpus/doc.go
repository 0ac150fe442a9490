// Package corpus defines the core domain types for the preprint mirror:
// canonical records, sync cursors, queue tasks, and the interfaces the
// pipelines are built against.
package corpus
