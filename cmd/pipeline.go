package cmd

import (
	"context"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/openpreprints/preprintd/internal/app"
	"github.com/openpreprints/preprintd/internal/corpus"
)

// newEnqueueDownloadsCmd creates the 'enqueue-downloads' subcommand: a
// one-shot catch-up chain over records that are published but not yet
// downloaded, oldest first.
func newEnqueueDownloadsCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "enqueue-downloads",
		Short: "Downloads pending documents, oldest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			return runPipelineChain(cmd.Context(), a, corpus.TaskDownload, limit)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 200, "maximum records in one chain")
	return cmd
}

// newEnqueueExtractionsCmd creates the 'enqueue-extractions'
// subcommand: a one-shot chain over downloaded but unextracted records.
func newEnqueueExtractionsCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "enqueue-extractions",
		Short: "Extracts structured text from pending downloads, oldest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			return runPipelineChain(cmd.Context(), a, corpus.TaskExtract, limit)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 200, "maximum records in one chain")
	return cmd
}

// runPipelineChain selects the pending backlog and runs it through the
// scheduler's chain handler in-process, so the command works without a
// serve instance.
func runPipelineChain(ctx context.Context, a *app.App, kind corpus.TaskKind, limit int) error {
	var (
		recs []corpus.Record
		err  error
	)
	switch kind {
	case corpus.TaskDownload:
		recs, err = a.Store.PendingDownloads(ctx, limit)
	default:
		recs, err = a.Store.PendingExtractions(ctx, limit)
	}
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		a.Logger.Info("nothing pending", zap.String("kind", string(kind)))
		return nil
	}

	ids := make([]string, len(recs))
	for i, rec := range recs {
		ids[i] = rec.ID
	}
	task := corpus.Task{Kind: kind, RecordIDs: ids}
	if kind == corpus.TaskDownload {
		return a.Scheduler.HandleDownload(ctx, task)
	}
	return a.Scheduler.HandleExtract(ctx, task)
}
