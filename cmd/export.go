package cmd

import (
	"bufio"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/openpreprints/preprintd/internal/registry"
)

// newExportCmd creates the 'export' subcommand: stream a publish-date
// window from the registry as NDJSON, one raw record payload per line.
// Output ending in .gz is gzip-compressed.
func newExportCmd() *cobra.Command {
	var (
		fromFlag    string
		untilFlag   string
		subjectFlag string
		outFlag     string
	)

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Exports a date window of registry records as NDJSON",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}

			from, err := parseDate("from", fromFlag)
			if err != nil {
				return err
			}
			var until *time.Time
			if untilFlag != "" {
				u, err := parseDate("until", untilFlag)
				if err != nil {
					return err
				}
				until = &u
			}
			subjectID, err := a.Engine.ResolveSubject(cmd.Context(), subjectFlag)
			if err != nil {
				return fmt.Errorf("resolve subject: %w", err)
			}
			if subjectFlag != "" && subjectID == "" {
				return fmt.Errorf("unknown subject %q", subjectFlag)
			}

			out, closeOut, err := openExportOutput(outFlag)
			if err != nil {
				return err
			}
			defer closeOut()

			stream, err := a.Registry.Batches(registry.Query{
				From:          from,
				Until:         until,
				SubjectID:     subjectID,
				OnlyPublished: a.Config.Sync.OnlyPublished,
				SortAscending: true,
			}, a.Config.Sync.BatchSize)
			if err != nil {
				return err
			}

			written := 0
			for stream.Next(cmd.Context()) {
				for _, rec := range stream.Batch() {
					line := rec.Raw
					if len(line) == 0 {
						line, err = json.Marshal(rec)
						if err != nil {
							return fmt.Errorf("marshal record %s: %w", rec.ID, err)
						}
					}
					if _, err := out.Write(line); err != nil {
						return fmt.Errorf("write export: %w", err)
					}
					if _, err := out.Write([]byte("\n")); err != nil {
						return fmt.Errorf("write export: %w", err)
					}
					written++
				}
			}
			if err := stream.Err(); err != nil {
				return err
			}

			a.Logger.Info("export complete",
				zap.Int("records", written),
				zap.String("out", outFlag))
			return nil
		},
	}

	cmd.Flags().StringVar(&fromFlag, "from", "", "lower publish-date bound, YYYY-MM-DD (required)")
	cmd.Flags().StringVar(&untilFlag, "until", "", "upper publish-date bound, YYYY-MM-DD")
	cmd.Flags().StringVar(&subjectFlag, "subject", "", "restrict to one taxonomy subject")
	cmd.Flags().StringVar(&outFlag, "out", "-", "output path, '-' for stdout, .gz for gzip")
	_ = cmd.MarkFlagRequired("from")
	return cmd
}

// openExportOutput resolves the --out flag to a writer and a close
// function that flushes every layer.
func openExportOutput(path string) (io.Writer, func(), error) {
	if path == "" || path == "-" {
		w := bufio.NewWriter(os.Stdout)
		return w, func() { _ = w.Flush() }, nil
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, nil, fmt.Errorf("create export file: %w", err)
	}
	if strings.HasSuffix(path, ".gz") {
		gz := gzip.NewWriter(f)
		return gz, func() {
			_ = gz.Close()
			_ = f.Close()
		}, nil
	}
	w := bufio.NewWriter(f)
	return w, func() {
		_ = w.Flush()
		_ = f.Close()
	}, nil
}
