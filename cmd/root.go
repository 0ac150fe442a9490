// Package cmd defines and implements the CLI commands for the preprintd
// executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/openpreprints/preprintd/internal/app"
	"github.com/openpreprints/preprintd/internal/config"
)

var cfgFile string

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// newApp is the application factory. It is a variable so tests can
// replace it with a mock factory.
var newApp = func(ctx context.Context, cfg config.Config) (*app.App, error) {
	return app.New(ctx, cfg)
}

// newRootCmd creates and configures the root command. Every subcommand
// receives a fully wired App through the command context.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "preprintd",
		Short: "An incremental mirror of a preprint registry.",
		Long: `preprintd keeps a local, queryable mirror of a remote preprint
registry: metadata synced incrementally through a publish-date cursor,
documents downloaded and normalized to PDF, and full text structured
through an extraction service.`,

		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			// .env is optional and only carries local secrets such as
			// the registry token.
			_ = godotenv.Load()

			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			a, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, a))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if a, ok := cmd.Context().Value(appKey).(*app.App); ok && a != nil {
				a.Close()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is environment only)")

	cmd.AddCommand(
		newServeCmd(),
		newInitSchemaCmd(),
		newSyncRangeCmd(),
		newFetchOneCmd(),
		newEnqueueDownloadsCmd(),
		newEnqueueExtractionsCmd(),
		newExportCmd(),
	)
	return cmd
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func resolveApp(ctx context.Context) (*app.App, error) {
	a, ok := ctx.Value(appKey).(*app.App)
	if !ok || a == nil {
		return nil, errors.New("application services not initialized")
	}
	return a, nil
}

// parseDate accepts YYYY-MM-DD operator input.
func parseDate(flag, value string) (time.Time, error) {
	t, err := time.Parse("2006-01-02", value)
	if err != nil {
		return time.Time{}, fmt.Errorf("--%s must be a YYYY-MM-DD date: %w", flag, err)
	}
	return t, nil
}
