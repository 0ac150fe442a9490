package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// newInitSchemaCmd creates the 'init-schema' subcommand. The statements
// are idempotent, so re-running against a live database is safe.
func newInitSchemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init-schema",
		Short: "Creates or upgrades the database schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if err := a.Store.InitSchema(cmd.Context()); err != nil {
				return fmt.Errorf("init schema: %w", err)
			}
			a.Logger.Info("schema initialized")
			return nil
		},
	}
}
