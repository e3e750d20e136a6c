package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/sukta/internal/server"
)

// newRunCmd creates a long-running subcommand that starts the service in role.
func newRunCmd(use, short string, role server.Role) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := resolveConfig(cmd.Context())
			if err != nil {
				return err
			}
			return runApp(cmd.Context(), cfg, role)
		},
	}
}

// newMigrateCmd creates the 'migrate' subcommand, which prepares the postgres
// schema and exits.
func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Creates the session and question tables",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := resolveConfig(cmd.Context())
			if err != nil {
				return err
			}
			logger, err := commandLogger(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			if err := server.Migrate(cmd.Context(), cfg, logger); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			return nil
		},
	}
}
