// Package cmd defines and implements the CLI commands for the sukta executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/sukta/internal/config"
	"github.com/JakeFAU/sukta/internal/logging"
	"github.com/JakeFAU/sukta/internal/server"
)

// cfgKeyType is the key for storing the loaded Config in the context.
type cfgKeyType string

const cfgKey cfgKeyType = "config"

// runApp builds and runs the service for role. It is a variable so tests can
// observe which role a command selects without starting servers.
var runApp = func(ctx context.Context, cfg *config.Config, role server.Role) error {
	app, err := server.Build(ctx, cfg, role)
	if err != nil {
		return fmt.Errorf("failed to initialize application services: %w", err)
	}
	return app.Run(ctx)
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	var (
		cfgFile string
		envFile string
	)
	cmd := &cobra.Command{
		Use:   "sukta",
		Short: "Ask questions about any website.",
		Long: `sukta scrapes a web page into a session and answers natural-language
questions about it with a large language model. Scraping and answering run
as background jobs; clients poll the HTTP API for results.`,
		SilenceUsage: true,

		// Config is loaded once here and handed to subcommands through the
		// command context.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := config.LoadDotEnv(envFile); err != nil {
				return err
			}
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), cfgKey, &cfg))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (yaml, json or toml)")
	cmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the environment is read")

	cmd.AddCommand(
		newRunCmd("serve", "Runs the HTTP API and the job workers in one process", server.RoleAll),
		newRunCmd("api", "Runs only the HTTP API; jobs are consumed elsewhere", server.RoleAPI),
		newRunCmd("worker", "Runs only the scrape and answer workers", server.RoleWorker),
		newMigrateCmd(),
	)
	return cmd
}

func resolveConfig(ctx context.Context) (*config.Config, error) {
	cfg, ok := ctx.Value(cfgKey).(*config.Config)
	if !ok || cfg == nil {
		return nil, errors.New("configuration not loaded")
	}
	return cfg, nil
}

// Execute is the main entry point.
func Execute() {
	root := newRootCmd()
	root.SetContext(context.Background())
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "sukta: %v\n", err)
		os.Exit(1)
	}
}

// commandLogger builds the logger used by short-lived commands.
func commandLogger(cfg *config.Config) (*zap.Logger, error) {
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	return logger, nil
}
