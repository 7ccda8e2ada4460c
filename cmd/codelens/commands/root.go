package commands

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/codelens/codelens/pkg/appctx"
	"github.com/codelens/codelens/pkg/cli"
	"github.com/codelens/codelens/pkg/config"
)

const cliExecutable = "codelens"

// NewCommand constructs the top-level codelens CLI command, wiring global
// flags, configuration loading and logging setup.
func NewCommand() *cobra.Command {
	var (
		configFile     string
		storageDir     string
		orgID          string
		verbosityCount int
		verbose        bool
	)

	cmd := &cobra.Command{
		Use:   cliExecutable,
		Short: "Codelens runs bulk source analysis jobs",
		Long: `Codelens analyzes batches of source files, directories and repositories
as prioritized jobs with dependency ordering, caching and retries.
Jobs run locally via 'submit' or against a long-running 'server'.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			manager := config.NewManager()
			if err := manager.Load(cmd.Flags(), configFile); err != nil {
				return fmt.Errorf("load configuration: %w", err)
			}
			cfg := manager.Get()
			if storageDir != "" {
				cfg.Storage.WorkspaceRoot = storageDir
			}

			setupLogging(cfg.Log, verbose, verbosityCount)

			ctx := appctx.WithConfig(cmd.Context(), cfg)
			cmd.SetContext(ctx)
			if root := cmd.Root(); root != nil && root != cmd {
				root.SetContext(ctx)
			}
			return nil
		},
	}

	cmd.SilenceUsage = true

	cmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Configuration file path")
	cmd.PersistentFlags().StringVar(&storageDir, "storage-dir", "", "Override storage root directory")
	cmd.PersistentFlags().StringVar(&orgID, "org", "", "Organization id (default \"default\")")
	cmd.PersistentFlags().CountVarP(&verbosityCount, "verbosity", "v", "Increase logging verbosity (repeatable)")
	cmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "Enable verbose logging")

	config.BindFlags(cmd.PersistentFlags())

	cmd.AddGroup(&cobra.Group{ID: "jobs", Title: "Job Commands"})
	cmd.AddGroup(&cobra.Group{ID: "core", Title: "Core Commands"})

	cmd.AddCommand(NewSubmitCommand())
	cmd.AddCommand(NewJobsCommand())
	cmd.AddCommand(NewCancelCommand())
	cmd.AddCommand(NewResumeCommand())
	cmd.AddCommand(NewServerCommand())
	cmd.AddCommand(NewGCCommand())
	cmd.AddCommand(cli.NewVersionCommand(cliExecutable))

	return cmd
}

// setupLogging configures the global logger. The config's level is the
// baseline; -v flags only ever raise verbosity.
func setupLogging(cfg config.LogConfig, verbose bool, verbosityCount int) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	switch {
	case verbose || verbosityCount >= 2:
		level = zerolog.DebugLevel
	case verbosityCount == 1 && level > zerolog.InfoLevel:
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	out := os.Stderr
	if cfg.File != "" {
		if f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644); err == nil {
			out = f
		}
	}
	if cfg.Format == "json" {
		log.Logger = zerolog.New(out).With().Timestamp().Logger()
		return
	}
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: out}).With().Timestamp().Logger()
}

// orgFromCommand resolves the --org flag, falling back to the default
// single-tenant organization.
func orgFromCommand(cmd *cobra.Command) string {
	org, _ := cmd.Flags().GetString("org")
	if org == "" {
		return "default"
	}
	return org
}
