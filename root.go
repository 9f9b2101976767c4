package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/tonimelisma/docsync/internal/catalog"
	"github.com/tonimelisma/docsync/internal/config"
)

// version is set at build time via ldflags.
var version = "dev"

// Global persistent flags, bound in newRootCmd().
var (
	flagJSON    bool
	flagVerbose bool
	flagQuiet   bool
)

// errUsage marks command-line mistakes. main() exits with status 2 for
// these, so scripts can tell "you typed it wrong" from "the run failed".
var errUsage = errors.New("usage error")

// newRootCmd builds and returns the fully-assembled root command with all
// subcommands registered. Called once from main().
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "docsync",
		Short: "Sync documents into RAG knowledge bases",
		Long: `docsync keeps RAG knowledge bases in step with their document sources.

It lists files from local directories, SharePoint sites, and OneDrive
accounts, detects changes against a PostgreSQL catalog, and delivers new
and modified content to the knowledge base's storage backend. Every file
outcome is recorded in the catalog, which is the authoritative history.`,
		Version: version,
		// Silence Cobra's default error/usage printing — we handle it ourselves.
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	cmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "output in JSON format")
	cmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")
	cmd.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "suppress informational output")

	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return fmt.Errorf("%w: %v", errUsage, err)
	})

	// Register subcommands.
	cmd.AddCommand(newSetupCmd())
	cmd.AddCommand(newSyncCmd())
	cmd.AddCommand(newScanCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newInfoCmd())
	cmd.AddCommand(newHistoryCmd())
	cmd.AddCommand(newKBCmd())
	cmd.AddCommand(newMultiSourceCmd())

	return cmd
}

// usageArgs wraps a positional-argument validator so that argument
// mistakes exit with the usage status instead of the failure status.
func usageArgs(check cobra.PositionalArgs) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := check(cmd, args); err != nil {
			return fmt.Errorf("%w: %v", errUsage, err)
		}

		return nil
	}
}

// buildLogger creates an slog.Logger configured by the environment and
// CLI flags. DOCSYNC_LOG_LEVEL provides the baseline; --verbose and
// --quiet override it because CLI flags always win. Interactive terminals
// get the text handler; everything else gets JSON for log collectors.
func buildLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo

	if cfg != nil {
		switch cfg.LogLevel {
		case "debug":
			level = slog.LevelDebug
		case "warn":
			level = slog.LevelWarn
		case "error":
			level = slog.LevelError
		}
	}

	// CLI flags override config (highest priority).
	if flagVerbose {
		level = slog.LevelDebug
	}

	if flagQuiet {
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	if isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd()) {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}

	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

// openCatalog loads the environment configuration and connects to the
// catalog database, running any pending migrations. The caller owns the
// returned repository and must Close it.
func openCatalog(ctx context.Context) (*catalog.Repository, *slog.Logger, error) {
	cfg, err := config.FromEnv()
	if err != nil {
		return nil, nil, err
	}

	logger := buildLogger(cfg)

	repo, err := catalog.Open(ctx, cfg.DSN(), cfg.MinPoolSize, cfg.MaxPoolSize, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to catalog: %w", err)
	}

	return repo, logger, nil
}

// exitOnError prints a user-friendly error message to stderr and exits.
func exitOnError(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
