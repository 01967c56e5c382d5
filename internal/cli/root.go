// Package cli provides the command-line interface for enrich.
package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/raphaelgruber/enrich/internal/checkpoint"
	"github.com/raphaelgruber/enrich/internal/config"
	"github.com/raphaelgruber/enrich/internal/db"
	"github.com/raphaelgruber/enrich/internal/storage/badgerstore"
	"github.com/raphaelgruber/enrich/internal/storage/weaviatestore"
	"github.com/spf13/cobra"
)

var (
	// Version is set at build time.
	Version = "0.1.0"

	// Global flags
	verbose bool

	// Global config and logger
	cfg           config.Config
	logger        *slog.Logger
	loggerCleanup func() error

	// exitCode is set by commands that finish without error but still must
	// report an incomplete run.
	exitCode int
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "enrich",
	Short: "Checkpointed batch label enrichment for a graph store",
	Long: `Enrich adds capability labels to groups of entities in a SurrealDB graph,
in bounded batches, between two immutable checkpoints.

Each run counts its targets, checkpoints the graph, labels every target,
re-counts labels and a baseline population that must not change, and
checkpoints again. Every step is written to a JSONL audit log.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Skip setup for version and help commands
		if cmd.Name() == "version" || cmd.Name() == "help" {
			return nil
		}

		cfg = config.Load()
		level := cfg.LogLevel
		if verbose {
			level = slog.LevelDebug
		}
		logger, loggerCleanup = config.SetupLogger(cfg.LogFile, level)
		slog.SetDefault(logger)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if loggerCleanup != nil {
			if err := loggerCleanup(); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: failed to close log file: %v\n", err)
			}
		}
	},
}

// Execute runs the root command and returns the process exit code.
func Execute() int {
	exitCode = 0
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return exitCode
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(precheckCmd)
	rootCmd.AddCommand(checkpointsCmd)
	rootCmd.AddCommand(auditCmd)
	rootCmd.AddCommand(versionCmd)
}

// connectGraph connects to SurrealDB and initializes the schema.
func connectGraph(ctx context.Context) (*db.Client, error) {
	client, err := db.NewClient(ctx, db.Config{
		URL:           cfg.SurrealDBURL,
		Namespace:     cfg.SurrealDBNamespace,
		Database:      cfg.SurrealDBDatabase,
		Username:      cfg.SurrealDBUser,
		Password:      cfg.SurrealDBPass,
		AuthLevel:     cfg.SurrealDBAuthLevel,
		MaxReconnects: cfg.SurrealDBReconnect,
	}, logger)
	if err != nil {
		return nil, errors.Wrap(err, "connect to database")
	}
	if err := client.InitSchema(ctx); err != nil {
		_ = client.Close(ctx)
		return nil, errors.Wrap(err, "initialize schema")
	}
	return client, nil
}

// openBackend opens the configured checkpoint backend.
func openBackend(ctx context.Context) (checkpoint.Backend, io.Closer, error) {
	switch cfg.CheckpointBackend {
	case config.BackendBadger:
		store, err := badgerstore.Open(badgerstore.Config{Path: cfg.BadgerPath, Logger: logger})
		if err != nil {
			return nil, nil, err
		}
		return store, store, nil
	case config.BackendWeaviate:
		store, err := weaviatestore.New(ctx, weaviatestore.Config{
			URL:    cfg.WeaviateURL,
			Class:  cfg.WeaviateClass,
			Logger: logger,
		})
		if err != nil {
			return nil, nil, err
		}
		return store, nil, nil
	default:
		return nil, nil, errors.Newf("unknown checkpoint backend %q", cfg.CheckpointBackend)
	}
}

// closeQuietly logs close failures instead of returning them.
func closeQuietly(name string, c io.Closer) {
	if c == nil {
		return
	}
	if err := c.Close(); err != nil {
		logger.Warn("close failed", "resource", name, "error", err)
	}
}
