package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rsstools/feedsyncd/internal/config"
	"github.com/rsstools/feedsyncd/internal/logging"
	"github.com/rsstools/feedsyncd/internal/queue"
	"github.com/rsstools/feedsyncd/internal/store"
)

var (
	configPath string
	dbPath     string
)

var rootCmd = &cobra.Command{
	Use:   "feedsyncd",
	Short: "Bi-directional read-state sync for feed aggregation services",
	Long: `feedsyncd keeps a local article cache in sync with a feed aggregation
service. Read and star actions apply locally first and are pushed
upstream in the background; remote changes are pulled on a schedule.

The local cache is a SQLite database; all read commands work offline.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default: ./feedsyncd.yaml, ~/.config/feedsyncd/feedsyncd.yaml)")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "SQLite database path (overrides config)")

	rootCmd.AddGroup(
		&cobra.Group{ID: "sync", Title: "Sync Commands:"},
		&cobra.Group{ID: "local", Title: "Local Commands:"},
	)
}

// loadConfig reads configuration and applies command-line overrides.
func loadConfig() (*config.File, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if dbPath != "" {
		cfg.Database.Path = dbPath
	}
	return cfg, nil
}

// openStore opens the local cache database and ensures the schema
// exists. The caller owns the returned store.
func openStore(cfg *config.File) (*store.Store, error) {
	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", cfg.Database.Path, err)
	}
	if err := st.InitSchema(); err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return st, nil
}

// openQueue builds the change queue over an open store.
func openQueue(cfg *config.File, st *store.Store) *queue.Queue {
	return queue.New(st, &queue.Config{
		BackoffBase: cfg.Queue.BackoffBase,
		BackoffCap:  cfg.Queue.BackoffCap,
		MaxAttempts: cfg.Queue.MaxAttempts,
		Logger:      logging.Component("queue"),
	})
}
