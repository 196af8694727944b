package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rsstools/feedsyncd/internal/config"
	"github.com/rsstools/feedsyncd/internal/engine"
	"github.com/rsstools/feedsyncd/internal/logging"
	"github.com/rsstools/feedsyncd/internal/progress"
	"github.com/rsstools/feedsyncd/internal/ratelimit"
	"github.com/rsstools/feedsyncd/internal/status"
	"github.com/rsstools/feedsyncd/internal/ui"
	"github.com/rsstools/feedsyncd/internal/upstream"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	GroupID: "sync",
	Short:   "Run the sync daemon with the status server",
	Long: `Run the background sync daemon.

The daemon triggers an incremental sync on a configurable cadence,
periodically upgrading to a full pull to self-heal drift. A status
server exposes the HTTP API and a WebSocket progress stream:

  POST   /api/sync?mode=incremental|full   trigger a cycle
  GET    /api/sync/{id}                    poll a run
  DELETE /api/sync                         cancel the active run
  GET    /api/queue/dead                   list dead letters
  GET    /api/rate                         call budget ledger
  GET    /health                           liveness
  WS     /ws                               progress broadcast

The config file is watched; sync cadence and batching settings apply
without a restart.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		logging.Configure(logging.Options{
			File:       cfg.Log.File,
			MaxSizeMB:  cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAgeDays: cfg.Log.MaxAgeDays,
		})

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		st, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		q := openQueue(cfg, st)

		budget, err := ratelimit.New(ctx, st, &ratelimit.Config{
			Limit:  cfg.RateLimit.Limit,
			Window: cfg.RateLimit.Window,
		})
		if err != nil {
			return fmt.Errorf("failed to restore rate budget: %w", err)
		}

		client, err := upstream.NewHTTPClient(upstream.HTTPConfig{
			BaseURL:     cfg.Upstream.BaseURL,
			Timeout:     cfg.Upstream.Timeout,
			Credentials: &upstream.FileCredentials{Path: cfg.Upstream.TokenFile},
		})
		if err != nil {
			return fmt.Errorf("failed to build upstream client: %w", err)
		}

		tracker := progress.New(st, nil)

		eng, err := engine.New(st, q, budget, client, tracker, &engine.Config{
			Interval:       cfg.Sync.Interval,
			FullPullEvery:  cfg.Sync.FullPullEvery,
			PullPageSize:   cfg.Sync.PullPageSize,
			PushBatchSize:  cfg.Sync.PushBatchSize,
			PushTimeBudget: cfg.Sync.PushTimeBudget,
			TriggerPolicy:  engine.TriggerPolicy(cfg.Sync.TriggerPolicy),
			ChainFreshness: cfg.Sync.ChainFreshness,
			Logger:         logging.Component("engine"),
		})
		if err != nil {
			return err
		}

		server := status.NewServer(eng, &status.Config{
			Port:   cfg.Status.Port,
			Logger: logging.Component("status"),
		})
		tracker.Subscribe(server.OnProgress)

		if err := server.Start(); err != nil {
			return err
		}

		watcher := startConfigWatcher(ctx, eng)
		if watcher != nil {
			defer watcher.Stop()
		}

		fmt.Printf("%s feedsyncd serving on http://localhost:%d (db: %s)\n",
			ui.RenderPass("✓"), cfg.Status.Port, cfg.Database.Path)

		err = eng.Run(ctx)

		if stopErr := server.Stop(); stopErr != nil {
			fmt.Fprintf(os.Stderr, "Error during shutdown: %v\n", stopErr)
		}

		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	},
}

// startConfigWatcher wires hot reload of the sync tunables. Watching is
// best effort: a missing config file just means no hot reload.
func startConfigWatcher(ctx context.Context, eng *engine.Engine) *config.Watcher {
	path := configPath
	if path == "" {
		path = "feedsyncd.yaml"
	}
	if _, err := os.Stat(path); err != nil {
		return nil
	}

	logger := logging.Component("config")
	watcher, err := config.NewWatcher(path, logger)
	if err != nil {
		logger.Printf("Warning: config watch unavailable: %v", err)
		return nil
	}
	if err := watcher.Start(); err != nil {
		logger.Printf("Warning: config watch unavailable: %v", err)
		return nil
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case cfg, ok := <-watcher.Reloads():
				if !ok {
					return
				}
				eng.UpdateTunables(engine.Tunables{
					Interval:       cfg.Sync.Interval,
					FullPullEvery:  cfg.Sync.FullPullEvery,
					PullPageSize:   cfg.Sync.PullPageSize,
					PushBatchSize:  cfg.Sync.PushBatchSize,
					PushTimeBudget: cfg.Sync.PushTimeBudget,
					TriggerPolicy:  engine.TriggerPolicy(cfg.Sync.TriggerPolicy),
				})
			case err, ok := <-watcher.Errors():
				if !ok {
					return
				}
				logger.Printf("Warning: config watch error: %v", err)
			}
		}
	}()

	return watcher
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
