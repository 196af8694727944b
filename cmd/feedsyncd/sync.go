package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"

	"github.com/rsstools/feedsyncd/internal/engine"
	"github.com/rsstools/feedsyncd/internal/feed"
	"github.com/rsstools/feedsyncd/internal/logging"
	"github.com/rsstools/feedsyncd/internal/progress"
	"github.com/rsstools/feedsyncd/internal/ratelimit"
	"github.com/rsstools/feedsyncd/internal/store"
	"github.com/rsstools/feedsyncd/internal/ui"
	"github.com/rsstools/feedsyncd/internal/upstream"
)

var (
	syncMode  string
	syncSince string
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Run one sync cycle and wait for it to finish",
	Long: `Run a single sync cycle in-process: pull remote changes, resolve
conflicts, and push queued local actions.

The --since flag rewinds the pull window and accepts natural language:

  feedsyncd sync --since "2 days ago"
  feedsyncd sync --since "last friday"
  feedsyncd sync --mode full`,
	RunE: func(cmd *cobra.Command, args []string) error {
		mode := feed.SyncMode(syncMode)
		if err := mode.Validate(); err != nil {
			return err
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		st, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		if syncSince != "" {
			since, err := parseSince(syncSince)
			if err != nil {
				return err
			}
			if err := st.SetWatermark(ctx, store.WatermarkIncrementalPull, since); err != nil {
				return fmt.Errorf("failed to rewind pull window: %w", err)
			}
			fmt.Printf("%s Pull window rewound to %s\n", ui.RenderAccent("⏪"), since.Format(time.RFC3339))
		}

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
			Logger:         logging.Component("engine"),
		})
		if err != nil {
			return err
		}

		syncID, err := eng.TriggerSync(ctx, mode)
		if err != nil {
			return err
		}

		fmt.Printf("%s Sync %s started (mode=%s)\n", ui.RenderAccent("🔄"), syncID, mode)

		run, err := waitForRun(ctx, eng, syncID)
		if err != nil {
			return err
		}

		switch run.Stage {
		case feed.StageCompleted:
			fmt.Printf("%s Sync completed: %s\n", ui.RenderPass("✓"), run.Message)
		case feed.StageFailed:
			return fmt.Errorf("sync failed: %s", run.ErrorDetail)
		default:
			fmt.Printf("%s Sync interrupted at stage %s\n", ui.RenderWarn("!"), run.Stage)
		}
		return nil
	},
}

// waitForRun polls the run until it reaches a terminal stage, echoing
// progress changes.
func waitForRun(ctx context.Context, eng *engine.Engine, syncID string) (*feed.SyncRun, error) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	lastPct := -1
	for {
		select {
		case <-ctx.Done():
			eng.CancelActive()
			run, err := eng.Status(context.Background(), syncID)
			if err != nil {
				return nil, ctx.Err()
			}
			return run, nil

		case <-ticker.C:
			run, err := eng.Status(ctx, syncID)
			if err != nil {
				return nil, fmt.Errorf("failed to poll sync %s: %w", syncID, err)
			}
			if run.ProgressPercent != lastPct {
				lastPct = run.ProgressPercent
				fmt.Printf("  %3d%% %s %s\n", run.ProgressPercent, ui.RenderMuted(string(run.Stage)), run.Message)
			}
			if run.Stage.Terminal() {
				return run, nil
			}
		}
	}
}

// parseSince parses a natural language or RFC 3339 timestamp.
func parseSince(text string) (time.Time, error) {
	if ts, err := time.Parse(time.RFC3339, text); err == nil {
		return ts.UTC(), nil
	}

	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)

	result, err := w.Parse(text, time.Now())
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse --since %q: %w", text, err)
	}
	if result == nil {
		return time.Time{}, fmt.Errorf("could not understand --since %q", text)
	}
	return result.Time.UTC(), nil
}

func init() {
	syncCmd.Flags().StringVar(&syncMode, "mode", "incremental", "sync mode: incremental or full")
	syncCmd.Flags().StringVar(&syncSince, "since", "", "rewind the pull window (natural language or RFC 3339)")
	rootCmd.AddCommand(syncCmd)
}
