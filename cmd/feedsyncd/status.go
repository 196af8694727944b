package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/rsstools/feedsyncd/internal/feed"
	"github.com/rsstools/feedsyncd/internal/store"
	"github.com/rsstools/feedsyncd/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "local",
	Short:   "Show cache counters, queue depth, and the last sync run",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		st, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		ctx := context.Background()

		counts, err := st.ItemCounts(ctx)
		if err != nil {
			return err
		}
		pending, err := st.CountPendingChanges(ctx)
		if err != nil {
			return err
		}
		dead, err := st.ListDeadLetters(ctx)
		if err != nil {
			return err
		}

		fmt.Println(ui.RenderTitle("Cache"))
		fmt.Printf("  items:   %d (%d unread, %d starred)\n", counts.Total, counts.Unread, counts.Starred)
		fmt.Printf("  queue:   %d pending changes\n", pending)
		if len(dead) > 0 {
			fmt.Printf("  dead:    %s\n", ui.RenderWarn(fmt.Sprintf("%d abandoned changes", len(dead))))
		}

		budget, err := st.LoadRateBudget(ctx)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		if budget != nil {
			fmt.Println(ui.RenderTitle("Rate budget"))
			fmt.Printf("  used:    %d / %d (window started %s)\n",
				budget.Used, budget.Limit, budget.WindowStart.Format(time.RFC3339))
		}

		run, err := st.LatestSyncRun(ctx)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				fmt.Println(ui.RenderMuted("No sync runs recorded yet"))
				return nil
			}
			return err
		}

		fmt.Println(ui.RenderTitle("Last sync"))
		fmt.Printf("  id:      %s\n", run.SyncID)
		fmt.Printf("  mode:    %s\n", run.Mode)
		fmt.Printf("  stage:   %s (%d%%)\n", renderStage(run.Stage), run.ProgressPercent)
		fmt.Printf("  started: %s\n", run.StartedAt.Format(time.RFC3339))
		if run.CompletedAt != nil {
			fmt.Printf("  ended:   %s\n", run.CompletedAt.Format(time.RFC3339))
		}
		if run.Message != "" {
			fmt.Printf("  note:    %s\n", run.Message)
		}
		if run.ErrorDetail != "" {
			fmt.Printf("  error:   %s\n", ui.RenderErr(run.ErrorDetail))
		}
		return nil
	},
}

func renderStage(stage feed.Stage) string {
	switch stage {
	case feed.StageCompleted:
		return ui.RenderPass(string(stage))
	case feed.StageFailed:
		return ui.RenderErr(string(stage))
	default:
		return ui.RenderAccent(string(stage))
	}
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
