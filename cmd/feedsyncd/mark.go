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

var markCmd = &cobra.Command{
	Use:     "mark",
	GroupID: "local",
	Short:   "Mark articles read, unread, starred, or unstarred",
	Long: `Mark an article's read or star state. The change applies to the local
cache immediately and is pushed upstream by the next sync cycle; no
network access is needed.

  feedsyncd mark read <item-id>
  feedsyncd mark star <item-id> <item-id>...`,
}

func newMarkSubcommand(use string, action feed.Action) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <item-id>...",
		Short: fmt.Sprintf("Mark articles as %s", use),
		Args:  cobra.MinimumNArgs(1),
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

			q := openQueue(cfg, st)
			ctx := context.Background()

			for _, itemID := range args {
				now := time.Now().UTC()
				if err := st.ApplyLocalAction(ctx, itemID, action, now); err != nil {
					if errors.Is(err, store.ErrNotFound) {
						return fmt.Errorf("item %s is not in the local cache, sync first", itemID)
					}
					return err
				}
				if _, err := q.Enqueue(ctx, itemID, action, now); err != nil {
					return err
				}
				fmt.Printf("%s %s %s\n", ui.RenderPass("✓"), action, itemID)
			}
			return nil
		},
	}
}

func init() {
	markCmd.AddCommand(
		newMarkSubcommand("read", feed.ActionRead),
		newMarkSubcommand("unread", feed.ActionUnread),
		newMarkSubcommand("star", feed.ActionStar),
		newMarkSubcommand("unstar", feed.ActionUnstar),
	)
	rootCmd.AddCommand(markCmd)
}
