package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rsstools/feedsyncd/internal/store"
	"github.com/rsstools/feedsyncd/internal/ui"
)

var (
	listFilter string
	listLimit  int
)

var listCmd = &cobra.Command{
	Use:     "list",
	GroupID: "local",
	Short:   "List cached articles",
	Long: `List articles from the local cache. Works offline.

  feedsyncd list                  # newest first
  feedsyncd list --filter unread
  feedsyncd list --filter starred
  feedsyncd list --filter pending # local changes not yet pushed`,
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

		items, err := st.ListItems(store.ListItemsOptions{
			Filter: store.ItemFilter(listFilter),
			Limit:  listLimit,
		})
		if err != nil {
			return err
		}
		if len(items) == 0 {
			fmt.Println(ui.RenderMuted("No articles match"))
			return nil
		}

		for _, item := range items {
			marker := " "
			if !item.IsRead {
				marker = ui.RenderAccent("●")
			}
			star := " "
			if item.IsStarred {
				star = ui.RenderWarn("★")
			}
			title := item.Title
			if title == "" {
				title = item.URL
			}
			fmt.Printf("%s%s %s  %s\n", marker, star, title, ui.RenderMuted(item.FeedTitle))
			fmt.Printf("     %s\n", ui.RenderMuted(item.UpstreamID))
		}
		return nil
	},
}

func init() {
	listCmd.Flags().StringVar(&listFilter, "filter", "all", "all, unread, starred, or pending")
	listCmd.Flags().IntVar(&listLimit, "limit", 50, "maximum articles to show (0 = no limit)")
	rootCmd.AddCommand(listCmd)
}
