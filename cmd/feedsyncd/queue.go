package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/rsstools/feedsyncd/internal/ui"
)

var queueCmd = &cobra.Command{
	Use:     "queue",
	GroupID: "local",
	Short:   "Inspect the change queue and dead-letter set",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List changes waiting to be pushed",
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

		entries, err := st.ListChanges(context.Background())
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Println(ui.RenderMuted("Queue is empty"))
			return nil
		}

		for _, e := range entries {
			line := fmt.Sprintf("%-8s %s  (queued %s)", e.Action, e.ItemUpstreamID,
				e.ActionTimestamp.Format(time.RFC3339))
			if e.Attempts > 0 {
				line += " " + ui.RenderWarn(fmt.Sprintf("[%d attempts, retry %s]",
					e.Attempts, e.NextAttemptAt.Format(time.RFC3339)))
			}
			fmt.Println(line)
		}
		fmt.Printf("\n%d pending changes\n", len(entries))
		return nil
	},
}

var queueDeadCmd = &cobra.Command{
	Use:   "dead",
	Short: "List changes abandoned after exhausting retries",
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

		letters, err := st.ListDeadLetters(context.Background())
		if err != nil {
			return err
		}
		if len(letters) == 0 {
			fmt.Println(ui.RenderPass("No dead letters"))
			return nil
		}

		for _, d := range letters {
			fmt.Printf("%s %-8s %s  (%d attempts)\n", ui.RenderErr("✗"), d.Action, d.ItemUpstreamID, d.Attempts)
			fmt.Printf("  id:    %s\n", d.ID)
			if d.LastError != "" {
				fmt.Printf("  error: %s\n", ui.RenderMuted(d.LastError))
			}
		}
		return nil
	},
}

var queueRetryCmd = &cobra.Command{
	Use:   "retry <dead-letter-id>",
	Short: "Move a dead letter back into the queue",
	Args:  cobra.ExactArgs(1),
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
		if err := q.RequeueDeadLetter(context.Background(), args[0]); err != nil {
			return err
		}
		fmt.Printf("%s Requeued %s\n", ui.RenderPass("✓"), args[0])
		return nil
	},
}

var queueExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Dump the queue and dead-letter set as YAML",
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
		entries, err := st.ListChanges(ctx)
		if err != nil {
			return err
		}
		letters, err := st.ListDeadLetters(ctx)
		if err != nil {
			return err
		}

		dump := map[string]interface{}{
			"exported_at": time.Now().UTC().Format(time.RFC3339),
			"pending":     entries,
			"dead":        letters,
		}

		enc := yaml.NewEncoder(os.Stdout)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(dump)
	},
}

func init() {
	queueCmd.AddCommand(queueListCmd, queueDeadCmd, queueRetryCmd, queueExportCmd)
	rootCmd.AddCommand(queueCmd)
}
