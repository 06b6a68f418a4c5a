package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/buildrunner/brsync/internal/store"
	"github.com/buildrunner/brsync/internal/ui"
)

var statsJSON bool

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show outbox and sync statistics",
	Long: `Display the current state of the sync queue.

Shows:
  - Outbox counts by status
  - Unresolved conflict count
  - Cached snapshot counts
  - Recently failed items`,
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		ctx := cmd.Context()
		stats, err := st.Stats(ctx)
		if err != nil {
			return fmt.Errorf("failed to read stats: %w", err)
		}

		if statsJSON {
			return ui.JSON(stats)
		}

		fmt.Printf("\n%s Sync Queue Status\n\n", ui.RenderAccent("☰"))
		fmt.Printf("Outbox: %d total\n", stats.OutboxTotal)
		fmt.Printf("  %s  %d\n", ui.StatusBadge(store.StatusQueued), stats.OutboxQueued)
		fmt.Printf("  %s  %d\n", ui.StatusBadge(store.StatusProcessing), stats.OutboxProcessing)
		fmt.Printf("  %s  %d\n", ui.StatusBadge(store.StatusCompleted), stats.OutboxCompleted)
		fmt.Printf("  %s  %d\n", ui.StatusBadge(store.StatusFailed), stats.OutboxFailed)
		fmt.Printf("  %s  %d\n", ui.StatusBadge(store.StatusConflict), stats.OutboxConflict)
		fmt.Printf("\nUnresolved conflicts: %d\n", stats.UnresolvedConflicts)
		fmt.Printf("Cached plans: %d, cached states: %d\n", stats.PlanCacheSize, stats.StateCacheSize)

		failed, err := st.GetFailedItems(ctx)
		if err != nil {
			return fmt.Errorf("failed to list failed items: %w", err)
		}
		if len(failed) > 0 {
			fmt.Print(ui.SectionHeader("recent failures"))
			for _, item := range failed {
				fmt.Printf("  %s\n", ui.FormatItemShort(item))
				if item.LastError != "" {
					fmt.Printf("      %s\n", ui.Subtle(item.LastError))
				}
			}
		}
		fmt.Println()
		return nil
	},
}

func init() {
	statsCmd.Flags().BoolVar(&statsJSON, "json", false, "output as JSON")
	rootCmd.AddCommand(statsCmd)
}
