package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/buildrunner/brsync/internal/ui"
)

var cleanupCompleted bool

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Prune old data from the local store",
	Long: `Remove data past its retention window:

  - completed outbox items older than 7 days
  - health snapshots older than 24 hours (latest per target is kept)
  - resolved conflicts older than 30 days

With --completed, delivered outbox items are removed regardless of age.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		ctx := cmd.Context()
		before, err := st.Stats(ctx)
		if err != nil {
			return fmt.Errorf("failed to read stats: %w", err)
		}

		if err := st.CleanupOldData(ctx); err != nil {
			return fmt.Errorf("cleanup failed: %w", err)
		}

		if cleanupCompleted {
			n, err := st.ClearCompletedItems(ctx)
			if err != nil {
				return fmt.Errorf("failed to clear completed items: %w", err)
			}
			fmt.Printf("%s Cleared %d completed items\n", ui.RenderPass("✓"), n)
		}

		after, err := st.Stats(ctx)
		if err != nil {
			return fmt.Errorf("failed to read stats: %w", err)
		}

		pruned := before.OutboxTotal - after.OutboxTotal
		fmt.Printf("%s Cleanup complete (%d outbox items pruned)\n", ui.RenderPass("✓"), pruned)
		return nil
	},
}

func init() {
	cleanupCmd.Flags().BoolVar(&cleanupCompleted, "completed", false, "also remove all delivered items")
	rootCmd.AddCommand(cleanupCmd)
}
