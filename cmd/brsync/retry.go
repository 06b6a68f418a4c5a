package main

import (
	"fmt"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"

	"github.com/buildrunner/brsync/internal/ui"
)

var retryAfter string

var retryCmd = &cobra.Command{
	Use:   "retry",
	Short: "Requeue permanently failed items",
	Long: `Reset all failed outbox items back to queued with a fresh attempt
budget. The daemon picks them up on its next poll.

Use --after to delay the first redelivery, e.g.:

  brsync retry --after "in 10 minutes"
  brsync retry --after "tomorrow at 9am"`,
	RunE: func(cmd *cobra.Command, args []string) error {
		notBefore := time.Now()
		if retryAfter != "" {
			w := when.New(nil)
			w.Add(en.All...)
			w.Add(common.All...)

			r, err := w.Parse(retryAfter, time.Now())
			if err != nil {
				return fmt.Errorf("failed to parse --after: %w", err)
			}
			if r == nil {
				return fmt.Errorf("could not understand --after %q", retryAfter)
			}
			notBefore = r.Time
		}

		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		n, err := st.RetryFailedItems(cmd.Context(), notBefore)
		if err != nil {
			return fmt.Errorf("failed to requeue items: %w", err)
		}

		if n == 0 {
			fmt.Printf("%s No failed items to retry\n", ui.RenderWarn("⚠"))
			return nil
		}
		if retryAfter != "" {
			fmt.Printf("%s Requeued %d items for delivery after %s\n",
				ui.RenderPass("✓"), n, notBefore.Format("2006-01-02 15:04"))
		} else {
			fmt.Printf("%s Requeued %d items\n", ui.RenderPass("✓"), n)
		}
		return nil
	},
}

func init() {
	retryCmd.Flags().StringVar(&retryAfter, "after", "", "natural-language delivery delay (e.g. \"in 10 minutes\")")
	rootCmd.AddCommand(retryCmd)
}
