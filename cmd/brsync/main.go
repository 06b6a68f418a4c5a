// brsync is the BuildRunner offline sync client.
//
// It queues local mutations in a durable SQLite outbox and delivers them to
// the BuildRunner backend in the background, surviving restarts, outages,
// and flaky networks.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/buildrunner/brsync/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "brsync",
	Short: "Offline-first sync client for BuildRunner",
	Long: `brsync keeps local BuildRunner edits flowing to the backend.

Mutations (plan edits, microstep updates, comments, file uploads) are queued
in a durable local outbox and delivered asynchronously with retries, backoff,
and a circuit breaker. Version conflicts are captured for three-way
resolution instead of being overwritten.

Run 'brsync daemon' to start the background sync loop, 'brsync stats' to
inspect the queue, and 'brsync conflicts' to resolve divergences.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		config.Init(cfgFile)
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ~/.brsync/config.yaml)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
