package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/buildrunner/brsync/internal/config"
	"github.com/buildrunner/brsync/internal/ui"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage brsync configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a starter config file",
	Long: `Create a commented starter configuration at ~/.brsync/config.yaml
(or at --config if given). Refuses to overwrite an existing file.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		path := cfgFile
		if path == "" {
			path = filepath.Join(config.DefaultConfigDir(), "config.yaml")
		}

		if err := config.WriteDefault(path); err != nil {
			return err
		}

		fmt.Printf("%s Wrote %s\n", ui.RenderPass("✓"), path)
		fmt.Printf("   Set your token with BRSYNC_TOKEN or the token key.\n")
		return nil
	},
}

func init() {
	configCmd.AddCommand(configInitCmd)
	rootCmd.AddCommand(configCmd)
}
