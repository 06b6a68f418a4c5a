package main

import (
	"encoding/json"
	"fmt"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/buildrunner/brsync/internal/store"
	"github.com/buildrunner/brsync/internal/ui"
)

var conflictsCmd = &cobra.Command{
	Use:   "conflicts",
	Short: "Inspect and resolve sync conflicts",
}

var conflictsProject string

var conflictsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List unresolved conflicts",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		conflicts, err := st.GetUnresolvedConflicts(cmd.Context(), conflictsProject)
		if err != nil {
			return fmt.Errorf("failed to list conflicts: %w", err)
		}

		if len(conflicts) == 0 {
			fmt.Printf("%s No unresolved conflicts\n", ui.RenderPass("✓"))
			return nil
		}

		fmt.Print(ui.SectionHeader("unresolved conflicts"))
		for _, c := range conflicts {
			fmt.Printf("  %s\n", ui.FormatConflictShort(c))
		}
		fmt.Printf("\nRun 'brsync conflicts resolve <id>' to resolve one.\n")
		return nil
	},
}

var (
	resolveStrategy string
	resolveMerged   string
)

var conflictsResolveCmd = &cobra.Command{
	Use:   "resolve <conflict-id>",
	Short: "Resolve one conflict",
	Long: `Resolve a conflict by choosing which side wins.

Without flags this runs an interactive picker showing both sides. With
--strategy the choice is applied directly:

  brsync conflicts resolve 4f1c... --strategy local
  brsync conflicts resolve 4f1c... --strategy remote
  brsync conflicts resolve 4f1c... --strategy merge --merged merged.json`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		ctx := cmd.Context()
		conflict, err := st.GetConflict(ctx, args[0])
		if err != nil {
			return fmt.Errorf("failed to load conflict: %w", err)
		}
		if conflict.ResolvedAt != nil {
			return fmt.Errorf("conflict %s is already resolved", ui.ShortID(conflict.ID))
		}

		strategy := resolveStrategy
		if strategy == "" {
			strategy, err = pickStrategy(conflict)
			if err != nil {
				return err
			}
		}

		var resolution json.RawMessage
		var strat store.ResolutionStrategy
		switch strategy {
		case "local":
			resolution = conflict.Local
			strat = store.StrategyManualLocal
		case "remote":
			resolution = conflict.Remote
			strat = store.StrategyManualRemote
		case "merge":
			if resolveMerged == "" {
				return fmt.Errorf("--merged <file> is required with --strategy merge")
			}
			resolution, err = readMergedPayload(resolveMerged)
			if err != nil {
				return err
			}
			strat = store.StrategyManualMerge
		default:
			return fmt.Errorf("unknown strategy %q (want local, remote, or merge)", strategy)
		}

		if err := st.ResolveConflict(ctx, conflict.ID, resolution, strat, false); err != nil {
			return fmt.Errorf("failed to resolve conflict: %w", err)
		}

		fmt.Printf("%s Conflict %s resolved (%s)\n", ui.RenderPass("✓"), ui.ShortID(conflict.ID), strat)
		return nil
	},
}

// pickStrategy runs the interactive resolution picker.
func pickStrategy(conflict *store.Conflict) (string, error) {
	fmt.Printf("\n%s Conflict on %s %s\n\n", ui.RenderWarn("◎"), conflict.Entity, conflict.EntityID)
	fmt.Printf("%s\n%s\n\n", ui.Title("Local:"), indentJSON(conflict.Local))
	fmt.Printf("%s\n%s\n\n", ui.Title("Remote:"), indentJSON(conflict.Remote))

	var choice string
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Which side should win?").
				Options(
					huh.NewOption("Keep local edit", "local"),
					huh.NewOption("Accept remote version", "remote"),
				).
				Value(&choice),
		),
	)
	if err := form.Run(); err != nil {
		return "", fmt.Errorf("resolution cancelled: %w", err)
	}
	return choice, nil
}

func indentJSON(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "  (empty)"
	}
	var buf map[string]interface{}
	if err := json.Unmarshal(raw, &buf); err != nil {
		return "  " + string(raw)
	}
	pretty, err := json.MarshalIndent(buf, "  ", "  ")
	if err != nil {
		return "  " + string(raw)
	}
	return "  " + string(pretty)
}

func init() {
	conflictsListCmd.Flags().StringVar(&conflictsProject, "project", "", "filter by project id")
	conflictsResolveCmd.Flags().StringVar(&resolveStrategy, "strategy", "", "resolution strategy: local, remote, or merge")
	conflictsResolveCmd.Flags().StringVar(&resolveMerged, "merged", "", "file holding the merged payload (with --strategy merge)")
	conflictsCmd.AddCommand(conflictsListCmd)
	conflictsCmd.AddCommand(conflictsResolveCmd)
	rootCmd.AddCommand(conflictsCmd)
}
