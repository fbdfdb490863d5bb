package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/worksync/worksync/internal/engine"
	"github.com/worksync/worksync/internal/mapping"
	"github.com/worksync/worksync/internal/types"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run or preview synchronizations",
}

var syncRunCmd = &cobra.Command{
	Use:   "run [config]",
	Short: "Run one synchronization to completion",
	Long: `Run one synchronization to completion and print the result.

The config may be referenced by id or name. The run executes in-process;
use 'wsync serve' for scheduled and webhook-triggered syncs.

Examples:
  # Run a config with its configured direction
  wsync sync run nightly-ado-to-sdp

  # Push target-side changes back through a one-way config
  wsync sync run nightly-ado-to-sdp --direction target_to_source

  # Sync two specific work items only
  wsync sync run nightly-ado-to-sdp --item 4021 --item 4022`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		runSync(cmd, args[0], false)
	},
}

var syncPreviewCmd = &cobra.Command{
	Use:   "preview [config]",
	Short: "Dry-run a synchronization and show per-item decisions",
	Long: `Take every sync decision without writing to either tracker or the
database, then list what a real run would do item by item.

Examples:
  wsync sync preview nightly-ado-to-sdp
  wsync sync preview nightly-ado-to-sdp --json`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		runSync(cmd, args[0], true)
	},
}

func init() {
	for _, c := range []*cobra.Command{syncRunCmd, syncPreviewCmd} {
		c.Flags().String("direction", "", "Override direction: source_to_target, target_to_source, or bidirectional")
		c.Flags().StringArray("item", nil, "Limit the run to these source work item ids (repeatable)")
	}
	syncCmd.AddCommand(syncRunCmd)
	syncCmd.AddCommand(syncPreviewCmd)
	rootCmd.AddCommand(syncCmd)
}

func runSync(cmd *cobra.Command, configRef string, dryRun bool) {
	cfg, err := findConfig(rootCtx, configRef)
	if err != nil {
		FatalErrorRespectJSON("%v", err)
	}
	if !cfg.Active {
		FatalErrorRespectJSON("sync config %q is inactive", cfg.Name)
	}

	direction, _ := cmd.Flags().GetString("direction")
	items, _ := cmd.Flags().GetStringArray("item")

	reg, err := newRegistry()
	if err != nil {
		FatalErrorRespectJSON("%v", err)
	}
	defer reg.Close()

	eng := engine.New(cfg, engine.Deps{
		Store:    db,
		Registry: reg,
		Mapper:   mapping.NewEngine(db),
	})
	if !jsonOutput {
		eng.OnMessage = func(msg string) {
			if !quietFlag {
				fmt.Printf("  %s\n", msg)
			}
		}
		eng.OnWarning = func(msg string) { WarnError("%s", msg) }
	}

	result, err := eng.Execute(rootCtx, engine.Options{
		WorkItemIDs: items,
		DryRun:      dryRun,
		Direction:   types.SyncDirection(direction),
		Trigger:     types.TriggeredManual,
	})
	if err != nil {
		FatalErrorRespectJSON("sync %q: %v", cfg.Name, err)
	}

	if jsonOutput {
		outputJSON(result)
		return
	}
	printResult(cfg, result, dryRun)
	if result.Status == types.ExecutionCompletedWithErrors || result.Status == types.ExecutionFailed {
		// Partial results were printed; the exit code still signals trouble.
		fmt.Println("\nRun 'wsync execution show' with the execution id for per-item errors.")
	}
}

func printResult(cfg *types.SyncConfig, result *engine.Result, dryRun bool) {
	verb := "Sync"
	if dryRun {
		verb = "Dry run"
	}
	fmt.Printf("\n%s of %q (%s): %s\n", verb, cfg.Name, result.Direction, result.Status)
	fmt.Printf("  Items:     %d\n", result.Total)
	fmt.Printf("  Created:   %d\n", result.Created)
	fmt.Printf("  Updated:   %d\n", result.Updated)
	fmt.Printf("  Skipped:   %d\n", result.Skipped)
	fmt.Printf("  Errors:    %d\n", result.Errors)
	if result.ConflictsDetected > 0 {
		fmt.Printf("  Conflicts: %d detected, %d resolved, %d awaiting manual resolution\n",
			result.ConflictsDetected, result.ConflictsResolved, result.ConflictsManual)
	}
	if result.ExecutionID != "" {
		fmt.Printf("  Execution: %s\n", result.ExecutionID)
	}

	if !dryRun || len(result.Items) == 0 {
		return
	}
	fmt.Println("\nPlanned actions:")
	for _, item := range result.Items {
		line := fmt.Sprintf("  %-8s %s", item.Action, item.SourceID)
		if item.TargetID != "" {
			line += " -> " + item.TargetID
		}
		if item.Error != "" {
			line += "  (" + item.Error + ")"
		}
		fmt.Println(line)
	}
	fmt.Println("\nNo changes were written.")
}
