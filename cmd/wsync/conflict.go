package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/worksync/worksync/internal/conflict"
	"github.com/worksync/worksync/internal/types"
)

var conflictCmd = &cobra.Command{
	Use:     "conflict",
	Aliases: []string{"conflicts"},
	Short:   "Inspect and resolve sync conflicts",
}

var conflictListCmd = &cobra.Command{
	Use:   "list [config]",
	Short: "List conflicts recorded for a sync configuration",
	Long: `List conflicts recorded for a sync configuration. Only unresolved
conflicts show by default; --status filters differently and --all shows
everything.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		statusFlag, _ := cmd.Flags().GetString("status")
		all, _ := cmd.Flags().GetBool("all")

		cfg, err := findConfig(rootCtx, args[0])
		if err != nil {
			FatalErrorRespectJSON("%v", err)
		}
		status := types.ConflictStatus(statusFlag)
		if all {
			status = ""
		}
		conflicts, err := db.ListConflicts(rootCtx, cfg.ID, status)
		if err != nil {
			FatalErrorRespectJSON("list conflicts: %v", err)
		}
		if conflicts == nil {
			conflicts = make([]*types.SyncConflict, 0)
		}
		if jsonOutput {
			outputJSON(conflicts)
			return
		}
		if len(conflicts) == 0 {
			fmt.Printf("No %s conflicts for %q\n", orAll(statusFlag, all), cfg.Name)
			return
		}
		fmt.Printf("%-36s  %-17s  %-14s  %-22s  %-10s  %s\n", "ID", "KIND", "FIELD", "ITEMS", "STATUS", "DETECTED")
		for _, c := range conflicts {
			pair := c.SourceWorkItemID + " / " + c.TargetWorkItemID
			fmt.Printf("%-36s  %-17s  %-14s  %-22s  %-10s  %s\n",
				c.ID, c.Kind, c.FieldName, pair, c.Status, c.DetectedAt.Format("2006-01-02 15:04"))
		}
	},
}

func orAll(status string, all bool) string {
	if all {
		return "recorded"
	}
	return status
}

var conflictResolveCmd = &cobra.Command{
	Use:   "resolve [conflict-id]",
	Short: "Resolve one conflict by strategy or with an explicit value",
	Long: `Resolve one conflict. Without flags the config's default strategy
decides; --strategy overrides it; --value resolves manually with an explicit
JSON value; --ignore dismisses the conflict without touching either tracker.

The winning value is written back to the target (and to the source on
bidirectional configs when the source did not win).

Examples:
  wsync conflict resolve 4f1c... --strategy source-priority
  wsync conflict resolve 4f1c... --value '"Priority 1"' --rationale "ops call"
  wsync conflict resolve 4f1c... --ignore`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		strategy, _ := cmd.Flags().GetString("strategy")
		value, _ := cmd.Flags().GetString("value")
		rationale, _ := cmd.Flags().GetString("rationale")
		by, _ := cmd.Flags().GetString("by")
		ignore, _ := cmd.Flags().GetBool("ignore")

		if by == "" {
			by = getActor()
		}

		c, err := db.GetConflict(rootCtx, args[0])
		if err != nil {
			FatalErrorRespectJSON("load conflict: %v", err)
		}

		if ignore {
			if err := db.MarkConflictIgnored(rootCtx, c.ID, by); err != nil {
				FatalErrorRespectJSON("ignore conflict: %v", err)
			}
			if jsonOutput {
				outputJSON(map[string]string{"conflict": c.ID, "status": string(types.ConflictIgnored)})
				return
			}
			fmt.Printf("Conflict %s ignored\n", c.ID)
			return
		}

		cfg, err := db.GetSyncConfig(rootCtx, c.SyncConfigID)
		if err != nil {
			FatalErrorRespectJSON("load sync config: %v", err)
		}
		reg, err := newRegistry()
		if err != nil {
			FatalErrorRespectJSON("%v", err)
		}
		defer reg.Close()
		source, err := reg.Get(rootCtx, cfg.SourceConnectorID)
		if err != nil {
			FatalErrorRespectJSON("source connector: %v", err)
		}
		target, err := reg.Get(rootCtx, cfg.TargetConnectorID)
		if err != nil {
			FatalErrorRespectJSON("target connector: %v", err)
		}

		resolver := conflict.NewResolver(db, cfg, source, target)
		resolver.OnWarning = func(msg string) { WarnError("%s", msg) }

		var res *conflict.Resolution
		if value != "" {
			if !json.Valid([]byte(value)) {
				FatalErrorRespectJSON("--value must be JSON (quote strings: --value '\"High\"')")
			}
			res, err = resolver.ResolveManually(rootCtx, c.ID, json.RawMessage(value), rationale, by)
		} else {
			res, err = resolver.Resolve(rootCtx, c, types.ConflictStrategy(strategy))
		}
		if err != nil {
			FatalErrorRespectJSON("resolve conflict: %v", err)
		}

		if jsonOutput {
			outputJSON(res)
			return
		}
		if res.RequiresManual {
			fmt.Printf("Conflict %s needs an operator decision: %s\n", c.ID, res.Rationale)
			fmt.Println("Re-run with --value '<json>' to supply the resolved value.")
			return
		}
		fmt.Printf("Conflict %s resolved (%s)\n", c.ID, res.Strategy)
		if res.Winner != "" {
			fmt.Printf("  Winner:    %s\n", res.Winner)
		}
		fmt.Printf("  Rationale: %s\n", res.Rationale)
	},
}

func init() {
	conflictListCmd.Flags().String("status", string(types.ConflictUnresolved), "Filter by status: unresolved, resolved, ignored")
	conflictListCmd.Flags().Bool("all", false, "Show conflicts in every status")
	conflictResolveCmd.Flags().String("strategy", "", "Override strategy: last-write-wins, source-priority, target-priority, merge, manual")
	conflictResolveCmd.Flags().String("value", "", "Resolve manually with this JSON value")
	conflictResolveCmd.Flags().String("rationale", "", "Why this value was chosen (recorded in the audit trail)")
	conflictResolveCmd.Flags().String("by", "", "Resolver identity (default: $WORKSYNC_ACTOR, $USER)")
	conflictResolveCmd.Flags().Bool("ignore", false, "Dismiss the conflict without resolving it")

	conflictCmd.AddCommand(conflictListCmd)
	conflictCmd.AddCommand(conflictResolveCmd)
	rootCmd.AddCommand(conflictCmd)
}
