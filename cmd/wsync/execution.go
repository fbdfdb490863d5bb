package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/worksync/worksync/internal/types"
)

var executionLimit int

var executionCmd = &cobra.Command{
	Use:     "execution",
	Aliases: []string{"executions"},
	Short:   "Inspect sync execution history",
}

var executionListCmd = &cobra.Command{
	Use:   "list [config]",
	Short: "List a configuration's executions, newest first",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := findConfig(rootCtx, args[0])
		if err != nil {
			FatalErrorRespectJSON("%v", err)
		}
		execs, err := db.ListExecutions(rootCtx, cfg.ID, executionLimit)
		if err != nil {
			FatalErrorRespectJSON("list executions: %v", err)
		}
		if execs == nil {
			execs = make([]*types.SyncExecution, 0)
		}
		if jsonOutput {
			outputJSON(execs)
			return
		}
		if len(execs) == 0 {
			fmt.Printf("No executions for %q yet.\n", cfg.Name)
			return
		}
		fmt.Printf("%-36s  %-10s  %-10s  %-17s  %-9s  %s\n",
			"ID", "STATUS", "TRIGGER", "STARTED", "DURATION", "CREATED/UPDATED/FAILED")
		for _, e := range execs {
			fmt.Printf("%-36s  %-10s  %-10s  %-17s  %-9s  %d/%d/%d\n",
				e.ID, e.Status, e.Trigger,
				e.StartedAt.Format("2006-01-02 15:04"),
				executionDuration(e),
				e.ItemsCreated, e.ItemsUpdated, e.ItemsFailed)
		}
	},
}

var executionShowCmd = &cobra.Command{
	Use:   "show [execution-id]",
	Short: "Show one execution with its log and error rows",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		e, err := db.GetExecution(rootCtx, args[0])
		if err != nil {
			FatalErrorRespectJSON("%v", err)
		}
		syncErrs, err := db.ListSyncErrors(rootCtx, e.ID)
		if err != nil {
			FatalErrorRespectJSON("list sync errors: %v", err)
		}
		if jsonOutput {
			outputJSON(map[string]interface{}{
				"execution": e,
				"errors":    syncErrs,
			})
			return
		}
		fmt.Printf("Execution %s\n", e.ID)
		fmt.Printf("  Config:    %s\n", e.SyncConfigID)
		fmt.Printf("  Status:    %s\n", e.Status)
		fmt.Printf("  Direction: %s\n", e.Direction)
		fmt.Printf("  Trigger:   %s\n", e.Trigger)
		fmt.Printf("  Started:   %s\n", e.StartedAt.Format(time.RFC3339))
		if e.CompletedAt != nil {
			fmt.Printf("  Completed: %s (%s)\n", e.CompletedAt.Format(time.RFC3339), executionDuration(e))
		}
		fmt.Printf("  Items:     %d synced, %d created, %d updated, %d failed\n",
			e.ItemsSynced, e.ItemsCreated, e.ItemsUpdated, e.ItemsFailed)
		if e.ConflictsDetected > 0 {
			fmt.Printf("  Conflicts: %d detected, %d resolved\n", e.ConflictsDetected, e.ConflictsResolved)
		}
		if e.ErrorMessage != "" {
			fmt.Printf("  Error:     %s\n", e.ErrorMessage)
		}
		printExecutionLog(e.Logs)
		if len(syncErrs) > 0 {
			fmt.Printf("\nErrors (%d):\n", len(syncErrs))
			for _, se := range syncErrs {
				item := se.WorkItemID
				if item == "" {
					item = "-"
				}
				fmt.Printf("  %-16s  %-20s  %s\n", se.ErrorType, item, se.Message)
				if se.Detail != "" {
					fmt.Printf("  %18s%s\n", "", se.Detail)
				}
			}
		}
	},
}

// executionLogEntry matches the shape the engine appends to the logs column.
type executionLogEntry struct {
	Timestamp time.Time      `json:"timestamp"`
	Level     string         `json:"level"`
	Message   string         `json:"message"`
	Context   map[string]any `json:"context,omitempty"`
}

func printExecutionLog(raw json.RawMessage) {
	if len(raw) == 0 {
		return
	}
	var entries []executionLogEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		WarnError("execution log is not decodable: %v", err)
		return
	}
	if len(entries) == 0 {
		return
	}
	fmt.Printf("\nLog (%d entries):\n", len(entries))
	for _, le := range entries {
		fmt.Printf("  %s  %-5s  %s", le.Timestamp.Format("15:04:05"), le.Level, le.Message)
		if len(le.Context) > 0 {
			ctx, err := json.Marshal(le.Context)
			if err == nil {
				fmt.Printf("  %s", ctx)
			}
		}
		fmt.Println()
	}
}

func executionDuration(e *types.SyncExecution) string {
	if e.CompletedAt == nil {
		return "running"
	}
	return e.CompletedAt.Sub(e.StartedAt).Round(time.Millisecond).String()
}

func init() {
	executionListCmd.Flags().IntVar(&executionLimit, "limit", 20, "Maximum executions to list (0 for all)")
	executionCmd.AddCommand(executionListCmd)
	executionCmd.AddCommand(executionShowCmd)
	rootCmd.AddCommand(executionCmd)
}
