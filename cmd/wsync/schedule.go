package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/worksync/worksync/internal/scheduler"
	"github.com/worksync/worksync/internal/types"
)

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Attach cron schedules to sync configurations",
}

var scheduleSetCmd = &cobra.Command{
	Use:   "set [config] [cron]",
	Short: "Schedule a configuration on a cron expression",
	Long: `Validate the cron expression and flip the configuration to the
scheduled trigger. A running 'wsync serve' picks the schedule up on its next
start.

Examples:
  wsync schedule set nightly "0 2 * * *"
  wsync schedule set hourly "@every 1h"`,
	Args: cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := findConfig(rootCtx, args[0])
		if err != nil {
			FatalErrorRespectJSON("%v", err)
		}
		// The cron loop never starts in a one-shot command, so the
		// scheduler needs no queue behind it.
		sched := scheduler.New(db, nil)
		if err := sched.Schedule(rootCtx, cfg.ID, args[1]); err != nil {
			FatalErrorRespectJSON("%v", err)
		}
		if jsonOutput {
			outputJSON(map[string]string{"config": cfg.ID, "cron": args[1]})
			return
		}
		fmt.Printf("Sync config %q scheduled: %s\n", cfg.Name, args[1])
		if !cfg.Active {
			WarnError("config %q is inactive; the schedule will not fire until it is activated", cfg.Name)
		}
	},
}

var scheduleClearCmd = &cobra.Command{
	Use:   "clear [config]",
	Short: "Remove a configuration's schedule and revert it to manual",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := findConfig(rootCtx, args[0])
		if err != nil {
			FatalErrorRespectJSON("%v", err)
		}
		sched := scheduler.New(db, nil)
		if err := sched.Unschedule(rootCtx, cfg.ID); err != nil {
			FatalErrorRespectJSON("%v", err)
		}
		if jsonOutput {
			outputJSON(map[string]string{"config": cfg.ID, "trigger": string(types.TriggerManual)})
			return
		}
		fmt.Printf("Sync config %q reverted to manual trigger\n", cfg.Name)
	},
}

var scheduleStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "List scheduled configurations",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		configs, err := db.ListScheduledConfigs(rootCtx)
		if err != nil {
			FatalErrorRespectJSON("list scheduled configs: %v", err)
		}
		if configs == nil {
			configs = make([]*types.SyncConfig, 0)
		}
		if jsonOutput {
			outputJSON(configs)
			return
		}
		if len(configs) == 0 {
			fmt.Println("No scheduled configs. Attach one with 'wsync schedule set'.")
			return
		}
		fmt.Printf("%-24s  %-16s  %-6s  %s\n", "NAME", "CRON", "ACTIVE", "LAST SYNC")
		for _, c := range configs {
			last := "never"
			if c.LastSyncAt != nil {
				last = c.LastSyncAt.Format("2006-01-02 15:04")
			}
			fmt.Printf("%-24s  %-16s  %-6t  %s\n", c.Name, c.CronExpr, c.Active, last)
		}
	},
}

func init() {
	scheduleCmd.AddCommand(scheduleSetCmd)
	scheduleCmd.AddCommand(scheduleClearCmd)
	scheduleCmd.AddCommand(scheduleStatusCmd)
	rootCmd.AddCommand(scheduleCmd)
}
