package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/worksync/worksync/internal/types"
)

var configCmd = &cobra.Command{
	Use:     "config",
	Aliases: []string{"configs"},
	Short:   "Manage sync configurations",
}

var configAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Create a sync configuration between two connectors",
	Long: `Create a sync configuration between two connectors.

A configuration is created active with a manual trigger; attach a cron
expression with 'wsync schedule set' or pass --cron here. Bidirectional
configs require version tracking, which --bidirectional implies.

Examples:
  wsync config add --name nightly --source ado-prod --target sdp-prod
  wsync config add --name two-way --source ado-prod --target sdp-prod \
    --bidirectional --strategy merge --sync-comments --sync-links`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		name, _ := cmd.Flags().GetString("name")
		sourceRef, _ := cmd.Flags().GetString("source")
		targetRef, _ := cmd.Flags().GetString("target")
		bidirectional, _ := cmd.Flags().GetBool("bidirectional")
		strategy, _ := cmd.Flags().GetString("strategy")
		trackVersions, _ := cmd.Flags().GetBool("track-versions")
		syncComments, _ := cmd.Flags().GetBool("sync-comments")
		syncLinks, _ := cmd.Flags().GetBool("sync-links")
		filter, _ := cmd.Flags().GetString("filter")
		cronExpr, _ := cmd.Flags().GetString("cron")

		source, err := findConnector(rootCtx, sourceRef)
		if err != nil {
			FatalErrorRespectJSON("%v", err)
		}
		target, err := findConnector(rootCtx, targetRef)
		if err != nil {
			FatalErrorRespectJSON("%v", err)
		}

		cfg := &types.SyncConfig{
			Name:              name,
			SourceConnectorID: source.ID,
			TargetConnectorID: target.ID,
			Active:            true,
			TriggerKind:       types.TriggerManual,
			Direction:         types.DirectionOneWay,
			TrackVersions:     trackVersions,
			ConflictStrategy:  types.ConflictStrategy(strategy),
			Options: types.SyncOptions{
				SyncComments: syncComments,
				SyncLinks:    syncLinks,
			},
		}
		if bidirectional {
			cfg.Direction = types.DirectionBidirectional
			cfg.TrackVersions = true
		}
		if cronExpr != "" {
			cfg.TriggerKind = types.TriggerScheduled
			cfg.CronExpr = cronExpr
		}
		if filter != "" {
			if !json.Valid([]byte(filter)) {
				FatalErrorRespectJSON("--filter must be a JSON document")
			}
			cfg.SyncFilter = json.RawMessage(filter)
		}

		if err := cfg.Validate(); err != nil {
			FatalErrorRespectJSON("%v", err)
		}
		if err := db.CreateSyncConfig(rootCtx, cfg); err != nil {
			FatalErrorRespectJSON("create sync config: %v", err)
		}

		if jsonOutput {
			outputJSON(cfg)
			return
		}
		fmt.Printf("Sync config %q created (%s)\n", cfg.Name, cfg.ID)
		fmt.Printf("  %s -> %s, %s, strategy %s\n", source.Name, target.Name, cfg.Direction, cfg.ConflictStrategy)
		fmt.Println("Next: import mappings with 'wsync mapping import', then 'wsync sync preview'.")
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sync configurations",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		configs, err := db.ListSyncConfigs(rootCtx)
		if err != nil {
			FatalErrorRespectJSON("list sync configs: %v", err)
		}
		if configs == nil {
			configs = make([]*types.SyncConfig, 0)
		}
		if jsonOutput {
			outputJSON(configs)
			return
		}
		if len(configs) == 0 {
			fmt.Println("No sync configs. Create one with 'wsync config add'.")
			return
		}
		fmt.Printf("%-36s  %-24s  %-13s  %-9s  %-6s  %s\n", "ID", "NAME", "DIRECTION", "TRIGGER", "ACTIVE", "LAST SYNC")
		for _, c := range configs {
			last := "never"
			if c.LastSyncAt != nil {
				last = c.LastSyncAt.Format("2006-01-02 15:04")
			}
			fmt.Printf("%-36s  %-24s  %-13s  %-9s  %-6t  %s\n", c.ID, c.Name, c.Direction, c.TriggerKind, c.Active, last)
		}
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show [config]",
	Short: "Show one sync configuration",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := findConfig(rootCtx, args[0])
		if err != nil {
			FatalErrorRespectJSON("%v", err)
		}
		if jsonOutput {
			outputJSON(cfg)
			return
		}
		source, _ := db.GetConnector(rootCtx, cfg.SourceConnectorID)
		target, _ := db.GetConnector(rootCtx, cfg.TargetConnectorID)
		mappings, _ := db.ListTypeMappings(rootCtx, cfg.ID)

		fmt.Printf("%s (%s)\n", cfg.Name, cfg.ID)
		if source != nil && target != nil {
			fmt.Printf("  Route:      %s (%s) -> %s (%s)\n", source.Name, source.Kind, target.Name, target.Kind)
		}
		fmt.Printf("  Direction:  %s\n", cfg.Direction)
		fmt.Printf("  Trigger:    %s", cfg.TriggerKind)
		if cfg.CronExpr != "" {
			fmt.Printf(" (%s)", cfg.CronExpr)
		}
		fmt.Println()
		fmt.Printf("  Strategy:   %s\n", cfg.ConflictStrategy)
		fmt.Printf("  Versions:   %t\n", cfg.TrackVersions)
		fmt.Printf("  Comments:   %t   Links: %t\n", cfg.Options.SyncComments, cfg.Options.SyncLinks)
		fmt.Printf("  Active:     %t\n", cfg.Active)
		fmt.Printf("  Mappings:   %d type mappings\n", len(mappings))
		if len(cfg.SyncFilter) > 0 {
			fmt.Printf("  Filter:     %s\n", string(cfg.SyncFilter))
		}
		if cfg.LastSyncAt != nil {
			fmt.Printf("  Last sync:  %s\n", cfg.LastSyncAt.Format("2006-01-02 15:04:05"))
		}
	},
}

var configDeleteCmd = &cobra.Command{
	Use:   "delete [config]",
	Short: "Delete a sync configuration and its mappings",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := findConfig(rootCtx, args[0])
		if err != nil {
			FatalErrorRespectJSON("%v", err)
		}
		if err := db.DeleteSyncConfig(rootCtx, cfg.ID); err != nil {
			FatalErrorRespectJSON("delete %q: %v", cfg.Name, err)
		}
		if jsonOutput {
			outputJSON(map[string]string{"deleted": cfg.ID})
			return
		}
		fmt.Printf("Sync config %q deleted\n", cfg.Name)
	},
}

func init() {
	configAddCmd.Flags().String("name", "", "Unique configuration name (required)")
	configAddCmd.Flags().String("source", "", "Source connector id or name (required)")
	configAddCmd.Flags().String("target", "", "Target connector id or name (required)")
	configAddCmd.Flags().Bool("bidirectional", false, "Sync changes in both directions (implies --track-versions)")
	configAddCmd.Flags().String("strategy", string(types.StrategyLastWriteWins), "Conflict strategy: last-write-wins, source-priority, target-priority, merge, manual")
	configAddCmd.Flags().Bool("track-versions", false, "Snapshot both sides each run for three-way conflict detection")
	configAddCmd.Flags().Bool("sync-comments", false, "Mirror comments to the target")
	configAddCmd.Flags().Bool("sync-links", false, "Mirror work item relations to the target")
	configAddCmd.Flags().String("filter", "", "Driver-specific source query as JSON (e.g. '{\"wiql\": \"...\"}')")
	configAddCmd.Flags().String("cron", "", "Cron expression; sets the scheduled trigger")
	_ = configAddCmd.MarkFlagRequired("name")
	_ = configAddCmd.MarkFlagRequired("source")
	_ = configAddCmd.MarkFlagRequired("target")

	configCmd.AddCommand(configAddCmd)
	configCmd.AddCommand(configListCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configDeleteCmd)
	rootCmd.AddCommand(configCmd)
}
