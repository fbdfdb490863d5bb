package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/worksync/worksync/internal/types"
	"github.com/worksync/worksync/internal/vault"
)

var (
	webhookName      string
	webhookConfig    string
	webhookConnector string
	webhookEvents    []string
)

var webhookCmd = &cobra.Command{
	Use:     "webhook",
	Aliases: []string{"webhooks"},
	Short:   "Manage inbound webhook endpoints",
	Long: `Webhooks let a tracker push changes instead of waiting for the next
scheduled run. Each webhook gets an opaque receive token and a signing
secret; point the tracker at POST /receive/<token> on the serve address and
configure it to sign payloads with the secret.`,
}

var webhookAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Create a webhook endpoint for a sync configuration",
	Long: `Create a webhook endpoint. The signing secret is printed once at
creation and never again; store it in the tracker's webhook settings.

Examples:
  wsync webhook add --name ado-push --sync-config phoenix
  wsync webhook add --name sdp-push --sync-config phoenix --event request_updated`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := findConfig(rootCtx, webhookConfig)
		if err != nil {
			FatalErrorRespectJSON("%v", err)
		}
		var connectorID string
		if webhookConnector != "" {
			conn, err := findConnector(rootCtx, webhookConnector)
			if err != nil {
				FatalErrorRespectJSON("%v", err)
			}
			connectorID = conn.ID
		}
		token, err := vault.Token(16)
		if err != nil {
			FatalErrorRespectJSON("%v", err)
		}
		secret, err := vault.Token(32)
		if err != nil {
			FatalErrorRespectJSON("%v", err)
		}
		w := &types.Webhook{
			Name:         webhookName,
			SyncConfigID: cfg.ID,
			ConnectorID:  connectorID,
			Token:        token,
			Secret:       secret,
			Active:       true,
			EventTypes:   webhookEvents,
		}
		if err := w.Validate(); err != nil {
			FatalErrorRespectJSON("%v", err)
		}
		if err := db.CreateWebhook(rootCtx, w); err != nil {
			FatalErrorRespectJSON("create webhook: %v", err)
		}
		if jsonOutput {
			// Secret is excluded from the row's JSON shape, so it is
			// surfaced separately this one time.
			outputJSON(map[string]interface{}{
				"webhook": w,
				"secret":  secret,
			})
			return
		}
		fmt.Printf("Created webhook %q (%s)\n", w.Name, w.ID)
		fmt.Printf("  Receive URL: POST /receive/%s\n", w.Token)
		fmt.Printf("  Secret:      %s\n", secret)
		fmt.Println("The secret is shown only once. Configure the tracker to sign payloads")
		fmt.Println("with it via X-Hub-Signature-256 or X-Webhook-Signature.")
	},
}

var webhookListCmd = &cobra.Command{
	Use:   "list",
	Short: "List webhook endpoints",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		hooks, err := db.ListWebhooks(rootCtx)
		if err != nil {
			FatalErrorRespectJSON("list webhooks: %v", err)
		}
		if hooks == nil {
			hooks = make([]*types.Webhook, 0)
		}
		if jsonOutput {
			outputJSON(hooks)
			return
		}
		if len(hooks) == 0 {
			fmt.Println("No webhooks. Create one with 'wsync webhook add'.")
			return
		}
		fmt.Printf("%-24s  %-34s  %-6s  %-8s  %s\n", "NAME", "RECEIVE PATH", "ACTIVE", "TRIGGERS", "LAST TRIGGERED")
		for _, w := range hooks {
			last := "never"
			if w.LastTriggeredAt != nil {
				last = w.LastTriggeredAt.Format("2006-01-02 15:04")
			}
			fmt.Printf("%-24s  %-34s  %-6t  %-8d  %s\n",
				w.Name, "/receive/"+w.Token, w.Active, w.TriggerCount, last)
		}
	},
}

var webhookDeleteCmd = &cobra.Command{
	Use:   "delete [webhook-id]",
	Short: "Delete a webhook endpoint",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		if err := db.DeleteWebhook(rootCtx, args[0]); err != nil {
			FatalErrorRespectJSON("delete webhook: %v", err)
		}
		if jsonOutput {
			outputJSON(map[string]string{"deleted": args[0]})
			return
		}
		fmt.Printf("Deleted webhook %s\n", args[0])
	},
}

func init() {
	webhookAddCmd.Flags().StringVar(&webhookName, "name", "", "Webhook name (required)")
	webhookAddCmd.Flags().StringVar(&webhookConfig, "sync-config", "", "Sync config the webhook triggers (required)")
	webhookAddCmd.Flags().StringVar(&webhookConnector, "connector", "", "Connector the events originate from")
	webhookAddCmd.Flags().StringArrayVar(&webhookEvents, "event", nil, "Accepted event type (repeatable; empty accepts all)")
	webhookAddCmd.MarkFlagRequired("name")
	webhookAddCmd.MarkFlagRequired("sync-config")

	webhookCmd.AddCommand(webhookAddCmd)
	webhookCmd.AddCommand(webhookListCmd)
	webhookCmd.AddCommand(webhookDeleteCmd)
	rootCmd.AddCommand(webhookCmd)
}
