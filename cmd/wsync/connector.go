package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/worksync/worksync/internal/connector"
	"github.com/worksync/worksync/internal/types"
)

var connectorCmd = &cobra.Command{
	Use:     "connector",
	Aliases: []string{"connectors"},
	Short:   "Manage tracker connectors",
}

var connectorAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Register a tracker connection",
	Long: `Register a tracker connection. Credentials are sealed with the vault
secret before they touch the database.

Examples:
  # Azure DevOps over a personal access token
  wsync connector add --name ado-prod --kind azure-devops \
    --url https://dev.azure.com/contoso --metadata project=Phoenix \
    --auth pat --credential pat=$ADO_PAT

  # ServiceDesk Plus over an API key
  wsync connector add --name sdp-prod --kind servicedesk-plus \
    --url https://sdp.contoso.com --auth apikey --credential apikey=$SDP_KEY`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		name, _ := cmd.Flags().GetString("name")
		kind, _ := cmd.Flags().GetString("kind")
		baseURL, _ := cmd.Flags().GetString("url")
		endpoint, _ := cmd.Flags().GetString("endpoint")
		authKind, _ := cmd.Flags().GetString("auth")
		credPairs, _ := cmd.Flags().GetStringArray("credential")
		metaPairs, _ := cmd.Flags().GetStringArray("metadata")

		if !connector.Registered(kind) {
			FatalErrorRespectJSON("unknown connector kind %q (have: %s)", kind, strings.Join(connector.Kinds(), ", "))
		}
		creds, err := parseKeyValues(credPairs, "credential")
		if err != nil {
			FatalErrorRespectJSON("%v", err)
		}
		if len(creds) == 0 {
			FatalErrorRespectJSON("at least one --credential key=value is required")
		}
		meta, err := parseKeyValues(metaPairs, "metadata")
		if err != nil {
			FatalErrorRespectJSON("%v", err)
		}

		v, err := newVault()
		if err != nil {
			FatalErrorRespectJSON("%v", err)
		}
		sealed, err := v.EncryptCredentials(creds)
		if err != nil {
			FatalErrorRespectJSON("seal credentials: %v", err)
		}

		conn := &types.Connector{
			Name:                 name,
			Kind:                 kind,
			BaseURL:              baseURL,
			Endpoint:             endpoint,
			AuthKind:             types.AuthKind(authKind),
			EncryptedCredentials: sealed,
			Active:               true,
			Metadata:             meta,
		}
		if err := conn.Validate(); err != nil {
			FatalErrorRespectJSON("%v", err)
		}
		if err := db.CreateConnector(rootCtx, conn); err != nil {
			FatalErrorRespectJSON("create connector: %v", err)
		}

		if jsonOutput {
			outputJSON(conn)
			return
		}
		fmt.Printf("Connector %q created (%s)\n", conn.Name, conn.ID)
		fmt.Printf("Next: wsync connector test %s && wsync connector discover %s\n", conn.Name, conn.Name)
	},
}

var connectorListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered connectors",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		connectors, err := db.ListConnectors(rootCtx)
		if err != nil {
			FatalErrorRespectJSON("list connectors: %v", err)
		}
		if connectors == nil {
			connectors = make([]*types.Connector, 0)
		}
		if jsonOutput {
			outputJSON(connectors)
			return
		}
		if len(connectors) == 0 {
			fmt.Println("No connectors registered. Add one with 'wsync connector add'.")
			return
		}
		fmt.Printf("%-36s  %-20s  %-18s  %-6s  %s\n", "ID", "NAME", "KIND", "ACTIVE", "URL")
		for _, c := range connectors {
			fmt.Printf("%-36s  %-20s  %-18s  %-6t  %s\n", c.ID, c.Name, c.Kind, c.Active, c.BaseURL)
		}
	},
}

var connectorTestCmd = &cobra.Command{
	Use:   "test [connector]",
	Short: "Verify a connector's stored configuration end to end",
	Long: `Decrypt the stored credentials, build the driver, connect, and make one
cheap authenticated call. Failures are reported, not fatal, so broken
connectors can be inspected.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		conn, err := findConnector(rootCtx, args[0])
		if err != nil {
			FatalErrorRespectJSON("%v", err)
		}
		reg, err := newRegistry()
		if err != nil {
			FatalErrorRespectJSON("%v", err)
		}
		defer reg.Close()

		result, err := reg.Test(rootCtx, conn.ID)
		if err != nil {
			FatalErrorRespectJSON("test %q: %v", conn.Name, err)
		}
		if jsonOutput {
			outputJSON(result)
			return
		}
		if result.Success {
			fmt.Printf("✓ %s: %s\n", conn.Name, result.Message)
			for k, v := range result.Details {
				fmt.Printf("    %s: %v\n", k, v)
			}
			return
		}
		fmt.Printf("✗ %s: %s\n", conn.Name, result.Message)
	},
}

var connectorDiscoverCmd = &cobra.Command{
	Use:   "discover [connector]",
	Short: "Discover and persist the connector's work item metadata",
	Long: `Walk the connector's work item types and load each type's fields and
statuses. Results are persisted and become the vocabulary that mappings
reference; re-running refreshes rather than duplicates.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		conn, err := findConnector(rootCtx, args[0])
		if err != nil {
			FatalErrorRespectJSON("%v", err)
		}
		reg, err := newRegistry()
		if err != nil {
			FatalErrorRespectJSON("%v", err)
		}
		defer reg.Close()

		result, err := reg.DiscoverMetadata(rootCtx, conn.ID)
		if err != nil {
			FatalErrorRespectJSON("discover %q: %v", conn.Name, err)
		}
		if err := reg.SaveDiscoveredMetadata(rootCtx, result); err != nil {
			FatalErrorRespectJSON("save discovery for %q: %v", conn.Name, err)
		}

		if jsonOutput {
			outputJSON(result)
			return
		}
		fmt.Printf("Discovered %d work item types on %s:\n", len(result.Types), conn.Name)
		for _, t := range result.Types {
			fmt.Printf("  %-24s %3d fields, %2d statuses\n", t.Type.Name, len(t.Fields), len(t.Statuses))
		}
	},
}

var connectorDeleteCmd = &cobra.Command{
	Use:   "delete [connector]",
	Short: "Delete a connector and its discovered metadata",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		conn, err := findConnector(rootCtx, args[0])
		if err != nil {
			FatalErrorRespectJSON("%v", err)
		}
		if err := db.DeleteConnector(rootCtx, conn.ID); err != nil {
			FatalErrorRespectJSON("delete %q: %v", conn.Name, err)
		}
		if jsonOutput {
			outputJSON(map[string]string{"deleted": conn.ID})
			return
		}
		fmt.Printf("Connector %q deleted\n", conn.Name)
	},
}

func init() {
	connectorAddCmd.Flags().String("name", "", "Unique connector name (required)")
	connectorAddCmd.Flags().String("kind", "", "Driver kind: azure-devops, servicedesk-plus, fake (required)")
	connectorAddCmd.Flags().String("url", "", "Base URL of the remote tracker (required)")
	connectorAddCmd.Flags().String("endpoint", "", "Project or site scoping within the remote")
	connectorAddCmd.Flags().String("auth", "pat", "Auth scheme: pat, apikey, basic")
	connectorAddCmd.Flags().StringArray("credential", nil, "Credential key=value (repeatable)")
	connectorAddCmd.Flags().StringArray("metadata", nil, "Driver metadata key=value, e.g. project=Phoenix (repeatable)")
	_ = connectorAddCmd.MarkFlagRequired("name")
	_ = connectorAddCmd.MarkFlagRequired("kind")
	_ = connectorAddCmd.MarkFlagRequired("url")

	connectorCmd.AddCommand(connectorAddCmd)
	connectorCmd.AddCommand(connectorListCmd)
	connectorCmd.AddCommand(connectorTestCmd)
	connectorCmd.AddCommand(connectorDiscoverCmd)
	connectorCmd.AddCommand(connectorDeleteCmd)
	rootCmd.AddCommand(connectorCmd)
}
