package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/worksync/worksync/internal/debug"
	"github.com/worksync/worksync/internal/store"

	// Driver registration. Every kind the CLI can talk to is linked in here.
	_ "github.com/worksync/worksync/internal/connector/azure"
	_ "github.com/worksync/worksync/internal/connector/fake"
	_ "github.com/worksync/worksync/internal/connector/servicedesk"
)

var (
	cfgFile    string
	dbDSN      string
	jsonOutput bool

	verboseFlag bool
	quietFlag   bool

	// db is opened in PersistentPreRun for commands that need it and closed
	// in PersistentPostRun.
	db store.Store

	// Signal-aware context for graceful cancellation
	rootCtx    context.Context
	rootCancel context.CancelFunc
)

// noDbCommands never touch the database; the store is not opened for them.
var noDbCommands = map[string]bool{
	"help":       true,
	"version":    true,
	"completion": true,
}

func needsStore(cmd *cobra.Command) bool {
	if noDbCommands[cmd.Name()] {
		return false
	}
	// Bare "wsync" just prints help.
	return cmd != cmd.Root()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (default: ./worksync.yaml, $HOME/.config/worksync/worksync.yaml)")
	rootCmd.PersistentFlags().StringVar(&dbDSN, "db", "", "Database DSN (SQLite path or MySQL DSN; overrides config key 'database')")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	rootCmd.PersistentFlags().BoolVarP(&verboseFlag, "verbose", "v", false, "Enable verbose/debug output")
	rootCmd.PersistentFlags().BoolVarP(&quietFlag, "quiet", "q", false, "Suppress non-essential output (errors only)")

	rootCmd.Flags().BoolP("version", "V", false, "Print version information")
}

// initConfig points viper at the worksync config file and the WORKSYNC_*
// environment. Flags bound by individual commands override both.
func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("worksync")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			viper.AddConfigPath(home + "/.config/worksync")
		}
	}

	viper.SetEnvPrefix("WORKSYNC")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("database", "worksync.db")
	viper.SetDefault("listen", ":8780")
	viper.SetDefault("workers", 5)
	viper.SetDefault("queue_capacity", 100)
	viper.SetDefault("retry.max_attempts", 3)
	viper.SetDefault("shutdown_grace", "30s")

	if err := viper.ReadInConfig(); err != nil {
		// A missing config file is fine; env and defaults carry.
		if _, notFound := err.(viper.ConfigFileNotFoundError); notFound && cfgFile == "" {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	debug.Logf("wsync: using config file %s\n", viper.ConfigFileUsed())
	return nil
}

// databaseDSN resolves the DSN with flag > env/config precedence.
func databaseDSN() string {
	if dbDSN != "" {
		return dbDSN
	}
	return viper.GetString("database")
}

var rootCmd = &cobra.Command{
	Use:   "wsync",
	Short: "wsync - Bidirectional work item synchronization",
	Long: `Synchronize work items between heterogeneous trackers.

wsync mirrors issues, comments, and links between systems like Azure DevOps
and ServiceDesk Plus: discover each side's metadata, map types, fields, and
statuses, then run one-way or bidirectional syncs manually, on a schedule,
or from inbound webhooks.`,
	Run: func(cmd *cobra.Command, args []string) {
		if v, _ := cmd.Flags().GetBool("version"); v {
			fmt.Printf("wsync version %s (%s)\n", Version, Build)
			return
		}
		_ = cmd.Help()
	},
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		debug.SetVerbose(verboseFlag)
		debug.SetQuiet(quietFlag)

		if err := initConfig(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
		}

		rootCtx, rootCancel = signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

		if !needsStore(cmd) {
			return
		}
		opened, err := store.Open(rootCtx, databaseDSN())
		if err != nil {
			FatalErrorRespectJSON("open database: %v", err)
		}
		db = opened
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if db != nil {
			_ = db.Close()
			db = nil
		}
		if rootCancel != nil {
			rootCancel()
		}
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
