// Command callrelay runs the realtime relay server: it fans out Postgres
// LISTEN/NOTIFY call-row changes to subscribed engines over WebSocket
// (internal/realtime.Hub) and exposes an HTTP CRUD surface over the `calls`
// table for clients that would rather speak HTTP than hold a DB connection
// of their own.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// version is set at build time via -ldflags "-X main.version=...".
var version = "dev"

// Global flags shared across subcommands, following cmd/bamgate's
// PersistentPreRun-built-logger pattern.
var (
	globalConfigPath string
	globalVerbose    bool
	globalLogger     *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "callrelay",
	Short: "Realtime relay server for the callwire call engine",
	Long: `callrelay fans out call-row changes from Postgres to subscribed
engine instances over WebSocket, and exposes an HTTP CRUD surface over the
calls table and TURN credential issuance.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := slog.LevelInfo
		if globalVerbose {
			level = slog.LevelDebug
		}
		globalLogger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: level,
		}))
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&globalConfigPath, "config", "", "path to config file (default: built-in defaults with an in-memory gateway)")
	rootCmd.PersistentFlags().BoolVarP(&globalVerbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the callrelay version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version)
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
