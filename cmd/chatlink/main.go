// Command chatlink joins chat rooms over WebSocket and keeps the connection alive.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/rickgao/chatlink/internal/version"
)

var rootCmd = &cobra.Command{
	Use:           "chatlink",
	Short:         "Resilient chat room client",
	Long:          "chatlink logs in to a chat server and keeps a room connection open, reconnecting with backoff when it drops.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build information",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), "chatlink", version.String())
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "path to config file (defaults apply when empty)")
	flags.StringVar(&opts.logLevel, "log-level", "", "log level: debug, info, warn, error")
	flags.StringVar(&opts.logFormat, "log-format", "", "log format: text or json")

	rootCmd.AddCommand(
		loginCmd,
		connectCmd,
		versionCmd,
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
