package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgPath string

var rootCmd = &cobra.Command{
	Use:   "watchbot",
	Short: "Telegram bot that polls a site and tells you when something you watch changes",
	Long: `watchbot polls a data source on a schedule and notifies Telegram chats
when a watched item becomes available or drops below a price threshold.

Running it without a subcommand is the same as "watchbot run".`,
	SilenceUsage: true,
	RunE:         runBot,
}

// Execute runs the root command and exits non-zero on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "./config.yaml", "path to the config file (yaml or json)")
}
