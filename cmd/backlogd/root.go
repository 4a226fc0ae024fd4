package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version is set at build time via -ldflags.
var Version = "dev"

var configPath string

var rootCmd = &cobra.Command{
	Use:   "backlogd",
	Short: "Backlog generation and sync daemon",
	Long: `backlogd turns a short product-context statement into a prioritized,
quality-gated, Jira-ready backlog item.

It chains market research, model drafting, an INVEST quality gate with a
bounded revision loop, and a deterministic priority scorer, then syncs
accepted items to Jira exactly once per logical item. A Slack flow
offers the same pipeline behind a modal and a preview message.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("backlogd version %s\n", Version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}
