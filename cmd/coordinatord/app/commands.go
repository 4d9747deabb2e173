// Package app wires the coordinatord binary's cobra command tree.
package app

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:               "coordinatord",
	DisableAutoGenTag: true,
	Short:             "Cross-tab sync coordinator",
	Long: `coordinatord runs the cross-tab sync coordinator: a standalone service
that elects one connected client per database identifier as the database
host and supervises that database's streaming-sync engine.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return cmd.Help()
	},
}

// NewRootCmd returns the coordinatord command tree.
func NewRootCmd() *cobra.Command {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
	return rootCmd
}

// buildVersion is set at link time via -ldflags; it defaults to "dev".
var buildVersion = "dev"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(_ *cobra.Command, _ []string) {
		slog.Info("coordinatord version", "version", buildVersion)
		fmt.Println(buildVersion)
	},
}
