// Package commands implements the deltawal CLI.
package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	configPath string

	buildVersion = "dev"
	buildCommit  = "none"
	buildDate    = "unknown"
)

// SetVersionInfo records build-time version information for the version
// command.
func SetVersionInfo(version, commit, date string) {
	buildVersion = version
	buildCommit = commit
	buildDate = date
}

var rootCmd = &cobra.Command{
	Use:   "deltawal",
	Short: "Delta write-ahead-log storage core backed by object storage",
	Long: `deltawal persists per-stream record appends to a local write-ahead log,
caches them in memory for reads, and asynchronously rolls cached batches
into immutable objects in S3-compatible storage.`,
	SilenceUsage:  true,
	SilenceErrors: false,
}

// Execute runs the CLI.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"path to config file (default: $XDG_CONFIG_HOME/deltawal/config.yaml)")

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("deltawal %s (commit %s, built %s)\n", buildVersion, buildCommit, buildDate)
	},
}
