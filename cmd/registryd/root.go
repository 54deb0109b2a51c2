package main

import (
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "registryd",
	Short: "Civil registry data-access daemon",
	Long: `registryd serves resident and household reads through a bounded
connection pool with query caching, retries and health reporting.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "configs/registry.yaml", "Path to configuration file")

	rootCmd.AddCommand(serveCmd, checkCmd, dashboardCmd)
}
