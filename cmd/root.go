// Package cmd defines the smart-query command line interface.
package cmd

import (
	"github.com/spf13/cobra"
)

// configFile is the optional path to a config file, set via --config.
// When empty, configuration comes from defaults and environment variables.
var configFile string

var rootCmd = &cobra.Command{
	Use:   "smart-query",
	Short: "Conversational data agent over PostgreSQL",
	Long: `smart-query answers questions about a tenant's data by reasoning
over SQL, knowledge retrieval, and web search tools. Run "smart-query serve"
to start the HTTP API.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "path to config file")
}
