// Command rpcagent runs the endpoint registry against a discovery backend. It can watch
// services, issue single calls, and serve a small echo service for smoke tests.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "rpcagent",
	Short:         "Connection pool registry for RPC services",
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"Path to a YAML configuration file. RPCAGENT_* environment variables override it.")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		rootCmd.PrintErrln("Error:", err)
		os.Exit(1)
	}
}
