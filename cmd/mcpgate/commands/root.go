// Package commands holds the mcpgate CLI.
package commands

import (
	"github.com/spf13/cobra"
)

var (
	configPath       string
	logLevelOverride string
)

// NewRootCmd creates the root command.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mcpgate",
		Short: "mcpgate - MCP tool gateway",
		Long:  `mcpgate connects to configured MCP servers, discovers their tools, and gates execution behind an explicit provisioning step.`,
	}

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "mcpgate.yaml", "Path to the gateway configuration file")
	cmd.PersistentFlags().StringVar(&logLevelOverride, "log-level", "", "Override log level (debug|info|warn|error)")

	cmd.AddCommand(
		NewServeCmd(),
		NewValidateCmd(),
		NewVersionCmd(),
	)

	return cmd
}
