package commands

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

// Version is set at build time via -ldflags.
var Version = "dev"

// NewVersionCmd creates the version command.
func NewVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version of mcpgate",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("mcpgate %s %s/%s\n", Version, runtime.GOOS, runtime.GOARCH)
		},
	}
}
