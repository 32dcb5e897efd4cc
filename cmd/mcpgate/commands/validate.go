package commands

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/mcpgate/mcpgate/pkg/config"
)

// NewValidateCmd creates the validate command.
func NewValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate a configuration file without starting the gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			names := make([]string, 0, len(cfg.Servers))
			for name := range cfg.Servers {
				names = append(names, name)
			}
			sort.Strings(names)
			fmt.Printf("%s: ok (%d servers)\n", configPath, len(names))
			for _, name := range names {
				srv := cfg.Servers[name]
				state := "enabled"
				if !srv.Enabled {
					state = "disabled"
				}
				fmt.Printf("  %-20s %-16s %s\n", name, srv.Transport, state)
			}
			return nil
		},
	}
}
