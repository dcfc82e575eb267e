package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mmr-tortoise/berth/internal/supervise"
)

// NewDownCommand creates the 'down' subcommand.
// Usage: berth down [service...]
//
// With no arguments the whole stack stops in reverse dependency order.
// With service names, only those services stop; their dependents are
// left running and will show up as degraded in status.
func NewDownCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "down [service...]",
		Short: "Stop the stack (or selected services) in reverse dependency order",
		Long: `Stop services in reverse dependency order.

Each exec service receives SIGTERM to its process group, followed by
SIGKILL after its stop grace period. Docker services are stopped via
the daemon. Services that are not running are skipped.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadStack()
			if err != nil {
				return err
			}

			launcher := newLauncher(cfg)
			defer launcher.Close()

			results, err := launcher.Down(cmd.Context(), args)
			if err != nil {
				return err
			}

			if IsJSONOutput() {
				data, jerr := json.MarshalIndent(results, "", "  ")
				if jerr != nil {
					return fmt.Errorf("failed to marshal results: %w", jerr)
				}
				fmt.Println(string(data))
				return nil
			}

			for _, res := range results {
				switch res.Action {
				case supervise.ActionSkipped:
					fmt.Printf("= %s not running\n", res.Name)
				default:
					fmt.Printf("- %s stopped\n", res.Name)
				}
			}
			return nil
		},
	}

	return cmd
}
