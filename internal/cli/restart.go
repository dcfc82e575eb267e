package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mmr-tortoise/berth/internal/supervise"
)

// NewRestartCommand creates the 'restart' subcommand.
// Usage: berth restart <service> [--cascade]
func NewRestartCommand() *cobra.Command {
	var noWait bool
	var cascade bool

	cmd := &cobra.Command{
		Use:   "restart <service>",
		Short: "Stop and start a single service",
		Long: `Stop and start a service.

With --cascade, every service that transitively depends on it is
restarted too: dependents stop first, then the whole affected set comes
back up in dependency order.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadStack()
			if err != nil {
				return err
			}

			launcher := newLauncher(cfg)
			defer launcher.Close()

			var results []supervise.Result
			if cascade {
				results, err = launcher.RestartCascade(cmd.Context(), args[0], !noWait)
			} else {
				var result supervise.Result
				result, err = launcher.Restart(cmd.Context(), args[0], !noWait)
				results = []supervise.Result{result}
			}
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
				if res.Action == supervise.ActionSkipped {
					continue
				}
				if res.Record.PID != 0 {
					fmt.Printf("+ %s restarted (pid %d)\n", res.Name, res.Record.PID)
				} else {
					fmt.Printf("+ %s restarted (container %s)\n", res.Name, res.Record.ContainerID)
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&noWait, "no-wait", false, "Do not wait for readiness probes")
	cmd.Flags().BoolVar(&cascade, "cascade", false, "Also restart services that depend on this one")

	return cmd
}
