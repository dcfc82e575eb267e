package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mmr-tortoise/berth/internal/supervise"
)

// NewUpCommand creates the 'up' subcommand.
// Usage: berth up [service...]
//
// With no arguments the whole stack starts in dependency order. With
// service names, the named services and their transitive dependencies
// start. Each service must pass its readiness probe before its
// dependents start, unless --no-wait is given.
func NewUpCommand() *cobra.Command {
	var noWait bool

	cmd := &cobra.Command{
		Use:   "up [service...]",
		Short: "Start the stack (or selected services) in dependency order",
		Long: `Start services in dependency order.

Each service is started detached with its output captured to a log file.
A service is only considered up once its readiness probe passes (by
default: its declared port accepts a TCP connection), and only then do
its dependents start. Services that are already running are skipped.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadStack()
			if err != nil {
				return err
			}

			launcher := newLauncher(cfg)
			defer launcher.Close()

			results, err := launcher.Up(cmd.Context(), args, !noWait)
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
					fmt.Printf("= %s already running\n", res.Name)
				default:
					if res.Record.PID != 0 {
						fmt.Printf("+ %s started (pid %d", res.Name, res.Record.PID)
					} else {
						fmt.Printf("+ %s started (container %s", res.Name, res.Record.ContainerID)
					}
					if res.Record.Port != 0 {
						fmt.Printf(", port %d", res.Record.Port)
					}
					fmt.Println(")")
				}
			}
			fmt.Fprintf(os.Stdout, "\n%d service(s) up.\n", len(results))
			return nil
		},
	}

	cmd.Flags().BoolVar(&noWait, "no-wait", false, "Do not wait for readiness probes")

	return cmd
}
