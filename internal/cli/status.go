package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/mmr-tortoise/berth/internal/model"
)

// NewStatusCommand creates the 'status' subcommand.
// Usage: berth status
//
// Shows the live state of every service in the stack: pid or container,
// port, uptime, and probe result. A service whose process is alive but
// whose probe fails shows as degraded; a pidfile pointing at a dead
// process shows as orphaned.
func NewStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the state of every service in the stack",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadStack()
			if err != nil {
				return err
			}

			launcher := newLauncher(cfg)
			defer launcher.Close()

			records, err := launcher.Status(cmd.Context())
			if err != nil {
				return err
			}

			if IsJSONOutput() {
				data, jerr := json.MarshalIndent(records, "", "  ")
				if jerr != nil {
					return fmt.Errorf("failed to marshal status: %w", jerr)
				}
				fmt.Println(string(data))
				return nil
			}

			printStatusTable(records)
			return nil
		},
	}

	return cmd
}

// printStatusTable renders service records as an aligned text table.
func printStatusTable(records []model.ServiceRecord) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SERVICE\tSTATE\tPID/CONTAINER\tPORT\tUPTIME\tDETAIL")

	now := time.Now()
	for _, rec := range records {
		id := "-"
		switch {
		case rec.PID != 0:
			id = fmt.Sprintf("%d", rec.PID)
		case rec.ContainerID != "":
			id = rec.ContainerID
		}

		port := "-"
		if rec.Port != 0 {
			port = fmt.Sprintf("%d/%s", rec.Port, rec.Protocol)
		}

		uptime := "-"
		if rec.State == model.StateRunning && !rec.StartedAt.IsZero() {
			uptime = rec.Uptime(now).Round(time.Second).String()
		}

		detail := rec.Detail
		if detail == "" {
			detail = "-"
		}

		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			rec.Name, rec.State, id, port, uptime, detail)
	}
	w.Flush()
}
