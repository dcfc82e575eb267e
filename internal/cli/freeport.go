package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mmr-tortoise/berth/internal/model"
	"github.com/mmr-tortoise/berth/internal/port"
)

// freePortTimeout bounds how long free-port waits for the listener to
// actually release the port after being signalled.
const freePortTimeout = 10 * time.Second

// NewFreePortCommand creates the 'free-port' subcommand.
// Usage: berth free-port <port> [--force]
//
// This automates the "port is stuck" recovery: find the process
// listening on a TCP port and terminate it, then wait for the port to
// become available again. By default the process receives SIGTERM;
// --force sends SIGKILL instead.
func NewFreePortCommand() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "free-port <port>",
		Short: "Terminate whatever process is listening on a TCP port",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			portNum, err := strconv.Atoi(args[0])
			if err != nil || portNum < 1 || portNum > 65535 {
				return model.NewCLIError(model.ExitGeneralError,
					fmt.Sprintf("invalid port %q: must be 1-65535", args[0]))
			}

			inspector := port.NewInspector()
			pid, err := inspector.FindListenerPID(portNum)
			if errors.Is(err, port.ErrNoListener) {
				if IsJSONOutput() {
					fmt.Println(`{"port": ` + args[0] + `, "freed": false, "reason": "no listener"}`)
				} else {
					fmt.Printf("Port %d is already free.\n", portNum)
				}
				return nil
			}
			if err != nil {
				return model.WrapCLIError(model.ExitProcessControl,
					fmt.Sprintf("failed to find listener on port %d", portNum), err)
			}

			procName := inspector.ProcessName(pid)
			sig := syscall.SIGTERM
			if force {
				sig = syscall.SIGKILL
			}

			VerboseLog("Sending %v to pid %d (%s)", sig, pid, procName)
			if err := syscall.Kill(pid, sig); err != nil {
				return model.WrapCLIError(model.ExitProcessControl,
					fmt.Sprintf("failed to signal pid %d", pid), err)
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), freePortTimeout)
			defer cancel()
			scanner := port.NewScanner()
			if err := scanner.WaitForRelease(ctx, portNum, "tcp", 200*time.Millisecond); err != nil {
				return model.WrapCLIError(model.ExitPortConflict,
					fmt.Sprintf("pid %d (%s) was signalled but port %d is still in use (try --force)", pid, procName, portNum), err)
			}

			if IsJSONOutput() {
				out := map[string]interface{}{
					"port":    portNum,
					"freed":   true,
					"pid":     pid,
					"process": procName,
					"signal":  sig.String(),
				}
				data, _ := json.MarshalIndent(out, "", "  ")
				fmt.Println(string(data))
			} else {
				fmt.Printf("Freed port %d (killed pid %d, %s).\n", portNum, pid, procName)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Send SIGKILL instead of SIGTERM")

	return cmd
}
