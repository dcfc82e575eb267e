package cli

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/mmr-tortoise/berth/internal/model"
)

// followPollInterval is how often --follow re-checks the log file for
// appended output. Polling instead of inotify keeps follow working
// across log rotation, where the original inode goes away.
const followPollInterval = 500 * time.Millisecond

// NewLogsCommand creates the 'logs' subcommand.
// Usage: berth logs <service> [-n lines] [-f]
func NewLogsCommand() *cobra.Command {
	var lines int
	var follow bool

	cmd := &cobra.Command{
		Use:   "logs <service>",
		Short: "Show captured output for a service",
		Long: `Show the last lines of a service's captured log file.

With --follow, keeps printing new output as the service writes it,
until interrupted.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadStack()
			if err != nil {
				return err
			}
			name := args[0]
			if _, err := cfg.Service(name); err != nil {
				return err
			}

			procs := newProcManager(cfg)

			tail, err := procs.TailLog(name, lines)
			if err != nil {
				return model.WrapCLIError(model.ExitGeneralError,
					fmt.Sprintf("no log output for service %q", name), err)
			}
			for _, line := range tail {
				fmt.Println(line)
			}

			if !follow {
				return nil
			}
			return followLog(cmd, procs.LogPath(name))
		},
	}

	cmd.Flags().IntVarP(&lines, "lines", "n", 50, "Number of trailing lines to show")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Keep printing new output")

	return cmd
}

// followLog streams appended log data to stdout until the command
// context is cancelled. The file is re-opened when it shrinks or is
// replaced, which is what log rotation looks like from the outside.
func followLog(cmd *cobra.Command, path string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer file.Close()

	if _, err := file.Seek(0, io.SeekEnd); err != nil {
		return fmt.Errorf("failed to seek log file: %w", err)
	}

	ticker := time.NewTicker(followPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-cmd.Context().Done():
			return nil
		case <-ticker.C:
		}

		n, err := io.Copy(os.Stdout, file)
		if err != nil {
			return fmt.Errorf("failed to read log file: %w", err)
		}
		if n > 0 {
			continue
		}

		// Nothing new. Detect rotation: a fresh file at the same path that
		// is smaller than our read offset means the old one was swapped out.
		offset, _ := file.Seek(0, io.SeekCurrent)
		info, statErr := os.Stat(path)
		if statErr != nil {
			continue
		}
		if info.Size() < offset {
			fresh, openErr := os.Open(path)
			if openErr != nil {
				continue
			}
			file.Close()
			file = fresh
		}
	}
}
