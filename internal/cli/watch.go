package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/mmr-tortoise/berth/internal/supervise"
)

// NewWatchCommand creates the 'watch' subcommand.
// Usage: berth watch
//
// Watch mode runs the stack in the foreground: it brings every service
// up, restarts crashed services per their restart policy, restarts
// services whose hot-reload file changes, and tears the whole stack
// down on Ctrl-C.
func NewWatchCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Run the stack in the foreground with crash restart and hot reload",
		Long: `Run the stack in the foreground.

All services are started in dependency order and supervised: a crashed
service is restarted according to its restart policy with exponential
backoff, and a change to a service's reload file (or the stack
configuration itself) restarts the affected services. Interrupting the
supervisor stops the whole stack.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadStack()
			if err != nil {
				return err
			}

			logger, err := newSupervisorLogger()
			if err != nil {
				return fmt.Errorf("failed to create logger: %w", err)
			}
			defer func() { _ = logger.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			sup := supervise.NewSupervisor(cfg, newProcManager(cfg), logger)
			return sup.Run(ctx)
		},
	}

	return cmd
}

// newSupervisorLogger builds the structured logger for watch mode:
// human-readable console output on stderr, debug level when --verbose.
func newSupervisorLogger() (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	zcfg.Encoding = "console"
	zcfg.OutputPaths = []string{"stderr"}
	zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zcfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	if verbose {
		zcfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	return zcfg.Build()
}
