// Package cli implements the cobra-based CLI commands for berth.
//
// Each subcommand (up, down, restart, status, logs, free-port, watch) is
// defined in its own file within this package. This file defines the root
// command that serves as the parent for all subcommands and handles
// global flags.
package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/mmr-tortoise/berth/internal/config"
	"github.com/mmr-tortoise/berth/internal/model"
	"github.com/mmr-tortoise/berth/internal/proc"
	"github.com/mmr-tortoise/berth/internal/supervise"
)

// Global flag variables shared across all subcommands.
// These are bound to cobra persistent flags on the root command,
// which makes them available to every subcommand automatically.
var (
	// jsonOutput controls whether command output is formatted as JSON.
	// When true, all output uses structured JSON format for machine
	// consumption. When false (default), output uses human-readable text.
	jsonOutput bool

	// verbose enables detailed logging output for debugging.
	// When true, additional information about operations is printed to stderr.
	verbose bool

	// configPath is the stack configuration file. Empty means search the
	// working directory for the default filenames.
	configPath string
)

// version, commit, and date are set at build time via ldflags.
// They are injected from the main package to display version information.
var (
	// Version is the semantic version of the binary (e.g., "1.0.0").
	Version = "dev"

	// Commit is the Git commit hash the binary was built from.
	Commit = "none"

	// Date is the build timestamp.
	Date = "unknown"
)

// defaultConfigNames are searched in order in the working directory when
// --config is not given.
var defaultConfigNames = []string{"berth.yaml", "berth.yml", "berth.jsonc", "berth.json"}

// NewRootCommand creates and configures the root cobra command.
// This is the entry point for the entire CLI application.
//
// The root command itself does not perform any action — it only provides
// help text and global flags. Actual functionality is provided by
// subcommands.
func NewRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "berth",
		Short: "Declarative launcher for local service stacks",
		Long: `berth turns a manual service startup runbook into a declarative stack:
describe each service's command, virtualenv, port, and dependencies once,
then bring the whole stack up in order with a single command.

Every service is started detached with its output captured to a log file,
and is only considered up once its port accepts a connection.`,

		// SilenceUsage prevents cobra from printing usage on every error.
		// We handle error output ourselves for cleaner UX.
		SilenceUsage: true,

		// SilenceErrors prevents cobra from printing errors automatically.
		// We format errors ourselves (text or JSON based on --json flag).
		SilenceErrors: true,

		Version: fmt.Sprintf("%s (commit: %s, built: %s)", Version, Commit, Date),
	}

	// PersistentFlags are inherited by all subcommands.
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Stack configuration file (default: berth.yaml in the working directory)")

	rootCmd.AddCommand(NewUpCommand())
	rootCmd.AddCommand(NewDownCommand())
	rootCmd.AddCommand(NewRestartCommand())
	rootCmd.AddCommand(NewStatusCommand())
	rootCmd.AddCommand(NewLogsCommand())
	rootCmd.AddCommand(NewFreePortCommand())
	rootCmd.AddCommand(NewWatchCommand())

	return rootCmd
}

// Execute runs the root command and handles exit codes.
// This is the main entry point called from main.go.
//
// It inspects errors returned by cobra commands and translates them
// into appropriate OS exit codes. CLIError types carry their own
// exit codes; other errors default to exit code 1.
func Execute(rootCmd *cobra.Command) {
	if err := rootCmd.Execute(); err != nil {
		if cliErr, ok := err.(*model.CLIError); ok {
			printError(cliErr.Message, cliErr.Err)
			os.Exit(int(cliErr.Code))
		}

		printError(err.Error(), nil)
		os.Exit(int(model.ExitGeneralError))
	}
}

// printError outputs an error message in the appropriate format
// (JSON or text) based on the --json global flag.
func printError(message string, underlying error) {
	if jsonOutput {
		errObj := map[string]interface{}{
			"error": map[string]interface{}{
				"message": message,
			},
		}
		if underlying != nil {
			if errMap, ok := errObj["error"].(map[string]interface{}); ok {
				errMap["detail"] = underlying.Error()
			}
		}
		// Errors go to stderr even in JSON mode, because stdout is
		// reserved for successful command output.
		data, _ := json.MarshalIndent(errObj, "", "  ")
		fmt.Fprintln(os.Stderr, string(data))
	} else {
		if underlying != nil {
			fmt.Fprintf(os.Stderr, "Error: %s: %v\n", message, underlying)
		} else {
			fmt.Fprintf(os.Stderr, "Error: %s\n", message)
		}
	}
}

// VerboseLog prints a message to stderr only when verbose mode is enabled.
func VerboseLog(format string, args ...interface{}) {
	if verbose {
		fmt.Fprintf(os.Stderr, "[verbose] "+format+"\n", args...)
	}
}

// IsJSONOutput returns whether the --json flag is set.
// Subcommands use this to decide their output format.
func IsJSONOutput() bool {
	return jsonOutput
}

// loadStack locates and loads the stack configuration, honoring the
// --config flag and falling back to the default filenames in the
// working directory.
func loadStack() (*config.Config, error) {
	if configPath != "" {
		return config.Load(configPath)
	}

	cwd, err := os.Getwd()
	if err != nil {
		return nil, model.WrapCLIError(model.ExitGeneralError, "failed to get current directory", err)
	}
	for _, name := range defaultConfigNames {
		candidate := filepath.Join(cwd, name)
		if _, err := os.Stat(candidate); err == nil {
			VerboseLog("Using stack configuration: %s", candidate)
			return config.Load(candidate)
		}
	}

	return nil, model.NewCLIError(model.ExitConfigError,
		fmt.Sprintf("no stack configuration found in %s (looked for %v); use --config", cwd, defaultConfigNames))
}

// newProcManager builds the process manager for a loaded stack, using
// the config's log directory or the default state layout.
func newProcManager(cfg *config.Config) *proc.Manager {
	stateDir := proc.DefaultStateDir()
	logDir := cfg.LogDir
	if logDir == "" {
		logDir = filepath.Join(stateDir, "logs")
	}
	return proc.NewManager(stateDir, logDir)
}

// newLauncher wires a Launcher with verbose logging for one-shot commands.
func newLauncher(cfg *config.Config) *supervise.Launcher {
	launcher := supervise.NewLauncher(cfg, newProcManager(cfg))
	launcher.Logf = VerboseLog
	return launcher
}
