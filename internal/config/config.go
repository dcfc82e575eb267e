package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/mmr-tortoise/berth/internal/model"
)

// Default probe and lifecycle timings. These match what the manual runbook
// implied: wait a short while for a port to come up, give a process a few
// seconds to shut down before forcing it.
const (
	// DefaultReadinessTimeout is how long `berth up` waits for a service's
	// port to accept a connection before giving up.
	DefaultReadinessTimeout = 30 * time.Second

	// DefaultReadinessInterval is the delay between probe attempts.
	DefaultReadinessInterval = 500 * time.Millisecond

	// DefaultStopGrace is how long a service gets between SIGTERM and
	// SIGKILL during shutdown.
	DefaultStopGrace = 10 * time.Second

	// DefaultBackoffMax caps the exponential restart backoff in watch mode.
	DefaultBackoffMax = 1 * time.Minute
)

// Restart policy values for watch mode. Outside of watch mode, policies
// have no effect — one-shot commands never restart anything.
const (
	// RestartNever disables automatic restarts (default).
	RestartNever = "never"

	// RestartOnFailure restarts the service only when it exits or dies
	// unexpectedly.
	RestartOnFailure = "on-failure"

	// RestartAlways restarts the service whenever it is observed down,
	// including clean exits.
	RestartAlways = "always"
)

// Probe types supported by the readiness checker.
const (
	// ProbeTCP considers the service ready once its port accepts a TCP
	// connection.
	ProbeTCP = "tcp"

	// ProbeHTTP considers the service ready once an HTTP GET to its port
	// returns any non-5xx response.
	ProbeHTTP = "http"
)

// Duration wraps time.Duration with YAML and JSON unmarshalling from
// human-readable strings like "30s" or "1m30s". Plain integers are
// rejected — an unqualified number is ambiguous (seconds? millis?).
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("duration must be a string like \"30s\": %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("duration must be a string like \"30s\": %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Probe describes a service readiness check.
type Probe struct {
	// Type is the probe kind: "tcp" (default) or "http".
	Type string `json:"type,omitempty" yaml:"type,omitempty"`

	// Path is the HTTP request path for http probes (default "/").
	Path string `json:"path,omitempty" yaml:"path,omitempty"`

	// Headers are extra HTTP request headers, e.g. the API-key header
	// required by an MCP proxy's health endpoint.
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`

	// Timeout is the overall readiness deadline. Zero means
	// DefaultReadinessTimeout.
	Timeout Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`

	// Interval is the delay between attempts. Zero means
	// DefaultReadinessInterval.
	Interval Duration `json:"interval,omitempty" yaml:"interval,omitempty"`
}

// Service describes one entry in the stack: either a host process
// (Command) or a container (Image), but never both.
type Service struct {
	// Command is the program to execute for exec services. Resolved
	// against the venv's bin directory first when Venv is set, then PATH.
	Command string `json:"command,omitempty" yaml:"command,omitempty"`

	// Args are the command-line arguments.
	Args []string `json:"args,omitempty" yaml:"args,omitempty"`

	// Dir is the working directory. Defaults to the directory containing
	// the stack file.
	Dir string `json:"dir,omitempty" yaml:"dir,omitempty"`

	// Env holds additional environment variables, layered over the parent
	// environment.
	Env map[string]string `json:"env,omitempty" yaml:"env,omitempty"`

	// Venv is the path to a Python virtual environment. Activation is
	// reproduced natively: VIRTUAL_ENV is set, <venv>/bin is prepended to
	// PATH, and PYTHONHOME is dropped. No shell is involved.
	Venv string `json:"venv,omitempty" yaml:"venv,omitempty"`

	// Image makes this a docker-backed service running the given image.
	// Mutually exclusive with Command.
	Image string `json:"image,omitempty" yaml:"image,omitempty"`

	// Ports are container→host bindings for docker services. For exec
	// services, use Port instead.
	Ports []model.PortBinding `json:"ports,omitempty" yaml:"ports,omitempty"`

	// Port is the primary listen port the service is expected to bind.
	// Drives the default readiness probe and port-conflict checks.
	Port int `json:"port,omitempty" yaml:"port,omitempty"`

	// Protocol is the primary port's protocol. Defaults to "tcp".
	Protocol string `json:"protocol,omitempty" yaml:"protocol,omitempty"`

	// Readiness configures the startup probe. When nil and Port is set,
	// a TCP probe with default timings is synthesized.
	Readiness *Probe `json:"readiness,omitempty" yaml:"readiness,omitempty"`

	// DependsOn lists services that must be ready before this one starts.
	DependsOn []string `json:"dependsOn,omitempty" yaml:"dependsOn,omitempty"`

	// Restart is the watch-mode restart policy: never, on-failure, always.
	Restart string `json:"restart,omitempty" yaml:"restart,omitempty"`

	// BackoffMax caps the exponential restart backoff. Zero means
	// DefaultBackoffMax.
	BackoffMax Duration `json:"backoffMax,omitempty" yaml:"backoffMax,omitempty"`

	// ReloadFile is a path whose modification triggers a service restart
	// in watch mode (e.g. a proxy's hot-reload JSON configuration).
	ReloadFile string `json:"reloadFile,omitempty" yaml:"reloadFile,omitempty"`

	// StopGrace is the SIGTERM→SIGKILL grace period. Zero means
	// DefaultStopGrace.
	StopGrace Duration `json:"stopGrace,omitempty" yaml:"stopGrace,omitempty"`
}

// Runtime returns how this service is executed, based on which of
// Command/Image is set. Validation guarantees exactly one is.
func (s *Service) Runtime() model.Runtime {
	if s.Image != "" {
		return model.RuntimeDocker
	}
	return model.RuntimeExec
}

// EffectiveProbe returns the readiness probe with defaults applied, or nil
// if the service has neither an explicit probe nor a declared port.
func (s *Service) EffectiveProbe() *Probe {
	p := s.Readiness
	if p == nil {
		if s.Port == 0 {
			return nil
		}
		p = &Probe{}
	}
	// Copy before mutating so repeated calls stay idempotent against the
	// original configuration.
	eff := *p
	if eff.Type == "" {
		eff.Type = ProbeTCP
	}
	if eff.Type == ProbeHTTP && eff.Path == "" {
		eff.Path = "/"
	}
	if eff.Timeout == 0 {
		eff.Timeout = Duration(DefaultReadinessTimeout)
	}
	if eff.Interval == 0 {
		eff.Interval = Duration(DefaultReadinessInterval)
	}
	return &eff
}

// Config is the root of a stack configuration file.
type Config struct {
	// Version is the config schema version. Currently always 1.
	Version int `json:"version" yaml:"version"`

	// LogDir is where captured service logs are written. Defaults to
	// <stateDir>/logs (see proc.DefaultStateDir).
	LogDir string `json:"logDir,omitempty" yaml:"logDir,omitempty"`

	// Services maps service name → definition.
	Services map[string]*Service `json:"services" yaml:"services"`

	// path is the absolute path the config was loaded from. Used to
	// resolve relative service directories and for watch mode.
	path string
}

// Path returns the absolute path the configuration was loaded from.
func (c *Config) Path() string {
	return c.path
}

// Names returns all service names in sorted order. Sorting keeps CLI
// output and startup tie-breaks deterministic.
func (c *Config) Names() []string {
	names := make([]string, 0, len(c.Services))
	for name := range c.Services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Service looks up a service definition by name. Returns a CLIError with
// ExitServiceNotFound if the name is unknown.
func (c *Config) Service(name string) (*Service, error) {
	svc, ok := c.Services[name]
	if !ok {
		return nil, model.NewCLIError(model.ExitServiceNotFound,
			fmt.Sprintf("service %q not found in %s", name, c.path))
	}
	return svc, nil
}

// envRefRegex matches ${VAR} references. Bare $VAR is deliberately left
// alone so shell-flavored values in args survive untouched.
var envRefRegex = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnv replaces ${VAR} references in the raw file contents with
// values from the parent environment. Unset variables expand to the
// empty string, matching shell behavior.
func expandEnv(data []byte) []byte {
	return envRefRegex.ReplaceAllFunc(data, func(match []byte) []byte {
		name := string(match[2 : len(match)-1])
		return []byte(os.Getenv(name))
	})
}

// Load reads, expands, parses, and validates a stack configuration file.
// The format is chosen by extension: .json/.jsonc use JSONC parsing,
// everything else is treated as YAML.
//
// Returns a CLIError with ExitConfigError on any failure, so callers can
// pass the error straight up to the CLI exit handler.
func Load(path string) (*Config, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, model.WrapCLIError(model.ExitConfigError,
			fmt.Sprintf("failed to resolve config path %q", path), err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, model.WrapCLIError(model.ExitConfigError,
				fmt.Sprintf("stack configuration not found: %s", absPath), err)
		}
		return nil, model.WrapCLIError(model.ExitConfigError,
			fmt.Sprintf("failed to read %s", absPath), err)
	}

	// Expand ${VAR} before parsing so references work in any string field,
	// including map keys and header values.
	data = expandEnv(data)

	var cfg Config
	switch strings.ToLower(filepath.Ext(absPath)) {
	case ".json", ".jsonc":
		// Strip comments and trailing commas, then parse as plain JSON.
		// Operators copy JSONC fragments from editor-facing configs, so
		// accepting comments here avoids a pointless failure mode.
		clean := jsonc.ToJSON(data)
		if err := json.Unmarshal(clean, &cfg); err != nil {
			return nil, model.WrapCLIError(model.ExitConfigError,
				fmt.Sprintf("failed to parse %s", absPath), err)
		}
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, model.WrapCLIError(model.ExitConfigError,
				fmt.Sprintf("failed to parse %s", absPath), err)
		}
	}

	cfg.path = absPath
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, model.WrapCLIError(model.ExitConfigError,
			fmt.Sprintf("invalid stack configuration %s", absPath), err)
	}

	return &cfg, nil
}

// applyDefaults fills in per-service defaults that depend on the config
// file location or have documented fallback values.
func (c *Config) applyDefaults() {
	baseDir := filepath.Dir(c.path)

	for _, svc := range c.Services {
		if svc == nil {
			continue
		}
		// Relative service directories are resolved against the stack
		// file, not the CLI's working directory. The stack file is the
		// stable anchor; the CLI can be run from anywhere.
		if svc.Dir == "" {
			svc.Dir = baseDir
		} else if !filepath.IsAbs(svc.Dir) {
			svc.Dir = filepath.Join(baseDir, svc.Dir)
		}
		if svc.Venv != "" && !filepath.IsAbs(svc.Venv) {
			svc.Venv = filepath.Join(baseDir, svc.Venv)
		}
		if svc.ReloadFile != "" && !filepath.IsAbs(svc.ReloadFile) {
			svc.ReloadFile = filepath.Join(baseDir, svc.ReloadFile)
		}
		if svc.Protocol == "" {
			svc.Protocol = "tcp"
		}
		if svc.Restart == "" {
			svc.Restart = RestartNever
		}
		if svc.StopGrace == 0 {
			svc.StopGrace = Duration(DefaultStopGrace)
		}
		if svc.BackoffMax == 0 {
			svc.BackoffMax = Duration(DefaultBackoffMax)
		}
	}
}
