package model

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// ServiceState represents the observed lifecycle state of a managed service.
// The state is never persisted — it is reconstructed on every command from
// pidfiles, Docker container state, the OS port table, and readiness probes.
//
//	Stopped → Running ⇄ Degraded
//	Running/Degraded → Orphaned (pidfile present, process gone)
type ServiceState string

const (
	// StateRunning indicates the service process (or container) is alive
	// and its readiness probe, if configured, passes.
	StateRunning ServiceState = "running"

	// StateStopped indicates no process is running and no stale pidfile
	// exists. This is the clean, inactive state.
	StateStopped ServiceState = "stopped"

	// StateDegraded indicates the process is alive but the service is not
	// healthy: the readiness probe fails or the declared port is not bound.
	// Typical causes: the process is still initializing, or it wedged
	// internally without exiting.
	StateDegraded ServiceState = "degraded"

	// StateOrphaned indicates a pidfile exists but the recorded process is
	// gone (or the PID was recycled by an unrelated program). This happens
	// when a service is killed outside of berth, e.g. with a bare `kill`.
	StateOrphaned ServiceState = "orphaned"
)

// String returns the string representation of ServiceState.
// Satisfies fmt.Stringer for CLI output and logging.
func (s ServiceState) String() string {
	return string(s)
}

// IsValid checks whether the ServiceState value is one of the
// predefined valid states.
func (s ServiceState) IsValid() bool {
	switch s {
	case StateRunning, StateStopped, StateDegraded, StateOrphaned:
		return true
	default:
		return false
	}
}

// ParseServiceState converts a string to a ServiceState.
// Returns an error if the string does not match any valid state.
func ParseServiceState(s string) (ServiceState, error) {
	state := ServiceState(strings.ToLower(s))
	if !state.IsValid() {
		return "", fmt.Errorf("invalid service state: %q (valid: running, stopped, degraded, orphaned)", s)
	}
	return state, nil
}

// Runtime identifies how a service is executed.
//
//	RuntimeExec   — host process spawned via os/exec in its own session
//	RuntimeDocker — container managed through the Docker Engine API
type Runtime string

const (
	// RuntimeExec runs the service as a detached host process. This is the
	// direct replacement for the runbook's `nohup ... &` invocations.
	RuntimeExec Runtime = "exec"

	// RuntimeDocker runs the service as a Docker container with berth-owned
	// labels and explicit port bindings.
	RuntimeDocker Runtime = "docker"
)

// String returns the string representation of Runtime.
func (r Runtime) String() string {
	return string(r)
}

// IsValid checks whether the Runtime value is one of the predefined kinds.
func (r Runtime) IsValid() bool {
	return r == RuntimeExec || r == RuntimeDocker
}

// ServiceRecord is the reconstructed runtime view of a single service.
// It is the primary aggregate shown by `berth status` and returned by
// lifecycle operations.
type ServiceRecord struct {
	// Name is the unique service identifier from the stack configuration.
	Name string `json:"name"`

	// Runtime indicates whether this service is a host process or a container.
	Runtime Runtime `json:"runtime"`

	// State is the observed lifecycle state.
	State ServiceState `json:"state"`

	// PID is the OS process ID for exec services. Zero when not running
	// or when the service is docker-backed.
	PID int `json:"pid,omitempty"`

	// ContainerID is the Docker container ID for docker services.
	// Empty for exec services.
	ContainerID string `json:"containerId,omitempty"`

	// Port is the primary listen port declared in the configuration.
	// Zero if the service declares no port.
	Port int `json:"port,omitempty"`

	// Protocol is the port's network protocol ("tcp" or "udp").
	Protocol string `json:"protocol,omitempty"`

	// LogPath is the path to the captured stdout/stderr log file.
	// Empty for docker services (use `docker logs`).
	LogPath string `json:"logPath,omitempty"`

	// StartedAt is when the service was last started by berth.
	// Zero if unknown (e.g. the service is stopped).
	StartedAt time.Time `json:"startedAt,omitempty"`

	// Detail carries a short human-readable note about the state,
	// e.g. the probe failure message for a degraded service.
	Detail string `json:"detail,omitempty"`
}

// Uptime returns how long the service has been running, or zero if the
// start time is unknown.
func (r *ServiceRecord) Uptime(now time.Time) time.Duration {
	if r.StartedAt.IsZero() {
		return 0
	}
	return now.Sub(r.StartedAt)
}

/// nameRegex validates service names: alphanumeric + hyphens only,
// must start and end with alphanumeric.
var nameRegex = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9-]*[a-zA-Z0-9]$|^[a-zA-Z0-9]$`)

// ValidateName checks if the given name is a valid service name.
// Valid names contain only alphanumeric characters and hyphens,
// and must start/end with an alphanumeric character. The same charset
// is safe for pidfile names, Docker container names, and log filenames.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("service name must not be empty")
	}
	if !nameRegex.MatchString(name) {
		return fmt.Errorf("invalid service name %q: must contain only alphanumeric characters and hyphens, and start/end with alphanumeric", name)
	}
	return nil
}

// PortBinding represents a container→host port mapping for a docker-backed
// service. Exec services declare a single listen port directly; docker
// services may publish several.
type PortBinding struct {
	// ContainerPort is the port number inside the container (1-65535).
	ContainerPort int `json:"containerPort" yaml:"containerPort"`

	// HostPort is the port number on the host machine (1-65535).
	HostPort int `json:"hostPort" yaml:"hostPort"`

	// Protocol is the network protocol for the binding.
	// Defaults to "tcp". Also supports "udp".
	Protocol string `json:"protocol,omitempty" yaml:"protocol,omitempty"`
}

// Validate checks whether the PortBinding has valid field values.
// A missing protocol is normalized to "tcp", matching Docker's default.
func (p *PortBinding) Validate() error {
	if p.ContainerPort < 1 || p.ContainerPort > 65535 {
		return fmt.Errorf("port binding: container port %d out of range (1-65535)", p.ContainerPort)
	}
	if p.HostPort < 1 || p.HostPort > 65535 {
		return fmt.Errorf("port binding: host port %d out of range (1-65535)", p.HostPort)
	}
	if p.Protocol == "" {
		p.Protocol = "tcp"
	}
	if p.Protocol != "tcp" && p.Protocol != "udp" {
		return fmt.Errorf("port binding: invalid protocol %q (valid: tcp, udp)", p.Protocol)
	}
	return nil
}

// String returns a human-readable representation of the binding.
// Format: "hostPort→containerPort/protocol"
func (p *PortBinding) String() string {
	proto := p.Protocol
	if proto == "" {
		proto = "tcp"
	}
	return fmt.Sprintf("%d→%d/%s", p.HostPort, p.ContainerPort, proto)
}

// ExitCode defines standard CLI exit codes. These codes allow scripts and
// CI systems to programmatically determine the outcome of a command.
type ExitCode int

const (
	// ExitSuccess indicates the command completed successfully.
	ExitSuccess ExitCode = 0

	// ExitGeneralError indicates an unspecified error occurred.
	ExitGeneralError ExitCode = 1

	// ExitConfigError indicates the stack configuration file was not
	// found or failed validation.
	ExitConfigError ExitCode = 2

	// ExitDockerNotRunning indicates the Docker daemon is not accessible.
	// Only relevant when the stack declares docker-backed services.
	ExitDockerNotRunning ExitCode = 3

	// ExitPortConflict indicates a declared port is already in use by a
	// foreign process at startup time.
	ExitPortConflict ExitCode = 4

	// ExitProcessControl indicates spawning, signalling, or reaping a
	// service process failed.
	ExitProcessControl ExitCode = 5

	// ExitServiceNotFound indicates the named service does not exist in
	// the stack configuration.
	ExitServiceNotFound ExitCode = 6

	// ExitReadinessTimeout indicates a service started but its port never
	// accepted a connection (or its probe never passed) within the
	// configured timeout.
	ExitReadinessTimeout ExitCode = 7
)

// CLIError is a custom error type that carries an exit code.
// This allows the CLI layer to translate domain errors into
// appropriate process exit codes.
type CLIError struct {
	// Code is the exit code to return to the OS.
	Code ExitCode

	// Message is the human-readable error description.
	Message string

	// Err is the underlying error, if any.
	Err error
}

// Error satisfies the error interface. It returns the human-readable
// error message, optionally including the underlying error.
func (e *CLIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the underlying error for use with errors.Is/errors.As.
func (e *CLIError) Unwrap() error {
	return e.Err
}

// NewCLIError creates a new CLIError with the given exit code and message.
func NewCLIError(code ExitCode, message string) *CLIError {
	return &CLIError{Code: code, Message: message}
}

// WrapCLIError creates a new CLIError that wraps an existing error.
func WrapCLIError(code ExitCode, message string, err error) *CLIError {
	return &CLIError{Code: code, Message: message, Err: err}
}
