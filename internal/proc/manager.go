package proc

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// ErrNotRunning is returned by Stop when the service has no live process.
// Callers use errors.Is to treat it as a no-op rather than a failure.
var ErrNotRunning = errors.New("service is not running")

// aliveCheckInterval is how often Stop polls for process exit during the
// grace period.
const aliveCheckInterval = 100 * time.Millisecond

// Log rotation settings for captured service output. These mirror the
// typical nohup.out problem the runbook had: unbounded single files.
const (
	logMaxSizeMB  = 50
	logMaxBackups = 3
	logMaxAgeDays = 14
)

// StartSpec describes everything needed to spawn one service process.
// It is assembled by the launcher from the service's configuration.
type StartSpec struct {
	// Command is the program name or path.
	Command string

	// Args are the command-line arguments.
	Args []string

	// Dir is the working directory.
	Dir string

	// Env holds service-specific environment variables layered over the
	// parent environment.
	Env map[string]string

	// Venv is an optional Python virtualenv path. When set, the program
	// is resolved against <venv>/bin first and the environment gets the
	// activation variables.
	Venv string

	// Rotate selects rotating log capture (lumberjack via pipes) instead
	// of a directly inherited append-mode file. Rotation requires the
	// caller to stay resident and call Handle.Wait — only watch mode
	// does that. One-shot commands use the inherited file so the child
	// keeps a valid stdout after the CLI exits.
	Rotate bool
}

// Handle represents a started service process.
type Handle struct {
	// PID is the child's process ID (also its process group ID, because
	// the child is started in its own session).
	PID int

	// LogPath is where the process output is captured.
	LogPath string

	cmd *exec.Cmd
}

// Wait blocks until the process exits and returns its exit error, if any.
// Only meaningful for the caller that spawned the process (watch mode);
// one-shot commands let init reap the detached child.
func (h *Handle) Wait() error {
	return h.cmd.Wait()
}

// Manager spawns, inspects, and stops service processes. State lives
// entirely in the filesystem (pidfiles + /proc), so any Manager pointed
// at the same state directory sees the same services.
type Manager struct {
	stateDir string
	logDir   string
}

// NewManager creates a Manager using the given state and log directories.
func NewManager(stateDir, logDir string) *Manager {
	return &Manager{stateDir: stateDir, logDir: logDir}
}

// DefaultStateDir returns the berth state directory:
// $XDG_STATE_HOME/berth, falling back to ~/.local/state/berth.
func DefaultStateDir() string {
	if xdg := os.Getenv("XDG_STATE_HOME"); xdg != "" {
		return filepath.Join(xdg, "berth")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		// No home directory — fall back to a shared temp location rather
		// than failing; pidfiles still work, they just won't persist
		// across reboots.
		return filepath.Join(os.TempDir(), "berth")
	}
	return filepath.Join(home, ".local", "state", "berth")
}

// PidfilePath returns the pidfile location for a service.
func (m *Manager) PidfilePath(name string) string {
	return filepath.Join(m.stateDir, name+".pid")
}

// LogPath returns the captured-output log location for a service.
func (m *Manager) LogPath(name string) string {
	return filepath.Join(m.logDir, name+".log")
}

// Start spawns the service process detached from the CLI:
//
//  1. Resolve the program (venv bin dir first, then PATH).
//  2. Assemble the environment, including native venv activation.
//  3. Spawn with Setsid so the child leads its own session — it survives
//     the CLI exiting and can be signalled as a group.
//  4. Redirect stdout+stderr to the service's log file.
//  5. Write the pidfile.
//
// The caller is responsible for ensuring the service is not already
// running; Start itself only spawns.
func (m *Manager) Start(name string, spec StartSpec) (*Handle, error) {
	program, err := m.resolveProgram(spec)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(m.logDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory %s: %w", m.logDir, err)
	}
	logPath := m.LogPath(name)

	cmd := exec.Command(program, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = BuildEnv(os.Environ(), spec.Env, spec.Venv)
	// Setsid detaches the child into its own session and process group.
	// This is what `nohup ... &` approximated: no controlling terminal,
	// no SIGHUP when the CLI's terminal goes away.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	var inheritedLog *os.File
	if spec.Rotate {
		// Rotating capture goes through an os.Pipe managed by exec.Cmd;
		// the supervisor stays alive and drains it via Wait.
		writer := &lumberjack.Logger{
			Filename:   logPath,
			MaxSize:    logMaxSizeMB,
			MaxBackups: logMaxBackups,
			MaxAge:     logMaxAgeDays,
			Compress:   true,
		}
		cmd.Stdout = writer
		cmd.Stderr = writer
	} else {
		// One-shot mode: hand the child a real file descriptor it owns
		// outright. The CLI exits immediately after spawning, so a piped
		// writer would lose its reader and the child would eventually
		// take SIGPIPE.
		f, ferr := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if ferr != nil {
			return nil, fmt.Errorf("failed to open log file %s: %w", logPath, ferr)
		}
		inheritedLog = f
		cmd.Stdout = f
		cmd.Stderr = f
	}
	cmd.Stdin = nil

	if err := cmd.Start(); err != nil {
		if inheritedLog != nil {
			_ = inheritedLog.Close()
		}
		return nil, fmt.Errorf("failed to start %q (%s): %w", name, program, err)
	}
	if inheritedLog != nil {
		// The child holds its own duplicate of the descriptor now.
		_ = inheritedLog.Close()
	}

	pid := cmd.Process.Pid
	if err := WritePidfile(m.PidfilePath(name), pid, program); err != nil {
		// The process is up but untracked — kill it rather than leak an
		// unmanageable orphan.
		_ = syscall.Kill(-pid, syscall.SIGKILL)
		return nil, err
	}

	return &Handle{PID: pid, LogPath: logPath, cmd: cmd}, nil
}

// resolveProgram finds the executable for a spec. With a venv, the
// venv's bin directory is searched first — exec.Command resolves against
// the CLI's own PATH, not the child's environment, so venv resolution
// has to happen here explicitly.
func (m *Manager) resolveProgram(spec StartSpec) (string, error) {
	if spec.Venv != "" && !strings.Contains(spec.Command, string(os.PathSeparator)) {
		candidate := filepath.Join(spec.Venv, "bin", spec.Command)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() && info.Mode()&0o111 != 0 {
			return candidate, nil
		}
	}

	program, err := exec.LookPath(spec.Command)
	if err != nil {
		return "", fmt.Errorf("command %q not found: %w", spec.Command, err)
	}
	return program, nil
}

// BuildEnv assembles the child environment: the parent environment,
// then native virtualenv activation, then service-specific overrides
// (highest precedence).
//
// Venv activation reproduces what bin/activate exports:
//
//	VIRTUAL_ENV=<venv>
//	PATH=<venv>/bin:$PATH
//	PYTHONHOME unset
func BuildEnv(parent []string, overrides map[string]string, venv string) []string {
	// Index the parent environment so later layers can replace entries
	// instead of appending duplicates (os/exec uses the last duplicate,
	// but duplicate entries confuse anyone inspecting /proc/<pid>/environ).
	index := make(map[string]int, len(parent))
	env := make([]string, len(parent))
	copy(env, parent)
	for i, kv := range env {
		if eq := strings.IndexByte(kv, '='); eq > 0 {
			index[kv[:eq]] = i
		}
	}

	set := func(key, value string) {
		entry := key + "=" + value
		if i, ok := index[key]; ok {
			env[i] = entry
			return
		}
		index[key] = len(env)
		env = append(env, entry)
	}
	unset := func(key string) {
		i, ok := index[key]
		if !ok {
			return
		}
		env = append(env[:i], env[i+1:]...)
		delete(index, key)
		// Reindex entries shifted down by the deletion.
		for k, j := range index {
			if j > i {
				index[k] = j - 1
			}
		}
	}

	if venv != "" {
		set("VIRTUAL_ENV", venv)
		binDir := filepath.Join(venv, "bin")
		if i, ok := index["PATH"]; ok {
			set("PATH", binDir+string(os.PathListSeparator)+env[i][len("PATH="):])
		} else {
			set("PATH", binDir)
		}
		// A set PYTHONHOME overrides the venv's interpreter paths and
		// breaks imports; bin/activate unsets it for the same reason.
		unset("PYTHONHOME")
	}

	for key, value := range overrides {
		set(key, value)
	}

	return env
}

// Status reads the service's pidfile and liveness.
//
// Returns:
//   - (nil, nil) when no pidfile exists — the service was never started
//     or was stopped cleanly
//   - (pf, nil) with pf.PID alive — running
//   - (pf, ErrNotRunning) — stale pidfile, the process is gone (orphaned)
func (m *Manager) Status(name string) (*Pidfile, error) {
	pf, err := ReadPidfile(m.PidfilePath(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	if !IsAlive(pf.PID, pf.Program) {
		return pf, ErrNotRunning
	}
	return pf, nil
}

// Stop terminates the service process group: SIGTERM, wait up to grace,
// SIGKILL. The pidfile is removed on success and on the stale-pidfile
// path, so a stop always leaves a clean state directory behind.
//
// Returns ErrNotRunning (wrapped) when there was nothing to stop.
func (m *Manager) Stop(name string, grace time.Duration) error {
	pf, err := ReadPidfile(m.PidfilePath(name))
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("service %q: %w", name, ErrNotRunning)
		}
		return err
	}

	if !IsAlive(pf.PID, pf.Program) {
		// Stale pidfile: clear it so status stops reporting an orphan.
		_ = RemovePidfile(m.PidfilePath(name))
		return fmt.Errorf("service %q: %w", name, ErrNotRunning)
	}

	// Signal the whole process group (negative PID). The service may
	// have forked workers — a gunicorn-style gateway does — and they all
	// belong to the session created at start.
	if err := syscall.Kill(-pf.PID, syscall.SIGTERM); err != nil {
		return fmt.Errorf("failed to signal service %q (pid %d): %w", name, pf.PID, err)
	}

	if !m.waitExit(pf, grace) {
		// Grace expired. Escalate and give the kernel a moment to
		// tear the group down.
		_ = syscall.Kill(-pf.PID, syscall.SIGKILL)
		m.waitExit(pf, 2*time.Second)
	}

	return RemovePidfile(m.PidfilePath(name))
}

// waitExit polls for process exit until the timeout. Returns true if the
// process exited in time.
func (m *Manager) waitExit(pf *Pidfile, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !IsAlive(pf.PID, pf.Program) {
			return true
		}
		time.Sleep(aliveCheckInterval)
	}
	return !IsAlive(pf.PID, pf.Program)
}

// TailLog returns the last n lines of the service's log file. A missing
// log file returns an empty slice — the service simply has not produced
// output yet.
func (m *Manager) TailLog(name string, n int) ([]string, error) {
	f, err := os.Open(m.LogPath(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer func() { _ = f.Close() }()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}

	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) == 1 && lines[0] == "" {
		return nil, nil
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines, nil
}
