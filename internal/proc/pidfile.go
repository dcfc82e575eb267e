package proc

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// Pidfile records where a service process can be found between CLI
// invocations. Format: two lines — the PID, then the resolved program
// path. The program path lets liveness checks verify the PID still
// belongs to the same executable.
type Pidfile struct {
	// PID is the recorded OS process ID.
	PID int

	// Program is the resolved executable path the process was started with.
	Program string

	// StartedAt is the pidfile's modification time, which is when the
	// service was last (re)started.
	StartedAt time.Time
}

// WritePidfile records a freshly started process. The file is written
// with 0644 so other tools (and the operator) can read it.
func WritePidfile(path string, pid int, program string) error {
	content := fmt.Sprintf("%d\n%s\n", pid, program)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create pidfile directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("failed to write pidfile %s: %w", path, err)
	}
	return nil
}

// ReadPidfile parses a pidfile. Returns os.ErrNotExist (wrapped) if the
// file is absent — callers treat that as "service was never started".
func ReadPidfile(path string) (*Pidfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	lines := strings.SplitN(strings.TrimSpace(string(data)), "\n", 2)
	pid, perr := strconv.Atoi(strings.TrimSpace(lines[0]))
	if perr != nil || pid <= 0 {
		return nil, fmt.Errorf("corrupt pidfile %s: %q is not a PID", path, lines[0])
	}

	pf := &Pidfile{PID: pid, StartedAt: info.ModTime()}
	if len(lines) == 2 {
		pf.Program = strings.TrimSpace(lines[1])
	}
	return pf, nil
}

// RemovePidfile deletes a pidfile, ignoring the already-gone case.
func RemovePidfile(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove pidfile %s: %w", path, err)
	}
	return nil
}

// IsAlive reports whether the recorded process still exists AND still
// runs the recorded program.
//
// Existence is checked with kill(pid, 0), which probes without
// signalling. EPERM counts as alive: the process exists, we just can't
// signal it. The program check looks for the recorded program in
// /proc/<pid>/cmdline — PIDs are recycled by the kernel, and without
// this check a stale pidfile could point `berth down` at an innocent
// unrelated process.
func IsAlive(pid int, program string) bool {
	if pid <= 0 {
		return false
	}
	if err := syscall.Kill(pid, 0); err != nil {
		if err == syscall.EPERM {
			// Process exists but belongs to another user.
			return matchesProgram(pid, program)
		}
		return false
	}
	return matchesProgram(pid, program)
}

// matchesProgram compares the recorded program against the process's
// command line. An empty recorded program (old pidfile format, or
// unreadable /proc) degrades to a bare existence check.
//
// Every argv token is checked, not just argv[0]: for `#!` scripts the
// kernel rewrites argv[0] to the interpreter (a venv console script like
// gunicorn runs as "python .../bin/gunicorn ..."), so the recorded
// program shows up as argv[1] instead.
func matchesProgram(pid int, program string) bool {
	if program == "" {
		return true
	}
	data, err := os.ReadFile(filepath.Join("/proc", strconv.Itoa(pid), "cmdline"))
	if err != nil || len(data) == 0 {
		// /proc unavailable — trust the kill(2) result rather than
		// declaring a live process dead.
		return true
	}

	want := filepath.Base(program)
	for _, arg := range strings.Split(strings.TrimRight(string(data), "\x00"), "\x00") {
		if arg == program || filepath.Base(arg) == want {
			return true
		}
	}
	return false
}
