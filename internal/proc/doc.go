// Package proc manages the host processes behind exec services: the
// native replacement for the runbook's `source venv/bin/activate` +
// `nohup command &` pairs.
//
// Processes are spawned in their own session (Setsid) so they survive the
// CLI exiting, with stdout/stderr captured to a per-service log file.
// A pidfile under the state directory records the PID and resolved
// program path; reading it back cross-checks /proc/<pid>/cmdline so a
// recycled PID is never mistaken for the service.
//
// Shutdown follows the conventional escalation: SIGTERM to the process
// group, a grace period, then SIGKILL.
//
// Process control uses Unix signals and sessions; this package does not
// support Windows.
package proc
