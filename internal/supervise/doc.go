// Package supervise contains the stack lifecycle engine.
//
// Launcher implements the one-shot operations behind `berth up`, `down`,
// `restart`, and `status`: dependency-ordered startup with readiness
// gating, reverse-order shutdown, and state reconstruction across exec
// and docker services.
//
// Supervisor layers watch mode on top: it owns the stack in the
// foreground, reaps and restarts crashed services according to their
// restart policy (exponential backoff), and restarts services when their
// hot-reload file or the stack configuration changes (fsnotify).
package supervise
