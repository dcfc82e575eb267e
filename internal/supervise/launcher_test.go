package supervise

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmr-tortoise/berth/internal/config"
	"github.com/mmr-tortoise/berth/internal/model"
	"github.com/mmr-tortoise/berth/internal/proc"
)

// launcherFixture loads a stack of portless sleep services (worker
// depends on base) and builds a Launcher whose state lives in a temp
// directory. Short stop grace keeps teardown fast.
func launcherFixture(t *testing.T, stack string) *Launcher {
	t.Helper()
	dir := t.TempDir()

	stackPath := filepath.Join(dir, "berth.yaml")
	require.NoError(t, os.WriteFile(stackPath, []byte(stack), 0o644))

	cfg, err := config.Load(stackPath)
	require.NoError(t, err)

	procs := proc.NewManager(filepath.Join(dir, "state"), filepath.Join(dir, "logs"))
	return NewLauncher(cfg, procs)
}

const sleeperStack = `
version: 1
services:
  base:
    command: sleep
    args: ["300"]
    stopGrace: 1s
  worker:
    command: sleep
    args: ["300"]
    stopGrace: 1s
    dependsOn: [base]
`

// reapAll waits on every child this launcher spawned, in the background,
// so killed processes do not linger as zombies during Stop's liveness
// polling.
func reapAll(l *Launcher, names ...string) {
	for _, name := range names {
		if h := l.Handle(name); h != nil {
			go func() { _ = h.Wait() }()
		}
	}
}

// killAll force-kills any process groups still tracked, for cleanup.
func killAll(t *testing.T, l *Launcher, names ...string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, _ = l.Down(ctx, nil)
	_ = names
}

// TestLauncher_UpDown exercises the full lifecycle with real processes:
// dependency-ordered start, idempotent re-up, reverse-order stop,
// idempotent re-down.
func TestLauncher_UpDown(t *testing.T) {
	l := launcherFixture(t, sleeperStack)
	ctx := context.Background()
	defer killAll(t, l, "base", "worker")

	results, err := l.Up(ctx, nil, true)
	require.NoError(t, err)
	require.Len(t, results, 2)
	reapAll(l, "base", "worker")

	for _, res := range results {
		assert.Equal(t, ActionStarted, res.Action, res.Name)
		assert.Greater(t, res.Record.PID, 0, res.Name)
		assert.Equal(t, model.StateRunning, res.Record.State, res.Name)
	}

	// A second up is a no-op: both services are already running.
	results, err = l.Up(ctx, nil, true)
	require.NoError(t, err)
	for _, res := range results {
		assert.Equal(t, ActionSkipped, res.Action, res.Name)
	}

	results, err = l.Down(ctx, nil)
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, res := range results {
		assert.Equal(t, ActionStopped, res.Action, res.Name)
	}

	// A second down is equally a no-op.
	results, err = l.Down(ctx, nil)
	require.NoError(t, err)
	for _, res := range results {
		assert.Equal(t, ActionSkipped, res.Action, res.Name)
	}
}

// TestLauncher_Up_Subset verifies targeted up pulls in dependencies but
// not dependents.
func TestLauncher_Up_Subset(t *testing.T) {
	l := launcherFixture(t, sleeperStack)
	ctx := context.Background()
	defer killAll(t, l, "base")

	results, err := l.Up(ctx, []string{"base"}, true)
	require.NoError(t, err)
	reapAll(l, "base")

	require.Len(t, results, 1)
	assert.Equal(t, "base", results[0].Name)
	assert.Nil(t, l.Handle("worker"), "dependents must not be started")
}

// TestLauncher_Up_PortConflict verifies the pre-flight port check fails
// fast with the dedicated exit code when a foreign listener holds the
// declared port.
func TestLauncher_Up_PortConflict(t *testing.T) {
	ln, err := net.Listen("tcp", ":0")
	require.NoError(t, err)
	defer func() { _ = ln.Close() }()
	tcpAddr, ok := ln.Addr().(*net.TCPAddr)
	require.True(t, ok)

	stack := fmt.Sprintf(`
version: 1
services:
  api:
    command: sleep
    args: ["300"]
    port: %d
    stopGrace: 1s
`, tcpAddr.Port)

	l := launcherFixture(t, stack)
	_, err = l.Up(context.Background(), nil, true)
	require.Error(t, err)

	var cliErr *model.CLIError
	require.True(t, errors.As(err, &cliErr))
	assert.Equal(t, model.ExitPortConflict, cliErr.Code)
	assert.Contains(t, cliErr.Message, "free-port")
	assert.Contains(t, cliErr.Message, "is free", "the error should suggest a nearby alternative port")
	assert.Nil(t, l.Handle("api"), "nothing should be spawned on a conflict")
}

// TestLauncher_Up_ReadinessTimeout verifies a service that starts but
// never binds its port fails with the readiness exit code and a pointer
// to its log.
func TestLauncher_Up_ReadinessTimeout(t *testing.T) {
	// Reserve a port that is known free right now; sleep never binds it,
	// so the probe can only time out.
	ln, err := net.Listen("tcp", ":0")
	require.NoError(t, err)
	tcpAddr, ok := ln.Addr().(*net.TCPAddr)
	require.True(t, ok)
	require.NoError(t, ln.Close())

	stack := fmt.Sprintf(`
version: 1
services:
  api:
    command: sleep
    args: ["300"]
    port: %d
    stopGrace: 1s
    readiness:
      timeout: 400ms
      interval: 100ms
`, tcpAddr.Port)
	l := launcherFixture(t, stack)
	defer killAll(t, l, "api")

	results, err := l.Up(context.Background(), nil, true)
	reapAll(l, "api")
	require.Error(t, err)

	var cliErr *model.CLIError
	require.True(t, errors.As(err, &cliErr))
	assert.Equal(t, model.ExitReadinessTimeout, cliErr.Code)
	assert.Contains(t, cliErr.Message, "log:")
	_ = results
}

// TestLauncher_Restart verifies restart yields a fresh process.
func TestLauncher_Restart(t *testing.T) {
	l := launcherFixture(t, sleeperStack)
	ctx := context.Background()
	defer killAll(t, l, "base", "worker")

	results, err := l.Up(ctx, []string{"base"}, true)
	require.NoError(t, err)
	reapAll(l, "base")
	firstPID := results[0].Record.PID

	res, err := l.Restart(ctx, "base", true)
	require.NoError(t, err)
	reapAll(l, "base")

	assert.Equal(t, ActionStarted, res.Action)
	assert.NotEqual(t, firstPID, res.Record.PID, "restart should spawn a new process")
}

// TestLauncher_RestartCascade verifies dependents are bounced along with
// the target: both services get fresh PIDs.
func TestLauncher_RestartCascade(t *testing.T) {
	l := launcherFixture(t, sleeperStack)
	ctx := context.Background()
	defer killAll(t, l, "base", "worker")

	results, err := l.Up(ctx, nil, true)
	require.NoError(t, err)
	reapAll(l, "base", "worker")

	before := map[string]int{}
	for _, res := range results {
		before[res.Name] = res.Record.PID
	}

	results, err = l.RestartCascade(ctx, "base", true)
	require.NoError(t, err)
	reapAll(l, "base", "worker")

	require.Len(t, results, 2)
	for _, res := range results {
		assert.Equal(t, ActionStarted, res.Action, res.Name)
		assert.NotEqual(t, before[res.Name], res.Record.PID, "%s should have a fresh pid", res.Name)
	}
}

// TestLauncher_Restart_UnknownService verifies the not-found error path.
func TestLauncher_Restart_UnknownService(t *testing.T) {
	l := launcherFixture(t, sleeperStack)

	_, err := l.Restart(context.Background(), "nope", true)
	require.Error(t, err)

	var cliErr *model.CLIError
	require.True(t, errors.As(err, &cliErr))
	assert.Equal(t, model.ExitServiceNotFound, cliErr.Code)
}

// TestLauncher_Status reconstructs state across the lifecycle: stopped
// before up, running after, stopped again after down.
func TestLauncher_Status(t *testing.T) {
	l := launcherFixture(t, sleeperStack)
	ctx := context.Background()
	defer killAll(t, l, "base", "worker")

	records, err := l.Status(ctx)
	require.NoError(t, err)
	require.Len(t, records, 2)
	for _, rec := range records {
		assert.Equal(t, model.StateStopped, rec.State, rec.Name)
	}

	_, err = l.Up(ctx, nil, true)
	require.NoError(t, err)
	reapAll(l, "base", "worker")

	records, err = l.Status(ctx)
	require.NoError(t, err)
	for _, rec := range records {
		assert.Equal(t, model.StateRunning, rec.State, rec.Name)
		assert.Greater(t, rec.PID, 0, rec.Name)
		assert.NotEmpty(t, rec.LogPath, rec.Name)
	}

	_, err = l.Down(ctx, nil)
	require.NoError(t, err)

	records, err = l.Status(ctx)
	require.NoError(t, err)
	for _, rec := range records {
		assert.Equal(t, model.StateStopped, rec.State, rec.Name)
	}
}
