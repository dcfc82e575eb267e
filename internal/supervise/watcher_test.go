package supervise

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmr-tortoise/berth/internal/config"
)

// watcherFixture loads a two-service stack from a temp directory, with
// one service carrying a hot-reload file, and returns the config plus
// the reload file path.
func watcherFixture(t *testing.T) (*config.Config, string) {
	t.Helper()
	dir := t.TempDir()

	reloadFile := filepath.Join(dir, "proxy-config.json")
	require.NoError(t, os.WriteFile(reloadFile, []byte(`{"servers":{}}`), 0o644))

	stackPath := filepath.Join(dir, "berth.yaml")
	stack := `
version: 1
services:
  proxy:
    command: proxy-server
    port: 9999
    reloadFile: ./proxy-config.json
  api:
    command: serve
    port: 8000
`
	require.NoError(t, os.WriteFile(stackPath, []byte(stack), 0o644))

	cfg, err := config.Load(stackPath)
	require.NoError(t, err)
	return cfg, reloadFile
}

// collectChange waits for one change event with a generous deadline.
func collectChange(t *testing.T, ch <-chan Change) Change {
	t.Helper()
	select {
	case change, ok := <-ch:
		require.True(t, ok, "changes channel closed unexpectedly")
		return change
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a change event")
		return Change{}
	}
}

// TestWatcher_ReloadFileChange verifies a write to a service's reload
// file produces a change naming that service.
func TestWatcher_ReloadFileChange(t *testing.T) {
	cfg, reloadFile := watcherFixture(t)

	w, err := NewWatcher(cfg)
	require.NoError(t, err)
	defer func() { _ = w.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	// Give the watcher a moment to arm before writing.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, os.WriteFile(reloadFile, []byte(`{"servers":{"a":1}}`), 0o644))

	change := collectChange(t, w.Changes())
	assert.False(t, change.StackFile)
	assert.Equal(t, []string{"proxy"}, change.Services)
	assert.Equal(t, filepath.Clean(reloadFile), change.Path)
}

// TestWatcher_StackFileChange verifies a write to the stack file itself
// is flagged as a config-reload trigger.
func TestWatcher_StackFileChange(t *testing.T) {
	cfg, _ := watcherFixture(t)

	w, err := NewWatcher(cfg)
	require.NoError(t, err)
	defer func() { _ = w.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	time.Sleep(50 * time.Millisecond)
	// Append a comment; the content just has to change.
	f, err := os.OpenFile(cfg.Path(), os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("\n# touched\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	change := collectChange(t, w.Changes())
	assert.True(t, change.StackFile)
	assert.Empty(t, change.Services)
}

// TestWatcher_AtomicRename verifies the editor-style write (temp file +
// rename into place) is detected, which an inode-level watch would miss.
func TestWatcher_AtomicRename(t *testing.T) {
	cfg, reloadFile := watcherFixture(t)

	w, err := NewWatcher(cfg)
	require.NoError(t, err)
	defer func() { _ = w.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	time.Sleep(50 * time.Millisecond)
	tmp := reloadFile + ".tmp"
	require.NoError(t, os.WriteFile(tmp, []byte(`{"servers":{"b":2}}`), 0o644))
	require.NoError(t, os.Rename(tmp, reloadFile))

	change := collectChange(t, w.Changes())
	assert.Equal(t, []string{"proxy"}, change.Services)
}

// TestWatcher_DebounceCoalesces verifies a burst of writes within the
// debounce window produces a single change event.
func TestWatcher_DebounceCoalesces(t *testing.T) {
	cfg, reloadFile := watcherFixture(t)

	w, err := NewWatcher(cfg)
	require.NoError(t, err)
	defer func() { _ = w.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	time.Sleep(50 * time.Millisecond)
	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(reloadFile, []byte{byte('0' + i)}, 0o644))
		time.Sleep(10 * time.Millisecond)
	}

	collectChange(t, w.Changes())

	// No second event should arrive for the same burst.
	select {
	case change := <-w.Changes():
		t.Fatalf("unexpected extra change event: %+v", change)
	case <-time.After(2 * watchDebounce):
	}
}

// TestWatcher_IgnoresUnrelatedFiles verifies files nobody declared an
// interest in do not produce events even when they share a watched
// directory.
func TestWatcher_IgnoresUnrelatedFiles(t *testing.T) {
	cfg, reloadFile := watcherFixture(t)

	w, err := NewWatcher(cfg)
	require.NoError(t, err)
	defer func() { _ = w.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	time.Sleep(50 * time.Millisecond)
	unrelated := filepath.Join(filepath.Dir(reloadFile), "notes.txt")
	require.NoError(t, os.WriteFile(unrelated, []byte("scratch"), 0o644))

	select {
	case change := <-w.Changes():
		t.Fatalf("unexpected change event for unrelated file: %+v", change)
	case <-time.After(2 * watchDebounce):
	}
}

// TestWatcher_CloseEndsRun verifies Run returns and closes the changes
// channel when the watcher is closed.
func TestWatcher_CloseEndsRun(t *testing.T) {
	cfg, _ := watcherFixture(t)

	w, err := NewWatcher(cfg)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		w.Run(context.Background())
		close(done)
	}()

	require.NoError(t, w.Close())
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Close")
	}

	_, ok := <-w.Changes()
	assert.False(t, ok, "changes channel should be closed")
}
