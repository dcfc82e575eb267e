package supervise

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/mmr-tortoise/berth/internal/config"
)

// watchDebounce coalesces the bursts of fsnotify events an editor or
// atomic-rename write produces into a single change notification.
const watchDebounce = 500 * time.Millisecond

// Change describes a detected file modification relevant to the stack.
type Change struct {
	// Path is the cleaned absolute path that changed.
	Path string

	// Services are the services to restart because of this change.
	// Empty when the stack file itself changed.
	Services []string

	// StackFile is true when the stack configuration file changed,
	// which triggers a config reload rather than a targeted restart.
	StackFile bool
}

// Watcher monitors the stack configuration file and every service's
// hot-reload file, emitting debounced Change events.
//
// Directories are watched rather than the files themselves: most editors
// and config writers replace files atomically (write temp + rename),
// which drops an inode-level watch but is always visible to the parent
// directory's watch.
type Watcher struct {
	fs      *fsnotify.Watcher
	changes chan Change

	// interest maps cleaned file path → services to restart. The stack
	// file maps to nil, which marks it as the reload trigger.
	interest map[string][]string
	stack    string
}

// NewWatcher builds a Watcher from the stack configuration. The caller
// must invoke Run to start event delivery and Close when done.
func NewWatcher(cfg *config.Config) (*Watcher, error) {
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	w := &Watcher{
		fs:       fs,
		changes:  make(chan Change, 8),
		interest: make(map[string][]string),
		stack:    filepath.Clean(cfg.Path()),
	}

	dirs := map[string]bool{}
	addFile := func(path string, service string) {
		clean := filepath.Clean(path)
		if service != "" {
			w.interest[clean] = append(w.interest[clean], service)
		} else if _, ok := w.interest[clean]; !ok {
			w.interest[clean] = nil
		}
		dirs[filepath.Dir(clean)] = true
	}

	addFile(cfg.Path(), "")
	for _, name := range cfg.Names() {
		if rf := cfg.Services[name].ReloadFile; rf != "" {
			addFile(rf, name)
		}
	}

	for dir := range dirs {
		if err := fs.Add(dir); err != nil {
			_ = fs.Close()
			return nil, fmt.Errorf("failed to watch %s: %w", dir, err)
		}
	}

	return w, nil
}

// Changes returns the channel on which debounced change events arrive.
func (w *Watcher) Changes() <-chan Change {
	return w.changes
}

// Close stops the underlying fsnotify watcher. Run returns shortly after.
func (w *Watcher) Close() error {
	return w.fs.Close()
}

// Run pumps fsnotify events until the context is cancelled or the
// watcher is closed. Events for files nobody cares about are dropped;
// events for interesting files are debounced per path and forwarded on
// the Changes channel.
func (w *Watcher) Run(ctx context.Context) {
	defer close(w.changes)

	// pending holds paths seen during the current debounce window.
	pending := make(map[string]bool)
	var timer *time.Timer
	var timerC <-chan time.Time

	flush := func() {
		for path := range pending {
			change := Change{Path: path}
			if path == w.stack {
				change.StackFile = true
			} else {
				change.Services = append([]string(nil), w.interest[path]...)
			}
			select {
			case w.changes <- change:
			case <-ctx.Done():
				return
			}
		}
		clear(pending)
		timerC = nil
	}

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			// Writes, creates (rename-into-place), and removes followed
			// by recreation all count as modification.
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			path := filepath.Clean(event.Name)
			if _, ok := w.interest[path]; !ok {
				continue
			}
			pending[path] = true
			if timer == nil {
				timer = time.NewTimer(watchDebounce)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(watchDebounce)
			}
			timerC = timer.C

		case <-timerC:
			flush()

		case _, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			// Watch errors (overflow, etc.) are non-fatal; the next
			// event for an interesting path still gets through.
		}
	}
}
