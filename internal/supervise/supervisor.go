package supervise

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmr-tortoise/berth/internal/config"
	"github.com/mmr-tortoise/berth/internal/model"
	"github.com/mmr-tortoise/berth/internal/proc"
)

// adoptedPollInterval is how often the supervisor polls liveness of
// services it did not spawn itself (started by an earlier `berth up`).
// Children it did spawn are reaped directly via wait(2), which needs no
// polling.
const adoptedPollInterval = 2 * time.Second

// initialBackoff is the first restart delay; it doubles per consecutive
// failure up to the service's backoffMax, and resets once a restarted
// service stays up for a backoff period.
const initialBackoff = 1 * time.Second

// exitEvent reports that a supervised child process exited.
type exitEvent struct {
	name string
	err  error
}

// Supervisor owns a stack in the foreground: it brings the stack up,
// restarts crashed services per their restart policy, and restarts
// services whose hot-reload file (or the stack config itself) changes.
// On shutdown it takes the whole stack down — watch mode has docker
// compose-style foreground semantics.
type Supervisor struct {
	procs *proc.Manager
	log   *zap.Logger

	// launchID tags every log line from this supervisor run, so
	// interleaved runs in a shared log stream stay separable.
	launchID string

	cfg      *config.Config
	launcher *Launcher

	exitCh chan exitEvent

	// backoff holds each service's current restart delay; restartedAt
	// holds when it last came back up, so the delay can be reset after a
	// stable stretch.
	backoff     map[string]time.Duration
	restartedAt map[string]time.Time
}

// NewSupervisor creates a Supervisor for the given configuration.
func NewSupervisor(cfg *config.Config, procs *proc.Manager, log *zap.Logger) *Supervisor {
	launcher := NewLauncher(cfg, procs)
	launcher.Rotate = true

	s := &Supervisor{
		procs:    procs,
		log:      log,
		launchID: uuid.NewString(),
		cfg:      cfg,
		launcher: launcher,
		exitCh:      make(chan exitEvent, 16),
		backoff:     make(map[string]time.Duration),
		restartedAt: make(map[string]time.Time),
	}
	s.log = log.With(zap.String("launch_id", s.launchID))
	return s
}

// Run brings the stack up and supervises it until the context is
// cancelled, then tears the stack down. The returned error reports a
// failed initial startup; supervision failures are logged and absorbed.
func (s *Supervisor) Run(ctx context.Context) error {
	s.log.Info("bringing stack up", zap.String("config", s.cfg.Path()))
	results, err := s.launcher.Up(ctx, nil, true)
	if err != nil {
		// Leave whatever came up running; the operator decides whether
		// to retry or tear down.
		return err
	}
	for _, res := range results {
		s.log.Info("service up",
			zap.String("service", res.Name),
			zap.String("action", string(res.Action)),
			zap.Int("pid", res.Record.PID))
		s.reap(res.Name)
	}

	watcher, err := NewWatcher(s.cfg)
	if err != nil {
		return err
	}
	go watcher.Run(ctx)
	defer func() { _ = watcher.Close() }()

	poll := time.NewTicker(adoptedPollInterval)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return nil

		case ev := <-s.exitCh:
			s.handleExit(ctx, ev)

		case change, ok := <-watcher.Changes():
			if !ok {
				// Watcher closed underneath us (context cancel races).
				continue
			}
			s.handleChange(ctx, change)

		case <-poll.C:
			s.pollAdopted(ctx)
		}
	}
}

// reap starts a goroutine waiting on a child handle, if this service is
// our own child. Exits are delivered on exitCh.
func (s *Supervisor) reap(name string) {
	handle := s.launcher.Handle(name)
	if handle == nil {
		return
	}
	go func() {
		err := handle.Wait()
		s.exitCh <- exitEvent{name: name, err: err}
	}()
}

// handleExit applies the restart policy to a dead service.
func (s *Supervisor) handleExit(ctx context.Context, ev exitEvent) {
	if ctx.Err() != nil {
		return
	}
	svc, ok := s.cfg.Services[ev.name]
	if !ok {
		return
	}

	s.log.Warn("service exited",
		zap.String("service", ev.name),
		zap.Error(ev.err))

	switch svc.Restart {
	case config.RestartNever:
		return
	case config.RestartOnFailure:
		if ev.err == nil {
			// Clean exit, policy says leave it down.
			return
		}
	}

	s.maybeResetBackoff(ev.name, time.Now())
	delay := s.nextBackoff(ev.name, svc)
	s.log.Info("restarting service",
		zap.String("service", ev.name),
		zap.Duration("backoff", delay))

	select {
	case <-ctx.Done():
		return
	case <-time.After(delay):
	}

	if _, err := s.launcher.Restart(ctx, ev.name, true); err != nil {
		s.log.Error("restart failed",
			zap.String("service", ev.name),
			zap.Error(err))
		// Re-queue through the exit path so the backoff keeps growing
		// instead of hot-looping on a service that cannot start. The delay
		// is computed here, not in the goroutine: the backoff map is only
		// touched from the event loop.
		requeueAfter := s.nextBackoff(ev.name, svc)
		go func() {
			select {
			case <-ctx.Done():
			case <-time.After(requeueAfter):
				s.exitCh <- exitEvent{name: ev.name, err: err}
			}
		}()
		return
	}
	s.restartedAt[ev.name] = time.Now()
	s.reap(ev.name)
}

// nextBackoff doubles the service's restart delay up to its cap.
func (s *Supervisor) nextBackoff(name string, svc *config.Service) time.Duration {
	delay, ok := s.backoff[name]
	if !ok {
		delay = initialBackoff
	} else {
		delay *= 2
	}
	if max := svc.BackoffMax.Std(); delay > max {
		delay = max
	}
	s.backoff[name] = delay
	return delay
}

// maybeResetBackoff clears a service's accumulated restart delay once it
// has outlived that delay since its last restart: the crash streak is
// over, and the next failure starts again from initialBackoff.
func (s *Supervisor) maybeResetBackoff(name string, now time.Time) {
	at, ok := s.restartedAt[name]
	if !ok {
		return
	}
	if delay, ok := s.backoff[name]; ok && now.Sub(at) > delay {
		delete(s.backoff, name)
	}
}

// handleChange restarts services affected by a file modification.
func (s *Supervisor) handleChange(ctx context.Context, change Change) {
	if change.StackFile {
		s.reloadConfig(ctx)
		return
	}

	for _, name := range change.Services {
		s.log.Info("reload file changed, restarting service",
			zap.String("service", name),
			zap.String("path", change.Path))
		s.restartForReload(ctx, name)
	}
}

// restartForReload restarts one service after a hot-reload trigger and
// resets its crash backoff — a deliberate config change is a fresh start.
func (s *Supervisor) restartForReload(ctx context.Context, name string) {
	delete(s.backoff, name)
	delete(s.restartedAt, name)
	if _, err := s.launcher.Restart(ctx, name, true); err != nil {
		s.log.Error("reload restart failed",
			zap.String("service", name),
			zap.Error(err))
		return
	}
	s.reap(name)
}

// reloadConfig re-reads the stack file and restarts services whose
// definitions changed. Added or removed services require a supervisor
// restart; that limitation is logged rather than half-handled.
func (s *Supervisor) reloadConfig(ctx context.Context) {
	fresh, err := config.Load(s.cfg.Path())
	if err != nil {
		s.log.Error("stack config changed but failed to load; keeping previous config",
			zap.Error(err))
		return
	}

	var changed []string
	for name, svc := range fresh.Services {
		old, ok := s.cfg.Services[name]
		if !ok {
			s.log.Warn("new service in config requires supervisor restart",
				zap.String("service", name))
			continue
		}
		if !reflect.DeepEqual(old, svc) {
			changed = append(changed, name)
		}
	}
	for name := range s.cfg.Services {
		if _, ok := fresh.Services[name]; !ok {
			s.log.Warn("removed service still running; stop it with berth down",
				zap.String("service", name))
		}
	}

	// Swap definitions for the services both configs know about, then
	// restart the changed ones under their new definitions.
	for name, svc := range fresh.Services {
		if _, ok := s.cfg.Services[name]; ok {
			s.cfg.Services[name] = svc
		}
	}

	for _, name := range changed {
		s.log.Info("service definition changed, restarting",
			zap.String("service", name))
		s.restartForReload(ctx, name)
	}
}

// pollAdopted checks liveness of running services that are not our
// children (adopted from a previous `berth up`). A vanished adopted
// service goes through the same restart policy as a reaped child.
func (s *Supervisor) pollAdopted(ctx context.Context) {
	for _, name := range s.cfg.Names() {
		svc := s.cfg.Services[name]
		if svc.Runtime() != model.RuntimeExec || svc.Restart == config.RestartNever {
			continue
		}
		if s.launcher.Handle(name) != nil {
			// Our own child; wait(2) covers it.
			continue
		}
		_, err := s.procs.Status(name)
		if errors.Is(err, proc.ErrNotRunning) {
			select {
			case s.exitCh <- exitEvent{name: name, err: fmt.Errorf("process disappeared")}:
			default:
				// exitCh is full and this method runs on the event loop,
				// so a blocking send would deadlock against ourselves.
				// The next poll tick sees the service still gone.
			}
		}
	}
}

// shutdown takes the whole stack down on supervisor exit. A fresh
// context is used because the run context is already cancelled.
func (s *Supervisor) shutdown() {
	s.log.Info("shutting stack down")
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	if _, err := s.launcher.Down(ctx, nil); err != nil {
		s.log.Error("stack shutdown incomplete", zap.Error(err))
	}
	s.launcher.Close()
}
