package supervise

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mmr-tortoise/berth/internal/config"
	dockerapi "github.com/mmr-tortoise/berth/internal/docker"
	"github.com/mmr-tortoise/berth/internal/health"
	"github.com/mmr-tortoise/berth/internal/model"
	"github.com/mmr-tortoise/berth/internal/port"
	"github.com/mmr-tortoise/berth/internal/proc"
)

// Action describes what Up/Down did for one service.
type Action string

const (
	// ActionStarted means the service was started by this invocation.
	ActionStarted Action = "started"

	// ActionSkipped means the service was already in the requested state.
	ActionSkipped Action = "skipped"

	// ActionStopped means the service was stopped by this invocation.
	ActionStopped Action = "stopped"
)

// Result pairs a service with the action taken and its resulting record.
type Result struct {
	Name   string              `json:"name"`
	Action Action              `json:"action"`
	Record model.ServiceRecord `json:"record"`
}

// Launcher executes stack lifecycle operations against a loaded
// configuration. It is the shared engine behind the one-shot CLI
// commands and the watch-mode supervisor.
//
// A Launcher is not safe for concurrent use by multiple goroutines; the
// CLI runs one operation at a time and the supervisor serializes its
// calls.
type Launcher struct {
	cfg     *config.Config
	procs   *proc.Manager
	checker *health.Checker
	scanner *port.Scanner

	// Rotate selects rotating log capture for started processes. Only
	// the resident supervisor sets this; one-shot commands must leave it
	// false so detached children keep a valid stdout.
	Rotate bool

	// Logf, when set, receives progress messages (the CLI wires its
	// verbose logger here). Nil means silent.
	Logf func(format string, args ...interface{})

	// docker is created lazily on first use so stacks without image
	// services never require a Docker daemon.
	dockerOnce sync.Once
	dockerCli  *dockerapi.Client
	dockerErr  error

	// handles tracks processes started by this Launcher instance, keyed
	// by service name. The supervisor uses them to reap children and
	// detect exits; one-shot commands ignore them.
	mu      sync.Mutex
	handles map[string]*proc.Handle
}

// NewLauncher creates a Launcher for the given configuration.
func NewLauncher(cfg *config.Config, procs *proc.Manager) *Launcher {
	return &Launcher{
		cfg:     cfg,
		procs:   procs,
		checker: health.NewChecker(),
		scanner: port.NewScanner(),
		handles: make(map[string]*proc.Handle),
	}
}

// logf forwards to Logf when set.
func (l *Launcher) logf(format string, args ...interface{}) {
	if l.Logf != nil {
		l.Logf(format, args...)
	}
}

// docker returns the shared Docker client, creating it on first use.
func (l *Launcher) docker() (*dockerapi.Client, error) {
	l.dockerOnce.Do(func() {
		l.dockerCli, l.dockerErr = dockerapi.NewClient()
	})
	return l.dockerCli, l.dockerErr
}

// Close releases the Docker client if one was created.
func (l *Launcher) Close() {
	if l.dockerCli != nil {
		_ = l.dockerCli.Close()
	}
}

// Handle returns the process handle for a service started by this
// Launcher, or nil. Used by the supervisor for child reaping.
func (l *Launcher) Handle(name string) *proc.Handle {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.handles[name]
}

// Up starts services in dependency order.
//
// With no names, the whole stack starts. With names, the named services
// and their transitive dependencies start — a service is never brought up
// on a missing dependency, exactly the mistake the manual runbook's
// ordering existed to prevent.
//
// Services within a dependency batch start concurrently. When wait is
// true, each service must pass its readiness probe before its dependents
// start; the first failure aborts the remaining batches.
func (l *Launcher) Up(ctx context.Context, names []string, wait bool) ([]Result, error) {
	order, err := l.cfg.StartOrder()
	if err != nil {
		return nil, err
	}
	if len(names) > 0 {
		order, err = l.cfg.Subset(order, names, true)
		if err != nil {
			return nil, err
		}
	}

	var results []Result
	var resMu sync.Mutex

	for _, batch := range order {
		g, gctx := errgroup.WithContext(ctx)
		for _, name := range batch {
			g.Go(func() error {
				res, err := l.upOne(gctx, name, wait)
				if err != nil {
					return err
				}
				resMu.Lock()
				results = append(results, res)
				resMu.Unlock()
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return results, err
		}
	}

	sortResults(results)
	return results, nil
}

// upOne starts a single service if it is not already running, then
// optionally waits for readiness.
func (l *Launcher) upOne(ctx context.Context, name string, wait bool) (Result, error) {
	svc := l.cfg.Services[name]

	rec, err := l.recordFor(ctx, name, svc)
	if err != nil {
		return Result{}, err
	}
	if rec.State == model.StateRunning || rec.State == model.StateDegraded {
		// Degraded still means a live process; starting a second copy
		// would only fight over the port.
		l.logf("Service %q already running (pid %d)", name, rec.PID)
		return Result{Name: name, Action: ActionSkipped, Record: rec}, nil
	}

	// Pre-flight: the declared port must be free before spawning, so a
	// stuck listener surfaces as a clear conflict instead of a crashing
	// service. This is the runbook's "port is stuck" failure, caught
	// before it wastes a startup.
	if svc.Port != 0 && svc.Runtime() == model.RuntimeExec {
		if !l.scanner.IsPortAvailable(svc.Port, svc.Protocol) {
			msg := fmt.Sprintf("port %d/%s needed by %q is already in use (try: berth free-port %d)",
				svc.Port, svc.Protocol, name, svc.Port)
			// Offering the nearest free port lets the operator re-point the
			// stack file without trial and error.
			if alt, aerr := l.scanner.FindAvailablePort(svc.Port+1, svc.Port+100, svc.Protocol); aerr == nil {
				msg = fmt.Sprintf("port %d/%s needed by %q is already in use; %d is free (try: berth free-port %d)",
					svc.Port, svc.Protocol, name, alt, svc.Port)
			}
			return Result{}, model.NewCLIError(model.ExitPortConflict, msg)
		}
	}

	l.logf("Starting service %q...", name)
	switch svc.Runtime() {
	case model.RuntimeDocker:
		rec, err = l.startContainer(ctx, name, svc)
	default:
		rec, err = l.startProcess(name, svc)
	}
	if err != nil {
		return Result{}, err
	}

	if wait {
		if probe := health.Resolve(name, svc); probe != nil {
			l.logf("Waiting for %q on %s...", name, probe.Address)
			if err := l.checker.WaitReady(ctx, probe); err != nil {
				rec.State = model.StateDegraded
				rec.Detail = err.Error()
				return Result{Name: name, Action: ActionStarted, Record: rec},
					model.WrapCLIError(model.ExitReadinessTimeout,
						fmt.Sprintf("service %q started but never became ready (log: %s)", name, rec.LogPath), err)
			}
		}
	}

	rec.State = model.StateRunning
	return Result{Name: name, Action: ActionStarted, Record: rec}, nil
}

// startProcess spawns an exec service and records its handle.
func (l *Launcher) startProcess(name string, svc *config.Service) (model.ServiceRecord, error) {
	handle, err := l.procs.Start(name, proc.StartSpec{
		Command: svc.Command,
		Args:    svc.Args,
		Dir:     svc.Dir,
		Env:     svc.Env,
		Venv:    svc.Venv,
		Rotate:  l.Rotate,
	})
	if err != nil {
		return model.ServiceRecord{}, model.WrapCLIError(model.ExitProcessControl,
			fmt.Sprintf("failed to start service %q", name), err)
	}

	l.mu.Lock()
	l.handles[name] = handle
	l.mu.Unlock()

	return model.ServiceRecord{
		Name:      name,
		Runtime:   model.RuntimeExec,
		State:     model.StateRunning,
		PID:       handle.PID,
		Port:      svc.Port,
		Protocol:  svc.Protocol,
		LogPath:   handle.LogPath,
		StartedAt: time.Now(),
	}, nil
}

// startContainer starts a docker service, reusing an existing stopped
// container when one is present so container-local state survives
// restarts.
func (l *Launcher) startContainer(ctx context.Context, name string, svc *config.Service) (model.ServiceRecord, error) {
	cli, err := l.docker()
	if err != nil {
		return model.ServiceRecord{}, err
	}

	containerID, running, err := dockerapi.FindServiceContainer(ctx, cli, name)
	if err != nil {
		return model.ServiceRecord{}, err
	}

	switch {
	case running:
		// recordFor said not-running but the container raced us up;
		// treat as started.
	case containerID != "":
		if err := dockerapi.StartContainer(ctx, cli, containerID); err != nil {
			return model.ServiceRecord{}, model.WrapCLIError(model.ExitProcessControl,
				fmt.Sprintf("failed to start container for service %q", name), err)
		}
	default:
		var env []string
		for key, value := range svc.Env {
			env = append(env, key+"="+value)
		}
		sort.Strings(env)
		containerID, err = dockerapi.RunService(ctx, cli, name, dockerapi.RunSpec{
			Image:     svc.Image,
			Env:       env,
			Bindings:  svc.Ports,
			StackPath: l.cfg.Path(),
		})
		if err != nil {
			return model.ServiceRecord{}, err
		}
	}

	rec := model.ServiceRecord{
		Name:        name,
		Runtime:     model.RuntimeDocker,
		State:       model.StateRunning,
		ContainerID: containerID,
		Port:        svc.Port,
		Protocol:    svc.Protocol,
		StartedAt:   time.Now(),
	}
	if rec.Port == 0 && len(svc.Ports) > 0 {
		rec.Port = svc.Ports[0].HostPort
		rec.Protocol = svc.Ports[0].Protocol
	}
	return rec, nil
}

// Down stops services in reverse dependency order. With no names the
// whole stack stops; with names only those services stop (dependents are
// deliberately untouched — stopping a dependency under a consumer is the
// operator's call, just flagged by status as degraded afterwards).
func (l *Launcher) Down(ctx context.Context, names []string) ([]Result, error) {
	order, err := l.cfg.StopOrder()
	if err != nil {
		return nil, err
	}
	if len(names) > 0 {
		order, err = l.cfg.Subset(order, names, false)
		if err != nil {
			return nil, err
		}
	}

	var results []Result
	for _, batch := range order {
		for _, name := range batch {
			res, err := l.downOne(ctx, name)
			if err != nil {
				return results, err
			}
			results = append(results, res)
		}
	}

	sortResults(results)
	return results, nil
}

// downOne stops a single service.
func (l *Launcher) downOne(ctx context.Context, name string) (Result, error) {
	svc := l.cfg.Services[name]

	if svc.Runtime() == model.RuntimeDocker {
		cli, err := l.docker()
		if err != nil {
			return Result{}, err
		}
		containerID, running, err := dockerapi.FindServiceContainer(ctx, cli, name)
		if err != nil {
			return Result{}, err
		}
		if containerID == "" || !running {
			return Result{Name: name, Action: ActionSkipped,
				Record: model.ServiceRecord{Name: name, Runtime: model.RuntimeDocker, State: model.StateStopped}}, nil
		}
		l.logf("Stopping container for %q...", name)
		if err := dockerapi.StopContainer(ctx, cli, containerID); err != nil {
			return Result{}, model.WrapCLIError(model.ExitProcessControl,
				fmt.Sprintf("failed to stop service %q", name), err)
		}
		return Result{Name: name, Action: ActionStopped,
			Record: model.ServiceRecord{Name: name, Runtime: model.RuntimeDocker, State: model.StateStopped, ContainerID: containerID}}, nil
	}

	l.logf("Stopping service %q...", name)
	err := l.procs.Stop(name, svc.StopGrace.Std())
	if err != nil {
		if errors.Is(err, proc.ErrNotRunning) {
			return Result{Name: name, Action: ActionSkipped,
				Record: model.ServiceRecord{Name: name, Runtime: model.RuntimeExec, State: model.StateStopped}}, nil
		}
		return Result{}, model.WrapCLIError(model.ExitProcessControl,
			fmt.Sprintf("failed to stop service %q", name), err)
	}

	l.mu.Lock()
	delete(l.handles, name)
	l.mu.Unlock()

	return Result{Name: name, Action: ActionStopped,
		Record: model.ServiceRecord{Name: name, Runtime: model.RuntimeExec, State: model.StateStopped}}, nil
}

// Restart stops then starts one service, optionally waiting for
// readiness again.
func (l *Launcher) Restart(ctx context.Context, name string, wait bool) (Result, error) {
	if _, err := l.cfg.Service(name); err != nil {
		return Result{}, err
	}
	if _, err := l.downOne(ctx, name); err != nil {
		return Result{}, err
	}
	return l.upOne(ctx, name, wait)
}

// RestartCascade restarts a service together with everything that
// transitively depends on it. Dependents stop first (reverse dependency
// order), then the whole affected set starts again in dependency order.
// Dependencies outside the affected set that are already running show up
// as skipped in the results.
func (l *Launcher) RestartCascade(ctx context.Context, name string, wait bool) ([]Result, error) {
	if _, err := l.cfg.Service(name); err != nil {
		return nil, err
	}
	affected := append(l.cfg.Dependents(name), name)
	if _, err := l.Down(ctx, affected); err != nil {
		return nil, err
	}
	return l.Up(ctx, affected, wait)
}

// Status reconstructs the live state of every service in the stack.
//
// Exec services are resolved from pidfiles and /proc; docker services
// from labelled containers. Every service observed alive is then probed
// once, concurrently, to distinguish running from degraded.
func (l *Launcher) Status(ctx context.Context) ([]model.ServiceRecord, error) {
	records := make(map[string]*model.ServiceRecord, len(l.cfg.Services))

	// Query Docker once, only if the stack has image services.
	var containerRecords map[string]model.ServiceRecord
	if l.hasDockerServices() {
		cli, err := l.docker()
		if err != nil {
			return nil, err
		}
		containers, err := dockerapi.ListManagedContainers(ctx, cli)
		if err != nil {
			return nil, err
		}
		containerRecords = make(map[string]model.ServiceRecord, len(containers))
		for _, c := range containers {
			rec, rerr := dockerapi.RecordFromContainer(c)
			if rerr != nil {
				// Foreign or corrupt labels; skip rather than fail the
				// whole status sweep.
				continue
			}
			containerRecords[rec.Name] = rec
		}
	}

	for _, name := range l.cfg.Names() {
		svc := l.cfg.Services[name]
		rec, err := l.recordForWith(name, svc, containerRecords)
		if err != nil {
			return nil, err
		}
		records[name] = &rec
	}

	// Probe everything alive in one concurrent sweep.
	var probes []*health.Probe
	for name, rec := range records {
		if rec.State != model.StateRunning {
			continue
		}
		if probe := health.Resolve(name, l.cfg.Services[name]); probe != nil {
			probes = append(probes, probe)
		}
	}
	for name, probeErr := range l.checker.CheckStack(ctx, probes) {
		if probeErr != nil {
			records[name].State = model.StateDegraded
			records[name].Detail = probeErr.Error()
		}
	}

	result := make([]model.ServiceRecord, 0, len(records))
	for _, name := range l.cfg.Names() {
		result = append(result, *records[name])
	}
	return result, nil
}

// recordFor resolves one service's record, querying Docker on demand.
func (l *Launcher) recordFor(ctx context.Context, name string, svc *config.Service) (model.ServiceRecord, error) {
	if svc.Runtime() == model.RuntimeDocker {
		cli, err := l.docker()
		if err != nil {
			return model.ServiceRecord{}, err
		}
		containerID, running, err := dockerapi.FindServiceContainer(ctx, cli, name)
		if err != nil {
			return model.ServiceRecord{}, err
		}
		state := model.StateStopped
		if running {
			state = model.StateRunning
		}
		return model.ServiceRecord{
			Name: name, Runtime: model.RuntimeDocker, State: state,
			ContainerID: containerID, Port: svc.Port, Protocol: svc.Protocol,
		}, nil
	}
	return l.recordForWith(name, svc, nil)
}

// recordForWith resolves one service's record from local process state,
// or from the pre-fetched container map for docker services.
func (l *Launcher) recordForWith(name string, svc *config.Service, containerRecords map[string]model.ServiceRecord) (model.ServiceRecord, error) {
	if svc.Runtime() == model.RuntimeDocker {
		if rec, ok := containerRecords[name]; ok {
			if rec.Port == 0 {
				rec.Port = svc.Port
				rec.Protocol = svc.Protocol
			}
			return rec, nil
		}
		return model.ServiceRecord{
			Name: name, Runtime: model.RuntimeDocker, State: model.StateStopped,
			Port: svc.Port, Protocol: svc.Protocol,
		}, nil
	}

	rec := model.ServiceRecord{
		Name:     name,
		Runtime:  model.RuntimeExec,
		State:    model.StateStopped,
		Port:     svc.Port,
		Protocol: svc.Protocol,
		LogPath:  l.procs.LogPath(name),
	}

	pf, err := l.procs.Status(name)
	switch {
	case err == nil && pf == nil:
		// Never started, or cleanly stopped.
	case errors.Is(err, proc.ErrNotRunning):
		rec.State = model.StateOrphaned
		rec.PID = pf.PID
		rec.Detail = fmt.Sprintf("pidfile records pid %d but the process is gone", pf.PID)
	case err != nil:
		return model.ServiceRecord{}, model.WrapCLIError(model.ExitProcessControl,
			fmt.Sprintf("failed to inspect service %q", name), err)
	default:
		rec.State = model.StateRunning
		rec.PID = pf.PID
		rec.StartedAt = pf.StartedAt
	}

	return rec, nil
}

// hasDockerServices reports whether any service in the stack is
// image-backed.
func (l *Launcher) hasDockerServices() bool {
	for _, svc := range l.cfg.Services {
		if svc.Runtime() == model.RuntimeDocker {
			return true
		}
	}
	return false
}

// sortResults orders results by service name for stable CLI output.
func sortResults(results []Result) {
	sort.Slice(results, func(i, j int) bool {
		return results[i].Name < results[j].Name
	})
}
