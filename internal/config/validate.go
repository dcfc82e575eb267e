package config

import (
	"fmt"
	"sort"
	"strings"

	"github.com/mmr-tortoise/berth/internal/model"
)

// Validate checks the whole configuration for structural errors:
// schema version, service name charset, command/image exclusivity,
// port ranges and uniqueness, probe and restart policy values,
// dependency references, and dependency cycles.
//
// Validation errors are plain errors; Load wraps them into a CLIError
// with ExitConfigError.
func (c *Config) Validate() error {
	if c.Version != 1 {
		return fmt.Errorf("unsupported config version %d (expected 1)", c.Version)
	}
	if len(c.Services) == 0 {
		return fmt.Errorf("no services defined")
	}

	// Track declared primary ports per protocol so two services cannot
	// claim the same port. Docker bindings participate with their host
	// side — that is the side that collides on the machine.
	claimed := make(map[string]string) // "port/proto" → service name

	// Iterate in sorted order so the first error reported is stable.
	for _, name := range c.Names() {
		svc := c.Services[name]
		if svc == nil {
			return fmt.Errorf("service %q: empty definition", name)
		}
		if err := model.ValidateName(name); err != nil {
			return err
		}

		if err := c.validateService(name, svc, claimed); err != nil {
			return err
		}
	}

	// Cycle detection falls out of the topological sort: a cycle leaves
	// nodes unsortable.
	if _, err := c.StartOrder(); err != nil {
		return err
	}

	return nil
}

// validateService checks a single service definition.
func (c *Config) validateService(name string, svc *Service, claimed map[string]string) error {
	switch {
	case svc.Command == "" && svc.Image == "":
		return fmt.Errorf("service %q: one of command or image is required", name)
	case svc.Command != "" && svc.Image != "":
		return fmt.Errorf("service %q: command and image are mutually exclusive", name)
	}

	if svc.Runtime() == model.RuntimeExec && len(svc.Ports) > 0 {
		return fmt.Errorf("service %q: ports is only valid for image services; use port for a host process", name)
	}
	if svc.Runtime() == model.RuntimeDocker && svc.Venv != "" {
		return fmt.Errorf("service %q: venv has no effect on an image service", name)
	}

	if svc.Port != 0 && (svc.Port < 1 || svc.Port > 65535) {
		return fmt.Errorf("service %q: port %d out of range (1-65535)", name, svc.Port)
	}
	if svc.Protocol != "tcp" && svc.Protocol != "udp" {
		return fmt.Errorf("service %q: invalid protocol %q (valid: tcp, udp)", name, svc.Protocol)
	}
	if svc.Port != 0 {
		if err := claimPort(claimed, svc.Port, svc.Protocol, name); err != nil {
			return err
		}
	}
	for i := range svc.Ports {
		if err := svc.Ports[i].Validate(); err != nil {
			return fmt.Errorf("service %q: %w", name, err)
		}
		if err := claimPort(claimed, svc.Ports[i].HostPort, svc.Ports[i].Protocol, name); err != nil {
			return err
		}
	}

	if svc.Readiness != nil {
		switch svc.Readiness.Type {
		case "", ProbeTCP, ProbeHTTP:
		default:
			return fmt.Errorf("service %q: invalid readiness type %q (valid: tcp, http)", name, svc.Readiness.Type)
		}
		if svc.Port == 0 {
			return fmt.Errorf("service %q: readiness probe requires a declared port", name)
		}
	}

	switch svc.Restart {
	case RestartNever, RestartOnFailure, RestartAlways:
	default:
		return fmt.Errorf("service %q: invalid restart policy %q (valid: never, on-failure, always)", name, svc.Restart)
	}

	for _, dep := range svc.DependsOn {
		if dep == name {
			return fmt.Errorf("service %q depends on itself", name)
		}
		if _, ok := c.Services[dep]; !ok {
			return fmt.Errorf("service %q depends on unknown service %q", name, dep)
		}
	}

	return nil
}

// claimPort records a port/protocol claim and errors if another service
// already holds it.
func claimPort(claimed map[string]string, port int, protocol, name string) error {
	key := fmt.Sprintf("%d/%s", port, protocol)
	if owner, ok := claimed[key]; ok && owner != name {
		return fmt.Errorf("port %s claimed by both %q and %q", key, owner, name)
	}
	claimed[key] = name
	return nil
}

// StartOrder computes the batched startup order from the dependency graph
// using Kahn's algorithm. Each returned batch contains services whose
// dependencies are all satisfied by earlier batches, so services within a
// batch can start concurrently. Batches are sorted by name for
// deterministic output.
//
// Returns an error naming the cycle members if the graph is not a DAG.
func (c *Config) StartOrder() ([][]string, error) {
	// In-degree per service = number of unstarted dependencies.
	indegree := make(map[string]int, len(c.Services))
	dependents := make(map[string][]string, len(c.Services))
	for name, svc := range c.Services {
		if svc == nil {
			continue
		}
		indegree[name] += 0
		for _, dep := range svc.DependsOn {
			indegree[name]++
			dependents[dep] = append(dependents[dep], name)
		}
	}

	var order [][]string
	remaining := len(indegree)

	// Collect the current zero-indegree frontier, emit it as one batch,
	// then relax edges out of it. Repeats until nothing is startable.
	for remaining > 0 {
		var batch []string
		for name, deg := range indegree {
			if deg == 0 {
				batch = append(batch, name)
			}
		}
		if len(batch) == 0 {
			// Everything left has an unsatisfied dependency: a cycle.
			var stuck []string
			for name := range indegree {
				stuck = append(stuck, name)
			}
			sort.Strings(stuck)
			return nil, fmt.Errorf("dependency cycle involving: %s", strings.Join(stuck, ", "))
		}
		sort.Strings(batch)

		for _, name := range batch {
			delete(indegree, name)
			remaining--
			for _, dependent := range dependents[name] {
				if _, ok := indegree[dependent]; ok {
					indegree[dependent]--
				}
			}
		}
		order = append(order, batch)
	}

	return order, nil
}

// StopOrder returns the startup batches reversed: dependents stop before
// the services they depend on, mirroring how the runbook tore the stack
// down by hand (UI first, backing MCP server last).
func (c *Config) StopOrder() ([][]string, error) {
	order, err := c.StartOrder()
	if err != nil {
		return nil, err
	}
	reversed := make([][]string, len(order))
	for i, batch := range order {
		reversed[len(order)-1-i] = batch
	}
	return reversed, nil
}

// Dependents returns every service that transitively depends on the
// named one, in sorted order. The named service itself is excluded.
//
// This backs cascading restarts: bouncing a dependency invalidates the
// connections its consumers hold, so the operator can opt into bouncing
// them too.
func (c *Config) Dependents(name string) []string {
	// Invert the dependency edges once; stacks are small.
	dependents := make(map[string][]string, len(c.Services))
	for svcName, svc := range c.Services {
		if svc == nil {
			continue
		}
		for _, dep := range svc.DependsOn {
			dependents[dep] = append(dependents[dep], svcName)
		}
	}

	seen := map[string]bool{}
	queue := []string{name}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for _, dependent := range dependents[current] {
			if !seen[dependent] {
				seen[dependent] = true
				queue = append(queue, dependent)
			}
		}
	}

	result := make([]string, 0, len(seen))
	for svcName := range seen {
		result = append(result, svcName)
	}
	sort.Strings(result)
	return result
}

// Subset restricts a start/stop order to the named services plus, when
// expand is true, everything they transitively depend on. Batch structure
// is preserved; empty batches are dropped.
//
// This backs `berth up svc...`: starting a service implies starting its
// dependencies, but never its dependents.
func (c *Config) Subset(order [][]string, names []string, expand bool) ([][]string, error) {
	want := make(map[string]bool, len(names))
	for _, name := range names {
		if _, ok := c.Services[name]; !ok {
			return nil, model.NewCLIError(model.ExitServiceNotFound,
				fmt.Sprintf("service %q not found in %s", name, c.path))
		}
		want[name] = true
	}

	if expand {
		// Walk the dependency closure. The graph is validated acyclic, so
		// a simple worklist terminates.
		queue := append([]string(nil), names...)
		for len(queue) > 0 {
			name := queue[0]
			queue = queue[1:]
			for _, dep := range c.Services[name].DependsOn {
				if !want[dep] {
					want[dep] = true
					queue = append(queue, dep)
				}
			}
		}
	}

	var result [][]string
	for _, batch := range order {
		var filtered []string
		for _, name := range batch {
			if want[name] {
				filtered = append(filtered, name)
			}
		}
		if len(filtered) > 0 {
			result = append(result, filtered)
		}
	}
	return result, nil
}
