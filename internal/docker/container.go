// container.go implements Docker container lifecycle operations for
// berth's image-backed services: create+start, stop, remove, and
// label-based discovery.
//
// Each image service maps to exactly one container named
// "berth-<service>". All managed containers carry the "berth.managed-by"
// label, which filters them from unrelated containers on the same host.
package docker

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/go-connections/nat"

	"github.com/mmr-tortoise/berth/internal/model"
)

// containerStopTimeout is the seconds Docker waits between SIGTERM and
// SIGKILL when stopping a container. Matches the default exec-service
// grace period.
const containerStopTimeout = 10

// ContainerName returns the deterministic container name for a service.
// One service, one container — discovery never has to guess.
func ContainerName(serviceName string) string {
	return "berth-" + serviceName
}

// RunSpec describes the container to create for an image service.
type RunSpec struct {
	// Image is the container image reference.
	Image string

	// Env holds environment variables as KEY=VALUE pairs.
	Env []string

	// Bindings are the container→host port mappings.
	Bindings []model.PortBinding

	// StackPath is the absolute stack config path, recorded in labels.
	StackPath string
}

// RunService creates and starts the container for a service. The image
// must already be present locally — berth does not pull, because the
// runbook's services are local builds, not registry artifacts.
//
// Returns the new container ID.
func RunService(ctx context.Context, cli *Client, serviceName string, spec RunSpec) (string, error) {
	exposed := nat.PortSet{}
	portMap := nat.PortMap{}
	for _, b := range spec.Bindings {
		proto := b.Protocol
		if proto == "" {
			proto = "tcp"
		}
		portKey, err := nat.NewPort(proto, strconv.Itoa(b.ContainerPort))
		if err != nil {
			return "", fmt.Errorf("service %q: invalid port binding %s: %w", serviceName, b.String(), err)
		}
		exposed[portKey] = struct{}{}
		portMap[portKey] = append(portMap[portKey], nat.PortBinding{
			HostIP:   "0.0.0.0",
			HostPort: strconv.Itoa(b.HostPort),
		})
	}

	labels := BuildLabels(serviceName, spec.StackPath, spec.Bindings, time.Now())

	created, err := cli.Inner().ContainerCreate(ctx,
		&container.Config{
			Image:        spec.Image,
			Env:          spec.Env,
			Labels:       labels,
			ExposedPorts: exposed,
		},
		&container.HostConfig{
			PortBindings: portMap,
		},
		nil, nil, ContainerName(serviceName),
	)
	if err != nil {
		return "", model.WrapCLIError(model.ExitDockerNotRunning,
			fmt.Sprintf("failed to create container for service %q", serviceName), err)
	}

	if err := cli.Inner().ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return "", model.WrapCLIError(model.ExitDockerNotRunning,
			fmt.Sprintf("failed to start container for service %q", serviceName), err)
	}

	return created.ID, nil
}

// StartContainer starts an existing (stopped) managed container.
func StartContainer(ctx context.Context, cli *Client, containerID string) error {
	return cli.Inner().ContainerStart(ctx, containerID, container.StartOptions{})
}

// StopContainer gracefully stops a container, letting Docker handle the
// SIGTERM→SIGKILL escalation after containerStopTimeout seconds.
func StopContainer(ctx context.Context, cli *Client, containerID string) error {
	timeout := containerStopTimeout
	return cli.Inner().ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout})
}

// RemoveContainer removes a container. Force removal handles the case
// where the container is still running or wedged.
func RemoveContainer(ctx context.Context, cli *Client, containerID string) error {
	return cli.Inner().ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true})
}

// ListManagedContainers queries the Docker daemon for all containers with
// the "berth.managed-by=berth" label, including stopped ones. This is the
// discovery entry point for status and lifecycle commands.
func ListManagedContainers(ctx context.Context, cli *Client) ([]types.Container, error) {
	// Filter server-side by label; cheaper than listing everything and
	// filtering in Go.
	filterArgs := filters.NewArgs(
		filters.Arg("label", LabelManagedBy+"="+ManagedByValue),
	)

	containers, err := cli.Inner().ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filterArgs,
	})
	if err != nil {
		return nil, model.WrapCLIError(
			model.ExitDockerNotRunning,
			"failed to list Docker containers",
			err,
		)
	}

	return containers, nil
}

// FindServiceContainer looks up the managed container for a service name.
// Returns ("", nil) when no container exists — the service has simply
// never been started.
func FindServiceContainer(ctx context.Context, cli *Client, serviceName string) (containerID string, running bool, err error) {
	containers, err := ListManagedContainers(ctx, cli)
	if err != nil {
		return "", false, err
	}
	for _, c := range containers {
		if c.Labels[LabelService] == serviceName {
			return c.ID, c.State == "running", nil
		}
	}
	return "", false, nil
}

// RecordFromContainer builds a ServiceRecord for a managed container.
// The record's Port/Protocol come from the first labelled binding, which
// is the service's primary port by construction.
func RecordFromContainer(c types.Container) (model.ServiceRecord, error) {
	service, _, bindings, createdAt, err := ParseLabels(c.Labels)
	if err != nil {
		return model.ServiceRecord{}, fmt.Errorf("container %s: %w", shortID(c.ID), err)
	}

	state := model.StateStopped
	if c.State == "running" {
		state = model.StateRunning
	}

	rec := model.ServiceRecord{
		Name:        service,
		Runtime:     model.RuntimeDocker,
		State:       state,
		ContainerID: c.ID,
		StartedAt:   createdAt,
	}
	if len(bindings) > 0 {
		rec.Port = bindings[0].HostPort
		rec.Protocol = bindings[0].Protocol
	}
	return rec, nil
}

// shortID truncates a container ID to the familiar 12-character form
// used in docker CLI output.
func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return strings.TrimSpace(id)
}
