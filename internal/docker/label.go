package docker

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/mmr-tortoise/berth/internal/model"
)

// Label key constants define the Docker label keys used to tie containers
// back to their stack service. These labels are the only persistence
// mechanism — there is no external state file for docker-backed services.
//
// All keys share the "berth." prefix to namespace them and avoid
// collisions with labels set by other tools (Docker Compose, VS Code, etc.).
const (
	// LabelPrefix is the common prefix for all berth labels.
	LabelPrefix = "berth."

	// LabelManagedBy identifies containers managed by berth. This is the
	// primary label used for filtering and discovery.
	// Key: "berth.managed-by", Value: always "berth".
	LabelManagedBy = LabelPrefix + "managed-by"

	// LabelService stores the stack service name the container implements.
	// Key: "berth.service", Value: service name (e.g. "chat-ui").
	LabelService = LabelPrefix + "service"

	// LabelStack stores the absolute path of the stack configuration file
	// the container was created from, so several stacks on one host stay
	// distinguishable.
	// Key: "berth.stack", Value: absolute config path.
	LabelStack = LabelPrefix + "stack"

	// LabelPortPrefix is the prefix for per-binding labels. Each port
	// binding gets its own label with the container port appended:
	//
	//	"berth.port.8080" = "8080/tcp"
	//
	// where the value is "<hostPort>/<protocol>". This keeps every
	// binding independently parseable and human-readable in
	// `docker inspect` output.
	LabelPortPrefix = LabelPrefix + "port."

	// LabelCreatedAt stores the RFC3339 timestamp of container creation.
	LabelCreatedAt = LabelPrefix + "created-at"
)

// ManagedByValue is the constant value for the LabelManagedBy label.
const ManagedByValue = "berth"

// BuildLabels constructs the Docker label map for a service's container.
// The labels allow full reconstruction of the service association from
// container inspection alone.
func BuildLabels(serviceName, stackPath string, bindings []model.PortBinding, createdAt time.Time) map[string]string {
	labels := map[string]string{
		LabelManagedBy: ManagedByValue,
		LabelService:   serviceName,
		LabelStack:     stackPath,
		LabelCreatedAt: createdAt.UTC().Format(time.RFC3339),
	}

	for _, b := range bindings {
		proto := b.Protocol
		if proto == "" {
			proto = "tcp"
		}
		labels[LabelPortPrefix+strconv.Itoa(b.ContainerPort)] = fmt.Sprintf("%d/%s", b.HostPort, proto)
	}

	return labels
}

// ParseLabels reconstructs the service association from container labels.
// This is the inverse of BuildLabels and is used when listing containers
// to rebuild ServiceRecords.
//
// Returns the service name, the stack config path, the port bindings, and
// the creation time. Containers without the managed-by label are rejected.
func ParseLabels(labels map[string]string) (service, stack string, bindings []model.PortBinding, createdAt time.Time, err error) {
	if labels[LabelManagedBy] != ManagedByValue {
		return "", "", nil, time.Time{}, fmt.Errorf("container is not managed by berth")
	}
	service = labels[LabelService]
	if service == "" {
		return "", "", nil, time.Time{}, fmt.Errorf("missing required label %s", LabelService)
	}
	stack = labels[LabelStack]

	if raw := labels[LabelCreatedAt]; raw != "" {
		// A malformed timestamp degrades to zero rather than failing the
		// whole listing; the container is still identifiable.
		createdAt, _ = time.Parse(time.RFC3339, raw)
	}

	for key, value := range labels {
		if !strings.HasPrefix(key, LabelPortPrefix) {
			continue
		}
		// Map iteration order is random; bindings are sorted below so the
		// first entry is deterministically the lowest container port.
		containerPort, perr := strconv.Atoi(strings.TrimPrefix(key, LabelPortPrefix))
		if perr != nil {
			return "", "", nil, time.Time{}, fmt.Errorf("invalid port label key %q", key)
		}

		hostPart, proto, ok := strings.Cut(value, "/")
		if !ok {
			proto = "tcp"
			hostPart = value
		}
		hostPort, perr := strconv.Atoi(hostPart)
		if perr != nil {
			return "", "", nil, time.Time{}, fmt.Errorf("invalid port label value %q for key %q", value, key)
		}

		bindings = append(bindings, model.PortBinding{
			ContainerPort: containerPort,
			HostPort:      hostPort,
			Protocol:      proto,
		})
	}

	sort.Slice(bindings, func(i, j int) bool {
		return bindings[i].ContainerPort < bindings[j].ContainerPort
	})

	return service, stack, bindings, createdAt, nil
}
