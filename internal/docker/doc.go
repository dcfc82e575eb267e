// Package docker provides Docker Engine API wrappers for berth's
// container-backed services.
//
// This package handles:
//   - Docker client initialization with automatic socket detection
//     (Linux, macOS, Windows)
//   - Container label management: berth.* labels are the sole persistence
//     mechanism tying containers back to their stack service
//   - Container lifecycle operations: create+start, stop, remove, list
//
// The package uses github.com/docker/docker/client as the underlying
// Docker SDK, with version negotiation enabled for broad compatibility.
// A stack with no image services never touches this package, so a
// missing Docker daemon only fails commands that actually need it.
package docker
