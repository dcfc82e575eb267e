// Package config loads and validates the declarative stack configuration
// for the berth CLI.
//
// A stack file describes every service the operator previously started by
// hand: its command (or container image), working directory, environment,
// Python virtualenv, listen port, readiness probe, and dependencies.
//
// Supported formats:
//   - YAML (berth.yaml) via gopkg.in/yaml.v3
//   - JSON/JSONC (berth.json, berth.jsonc) — comments and trailing commas
//     are stripped with github.com/tidwall/jsonc before parsing with
//     encoding/json
//
// Values of the form ${VAR} are expanded from the parent environment at
// load time, so secrets like proxy API keys stay out of the file.
//
// Validation covers name charset, command/image exclusivity, port
// uniqueness, dependency references, and dependency cycles. StartOrder
// computes the batched topological order used for stack startup.
package config
