package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmr-tortoise/berth/internal/model"
)

// writeStack writes a throwaway stack file and returns its path.
func writeStack(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// TestLoad_RunbookYAML loads the full six-service stack fixture and spot
// checks fields, defaults, and path resolution.
func TestLoad_RunbookYAML(t *testing.T) {
	cfg, err := Load("testdata/runbook.yaml")
	require.NoError(t, err)

	assert.Len(t, cfg.Services, 6)
	assert.Equal(t, "/tmp/berth-test-logs", cfg.LogDir)
	assert.True(t, filepath.IsAbs(cfg.Path()), "loaded path should be absolute")

	ui, err := cfg.Service("chat-ui")
	require.NoError(t, err)
	assert.Equal(t, 8080, ui.Port)
	assert.Equal(t, model.RuntimeExec, ui.Runtime())
	assert.ElementsMatch(t, []string{"gateway", "gateway-alt"}, ui.DependsOn)
	assert.True(t, filepath.IsAbs(ui.Dir), "relative dir should be resolved against the stack file")

	holds, err := cfg.Service("mcp-holds")
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(holds.Venv), "relative venv should be resolved against the stack file")
	assert.Equal(t, "tcp", holds.Protocol, "protocol should default to tcp")
	assert.Equal(t, RestartNever, holds.Restart, "restart should default to never")
	assert.Equal(t, DefaultStopGrace, holds.StopGrace.Std())

	proxy, err := cfg.Service("mcp-proxy")
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(proxy.ReloadFile), "relative reload file should be resolved against the stack file")
}

// TestLoad_JSONC verifies the JSONC path: comments and trailing commas
// must parse, and duration strings must unmarshal.
func TestLoad_JSONC(t *testing.T) {
	cfg, err := Load("testdata/stack.jsonc")
	require.NoError(t, err)

	api, err := cfg.Service("api")
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, api.StopGrace.Std())

	cache, err := cfg.Service("cache")
	require.NoError(t, err)
	assert.Equal(t, model.RuntimeDocker, cache.Runtime())
	require.Len(t, cache.Ports, 1)
	assert.Equal(t, 6379, cache.Ports[0].HostPort)
}

// TestLoad_EnvExpansion verifies ${VAR} references expand from the parent
// environment before parsing, and bare $VAR survives untouched.
func TestLoad_EnvExpansion(t *testing.T) {
	t.Setenv("BERTH_TEST_KEY", "sekrit")

	path := writeStack(t, "stack.yaml", `
version: 1
services:
  api:
    command: serve
    port: 8000
    env:
      API_KEY: ${BERTH_TEST_KEY}
      SHELLISH: $HOME/bin
      MISSING: ${BERTH_TEST_UNSET_VAR}
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	api := cfg.Services["api"]
	assert.Equal(t, "sekrit", api.Env["API_KEY"])
	assert.Equal(t, "$HOME/bin", api.Env["SHELLISH"], "bare $VAR must not be expanded")
	assert.Equal(t, "", api.Env["MISSING"], "unset variables expand to empty, like a shell")
}

// TestLoad_Missing verifies a missing file produces a config-scoped CLIError.
func TestLoad_Missing(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)

	var cliErr *model.CLIError
	require.True(t, errors.As(err, &cliErr))
	assert.Equal(t, model.ExitConfigError, cliErr.Code)
}

// TestLoad_MalformedYAML verifies parse failures map to ExitConfigError.
func TestLoad_MalformedYAML(t *testing.T) {
	path := writeStack(t, "broken.yaml", "version: 1\nservices: [not a map\n")
	_, err := Load(path)
	require.Error(t, err)

	var cliErr *model.CLIError
	require.True(t, errors.As(err, &cliErr))
	assert.Equal(t, model.ExitConfigError, cliErr.Code)
}

// TestDuration_Unmarshal verifies duration strings parse and plain
// integers are rejected as ambiguous.
func TestDuration_Unmarshal(t *testing.T) {
	t.Run("yaml string", func(t *testing.T) {
		path := writeStack(t, "s.yaml", `
version: 1
services:
  api:
    command: serve
    stopGrace: 1m30s
`)
		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, 90*time.Second, cfg.Services["api"].StopGrace.Std())
	})

	t.Run("yaml bare integer rejected", func(t *testing.T) {
		path := writeStack(t, "s.yaml", `
version: 1
services:
  api:
    command: serve
    stopGrace: 90
`)
		_, err := Load(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "duration")
	})

	t.Run("json bad string rejected", func(t *testing.T) {
		path := writeStack(t, "s.json", `{"version":1,"services":{"api":{"command":"serve","stopGrace":"ninety"}}}`)
		_, err := Load(path)
		require.Error(t, err)
	})
}

// TestService_EffectiveProbe verifies probe synthesis and defaulting.
func TestService_EffectiveProbe(t *testing.T) {
	t.Run("no port no probe", func(t *testing.T) {
		svc := &Service{Command: "worker"}
		assert.Nil(t, svc.EffectiveProbe())
	})

	t.Run("port synthesizes tcp probe", func(t *testing.T) {
		svc := &Service{Command: "serve", Port: 8080}
		p := svc.EffectiveProbe()
		require.NotNil(t, p)
		assert.Equal(t, ProbeTCP, p.Type)
		assert.Equal(t, DefaultReadinessTimeout, p.Timeout.Std())
		assert.Equal(t, DefaultReadinessInterval, p.Interval.Std())
	})

	t.Run("http probe gets default path", func(t *testing.T) {
		svc := &Service{Command: "serve", Port: 8080, Readiness: &Probe{Type: ProbeHTTP}}
		p := svc.EffectiveProbe()
		require.NotNil(t, p)
		assert.Equal(t, "/", p.Path)
	})

	t.Run("explicit values preserved and original untouched", func(t *testing.T) {
		orig := &Probe{Type: ProbeHTTP, Path: "/health", Timeout: Duration(5 * time.Second)}
		svc := &Service{Command: "serve", Port: 8080, Readiness: orig}
		p := svc.EffectiveProbe()
		require.NotNil(t, p)
		assert.Equal(t, "/health", p.Path)
		assert.Equal(t, 5*time.Second, p.Timeout.Std())
		assert.Equal(t, Duration(0), orig.Interval, "defaults must not leak back into the config")
	})
}

// TestConfig_Names verifies sorted, deterministic name ordering.
func TestConfig_Names(t *testing.T) {
	cfg := &Config{Services: map[string]*Service{
		"zeta": {Command: "z"}, "alpha": {Command: "a"}, "mid": {Command: "m"},
	}}
	assert.Equal(t, []string{"alpha", "mid", "zeta"}, cfg.Names())
}

// TestConfig_Service_NotFound verifies the not-found exit code, which the
// CLI maps straight to the process exit status.
func TestConfig_Service_NotFound(t *testing.T) {
	cfg := &Config{Services: map[string]*Service{"api": {Command: "serve"}}}
	_, err := cfg.Service("nope")
	require.Error(t, err)

	var cliErr *model.CLIError
	require.True(t, errors.As(err, &cliErr))
	assert.Equal(t, model.ExitServiceNotFound, cliErr.Code)
}
