package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmr-tortoise/berth/internal/model"
)

// validStack builds a minimal valid configuration for mutation in tests.
// Defaults are pre-applied the way Load would.
func validStack() *Config {
	cfg := &Config{
		Version: 1,
		Services: map[string]*Service{
			"db":  {Command: "postgres", Port: 5432, Protocol: "tcp", Restart: RestartNever},
			"api": {Command: "serve", Port: 8000, Protocol: "tcp", Restart: RestartNever, DependsOn: []string{"db"}},
		},
	}
	return cfg
}

// TestValidate_OK sanity checks the baseline fixture.
func TestValidate_OK(t *testing.T) {
	require.NoError(t, validStack().Validate())
}

// TestValidate_Errors exercises each structural validation rule.
func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantMsg string
	}{
		{
			"bad version",
			func(c *Config) { c.Version = 2 },
			"unsupported config version",
		},
		{
			"no services",
			func(c *Config) { c.Services = map[string]*Service{} },
			"no services defined",
		},
		{
			"nil service",
			func(c *Config) { c.Services["ghost"] = nil },
			"empty definition",
		},
		{
			"bad name",
			func(c *Config) { c.Services["bad_name"] = &Service{Command: "x", Protocol: "tcp", Restart: RestartNever} },
			"invalid service name",
		},
		{
			"neither command nor image",
			func(c *Config) { c.Services["api"].Command = "" },
			"one of command or image is required",
		},
		{
			"both command and image",
			func(c *Config) { c.Services["api"].Image = "nginx" },
			"mutually exclusive",
		},
		{
			"ports on exec service",
			func(c *Config) {
				c.Services["api"].Ports = []model.PortBinding{{ContainerPort: 80, HostPort: 8080}}
			},
			"ports is only valid for image services",
		},
		{
			"venv on image service",
			func(c *Config) {
				c.Services["api"].Command = ""
				c.Services["api"].Image = "nginx"
				c.Services["api"].Venv = "/srv/venv"
			},
			"venv has no effect",
		},
		{
			"port out of range",
			func(c *Config) { c.Services["api"].Port = 70000 },
			"out of range",
		},
		{
			"bad protocol",
			func(c *Config) { c.Services["api"].Protocol = "sctp" },
			"invalid protocol",
		},
		{
			"duplicate port claim",
			func(c *Config) { c.Services["api"].Port = 5432 },
			"claimed by both",
		},
		{
			"bad probe type",
			func(c *Config) { c.Services["api"].Readiness = &Probe{Type: "grpc"} },
			"invalid readiness type",
		},
		{
			"probe without port",
			func(c *Config) {
				c.Services["api"].Port = 0
				c.Services["api"].Readiness = &Probe{Type: ProbeTCP}
			},
			"requires a declared port",
		},
		{
			"bad restart policy",
			func(c *Config) { c.Services["api"].Restart = "sometimes" },
			"invalid restart policy",
		},
		{
			"self dependency",
			func(c *Config) { c.Services["api"].DependsOn = []string{"api"} },
			"depends on itself",
		},
		{
			"unknown dependency",
			func(c *Config) { c.Services["api"].DependsOn = []string{"cache"} },
			"unknown service",
		},
		{
			"dependency cycle",
			func(c *Config) { c.Services["db"].DependsOn = []string{"api"} },
			"dependency cycle",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validStack()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantMsg)
		})
	}
}

// runbookConfig builds the six-service dependency graph from the manual
// startup procedure this tool replaces: a chat UI over two gateways over
// two proxies over one MCP server.
func runbookConfig() *Config {
	mk := func(port int, deps ...string) *Service {
		return &Service{Command: "serve", Port: port, Protocol: "tcp", Restart: RestartNever, DependsOn: deps}
	}
	return &Config{
		Version: 1,
		Services: map[string]*Service{
			"mcp-holds":     mk(8000),
			"mcp-proxy":     mk(9999, "mcp-holds"),
			"mcp-proxy-alt": mk(7000, "mcp-holds"),
			"gateway":       mk(8088, "mcp-proxy"),
			"gateway-alt":   mk(9000, "mcp-proxy-alt"),
			"chat-ui":       mk(8080, "gateway", "gateway-alt"),
		},
	}
}

// TestStartOrder verifies batched topological ordering: each batch only
// contains services whose dependencies appear in earlier batches, and
// independent services share a batch so they can start concurrently.
func TestStartOrder(t *testing.T) {
	order, err := runbookConfig().StartOrder()
	require.NoError(t, err)

	expected := [][]string{
		{"mcp-holds"},
		{"mcp-proxy", "mcp-proxy-alt"},
		{"gateway", "gateway-alt"},
		{"chat-ui"},
	}
	assert.Equal(t, expected, order)
}

// TestStartOrder_NoDeps verifies an edgeless graph yields one batch.
func TestStartOrder_NoDeps(t *testing.T) {
	cfg := &Config{Version: 1, Services: map[string]*Service{
		"a": {Command: "x", Protocol: "tcp", Restart: RestartNever},
		"b": {Command: "y", Protocol: "tcp", Restart: RestartNever},
	}}
	order, err := cfg.StartOrder()
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"a", "b"}}, order)
}

// TestStartOrder_Cycle verifies cycles are reported with their members.
func TestStartOrder_Cycle(t *testing.T) {
	cfg := validStack()
	cfg.Services["db"].DependsOn = []string{"api"}

	_, err := cfg.StartOrder()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "api")
	assert.Contains(t, err.Error(), "db")
}

// TestStopOrder verifies shutdown reverses startup: dependents go down
// before the services they depend on.
func TestStopOrder(t *testing.T) {
	order, err := runbookConfig().StopOrder()
	require.NoError(t, err)

	expected := [][]string{
		{"chat-ui"},
		{"gateway", "gateway-alt"},
		{"mcp-proxy", "mcp-proxy-alt"},
		{"mcp-holds"},
	}
	assert.Equal(t, expected, order)
}

// TestDependents verifies the reverse dependency closure used by
// cascading restarts.
func TestDependents(t *testing.T) {
	cfg := runbookConfig()

	assert.Equal(t,
		[]string{"chat-ui", "gateway", "gateway-alt", "mcp-proxy", "mcp-proxy-alt"},
		cfg.Dependents("mcp-holds"),
		"everything sits on top of the MCP server")

	assert.Equal(t, []string{"chat-ui", "gateway"}, cfg.Dependents("mcp-proxy"))
	assert.Empty(t, cfg.Dependents("chat-ui"), "nothing depends on the UI")
}

// TestSubset verifies dependency-closure expansion for targeted `up` and
// the non-expanding behavior for targeted `down`.
func TestSubset(t *testing.T) {
	cfg := runbookConfig()
	order, err := cfg.StartOrder()
	require.NoError(t, err)

	t.Run("expand pulls in transitive deps", func(t *testing.T) {
		sub, err := cfg.Subset(order, []string{"gateway"}, true)
		require.NoError(t, err)
		assert.Equal(t, [][]string{{"mcp-holds"}, {"mcp-proxy"}, {"gateway"}}, sub)
	})

	t.Run("no expand keeps only the named services", func(t *testing.T) {
		sub, err := cfg.Subset(order, []string{"gateway"}, false)
		require.NoError(t, err)
		assert.Equal(t, [][]string{{"gateway"}}, sub)
	})

	t.Run("unknown name is an error", func(t *testing.T) {
		_, err := cfg.Subset(order, []string{"nope"}, true)
		require.Error(t, err)
	})
}
