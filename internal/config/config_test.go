package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsAreValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 10, cfg.Queue.MaxConcurrentJobs)
	assert.Equal(t, 3, cfg.Queue.MaxRetries)
	assert.Equal(t, 5*time.Minute, cfg.Queue.DefaultTimeout)
	assert.Equal(t, 16, cfg.Queue.PriorityWeights["immediate"])
	assert.Equal(t, 30*time.Second, cfg.Printers.HeartbeatInterval)
	assert.Equal(t, 60*time.Second, cfg.Printers.HeartbeatTimeout)
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadOverridesFromYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "labelpress.yaml")
	data := `
queue:
  max_concurrent_jobs: 4
  load_balancing: capabilities
  error_handling: immediate_retry
  retry_delay: 2s
printers:
  devices:
    - id: zebra-1
      address: 10.0.0.5
      port: 9100
      dpi: [203, 300]
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 4, cfg.Queue.MaxConcurrentJobs)
	assert.Equal(t, "capabilities", cfg.Queue.LoadBalancing)
	assert.Equal(t, 2*time.Second, cfg.Queue.RetryDelay)
	// untouched fields keep their defaults
	assert.Equal(t, 3, cfg.Queue.MaxRetries)
	require.Len(t, cfg.Printers.Devices, 1)
	assert.Equal(t, []int{203, 300}, cfg.Printers.Devices[0].DPI)
}

func TestLoadRejectsBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("queue: [unclosed"), 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("LABELPRESS_PORT", "9090")
	t.Setenv("LABELPRESS_LOAD_BALANCING", "round_robin")
	t.Setenv("LABELPRESS_JWT_SECRET", "s3cret")

	cfg := LoadFromEnv()
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "round_robin", cfg.Queue.LoadBalancing)
	assert.True(t, cfg.Auth.Enabled)
	assert.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad port", func(c *Config) { c.Server.Port = 0 }},
		{"unknown driver", func(c *Config) { c.Database.Driver = "postgres" }},
		{"zero concurrency", func(c *Config) { c.Queue.MaxConcurrentJobs = 0 }},
		{"unknown strategy", func(c *Config) { c.Queue.LoadBalancing = "random" }},
		{"unknown error handling", func(c *Config) { c.Queue.ErrorHandling = "panic" }},
		{"unknown priority", func(c *Config) { c.Queue.PriorityWeights["critical"] = 3 }},
		{"timeout below interval", func(c *Config) { c.Printers.HeartbeatTimeout = time.Second }},
		{"auth without secret", func(c *Config) { c.Auth.Enabled = true }},
		{"duplicate device", func(c *Config) {
			c.Printers.Devices = []DeviceConfig{{ID: "a", Address: "x"}, {ID: "a", Address: "y"}}
		}},
		{"webhook without url", func(c *Config) { c.Webhooks.Endpoints = []WebhookEndpoint{{}} }},
		{"bad log level", func(c *Config) { c.Logging.Level = "trace" }},
		{"archive without age", func(c *Config) {
			c.Archive.Enabled = true
			c.Archive.MaxAge = 0
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
