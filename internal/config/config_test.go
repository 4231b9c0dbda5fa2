package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaultValidates(t *testing.T) {
	assert.NoError(t, Default().Validate())
}

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 1000, cfg.Cache.FastMaxSize)
	assert.Equal(t, 60, cfg.RateLimit.RequestsPerMinute)
}

func TestLoadMergesOverDefaults(t *testing.T) {
	path := writeConfig(t, `
port: 9090
backend:
  request_timeout: 45s
search:
  result_count: 8
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, 45*time.Second, cfg.Backend.RequestTimeout)
	assert.Equal(t, 8, cfg.Search.ResultCount)

	// Untouched sections keep their defaults.
	assert.Equal(t, "http://127.0.0.1:11434", cfg.Backend.Host)
	assert.Len(t, cfg.Router.Arms, 4)
}

func TestLoadExpandsEnvReferences(t *testing.T) {
	t.Setenv("PRISM_TEST_BRAVE_KEY", "secret-key")
	path := writeConfig(t, `
search:
  brave_api_key: ${PRISM_TEST_BRAVE_KEY}
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "secret-key", cfg.Search.BraveAPIKey)
}

func TestLoadUnsetEnvExpandsEmpty(t *testing.T) {
	path := writeConfig(t, `
search:
  brave_api_key: ${PRISM_TEST_DEFINITELY_UNSET}
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Empty(t, cfg.Search.BraveAPIKey)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLoadMalformedYAML(t *testing.T) {
	path := writeConfig(t, "port: [not a number")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidateFailures(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero port", func(c *Config) { c.Port = 0 }},
		{"port out of range", func(c *Config) { c.Port = 70000 }},
		{"zero fast cache", func(c *Config) { c.Cache.FastMaxSize = 0 }},
		{"zero connections", func(c *Config) { c.Cache.MaxConnections = 0 }},
		{"negative exploration", func(c *Config) { c.Router.MinExplorationRate = -0.1 }},
		{"exploration above one", func(c *Config) { c.Router.MinExplorationRate = 1.5 }},
		{"no arms", func(c *Config) { c.Router.Arms = nil }},
		{"zero path length", func(c *Config) { c.Runtime.MaxPathLength = 0 }},
		{"daily over monthly", func(c *Config) {
			c.Budget.Tiers["free"] = TierLimits{Monthly: 5, Daily: 20}
		}},
		{"non-positive tier", func(c *Config) {
			c.Budget.Tiers["free"] = TierLimits{Monthly: 0, Daily: 0}
		}},
		{"rate limit zero rpm", func(c *Config) {
			c.RateLimit.Enabled = true
			c.RateLimit.RequestsPerMinute = 0
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

func TestValidateRateLimitDisabledSkipsRPMCheck(t *testing.T) {
	cfg := Default()
	cfg.RateLimit.Enabled = false
	cfg.RateLimit.RequestsPerMinute = 0
	assert.NoError(t, cfg.Validate())
}
