package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ward-tech-solutions/ward-flux-credobank-sub001/pkg/models"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, Validate(cfg))

	assert.Equal(t, "localhost", cfg.DBHost)
	assert.Equal(t, time.Second, cfg.SchedulerTick)
	assert.Equal(t, 1, cfg.FailureThreshold)
	assert.Equal(t, 5*time.Minute, cfg.FlapWindow)
	assert.Len(t, cfg.Lanes, 4)
	assert.Equal(t, models.LaneCritical, cfg.Lanes[0].Name)

	require.NotEmpty(t, cfg.Checks)
	assert.Equal(t, "reachability", cfg.Checks[0].Name)
	assert.Equal(t, models.ProtocolICMP, cfg.Checks[0].Protocol)
	assert.Equal(t, 30*time.Second, cfg.Checks[0].Interval)
	assert.Equal(t, time.Second, cfg.Checks[0].Timeout)
	assert.True(t, cfg.Checks[0].UpdatesState)
}

func TestLoadConfigFromYAML(t *testing.T) {
	dir := t.TempDir()
	yaml := `
DB_HOST: db.internal
FLAP_THRESHOLD: 6
LANES:
  - name: critical
    priority: 0
    workers: 2
    max_queued: 10
CHECKS:
  - name: ping
    protocol: icmp
    interval: 45s
    lane: critical
    batch_size: 20
    timeout: 500ms
    retries: 2
    updates_state: true
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "app.yaml"), []byte(yaml), 0o644))

	cfg, err := LoadConfig(dir)
	require.NoError(t, err)
	require.NoError(t, Validate(cfg))

	assert.Equal(t, "db.internal", cfg.DBHost)
	assert.Equal(t, 6, cfg.FlapThreshold)
	require.Len(t, cfg.Checks, 1)
	assert.Equal(t, 45*time.Second, cfg.Checks[0].Interval)
	assert.Equal(t, 500*time.Millisecond, cfg.Checks[0].Timeout)
	assert.Equal(t, 2, cfg.Checks[0].Retries)
}

func TestLoadConfigEnvOverride(t *testing.T) {
	t.Setenv("STATE_STORE_BACKEND", "memory")
	t.Setenv("FAILURE_THRESHOLD", "3")

	cfg, err := LoadConfig(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.StateStoreBackend)
	assert.Equal(t, 3, cfg.FailureThreshold)
}

func TestValidate(t *testing.T) {
	base := func(t *testing.T) *Config {
		cfg, err := LoadConfig(t.TempDir())
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{"unknown lane", func(c *Config) { c.Checks[0].Lane = "express" }, "unknown lane"},
		{"unknown protocol", func(c *Config) { c.Checks[0].Protocol = "smoke" }, "unknown protocol"},
		{"poll without timeout", func(c *Config) { c.Checks[0].Timeout = 0 }, "needs a timeout"},
		{"duplicate check", func(c *Config) { c.Checks = append(c.Checks, c.Checks[0]) }, "duplicate check"},
		{"bad backend", func(c *Config) { c.StateStoreBackend = "redis" }, "invalid config"},
		{"bad timezone", func(c *Config) { c.BaselineTimezone = "Mars/Olympus" }, "BASELINE_TIMEZONE"},
		{"full below min", func(c *Config) { c.BaselineFullSamples = 1 }, "invalid config"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base(t)
			tt.mutate(cfg)
			err := Validate(cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestMetricsDSN(t *testing.T) {
	cfg := &Config{DBUser: "u", DBPassword: "p", DBHost: "h", DBPort: "5432", DBName: "d"}
	assert.Equal(t, "postgres://u:p@h:5432/d?sslmode=disable", cfg.MetricsDSN())

	cfg.MetricsDatabaseURL = "postgres://tsdb/metrics"
	assert.Equal(t, "postgres://tsdb/metrics", cfg.MetricsDSN())
}

func TestShippedConfigMarksDownOnFirstFailure(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join("..", ".."))
	require.NoError(t, err)
	assert.Equal(t, 1, cfg.FailureThreshold)
	assert.Equal(t, 4, cfg.FlapThreshold)
}
