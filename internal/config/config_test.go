package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseKeepsDefaultsForMissingFields(t *testing.T) {
	cfg, err := Parse([]byte(`
buffer:
  batch_size: 64
  batch_timeout: 250ms
history:
  rate_ceiling: 25
`))
	require.NoError(t, err)

	assert.Equal(t, 64, cfg.Buffer.BatchSize)
	assert.Equal(t, 250*time.Millisecond, cfg.Buffer.BatchTimeout.D())
	assert.Equal(t, 10000, cfg.Buffer.MaxSize)
	assert.Equal(t, OverflowDrop, cfg.Buffer.Overflow)
	assert.Equal(t, 25.0, cfg.History.RateCeiling)
	assert.Equal(t, 100*time.Millisecond, cfg.History.IATFloor.D())
	assert.Equal(t, time.Hour, cfg.Learning.LearningInterval.D())
	assert.NoError(t, cfg.Validate())
}

func TestParseRejectsBadDuration(t *testing.T) {
	_, err := Parse([]byte("buffer:\n  batch_timeout: soon\n"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown overflow", func(c *Config) { c.Buffer.Overflow = "spill" }},
		{"unknown balance policy", func(c *Config) { c.Engine.BalancePolicy = "random" }},
		{"unknown signature", func(c *Config) { c.Rules.Signatures = []string{"mac_flood"} }},
		{"inverted confidence bands", func(c *Config) { c.Learning.LowConfidence = 0.96 }},
		{"threshold out of range", func(c *Config) { c.Fusion.ClassifyThreshold = 1.5 }},
		{"zero workers", func(c *Config) { c.Engine.NumWorkers = 0 }},
		{"tiny window", func(c *Config) { c.History.WindowSize = 1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestValidateForcesSourceAffinityForManyWorkers(t *testing.T) {
	for _, policy := range []string{BalanceRoundRobin, BalanceLeastLoaded} {
		cfg := Default()
		cfg.Engine.NumWorkers = 4
		cfg.Engine.BalancePolicy = policy
		require.NoError(t, cfg.Validate())
		assert.Equal(t, BalanceSourceAffinity, cfg.Engine.BalancePolicy, policy)
	}

	cfg := Default()
	cfg.Engine.NumWorkers = 1
	cfg.Engine.BalancePolicy = BalanceRoundRobin
	require.NoError(t, cfg.Validate())
	assert.Equal(t, BalanceRoundRobin, cfg.Engine.BalancePolicy, "a single worker keeps the configured policy")
}

func TestLoadConfigAppliesEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("capture:\n  interfaces: [eth0]\n"), 0644))

	t.Setenv("ARPGUARD_INTERFACES", "eth1, eth2")
	t.Setenv("ARPGUARD_NATS_URL", "nats://broker:4222")
	t.Setenv("ARPGUARD_LEARNING_ENABLED", "false")
	t.Setenv("ARPGUARD_CLASSIFY_THRESHOLD", "not-a-number")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, []string{"eth1", "eth2"}, cfg.Capture.Interfaces)
	assert.Equal(t, "nats://broker:4222", cfg.Alerts.NATS.URL)
	assert.False(t, cfg.Learning.Enabled)
	assert.Equal(t, 0.9, cfg.Fusion.ClassifyThreshold)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
