package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 500*time.Millisecond, cfg.MarketData.AggregationInterval)
	assert.Equal(t, 0.85, cfg.Compliance.Target)
	assert.Equal(t, time.Hour, cfg.Supervisor.RestartDelay)
}

func TestValidateClampsHardCeilings(t *testing.T) {
	cfg := Default()
	cfg.Compliance.MaxAdjustment = 0.90
	cfg.Supervisor.RestartDelay = time.Minute
	require.NoError(t, cfg.Validate())

	assert.Equal(t, HardMaxAdjustment, cfg.Compliance.MaxAdjustment,
		"advisor adjustment must clamp to the hard ceiling")
	assert.Equal(t, MinRestartDelay, cfg.Supervisor.RestartDelay,
		"restart delay must clamp up to the minimum")
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero aggregation interval", func(c *Config) { c.MarketData.AggregationInterval = 0 }},
		{"zero tick buffer", func(c *Config) { c.MarketData.TickBufferSize = 0 }},
		{"concentration over 1", func(c *Config) { c.Risk.MaxConcentration = 1.5 }},
		{"target below warning", func(c *Config) { c.Compliance.Target = 0.70 }},
		{"min samples too small", func(c *Config) { c.Compliance.MinSamples = 1 }},
		{"zero adjustment", func(c *Config) { c.Compliance.MaxAdjustment = 0 }},
		{"nameless exchange", func(c *Config) { c.Exchanges = []ExchangeConfig{{}} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestValidateFillsExchangeDefaults(t *testing.T) {
	cfg := Default()
	cfg.Exchanges = []ExchangeConfig{{Name: "kraken"}}
	require.NoError(t, cfg.Validate())

	ex := cfg.Exchanges[0]
	assert.Equal(t, 30*time.Second, ex.RequestTimeout)
	assert.Equal(t, 5.0, ex.MaxOrdersPerSec)
	assert.Equal(t, 5, ex.BurstSize)
}

func TestLoadYAMLOverlay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := `
compliance:
  target: 0.90
  warning_threshold: 0.85
risk:
  initial_cash: 500000
exchanges:
  - name: sim
    symbols: [BTC-USD]
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 0.90, cfg.Compliance.Target)
	assert.Equal(t, 500_000.0, cfg.Risk.InitialCash)
	require.Len(t, cfg.Exchanges, 1)
	assert.Equal(t, []string{"BTC-USD"}, cfg.Exchanges[0].Symbols)
	// untouched sections keep defaults
	assert.Equal(t, 0.05, cfg.Risk.MaxVaR)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("TRADEPILOT_HTTP_ADDR", ":9999")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.HTTP.Addr)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	assert.Error(t, err)
}
