package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, cfg map[string]any) string {
	t.Helper()
	data, err := json.Marshal(cfg)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestDefaultsLoadWithoutFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "BTC/USD", cfg.Engine.Symbol)
	assert.Equal(t, "1m", cfg.Engine.Timeframe)
	assert.Equal(t, "paper", cfg.Broker.Active)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 30, cfg.Reconcile.IntervalSec)
}

func TestFileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, map[string]any{
		"engine": map[string]any{"symbol": "ETH/USD", "base_order_size": 0.5},
		"broker": map[string]any{"active": "kraken"},
		"venues": map[string]any{
			"kraken": map[string]any{"api_key": "k", "api_secret": "s"},
		},
	})

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "ETH/USD", cfg.Engine.Symbol)
	assert.Equal(t, 0.5, cfg.Engine.BaseOrderSize)
	assert.Equal(t, "kraken", cfg.Broker.Active)
	assert.Equal(t, "k", cfg.Venues["kraken"].APIKey)
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, map[string]any{
		"engine": map[string]any{"symbol": "ETH/USD"},
	})
	t.Setenv("ENGINE_SYMBOL", "SOL/USD")
	t.Setenv("ENGINE_MIN_CONFIDENCE", "75")
	t.Setenv("KRAKEN_API_KEY", "env-key")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "SOL/USD", cfg.Engine.Symbol)
	assert.Equal(t, 75.0, cfg.Engine.MinConfidence)
	assert.Equal(t, "env-key", cfg.Venues["kraken"].APIKey)
}

func TestValidationRefusesBadValues(t *testing.T) {
	cases := []struct {
		name string
		env  map[string]string
	}{
		{"bad symbol", map[string]string{"ENGINE_SYMBOL": "BTCUSD"}},
		{"bad timeframe", map[string]string{"ENGINE_TIMEFRAME": "7x"}},
		{"zero order size", map[string]string{"ENGINE_BASE_ORDER_SIZE": "0"}},
		{"confidence over 100", map[string]string{"ENGINE_MIN_CONFIDENCE": "150"}},
		{"unknown venue", map[string]string{"BROKER": "mtgox"}},
		{"vault without address", map[string]string{"VAULT_ENABLED": "true"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			_, err := Load("")
			require.Error(t, err)
			var ce *ConfigError
			assert.ErrorAs(t, err, &ce)
		})
	}
}

func TestMalformedFileIsConfigError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	_, err := Load(path)
	var ce *ConfigError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "file", ce.Field)
}
