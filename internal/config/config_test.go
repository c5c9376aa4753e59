package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "chainstream/internal/errors"
)

func TestLoadCreatesTemplatesThenLoads(t *testing.T) {
	t.Setenv("KITE_API_KEY", "")
	t.Setenv("KITE_ACCESS_TOKEN", "")
	t.Setenv("CHAINSTREAM_DB", "")
	dir := t.TempDir()

	_, err := Load(dir)
	require.Error(t, err)
	assert.FileExists(t, filepath.Join(dir, "config.toml"))

	_, err = Load(dir)
	require.Error(t, err)
	info, statErr := os.Stat(filepath.Join(dir, "credentials.toml"))
	require.NoError(t, statErr)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, 300*time.Millisecond, cfg.Chain.RecomputeInterval)
	assert.Equal(t, 300, cfg.Margin.BatchSize)
	assert.Equal(t, 2, cfg.Chain.MaxExpiries)
	assert.Equal(t, "NSE:INDIA VIX", cfg.Volatility.QuoteInstrument)
	assert.Equal(t, filepath.Join(dir, "chainstream.db"), cfg.Store.Path)
	assert.False(t, cfg.IsSharded())
	assert.Error(t, cfg.RequireCredentials())
}

func TestLoadGroupsAndEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	conf := `
[shard]
groups = [["GOLD", "GOLDM", "COPPER"], ["SILVER", "SILVERM", "ZINC"]]

[underlyings]
symbols = ["GOLD", "GOLDM", "COPPER", "SILVER", "SILVERM", "ZINC"]
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.toml"), []byte(conf), 0644))
	t.Setenv("KITE_API_KEY", "key")
	t.Setenv("KITE_ACCESS_TOKEN", "token")
	t.Setenv("CHAINSTREAM_DB", "/tmp/override.db")

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.True(t, cfg.IsSharded())
	assert.Equal(t, [][]string{{"GOLD", "GOLDM", "COPPER"}, {"SILVER", "SILVERM", "ZINC"}}, cfg.Shard.Groups)
	assert.Equal(t, "/tmp/override.db", cfg.Store.Path)
	assert.NoError(t, cfg.RequireCredentials())
	assert.Equal(t, 30*time.Second, cfg.Shard.ReadyTimeout)
}

func TestValidateRejectsOutOfRange(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"batch too small", func(c *Config) { c.Margin.BatchSize = 100 }},
		{"batch too large", func(c *Config) { c.Margin.BatchSize = 500 }},
		{"recompute too fast", func(c *Config) { c.Chain.RecomputeInterval = 100 * time.Millisecond }},
		{"recompute too slow", func(c *Config) { c.Chain.RecomputeInterval = time.Second }},
		{"no underlyings", func(c *Config) { c.Underlyings.Symbols = nil }},
		{"bad session time", func(c *Config) { c.Calendar.EveningCloseStd = "25:99" }},
		{"morning inverted", func(c *Config) { c.Calendar.MorningClose = "08:00" }},
		{"no attempts", func(c *Config) { c.Margin.MaxAttempts = 0 }},
		{"breaker never opens", func(c *Config) { c.Volatility.BreakerThreshold = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			require.NoError(t, cfg.Validate())
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, apperrors.IsFatal(err))
		})
	}
}

func TestValidateGroups(t *testing.T) {
	assert.NoError(t, ValidateGroups(nil))
	assert.NoError(t, ValidateGroups([][]string{{"GOLD"}, {"SILVER"}}))
	assert.Error(t, ValidateGroups([][]string{{"GOLD"}, {}}))
	assert.Error(t, ValidateGroups([][]string{{"GOLD", "SILVER"}, {"silver"}}))
	assert.Error(t, ValidateGroups([][]string{{" "}}))
}

func TestParseClock(t *testing.T) {
	m, err := ParseClock("23:55")
	require.NoError(t, err)
	assert.Equal(t, 23*60+55, m)

	_, err = ParseClock("noon")
	assert.Error(t, err)
}
