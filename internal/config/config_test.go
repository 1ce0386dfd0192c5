package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perp-breakout/pkg/types"
)

func validConfig() *Config {
	return &Config{
		Mode:       types.ModePaper,
		PresetPath: "presets/default.json",
		Venue: VenueConfig{
			RESTBaseURL: "https://api.venue.test",
			WSPublicURL: "wss://stream.venue.test/v5/public/linear",
		},
		Paper: PaperConfig{StartEquityUSD: 20000, SlippageBps: 3},
		Engine: EngineConfig{
			CycleDelayMin:   2 * time.Second,
			CycleDelayMax:   30 * time.Second,
			SoftRSSFraction: 0.7,
			HardRSSFraction: 0.85,
		},
		Store:       StoreConfig{DataDir: "data"},
		Diagnostics: DiagnosticsConfig{Dir: "diagnostics"},
		Server:      ServerConfig{Enabled: true, Port: 8080},
	}
}

func TestConfigValidateOK(t *testing.T) {
	t.Parallel()
	require.NoError(t, validConfig().Validate())
}

func TestConfigValidateRejects(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad mode", func(c *Config) { c.Mode = "backtest" }},
		{"missing preset path", func(c *Config) { c.PresetPath = "" }},
		{"missing rest url", func(c *Config) { c.Venue.RESTBaseURL = "" }},
		{"missing ws url", func(c *Config) { c.Venue.WSPublicURL = "" }},
		{"live without key", func(c *Config) { c.Mode = types.ModeLive }},
		{"paper without equity", func(c *Config) { c.Paper.StartEquityUSD = 0 }},
		{"inverted cycle bounds", func(c *Config) { c.Engine.CycleDelayMax = time.Second }},
		{"soft fraction out of range", func(c *Config) { c.Engine.SoftRSSFraction = 1.5 }},
		{"hard below soft", func(c *Config) { c.Engine.HardRSSFraction = 0.5 }},
		{"bad port", func(c *Config) { c.Server.Port = -1 }},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := validConfig()
			tt.mutate(c)
			assert.Error(t, c.Validate())
		})
	}
}

func TestLoadAppliesDefaultsAndEnvOverrides(t *testing.T) {
	raw := `
mode: paper
preset_path: presets/p.json
venue:
  rest_base_url: https://api.venue.test
  ws_public_url: wss://stream.venue.test
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(raw), 0o644))

	t.Setenv("BOT_API_KEY", "k-from-env")
	t.Setenv("BOT_API_SECRET", "s-from-env")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "k-from-env", cfg.Venue.APIKey)
	assert.Equal(t, "s-from-env", cfg.Venue.APISecret)
	assert.Equal(t, 2*time.Second, cfg.Engine.CycleDelayMin)
	assert.Equal(t, 60*time.Second, cfg.Engine.ResourceInterval)
	assert.Equal(t, 20000.0, cfg.Paper.StartEquityUSD)
	assert.Equal(t, "diagnostics", cfg.Diagnostics.Dir)
	assert.True(t, cfg.Server.Enabled)

	require.NoError(t, cfg.Validate())
}
