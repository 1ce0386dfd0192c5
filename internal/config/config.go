// Package config defines all configuration for the breakout engine.
// The app config is loaded from a YAML file (default: configs/config.yaml)
// with sensitive fields overridable via BOT_* environment variables; the
// trading preset is a separate JSON bundle loaded through LoadPreset.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"perp-breakout/pkg/types"
)

// Config is the top-level application configuration. Maps directly to the
// YAML file structure. Strategy parameters live in the Preset, not here.
type Config struct {
	Mode        types.TradingMode `mapstructure:"mode"` // "paper" or "live"
	PresetPath  string            `mapstructure:"preset_path"`
	Venue       VenueConfig       `mapstructure:"venue"`
	Paper       PaperConfig       `mapstructure:"paper"`
	Engine      EngineConfig      `mapstructure:"engine"`
	Store       StoreConfig       `mapstructure:"store"`
	Diagnostics DiagnosticsConfig `mapstructure:"diagnostics"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Server      ServerConfig      `mapstructure:"server"`
}

// VenueConfig holds venue endpoints and credentials. Key and secret are
// only required in live mode and are normally injected via BOT_API_KEY /
// BOT_API_SECRET rather than written into the file.
type VenueConfig struct {
	RESTBaseURL string `mapstructure:"rest_base_url"`
	WSPublicURL string `mapstructure:"ws_public_url"`
	APIKey      string `mapstructure:"api_key"`
	APISecret   string `mapstructure:"api_secret"`
	RecvWindow  int    `mapstructure:"recv_window_ms"` // signature validity window

	// Published rate limits, requests per second per endpoint family.
	RateMarketData float64 `mapstructure:"rate_market_data"`
	RateOrders     float64 `mapstructure:"rate_orders"`
	RateAccount    float64 `mapstructure:"rate_account"`
}

// PaperConfig tunes the simulated exchange used when mode is "paper".
//
//   - StartEquityUSD: initial quote-currency balance.
//   - SlippageBps:    market orders fill at mid shifted by this many bps.
//   - TakerFeeBps / MakerFeeBps: fees charged on simulated fills.
type PaperConfig struct {
	StartEquityUSD float64 `mapstructure:"start_equity_usd"`
	SlippageBps    float64 `mapstructure:"slippage_bps"`
	TakerFeeBps    float64 `mapstructure:"taker_fee_bps"`
	MakerFeeBps    float64 `mapstructure:"maker_fee_bps"`
}

// EngineConfig tunes the orchestra cycle and self-monitoring.
//
//   - CycleDelayMin/Max: bounds for the adaptive inter-cycle delay.
//   - ErrorMaxRetries:   cycle errors tolerated before giving up the retry loop.
//   - ErrorBackoff:      base backoff between ERROR-state retries (doubles).
//   - ResourceInterval:  how often the resource monitor samples.
//   - SoftRSSFraction:   RSS share of MemoryCapMB that triggers an optimisation pass.
//   - HardRSSFraction:   RSS share that logs critical; sustained breach pauses.
type EngineConfig struct {
	CycleDelayMin    time.Duration `mapstructure:"cycle_delay_min"`
	CycleDelayMax    time.Duration `mapstructure:"cycle_delay_max"`
	ErrorMaxRetries  int           `mapstructure:"error_max_retries"`
	ErrorBackoff     time.Duration `mapstructure:"error_backoff"`
	ResourceInterval time.Duration `mapstructure:"resource_interval"`
	MemoryCapMB      float64       `mapstructure:"memory_cap_mb"`
	SoftRSSFraction  float64       `mapstructure:"soft_rss_fraction"`
	HardRSSFraction  float64       `mapstructure:"hard_rss_fraction"`
}

// StoreConfig sets where open positions are persisted for crash recovery.
type StoreConfig struct {
	DataDir string `mapstructure:"data_dir"`
}

// DiagnosticsConfig sets where the per-session JSONL event files go.
type DiagnosticsConfig struct {
	Dir string `mapstructure:"dir"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // "json" or "console"
}

// ServerConfig controls the control-plane HTTP server.
type ServerConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: BOT_API_KEY, BOT_API_SECRET.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("BOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setConfigDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive fields from env
	if key := os.Getenv("BOT_API_KEY"); key != "" {
		cfg.Venue.APIKey = key
	}
	if secret := os.Getenv("BOT_API_SECRET"); secret != "" {
		cfg.Venue.APISecret = secret
	}
	if mode := os.Getenv("BOT_MODE"); mode != "" {
		cfg.Mode = types.TradingMode(mode)
	}

	return &cfg, nil
}

func setConfigDefaults(v *viper.Viper) {
	v.SetDefault("mode", string(types.ModePaper))
	v.SetDefault("preset_path", "presets/default.json")

	v.SetDefault("venue.recv_window_ms", 5000)
	v.SetDefault("venue.rate_market_data", 10)
	v.SetDefault("venue.rate_orders", 5)
	v.SetDefault("venue.rate_account", 2)

	v.SetDefault("paper.start_equity_usd", 20000)
	v.SetDefault("paper.slippage_bps", 3)
	v.SetDefault("paper.taker_fee_bps", 5.5)
	v.SetDefault("paper.maker_fee_bps", 2)

	v.SetDefault("engine.cycle_delay_min", "2s")
	v.SetDefault("engine.cycle_delay_max", "30s")
	v.SetDefault("engine.error_max_retries", 5)
	v.SetDefault("engine.error_backoff", "5s")
	v.SetDefault("engine.resource_interval", "60s")
	v.SetDefault("engine.memory_cap_mb", 2048)
	v.SetDefault("engine.soft_rss_fraction", 0.7)
	v.SetDefault("engine.hard_rss_fraction", 0.85)

	v.SetDefault("store.data_dir", "data")
	v.SetDefault("diagnostics.dir", "diagnostics")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("server.enabled", true)
	v.SetDefault("server.port", 8080)
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	switch c.Mode {
	case types.ModePaper, types.ModeLive:
	default:
		return fmt.Errorf("mode must be \"paper\" or \"live\", got %q", c.Mode)
	}
	if c.PresetPath == "" {
		return fmt.Errorf("preset_path is required")
	}
	if c.Venue.RESTBaseURL == "" {
		return fmt.Errorf("venue.rest_base_url is required")
	}
	if c.Venue.WSPublicURL == "" {
		return fmt.Errorf("venue.ws_public_url is required")
	}
	if c.Mode == types.ModeLive {
		if c.Venue.APIKey == "" {
			return fmt.Errorf("venue.api_key is required in live mode (set BOT_API_KEY)")
		}
		if c.Venue.APISecret == "" {
			return fmt.Errorf("venue.api_secret is required in live mode (set BOT_API_SECRET)")
		}
	}
	if c.Mode == types.ModePaper && c.Paper.StartEquityUSD <= 0 {
		return fmt.Errorf("paper.start_equity_usd must be > 0")
	}
	if c.Engine.CycleDelayMin <= 0 || c.Engine.CycleDelayMax < c.Engine.CycleDelayMin {
		return fmt.Errorf("engine cycle delay bounds invalid: min=%s max=%s", c.Engine.CycleDelayMin, c.Engine.CycleDelayMax)
	}
	if c.Engine.SoftRSSFraction <= 0 || c.Engine.SoftRSSFraction >= 1 {
		return fmt.Errorf("engine.soft_rss_fraction must be in (0,1)")
	}
	if c.Engine.HardRSSFraction <= c.Engine.SoftRSSFraction || c.Engine.HardRSSFraction > 1 {
		return fmt.Errorf("engine.hard_rss_fraction must be in (soft_rss_fraction, 1]")
	}
	if c.Store.DataDir == "" {
		return fmt.Errorf("store.data_dir is required")
	}
	if c.Diagnostics.Dir == "" {
		return fmt.Errorf("diagnostics.dir is required")
	}
	if c.Server.Enabled && (c.Server.Port <= 0 || c.Server.Port > 65535) {
		return fmt.Errorf("server.port must be a valid TCP port")
	}
	return nil
}
