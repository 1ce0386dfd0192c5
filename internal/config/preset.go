package config

import (
	"fmt"
	"math"

	"github.com/spf13/viper"

	"perp-breakout/pkg/types"
)

// Preset is a named bundle of filter thresholds, signal parameters, risk
// limits, and exit rules. Presets are JSON files; the engine runs exactly
// one preset per session. All numeric thresholds are validated at load so
// a broken preset never reaches the trading path.
type Preset struct {
	Name             string             `mapstructure:"name" json:"name"`
	Description      string             `mapstructure:"description" json:"description"`
	TargetMarkets    []string           `mapstructure:"target_markets" json:"target_markets"`
	StrategyPriority types.StrategyName `mapstructure:"strategy_priority" json:"strategy_priority"`

	Risk              RiskConfig          `mapstructure:"risk" json:"risk"`
	LiquidityFilters  LiquidityFilters    `mapstructure:"liquidity_filters" json:"liquidity_filters"`
	VolatilityFilters VolatilityFilters   `mapstructure:"volatility_filters" json:"volatility_filters"`
	Signal            SignalConfig        `mapstructure:"signal_config" json:"signal_config"`
	Position          PositionConfig      `mapstructure:"position_config" json:"position_config"`
	ExitRules         ExitRulesConfig     `mapstructure:"exit_rules" json:"exit_rules"`
	FSM               FSMConfig           `mapstructure:"fsm" json:"fsm"`
	MarketQuality     MarketQualityConfig `mapstructure:"market_quality" json:"market_quality"`
	LevelsRules       LevelsRules         `mapstructure:"levels_rules" json:"levels_rules"`
	Scanner           ScannerConfig       `mapstructure:"scanner_config" json:"scanner_config"`
	Execution         ExecutionConfig     `mapstructure:"execution_config" json:"execution_config"`
	Density           DensityConfig       `mapstructure:"density" json:"density"`
	Activity          ActivityConfig      `mapstructure:"activity" json:"activity"`
}

// RiskConfig sets the per-trade and account-level risk limits.
//
//   - RiskPerTrade:        fraction of equity risked per position (0..1).
//   - MaxConcurrentPositions: hard cap on simultaneously open positions.
//   - DailyRiskLimit:      fraction of equity; cumulative realised loss at or
//     beyond it blocks new entries for the rest of the day.
//   - KillSwitchLossLimit: fraction of session-start equity; breaching it
//     latches the kill switch and demands flat-all.
//   - CorrelationLimit:    max |BTC correlation| allowed for the basket.
//   - MaxPositionSizeUSD:  notional cap per position.
type RiskConfig struct {
	RiskPerTrade           float64 `mapstructure:"risk_per_trade" json:"risk_per_trade"`
	MaxConcurrentPositions int     `mapstructure:"max_concurrent_positions" json:"max_concurrent_positions"`
	DailyRiskLimit         float64 `mapstructure:"daily_risk_limit" json:"daily_risk_limit"`
	KillSwitchLossLimit    float64 `mapstructure:"kill_switch_loss_limit" json:"kill_switch_loss_limit"`
	CorrelationLimit       float64 `mapstructure:"correlation_limit" json:"correlation_limit"`
	MaxPositionSizeUSD     float64 `mapstructure:"max_position_size_usd" json:"max_position_size_usd"`
	MaxDepthFraction       float64 `mapstructure:"max_depth_fraction" json:"max_depth_fraction"`
	DepthRangeBps          float64 `mapstructure:"depth_range_bps" json:"depth_range_bps"`
}

// LiquidityFilters gate out markets that cannot absorb our size.
type LiquidityFilters struct {
	Min24hVolumeUSD    float64 `mapstructure:"min_24h_volume_usd" json:"min_24h_volume_usd"`
	MinOIUSD           float64 `mapstructure:"min_oi_usd" json:"min_oi_usd"`
	MaxSpreadBps       float64 `mapstructure:"max_spread_bps" json:"max_spread_bps"`
	MinDepthUSD05      float64 `mapstructure:"min_depth_usd_0_5pct" json:"min_depth_usd_0_5pct"`
	MinDepthUSD03      float64 `mapstructure:"min_depth_usd_0_3pct" json:"min_depth_usd_0_3pct"`
	MinTradesPerMinute float64 `mapstructure:"min_trades_per_minute" json:"min_trades_per_minute"`
}

// VolatilityFilters keep symbols inside the tradeable volatility band.
//
//   - ATRRangeMin/Max: acceptable ATR15m/price window (fractions).
//   - BBWidthPercentileMax: reject when Bollinger width percentile exceeds it.
//   - VolumeSurge1hMin: recent 12×5m volume mean over the previous 12.
//   - VolumeSurge5mMin: last bar volume over the median of the prior 20.
//   - OIDeltaThreshold: minimum |24h OI change| when OI data is present.
type VolatilityFilters struct {
	ATRRangeMin          float64 `mapstructure:"atr_range_min" json:"atr_range_min"`
	ATRRangeMax          float64 `mapstructure:"atr_range_max" json:"atr_range_max"`
	BBWidthPercentileMax float64 `mapstructure:"bb_width_percentile_max" json:"bb_width_percentile_max"`
	VolumeSurge1hMin     float64 `mapstructure:"volume_surge_1h_min" json:"volume_surge_1h_min"`
	VolumeSurge5mMin     float64 `mapstructure:"volume_surge_5m_min" json:"volume_surge_5m_min"`
	OIDeltaThreshold     float64 `mapstructure:"oi_delta_threshold" json:"oi_delta_threshold"`
}

// SignalConfig tunes both entry strategies and their shared predicates.
type SignalConfig struct {
	MomentumEpsilon          float64 `mapstructure:"momentum_epsilon" json:"momentum_epsilon"`
	MomentumVolumeMultiplier float64 `mapstructure:"momentum_volume_multiplier" json:"momentum_volume_multiplier"`
	MomentumBodyRatioMin     float64 `mapstructure:"momentum_body_ratio_min" json:"momentum_body_ratio_min"`

	RetestTolerancePct    float64 `mapstructure:"retest_tolerance_pct" json:"retest_tolerance_pct"`
	RetestMaxPierceATR    float64 `mapstructure:"retest_max_pierce_atr" json:"retest_max_pierce_atr"`
	RetestPierceTolerance float64 `mapstructure:"retest_pierce_tolerance" json:"retest_pierce_tolerance"`

	L2ImbalanceThreshold float64 `mapstructure:"l2_imbalance_threshold" json:"l2_imbalance_threshold"`
	VWAPGapMaxATR        float64 `mapstructure:"vwap_gap_max_atr" json:"vwap_gap_max_atr"`
	MinActivityIndex     float64 `mapstructure:"min_activity_index" json:"min_activity_index"`
	SLBufferATR          float64 `mapstructure:"sl_buffer_atr" json:"sl_buffer_atr"`

	EntryRules EntryRulesConfig `mapstructure:"entry_rules" json:"entry_rules"`
}

// EntryRulesConfig parameterises the pre-entry validator.
type EntryRulesConfig struct {
	VolumeConfirmMultiplier float64 `mapstructure:"volume_confirm_multiplier" json:"volume_confirm_multiplier"`
	MomentumSlopeMinPct     float64 `mapstructure:"momentum_slope_min_pct" json:"momentum_slope_min_pct"`
	DensityBufferBps        float64 `mapstructure:"density_buffer_bps" json:"density_buffer_bps"`
	CleanBreakMaxBars       int     `mapstructure:"clean_break_max_bars" json:"clean_break_max_bars"`
	CleanBreakMaxDistPct    float64 `mapstructure:"clean_break_max_dist_pct" json:"clean_break_max_dist_pct"`
}

// TPLevelConfig is one configured rung of the take-profit ladder.
type TPLevelConfig struct {
	LevelName      string              `mapstructure:"level_name" json:"level_name"`
	RewardMultiple float64             `mapstructure:"reward_multiple" json:"reward_multiple"`
	SizePct        float64             `mapstructure:"size_pct" json:"size_pct"`
	PlacementMode  types.PlacementMode `mapstructure:"placement_mode" json:"placement_mode"`
}

// SmartPlacementConfig bounds how far smart/adaptive placement may move a
// target and how wide the avoidance buffers are.
type SmartPlacementConfig struct {
	MaxAdjustmentBps     float64 `mapstructure:"max_adjustment_bps" json:"max_adjustment_bps"`
	DensityZoneBufferBps float64 `mapstructure:"density_zone_buffer_bps" json:"density_zone_buffer_bps"`
	SRLevelBufferBps     float64 `mapstructure:"sr_level_buffer_bps" json:"sr_level_buffer_bps"`
	SnapToRound          bool    `mapstructure:"snap_to_round" json:"snap_to_round"`
	AdaptiveVolFactor    float64 `mapstructure:"adaptive_vol_factor" json:"adaptive_vol_factor"`
}

// PositionConfig drives the per-position lifecycle.
type PositionConfig struct {
	TPLevels            []TPLevelConfig      `mapstructure:"tp_levels" json:"tp_levels"`
	SLMode              string               `mapstructure:"sl_mode" json:"sl_mode"`
	BreakevenTriggerR   float64              `mapstructure:"breakeven_trigger_r" json:"breakeven_trigger_r"`
	BreakevenBufferBps  float64              `mapstructure:"breakeven_buffer_bps" json:"breakeven_buffer_bps"`
	TrailingActivationR float64              `mapstructure:"trailing_activation_r" json:"trailing_activation_r"`
	TrailingStepBps     float64              `mapstructure:"trailing_step_bps" json:"trailing_step_bps"`
	MaxHoldTimeHours    float64              `mapstructure:"max_hold_time_hours" json:"max_hold_time_hours"`
	TPSmartPlacement    SmartPlacementConfig `mapstructure:"tp_smart_placement" json:"tp_smart_placement"`
}

// ExitRulesConfig toggles and tunes the early-exit rules. Every rule is
// independently switchable so presets can run any subset.
type ExitRulesConfig struct {
	FailedBreakoutEnabled bool `mapstructure:"failed_breakout_enabled" json:"failed_breakout_enabled"`
	FailedBreakoutBars    int  `mapstructure:"failed_breakout_bars" json:"failed_breakout_bars"`

	ActivityDropEnabled    bool    `mapstructure:"activity_drop_enabled" json:"activity_drop_enabled"`
	ActivityDropThreshold  float64 `mapstructure:"activity_drop_threshold" json:"activity_drop_threshold"`
	ActivityDropWindowBars int     `mapstructure:"activity_drop_window_bars" json:"activity_drop_window_bars"`

	WeakImpulseEnabled    bool    `mapstructure:"weak_impulse_enabled" json:"weak_impulse_enabled"`
	WeakImpulseCheckBars  int     `mapstructure:"weak_impulse_check_bars" json:"weak_impulse_check_bars"`
	WeakImpulseMinMovePct float64 `mapstructure:"weak_impulse_min_move_pct" json:"weak_impulse_min_move_pct"`

	MaxHoldTimeEnabled bool `mapstructure:"max_hold_time_enabled" json:"max_hold_time_enabled"`

	TimeStopEnabled bool    `mapstructure:"time_stop_enabled" json:"time_stop_enabled"`
	TimeStopMinutes float64 `mapstructure:"time_stop_minutes" json:"time_stop_minutes"`
}

// FSMConfig tunes the position state machine's entry confirmation.
type FSMConfig struct {
	Enabled             bool    `mapstructure:"enabled" json:"enabled"`
	EntryConfirmBars    int     `mapstructure:"entry_confirm_bars" json:"entry_confirm_bars"`
	EntryMaxSlippageBps float64 `mapstructure:"entry_max_slippage_bps" json:"entry_max_slippage_bps"`
}

// MarketQualityConfig filters flat, noisy, or over-consolidated markets at
// entry time.
type MarketQualityConfig struct {
	FlatMaxRangePct      float64 `mapstructure:"flat_max_range_pct" json:"flat_max_range_pct"`
	FlatWindowBars       int     `mapstructure:"flat_window_bars" json:"flat_window_bars"`
	ConsolidationMinBars int     `mapstructure:"consolidation_min_bars" json:"consolidation_min_bars"`
	NoiseThreshold       float64 `mapstructure:"noise_threshold" json:"noise_threshold"`
}

// LevelsRules tunes the level detector.
type LevelsRules struct {
	MinTouches                  int       `mapstructure:"min_touches" json:"min_touches"`
	PreferRoundNumbers          bool      `mapstructure:"prefer_round_numbers" json:"prefer_round_numbers"`
	RoundStepCandidates         []float64 `mapstructure:"round_step_candidates" json:"round_step_candidates"`
	RoundDistancePct            float64   `mapstructure:"round_distance_pct" json:"round_distance_pct"`
	RoundBonus                  float64   `mapstructure:"round_bonus" json:"round_bonus"`
	CascadeMinLevels            int       `mapstructure:"cascade_min_levels" json:"cascade_min_levels"`
	CascadeRadiusBps            float64   `mapstructure:"cascade_radius_bps" json:"cascade_radius_bps"`
	ToleranceATRFactor          float64   `mapstructure:"tolerance_atr_factor" json:"tolerance_atr_factor"`
	ApproachMaxSlopePct         float64   `mapstructure:"approach_max_slope_pct" json:"approach_max_slope_pct"`
	ApproachMinConsolidationBar int       `mapstructure:"approach_min_consolidation_bars" json:"approach_min_consolidation_bars"`
}

// ScoreWeights weight the z-score components of the composite scan score.
type ScoreWeights struct {
	VolSurge        float64 `mapstructure:"vol_surge" json:"vol_surge"`
	ATRQuality      float64 `mapstructure:"atr_quality" json:"atr_quality"`
	Correlation     float64 `mapstructure:"correlation" json:"correlation"`
	TradesPerMinute float64 `mapstructure:"trades_per_minute" json:"trades_per_minute"`
}

// ScannerConfig controls scan cadence, universe trimming, and scoring.
type ScannerConfig struct {
	MaxCandidates       int          `mapstructure:"max_candidates" json:"max_candidates"`
	ScanIntervalSeconds int          `mapstructure:"scan_interval_seconds" json:"scan_interval_seconds"`
	TopNByVolume        int          `mapstructure:"top_n_by_volume" json:"top_n_by_volume"`
	SymbolWhitelist     []string     `mapstructure:"symbol_whitelist" json:"symbol_whitelist,omitempty"`
	SymbolBlacklist     []string     `mapstructure:"symbol_blacklist" json:"symbol_blacklist,omitempty"`
	BatchSize           int          `mapstructure:"batch_size" json:"batch_size"`
	BatchConcurrency    int          `mapstructure:"batch_concurrency" json:"batch_concurrency"`
	Weights             ScoreWeights `mapstructure:"score_weights" json:"score_weights"`
}

// ExecutionConfig holds fee assumptions and order-placement tuning.
type ExecutionConfig struct {
	TakerFeeBps      float64 `mapstructure:"taker_fee_bps" json:"taker_fee_bps"`
	MakerFeeBps      float64 `mapstructure:"maker_fee_bps" json:"maker_fee_bps"`
	TWAPSlices       int     `mapstructure:"twap_slices" json:"twap_slices"`
	TWAPIntervalMs   int     `mapstructure:"twap_interval_ms" json:"twap_interval_ms"`
	IcebergVisible   float64 `mapstructure:"iceberg_visible_pct" json:"iceberg_visible_pct"`
	LimitOffsetBps   float64 `mapstructure:"limit_offset_bps" json:"limit_offset_bps"`
	SpreadWidenBps   float64 `mapstructure:"spread_widen_bps" json:"spread_widen_bps"`
	DeadmanTimeoutMs int     `mapstructure:"deadman_timeout_ms" json:"deadman_timeout_ms"`
}

// DensityConfig tunes the order-book density detector.
//
//   - BucketTicks:      how many price ticks form one bucket.
//   - KDensity:         multiple of the median bucket size that makes a density.
//   - LookbackWindowS:  window for the rolling median.
//   - EnterOnEatRatio:  eaten fraction at which the "eaten" event fires.
type DensityConfig struct {
	BucketTicks     int     `mapstructure:"bucket_ticks" json:"bucket_ticks"`
	KDensity        float64 `mapstructure:"k_density" json:"k_density"`
	LookbackWindowS int     `mapstructure:"lookback_window_s" json:"lookback_window_s"`
	EnterOnEatRatio float64 `mapstructure:"enter_on_density_eat_ratio" json:"enter_on_density_eat_ratio"`
}

// ActivityConfig tunes the activity tracker.
type ActivityConfig struct {
	LookbackPeriods int     `mapstructure:"lookback_periods" json:"lookback_periods"`
	DropThreshold   float64 `mapstructure:"drop_threshold" json:"drop_threshold"`
}

// LoadPreset reads a preset JSON file and validates it.
func LoadPreset(path string) (*Preset, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")

	setPresetDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read preset: %w", err)
	}

	var p Preset
	if err := v.Unmarshal(&p); err != nil {
		return nil, fmt.Errorf("unmarshal preset: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("preset %q: %w", p.Name, err)
	}
	return &p, nil
}

func setPresetDefaults(v *viper.Viper) {
	v.SetDefault("strategy_priority", string(types.StrategyMomentum))

	v.SetDefault("risk.risk_per_trade", 0.01)
	v.SetDefault("risk.max_concurrent_positions", 3)
	v.SetDefault("risk.daily_risk_limit", 0.03)
	v.SetDefault("risk.kill_switch_loss_limit", 0.05)
	v.SetDefault("risk.correlation_limit", 0.8)
	v.SetDefault("risk.max_position_size_usd", 10000)
	v.SetDefault("risk.max_depth_fraction", 0.1)
	v.SetDefault("risk.depth_range_bps", 50)

	v.SetDefault("liquidity_filters.min_24h_volume_usd", 5_000_000)
	v.SetDefault("liquidity_filters.max_spread_bps", 10)
	v.SetDefault("liquidity_filters.min_trades_per_minute", 5)

	v.SetDefault("volatility_filters.atr_range_min", 0.005)
	v.SetDefault("volatility_filters.atr_range_max", 0.05)
	v.SetDefault("volatility_filters.bb_width_percentile_max", 90)
	v.SetDefault("volatility_filters.volume_surge_1h_min", 1.2)
	v.SetDefault("volatility_filters.volume_surge_5m_min", 1.5)

	v.SetDefault("signal_config.momentum_epsilon", 0.001)
	v.SetDefault("signal_config.momentum_volume_multiplier", 2.0)
	v.SetDefault("signal_config.momentum_body_ratio_min", 0.6)
	v.SetDefault("signal_config.retest_tolerance_pct", 0.005)
	v.SetDefault("signal_config.retest_max_pierce_atr", 0.5)
	v.SetDefault("signal_config.retest_pierce_tolerance", 0.003)
	v.SetDefault("signal_config.l2_imbalance_threshold", 0.3)
	v.SetDefault("signal_config.vwap_gap_max_atr", 2.0)
	v.SetDefault("signal_config.sl_buffer_atr", 0.5)

	v.SetDefault("position_config.sl_mode", "structural")
	v.SetDefault("position_config.breakeven_trigger_r", 1.0)
	v.SetDefault("position_config.breakeven_buffer_bps", 5)
	v.SetDefault("position_config.trailing_activation_r", 2.0)
	v.SetDefault("position_config.trailing_step_bps", 30)
	v.SetDefault("position_config.max_hold_time_hours", 24)
	v.SetDefault("position_config.tp_smart_placement.max_adjustment_bps", 20)
	v.SetDefault("position_config.tp_smart_placement.density_zone_buffer_bps", 10)
	v.SetDefault("position_config.tp_smart_placement.sr_level_buffer_bps", 10)
	v.SetDefault("position_config.tp_smart_placement.adaptive_vol_factor", 1.5)

	v.SetDefault("exit_rules.failed_breakout_enabled", true)
	v.SetDefault("exit_rules.failed_breakout_bars", 3)
	v.SetDefault("exit_rules.activity_drop_enabled", true)
	v.SetDefault("exit_rules.activity_drop_threshold", 0.5)
	v.SetDefault("exit_rules.activity_drop_window_bars", 5)
	v.SetDefault("exit_rules.weak_impulse_enabled", true)
	v.SetDefault("exit_rules.weak_impulse_check_bars", 6)
	v.SetDefault("exit_rules.weak_impulse_min_move_pct", 0.3)
	v.SetDefault("exit_rules.max_hold_time_enabled", true)
	v.SetDefault("exit_rules.time_stop_enabled", false)
	v.SetDefault("exit_rules.time_stop_minutes", 90)

	v.SetDefault("fsm.enabled", true)
	v.SetDefault("fsm.entry_confirm_bars", 1)
	v.SetDefault("fsm.entry_max_slippage_bps", 15)

	v.SetDefault("market_quality.flat_max_range_pct", 0.15)
	v.SetDefault("market_quality.flat_window_bars", 12)
	v.SetDefault("market_quality.consolidation_min_bars", 3)
	v.SetDefault("market_quality.noise_threshold", 0.6)

	v.SetDefault("levels_rules.min_touches", 2)
	v.SetDefault("levels_rules.prefer_round_numbers", true)
	v.SetDefault("levels_rules.round_step_candidates", []float64{1000, 500, 100, 50, 10, 5, 1, 0.5, 0.1, 0.05, 0.01})
	v.SetDefault("levels_rules.round_distance_pct", 0.001)
	v.SetDefault("levels_rules.round_bonus", 0.15)
	v.SetDefault("levels_rules.cascade_min_levels", 3)
	v.SetDefault("levels_rules.cascade_radius_bps", 30)
	v.SetDefault("levels_rules.tolerance_atr_factor", 0.25)
	v.SetDefault("levels_rules.approach_max_slope_pct", 0.2)
	v.SetDefault("levels_rules.approach_min_consolidation_bars", 3)

	v.SetDefault("scanner_config.max_candidates", 15)
	v.SetDefault("scanner_config.scan_interval_seconds", 60)
	v.SetDefault("scanner_config.top_n_by_volume", 100)
	v.SetDefault("scanner_config.batch_size", 20)
	v.SetDefault("scanner_config.batch_concurrency", 2)
	v.SetDefault("scanner_config.score_weights.vol_surge", 0.35)
	v.SetDefault("scanner_config.score_weights.atr_quality", 0.25)
	v.SetDefault("scanner_config.score_weights.correlation", 0.15)
	v.SetDefault("scanner_config.score_weights.trades_per_minute", 0.25)

	v.SetDefault("execution_config.taker_fee_bps", 5.5)
	v.SetDefault("execution_config.maker_fee_bps", 2)
	v.SetDefault("execution_config.limit_offset_bps", 2)
	v.SetDefault("execution_config.deadman_timeout_ms", 30000)

	v.SetDefault("density.bucket_ticks", 10)
	v.SetDefault("density.k_density", 4)
	v.SetDefault("density.lookback_window_s", 300)
	v.SetDefault("density.enter_on_density_eat_ratio", 0.65)

	v.SetDefault("activity.lookback_periods", 30)
	v.SetDefault("activity.drop_threshold", 0.4)
}

// Validate enforces every structural rule a preset must satisfy.
func (p *Preset) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("name is required")
	}
	switch p.StrategyPriority {
	case types.StrategyMomentum, types.StrategyRetest:
	default:
		return fmt.Errorf("strategy_priority must be \"momentum\" or \"retest\", got %q", p.StrategyPriority)
	}

	if p.Risk.RiskPerTrade <= 0 || p.Risk.RiskPerTrade >= 1 {
		return fmt.Errorf("risk.risk_per_trade must be in (0,1), got %v", p.Risk.RiskPerTrade)
	}
	if p.Risk.MaxConcurrentPositions <= 0 {
		return fmt.Errorf("risk.max_concurrent_positions must be > 0")
	}
	if p.Risk.DailyRiskLimit <= 0 || p.Risk.DailyRiskLimit >= 1 {
		return fmt.Errorf("risk.daily_risk_limit must be in (0,1)")
	}
	if p.Risk.KillSwitchLossLimit <= 0 || p.Risk.KillSwitchLossLimit >= 1 {
		return fmt.Errorf("risk.kill_switch_loss_limit must be in (0,1)")
	}
	if p.Risk.CorrelationLimit < 0 || p.Risk.CorrelationLimit > 1 {
		return fmt.Errorf("risk.correlation_limit must be in [0,1]")
	}
	if p.Risk.MaxPositionSizeUSD <= 0 {
		return fmt.Errorf("risk.max_position_size_usd must be > 0")
	}

	if err := nonNegative(map[string]float64{
		"liquidity_filters.min_24h_volume_usd":     p.LiquidityFilters.Min24hVolumeUSD,
		"liquidity_filters.min_oi_usd":             p.LiquidityFilters.MinOIUSD,
		"liquidity_filters.max_spread_bps":         p.LiquidityFilters.MaxSpreadBps,
		"liquidity_filters.min_depth_usd_0_5pct":   p.LiquidityFilters.MinDepthUSD05,
		"liquidity_filters.min_depth_usd_0_3pct":   p.LiquidityFilters.MinDepthUSD03,
		"liquidity_filters.min_trades_per_minute":  p.LiquidityFilters.MinTradesPerMinute,
		"volatility_filters.atr_range_min":         p.VolatilityFilters.ATRRangeMin,
		"volatility_filters.bb_width_percentile":   p.VolatilityFilters.BBWidthPercentileMax,
		"volatility_filters.oi_delta_threshold":    p.VolatilityFilters.OIDeltaThreshold,
		"signal_config.momentum_epsilon":           p.Signal.MomentumEpsilon,
		"signal_config.l2_imbalance_threshold":     p.Signal.L2ImbalanceThreshold,
		"signal_config.vwap_gap_max_atr":           p.Signal.VWAPGapMaxATR,
		"position_config.breakeven_buffer_bps":     p.Position.BreakevenBufferBps,
		"position_config.trailing_step_bps":        p.Position.TrailingStepBps,
		"levels_rules.cascade_radius_bps":          p.LevelsRules.CascadeRadiusBps,
		"execution_config.taker_fee_bps":           p.Execution.TakerFeeBps,
		"execution_config.maker_fee_bps":           p.Execution.MakerFeeBps,
		"execution_config.limit_offset_bps":        p.Execution.LimitOffsetBps,
		"execution_config.spread_widen_bps":        p.Execution.SpreadWidenBps,
		"density.enter_on_density_eat_ratio":       p.Density.EnterOnEatRatio,
		"position_config.tp_smart.max_adjustment":  p.Position.TPSmartPlacement.MaxAdjustmentBps,
		"position_config.tp_smart.density_buffer":  p.Position.TPSmartPlacement.DensityZoneBufferBps,
		"position_config.tp_smart.sr_level_buffer": p.Position.TPSmartPlacement.SRLevelBufferBps,
	}); err != nil {
		return err
	}

	if p.VolatilityFilters.ATRRangeMax < p.VolatilityFilters.ATRRangeMin {
		return fmt.Errorf("volatility_filters.atr_range_max must be >= atr_range_min")
	}

	if len(p.Position.TPLevels) == 0 {
		return fmt.Errorf("position_config.tp_levels must not be empty")
	}
	var sizeSum float64
	for i, tp := range p.Position.TPLevels {
		if tp.RewardMultiple <= 0 {
			return fmt.Errorf("tp_levels[%d].reward_multiple must be > 0, got %v", i, tp.RewardMultiple)
		}
		if tp.SizePct <= 0 || tp.SizePct > 1 {
			return fmt.Errorf("tp_levels[%d].size_pct must be in (0,1], got %v", i, tp.SizePct)
		}
		if !tp.PlacementMode.Valid() {
			return fmt.Errorf("tp_levels[%d].placement_mode must be one of: fixed, smart, adaptive", i)
		}
		sizeSum += tp.SizePct
	}
	if sizeSum > 1.0+1e-9 {
		return fmt.Errorf("sum of tp_levels.size_pct must be <= 1.0, got %v", sizeSum)
	}

	if p.FSM.EntryConfirmBars < 0 {
		return fmt.Errorf("fsm.entry_confirm_bars must be >= 0")
	}
	if p.ExitRules.FailedBreakoutEnabled && p.ExitRules.FailedBreakoutBars < 1 {
		return fmt.Errorf("exit_rules.failed_breakout_bars must be >= 1")
	}
	if p.ExitRules.ActivityDropEnabled && p.ExitRules.ActivityDropWindowBars < 1 {
		return fmt.Errorf("exit_rules.activity_drop_window_bars must be >= 1")
	}
	if p.ExitRules.WeakImpulseEnabled && p.ExitRules.WeakImpulseCheckBars < 1 {
		return fmt.Errorf("exit_rules.weak_impulse_check_bars must be >= 1")
	}
	if p.MarketQuality.NoiseThreshold < 0 || p.MarketQuality.NoiseThreshold > 1 {
		return fmt.Errorf("market_quality.noise_threshold must be in [0,1]")
	}

	if p.LevelsRules.MinTouches < 2 {
		return fmt.Errorf("levels_rules.min_touches must be >= 2")
	}
	if p.LevelsRules.CascadeMinLevels < 2 {
		return fmt.Errorf("levels_rules.cascade_min_levels must be >= 2")
	}

	if p.Scanner.MaxCandidates <= 0 {
		return fmt.Errorf("scanner_config.max_candidates must be > 0")
	}
	if p.Scanner.ScanIntervalSeconds < 1 {
		return fmt.Errorf("scanner_config.scan_interval_seconds must be >= 1")
	}
	if p.Scanner.BatchSize < 1 {
		return fmt.Errorf("scanner_config.batch_size must be >= 1")
	}
	if p.Scanner.BatchConcurrency < 1 {
		return fmt.Errorf("scanner_config.batch_concurrency must be >= 1")
	}

	if p.Density.BucketTicks < 1 {
		return fmt.Errorf("density.bucket_ticks must be >= 1")
	}
	if p.Density.KDensity <= 0 {
		return fmt.Errorf("density.k_density must be > 0")
	}
	if p.Density.EnterOnEatRatio <= 0 || p.Density.EnterOnEatRatio > 1 {
		return fmt.Errorf("density.enter_on_density_eat_ratio must be in (0,1]")
	}

	if p.Activity.LookbackPeriods < 2 {
		return fmt.Errorf("activity.lookback_periods must be >= 2")
	}
	if p.Activity.DropThreshold <= 0 {
		return fmt.Errorf("activity.drop_threshold must be > 0")
	}

	return nil
}

func nonNegative(fields map[string]float64) error {
	for name, val := range fields {
		if val < 0 || math.IsNaN(val) {
			return fmt.Errorf("%s must be >= 0, got %v", name, val)
		}
	}
	return nil
}
