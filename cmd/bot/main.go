// Perp breakout bot — automated breakout trading on crypto perpetual
// futures.
//
// Architecture:
//
//	main.go            — entry point: flags, config, logger, engine, signals
//	engine/            — the orchestra: state machine driving scan → signal → entry → manage
//	scanner/           — filters and ranks the candidate universe each cycle
//	strategy/          — breakout and momentum signal generation with anti-flip cooldowns
//	risk/              — pre-entry gates, position sizing, daily limits, kill switch
//	position/          — entry validation, per-position FSM, exit rules, trailing stops
//	market/            — order-book mirrors, trade windows, density tracking, levels, activity index
//	exchange/          — venue REST client, public WebSocket feed, paper simulator
//	api/               — health/status/command endpoints, metrics, websocket event stream
//	store/             — JSON file persistence for open positions (survives restarts)
//	diag/              — per-session JSONL decision diagnostics
//
// How it trades:
//
//	Each cycle the scanner ranks liquid, volatile perps and detects their
//	support/resistance levels. The strategy layer waits for a level to
//	break (or hold on a retest) with volume and book confirmation, risk
//	sizes the entry off the stop distance, and the position manager walks
//	the trade through breakeven, partial take-profits, and a trailing
//	stop until an exit rule fires.
package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"perp-breakout/internal/api"
	"perp-breakout/internal/config"
	"perp-breakout/internal/engine"
)

func main() {
	cfgPath := flag.String("config", envOr("BOT_CONFIG", "configs/config.yaml"), "path to the bot config file")
	presetPath := flag.String("preset", "", "preset file overriding the one named in the config")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", *cfgPath).Msg("failed to load config")
	}
	if *presetPath != "" {
		cfg.PresetPath = *presetPath
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	config.InitLogger(cfg.Logging.Level, cfg.Logging.Format)
	logger := config.NewLogger("main")

	preset, err := config.LoadPreset(cfg.PresetPath)
	if err != nil {
		logger.Fatal().Err(err).Str("path", cfg.PresetPath).Msg("failed to load preset")
	}

	eng, err := engine.New(cfg, preset, log.Logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create engine")
	}

	srvCtx, stopServer := context.WithCancel(context.Background())
	defer stopServer()
	if cfg.Server.Enabled {
		srv := api.NewServer(cfg.Server, eng, eng.MetricsHandler(), eng.Events(), log.Logger)
		go func() {
			if err := srv.Run(srvCtx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error().Err(err).Msg("control server failed")
			}
		}()
	}

	if err := eng.Start(); err != nil {
		logger.Fatal().Err(err).Msg("failed to start engine")
	}

	logger.Info().
		Str("mode", string(cfg.Mode)).
		Str("preset", preset.Name).
		Int("max_positions", preset.Risk.MaxConcurrentPositions).
		Float64("risk_per_trade", preset.Risk.RiskPerTrade).
		Msg("perp breakout bot started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	case <-eng.Done():
		logger.Info().Msg("engine stopped, exiting")
	}

	// Control plane goes first so no command races the teardown.
	stopServer()
	eng.Stop()
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
