// LMSR Exchange — the authoritative off-chain core of a binary
// prediction-market exchange clearing through a state-channel network.
//
// Architecture:
//
//	main.go               — entry point: loads config, starts engine, waits for SIGINT/SIGTERM
//	engine/engine.go      — orchestrator: wires registry → executor → resolution → settlement
//	lmsr/lmsr.go          — LMSR cost function, quotes, share solving, max-loss bound
//	market/registry.go    — per-market locked commit discipline, snapshot persistence
//	market/lifecycle.go   — ACTIVE → FROZEN → RESOLVED → SETTLED state machine (plus CANCELLED)
//	trade/executor.go     — trade admission with slippage guard, early-exit refunds
//	resolution/engine.go  — polling loop: freezes ended markets, resolves from oracle proofs
//	oracle/http.go        — signed outcome feed client with proof verification
//	settlement/           — final-state ABI encoding, keccak hash, signature quorum
//	channel/client.go     — state-channel network REST client (open/resize/transfer/close)
//	broadcast/            — in-process event fanout to subscribers
//	api/                  — read-only HTTP/WebSocket query surface
//	store/store.go        — JSON snapshot persistence (survives restarts)
//
// How clearing works:
//
//	Traders buy YES/NO shares priced by a logarithmic market scoring rule;
//	the operator's loss is bounded by b·ln2 of committed liquidity. After
//	the oracle resolves the outcome, the engine builds a canonical final
//	state, collects ECDSA signatures from every participant, and hands the
//	signed envelope to the state-channel adjudicator for on-chain payout.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/common"

	"lmsr-exchange/internal/api"
	"lmsr-exchange/internal/channel"
	"lmsr-exchange/internal/config"
	"lmsr-exchange/internal/engine"
	"lmsr-exchange/internal/oracle"
	"lmsr-exchange/internal/store"
)

func main() {
	// Load config
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("MKT_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	// Set up logger
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	// Persistence
	st, err := store.Open(cfg.Store.DataDir)
	if err != nil {
		logger.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	// Optional ports
	var orc oracle.Oracle
	if cfg.Oracle.BaseURL != "" {
		orc = oracle.NewHTTPOracle(cfg.Oracle.BaseURL, common.HexToAddress(cfg.Oracle.SignerAddress), "http-feed")
	}
	var chans channel.Client
	if cfg.Channel.Enabled {
		chans = channel.NewHTTPClient(cfg.Channel.BaseURL, cfg.Channel.APIKey, logger)
	}

	eng := engine.New(cfg, st, orc, chans, logger)

	// Start query API server if enabled
	var apiServer *api.Server
	if cfg.API.Enabled {
		apiServer = api.NewServer(cfg.API, eng, eng.Bus(), logger)
		go func() {
			if err := apiServer.Start(); err != nil {
				logger.Error("api server failed", "error", err)
			}
		}()
		logger.Info("api started", "url", fmt.Sprintf("http://localhost:%d", cfg.API.Port))
	}

	if err := eng.Start(context.Background()); err != nil {
		logger.Error("failed to start engine", "error", err)
		os.Exit(1)
	}

	logger.Info("exchange core started",
		"oracle", cfg.Oracle.BaseURL != "",
		"channel", cfg.Channel.Enabled,
		"check_interval", cfg.Resolution.CheckInterval,
	)

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	// Stop the query surface first
	if apiServer != nil {
		if err := apiServer.Stop(); err != nil {
			logger.Error("failed to stop api server", "error", err)
		}
	}

	eng.Stop()
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
