// Grid Trading Server — the server-side control plane for a dual-sided grid
// trading strategy. A terminal agent polls /api/tick with quotes and open
// positions; the server answers with at most one directive per tick.
//
// Architecture:
//
//	main.go              — entry point: loads config, starts the API server, waits for SIGINT/SIGTERM
//	engine/engine.go     — per-tick decision core: reconcile, hedge, take-profit, close sequencing
//	engine/control.go    — control/settings mutations and dashboard snapshots
//	strategy/            — pure grid math: level triggers, cumulatives, session aggregates
//	state/               — the mutable snapshot: sessions, settings, pending queue, price ring
//	store/store.go       — atomic JSON file persistence (survives restarts)
//	api/                 — HTTP/JSON endpoints plus the WebSocket event stream
//	alert/notifier.go    — fire-and-forget webhook notifications
package main

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"gridserver/internal/alert"
	"gridserver/internal/api"
	"gridserver/internal/config"
	"gridserver/internal/engine"
	"gridserver/internal/store"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("GRID_CONFIG"); p != "" {
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

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	st, err := store.Open(cfg.Store.StatePath)
	if err != nil {
		logger.Error("failed to open state store", "error", err)
		os.Exit(1)
	}

	notifier := alert.NewNotifier(cfg.Alert, logger)
	eng := engine.New(*cfg, st, notifier, logger)

	server := api.NewServer(*cfg, eng, logger)
	go func() {
		if err := server.Start(); err != nil {
			logger.Error("api server failed", "error", err)
			os.Exit(1)
		}
	}()

	logger.Info("grid trading server started",
		"version", engine.Version,
		"port", cfg.Server.Port,
		"state", cfg.Store.StatePath,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	if err := server.Stop(); err != nil {
		logger.Error("failed to stop api server", "error", err)
	}
	eng.Shutdown()
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
