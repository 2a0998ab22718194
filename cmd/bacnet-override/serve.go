package main

import (
	"context"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"bacnet-override/internal/commander"
	"bacnet-override/internal/store"
	"bacnet-override/internal/web"
)

// runServe runs the long-lived service: journal, web API, MQTT bridge and
// automations, all sharing one commander.
func runServe(cfg *Config, stdout io.Writer) int {
	logger := newLogger(cfg, stdout)
	logger.Info("bacnet-override starting", "version", version)

	engineCfg, err := cfg.engineConfig()
	if err != nil {
		logger.Error("engine config", "err", err)
		return exitUsage
	}
	stackCfg, err := cfg.stackConfig()
	if err != nil {
		logger.Error("stack config", "err", err)
		return exitUsage
	}
	points, err := cfg.points()
	if err != nil {
		logger.Error("points config", "err", err)
		return exitUsage
	}

	db, err := store.NewBoltStore(cfg.Store.Path)
	if err != nil {
		logger.Error("open store", "err", err)
		return exitFailure
	}
	defer db.Close()
	if n, err := db.PruneSessions(cfg.Store.KeepSessions); err != nil {
		logger.Warn("prune sessions", "err", err)
	} else if n > 0 {
		logger.Info("pruned session journal", "removed", n, "kept", cfg.Store.KeepSessions)
	}

	stk, err := openStack(stackCfg, logger)
	if err != nil {
		logger.Error("open bacnet stack", "err", err)
		return exitFailure
	}
	defer stk.Close()

	events := commander.NewEventBus(logger)
	cmdr := commander.New(stk, db, events, engineCfg, logger)
	if err := cmdr.LoadPoints(); err != nil {
		logger.Error("load points", "err", err)
		return exitFailure
	}
	// Config points win over points saved through the API.
	for _, p := range points {
		cmdr.SetPoint(p)
	}
	logger.Info("commander ready", "points", len(cmdr.Points()), "settle", engineCfg.Settle, "strategies", len(engineCfg.Strategies))

	// No-ops when built with no_automation or no_mqtt.
	auto, autoWebOpts := initAutomation(cmdr, cfg, logger)
	mqtt, mqttWebOpts := initMQTT(cmdr, cfg, logger)

	webOpts := []web.ServerOption{web.WithVersion(version)}
	if cfg.Web.APIKey != "" {
		webOpts = append(webOpts, web.WithAPIKey(cfg.Web.APIKey))
	}
	if len(cfg.Web.AllowedOrigins) > 0 {
		webOpts = append(webOpts, web.WithAllowedOrigins(cfg.Web.AllowedOrigins))
	}
	webOpts = append(webOpts, autoWebOpts...)
	webOpts = append(webOpts, mqttWebOpts...)
	webServer := web.NewServer(cmdr, logger, webOpts...)

	httpServer := &http.Server{
		Addr:              cfg.Web.Listen,
		Handler:           webServer,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		logger.Info("web server starting", "addr", cfg.Web.Listen)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", "err", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	signal.Stop(sigCh)
	logger.Info("shutting down", "signal", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	auto.Stop()
	mqtt.Stop()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", "err", err)
	}
	webServer.Stop()

	logger.Info("goodbye")
	return exitSuccess
}
