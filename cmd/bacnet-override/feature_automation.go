//go:build !no_automation

package main

import (
	"errors"
	"log/slog"
	"time"

	"bacnet-override/internal/automation"
	"bacnet-override/internal/commander"
	"bacnet-override/internal/web"
)

type autoStopper struct {
	engine *automation.Engine
}

func (a *autoStopper) Stop() {
	if a.engine != nil {
		a.engine.Stop()
	}
}

func newEngine(cmdr *commander.Commander, mgr *automation.Manager, cfg *Config, logger *slog.Logger) *automation.Engine {
	return automation.NewEngine(cmdr, mgr, logger,
		automation.SystemConfig{
			ExecAllowlist: cfg.Exec.Allowlist,
			ExecTimeout:   cfg.execTimeout(logger),
		},
		automation.TelegramConfig{
			BotToken: cfg.Telegram.BotToken,
			ChatIDs:  cfg.Telegram.ChatIDs,
		},
	)
}

func initAutomation(cmdr *commander.Commander, cfg *Config, logger *slog.Logger) (*autoStopper, []web.ServerOption) {
	scriptMgr, err := automation.NewManager(cfg.ScriptsDir)
	if err != nil {
		logger.Error("create script manager", "err", err)
		return &autoStopper{}, nil
	}

	engine := newEngine(cmdr, scriptMgr, cfg, logger)
	engine.Start()

	opts := []web.ServerOption{
		web.WithAutomation(engine, scriptMgr),
	}
	return &autoStopper{engine: engine}, opts
}

// runScriptFile runs a Lua file once and returns its bacnet.log output.
func runScriptFile(cmdr *commander.Commander, cfg *Config, logger *slog.Logger, path string, timeout time.Duration) ([]string, error) {
	script, err := automation.LoadScript(path)
	if err != nil {
		return nil, err
	}
	engine := newEngine(cmdr, nil, cfg, logger)
	engine.SetRunTimeout(timeout)
	res := engine.RunLuaCode(script.LuaCode)
	if !res.OK {
		return res.Logs, errors.New(res.Error)
	}
	return res.Logs, nil
}
