//go:build no_automation

package main

import (
	"errors"
	"log/slog"
	"time"

	"bacnet-override/internal/commander"
	"bacnet-override/internal/web"
)

type autoStopper struct{}

func (a *autoStopper) Stop() {}

func initAutomation(_ *commander.Commander, _ *Config, _ *slog.Logger) (*autoStopper, []web.ServerOption) {
	return &autoStopper{}, nil
}

func runScriptFile(_ *commander.Commander, _ *Config, _ *slog.Logger, _ string, _ time.Duration) ([]string, error) {
	return nil, errors.New("built without automation support")
}
