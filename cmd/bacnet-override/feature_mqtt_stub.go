//go:build no_mqtt

package main

import (
	"log/slog"

	"bacnet-override/internal/commander"
	"bacnet-override/internal/web"
)

type mqttStopper struct{}

func (m *mqttStopper) Stop() {}

func initMQTT(_ *commander.Commander, _ *Config, _ *slog.Logger) (*mqttStopper, []web.ServerOption) {
	return &mqttStopper{}, nil
}
