//go:build !no_mqtt

package main

import (
	"log/slog"

	"bacnet-override/internal/commander"
	mqttbridge "bacnet-override/internal/mqtt"
	"bacnet-override/internal/web"
)

type mqttStopper struct {
	bridge *mqttbridge.Bridge
}

func (m *mqttStopper) Stop() {
	if m.bridge != nil {
		m.bridge.Stop()
	}
}

// initMQTT connects the bridge and hands it to the web server so points
// edited through the API are re-announced.
func initMQTT(cmdr *commander.Commander, cfg *Config, logger *slog.Logger) (*mqttStopper, []web.ServerOption) {
	if !cfg.MQTT.Enabled {
		return &mqttStopper{}, nil
	}
	bridge, err := mqttbridge.NewBridge(cmdr, mqttbridge.Config{
		Broker:      cfg.MQTT.Broker,
		Username:    cfg.MQTT.Username,
		Password:    cfg.MQTT.Password,
		TopicPrefix: cfg.MQTT.TopicPrefix,
		ClientID:    cfg.MQTT.ClientID,
	}, logger)
	if err != nil {
		logger.Error("mqtt bridge", "err", err)
		return &mqttStopper{}, nil
	}
	bridge.Start()
	return &mqttStopper{bridge: bridge}, []web.ServerOption{web.WithPointPublisher(bridge)}
}
