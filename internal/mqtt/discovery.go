//go:build !no_mqtt

package mqtt

import (
	"fmt"
	"strings"

	"bacnet-override/internal/bacnet"
	"bacnet-override/internal/commander"
)

// discoveryMsg is a Home Assistant MQTT discovery payload.
type discoveryMsg struct {
	Topic   string // e.g. "homeassistant/number/bacnet_ahu1_supply_temp/value/config"
	Payload []byte // JSON, empty means delete
}

// haDevice is the "device" block in HA discovery.
type haDevice struct {
	Identifiers  []string `json:"identifiers"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty"`
	Name         string   `json:"name"`
}

// haDiscovery is a generic HA discovery payload.
type haDiscovery struct {
	Name              string   `json:"name"`
	UniqueID          string   `json:"unique_id"`
	StateTopic        string   `json:"state_topic,omitempty"`
	CommandTopic      string   `json:"command_topic,omitempty"`
	AvailabilityTopic string   `json:"availability_topic"`
	ValueTemplate     string   `json:"value_template,omitempty"`
	CommandTemplate   string   `json:"command_template,omitempty"`
	PayloadOn         string   `json:"payload_on,omitempty"`
	PayloadOff        string   `json:"payload_off,omitempty"`
	PayloadPress      string   `json:"payload_press,omitempty"`
	Min               *float64 `json:"min,omitempty"`
	Max               *float64 `json:"max,omitempty"`
	Step              float64  `json:"step,omitempty"`
	Mode              string   `json:"mode,omitempty"`
	Icon              string   `json:"icon,omitempty"`
	Device            haDevice `json:"device"`
}

// deviceIdentifier returns the HA device registry id for a BACnet device
// address.
func deviceIdentifier(device string) string {
	return "bacnet_" + sanitize(device)
}

// pointTopicName returns the topic segment for a point.
func pointTopicName(name string) string {
	return sanitize(name)
}

// sanitize lowercases s and keeps only characters safe for MQTT topics and HA
// ids.
func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			return r
		}
		return '_'
	}, strings.ToLower(s))
}

// buildDiscovery generates HA discovery messages for a point: one entity that
// commands the point at its priority, and a button that relinquishes it.
func buildDiscovery(p commander.Point, prefix string) []discoveryMsg {
	avail := prefix + "/bridge/state"
	topicName := pointTopicName(p.Name)
	stateTopic := prefix + "/" + topicName
	cmdTopic := stateTopic + "/set"
	nodeID := "bacnet_" + topicName

	haDev := haDevice{
		Identifiers:  []string{deviceIdentifier(p.Device)},
		Manufacturer: "BACnet",
		Model:        "device " + p.Device,
		Name:         "BACnet " + p.Device,
	}

	var msgs []discoveryMsg
	switch p.ValueHint() {
	case bacnet.HintBoolean, bacnet.HintEnumerated:
		msgs = append(msgs, buildSwitch(nodeID, p.Name, stateTopic, cmdTopic, avail, haDev))
	case bacnet.HintReal:
		msgs = append(msgs, buildNumber(nodeID, p.Name, stateTopic, cmdTopic, avail, haDev, 0.01, nil))
	case bacnet.HintUnsigned:
		min := 0.0
		if p.Object.Type.MultiState() {
			min = 1
		}
		msgs = append(msgs, buildNumber(nodeID, p.Name, stateTopic, cmdTopic, avail, haDev, 1, &min))
	default:
		msgs = append(msgs, buildSensor(nodeID, p.Name, stateTopic, avail, haDev))
	}

	msgs = append(msgs, buildRelease(nodeID, p.Name, cmdTopic, avail, haDev))
	return msgs
}

func buildNumber(nodeID, displayName, stateTopic, cmdTopic, avail string, haDev haDevice, step float64, min *float64) discoveryMsg {
	topic := fmt.Sprintf("homeassistant/number/%s/value/config", nodeID)
	payload := haDiscovery{
		Name:              displayName,
		UniqueID:          nodeID + "_value",
		StateTopic:        stateTopic,
		CommandTopic:      cmdTopic,
		AvailabilityTopic: avail,
		ValueTemplate:     "{{ value_json.value }}",
		Min:               min,
		Step:              step,
		Mode:              "box",
		Device:            haDev,
	}
	if min == nil {
		lo, hi := -1e6, 1e6
		payload.Min, payload.Max = &lo, &hi
	}
	return discoveryMsg{Topic: topic, Payload: mustJSON(payload)}
}

func buildSwitch(nodeID, displayName, stateTopic, cmdTopic, avail string, haDev haDevice) discoveryMsg {
	topic := fmt.Sprintf("homeassistant/switch/%s/value/config", nodeID)
	payload := haDiscovery{
		Name:              displayName,
		UniqueID:          nodeID + "_value",
		StateTopic:        stateTopic,
		CommandTopic:      cmdTopic,
		AvailabilityTopic: avail,
		ValueTemplate:     "{{ 'ON' if value_json.value in [1, true] else 'OFF' }}",
		PayloadOn:         "ON",
		PayloadOff:        "OFF",
		Device:            haDev,
	}
	return discoveryMsg{Topic: topic, Payload: mustJSON(payload)}
}

func buildSensor(nodeID, displayName, stateTopic, avail string, haDev haDevice) discoveryMsg {
	topic := fmt.Sprintf("homeassistant/sensor/%s/value/config", nodeID)
	payload := haDiscovery{
		Name:              displayName,
		UniqueID:          nodeID + "_value",
		StateTopic:        stateTopic,
		AvailabilityTopic: avail,
		ValueTemplate:     "{{ value_json.value }}",
		Device:            haDev,
	}
	return discoveryMsg{Topic: topic, Payload: mustJSON(payload)}
}

func buildRelease(nodeID, displayName, cmdTopic, avail string, haDev haDevice) discoveryMsg {
	topic := fmt.Sprintf("homeassistant/button/%s/release/config", nodeID)
	payload := haDiscovery{
		Name:              displayName + " Release",
		UniqueID:          nodeID + "_release",
		CommandTopic:      cmdTopic,
		AvailabilityTopic: avail,
		PayloadPress:      `{"release":true}`,
		Icon:              "mdi:hand-back-left-off",
		Device:            haDev,
	}
	return discoveryMsg{Topic: topic, Payload: mustJSON(payload)}
}

// buildRemoveDiscovery generates empty retained messages to remove a point
// from HA.
func buildRemoveDiscovery(name string) []discoveryMsg {
	nodeID := "bacnet_" + pointTopicName(name)

	components := []struct{ comp, obj string }{
		{"number", "value"},
		{"switch", "value"},
		{"sensor", "value"},
		{"button", "release"},
	}

	var msgs []discoveryMsg
	for _, c := range components {
		msgs = append(msgs, discoveryMsg{
			Topic:   fmt.Sprintf("homeassistant/%s/%s/%s/config", c.comp, nodeID, c.obj),
			Payload: nil, // empty retained = delete
		})
	}
	return msgs
}
