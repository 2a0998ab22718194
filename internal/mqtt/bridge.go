//go:build !no_mqtt

package mqtt

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"bacnet-override/internal/bacnet"
	"bacnet-override/internal/commander"
)

// commandTimeout bounds one override or relinquish triggered over MQTT.
const commandTimeout = 30 * time.Second

// Config holds MQTT bridge configuration.
type Config struct {
	Broker      string
	Username    string
	Password    string
	TopicPrefix string
	ClientID    string
}

// Bridge connects the commander's named points to MQTT with HA autodiscovery.
type Bridge struct {
	client pahomqtt.Client
	cmdr   *commander.Commander
	prefix string
	logger *slog.Logger
	unsub  func()
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Per-point state accumulator.
	mu     sync.Mutex
	states map[string]map[string]any // point name -> state
}

func newBridge(cmdr *commander.Commander, cfg Config, logger *slog.Logger) *Bridge {
	ctx, cancel := context.WithCancel(context.Background())
	return &Bridge{
		cmdr:   cmdr,
		prefix: cfg.TopicPrefix,
		logger: logger.With("component", "mqtt"),
		states: make(map[string]map[string]any),
		ctx:    ctx,
		cancel: cancel,
	}
}

// NewBridge creates and connects an MQTT bridge.
func NewBridge(cmdr *commander.Commander, cfg Config, logger *slog.Logger) (*Bridge, error) {
	b := newBridge(cmdr, cfg, logger)

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "bacnet-override"
	}
	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetWill(cfg.TopicPrefix+"/bridge/state", "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			b.logger.Info("MQTT connected")
			b.publishBridgeState("online")
			b.publishAllDiscovery()
			b.subscribeCommands()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.logger.Warn("MQTT connection lost", "err", err)
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	// OnConnect runs on the client goroutine once the connection is up; it
	// reads b.client, so assign before connecting.
	b.client = pahomqtt.NewClient(opts)
	token := b.client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		b.cancel()
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		b.cancel()
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return b, nil
}

// Start subscribes to commander events and begins MQTT publishing.
func (b *Bridge) Start() {
	b.unsub = b.cmdr.Events().OnAll(b.handleEvent)
	b.logger.Info("MQTT bridge started", "prefix", b.prefix, "points", len(b.cmdr.Points()))
}

// Stop publishes offline state, unsubscribes, and disconnects.
func (b *Bridge) Stop() {
	b.cancel()
	if b.unsub != nil {
		b.unsub()
	}
	b.wg.Wait()
	b.publishBridgeState("offline")
	b.client.Disconnect(1000)
	b.logger.Info("MQTT bridge stopped")
}

// Announce publishes discovery for a point added after connecting.
func (b *Bridge) Announce(p commander.Point) {
	b.publishPointDiscovery(p)
}

// Withdraw removes a point from HA and clears its retained state.
func (b *Bridge) Withdraw(name string) {
	for _, msg := range buildRemoveDiscovery(name) {
		b.publish(msg.Topic, msg.Payload, true)
	}
	b.publish(b.prefix+"/"+pointTopicName(name), nil, true)

	b.mu.Lock()
	delete(b.states, name)
	b.mu.Unlock()
}

// handleEvent runs on the commander goroutine with the request lock held.
// Anything that calls back into the commander is started on its own
// goroutine.
func (b *Bridge) handleEvent(event commander.Event) {
	switch event.Type {
	case commander.EventPropertyRead:
		b.handlePropertyRead(event)
	case commander.EventSessionDone:
		b.handleSessionDone(event)
	}
}

func (b *Bridge) handlePropertyRead(event commander.Event) {
	data, ok := event.Data.(map[string]interface{})
	if !ok {
		return
	}
	if prop, _ := data["property"].(string); prop != bacnet.PropPresentValue.String() || data["index"] != nil {
		return
	}
	p, ok := b.pointFor(data)
	if !ok {
		return
	}
	b.updateAndPublishState(p.Name, map[string]any{
		"value":     data["value"],
		"type":      data["type"],
		"last_read": time.Now().Format(time.RFC3339),
	})
}

func (b *Bridge) handleSessionDone(event commander.Event) {
	data, ok := event.Data.(map[string]interface{})
	if !ok {
		return
	}
	b.publish(b.prefix+"/session", mustJSON(data), false)

	if prop, _ := data["property"].(string); prop != bacnet.PropPresentValue.String() {
		return
	}
	p, ok := b.pointFor(data)
	if !ok {
		return
	}
	last := map[string]any{
		"id":    data["id"],
		"kind":  data["kind"],
		"slot":  data["slot"],
		"state": data["state"],
	}
	if e, ok := data["error"]; ok {
		last["error"] = e
	}
	b.updateAndPublishState(p.Name, map[string]any{"last_session": last})

	// Relinquish verifies the slot, not presentValue; refresh the value.
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.refresh(p)
	}()
}

func (b *Bridge) refresh(p commander.Point) {
	ctx, cancel := context.WithTimeout(b.ctx, commandTimeout)
	defer cancel()
	if _, err := b.cmdr.Read(ctx, p.Address()); err != nil && b.ctx.Err() == nil {
		b.logger.Warn("refresh point failed", "point", p.Name, "err", err)
	}
}

// pointFor finds the registered point an event refers to.
func (b *Bridge) pointFor(data map[string]interface{}) (commander.Point, bool) {
	device, _ := data["device"].(string)
	object, _ := data["object"].(string)
	for _, p := range b.cmdr.Points() {
		if p.Device == device && p.Object.String() == object {
			return p, true
		}
	}
	return commander.Point{}, false
}

func (b *Bridge) updateAndPublishState(name string, fields map[string]any) {
	b.mu.Lock()
	state, ok := b.states[name]
	if !ok {
		state = make(map[string]any)
		b.states[name] = state
	}
	for k, v := range fields {
		state[k] = v
	}
	payload := mustJSON(state)
	b.mu.Unlock()

	b.publish(b.prefix+"/"+pointTopicName(name), payload, true)
}

func (b *Bridge) publishBridgeState(state string) {
	topic := b.prefix + "/bridge/state"
	b.publish(topic, []byte(state), true)
}

func (b *Bridge) publishAllDiscovery() {
	for _, p := range b.cmdr.Points() {
		b.publishPointDiscovery(p)
	}
}

func (b *Bridge) publishPointDiscovery(p commander.Point) {
	for _, msg := range buildDiscovery(p, b.prefix) {
		b.publish(msg.Topic, msg.Payload, true)
	}
	b.logger.Info("published HA discovery", "point", p.Name, "object", p.Object.String())
}

// subscribeCommands listens on <prefix>/+/set so points added later need no
// new subscription.
func (b *Bridge) subscribeCommands() {
	topic := b.prefix + "/+/set"
	b.client.Subscribe(topic, 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		b.handleMessage(msg.Topic(), msg.Payload())
	})
}

func (b *Bridge) handleMessage(topic string, payload []byte) {
	rest := strings.TrimPrefix(topic, b.prefix+"/")
	name := strings.TrimSuffix(rest, "/set")
	if name == rest || strings.Contains(name, "/") {
		return
	}
	for _, p := range b.cmdr.Points() {
		if pointTopicName(p.Name) == name {
			b.handleCommand(p, payload)
			return
		}
	}
	b.logger.Warn("command for unknown point", "topic", topic)
}

// pointCommand is a decoded <prefix>/<point>/set message.
type pointCommand struct {
	Release  bool
	Value    bacnet.Value
	Priority int
}

// parseCommand accepts either a JSON object
// {"value": ..., "priority": n} / {"release": true, "priority": n}
// or a bare literal such as "21.5", "ON" or "release".
func parseCommand(p commander.Point, payload []byte, defPriority int) (pointCommand, error) {
	cmd := pointCommand{Priority: p.Slot(defPriority)}
	hint := p.ValueHint()

	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var raw struct {
			Value    json.RawMessage `json:"value"`
			Priority int             `json:"priority"`
			Release  bool            `json:"release"`
		}
		if err := json.Unmarshal(trimmed, &raw); err != nil {
			return cmd, fmt.Errorf("invalid command JSON: %w", err)
		}
		if raw.Priority != 0 {
			if !bacnet.ValidSlot(raw.Priority) {
				return cmd, fmt.Errorf("priority %d out of range 1-16", raw.Priority)
			}
			cmd.Priority = raw.Priority
		}
		if raw.Release {
			cmd.Release = true
			return cmd, nil
		}
		if len(raw.Value) == 0 {
			return cmd, errors.New("command has neither value nor release")
		}
		var host interface{}
		if err := json.Unmarshal(raw.Value, &host); err != nil {
			return cmd, fmt.Errorf("invalid value: %w", err)
		}
		var (
			v   bacnet.Value
			err error
		)
		switch h := host.(type) {
		case string:
			v, err = bacnet.ParseLiteral(h, hint)
		case nil:
			cmd.Release = true
			return cmd, nil
		default:
			v, err = bacnet.FromHost(h, hint)
		}
		if err != nil {
			return cmd, err
		}
		cmd.Value = v
		return cmd, nil
	}

	text := string(trimmed)
	switch strings.ToLower(text) {
	case "", "null", "release", "relinquish":
		cmd.Release = true
		return cmd, nil
	}
	v, err := bacnet.ParseLiteral(text, hint)
	if err != nil {
		return cmd, err
	}
	cmd.Value = v
	return cmd, nil
}

func (b *Bridge) handleCommand(p commander.Point, payload []byte) {
	cmd, err := parseCommand(p, payload, b.cmdr.Config().DefaultPriority)
	if err != nil {
		b.logger.Warn("invalid command", "point", p.Name, "err", err)
		return
	}

	ctx, cancel := context.WithTimeout(b.ctx, commandTimeout)
	defer cancel()

	if cmd.Release {
		if _, err := b.cmdr.Relinquish(ctx, p.Address(), cmd.Priority); err != nil {
			b.logger.Warn("relinquish command failed", "point", p.Name, "slot", cmd.Priority, "err", err)
		}
		return
	}
	if _, err := b.cmdr.Override(ctx, p.Address(), cmd.Priority, cmd.Value); err != nil {
		b.logger.Warn("override command failed", "point", p.Name, "slot", cmd.Priority, "value", cmd.Value.String(), "err", err)
	}
}

func (b *Bridge) publish(topic string, payload []byte, retained bool) {
	token := b.client.Publish(topic, 1, retained, payload)
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			b.logger.Warn("MQTT publish timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT publish error", "topic", topic, "err", err)
		}
	}()
}

func mustJSON(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
