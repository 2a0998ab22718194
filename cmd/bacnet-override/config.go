package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"bacnet-override/internal/bacnet"
	"bacnet-override/internal/commander"
	"bacnet-override/internal/stack"
	"bacnet-override/internal/store"
)

type Config struct {
	BACnet struct {
		Local   string `yaml:"local"`   // "0.0.0.0:47808"
		Timeout string `yaml:"timeout"` // per attempt
		Retries int    `yaml:"retries"`
	} `yaml:"bacnet"`
	Engine struct {
		Settle          string   `yaml:"settle"`
		Strategies      []string `yaml:"strategies"`
		DefaultPriority int      `yaml:"default_priority"`
		Tolerance       *float64 `yaml:"tolerance"`
	} `yaml:"engine"`
	Web struct {
		Listen         string   `yaml:"listen"`
		APIKey         string   `yaml:"api_key"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"web"`
	Store struct {
		Path         string `yaml:"path"`
		KeepSessions int    `yaml:"keep_sessions"`
	} `yaml:"store"`
	MQTT struct {
		Enabled     bool   `yaml:"enabled"`
		Broker      string `yaml:"broker"`
		Username    string `yaml:"username"`
		Password    string `yaml:"password"`
		TopicPrefix string `yaml:"topic_prefix"`
		ClientID    string `yaml:"client_id"`
	} `yaml:"mqtt"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	Telegram struct {
		BotToken string   `yaml:"bot_token"`
		ChatIDs  []string `yaml:"chat_ids"`
	} `yaml:"telegram"`
	Exec struct {
		Allowlist []string `yaml:"allowlist"`
		Timeout   string   `yaml:"timeout"`
	} `yaml:"exec"`
	ScriptsDir string        `yaml:"scripts_dir"`
	Points     []PointConfig `yaml:"points"`
}

// PointConfig is a named point declared in the config file.
type PointConfig struct {
	Name        string `yaml:"name"`
	Device      string `yaml:"device"`
	Object      string `yaml:"object"` // "analogValue:1"
	Priority    int    `yaml:"priority"`
	Type        string `yaml:"type"`
	Description string `yaml:"description"`
}

// loadConfig reads path and fills in defaults. A missing file yields the
// defaults when allowMissing is set.
func loadConfig(path string, allowMissing bool) (*Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	case allowMissing && errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("read config: %w", err)
	}

	if cfg.BACnet.Timeout == "" {
		cfg.BACnet.Timeout = "3s"
	}
	if cfg.Engine.Settle == "" {
		cfg.Engine.Settle = commander.DefaultSettle.String()
	}
	if len(cfg.Engine.Strategies) == 0 {
		for _, s := range commander.DefaultStrategies {
			cfg.Engine.Strategies = append(cfg.Engine.Strategies, s.String())
		}
	}
	if cfg.Engine.DefaultPriority == 0 {
		cfg.Engine.DefaultPriority = commander.DefaultPriority
	}
	if cfg.Web.Listen == "" {
		cfg.Web.Listen = "127.0.0.1:8080"
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "bacnet-override.db"
	}
	if cfg.Store.KeepSessions == 0 {
		cfg.Store.KeepSessions = 1000
	}
	if cfg.ScriptsDir == "" {
		cfg.ScriptsDir = "scripts"
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "bacnet"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if _, err := c.engineConfig(); err != nil {
		return err
	}
	if _, err := c.stackConfig(); err != nil {
		return err
	}
	if _, err := c.points(); err != nil {
		return err
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
	}
	return nil
}

func (c *Config) engineConfig() (commander.Config, error) {
	ec := commander.DefaultConfig()
	d, err := time.ParseDuration(c.Engine.Settle)
	if err != nil {
		return ec, fmt.Errorf("engine.settle: %w", err)
	}
	ec.Settle = d
	ec.Strategies = ec.Strategies[:0]
	for _, name := range c.Engine.Strategies {
		s, err := commander.ParseStrategy(name)
		if err != nil {
			return ec, fmt.Errorf("engine.strategies: %w", err)
		}
		ec.Strategies = append(ec.Strategies, s)
	}
	ec.DefaultPriority = c.Engine.DefaultPriority
	if c.Engine.Tolerance != nil {
		ec.Tolerance = *c.Engine.Tolerance
	}
	if err := ec.Validate(); err != nil {
		return ec, fmt.Errorf("engine: %w", err)
	}
	return ec, nil
}

func (c *Config) stackConfig() (stack.Config, error) {
	d, err := time.ParseDuration(c.BACnet.Timeout)
	if err != nil {
		return stack.Config{}, fmt.Errorf("bacnet.timeout: %w", err)
	}
	if d <= 0 {
		return stack.Config{}, fmt.Errorf("bacnet.timeout must be positive, got %s", d)
	}
	// A timeout surfaces as NoResponse to the caller; the stack never re-sends.
	if c.BACnet.Retries != 0 {
		return stack.Config{}, fmt.Errorf("bacnet.retries must be 0, got %d", c.BACnet.Retries)
	}
	return stack.Config{Local: c.BACnet.Local, Timeout: d, Retries: c.BACnet.Retries}, nil
}

// points converts the configured point list, rejecting malformed or
// duplicate entries.
func (c *Config) points() ([]commander.Point, error) {
	out := make([]commander.Point, 0, len(c.Points))
	seen := make(map[string]bool)
	for i, pc := range c.Points {
		p, err := commander.PointFromStore(&store.Point{
			Name:        pc.Name,
			Device:      pc.Device,
			Object:      pc.Object,
			Priority:    pc.Priority,
			Type:        pc.Type,
			Description: pc.Description,
		})
		if err != nil {
			return nil, fmt.Errorf("points[%d]: %w", i, err)
		}
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("points[%d]: %w", i, err)
		}
		if seen[p.Name] {
			return nil, fmt.Errorf("points[%d]: duplicate name %q", i, p.Name)
		}
		seen[p.Name] = true
		out = append(out, p)
	}
	return out, nil
}

func (c *Config) execTimeout(logger *slog.Logger) time.Duration {
	d := 10 * time.Second
	if c.Exec.Timeout != "" {
		if v, err := time.ParseDuration(c.Exec.Timeout); err == nil {
			d = v
		} else {
			logger.Warn("invalid exec.timeout, using default", "value", c.Exec.Timeout, "default", d)
		}
	}
	return d
}

func newLogger(cfg *Config, w io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// hintFor resolves -type: "auto" means the presentValue primitive of the
// object type, or no hint for other properties.
func hintFor(typ string, addr bacnet.PropertyAddress) (bacnet.TypeHint, error) {
	h, err := bacnet.ParseTypeHint(typ)
	if err != nil {
		return bacnet.HintNone, err
	}
	if h == bacnet.HintNone && addr.Property == bacnet.PropPresentValue && addr.ArrayIndex == nil {
		h = addr.Object.Type.PresentValueHint()
	}
	return h, nil
}
