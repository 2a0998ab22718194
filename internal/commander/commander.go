// Package commander reads and overrides commandable BACnet properties. It
// owns the property access facade over a stack.Stack and the
// override/relinquish engine that writes priority slots and verifies them by
// reading back.
package commander

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"bacnet-override/internal/bacnet"
	"bacnet-override/internal/stack"
	"bacnet-override/internal/store"
)

// Config holds engine settings.
type Config struct {
	// Settle is the wait between an accepted write and its read-back.
	Settle time.Duration
	// Strategies is the relinquish order; each is tried at most once.
	Strategies []Strategy
	// Tolerance is the numeric slack allowed when verifying a read-back.
	Tolerance float64
	// DefaultPriority is used by callers that do not name a slot.
	DefaultPriority int
}

const (
	DefaultSettle    = 500 * time.Millisecond
	DefaultTolerance = 1e-4
	DefaultPriority  = 8
)

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		Settle:          DefaultSettle,
		Strategies:      append([]Strategy(nil), DefaultStrategies...),
		Tolerance:       DefaultTolerance,
		DefaultPriority: DefaultPriority,
	}
}

// Validate rejects settings the engine cannot run with.
func (c Config) Validate() error {
	if c.Settle < 0 {
		return fmt.Errorf("settle %s is negative", c.Settle)
	}
	if c.Tolerance < 0 {
		return fmt.Errorf("tolerance %g is negative", c.Tolerance)
	}
	if !bacnet.ValidSlot(c.DefaultPriority) {
		return fmt.Errorf("default priority %d out of range 1-16", c.DefaultPriority)
	}
	if len(c.Strategies) == 0 {
		return fmt.Errorf("no relinquish strategies")
	}
	seen := make(map[Strategy]bool)
	for _, s := range c.Strategies {
		if _, ok := strategyNames[s]; !ok {
			return fmt.Errorf("unknown relinquish strategy %d", s)
		}
		if seen[s] {
			return fmt.Errorf("relinquish strategy %s listed twice", s)
		}
		seen[s] = true
	}
	return nil
}

// Point is a named commandable object.
type Point struct {
	Name     string                 `json:"name"`
	Device   string                 `json:"device"`
	Object   bacnet.ObjectReference `json:"object"`
	Priority int                    `json:"priority,omitempty"`
	Hint     bacnet.TypeHint        `json:"type"`
}

// Address returns the presentValue address of the point.
func (p Point) Address() bacnet.PropertyAddress {
	return bacnet.PropertyAddress{Device: p.Device, Object: p.Object, Property: bacnet.PropPresentValue}
}

// ValueHint returns the configured type, or the object type's presentValue
// primitive when none is set.
func (p Point) ValueHint() bacnet.TypeHint {
	if p.Hint != bacnet.HintNone {
		return p.Hint
	}
	return p.Object.Type.PresentValueHint()
}

// Slot returns the point priority, falling back to def.
func (p Point) Slot(def int) int {
	if p.Priority != 0 {
		return p.Priority
	}
	return def
}

// Record converts the point into its journal form.
func (p Point) Record() *store.Point {
	sp := &store.Point{Name: p.Name, Device: p.Device, Object: p.Object.String(), Priority: p.Priority, UpdatedAt: time.Now()}
	if p.Hint != bacnet.HintNone {
		sp.Type = p.Hint.String()
	}
	return sp
}

// Validate rejects points the engine could never command.
func (p Point) Validate() error {
	switch {
	case p.Name == "":
		return invalidf("point name is empty")
	case p.Device == "":
		return invalidf("point %s: device is empty", p.Name)
	case !p.Object.Type.Commandable():
		return invalidf("point %s: %s is not commandable", p.Name, p.Object.Type)
	case p.Priority != 0 && !bacnet.ValidSlot(p.Priority):
		return invalidf("point %s: priority %d out of range 1-16", p.Name, p.Priority)
	}
	return nil
}

// PointFromStore converts a journal point.
func PointFromStore(sp *store.Point) (Point, error) {
	obj, err := bacnet.ParseObjectReference(sp.Object)
	if err != nil {
		return Point{}, fmt.Errorf("point %s: %w", sp.Name, err)
	}
	hint, err := bacnet.ParseTypeHint(sp.Type)
	if err != nil {
		return Point{}, fmt.Errorf("point %s: %w", sp.Name, err)
	}
	if sp.Priority != 0 && !bacnet.ValidSlot(sp.Priority) {
		return Point{}, fmt.Errorf("point %s: priority %d out of range 1-16", sp.Name, sp.Priority)
	}
	return Point{Name: sp.Name, Device: sp.Device, Object: obj, Priority: sp.Priority, Hint: hint}, nil
}

// Commander serializes every request to the device through one stack.
type Commander struct {
	stack  stack.Stack
	store  store.Store // optional journal
	events *EventBus
	logger *slog.Logger
	config Config

	mu sync.Mutex // one request in flight

	pointsMu sync.RWMutex
	points   map[string]Point
}

// New creates a Commander. st may be nil, in which case sessions are not
// journaled.
func New(stk stack.Stack, st store.Store, events *EventBus, cfg Config, logger *slog.Logger) *Commander {
	if events == nil {
		events = NewEventBus(logger)
	}
	return &Commander{
		stack:  stk,
		store:  st,
		events: events,
		logger: logger.With("component", "commander"),
		config: cfg,
		points: make(map[string]Point),
	}
}

// Events returns the event bus.
func (c *Commander) Events() *EventBus { return c.events }

// Config returns the engine settings.
func (c *Commander) Config() Config { return c.config }

// Store returns the journal, or nil.
func (c *Commander) Store() store.Store { return c.store }

// SetPoint adds or replaces a named point.
func (c *Commander) SetPoint(p Point) {
	c.pointsMu.Lock()
	c.points[p.Name] = p
	c.pointsMu.Unlock()
}

// RemovePoint forgets a named point.
func (c *Commander) RemovePoint(name string) {
	c.pointsMu.Lock()
	delete(c.points, name)
	c.pointsMu.Unlock()
}

// Point looks up a named point.
func (c *Commander) Point(name string) (Point, error) {
	c.pointsMu.RLock()
	defer c.pointsMu.RUnlock()
	p, ok := c.points[name]
	if !ok {
		return Point{}, fmt.Errorf("%w: %s", ErrUnknownPoint, name)
	}
	return p, nil
}

// Points returns all named points sorted by name.
func (c *Commander) Points() []Point {
	c.pointsMu.RLock()
	out := make([]Point, 0, len(c.points))
	for _, p := range c.points {
		out = append(out, p)
	}
	c.pointsMu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// LoadPoints registers every point saved in the journal. Malformed entries
// are logged and skipped.
func (c *Commander) LoadPoints() error {
	if c.store == nil {
		return nil
	}
	saved, err := c.store.ListPoints()
	if err != nil {
		return fmt.Errorf("list points: %w", err)
	}
	for _, sp := range saved {
		p, err := PointFromStore(sp)
		if err != nil {
			c.logger.Warn("skip stored point", "err", err)
			continue
		}
		c.SetPoint(p)
	}
	return nil
}

// SavePoint validates p, persists it when a journal is configured and
// registers it.
func (c *Commander) SavePoint(p Point) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if c.store != nil {
		if err := c.store.SavePoint(p.Record()); err != nil {
			return fmt.Errorf("save point: %w", err)
		}
	}
	c.SetPoint(p)
	return nil
}

// DeletePoint forgets a point and removes it from the journal.
func (c *Commander) DeletePoint(name string) error {
	if _, err := c.Point(name); err != nil {
		return err
	}
	if c.store != nil {
		if err := c.store.DeletePoint(name); err != nil && !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("delete point: %w", err)
		}
	}
	c.RemovePoint(name)
	return nil
}
