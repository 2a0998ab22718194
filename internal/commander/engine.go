package commander

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bacnet-override/internal/bacnet"
	"bacnet-override/internal/stack"
)

// Override writes v into priority slot of target, waits the settle interval,
// and reads target back once. The returned error is session.Err; the session
// is nil only when the arguments are rejected before any request.
func (c *Commander) Override(ctx context.Context, target bacnet.PropertyAddress, slot int, v bacnet.Value) (*Session, error) {
	if err := checkCommandable(target, slot); err != nil {
		return nil, err
	}
	if v.IsNull() {
		return nil, invalidf("override with NULL; relinquish the slot instead")
	}
	data, err := bacnet.Encode(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	s := newSession(KindOverride, target, slot, v)
	c.logger.Info("override", "session", s.ID, "address", target.String(), "slot", slot, "value", v.String())
	c.transition(s, StateWriting)
	if err := c.writeRaw(ctx, target, stack.Payload{Data: data}, slot); err != nil {
		return c.fail(s, err)
	}
	return c.verify(ctx, s, target, v)
}

// Relinquish releases priority slot of target. It walks the configured
// strategies in order, one write each, and stops at the first the device
// accepts. It then verifies that priorityArray[slot] reads back Null.
func (c *Commander) Relinquish(ctx context.Context, target bacnet.PropertyAddress, slot int) (*Session, error) {
	if err := checkCommandable(target, slot); err != nil {
		return nil, err
	}
	if target.Property != bacnet.PropPresentValue || target.ArrayIndex != nil {
		return nil, invalidf("relinquish applies to presentValue, not %s", target.Property)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	s := newSession(KindRelinquish, target, slot, bacnet.Null())
	c.logger.Info("relinquish", "session", s.ID, "address", target.String(), "slot", slot, "strategies", len(c.config.Strategies))
	c.transition(s, StateWriting)

	var lastErr error
	accepted := false
	for _, strat := range c.config.Strategies {
		err := c.writeRaw(ctx, target, strat.Payload(), slot)
		s.Attempts = append(s.Attempts, Attempt{Strategy: strat, Err: err})
		if err == nil {
			c.logger.Info("relinquish strategy accepted", "session", s.ID, "strategy", strat.String())
			accepted = true
			break
		}
		if !errors.Is(err, ErrReject) && !errors.Is(err, ErrNoResponse) {
			return c.fail(s, err)
		}
		c.logger.Warn("relinquish strategy refused", "session", s.ID, "strategy", strat.String(), "err", err)
		lastErr = err
	}
	if !accepted {
		return c.fail(s, fmt.Errorf("%w after %d attempts: %w", ErrStrategiesExhausted, len(s.Attempts), lastErr))
	}

	slotAddr := target.WithProperty(bacnet.PropPriorityArray).WithIndex(uint32(slot))
	return c.verify(ctx, s, slotAddr, bacnet.Null())
}

// SetOutOfService writes the outOfService flag of object without a priority
// and verifies it. Taking an object out of service decouples presentValue
// from its physical input or output.
func (c *Commander) SetOutOfService(ctx context.Context, device string, object bacnet.ObjectReference, oos bool) (*Session, error) {
	target := bacnet.PropertyAddress{Device: device, Object: object, Property: bacnet.PropOutOfService}
	v := bacnet.Bool(oos)
	data, err := bacnet.Encode(v)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	s := newSession(KindOutOfService, target, 0, v)
	c.logger.Info("out of service", "session", s.ID, "address", target.String(), "value", oos)
	c.transition(s, StateWriting)
	if err := c.writeRaw(ctx, target, stack.Payload{Data: data}, 0); err != nil {
		return c.fail(s, err)
	}
	return c.verify(ctx, s, target, v)
}

// WriteVerified writes v to any property, waits the settle interval and reads
// the same address back once. An unindexed presentValue write with a priority
// is a slot override and runs as Override. A priority of 0 sends none.
func (c *Commander) WriteVerified(ctx context.Context, addr bacnet.PropertyAddress, v bacnet.Value, priority int) (*Session, error) {
	if addr.Property == bacnet.PropPresentValue && addr.ArrayIndex == nil && priority != 0 {
		return c.Override(ctx, addr, priority, v)
	}
	if priority != 0 && !bacnet.ValidSlot(priority) {
		return nil, invalidf("priority %d out of range 1-16", priority)
	}
	data, err := bacnet.Encode(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	s := newSession(KindWrite, addr, priority, v)
	c.logger.Info("write", "session", s.ID, "address", addr.String(), "priority", priority, "value", v.String())
	c.transition(s, StateWriting)
	if err := c.writeRaw(ctx, addr, stack.Payload{Data: data}, priority); err != nil {
		return c.fail(s, err)
	}
	return c.verify(ctx, s, addr, v)
}

// verify waits the settle interval, reads addr once, and compares it with want.
func (c *Commander) verify(ctx context.Context, s *Session, addr bacnet.PropertyAddress, want bacnet.Value) (*Session, error) {
	c.transition(s, StateVerifying)
	if err := c.settle(ctx); err != nil {
		return c.fail(s, err)
	}
	got, err := c.read(ctx, addr)
	if err != nil {
		return c.fail(s, fmt.Errorf("read back: %w", err))
	}
	s.ReadBack = &got
	if got.Fallback() && !want.IsNull() {
		c.logger.Warn("read-back not decodable", "session", s.ID, "address", addr.String(), "value", got.String())
	}
	if !got.Equal(want, c.config.Tolerance) {
		return c.fail(s, &VerificationError{Address: addr, Want: want, Got: got})
	}
	return c.succeed(s)
}

func (c *Commander) settle(ctx context.Context) error {
	if c.config.Settle <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(c.config.Settle)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Commander) transition(s *Session, next State) {
	prev := s.State
	s.State = next
	c.logger.Debug("session state", "session", s.ID, "from", prev.String(), "to", next.String())
	c.events.Emit(Event{Type: EventSessionState, Data: s.eventData()})
}

func (c *Commander) fail(s *Session, err error) (*Session, error) {
	s.Err = err
	c.finish(s, StateFailed)
	c.logger.Warn("session failed", "session", s.ID, "kind", string(s.Kind), "address", s.Target.String(), "attempts", len(s.Attempts), "err", err)
	return s, err
}

func (c *Commander) succeed(s *Session) (*Session, error) {
	c.finish(s, StateSucceeded)
	c.logger.Info("session verified", "session", s.ID, "kind", string(s.Kind), "address", s.Target.String(), "duration", s.Duration())
	return s, nil
}

func (c *Commander) finish(s *Session, state State) {
	s.Finished = time.Now()
	c.transition(s, state)
	if c.store != nil {
		if err := c.store.SaveSession(s.Record()); err != nil {
			c.logger.Error("journal session", "session", s.ID, "err", err)
		}
	}
	c.events.Emit(Event{Type: EventSessionDone, Data: s.eventData()})
}

func checkCommandable(target bacnet.PropertyAddress, slot int) error {
	if !bacnet.ValidSlot(slot) {
		return invalidf("priority %d out of range 1-16", slot)
	}
	if !target.Object.Type.Commandable() {
		return invalidf("%s is not a commandable object type", target.Object.Type)
	}
	if target.Device == "" {
		return invalidf("no device address")
	}
	return nil
}
