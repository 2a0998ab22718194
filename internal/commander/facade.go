package commander

import (
	"context"
	"fmt"

	"bacnet-override/internal/bacnet"
	"bacnet-override/internal/stack"
)

// Read returns the first value of a property. An empty value list reads as
// Null. An unclassifiable primitive is returned as an opaque fallback value,
// not an error.
func (c *Commander) Read(ctx context.Context, addr bacnet.PropertyAddress) (bacnet.Value, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.read(ctx, addr)
}

// Write encodes v and writes it to addr. A priority of 0 sends none.
func (c *Commander) Write(ctx context.Context, addr bacnet.PropertyAddress, v bacnet.Value, priority int) error {
	data, err := bacnet.Encode(v)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writeRaw(ctx, addr, stack.Payload{Data: data}, priority)
}

// WriteRaw sends an already encoded value parameter.
func (c *Commander) WriteRaw(ctx context.Context, addr bacnet.PropertyAddress, payload stack.Payload, priority int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writeRaw(ctx, addr, payload, priority)
}

// ReadArray reads the 16 priority slots of object one request at a time.
// Any failing slot aborts the whole read.
func (c *Commander) ReadArray(ctx context.Context, device string, object bacnet.ObjectReference) (bacnet.PriorityArray, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readArray(ctx, device, object)
}

// Effective reads the priority array and resolves the value in control. The
// relinquish default is read only when every slot is Null.
func (c *Commander) Effective(ctx context.Context, device string, object bacnet.ObjectReference) (bacnet.PriorityArray, bacnet.EffectiveValue, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	arr, err := c.readArray(ctx, device, object)
	if err != nil {
		return arr, bacnet.EffectiveValue{}, err
	}
	if s, ok := arr.Highest(); ok {
		return arr, bacnet.EffectiveValue{Value: s.Value, Slot: s.Index}, nil
	}
	addr := bacnet.PropertyAddress{Device: device, Object: object, Property: bacnet.PropRelinquishDefault}
	def, err := c.read(ctx, addr)
	if err != nil {
		return arr, bacnet.EffectiveValue{}, err
	}
	return arr, bacnet.ResolveEffective(arr, def), nil
}

func (c *Commander) read(ctx context.Context, addr bacnet.PropertyAddress) (bacnet.Value, error) {
	raw, err := c.stack.ReadProperty(ctx, addr)
	if err != nil {
		return bacnet.Value{}, err
	}
	vals, err := bacnet.DecodeAll(raw)
	if err != nil {
		return bacnet.Value{}, fmt.Errorf("%s: %w: %v", addr, ErrDecode, err)
	}
	v := bacnet.Null()
	if len(vals) > 0 {
		v = vals[0]
	}
	if v.Fallback() {
		c.logger.Warn("degraded decode", "address", addr.String(), "value", v.String())
	}
	c.logger.Debug("read", "address", addr.String(), "value", v.String())
	c.events.Emit(Event{Type: EventPropertyRead, Data: map[string]interface{}{
		"device":   addr.Device,
		"object":   addr.Object.String(),
		"property": addr.Property.String(),
		"index":    indexOf(addr),
		"value":    v.Interface(),
		"type":     v.Kind.String(),
	}})
	return v, nil
}

func (c *Commander) writeRaw(ctx context.Context, addr bacnet.PropertyAddress, payload stack.Payload, priority int) error {
	if priority != 0 && !bacnet.ValidSlot(priority) {
		return invalidf("priority %d out of range 1-16", priority)
	}
	if err := c.stack.WriteProperty(ctx, addr, payload, priority); err != nil {
		return err
	}
	c.logger.Debug("write acknowledged", "address", addr.String(), "priority", priority, "omit", payload.Omit, "bytes", len(payload.Data))
	c.events.Emit(Event{Type: EventPropertyWritten, Data: map[string]interface{}{
		"device":   addr.Device,
		"object":   addr.Object.String(),
		"property": addr.Property.String(),
		"index":    indexOf(addr),
		"priority": priority,
	}})
	return nil
}

func (c *Commander) readArray(ctx context.Context, device string, object bacnet.ObjectReference) (bacnet.PriorityArray, error) {
	var arr bacnet.PriorityArray
	base := bacnet.PropertyAddress{Device: device, Object: object, Property: bacnet.PropPriorityArray}
	for i := 1; i <= bacnet.PrioritySlots; i++ {
		v, err := c.read(ctx, base.WithIndex(uint32(i)))
		if err != nil {
			return arr, fmt.Errorf("priority slot %d: %w", i, err)
		}
		arr.Set(i, v)
	}
	return arr, nil
}

func indexOf(addr bacnet.PropertyAddress) interface{} {
	if addr.ArrayIndex == nil {
		return nil
	}
	return *addr.ArrayIndex
}
