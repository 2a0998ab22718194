package commander

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"

	"bacnet-override/internal/bacnet"
	"bacnet-override/internal/stack"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type propKey struct {
	obj   bacnet.ObjectReference
	prop  bacnet.PropertyID
	index uint32 // 0 = whole property
}

type writeCall struct {
	addr     bacnet.PropertyAddress
	payload  stack.Payload
	priority int
}

// fakeDevice implements stack.Stack over an in-memory object table. Commandable
// objects resolve presentValue from their priority array.
type fakeDevice struct {
	mu sync.Mutex

	arrays     map[bacnet.ObjectReference]*bacnet.PriorityArray
	relDefault map[bacnet.ObjectReference]bacnet.Value
	props      map[propKey][]byte // encoded, served as-is

	// accept lists the relinquish encodings the firmware honors; nil accepts all.
	accept map[Strategy]bool
	// ignoreWrites acknowledges writes without applying them.
	ignoreWrites bool

	readErr  func(addr bacnet.PropertyAddress) error
	writeErr func(n int, addr bacnet.PropertyAddress) error

	reads  []bacnet.PropertyAddress
	writes []writeCall
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{
		arrays:     make(map[bacnet.ObjectReference]*bacnet.PriorityArray),
		relDefault: make(map[bacnet.ObjectReference]bacnet.Value),
		props:      make(map[propKey][]byte),
	}
}

func (d *fakeDevice) addCommandable(obj bacnet.ObjectReference, def bacnet.Value) {
	d.arrays[obj] = &bacnet.PriorityArray{}
	d.relDefault[obj] = def
}

func (d *fakeDevice) setProp(obj bacnet.ObjectReference, prop bacnet.PropertyID, index uint32, v bacnet.Value) {
	data, err := bacnet.Encode(v)
	if err != nil {
		panic(err)
	}
	d.props[propKey{obj, prop, index}] = data
}

func unknownProperty() error {
	return &stack.RejectError{PDU: stack.PDUError, Service: stack.ServiceReadProperty, Class: 2, Code: 32}
}

func (d *fakeDevice) ReadProperty(_ context.Context, addr bacnet.PropertyAddress) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reads = append(d.reads, addr)
	if d.readErr != nil {
		if err := d.readErr(addr); err != nil {
			return nil, err
		}
	}

	var index uint32
	if addr.ArrayIndex != nil {
		index = *addr.ArrayIndex
	}
	if arr, ok := d.arrays[addr.Object]; ok {
		switch addr.Property {
		case bacnet.PropPresentValue:
			return bacnet.Encode(bacnet.ResolveEffective(*arr, d.relDefault[addr.Object]).Value)
		case bacnet.PropPriorityArray:
			if !bacnet.ValidSlot(int(index)) {
				return nil, &stack.RejectError{PDU: stack.PDUError, Class: 2, Code: 42}
			}
			return bacnet.Encode(arr.Slot(int(index)))
		case bacnet.PropRelinquishDefault:
			return bacnet.Encode(d.relDefault[addr.Object])
		}
	}
	data, ok := d.props[propKey{addr.Object, addr.Property, index}]
	if !ok {
		return nil, unknownProperty()
	}
	return data, nil
}

func (d *fakeDevice) WriteProperty(_ context.Context, addr bacnet.PropertyAddress, payload stack.Payload, priority int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.writes = append(d.writes, writeCall{addr: addr, payload: payload, priority: priority})
	if d.writeErr != nil {
		if err := d.writeErr(len(d.writes), addr); err != nil {
			return err
		}
	}

	arr, commandable := d.arrays[addr.Object]
	if commandable && addr.Property == bacnet.PropPresentValue && priority != 0 {
		if strat, ok := relinquishEncoding(payload); ok {
			if d.accept != nil && !d.accept[strat] {
				return &stack.RejectError{PDU: stack.PDUReject, Reason: 3}
			}
			if !d.ignoreWrites {
				arr.Set(priority, bacnet.Null())
			}
			return nil
		}
		v, _, err := bacnet.Decode(payload.Data)
		if err != nil {
			return &stack.RejectError{PDU: stack.PDUReject, Reason: 4}
		}
		if !d.ignoreWrites {
			arr.Set(priority, v)
		}
		return nil
	}

	if payload.Omit {
		return &stack.RejectError{PDU: stack.PDUReject, Reason: 5}
	}
	if !d.ignoreWrites {
		d.props[propKey{addr.Object, addr.Property, 0}] = append([]byte(nil), payload.Data...)
	}
	return nil
}

func (d *fakeDevice) Close() error { return nil }

func relinquishEncoding(p stack.Payload) (Strategy, bool) {
	switch {
	case p.Omit:
		return StrategyOmitValue, true
	case len(p.Data) == 0:
		return StrategyEmptyList, true
	case bytes.Equal(p.Data, []byte{0x00}):
		return StrategyNullTag, true
	}
	return 0, false
}

func (d *fakeDevice) writeCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.writes)
}

func (d *fakeDevice) readCount(prop bacnet.PropertyID) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, a := range d.reads {
		if a.Property == prop {
			n++
		}
	}
	return n
}

var (
	testAO  = bacnet.ObjectReference{Type: bacnet.ObjectAnalogOutput, Instance: 1}
	testBV  = bacnet.ObjectReference{Type: bacnet.ObjectBinaryValue, Instance: 2}
	testMSV = bacnet.ObjectReference{Type: bacnet.ObjectMultiStateValue, Instance: 3}
	testAI  = bacnet.ObjectReference{Type: bacnet.ObjectAnalogInput, Instance: 4}
)

const testDeviceAddr = "10.0.0.5"

func pvAddress(obj bacnet.ObjectReference) bacnet.PropertyAddress {
	return bacnet.PropertyAddress{Device: testDeviceAddr, Object: obj, Property: bacnet.PropPresentValue}
}

func newTestCommander(t *testing.T, d *fakeDevice) *Commander {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Settle = 0
	return New(d, nil, nil, cfg, newTestLogger())
}
