package commander

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"

	"bacnet-override/internal/bacnet"
	"bacnet-override/internal/stack"
	"bacnet-override/internal/store"
)

func TestReadDecodes(t *testing.T) {
	d := newFakeDevice()
	d.setProp(testAI, bacnet.PropPresentValue, 0, bacnet.Real(21.5))
	d.setProp(testAI, bacnet.PropObjectName, 0, bacnet.String("Zone Temp"))
	c := newTestCommander(t, d)

	v, err := c.Read(context.Background(), pvAddress(testAI))
	if err != nil {
		t.Fatal(err)
	}
	if v.Kind != bacnet.KindReal || v.Real != 21.5 {
		t.Errorf("got %v", v)
	}

	v, err = c.Read(context.Background(), pvAddress(testAI).WithProperty(bacnet.PropObjectName))
	if err != nil {
		t.Fatal(err)
	}
	if v.Str != "Zone Temp" {
		t.Errorf("got %v", v)
	}
}

func TestReadFallbackIsNotAnError(t *testing.T) {
	d := newFakeDevice()
	// OctetString, not a primitive the codec classifies
	d.props[propKey{testAI, bacnet.PropDescription, 0}] = []byte{0x62, 0xAB, 0xCD}
	c := newTestCommander(t, d)

	v, err := c.Read(context.Background(), pvAddress(testAI).WithProperty(bacnet.PropDescription))
	if err != nil {
		t.Fatal(err)
	}
	if !v.Fallback() {
		t.Errorf("got %v, want opaque fallback", v)
	}
}

func TestReadEmptyListIsNull(t *testing.T) {
	d := newFakeDevice()
	d.props[propKey{testAI, bacnet.PropDescription, 0}] = []byte{}
	c := newTestCommander(t, d)

	v, err := c.Read(context.Background(), pvAddress(testAI).WithProperty(bacnet.PropDescription))
	if err != nil {
		t.Fatal(err)
	}
	if !v.IsNull() {
		t.Errorf("got %v, want NULL", v)
	}
}

func TestReadTruncatedIsDecodeError(t *testing.T) {
	d := newFakeDevice()
	d.props[propKey{testAI, bacnet.PropPresentValue, 0}] = []byte{0x44, 0x42}
	c := newTestCommander(t, d)

	_, err := c.Read(context.Background(), pvAddress(testAI))
	if !errors.Is(err, ErrDecode) {
		t.Errorf("got %v, want ErrDecode", err)
	}
}

func TestReadPassesThroughStackErrors(t *testing.T) {
	d := newFakeDevice()
	c := newTestCommander(t, d)

	_, err := c.Read(context.Background(), pvAddress(testAI))
	var rej *stack.RejectError
	if !errors.As(err, &rej) || rej.Code != 32 {
		t.Errorf("got %v, want unknown-property reject", err)
	}
}

func TestWriteEncodes(t *testing.T) {
	d := newFakeDevice()
	c := newTestCommander(t, d)

	addr := pvAddress(testAI).WithProperty(bacnet.PropDescription)
	if err := c.Write(context.Background(), addr, bacnet.String("lobby"), 0); err != nil {
		t.Fatal(err)
	}
	v, err := c.Read(context.Background(), addr)
	if err != nil {
		t.Fatal(err)
	}
	if v.Str != "lobby" {
		t.Errorf("got %v", v)
	}
	if err := c.Write(context.Background(), addr, bacnet.String("x"), 17); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("priority 17: got %v", err)
	}
}

func TestReadArray(t *testing.T) {
	d := newFakeDevice()
	d.addCommandable(testAO, bacnet.Real(0))
	d.arrays[testAO].Set(8, bacnet.Real(42.5))
	d.arrays[testAO].Set(16, bacnet.Real(1))
	c := newTestCommander(t, d)

	arr, err := c.ReadArray(context.Background(), testDeviceAddr, testAO)
	if err != nil {
		t.Fatal(err)
	}
	if n := d.readCount(bacnet.PropPriorityArray); n != 16 {
		t.Errorf("slot reads = %d, want 16", n)
	}
	for i, a := range d.reads {
		if a.ArrayIndex == nil || int(*a.ArrayIndex) != i+1 {
			t.Errorf("read %d addressed %s", i, a)
		}
	}
	active := arr.Active()
	if len(active) != 2 || active[0].Index != 8 || active[1].Index != 16 {
		t.Errorf("active = %+v", active)
	}
}

func TestReadArrayAbortsOnNoResponse(t *testing.T) {
	d := newFakeDevice()
	d.addCommandable(testAO, bacnet.Real(0))
	d.readErr = func(a bacnet.PropertyAddress) error {
		if a.ArrayIndex != nil && *a.ArrayIndex == 5 {
			return stack.ErrNoResponse
		}
		return nil
	}
	c := newTestCommander(t, d)

	_, err := c.ReadArray(context.Background(), testDeviceAddr, testAO)
	if !errors.Is(err, ErrNoResponse) {
		t.Fatalf("got %v, want ErrNoResponse", err)
	}
	if len(d.reads) != 5 {
		t.Errorf("reads = %d, want 5", len(d.reads))
	}
}

func TestEffective(t *testing.T) {
	d := newFakeDevice()
	d.addCommandable(testAO, bacnet.Real(21.5))
	c := newTestCommander(t, d)

	_, eff, err := c.Effective(context.Background(), testDeviceAddr, testAO)
	if err != nil {
		t.Fatal(err)
	}
	if !eff.FromDefault() || eff.Value.Real != 21.5 {
		t.Errorf("all null: got %+v", eff)
	}
	if n := d.readCount(bacnet.PropRelinquishDefault); n != 1 {
		t.Errorf("relinquishDefault reads = %d, want 1", n)
	}

	d.arrays[testAO].Set(8, bacnet.Real(42.5))
	_, eff, err = c.Effective(context.Background(), testDeviceAddr, testAO)
	if err != nil {
		t.Fatal(err)
	}
	if eff.Slot != 8 || eff.Value.Real != 42.5 {
		t.Errorf("slot 8: got %+v", eff)
	}
	if n := d.readCount(bacnet.PropRelinquishDefault); n != 1 {
		t.Errorf("relinquishDefault read although slot 8 is commanded")
	}
}

func TestStatusMultiState(t *testing.T) {
	d := newFakeDevice()
	d.addCommandable(testMSV, bacnet.Unsigned(1))
	d.arrays[testMSV].Set(8, bacnet.Unsigned(2))
	d.setProp(testMSV, bacnet.PropObjectName, 0, bacnet.String("Fan Speed"))
	d.setProp(testMSV, bacnet.PropOutOfService, 0, bacnet.Bool(false))
	d.setProp(testMSV, bacnet.PropNumberOfStates, 0, bacnet.Unsigned(3))
	d.setProp(testMSV, bacnet.PropStateText, 1, bacnet.String("Off"))
	d.setProp(testMSV, bacnet.PropStateText, 2, bacnet.String("Low"))
	c := newTestCommander(t, d)

	st, err := c.Status(context.Background(), testDeviceAddr, testMSV)
	if err != nil {
		t.Fatal(err)
	}
	if st.Name != "Fan Speed" {
		t.Errorf("name = %q", st.Name)
	}
	if st.PresentValue.Uint != 2 {
		t.Errorf("present value = %v", st.PresentValue)
	}
	if st.OutOfService == nil || *st.OutOfService {
		t.Errorf("out of service = %v", st.OutOfService)
	}
	if st.Effective == nil || st.Effective.Slot != 8 {
		t.Errorf("effective = %+v", st.Effective)
	}
	if st.NumberOfStates != 3 || len(st.StateText) != 3 {
		t.Fatalf("states = %d %v", st.NumberOfStates, st.StateText)
	}
	want := []string{"Off", "Low", "state 3"}
	for i := range want {
		if st.StateText[i] != want[i] {
			t.Errorf("state text %d = %q, want %q", i+1, st.StateText[i], want[i])
		}
	}
	if st.StateLabel(2) != "Low" || st.StateLabel(9) != "state 9" {
		t.Errorf("labels: %q %q", st.StateLabel(2), st.StateLabel(9))
	}
}

func TestStatusRecordsRefusedOptionals(t *testing.T) {
	d := newFakeDevice()
	d.addCommandable(testAO, bacnet.Real(0))
	c := newTestCommander(t, d)

	st, err := c.Status(context.Background(), testDeviceAddr, testAO)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := st.Errors["objectName"]; !ok {
		t.Errorf("errors = %v, want objectName entry", st.Errors)
	}
	if _, ok := st.Errors["outOfService"]; !ok {
		t.Errorf("errors = %v, want outOfService entry", st.Errors)
	}
	if st.PriorityArray == nil || st.Effective == nil || !st.Effective.FromDefault() {
		t.Errorf("array = %v, effective = %+v", st.PriorityArray, st.Effective)
	}
}

func TestStatusAbortsOnNoResponse(t *testing.T) {
	d := newFakeDevice()
	d.addCommandable(testAO, bacnet.Real(0))
	d.readErr = func(a bacnet.PropertyAddress) error {
		if a.Property == bacnet.PropObjectName {
			return stack.ErrNoResponse
		}
		return nil
	}
	c := newTestCommander(t, d)

	if _, err := c.Status(context.Background(), testDeviceAddr, testAO); !errors.Is(err, ErrNoResponse) {
		t.Errorf("got %v, want ErrNoResponse", err)
	}
}

func TestPoints(t *testing.T) {
	c := newTestCommander(t, newFakeDevice())
	c.SetPoint(Point{Name: "b", Device: testDeviceAddr, Object: testAO})
	c.SetPoint(Point{Name: "a", Device: testDeviceAddr, Object: testBV})

	p, err := c.Point("a")
	if err != nil {
		t.Fatal(err)
	}
	if p.Address().Object != testBV || p.Address().Property != bacnet.PropPresentValue {
		t.Errorf("address = %s", p.Address())
	}
	if pts := c.Points(); len(pts) != 2 || pts[0].Name != "a" {
		t.Errorf("points = %+v", pts)
	}
	c.RemovePoint("a")
	if _, err := c.Point("a"); !errors.Is(err, ErrUnknownPoint) {
		t.Errorf("got %v, want ErrUnknownPoint", err)
	}
}

func TestPointFromStore(t *testing.T) {
	p, err := PointFromStore(&store.Point{Name: "damper", Device: "10.0.0.5", Object: "analog-output:1", Priority: 10, Type: "real"})
	if err != nil {
		t.Fatal(err)
	}
	if p.Object != testAO || p.Hint != bacnet.HintReal || p.Priority != 10 {
		t.Errorf("got %+v", p)
	}
	for _, bad := range []*store.Point{
		{Name: "x", Object: "nope"},
		{Name: "x", Object: "analogOutput:1", Type: "decimal"},
		{Name: "x", Object: "analogOutput:1", Priority: 20},
	} {
		if _, err := PointFromStore(bad); err == nil {
			t.Errorf("%+v accepted", bad)
		}
	}
}

func TestSavePointPersists(t *testing.T) {
	st, err := store.NewBoltStore(filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	cfg := DefaultConfig()
	c := New(newFakeDevice(), st, nil, cfg, newTestLogger())

	p := Point{Name: "damper", Device: testDeviceAddr, Object: testAO, Priority: 10, Hint: bacnet.HintReal}
	if err := c.SavePoint(p); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Point("damper"); err != nil {
		t.Fatal(err)
	}

	reloaded := New(newFakeDevice(), st, nil, cfg, newTestLogger())
	if err := reloaded.LoadPoints(); err != nil {
		t.Fatal(err)
	}
	got, err := reloaded.Point("damper")
	if err != nil {
		t.Fatal(err)
	}
	if got != p {
		t.Errorf("reloaded %+v, want %+v", got, p)
	}

	if err := c.DeletePoint("damper"); err != nil {
		t.Fatal(err)
	}
	if _, err := st.GetPoint("damper"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("stored point after delete: %v", err)
	}
	if err := c.DeletePoint("damper"); !errors.Is(err, ErrUnknownPoint) {
		t.Errorf("second delete = %v, want ErrUnknownPoint", err)
	}
}

func TestSavePointValidates(t *testing.T) {
	c := newTestCommander(t, newFakeDevice())
	for _, p := range []Point{
		{Device: testDeviceAddr, Object: testAO},
		{Name: "x", Object: testAO},
		{Name: "x", Device: testDeviceAddr, Object: testAI},
		{Name: "x", Device: testDeviceAddr, Object: testAO, Priority: 17},
	} {
		if err := c.SavePoint(p); !errors.Is(err, ErrInvalidArgument) {
			t.Errorf("%+v: got %v, want ErrInvalidArgument", p, err)
		}
	}
	if len(c.Points()) != 0 {
		t.Errorf("invalid points registered: %+v", c.Points())
	}
}

// --- EventBus tests ---

func TestEventBusEmitOn(t *testing.T) {
	eb := NewEventBus(newTestLogger())
	var received Event

	eb.On(EventSessionDone, func(e Event) {
		received = e
	})

	eb.Emit(Event{Type: EventSessionDone, Data: "test"})

	if received.Type != EventSessionDone {
		t.Errorf("type = %q, want %q", received.Type, EventSessionDone)
	}
	if received.Data != "test" {
		t.Errorf("data = %v, want %q", received.Data, "test")
	}
}

func TestEventBusOnDoesNotReceiveOtherTypes(t *testing.T) {
	eb := NewEventBus(newTestLogger())
	called := false

	eb.On(EventSessionDone, func(e Event) {
		called = true
	})

	eb.Emit(Event{Type: EventPropertyRead, Data: "test"})

	if called {
		t.Error("handler called for wrong event type")
	}
}

func TestEventBusOnAllUnsubscribe(t *testing.T) {
	eb := NewEventBus(newTestLogger())
	var count atomic.Int32

	unsub := eb.OnAll(func(e Event) {
		count.Add(1)
	})

	eb.Emit(Event{Type: EventSessionState})
	eb.Emit(Event{Type: EventPropertyRead})
	unsub()
	eb.Emit(Event{Type: EventSessionState})

	if count.Load() != 2 {
		t.Errorf("expected 2 calls, got %d", count.Load())
	}
}

func TestEventBusPanicRecovery(t *testing.T) {
	eb := NewEventBus(newTestLogger())
	var called atomic.Int32

	eb.On(EventSessionDone, func(e Event) {
		called.Add(1)
		panic("test panic")
	})
	eb.On(EventSessionDone, func(e Event) {
		called.Add(1)
	})

	eb.Emit(Event{Type: EventSessionDone})

	if c := called.Load(); c != 2 {
		t.Errorf("expected 2 handlers called, got %d", c)
	}
}

func TestEventBusStampsAndOrders(t *testing.T) {
	eb := NewEventBus(newTestLogger())
	var order []string
	var seqs []uint64

	eb.OnAll(func(e Event) {
		order = append(order, "all")
		seqs = append(seqs, e.Seq)
		if e.Time.IsZero() {
			t.Error("event time not stamped")
		}
	})
	eb.On(EventSessionDone, func(e Event) { order = append(order, "done") })
	unsub := eb.On(EventSessionDone, func(e Event) { order = append(order, "gone") })
	unsub()
	unsub()

	eb.Emit(Event{Type: EventSessionState})
	eb.Emit(Event{Type: EventSessionDone})

	want := []string{"all", "all", "done"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
	if len(seqs) != 2 || seqs[0] != 1 || seqs[1] != 2 {
		t.Errorf("seqs = %v, want [1 2]", seqs)
	}
}

func TestEventBusNilEmit(t *testing.T) {
	var eb *EventBus
	eb.Emit(Event{Type: EventSessionDone})
}

func TestStatusStateCountCapped(t *testing.T) {
	d := newFakeDevice()
	d.addCommandable(testMSV, bacnet.Unsigned(1))
	d.setProp(testMSV, bacnet.PropNumberOfStates, 0, bacnet.Unsigned(0xFFFFFFFF))
	c := newTestCommander(t, d)

	st, err := c.Status(context.Background(), testDeviceAddr, testMSV)
	if err != nil {
		t.Fatal(err)
	}
	if st.NumberOfStates != 0xFFFFFFFF {
		t.Errorf("number of states = %d", st.NumberOfStates)
	}
	if len(st.StateText) != maxStates {
		t.Fatalf("state texts = %d, want %d", len(st.StateText), maxStates)
	}
	if got := st.StateText[maxStates-1]; got != "state 64" {
		t.Errorf("last label = %q", got)
	}
	if n := d.readCount(bacnet.PropStateText); n != maxStates {
		t.Errorf("stateText reads = %d, want %d", n, maxStates)
	}
}
