package main

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"bacnet-override/internal/bacnet"
	"bacnet-override/internal/commander"
	"bacnet-override/internal/stack"
)

var (
	setpoint = bacnet.ObjectReference{Type: bacnet.ObjectAnalogValue, Instance: 1}
	fan      = bacnet.ObjectReference{Type: bacnet.ObjectBinaryOutput, Instance: 2}
)

// fakeDevice answers for setpoint and fan at any address.
type fakeDevice struct {
	mu     sync.Mutex
	arrays map[bacnet.ObjectReference]*bacnet.PriorityArray
	oos    map[bacnet.ObjectReference]bool
	name   string
	stuck  bool // accepts writes without applying them
	silent bool
	closed bool
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{
		arrays: map[bacnet.ObjectReference]*bacnet.PriorityArray{
			setpoint: {},
			fan:      {},
		},
		oos:  make(map[bacnet.ObjectReference]bool),
		name: "AHU-1",
	}
}

func (d *fakeDevice) def(obj bacnet.ObjectReference) bacnet.Value {
	if obj.Type == bacnet.ObjectBinaryOutput {
		return bacnet.Enumerated(0)
	}
	return bacnet.Real(21)
}

func (d *fakeDevice) ReadProperty(_ context.Context, addr bacnet.PropertyAddress) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.silent {
		return nil, stack.ErrNoResponse
	}
	arr, ok := d.arrays[addr.Object]
	if !ok {
		return nil, &stack.RejectError{PDU: stack.PDUError, Class: 1, Code: 31}
	}
	switch addr.Property {
	case bacnet.PropPresentValue:
		return bacnet.Encode(bacnet.ResolveEffective(*arr, d.def(addr.Object)).Value)
	case bacnet.PropPriorityArray:
		if addr.ArrayIndex == nil {
			return nil, &stack.RejectError{PDU: stack.PDUError, Class: 2, Code: 50}
		}
		return bacnet.Encode(arr.Slot(int(*addr.ArrayIndex)))
	case bacnet.PropRelinquishDefault:
		return bacnet.Encode(d.def(addr.Object))
	case bacnet.PropOutOfService:
		return bacnet.Encode(bacnet.Bool(d.oos[addr.Object]))
	case bacnet.PropObjectName:
		return bacnet.Encode(bacnet.String(d.name))
	}
	return nil, &stack.RejectError{PDU: stack.PDUError, Class: 2, Code: 32}
}

func (d *fakeDevice) WriteProperty(_ context.Context, addr bacnet.PropertyAddress, payload stack.Payload, priority int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.silent {
		return stack.ErrNoResponse
	}
	arr, ok := d.arrays[addr.Object]
	if !ok {
		return &stack.RejectError{PDU: stack.PDUError, Class: 1, Code: 31}
	}
	if d.stuck {
		return nil
	}
	v := bacnet.Null()
	if !payload.Omit && len(payload.Data) > 0 {
		var err error
		if v, _, err = bacnet.Decode(payload.Data); err != nil {
			return &stack.RejectError{PDU: stack.PDUReject, Reason: 4}
		}
	}
	switch addr.Property {
	case bacnet.PropPresentValue:
		if priority == 0 {
			priority = 16
		}
		return arr.Set(priority, v)
	case bacnet.PropOutOfService:
		d.oos[addr.Object] = v.Bool
		return nil
	case bacnet.PropObjectName:
		d.name = v.Str
		return nil
	}
	return &stack.RejectError{PDU: stack.PDUError, Class: 2, Code: 40}
}

func (d *fakeDevice) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	return nil
}

func (d *fakeDevice) slot(obj bacnet.ObjectReference, n int) bacnet.Value {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.arrays[obj].Slot(n)
}

const testConfig = `
engine:
  settle: 0s
log:
  level: error
points:
  - name: setpoint
    device: 10.0.0.9
    object: analogValue:1
    priority: 10
  - name: fan
    device: 10.0.0.9
    object: binaryOutput:2
`

// withFakeDevice swaps openStack for the test and writes testConfig.
func withFakeDevice(t *testing.T) (*fakeDevice, string) {
	t.Helper()
	dev := newFakeDevice()
	prev := openStack
	openStack = func(stack.Config, *slog.Logger) (stack.Stack, error) { return dev, nil }
	t.Cleanup(func() { openStack = prev })

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(testConfig), 0o644); err != nil {
		t.Fatal(err)
	}
	return dev, path
}

func runCLI(args ...string) (int, string, string) {
	var stdout, stderr bytes.Buffer
	code := run(args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestRunVersion(t *testing.T) {
	code, out, _ := runCLI("-version")
	if code != exitSuccess {
		t.Fatalf("exit = %d", code)
	}
	if strings.TrimSpace(out) != version {
		t.Errorf("output = %q", out)
	}
}

func TestRunNoCommand(t *testing.T) {
	code, _, errOut := runCLI()
	if code != exitUsage {
		t.Errorf("exit = %d, want %d", code, exitUsage)
	}
	if !strings.Contains(errOut, "Usage:") {
		t.Errorf("stderr lacks usage: %q", errOut)
	}
}

func TestRunHelp(t *testing.T) {
	code, out, _ := runCLI("help")
	if code != exitSuccess {
		t.Fatalf("exit = %d", code)
	}
	if !strings.Contains(out, "relinquish") {
		t.Errorf("usage lacks commands: %q", out)
	}
}

func TestRunUnknownCommand(t *testing.T) {
	_, path := withFakeDevice(t)
	code, _, errOut := runCLI("-config", path, "frobnicate")
	if code != exitUsage {
		t.Errorf("exit = %d, want %d", code, exitUsage)
	}
	if !strings.Contains(errOut, "unknown command") {
		t.Errorf("stderr = %q", errOut)
	}
}

func TestRunExplicitConfigMissing(t *testing.T) {
	code, _, _ := runCLI("-config", filepath.Join(t.TempDir(), "nope.yaml"), "read", "-point", "x")
	if code != exitUsage {
		t.Errorf("exit = %d, want %d", code, exitUsage)
	}
}

func TestRunOverridePoint(t *testing.T) {
	dev, path := withFakeDevice(t)
	code, out, errOut := runCLI("-config", path, "write", "-point", "setpoint", "-value", "18.5")
	if code != exitSuccess {
		t.Fatalf("exit = %d, stderr = %s", code, errOut)
	}
	if !strings.Contains(out, "succeeded") {
		t.Errorf("output lacks state: %q", out)
	}
	if !strings.Contains(out, "@10") {
		t.Errorf("output lacks point slot: %q", out)
	}
	if got := dev.slot(setpoint, 10); !got.Equal(bacnet.Real(18.5), 1e-4) {
		t.Errorf("slot 10 = %s", got)
	}
	if !dev.closed {
		t.Error("stack not closed")
	}
}

func TestRunOverrideByAddress(t *testing.T) {
	dev, path := withFakeDevice(t)
	code, out, errOut := runCLI("-config", path, "override",
		"-device", "10.0.0.9", "-object", "binaryOutput:2", "-priority", "3", "-value", "1")
	if code != exitSuccess {
		t.Fatalf("exit = %d, stderr = %s", code, errOut)
	}
	if !strings.Contains(out, "@3") {
		t.Errorf("output = %q", out)
	}
	if got := dev.slot(fan, 3); got.Kind != bacnet.KindEnumerated || got.Uint != 1 {
		t.Errorf("slot 3 = %s, want enumerated 1", got)
	}
}

func TestRunOverrideDefaultPriority(t *testing.T) {
	dev, path := withFakeDevice(t)
	code, _, errOut := runCLI("-config", path, "write", "-point", "fan", "-value", "1")
	if code != exitSuccess {
		t.Fatalf("exit = %d, stderr = %s", code, errOut)
	}
	if got := dev.slot(fan, 8); got.IsNull() {
		t.Error("slot 8 not written")
	}
}

func TestRunRelinquish(t *testing.T) {
	dev, path := withFakeDevice(t)
	if code, _, errOut := runCLI("-config", path, "write", "-point", "setpoint", "-value", "18"); code != exitSuccess {
		t.Fatalf("override exit = %d, stderr = %s", code, errOut)
	}
	code, out, errOut := runCLI("-config", path, "relinquish", "-point", "setpoint")
	if code != exitSuccess {
		t.Fatalf("exit = %d, stderr = %s", code, errOut)
	}
	if !strings.Contains(out, "null_tag") {
		t.Errorf("output lacks attempt: %q", out)
	}
	if got := dev.slot(setpoint, 10); !got.IsNull() {
		t.Errorf("slot 10 = %s, want NULL", got)
	}
}

func TestRunWriteRelease(t *testing.T) {
	_, path := withFakeDevice(t)
	code, _, errOut := runCLI("-config", path, "write", "-point", "setpoint", "-release")
	if code != exitSuccess {
		t.Fatalf("exit = %d, stderr = %s", code, errOut)
	}
}

func TestRunOverrideNotApplied(t *testing.T) {
	dev, path := withFakeDevice(t)
	dev.stuck = true
	code, out, _ := runCLI("-config", path, "write", "-point", "setpoint", "-value", "18.5")
	if code != exitFailure {
		t.Fatalf("exit = %d, want %d", code, exitFailure)
	}
	if !strings.Contains(out, "failed") {
		t.Errorf("output lacks state: %q", out)
	}
	if !strings.Contains(out, "read back") {
		t.Errorf("output lacks read-back: %q", out)
	}
}

func TestRunOverrideNoResponse(t *testing.T) {
	dev, path := withFakeDevice(t)
	dev.silent = true
	code, _, _ := runCLI("-config", path, "write", "-point", "setpoint", "-value", "18.5")
	if code != exitFailure {
		t.Errorf("exit = %d, want %d", code, exitFailure)
	}
}

func TestRunWriteUsageErrors(t *testing.T) {
	_, path := withFakeDevice(t)
	tests := []struct {
		name string
		args []string
	}{
		{"no value", []string{"write", "-point", "setpoint"}},
		{"value and release", []string{"write", "-point", "setpoint", "-value", "1", "-release"}},
		{"point and device", []string{"write", "-point", "setpoint", "-device", "10.0.0.1", "-value", "1"}},
		{"unknown point", []string{"write", "-point", "nope", "-value", "1"}},
		{"no target", []string{"write", "-value", "1"}},
		{"bad object", []string{"write", "-device", "10.0.0.9", "-object", "gizmo:1", "-value", "1"}},
		{"bad type", []string{"write", "-point", "setpoint", "-value", "1", "-type", "quaternion"}},
		{"bad literal", []string{"write", "-point", "setpoint", "-value", "warm"}},
		{"slot out of range", []string{"write", "-point", "setpoint", "-value", "1", "-priority", "17"}},
		{"release non-present", []string{"write", "-point", "setpoint", "-property", "objectName", "-release"}},
		{"unknown flag", []string{"write", "-bogus"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, _, _ := runCLI(append([]string{"-config", path}, tt.args...)...)
			if code != exitUsage {
				t.Errorf("exit = %d, want %d", code, exitUsage)
			}
		})
	}
}

func TestRunWriteOtherProperty(t *testing.T) {
	dev, path := withFakeDevice(t)
	code, out, errOut := runCLI("-config", path, "write", "-point", "setpoint",
		"-property", "objectName", "-value", "AHU-2", "-type", "string")
	if code != exitSuccess {
		t.Fatalf("exit = %d, stderr = %s", code, errOut)
	}
	if dev.name != "AHU-2" {
		t.Errorf("name = %q", dev.name)
	}
	if !strings.Contains(out, `"AHU-2"`) {
		t.Errorf("output = %q", out)
	}
}

func TestRunWriteOtherPropertyNotApplied(t *testing.T) {
	dev, path := withFakeDevice(t)
	dev.stuck = true
	code, out, _ := runCLI("-config", path, "write", "-point", "setpoint",
		"-property", "objectName", "-value", "AHU-2", "-type", "string")
	if code != exitFailure {
		t.Fatalf("exit = %d, want %d", code, exitFailure)
	}
	if !strings.Contains(out, "failed") {
		t.Errorf("output lacks state: %q", out)
	}
	if !strings.Contains(out, "read back") || !strings.Contains(out, "AHU-1") {
		t.Errorf("output lacks read-back: %q", out)
	}
	if dev.name != "AHU-1" {
		t.Errorf("name = %q", dev.name)
	}
}

func TestPrintStatusErrorsSorted(t *testing.T) {
	st := &commander.ObjectStatus{
		Device:       "10.0.0.9",
		Object:       setpoint,
		PresentValue: bacnet.Real(21),
		Errors: map[string]string{
			"stateText":         "rejected",
			"description":       "unknown property",
			"relinquishDefault": "unknown property",
			"outOfService":      "unknown property",
		},
	}
	var first string
	for i := 0; i < 10; i++ {
		var buf bytes.Buffer
		printStatus(&buf, st)
		out := buf.String()
		if i == 0 {
			first = out
		} else if out != first {
			t.Fatalf("output changed between calls:\n%s\n%s", first, out)
		}
	}
	want := []string{"description", "outOfService", "relinquishDefault", "stateText"}
	last := -1
	for _, prop := range want {
		at := strings.Index(first, "  "+prop+":")
		if at < 0 {
			t.Fatalf("output lacks %s: %q", prop, first)
		}
		if at < last {
			t.Errorf("%s printed out of order: %q", prop, first)
		}
		last = at
	}
}

func TestRunRead(t *testing.T) {
	_, path := withFakeDevice(t)
	code, out, errOut := runCLI("-config", path, "read", "-point", "setpoint")
	if code != exitSuccess {
		t.Fatalf("exit = %d, stderr = %s", code, errOut)
	}
	if strings.TrimSpace(out) != "21" {
		t.Errorf("output = %q, want 21", out)
	}
}

func TestRunReadArrayElement(t *testing.T) {
	_, path := withFakeDevice(t)
	if code, _, errOut := runCLI("-config", path, "write", "-point", "setpoint", "-value", "19", "-priority", "4"); code != exitSuccess {
		t.Fatalf("override exit = %d, stderr = %s", code, errOut)
	}
	code, out, _ := runCLI("-config", path, "read", "-point", "setpoint", "-property", "priorityArray", "-index", "4")
	if code != exitSuccess {
		t.Fatalf("exit = %d", code)
	}
	if strings.TrimSpace(out) != "19" {
		t.Errorf("output = %q, want 19", out)
	}
}

func TestRunReadRejected(t *testing.T) {
	_, path := withFakeDevice(t)
	code, _, errOut := runCLI("-config", path, "read", "-point", "setpoint", "-property", "description")
	if code != exitFailure {
		t.Errorf("exit = %d, want %d", code, exitFailure)
	}
	if errOut == "" {
		t.Error("no error reported")
	}
}

func TestRunArray(t *testing.T) {
	_, path := withFakeDevice(t)
	if code, _, errOut := runCLI("-config", path, "write", "-point", "setpoint", "-value", "17"); code != exitSuccess {
		t.Fatalf("override exit = %d, stderr = %s", code, errOut)
	}
	code, out, _ := runCLI("-config", path, "array", "-point", "setpoint")
	if code != exitSuccess {
		t.Fatalf("exit = %d", code)
	}
	if !strings.Contains(out, "effective  17 (priority 10)") {
		t.Errorf("output = %q", out)
	}
	if lines := strings.Count(out, "\n"); lines != bacnet.PrioritySlots+1 {
		t.Errorf("got %d lines, want %d", lines, bacnet.PrioritySlots+1)
	}
}

func TestRunArrayRelinquishDefault(t *testing.T) {
	_, path := withFakeDevice(t)
	code, out, _ := runCLI("-config", path, "array", "-point", "setpoint")
	if code != exitSuccess {
		t.Fatalf("exit = %d", code)
	}
	if !strings.Contains(out, "(relinquishDefault)") {
		t.Errorf("output = %q", out)
	}
}

func TestRunStatus(t *testing.T) {
	_, path := withFakeDevice(t)
	code, out, errOut := runCLI("-config", path, "status", "-point", "setpoint")
	if code != exitSuccess {
		t.Fatalf("exit = %d, stderr = %s", code, errOut)
	}
	for _, want := range []string{`"AHU-1"`, "present value", "out of service      false"} {
		if !strings.Contains(out, want) {
			t.Errorf("output lacks %q: %q", want, out)
		}
	}
}

func TestRunOutOfService(t *testing.T) {
	dev, path := withFakeDevice(t)
	code, out, errOut := runCLI("-config", path, "oos", "-point", "setpoint", "-set", "true")
	if code != exitSuccess {
		t.Fatalf("exit = %d, stderr = %s", code, errOut)
	}
	if !strings.Contains(out, "succeeded") {
		t.Errorf("output = %q", out)
	}
	if !dev.oos[setpoint] {
		t.Error("outOfService not set")
	}

	if code, _, errOut := runCLI("-config", path, "restore", "-point", "setpoint"); code != exitSuccess {
		t.Fatalf("restore exit = %d, stderr = %s", code, errOut)
	}
	if dev.oos[setpoint] {
		t.Error("outOfService still set")
	}
}

func TestRunOutOfServiceUsage(t *testing.T) {
	_, path := withFakeDevice(t)
	for _, args := range [][]string{
		{"oos", "-point", "setpoint"},
		{"oos", "-point", "setpoint", "-set", "maybe"},
		{"restore", "-point", "setpoint", "-set", "true"},
	} {
		code, _, _ := runCLI(append([]string{"-config", path}, args...)...)
		if code != exitUsage {
			t.Errorf("%v: exit = %d, want %d", args, code, exitUsage)
		}
	}
}

func TestRunScriptRequiresPath(t *testing.T) {
	_, path := withFakeDevice(t)
	code, _, _ := runCLI("-config", path, "run")
	if code != exitUsage {
		t.Errorf("exit = %d, want %d", code, exitUsage)
	}
}
