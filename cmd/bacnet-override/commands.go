package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"os/signal"
	"slices"
	"strconv"
	"syscall"
	"time"

	"bacnet-override/internal/bacnet"
	"bacnet-override/internal/commander"
	"bacnet-override/internal/stack"
)

// openStack is replaced in tests.
var openStack = func(cfg stack.Config, logger *slog.Logger) (stack.Stack, error) {
	return stack.NewBIPStack(cfg, logger)
}

// cli runs the one-shot commands. Logs go to stderr so stdout carries only
// results.
type cli struct {
	cfg    *Config
	logger *slog.Logger
	engine commander.Config
	points map[string]commander.Point
	stdout io.Writer
	stderr io.Writer
}

func newCLI(cfg *Config, stdout, stderr io.Writer) (*cli, error) {
	ec, err := cfg.engineConfig()
	if err != nil {
		return nil, err
	}
	pts, err := cfg.points()
	if err != nil {
		return nil, err
	}
	c := &cli{
		cfg:    cfg,
		logger: newLogger(cfg, stderr),
		engine: ec,
		points: make(map[string]commander.Point, len(pts)),
		stdout: stdout,
		stderr: stderr,
	}
	for _, p := range pts {
		c.points[p.Name] = p
	}
	return c, nil
}

// open binds the stack and builds a journal-less commander.
func (c *cli) open() (*commander.Commander, func(), error) {
	sc, err := c.cfg.stackConfig()
	if err != nil {
		return nil, nil, err
	}
	stk, err := openStack(sc, c.logger)
	if err != nil {
		return nil, nil, fmt.Errorf("open stack: %w", err)
	}
	cmdr := commander.New(stk, nil, nil, c.engine, c.logger)
	for _, p := range c.points {
		cmdr.SetPoint(p)
	}
	return cmdr, func() { stk.Close() }, nil
}

func (c *cli) context() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func (c *cli) flagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(c.stderr)
	return fs
}

func (c *cli) usageError(cmd string, err error) int {
	fmt.Fprintf(c.stderr, "%s: %v\n", cmd, err)
	return exitUsage
}

// failure reports err and maps it to an exit code.
func (c *cli) failure(cmd string, err error) int {
	fmt.Fprintf(c.stderr, "%s: %v\n", cmd, err)
	if errors.Is(err, commander.ErrInvalidArgument) || errors.Is(err, commander.ErrUnknownPoint) {
		return exitUsage
	}
	return exitFailure
}

type targetFlags struct {
	point    string
	device   string
	object   string
	property string
	index    int
}

func (t *targetFlags) register(fs *flag.FlagSet, withProperty bool) {
	t.property = bacnet.PropPresentValue.String()
	t.index = -1
	fs.StringVar(&t.point, "point", "", "named point from the config")
	fs.StringVar(&t.device, "device", "", "device address, host[:port]")
	fs.StringVar(&t.object, "object", "", "object, e.g. analogValue:1")
	if withProperty {
		fs.StringVar(&t.property, "property", t.property, "property name or number")
		fs.IntVar(&t.index, "index", -1, "array index")
	}
}

// resolve returns the addressed property and the named point, if any.
func (t *targetFlags) resolve(points map[string]commander.Point) (bacnet.PropertyAddress, *commander.Point, error) {
	var (
		addr bacnet.PropertyAddress
		pt   *commander.Point
	)
	switch {
	case t.point != "" && (t.device != "" || t.object != ""):
		return addr, nil, errors.New("-point excludes -device and -object")
	case t.point != "":
		p, ok := points[t.point]
		if !ok {
			return addr, nil, fmt.Errorf("%w: %s", commander.ErrUnknownPoint, t.point)
		}
		pt = &p
		addr = p.Address()
	default:
		if t.device == "" || t.object == "" {
			return addr, nil, errors.New("-device and -object are required")
		}
		obj, err := bacnet.ParseObjectReference(t.object)
		if err != nil {
			return addr, nil, err
		}
		addr = bacnet.PropertyAddress{Device: t.device, Object: obj, Property: bacnet.PropPresentValue}
	}

	prop, err := bacnet.ParsePropertyID(t.property)
	if err != nil {
		return addr, nil, err
	}
	addr.Property = prop
	if t.index >= 0 {
		addr = addr.WithIndex(uint32(t.index))
	}
	return addr, pt, nil
}

func (c *cli) runRead(args []string) int {
	fs := c.flagSet("read")
	var tf targetFlags
	tf.register(fs, true)
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	addr, _, err := tf.resolve(c.points)
	if err != nil {
		return c.usageError("read", err)
	}

	cmdr, closeFn, err := c.open()
	if err != nil {
		return c.failure("read", err)
	}
	defer closeFn()
	ctx, cancel := c.context()
	defer cancel()

	v, err := cmdr.Read(ctx, addr)
	if err != nil {
		return c.failure("read", err)
	}
	fmt.Fprintln(c.stdout, v.String())
	return exitSuccess
}

func (c *cli) runArray(args []string) int {
	fs := c.flagSet("array")
	var tf targetFlags
	tf.register(fs, false)
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	addr, _, err := tf.resolve(c.points)
	if err != nil {
		return c.usageError("array", err)
	}

	cmdr, closeFn, err := c.open()
	if err != nil {
		return c.failure("array", err)
	}
	defer closeFn()
	ctx, cancel := c.context()
	defer cancel()

	arr, eff, err := cmdr.Effective(ctx, addr.Device, addr.Object)
	if err != nil {
		return c.failure("array", err)
	}
	printArray(c.stdout, arr, eff)
	return exitSuccess
}

func (c *cli) runStatus(args []string) int {
	fs := c.flagSet("status")
	var tf targetFlags
	tf.register(fs, false)
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	addr, _, err := tf.resolve(c.points)
	if err != nil {
		return c.usageError("status", err)
	}

	cmdr, closeFn, err := c.open()
	if err != nil {
		return c.failure("status", err)
	}
	defer closeFn()
	ctx, cancel := c.context()
	defer cancel()

	st, err := cmdr.Status(ctx, addr.Device, addr.Object)
	if err != nil {
		return c.failure("status", err)
	}
	printStatus(c.stdout, st)
	return exitSuccess
}

// runWrite overrides or relinquishes a priority slot of presentValue. Any
// other property, or an indexed one, gets a verified write.
func (c *cli) runWrite(cmd string, args []string, release bool) int {
	fs := c.flagSet(cmd)
	var tf targetFlags
	tf.register(fs, true)
	priority := fs.Int("priority", 0, "priority slot 1-16 (default: point priority, then engine.default_priority)")
	value := fs.String("value", "", "value to write")
	typ := fs.String("type", "auto", "value type: auto, null, boolean, unsigned, real, string, enumerated")
	fs.BoolVar(&release, "release", release, "relinquish the slot instead of writing a value")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	addr, pt, err := tf.resolve(c.points)
	if err != nil {
		return c.usageError(cmd, err)
	}
	commandSlot := addr.Property == bacnet.PropPresentValue && addr.ArrayIndex == nil

	var v bacnet.Value
	switch {
	case release && *value != "":
		return c.usageError(cmd, errors.New("-release excludes -value"))
	case release && !commandSlot:
		return c.usageError(cmd, errors.New("-release applies to presentValue only"))
	case !release && *value == "":
		return c.usageError(cmd, errors.New("-value or -release is required"))
	case !release:
		hint, err := hintFor(*typ, addr)
		if err != nil {
			return c.usageError(cmd, err)
		}
		if pt != nil && commandSlot && *typ == "auto" {
			hint = pt.ValueHint()
		}
		if v, err = bacnet.ParseLiteral(*value, hint); err != nil {
			return c.usageError(cmd, err)
		}
	}

	slot := *priority
	if slot == 0 && commandSlot {
		slot = c.engine.DefaultPriority
		if pt != nil {
			slot = pt.Slot(slot)
		}
	}

	cmdr, closeFn, err := c.open()
	if err != nil {
		return c.failure(cmd, err)
	}
	defer closeFn()
	ctx, cancel := c.context()
	defer cancel()

	var sess *commander.Session
	switch {
	case release:
		sess, err = cmdr.Relinquish(ctx, addr, slot)
	case commandSlot:
		sess, err = cmdr.Override(ctx, addr, slot, v)
	default:
		sess, err = cmdr.WriteVerified(ctx, addr, v, slot)
	}
	if sess == nil {
		return c.failure(cmd, err)
	}
	printSession(c.stdout, sess)
	if err != nil {
		return exitFailure
	}
	return exitSuccess
}

func (c *cli) runOutOfService(cmd string, args []string, restore bool) int {
	fs := c.flagSet(cmd)
	var tf targetFlags
	tf.register(fs, false)
	set := fs.String("set", "", "true takes the object out of service, false restores it")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	addr, _, err := tf.resolve(c.points)
	if err != nil {
		return c.usageError(cmd, err)
	}
	oos := false
	switch {
	case restore && *set != "":
		return c.usageError(cmd, errors.New("restore takes no -set"))
	case restore:
	case *set == "":
		return c.usageError(cmd, errors.New("-set true|false is required"))
	default:
		if oos, err = strconv.ParseBool(*set); err != nil {
			return c.usageError(cmd, fmt.Errorf("-set %q: want true or false", *set))
		}
	}

	cmdr, closeFn, err := c.open()
	if err != nil {
		return c.failure(cmd, err)
	}
	defer closeFn()
	ctx, cancel := c.context()
	defer cancel()

	sess, err := cmdr.SetOutOfService(ctx, addr.Device, addr.Object, oos)
	if sess == nil {
		return c.failure(cmd, err)
	}
	printSession(c.stdout, sess)
	if err != nil {
		return exitFailure
	}
	return exitSuccess
}

func (c *cli) runScript(args []string) int {
	fs := c.flagSet("run")
	path := fs.String("script", "", "Lua file to run")
	timeout := fs.Duration("timeout", 0, "abort the script after this long (default 30s)")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if *path == "" && fs.NArg() == 1 {
		*path = fs.Arg(0)
	}
	if *path == "" {
		return c.usageError("run", errors.New("-script is required"))
	}

	cmdr, closeFn, err := c.open()
	if err != nil {
		return c.failure("run", err)
	}
	defer closeFn()

	logs, err := runScriptFile(cmdr, c.cfg, c.logger, *path, *timeout)
	for _, line := range logs {
		fmt.Fprintln(c.stdout, line)
	}
	if err != nil {
		return c.failure("run", err)
	}
	return exitSuccess
}

func printSession(w io.Writer, s *commander.Session) {
	fmt.Fprintf(w, "%s %s", s.Kind, s.Target)
	if s.Slot != 0 {
		fmt.Fprintf(w, " @%d", s.Slot)
	}
	fmt.Fprintf(w, ": %s (%s)\n", s.State, s.Duration().Round(time.Millisecond))
	if s.Kind != commander.KindRelinquish {
		fmt.Fprintf(w, "  value      %s\n", s.Value)
	}
	for i, a := range s.Attempts {
		outcome := "accepted"
		if a.Err != nil {
			outcome = a.Err.Error()
		}
		fmt.Fprintf(w, "  attempt %d  %s: %s\n", i+1, a.Strategy, outcome)
	}
	if s.ReadBack != nil {
		fmt.Fprintf(w, "  read back  %s\n", s.ReadBack)
	}
	if s.Err != nil {
		fmt.Fprintf(w, "  error      %v\n", s.Err)
	}
}

func printArray(w io.Writer, arr bacnet.PriorityArray, eff bacnet.EffectiveValue) {
	for _, slot := range arr.Slots() {
		fmt.Fprintf(w, "%2d  %s\n", slot.Index, slot.Value)
	}
	if eff.FromDefault() {
		fmt.Fprintf(w, "effective  %s (relinquishDefault)\n", eff.Value)
		return
	}
	fmt.Fprintf(w, "effective  %s (priority %d)\n", eff.Value, eff.Slot)
}

func printStatus(w io.Writer, st *commander.ObjectStatus) {
	fmt.Fprintf(w, "%s %s", st.Device, st.Object)
	if st.Name != "" {
		fmt.Fprintf(w, " %q", st.Name)
	}
	fmt.Fprintln(w)

	present := st.PresentValue.String()
	if len(st.StateText) > 0 && st.PresentValue.Kind == bacnet.KindUnsigned {
		present += " (" + st.StateLabel(st.PresentValue.Uint) + ")"
	}
	fmt.Fprintf(w, "  present value       %s\n", present)
	if st.OutOfService != nil {
		fmt.Fprintf(w, "  out of service      %t\n", *st.OutOfService)
	}
	if st.RelinquishDefault != nil {
		fmt.Fprintf(w, "  relinquish default  %s\n", st.RelinquishDefault)
	}
	if st.PriorityArray != nil {
		for _, slot := range st.PriorityArray.Active() {
			fmt.Fprintf(w, "  priority %-2d         %s\n", slot.Index, slot.Value)
		}
	}
	if st.Effective != nil {
		if st.Effective.FromDefault() {
			fmt.Fprintln(w, "  commanded by        relinquishDefault")
		} else {
			fmt.Fprintf(w, "  commanded by        priority %d\n", st.Effective.Slot)
		}
	}
	for i, text := range st.StateText {
		fmt.Fprintf(w, "  state %-2d            %s\n", i+1, text)
	}
	for _, prop := range slices.Sorted(maps.Keys(st.Errors)) {
		fmt.Fprintf(w, "  %s: %s\n", prop, st.Errors[prop])
	}
}
