//go:build !no_automation

package automation

import (
	"context"
	"time"

	lua "github.com/yuin/gopher-lua"

	"bacnet-override/internal/bacnet"
	"bacnet-override/internal/commander"
)

const (
	maxHandlersPerScript = 100
	callTimeout          = time.Minute
)

// registerBACnetModule registers the `bacnet` global table in a Lua state.
func registerBACnetModule(L *lua.LState, vm *scriptVM, e *Engine) {
	mod := L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
		"on":             func(L *lua.LState) int { return bacnetOn(L, vm, e) },
		"read":           func(L *lua.LState) int { return bacnetRead(L, vm, e) },
		"array":          func(L *lua.LState) int { return bacnetArray(L, vm, e) },
		"status":         func(L *lua.LState) int { return bacnetStatus(L, vm, e) },
		"override":       func(L *lua.LState) int { return bacnetOverride(L, vm, e) },
		"relinquish":     func(L *lua.LState) int { return bacnetRelinquish(L, vm, e) },
		"out_of_service": func(L *lua.LState) int { return bacnetOutOfService(L, vm, e) },
		"points":         func(L *lua.LState) int { return bacnetPoints(L, e) },
		"sleep":          func(L *lua.LState) int { return bacnetSleep(L, vm) },
		"after":          func(L *lua.LState) int { return bacnetAfter(L, vm, e) },
		"log":            func(L *lua.LState) int { return bacnetLog(L, vm, e) },
	})
	L.SetGlobal("bacnet", mod)
}

// luaTarget is a property resolved from a point name or an address table.
type luaTarget struct {
	addr     bacnet.PropertyAddress
	hint     bacnet.TypeHint
	priority int
}

// checkTarget reads argument n as either a point name or a table
// {device=, object=, property=, index=, priority=, type=}.
func checkTarget(L *lua.LState, n int, e *Engine) luaTarget {
	def := e.cmdr.Config().DefaultPriority
	switch arg := L.Get(n).(type) {
	case lua.LString:
		p, err := e.cmdr.Point(string(arg))
		if err != nil {
			L.ArgError(n, err.Error())
		}
		return luaTarget{addr: p.Address(), hint: p.ValueHint(), priority: p.Slot(def)}
	case *lua.LTable:
		t := luaTarget{priority: def}
		t.addr.Device = lua.LVAsString(arg.RawGetString("device"))
		if t.addr.Device == "" {
			L.ArgError(n, "device is required")
		}
		obj, err := bacnet.ParseObjectReference(lua.LVAsString(arg.RawGetString("object")))
		if err != nil {
			L.ArgError(n, err.Error())
		}
		t.addr.Object = obj
		t.addr.Property = bacnet.PropPresentValue
		if s := lua.LVAsString(arg.RawGetString("property")); s != "" {
			prop, err := bacnet.ParsePropertyID(s)
			if err != nil {
				L.ArgError(n, err.Error())
			}
			t.addr.Property = prop
		}
		if idx, ok := arg.RawGetString("index").(lua.LNumber); ok {
			if idx < 0 {
				L.ArgError(n, "index must not be negative")
			}
			t.addr = t.addr.WithIndex(uint32(idx))
		}
		if prio, ok := arg.RawGetString("priority").(lua.LNumber); ok {
			t.priority = int(prio)
		}
		t.hint = obj.Type.PresentValueHint()
		if t.addr.Property != bacnet.PropPresentValue {
			t.hint = bacnet.HintNone
		}
		if s := lua.LVAsString(arg.RawGetString("type")); s != "" {
			hint, err := bacnet.ParseTypeHint(s)
			if err != nil {
				L.ArgError(n, err.Error())
			}
			t.hint = hint
		}
		return t
	}
	L.TypeError(n, lua.LTString)
	return luaTarget{}
}

func callContext(vm *scriptVM) (context.Context, context.CancelFunc) {
	return context.WithTimeout(vm.ctx, callTimeout)
}

// checkValue converts argument n to a Value using the target's type.
func checkValue(L *lua.LState, n int, hint bacnet.TypeHint) bacnet.Value {
	var (
		v   bacnet.Value
		err error
	)
	switch arg := L.Get(n).(type) {
	case lua.LString:
		v, err = bacnet.ParseLiteral(string(arg), hint)
	case lua.LNumber, lua.LBool:
		v, err = bacnet.FromHost(luaToGo(arg), hint)
	default:
		L.ArgError(n, "value must be a number, boolean or string")
	}
	if err != nil {
		L.ArgError(n, err.Error())
	}
	return v
}

// bacnet.on(type, [filter,] callback)
func bacnetOn(L *lua.LState, vm *scriptVM, e *Engine) int {
	h := luaEventHandler{eventType: L.CheckString(1)}
	if L.GetTop() >= 3 {
		filter := L.CheckTable(2)
		h.fn = L.CheckFunction(3)
		if name := lua.LVAsString(filter.RawGetString("point")); name != "" {
			p, err := e.cmdr.Point(name)
			if err != nil {
				L.ArgError(2, err.Error())
			}
			h.device = p.Device
			h.object = p.Object.String()
		}
		if s := lua.LVAsString(filter.RawGetString("device")); s != "" {
			h.device = s
		}
		if s := lua.LVAsString(filter.RawGetString("object")); s != "" {
			obj, err := bacnet.ParseObjectReference(s)
			if err != nil {
				L.ArgError(2, err.Error())
			}
			h.object = obj.String()
		}
		h.property = lua.LVAsString(filter.RawGetString("property"))
		h.kind = lua.LVAsString(filter.RawGetString("kind"))
	} else {
		h.fn = L.CheckFunction(2)
	}

	vm.mu.Lock()
	defer vm.mu.Unlock()
	if len(vm.handlers) >= maxHandlersPerScript {
		L.RaiseError("too many handlers (max %d)", maxHandlersPerScript)
		return 0
	}
	vm.handlers = append(vm.handlers, h)
	return 0
}

// bacnet.read(target) -> value | nil, err
func bacnetRead(L *lua.LState, vm *scriptVM, e *Engine) int {
	t := checkTarget(L, 1, e)
	ctx, cancel := callContext(vm)
	defer cancel()

	v, err := e.cmdr.Read(ctx, t.addr)
	if err != nil {
		L.Push(lua.LNil)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(valueToLua(L, v))
	return 1
}

// bacnet.array(target) -> slots, effective | nil, err
func bacnetArray(L *lua.LState, vm *scriptVM, e *Engine) int {
	t := checkTarget(L, 1, e)
	ctx, cancel := callContext(vm)
	defer cancel()

	arr, eff, err := e.cmdr.Effective(ctx, t.addr.Device, t.addr.Object)
	if err != nil {
		L.Push(lua.LNil)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(arrayToLua(L, arr))
	L.Push(effectiveToLua(L, eff))
	return 2
}

// bacnet.status(target) -> table | nil, err
func bacnetStatus(L *lua.LState, vm *scriptVM, e *Engine) int {
	t := checkTarget(L, 1, e)
	ctx, cancel := callContext(vm)
	defer cancel()

	st, err := e.cmdr.Status(ctx, t.addr.Device, t.addr.Object)
	if err != nil {
		L.Push(lua.LNil)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	tbl := L.NewTable()
	tbl.RawSetString("device", lua.LString(st.Device))
	tbl.RawSetString("object", lua.LString(st.Object.String()))
	tbl.RawSetString("name", lua.LString(st.Name))
	tbl.RawSetString("present_value", valueToLua(L, st.PresentValue))
	if st.OutOfService != nil {
		tbl.RawSetString("out_of_service", lua.LBool(*st.OutOfService))
	}
	if st.PriorityArray != nil {
		tbl.RawSetString("priority_array", arrayToLua(L, *st.PriorityArray))
	}
	if st.RelinquishDefault != nil {
		tbl.RawSetString("relinquish_default", valueToLua(L, *st.RelinquishDefault))
	}
	if st.Effective != nil {
		tbl.RawSetString("effective", effectiveToLua(L, *st.Effective))
	}
	if st.NumberOfStates > 0 {
		tbl.RawSetString("number_of_states", lua.LNumber(st.NumberOfStates))
		texts := L.NewTable()
		for _, s := range st.StateText {
			texts.Append(lua.LString(s))
		}
		tbl.RawSetString("state_text", texts)
	}
	if len(st.Errors) > 0 {
		errs := L.NewTable()
		for k, v := range st.Errors {
			errs.RawSetString(k, lua.LString(v))
		}
		tbl.RawSetString("errors", errs)
	}
	L.Push(tbl)
	return 1
}

// bacnet.override(target, value[, priority]) -> ok, session
func bacnetOverride(L *lua.LState, vm *scriptVM, e *Engine) int {
	t := checkTarget(L, 1, e)
	v := checkValue(L, 2, t.hint)
	prio := L.OptInt(3, t.priority)

	ctx, cancel := callContext(vm)
	defer cancel()
	s, err := e.cmdr.Override(ctx, t.addr, prio, v)
	return pushSession(L, s, err)
}

// bacnet.relinquish(target[, priority]) -> ok, session
func bacnetRelinquish(L *lua.LState, vm *scriptVM, e *Engine) int {
	t := checkTarget(L, 1, e)
	prio := L.OptInt(2, t.priority)

	ctx, cancel := callContext(vm)
	defer cancel()
	s, err := e.cmdr.Relinquish(ctx, t.addr, prio)
	return pushSession(L, s, err)
}

// bacnet.out_of_service(target, flag) -> ok, session
func bacnetOutOfService(L *lua.LState, vm *scriptVM, e *Engine) int {
	t := checkTarget(L, 1, e)
	flag := L.CheckBool(2)

	ctx, cancel := callContext(vm)
	defer cancel()
	s, err := e.cmdr.SetOutOfService(ctx, t.addr.Device, t.addr.Object, flag)
	return pushSession(L, s, err)
}

// bacnet.points() -> list of {name, device, object, priority, type}
func bacnetPoints(L *lua.LState, e *Engine) int {
	tbl := L.NewTable()
	for _, p := range e.cmdr.Points() {
		pt := L.NewTable()
		pt.RawSetString("name", lua.LString(p.Name))
		pt.RawSetString("device", lua.LString(p.Device))
		pt.RawSetString("object", lua.LString(p.Object.String()))
		pt.RawSetString("priority", lua.LNumber(p.Slot(e.cmdr.Config().DefaultPriority)))
		pt.RawSetString("type", lua.LString(p.ValueHint().String()))
		tbl.Append(pt)
	}
	L.Push(tbl)
	return 1
}

// bacnet.sleep(seconds)
func bacnetSleep(L *lua.LState, vm *scriptVM) int {
	d := time.Duration(float64(L.CheckNumber(1)) * float64(time.Second))
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-vm.ctx.Done():
		L.RaiseError("sleep interrupted: %v", vm.ctx.Err())
	}
	return 0
}

// bacnet.after(seconds, callback)
func bacnetAfter(L *lua.LState, vm *scriptVM, e *Engine) int {
	d := time.Duration(float64(L.CheckNumber(1)) * float64(time.Second))
	fn := L.CheckFunction(2)

	go func() {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-vm.ctx.Done():
			return
		}
		select {
		case vm.commands <- func(L *lua.LState) {
			if err := L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}); err != nil {
				e.logger.Error("after callback error", "err", err)
			}
		}:
		default:
			e.logger.Warn("after: command channel full")
		}
	}()
	return 0
}

// bacnet.log(msg)
func bacnetLog(L *lua.LState, vm *scriptVM, e *Engine) int {
	msg := L.CheckString(1)
	if vm.logf != nil {
		vm.logf(msg)
	}
	e.logger.Info("script log", "msg", msg)
	return 0
}

func pushSession(L *lua.LState, s *commander.Session, err error) int {
	tbl := L.NewTable()
	if s != nil {
		tbl.RawSetString("id", lua.LString(s.ID))
		tbl.RawSetString("kind", lua.LString(string(s.Kind)))
		tbl.RawSetString("state", lua.LString(s.State.String()))
		tbl.RawSetString("slot", lua.LNumber(s.Slot))
		if s.ReadBack != nil {
			tbl.RawSetString("read_back", valueToLua(L, *s.ReadBack))
		}
		attempts := L.NewTable()
		for _, a := range s.Attempts {
			at := L.NewTable()
			at.RawSetString("strategy", lua.LString(a.Strategy.String()))
			if a.Err != nil {
				at.RawSetString("error", lua.LString(a.Err.Error()))
			}
			attempts.Append(at)
		}
		tbl.RawSetString("attempts", attempts)
	}
	if err != nil {
		tbl.RawSetString("error", lua.LString(err.Error()))
	}
	L.Push(lua.LBool(err == nil))
	L.Push(tbl)
	return 2
}

func valueToLua(L *lua.LState, v bacnet.Value) lua.LValue {
	if v.Fallback() {
		return lua.LString(v.String())
	}
	return goToLua(L, v.Interface())
}

// arrayToLua returns a table indexed 1..16 with nil for relinquished slots.
func arrayToLua(L *lua.LState, arr bacnet.PriorityArray) *lua.LTable {
	tbl := L.CreateTable(bacnet.PrioritySlots, 0)
	for _, s := range arr.Slots() {
		if !s.Value.IsNull() {
			tbl.RawSetInt(s.Index, valueToLua(L, s.Value))
		}
	}
	return tbl
}

func effectiveToLua(L *lua.LState, eff bacnet.EffectiveValue) *lua.LTable {
	tbl := L.NewTable()
	tbl.RawSetString("value", valueToLua(L, eff.Value))
	tbl.RawSetString("slot", lua.LNumber(eff.Slot))
	tbl.RawSetString("from_default", lua.LBool(eff.FromDefault()))
	return tbl
}
