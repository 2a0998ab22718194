//go:build !no_automation

package automation

import (
	"testing"

	lua "github.com/yuin/gopher-lua"

	"bacnet-override/internal/bacnet"
	"bacnet-override/internal/commander"
)

func TestGoToLua(t *testing.T) {
	L := lua.NewState()
	defer L.Close()

	tests := []struct {
		name string
		val  interface{}
		want lua.LValueType
	}{
		{"nil", nil, lua.LTNil},
		{"bool true", true, lua.LTBool},
		{"bool false", false, lua.LTBool},
		{"string", "hello", lua.LTString},
		{"int", 42, lua.LTNumber},
		{"int64", int64(99), lua.LTNumber},
		{"float32", float32(21.5), lua.LTNumber},
		{"float64", 3.14, lua.LTNumber},
		{"uint32", uint32(100000), lua.LTNumber},
		{"uint64", uint64(7), lua.LTNumber},
		{"map", map[string]interface{}{"a": 1}, lua.LTTable},
		{"slice", []interface{}{1, 2, 3}, lua.LTTable},
		{"stringer", bacnet.ObjectReference{Type: bacnet.ObjectAnalogValue, Instance: 1}, lua.LTString},
		{"unknown", struct{}{}, lua.LTString},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := goToLua(L, tt.val)
			if result.Type() != tt.want {
				t.Errorf("goToLua(%v) type = %v, want %v", tt.val, result.Type(), tt.want)
			}
		})
	}
}

func TestGoToLuaStringer(t *testing.T) {
	L := lua.NewState()
	defer L.Close()

	obj := bacnet.ObjectReference{Type: bacnet.ObjectBinaryValue, Instance: 2}
	if v := goToLua(L, obj); string(v.(lua.LString)) != obj.String() {
		t.Errorf("goToLua(%v) = %v", obj, v)
	}
}

func TestGoToLuaMap(t *testing.T) {
	L := lua.NewState()
	defer L.Close()

	v := goToLua(L, map[string]interface{}{"state": "succeeded", "slot": 8})
	tbl, ok := v.(*lua.LTable)
	if !ok {
		t.Fatal("expected LTable")
	}
	if s, ok := tbl.RawGetString("state").(lua.LString); !ok || string(s) != "succeeded" {
		t.Errorf("map[state] = %v", tbl.RawGetString("state"))
	}
	if n, ok := tbl.RawGetString("slot").(lua.LNumber); !ok || float64(n) != 8 {
		t.Errorf("map[slot] = %v", tbl.RawGetString("slot"))
	}
}

func TestGoToLuaSlice(t *testing.T) {
	L := lua.NewState()
	defer L.Close()

	v := goToLua(L, []interface{}{"null_tag", "omit_value"})
	tbl, ok := v.(*lua.LTable)
	if !ok {
		t.Fatal("expected LTable")
	}
	if tbl.Len() != 2 {
		t.Errorf("table len = %d, want 2", tbl.Len())
	}
	if s, ok := tbl.RawGetInt(1).(lua.LString); !ok || string(s) != "null_tag" {
		t.Errorf("slice[1] = %v", tbl.RawGetInt(1))
	}
}

func TestLuaToGo(t *testing.T) {
	L := lua.NewState()
	defer L.Close()

	if err := L.DoString(`_list = {1, "two", true}; _map = {device = "10.0.0.5", slot = 8}`); err != nil {
		t.Fatal(err)
	}

	list, ok := luaToGo(L.GetGlobal("_list")).([]interface{})
	if !ok || len(list) != 3 {
		t.Fatalf("list = %#v", luaToGo(L.GetGlobal("_list")))
	}
	if list[0] != float64(1) || list[1] != "two" || list[2] != true {
		t.Errorf("list = %#v", list)
	}

	m, ok := luaToGo(L.GetGlobal("_map")).(map[string]interface{})
	if !ok {
		t.Fatalf("map = %#v", luaToGo(L.GetGlobal("_map")))
	}
	if m["device"] != "10.0.0.5" || m["slot"] != float64(8) {
		t.Errorf("map = %#v", m)
	}

	if luaToGo(lua.LNil) != nil {
		t.Error("nil should convert to nil")
	}
}

func TestMatchesHandler(t *testing.T) {
	done := map[string]interface{}{
		"device":   "10.0.0.5",
		"object":   "analogValue:1",
		"property": "presentValue",
		"kind":     "relinquish",
		"state":    "failed",
	}

	tests := []struct {
		name    string
		handler luaEventHandler
		evType  string
		evData  interface{}
		want    bool
	}{
		{
			"exact match",
			luaEventHandler{eventType: commander.EventSessionDone, device: "10.0.0.5", object: "analogValue:1"},
			commander.EventSessionDone, done, true,
		},
		{
			"wrong event type",
			luaEventHandler{eventType: commander.EventSessionDone},
			commander.EventPropertyRead, done, false,
		},
		{
			"device mismatch",
			luaEventHandler{eventType: commander.EventSessionDone, device: "10.0.0.6"},
			commander.EventSessionDone, done, false,
		},
		{
			"object mismatch",
			luaEventHandler{eventType: commander.EventSessionDone, object: "binaryValue:1"},
			commander.EventSessionDone, done, false,
		},
		{
			"kind filter",
			luaEventHandler{eventType: commander.EventSessionDone, kind: "relinquish"},
			commander.EventSessionDone, done, true,
		},
		{
			"kind mismatch",
			luaEventHandler{eventType: commander.EventSessionDone, kind: "override"},
			commander.EventSessionDone, done, false,
		},
		{
			"property filter",
			luaEventHandler{eventType: commander.EventSessionDone, property: "presentValue"},
			commander.EventSessionDone, done, true,
		},
		{
			"no filters match any",
			luaEventHandler{eventType: commander.EventSessionDone},
			commander.EventSessionDone, done, true,
		},
		{
			"filter on non-map data",
			luaEventHandler{eventType: commander.EventSessionDone, device: "10.0.0.5"},
			commander.EventSessionDone, "opaque", false,
		},
		{
			"no filter on non-map data",
			luaEventHandler{eventType: commander.EventSessionDone},
			commander.EventSessionDone, "opaque", true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := matchesHandler(tt.handler, commander.Event{Type: tt.evType, Data: tt.evData})
			if got != tt.want {
				t.Errorf("matchesHandler() = %v, want %v", got, tt.want)
			}
		})
	}
}
