package bacnet

import (
	"encoding/json"
	"fmt"
)

// PrioritySlots is the fixed length of a priority array.
const PrioritySlots = 16

// ValidSlot reports whether i is a priority between 1 (highest) and 16.
func ValidSlot(i int) bool {
	return i >= 1 && i <= PrioritySlots
}

// PrioritySlot is one entry of a priority array.
type PrioritySlot struct {
	Index int   `json:"index"`
	Value Value `json:"value"`
}

// PriorityArray holds the 16 slots of a commandable property. Slot i lives at
// element i-1; a Null slot is not commanded. The zero value is all Null.
type PriorityArray [PrioritySlots]Value

// Slot returns the value at priority i (1-based).
func (a *PriorityArray) Slot(i int) Value {
	if !ValidSlot(i) {
		return Null()
	}
	return a[i-1]
}

// Set stores v at priority i (1-based).
func (a *PriorityArray) Set(i int, v Value) error {
	if !ValidSlot(i) {
		return fmt.Errorf("bacnet: priority %d out of range 1-%d", i, PrioritySlots)
	}
	a[i-1] = v
	return nil
}

// Slots returns all 16 slots in priority order.
func (a *PriorityArray) Slots() []PrioritySlot {
	out := make([]PrioritySlot, PrioritySlots)
	for i := range a {
		out[i] = PrioritySlot{Index: i + 1, Value: a[i]}
	}
	return out
}

// Active returns the non-Null slots in priority order.
func (a *PriorityArray) Active() []PrioritySlot {
	var out []PrioritySlot
	for i := range a {
		if !a[i].IsNull() {
			out = append(out, PrioritySlot{Index: i + 1, Value: a[i]})
		}
	}
	return out
}

// Highest returns the commanded slot with the lowest index.
func (a *PriorityArray) Highest() (PrioritySlot, bool) {
	for i := range a {
		if !a[i].IsNull() {
			return PrioritySlot{Index: i + 1, Value: a[i]}, true
		}
	}
	return PrioritySlot{}, false
}

func (a PriorityArray) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.Slots())
}

func (a *PriorityArray) UnmarshalJSON(data []byte) error {
	var slots []PrioritySlot
	if err := json.Unmarshal(data, &slots); err != nil {
		return err
	}
	var out PriorityArray
	for _, s := range slots {
		if err := out.Set(s.Index, s.Value); err != nil {
			return err
		}
	}
	*a = out
	return nil
}

// EffectiveValue is the value a commandable property resolves to.
type EffectiveValue struct {
	Value Value `json:"value"`
	// Slot is the winning priority, or 0 when Value is the relinquish default.
	Slot int `json:"slot"`
}

// FromDefault reports whether every slot was Null.
func (e EffectiveValue) FromDefault() bool { return e.Slot == 0 }

// ResolveEffective scans slots 1 through 16 and returns the first non-Null
// value, or relinquishDefault when none is commanded.
func ResolveEffective(arr PriorityArray, relinquishDefault Value) EffectiveValue {
	if s, ok := arr.Highest(); ok {
		return EffectiveValue{Value: s.Value, Slot: s.Index}
	}
	return EffectiveValue{Value: relinquishDefault}
}
