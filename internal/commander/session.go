package commander

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"bacnet-override/internal/bacnet"
	"bacnet-override/internal/stack"
	"bacnet-override/internal/store"
)

// State is the position of a session in its state machine:
// Idle -> Writing -> Verifying -> Succeeded | Failed.
type State uint8

const (
	StateIdle State = iota
	StateWriting
	StateVerifying
	StateSucceeded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateWriting:
		return "writing"
	case StateVerifying:
		return "verifying"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// Terminal reports whether s is Succeeded or Failed.
func (s State) Terminal() bool { return s == StateSucceeded || s == StateFailed }

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Kind says what a session is trying to do.
type Kind string

const (
	KindOverride     Kind = "override"
	KindRelinquish   Kind = "relinquish"
	KindOutOfService Kind = "out_of_service"
	KindWrite        Kind = "write"
)

// Strategy is one way of telling a device to release a priority slot.
type Strategy uint8

const (
	// StrategyNullTag wraps a single NULL application tag in the value container.
	StrategyNullTag Strategy = iota + 1
	// StrategyOmitValue leaves the value container out of the request.
	StrategyOmitValue
	// StrategyEmptyList sends an empty value container.
	StrategyEmptyList
)

// DefaultStrategies is the full relinquish order.
var DefaultStrategies = []Strategy{StrategyNullTag, StrategyOmitValue, StrategyEmptyList}

var strategyNames = map[Strategy]string{
	StrategyNullTag:   "null_tag",
	StrategyOmitValue: "omit_value",
	StrategyEmptyList: "empty_list",
}

func (s Strategy) String() string {
	if n, ok := strategyNames[s]; ok {
		return n
	}
	return fmt.Sprintf("strategy(%d)", uint8(s))
}

func (s Strategy) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// ParseStrategy accepts the snake_case names, with dashes allowed.
func ParseStrategy(name string) (Strategy, error) {
	key := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), "-", "_")
	for s, n := range strategyNames {
		if n == key {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown relinquish strategy %q", name)
}

// Payload returns the WriteProperty value parameter for s.
func (s Strategy) Payload() stack.Payload {
	switch s {
	case StrategyNullTag:
		data, _ := bacnet.Encode(bacnet.Null())
		return stack.Payload{Data: data}
	case StrategyOmitValue:
		return stack.Payload{Omit: true}
	}
	return stack.Payload{}
}

// Attempt records one relinquish strategy and the device's answer.
type Attempt struct {
	Strategy Strategy `json:"strategy"`
	Err      error    `json:"-"`
}

func (a Attempt) MarshalJSON() ([]byte, error) {
	out := struct {
		Strategy string `json:"strategy"`
		Error    string `json:"error,omitempty"`
	}{Strategy: a.Strategy.String()}
	if a.Err != nil {
		out.Error = a.Err.Error()
	}
	return json.Marshal(out)
}

// Session is the report of one override, relinquish, out-of-service or
// verified write call.
// A new session is created per call and never reused.
type Session struct {
	ID       string
	Kind     Kind
	Target   bacnet.PropertyAddress
	Slot     int          // 0 for out-of-service writes
	Value    bacnet.Value // Null for relinquish
	State    State
	Attempts []Attempt
	ReadBack *bacnet.Value
	Err      error
	Started  time.Time
	Finished time.Time
}

func newSession(kind Kind, target bacnet.PropertyAddress, slot int, v bacnet.Value) *Session {
	return &Session{
		ID:      uuid.NewString(),
		Kind:    kind,
		Target:  target,
		Slot:    slot,
		Value:   v,
		State:   StateIdle,
		Started: time.Now(),
	}
}

// Succeeded reports whether the session ended verified.
func (s *Session) Succeeded() bool { return s.State == StateSucceeded }

// Duration is the wall time from start to the terminal state.
func (s *Session) Duration() time.Duration {
	if s.Finished.IsZero() {
		return time.Since(s.Started)
	}
	return s.Finished.Sub(s.Started)
}

type sessionJSON struct {
	ID       string        `json:"id"`
	Kind     Kind          `json:"kind"`
	Device   string        `json:"device"`
	Object   string        `json:"object"`
	Property string        `json:"property"`
	Index    *uint32       `json:"index,omitempty"`
	Slot     int           `json:"slot,omitempty"`
	Value    *bacnet.Value `json:"value,omitempty"`
	State    State         `json:"state"`
	Attempts []Attempt     `json:"attempts,omitempty"`
	ReadBack *bacnet.Value `json:"read_back,omitempty"`
	Error    string        `json:"error,omitempty"`
	Started  time.Time     `json:"started"`
	Finished time.Time     `json:"finished"`
	Duration string        `json:"duration"`
}

func (s *Session) MarshalJSON() ([]byte, error) {
	out := sessionJSON{
		ID:       s.ID,
		Kind:     s.Kind,
		Device:   s.Target.Device,
		Object:   s.Target.Object.String(),
		Property: s.Target.Property.String(),
		Index:    s.Target.ArrayIndex,
		Slot:     s.Slot,
		State:    s.State,
		Attempts: s.Attempts,
		ReadBack: s.ReadBack,
		Started:  s.Started,
		Finished: s.Finished,
		Duration: s.Duration().String(),
	}
	if s.Kind != KindRelinquish {
		v := s.Value
		out.Value = &v
	}
	if s.Err != nil {
		out.Error = s.Err.Error()
	}
	return json.Marshal(out)
}

// eventData flattens the session for EventBus subscribers.
func (s *Session) eventData() map[string]interface{} {
	data := map[string]interface{}{
		"id":       s.ID,
		"kind":     string(s.Kind),
		"device":   s.Target.Device,
		"object":   s.Target.Object.String(),
		"property": s.Target.Property.String(),
		"slot":     s.Slot,
		"state":    s.State.String(),
	}
	if s.Kind != KindRelinquish {
		data["value"] = s.Value.Interface()
	}
	if s.ReadBack != nil {
		data["read_back"] = s.ReadBack.Interface()
	}
	if s.Err != nil {
		data["error"] = s.Err.Error()
	}
	if len(s.Attempts) > 0 {
		attempts := make([]interface{}, len(s.Attempts))
		for i, a := range s.Attempts {
			attempts[i] = a.Strategy.String()
		}
		data["attempts"] = attempts
	}
	return data
}

// Record converts the session into its journal form.
func (s *Session) Record() *store.SessionRecord {
	rec := &store.SessionRecord{
		ID:       s.ID,
		Kind:     string(s.Kind),
		Device:   s.Target.Device,
		Object:   s.Target.Object.String(),
		Property: s.Target.Property.String(),
		Slot:     s.Slot,
		State:    s.State.String(),
		Started:  s.Started,
		Finished: s.Finished,
	}
	if s.Kind != KindRelinquish {
		rec.Value = s.Value.String()
	}
	if s.ReadBack != nil {
		rec.ReadBack = s.ReadBack.String()
	}
	if s.Err != nil {
		rec.Error = s.Err.Error()
	}
	for _, a := range s.Attempts {
		ar := store.AttemptRecord{Strategy: a.Strategy.String()}
		if a.Err != nil {
			ar.Error = a.Err.Error()
		}
		rec.Attempts = append(rec.Attempts, ar)
	}
	return rec
}
