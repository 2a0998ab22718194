package bacnet

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// TypeHint selects the primitive a host value is encoded as, overriding the
// dynamic dispatch in FromHost.
type TypeHint uint8

const (
	HintNone TypeHint = iota
	HintNull
	HintBoolean
	HintUnsigned
	HintReal
	HintString
	HintEnumerated
)

func (h TypeHint) String() string {
	switch h {
	case HintNone:
		return "auto"
	case HintNull:
		return "null"
	case HintBoolean:
		return "boolean"
	case HintUnsigned:
		return "unsigned"
	case HintReal:
		return "real"
	case HintString:
		return "string"
	case HintEnumerated:
		return "enumerated"
	}
	return fmt.Sprintf("hint(%d)", uint8(h))
}

// ParseTypeHint parses a hint name as accepted on the command line.
func ParseTypeHint(s string) (TypeHint, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return HintNone, nil
	case "null":
		return HintNull, nil
	case "bool", "boolean":
		return HintBoolean, nil
	case "uint", "unsigned":
		return HintUnsigned, nil
	case "real", "float":
		return HintReal, nil
	case "string", "str", "characterstring":
		return HintString, nil
	case "enum", "enumerated":
		return HintEnumerated, nil
	}
	return HintNone, fmt.Errorf("bacnet: unknown type hint %q", s)
}

func (h TypeHint) MarshalText() ([]byte, error) { return []byte(h.String()), nil }

func (h *TypeHint) UnmarshalText(text []byte) error {
	v, err := ParseTypeHint(string(text))
	if err != nil {
		return err
	}
	*h = v
	return nil
}

// ReleaseSentinel is the host-side stand-in for NULL.
type ReleaseSentinel struct{}

// Release encodes as Null.
var Release ReleaseSentinel

// FromHost converts a host value to a Value. With HintNone the mapping is
// bool→Boolean, integer→Unsigned, float→Real, string→CharacterString and
// Release→Null. Any other hint coerces the value to that primitive.
func FromHost(v interface{}, hint TypeHint) (Value, error) {
	if val, ok := v.(Value); ok && hint == HintNone {
		return val, nil
	}
	switch hint {
	case HintNull:
		return Null(), nil
	case HintBoolean:
		b, ok := toBool(v)
		if !ok {
			return Value{}, fmt.Errorf("bacnet: cannot convert %T to boolean", v)
		}
		return Bool(b), nil
	case HintUnsigned, HintEnumerated:
		u, ok := toUint64(v)
		if !ok {
			return Value{}, fmt.Errorf("bacnet: cannot convert %T(%v) to %s", v, v, hint)
		}
		if u > math.MaxUint32 {
			return Value{}, fmt.Errorf("bacnet: value %d overflows %s (max %d)", u, hint, uint64(math.MaxUint32))
		}
		if hint == HintEnumerated {
			return Enumerated(uint32(u)), nil
		}
		return Unsigned(uint32(u)), nil
	case HintReal:
		f, ok := toFloat64(v)
		if !ok {
			return Value{}, fmt.Errorf("bacnet: cannot convert %T to real", v)
		}
		if math.Abs(f) > math.MaxFloat32 {
			return Value{}, fmt.Errorf("bacnet: value %g overflows real", f)
		}
		return Real(f), nil
	case HintString:
		s, ok := v.(string)
		if !ok {
			return Value{}, fmt.Errorf("bacnet: cannot convert %T to string", v)
		}
		return String(s), nil
	}

	switch val := v.(type) {
	case ReleaseSentinel:
		return Null(), nil
	case bool:
		return Bool(val), nil
	case string:
		return String(val), nil
	case float32:
		return Real(float64(val)), nil
	case float64:
		return FromHost(val, HintReal)
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return FromHost(val, HintUnsigned)
	case nil:
		return Value{}, fmt.Errorf("bacnet: no value given (use Release for NULL)")
	}
	return Value{}, fmt.Errorf("bacnet: unsupported host type %T", v)
}

// ParseLiteral parses text from the command line, HTTP or MQTT. Without a
// hint, "null"/"release" give Null, "true"/"false" give Boolean, integers give
// Unsigned, decimals give Real and anything else is a CharacterString.
func ParseLiteral(s string, hint TypeHint) (Value, error) {
	t := strings.TrimSpace(s)
	lower := strings.ToLower(t)
	switch hint {
	case HintNone:
		switch lower {
		case "null", "release", "relinquish":
			return Null(), nil
		case "true", "false":
			return Bool(lower == "true"), nil
		}
		if u, err := strconv.ParseUint(t, 10, 32); err == nil {
			return Unsigned(uint32(u)), nil
		}
		if f, err := strconv.ParseFloat(t, 64); err == nil {
			return FromHost(f, HintReal)
		}
		return String(s), nil
	case HintString:
		return String(s), nil
	case HintBoolean, HintEnumerated:
		switch lower {
		case "active", "on":
			return FromHost(true, hint)
		case "inactive", "off":
			return FromHost(false, hint)
		}
		if b, err := strconv.ParseBool(lower); err == nil {
			return FromHost(b, hint)
		}
		if u, err := strconv.ParseUint(t, 10, 32); err == nil {
			return FromHost(u, hint)
		}
		return Value{}, fmt.Errorf("bacnet: %q is not a valid %s", s, hint)
	case HintUnsigned:
		u, err := strconv.ParseUint(t, 10, 32)
		if err != nil {
			return Value{}, fmt.Errorf("bacnet: %q is not a valid unsigned: %w", s, err)
		}
		return Unsigned(uint32(u)), nil
	case HintReal:
		f, err := strconv.ParseFloat(t, 64)
		if err != nil {
			return Value{}, fmt.Errorf("bacnet: %q is not a valid real: %w", s, err)
		}
		return FromHost(f, HintReal)
	case HintNull:
		return Null(), nil
	}
	return Value{}, fmt.Errorf("bacnet: unknown type hint %d", hint)
}

func toBool(v interface{}) (bool, bool) {
	switch val := v.(type) {
	case bool:
		return val, true
	case float64:
		return val != 0, true
	case int:
		return val != 0, true
	case uint32:
		return val != 0, true
	case uint64:
		return val != 0, true
	}
	return false, false
}

func toUint64(v interface{}) (uint64, bool) {
	switch val := v.(type) {
	case bool:
		if val {
			return 1, true
		}
		return 0, true
	case uint:
		return uint64(val), true
	case uint8:
		return uint64(val), true
	case uint16:
		return uint64(val), true
	case uint32:
		return uint64(val), true
	case uint64:
		return val, true
	case int:
		if val < 0 {
			return 0, false
		}
		return uint64(val), true
	case int8:
		if val < 0 {
			return 0, false
		}
		return uint64(val), true
	case int16:
		if val < 0 {
			return 0, false
		}
		return uint64(val), true
	case int32:
		if val < 0 {
			return 0, false
		}
		return uint64(val), true
	case int64:
		if val < 0 {
			return 0, false
		}
		return uint64(val), true
	case float64:
		if val < 0 || val != math.Trunc(val) {
			return 0, false
		}
		return uint64(val), true
	}
	return 0, false
}

func toFloat64(v interface{}) (float64, bool) {
	switch val := v.(type) {
	case float32:
		return float64(val), true
	case float64:
		return val, true
	case int:
		return float64(val), true
	case int32:
		return float64(val), true
	case int64:
		return float64(val), true
	case uint32:
		return float64(val), true
	case uint64:
		return float64(val), true
	}
	return 0, false
}
