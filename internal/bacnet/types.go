package bacnet

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode/utf16"
	"unicode/utf8"
)

// Kind identifies the active variant of a Value.
type Kind uint8

const (
	KindNull Kind = iota
	KindBoolean
	KindUnsigned
	KindReal
	KindCharacterString
	KindEnumerated
	// KindOpaque is the decode fallback for primitives the codec cannot
	// classify. Its payload is best effort and not actionable.
	KindOpaque
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBoolean:
		return "boolean"
	case KindUnsigned:
		return "unsigned"
	case KindReal:
		return "real"
	case KindCharacterString:
		return "string"
	case KindEnumerated:
		return "enumerated"
	case KindOpaque:
		return "opaque"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

func parseKind(s string) (Kind, bool) {
	for k := KindNull; k <= KindOpaque; k++ {
		if k.String() == s {
			return k, true
		}
	}
	return 0, false
}

// Value is a single application-tagged primitive. The zero Value is Null,
// which means "not commanded" and is distinct from a missing response.
type Value struct {
	Kind Kind
	Bool bool
	// Uint holds Unsigned and Enumerated payloads.
	Uint uint32
	Real float64
	// Str holds CharacterString payloads and the rendering of Opaque values.
	Str string
	// Tag and Raw describe an Opaque value: its application tag and the full
	// encoded element.
	Tag uint8
	Raw []byte
}

// Null returns the NULL sentinel.
func Null() Value { return Value{} }

// Bool returns a Boolean value.
func Bool(b bool) Value { return Value{Kind: KindBoolean, Bool: b} }

// Unsigned returns an Unsigned value.
func Unsigned(u uint32) Value { return Value{Kind: KindUnsigned, Uint: u} }

// Real returns a Real value. The payload is rounded to float32 since that is
// what goes on the wire.
func Real(f float64) Value { return Value{Kind: KindReal, Real: float64(float32(f))} }

// String returns a CharacterString value.
func String(s string) Value { return Value{Kind: KindCharacterString, Str: s} }

// Enumerated returns an Enumerated value.
func Enumerated(e uint32) Value { return Value{Kind: KindEnumerated, Uint: e} }

func opaque(tag uint8, raw []byte) Value {
	b := make([]byte, len(raw))
	copy(b, raw)
	return Value{
		Kind: KindOpaque,
		Tag:  tag,
		Raw:  b,
		Str:  fmt.Sprintf("%s:%s", TagName(tag), strings.ToUpper(hex.EncodeToString(raw))),
	}
}

// IsNull reports whether v is the NULL sentinel.
func (v Value) IsNull() bool { return v.Kind == KindNull }

// Fallback reports whether v came from the opaque decode fallback.
func (v Value) Fallback() bool { return v.Kind == KindOpaque }

func (v Value) numeric() (float64, bool) {
	switch v.Kind {
	case KindUnsigned, KindEnumerated:
		return float64(v.Uint), true
	case KindReal:
		return v.Real, true
	case KindBoolean:
		if v.Bool {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

// Equal compares two values. Numeric kinds (including Boolean as 0/1) compare
// by magnitude within tol, so an Enumerated 1 read back from a binary object
// matches a Boolean true that was written.
func (v Value) Equal(o Value, tol float64) bool {
	if v.Kind == KindNull || o.Kind == KindNull {
		return v.Kind == o.Kind
	}
	if a, ok := v.numeric(); ok {
		b, ok := o.numeric()
		if !ok {
			return false
		}
		return math.Abs(a-b) <= tol
	}
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case KindCharacterString:
		return v.Str == o.Str
	case KindOpaque:
		return v.Tag == o.Tag && string(v.Raw) == string(o.Raw)
	}
	return false
}

// Interface returns the host representation: nil, bool, uint32, float64 or
// string.
func (v Value) Interface() interface{} {
	switch v.Kind {
	case KindBoolean:
		return v.Bool
	case KindUnsigned, KindEnumerated:
		return v.Uint
	case KindReal:
		return v.Real
	case KindCharacterString, KindOpaque:
		return v.Str
	}
	return nil
}

func (v Value) String() string {
	switch v.Kind {
	case KindNull:
		return "NULL"
	case KindBoolean:
		return strconv.FormatBool(v.Bool)
	case KindUnsigned:
		return strconv.FormatUint(uint64(v.Uint), 10)
	case KindEnumerated:
		return fmt.Sprintf("enum(%d)", v.Uint)
	case KindReal:
		return strconv.FormatFloat(v.Real, 'f', -1, 32)
	case KindCharacterString:
		return strconv.Quote(v.Str)
	case KindOpaque:
		return "opaque(" + v.Str + ")"
	}
	return v.Kind.String()
}

type valueJSON struct {
	Type  string      `json:"type"`
	Value interface{} `json:"value"`
	Tag   *uint8      `json:"tag,omitempty"`
	Raw   string      `json:"raw,omitempty"`
}

func (v Value) MarshalJSON() ([]byte, error) {
	out := valueJSON{Type: v.Kind.String(), Value: v.Interface()}
	if v.Kind == KindOpaque {
		tag := v.Tag
		out.Tag = &tag
		out.Raw = hex.EncodeToString(v.Raw)
	}
	return json.Marshal(out)
}

func (v *Value) UnmarshalJSON(data []byte) error {
	var in struct {
		Type  string          `json:"type"`
		Value json.RawMessage `json:"value"`
		Tag   uint8           `json:"tag"`
		Raw   string          `json:"raw"`
	}
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	kind, ok := parseKind(in.Type)
	if !ok {
		return fmt.Errorf("bacnet: unknown value type %q", in.Type)
	}
	*v = Value{Kind: kind}
	switch kind {
	case KindNull:
		return nil
	case KindBoolean:
		return json.Unmarshal(in.Value, &v.Bool)
	case KindUnsigned, KindEnumerated:
		return json.Unmarshal(in.Value, &v.Uint)
	case KindReal:
		return json.Unmarshal(in.Value, &v.Real)
	case KindCharacterString:
		return json.Unmarshal(in.Value, &v.Str)
	case KindOpaque:
		raw, err := hex.DecodeString(in.Raw)
		if err != nil {
			return fmt.Errorf("bacnet: opaque raw: %w", err)
		}
		*v = opaque(in.Tag, raw)
	}
	return nil
}

// Encode encodes v as an application-tagged primitive.
func Encode(v Value) ([]byte, error) {
	switch v.Kind {
	case KindNull:
		return []byte{TagNull << 4}, nil
	case KindBoolean:
		if v.Bool {
			return []byte{TagBoolean<<4 | 1}, nil
		}
		return []byte{TagBoolean << 4}, nil
	case KindUnsigned:
		payload := encodeUnsigned(v.Uint)
		return append(EncodeTag(TagUnsigned, false, uint32(len(payload))), payload...), nil
	case KindEnumerated:
		payload := encodeUnsigned(v.Uint)
		return append(EncodeTag(TagEnumerated, false, uint32(len(payload))), payload...), nil
	case KindReal:
		buf := EncodeTag(TagReal, false, 4)
		return binary.BigEndian.AppendUint32(buf, math.Float32bits(float32(v.Real))), nil
	case KindCharacterString:
		if !utf8.ValidString(v.Str) {
			return nil, fmt.Errorf("bacnet: character string is not valid UTF-8")
		}
		buf := EncodeTag(TagCharacterString, false, uint32(1+len(v.Str)))
		buf = append(buf, CharsetUTF8)
		return append(buf, v.Str...), nil
	case KindOpaque:
		if len(v.Raw) == 0 {
			return nil, fmt.Errorf("bacnet: opaque value has no raw encoding")
		}
		out := make([]byte, len(v.Raw))
		copy(out, v.Raw)
		return out, nil
	}
	return nil, fmt.Errorf("bacnet: encode not implemented for %s", v.Kind)
}

type caster struct {
	tag    uint8
	decode func(t Tag, payload []byte) (Value, bool)
}

// casters is the decode cascade. The first entry matching the tag whose
// structural checks pass wins; anything left over becomes Opaque.
var casters = []caster{
	{TagBoolean, func(t Tag, _ []byte) (Value, bool) {
		if t.Length > 1 {
			return Value{}, false
		}
		return Bool(t.Length == 1), true
	}},
	{TagUnsigned, func(_ Tag, p []byte) (Value, bool) {
		u, ok := decodeUnsigned(p)
		return Unsigned(u), ok
	}},
	{TagSigned, func(_ Tag, p []byte) (Value, bool) {
		s, ok := decodeSigned(p)
		if !ok {
			return Value{}, false
		}
		if s < 0 {
			return Value{Kind: KindReal, Real: float64(s)}, true
		}
		return Unsigned(uint32(s)), true
	}},
	{TagReal, func(_ Tag, p []byte) (Value, bool) {
		if len(p) != 4 {
			return Value{}, false
		}
		f := math.Float32frombits(binary.BigEndian.Uint32(p))
		if math.IsNaN(float64(f)) {
			return Value{}, false
		}
		return Value{Kind: KindReal, Real: float64(f)}, true
	}},
	{TagDouble, func(_ Tag, p []byte) (Value, bool) {
		if len(p) != 8 {
			return Value{}, false
		}
		f := math.Float64frombits(binary.BigEndian.Uint64(p))
		if math.IsNaN(f) {
			return Value{}, false
		}
		return Value{Kind: KindReal, Real: f}, true
	}},
	{TagCharacterString, func(_ Tag, p []byte) (Value, bool) {
		s, ok := decodeCharacterString(p)
		return String(s), ok
	}},
	{TagEnumerated, func(_ Tag, p []byte) (Value, bool) {
		e, ok := decodeUnsigned(p)
		return Enumerated(e), ok
	}},
}

func decodeCharacterString(p []byte) (string, bool) {
	if len(p) < 1 {
		return "", false
	}
	body := p[1:]
	switch p[0] {
	case CharsetUTF8:
		if !utf8.Valid(body) {
			return "", false
		}
		return string(body), true
	case CharsetUCS2:
		if len(body)%2 != 0 {
			return "", false
		}
		units := make([]uint16, len(body)/2)
		for i := range units {
			units[i] = binary.BigEndian.Uint16(body[2*i:])
		}
		return string(utf16.Decode(units)), true
	case CharsetISO88591:
		runes := make([]rune, len(body))
		for i, b := range body {
			runes[i] = rune(b)
		}
		return string(runes), true
	}
	return "", false
}

// Decode decodes one tagged element from the start of data and returns the
// number of bytes consumed. NULL decodes to Null. Elements the codec cannot
// classify decode to an Opaque value without error; only a truncated header
// or payload is an error.
func Decode(data []byte) (Value, int, error) {
	t, err := DecodeTag(data)
	if err != nil {
		return Value{}, 0, err
	}

	if t.Context {
		if t.Closing {
			return Value{}, 0, fmt.Errorf("bacnet: unexpected closing tag [%d]", t.Number)
		}
		end := t.HeaderLen + int(t.Length)
		if t.Opening {
			end, err = SkipConstructed(data)
			if err != nil {
				return Value{}, 0, err
			}
		}
		if end > len(data) {
			return Value{}, 0, ErrTruncated
		}
		return opaque(t.Number, data[:end]), end, nil
	}

	if t.Number == TagNull {
		return Null(), t.HeaderLen, nil
	}

	end := t.HeaderLen + int(t.Length)
	if t.Number == TagBoolean {
		end = t.HeaderLen
	}
	if end > len(data) {
		return Value{}, 0, ErrTruncated
	}
	payload := data[t.HeaderLen:end]

	for _, c := range casters {
		if c.tag != t.Number {
			continue
		}
		if v, ok := c.decode(t, payload); ok {
			return v, end, nil
		}
	}
	return opaque(t.Number, data[:end]), end, nil
}

// DecodeAll decodes every element in data, typically the contents of a
// property-value container. An empty container yields no values.
func DecodeAll(data []byte) ([]Value, error) {
	var out []Value
	for off := 0; off < len(data); {
		v, n, err := Decode(data[off:])
		if err != nil {
			return out, fmt.Errorf("decode element at offset %d: %w", off, err)
		}
		out = append(out, v)
		off += n
	}
	return out, nil
}
