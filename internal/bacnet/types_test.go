package bacnet

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
)

func TestDecodeNullTag(t *testing.T) {
	val, n, err := Decode([]byte{0x00})
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("consumed %d, want 1", n)
	}
	if !val.IsNull() {
		t.Errorf("got %v, want NULL", val)
	}
	if val.Fallback() {
		t.Error("NULL must not decode as opaque fallback")
	}
}

func TestRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		in   Value
	}{
		{"bool true", Bool(true)},
		{"bool false", Bool(false)},
		{"unsigned 17", Unsigned(17)},
		{"unsigned 70000", Unsigned(70000)},
		{"unsigned max", Unsigned(0xFFFFFFFF)},
		{"real 3.14", Real(3.14)},
		{"real 42.5", Real(42.5)},
		{"real negative", Real(-12.25)},
		{"string hello", String("hello")},
		{"string empty", String("")},
		{"enumerated", Enumerated(1)},
		{"null", Null()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := Encode(tt.in)
			if err != nil {
				t.Fatal(err)
			}
			got, n, err := Decode(data)
			if err != nil {
				t.Fatal(err)
			}
			if n != len(data) {
				t.Errorf("consumed %d, want %d", n, len(data))
			}
			if got.Kind != tt.in.Kind {
				t.Fatalf("kind = %s, want %s", got.Kind, tt.in.Kind)
			}
			if got.Bool != tt.in.Bool || got.Uint != tt.in.Uint || got.Real != tt.in.Real || got.Str != tt.in.Str {
				t.Errorf("got %#v, want %#v", got, tt.in)
			}
		})
	}
}

func TestEncodeWireBytes(t *testing.T) {
	tests := []struct {
		name string
		in   Value
		want []byte
	}{
		{"null", Null(), []byte{0x00}},
		{"true", Bool(true), []byte{0x11}},
		{"false", Bool(false), []byte{0x10}},
		{"unsigned 1 byte", Unsigned(17), []byte{0x21, 0x11}},
		{"unsigned 2 bytes", Unsigned(0x1234), []byte{0x22, 0x12, 0x34}},
		{"real 42.5", Real(42.5), []byte{0x44, 0x42, 0x2A, 0x00, 0x00}},
		{"string", String("Hi"), []byte{0x73, 0x00, 'H', 'i'}},
		{"enumerated", Enumerated(1), []byte{0x91, 0x01}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Encode(tt.in)
			if err != nil {
				t.Fatal(err)
			}
			if !bytes.Equal(got, tt.want) {
				t.Errorf("encoded % X, want % X", got, tt.want)
			}
		})
	}
}

func TestEncodeLongString(t *testing.T) {
	s := string(bytes.Repeat([]byte("a"), 300))
	data, err := Encode(String(s))
	if err != nil {
		t.Fatal(err)
	}
	// 0x75 (tag 7, extended), 254, then a 2-byte length of 301.
	if data[0] != 0x75 || data[1] != 254 || data[2] != 0x01 || data[3] != 0x2D {
		t.Errorf("header = % X", data[:4])
	}
	got, _, err := Decode(data)
	if err != nil {
		t.Fatal(err)
	}
	if got.Str != s {
		t.Errorf("decoded length %d, want %d", len(got.Str), len(s))
	}
}

func TestDecodeFallback(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		tag  uint8
	}{
		{"octet string", []byte{0x62, 0xDE, 0xAD}, TagOctetString},
		{"bit string", []byte{0x82, 0x05, 0xA0}, TagBitString},
		{"date", []byte{0xA4, 0x7C, 0x05, 0x11, 0x03}, TagDate},
		{"object id", []byte{0xC4, 0x00, 0x40, 0x00, 0x01}, TagObjectID},
		{"real with wrong length", []byte{0x42, 0x01, 0x02}, TagReal},
		{"unknown charset", []byte{0x73, 0x09, 'H', 'i'}, TagCharacterString},
		{"unsigned too wide", []byte{0x25, 0x05, 1, 2, 3, 4, 5}, TagUnsigned},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			val, n, err := Decode(tt.data)
			if err != nil {
				t.Fatalf("fallback must not error: %v", err)
			}
			if n != len(tt.data) {
				t.Errorf("consumed %d, want %d", n, len(tt.data))
			}
			if !val.Fallback() {
				t.Fatalf("got %v, want opaque", val)
			}
			if val.Tag != tt.tag {
				t.Errorf("tag = %d, want %d", val.Tag, tt.tag)
			}
			if val.Str == "" {
				t.Error("opaque value has no rendering")
			}
		})
	}
}

func TestDecodeTruncated(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"real missing payload", []byte{0x44, 0x42}},
		{"extended length missing", []byte{0x75}},
		{"string shorter than declared", []byte{0x75, 10, 0x00, 'a'}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := Decode(tt.data)
			if !errors.Is(err, ErrTruncated) {
				t.Errorf("err = %v, want ErrTruncated", err)
			}
		})
	}
}

func TestDecodeSignedAndDouble(t *testing.T) {
	val, _, err := Decode([]byte{0x31, 0xFB}) // signed -5
	if err != nil {
		t.Fatal(err)
	}
	if val.Kind != KindReal || val.Real != -5 {
		t.Errorf("signed -5 decoded as %#v", val)
	}

	val, _, err = Decode([]byte{0x31, 0x05})
	if err != nil {
		t.Fatal(err)
	}
	if val.Kind != KindUnsigned || val.Uint != 5 {
		t.Errorf("signed 5 decoded as %#v", val)
	}

	val, _, err = Decode([]byte{0x55, 0x08, 0x40, 0x09, 0x21, 0xFB, 0x54, 0x44, 0x2D, 0x18})
	if err != nil {
		t.Fatal(err)
	}
	if val.Kind != KindReal || val.Real < 3.14159 || val.Real > 3.1416 {
		t.Errorf("double pi decoded as %#v", val)
	}
}

func TestDecodeCharsets(t *testing.T) {
	val, _, err := Decode([]byte{0x75, 0x05, CharsetUCS2, 0x00, 'O', 0x00, 'K'})
	if err != nil {
		t.Fatal(err)
	}
	if val.Str != "OK" {
		t.Errorf("ucs2 = %q, want OK", val.Str)
	}

	val, _, err = Decode([]byte{0x73, CharsetISO88591, 0xE9, 't'})
	if err != nil {
		t.Fatal(err)
	}
	if val.Str != "ét" {
		t.Errorf("latin1 = %q, want ét", val.Str)
	}
}

func TestDecodeContextTagIsOpaque(t *testing.T) {
	data := []byte{0x3E, 0x44, 0x42, 0x2A, 0x00, 0x00, 0x3F, 0x00}
	val, n, err := Decode(data)
	if err != nil {
		t.Fatal(err)
	}
	if n != 7 {
		t.Errorf("consumed %d, want 7", n)
	}
	if !val.Fallback() {
		t.Errorf("got %v, want opaque", val)
	}
}

func TestDecodeAll(t *testing.T) {
	var data []byte
	for _, v := range []Value{Real(1.5), Null(), String("x")} {
		b, err := Encode(v)
		if err != nil {
			t.Fatal(err)
		}
		data = append(data, b...)
	}
	vals, err := DecodeAll(data)
	if err != nil {
		t.Fatal(err)
	}
	if len(vals) != 3 {
		t.Fatalf("got %d values, want 3", len(vals))
	}
	if vals[0].Real != 1.5 || !vals[1].IsNull() || vals[2].Str != "x" {
		t.Errorf("got %v", vals)
	}

	vals, err = DecodeAll(nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(vals) != 0 {
		t.Errorf("empty container decoded to %d values", len(vals))
	}
}

func TestValueEqual(t *testing.T) {
	tests := []struct {
		name string
		a, b Value
		want bool
	}{
		{"null null", Null(), Null(), true},
		{"null vs zero", Null(), Unsigned(0), false},
		{"real within tolerance", Real(42.5), Value{Kind: KindReal, Real: 42.50001}, true},
		{"real outside tolerance", Real(42.5), Real(43), false},
		{"unsigned vs real", Unsigned(3), Real(3), true},
		{"bool vs enumerated", Bool(true), Enumerated(1), true},
		{"bool vs enumerated mismatch", Bool(false), Enumerated(1), false},
		{"strings", String("a"), String("a"), true},
		{"string vs number", String("1"), Unsigned(1), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.a.Equal(tt.b, 0.001); got != tt.want {
				t.Errorf("Equal = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestValueJSON(t *testing.T) {
	for _, v := range []Value{Null(), Bool(true), Unsigned(7), Real(42.5), String("hi"), Enumerated(2)} {
		data, err := json.Marshal(v)
		if err != nil {
			t.Fatal(err)
		}
		var got Value
		if err := json.Unmarshal(data, &got); err != nil {
			t.Fatalf("%s: %v", data, err)
		}
		if got.Kind != v.Kind || !got.Equal(v, 0) {
			t.Errorf("%s decoded to %#v", data, got)
		}
	}

	op, _, _ := Decode([]byte{0x62, 0xDE, 0xAD})
	data, err := json.Marshal(op)
	if err != nil {
		t.Fatal(err)
	}
	var got Value
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatal(err)
	}
	if !got.Equal(op, 0) {
		t.Errorf("opaque round-trip: %#v vs %#v", got, op)
	}
}

func TestValueString(t *testing.T) {
	tests := []struct {
		in   Value
		want string
	}{
		{Null(), "NULL"},
		{Bool(true), "true"},
		{Unsigned(17), "17"},
		{Real(3.14), "3.14"},
		{String("hello"), `"hello"`},
		{Enumerated(1), "enum(1)"},
	}
	for _, tt := range tests {
		if got := tt.in.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}
