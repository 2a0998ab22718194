package bacnet

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Application tag numbers (ASHRAE 135 clause 20.2.1.4).
const (
	TagNull            uint8 = 0
	TagBoolean         uint8 = 1
	TagUnsigned        uint8 = 2
	TagSigned          uint8 = 3
	TagReal            uint8 = 4
	TagDouble          uint8 = 5
	TagOctetString     uint8 = 6
	TagCharacterString uint8 = 7
	TagBitString       uint8 = 8
	TagEnumerated      uint8 = 9
	TagDate            uint8 = 10
	TagTime            uint8 = 11
	TagObjectID        uint8 = 12
)

// Character sets for CharacterString.
const (
	CharsetUTF8     uint8 = 0
	CharsetUCS2     uint8 = 4
	CharsetISO88591 uint8 = 5
)

// ErrTruncated is returned when a tag header or its declared payload runs
// past the end of the buffer.
var ErrTruncated = errors.New("bacnet: truncated data")

// Tag is a decoded tag header.
type Tag struct {
	Number  uint8
	Context bool
	// Length is the payload length. For the application Boolean tag it holds
	// the boolean itself and the payload is empty.
	Length    uint32
	Opening   bool
	Closing   bool
	HeaderLen int
}

// TagName returns a human-readable name for an application tag.
func TagName(number uint8) string {
	switch number {
	case TagNull:
		return "null"
	case TagBoolean:
		return "boolean"
	case TagUnsigned:
		return "unsigned"
	case TagSigned:
		return "signed"
	case TagReal:
		return "real"
	case TagDouble:
		return "double"
	case TagOctetString:
		return "octet-string"
	case TagCharacterString:
		return "character-string"
	case TagBitString:
		return "bit-string"
	case TagEnumerated:
		return "enumerated"
	case TagDate:
		return "date"
	case TagTime:
		return "time"
	case TagObjectID:
		return "object-identifier"
	default:
		return fmt.Sprintf("tag%d", number)
	}
}

// DecodeTag parses the tag header at the start of data.
func DecodeTag(data []byte) (Tag, error) {
	if len(data) < 1 {
		return Tag{}, ErrTruncated
	}
	b := data[0]
	t := Tag{Number: b >> 4, Context: b&0x08 != 0}
	n := 1
	if t.Number == 0x0F {
		if len(data) < 2 {
			return Tag{}, ErrTruncated
		}
		t.Number = data[1]
		n = 2
	}

	lvt := b & 0x07
	switch {
	case t.Context && lvt == 6:
		t.Opening = true
	case t.Context && lvt == 7:
		t.Closing = true
	case lvt == 5:
		if len(data) < n+1 {
			return Tag{}, ErrTruncated
		}
		ext := data[n]
		n++
		switch ext {
		case 254:
			if len(data) < n+2 {
				return Tag{}, ErrTruncated
			}
			t.Length = uint32(binary.BigEndian.Uint16(data[n:]))
			n += 2
		case 255:
			if len(data) < n+4 {
				return Tag{}, ErrTruncated
			}
			t.Length = binary.BigEndian.Uint32(data[n:])
			n += 4
		default:
			t.Length = uint32(ext)
		}
	default:
		t.Length = uint32(lvt)
	}
	t.HeaderLen = n
	return t, nil
}

// EncodeTag encodes a tag header for a primitive of the given payload length.
func EncodeTag(number uint8, context bool, length uint32) []byte {
	var first byte
	if context {
		first |= 0x08
	}
	buf := []byte{0}
	if number >= 15 {
		first |= 0xF0
		buf = append(buf, number)
	} else {
		first |= number << 4
	}
	switch {
	case length <= 4:
		first |= byte(length)
	case length < 254:
		first |= 5
		buf = append(buf, byte(length))
	case length <= 0xFFFF:
		first |= 5
		buf = append(buf, 254, byte(length>>8), byte(length))
	default:
		first |= 5
		buf = append(buf, 255, byte(length>>24), byte(length>>16), byte(length>>8), byte(length))
	}
	buf[0] = first
	return buf
}

// EncodeOpening returns an opening tag for the given context number.
func EncodeOpening(number uint8) []byte {
	if number >= 15 {
		return []byte{0xFE, number}
	}
	return []byte{number<<4 | 0x0E}
}

// EncodeClosing returns a closing tag for the given context number.
func EncodeClosing(number uint8) []byte {
	if number >= 15 {
		return []byte{0xFF, number}
	}
	return []byte{number<<4 | 0x0F}
}

// EncodeContextUnsigned encodes v as a context-tagged unsigned integer.
func EncodeContextUnsigned(number uint8, v uint32) []byte {
	payload := encodeUnsigned(v)
	return append(EncodeTag(number, true, uint32(len(payload))), payload...)
}

// EncodeContextObjectID encodes ref as a context-tagged object identifier.
func EncodeContextObjectID(number uint8, ref ObjectReference) []byte {
	buf := EncodeTag(number, true, 4)
	return binary.BigEndian.AppendUint32(buf, ref.ObjectID())
}

// SkipConstructed returns the length of the constructed element that starts
// with an opening tag at data[0], including its closing tag.
func SkipConstructed(data []byte) (int, error) {
	depth := 0
	off := 0
	for off < len(data) {
		t, err := DecodeTag(data[off:])
		if err != nil {
			return 0, err
		}
		switch {
		case t.Opening:
			depth++
			off += t.HeaderLen
		case t.Closing:
			depth--
			off += t.HeaderLen
			if depth == 0 {
				return off, nil
			}
		default:
			size := t.HeaderLen
			if t.Context || t.Number != TagBoolean {
				size += int(t.Length)
			}
			if off+size > len(data) {
				return 0, ErrTruncated
			}
			off += size
		}
	}
	return 0, ErrTruncated
}

// ContextContents returns the bytes between an opening tag with the given
// context number at data[0] and its matching closing tag, plus the total
// length consumed.
func ContextContents(data []byte, number uint8) ([]byte, int, error) {
	t, err := DecodeTag(data)
	if err != nil {
		return nil, 0, err
	}
	if !t.Opening || t.Number != number {
		return nil, 0, fmt.Errorf("bacnet: expected opening tag [%d]", number)
	}
	n, err := SkipConstructed(data)
	if err != nil {
		return nil, 0, err
	}
	closeLen := 1
	if number >= 15 {
		closeLen = 2
	}
	return data[t.HeaderLen : n-closeLen], n, nil
}

func encodeUnsigned(v uint32) []byte {
	switch {
	case v <= 0xFF:
		return []byte{byte(v)}
	case v <= 0xFFFF:
		return []byte{byte(v >> 8), byte(v)}
	case v <= 0xFFFFFF:
		return []byte{byte(v >> 16), byte(v >> 8), byte(v)}
	default:
		return []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
	}
}

func decodeUnsigned(b []byte) (uint32, bool) {
	if len(b) < 1 || len(b) > 4 {
		return 0, false
	}
	var v uint32
	for _, x := range b {
		v = v<<8 | uint32(x)
	}
	return v, true
}

func decodeSigned(b []byte) (int32, bool) {
	if len(b) < 1 || len(b) > 4 {
		return 0, false
	}
	v := int32(int8(b[0]))
	for _, x := range b[1:] {
		v = v<<8 | int32(x)
	}
	return v, true
}
