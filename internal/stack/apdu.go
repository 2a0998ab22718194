package stack

import (
	"encoding/binary"
	"errors"
	"fmt"

	"bacnet-override/internal/bacnet"
)

// BVLC (Annex J)
const (
	bvlcTypeBIP               = 0x81
	bvlcResult                = 0x00
	bvlcForwardedNPDU         = 0x04
	bvlcOriginalUnicastNPDU   = 0x0A
	bvlcOriginalBroadcastNPDU = 0x0B
)

// NPDU control bits
const (
	npduVersion        = 0x01
	npduNetworkMessage = 0x80
	npduDNETPresent    = 0x20
	npduSNETPresent    = 0x08
	npduExpectingReply = 0x04
)

// APDU types
const (
	PDUConfirmedRequest   uint8 = 0x00
	PDUUnconfirmedRequest uint8 = 0x10
	PDUSimpleAck          uint8 = 0x20
	PDUComplexAck         uint8 = 0x30
	PDUSegmentAck         uint8 = 0x40
	PDUError              uint8 = 0x50
	PDUReject             uint8 = 0x60
	PDUAbort              uint8 = 0x70
)

// Confirmed service choices
const (
	ServiceReadProperty  uint8 = 0x0C
	ServiceWriteProperty uint8 = 0x0F
)

// maxAPDUAccepted advertises an unsegmented 1476-octet APDU.
const maxAPDUAccepted = 0x05

const abortSegmentationNotSupported = 4

func serviceName(s uint8) string {
	switch s {
	case ServiceReadProperty:
		return "read-property"
	case ServiceWriteProperty:
		return "write-property"
	}
	return fmt.Sprintf("service-0x%02X", s)
}

var errNotAPDU = errors.New("frame carries no APDU")

// apdu is a decoded application PDU.
type apdu struct {
	Type      uint8
	Segmented bool
	Server    bool // abort sent by the server
	InvokeID  uint8
	Service   uint8 // service choice, or reject/abort reason
	Data      []byte
}

// encodeReadProperty builds ReadProperty-Request parameters.
func encodeReadProperty(addr bacnet.PropertyAddress) []byte {
	buf := bacnet.EncodeContextObjectID(0, addr.Object)
	buf = append(buf, bacnet.EncodeContextUnsigned(1, uint32(addr.Property))...)
	if addr.ArrayIndex != nil {
		buf = append(buf, bacnet.EncodeContextUnsigned(2, *addr.ArrayIndex)...)
	}
	return buf
}

// encodeWriteProperty builds WriteProperty-Request parameters.
func encodeWriteProperty(addr bacnet.PropertyAddress, payload Payload, priority int) []byte {
	buf := encodeReadProperty(addr)
	if !payload.Omit {
		buf = append(buf, bacnet.EncodeOpening(3)...)
		buf = append(buf, payload.Data...)
		buf = append(buf, bacnet.EncodeClosing(3)...)
	}
	if priority != 0 {
		buf = append(buf, bacnet.EncodeContextUnsigned(4, uint32(priority))...)
	}
	return buf
}

func encodeConfirmedRequest(invokeID, service uint8, params []byte) []byte {
	buf := make([]byte, 0, 4+len(params))
	buf = append(buf, PDUConfirmedRequest, maxAPDUAccepted, invokeID, service)
	return append(buf, params...)
}

// encodeFrame wraps an APDU in an NPDU and an Original-Unicast-NPDU BVLC.
func encodeFrame(control uint8, a []byte) []byte {
	total := 4 + 2 + len(a)
	buf := make([]byte, 0, total)
	buf = append(buf, bvlcTypeBIP, bvlcOriginalUnicastNPDU)
	buf = binary.BigEndian.AppendUint16(buf, uint16(total))
	buf = append(buf, npduVersion, control)
	return append(buf, a...)
}

// decodeFrame strips BVLC and NPDU and decodes the APDU. The returned Data
// does not alias frame.
func decodeFrame(frame []byte) (*apdu, error) {
	if len(frame) < 4 || frame[0] != bvlcTypeBIP {
		return nil, fmt.Errorf("not a BACnet/IP frame")
	}
	length := int(binary.BigEndian.Uint16(frame[2:4]))
	if length > len(frame) || length < 4 {
		return nil, fmt.Errorf("bvlc length %d, frame %d", length, len(frame))
	}
	off := 4
	switch frame[1] {
	case bvlcOriginalUnicastNPDU, bvlcOriginalBroadcastNPDU:
	case bvlcForwardedNPDU:
		off += 6 // originating B/IP address
	case bvlcResult:
		return nil, errNotAPDU
	default:
		return nil, fmt.Errorf("bvlc function 0x%02X", frame[1])
	}
	frame = frame[:length]

	if len(frame) < off+2 || frame[off] != npduVersion {
		return nil, fmt.Errorf("bad npdu header")
	}
	control := frame[off+1]
	off += 2
	if control&npduNetworkMessage != 0 {
		return nil, errNotAPDU
	}
	if control&npduDNETPresent != 0 {
		if len(frame) < off+3 {
			return nil, bacnet.ErrTruncated
		}
		off += 3 + int(frame[off+2]) // DNET, DLEN, DADR
	}
	if control&npduSNETPresent != 0 {
		if len(frame) < off+3 {
			return nil, bacnet.ErrTruncated
		}
		off += 3 + int(frame[off+2]) // SNET, SLEN, SADR
	}
	if control&npduDNETPresent != 0 {
		off++ // hop count
	}
	if len(frame) <= off {
		return nil, bacnet.ErrTruncated
	}
	return decodeAPDU(frame[off:])
}

func decodeAPDU(b []byte) (*apdu, error) {
	a := &apdu{Type: b[0] & 0xF0}
	need := func(n int) error {
		if len(b) < n {
			return fmt.Errorf("apdu 0x%02X: %w", a.Type, bacnet.ErrTruncated)
		}
		return nil
	}
	off := 0
	switch a.Type {
	case PDUConfirmedRequest:
		if err := need(4); err != nil {
			return nil, err
		}
		a.Segmented = b[0]&0x08 != 0
		a.InvokeID = b[2]
		off = 3
		if a.Segmented {
			off += 2
		}
		if err := need(off + 1); err != nil {
			return nil, err
		}
		a.Service = b[off]
		off++
	case PDUUnconfirmedRequest:
		if err := need(2); err != nil {
			return nil, err
		}
		a.Service = b[1]
		off = 2
	case PDUSimpleAck, PDUError:
		if err := need(3); err != nil {
			return nil, err
		}
		a.InvokeID = b[1]
		a.Service = b[2]
		off = 3
	case PDUComplexAck:
		if err := need(3); err != nil {
			return nil, err
		}
		a.Segmented = b[0]&0x08 != 0
		a.InvokeID = b[1]
		off = 2
		if a.Segmented {
			off += 2
		}
		if err := need(off + 1); err != nil {
			return nil, err
		}
		a.Service = b[off]
		off++
	case PDUSegmentAck:
		if err := need(4); err != nil {
			return nil, err
		}
		a.InvokeID = b[1]
		off = len(b)
	case PDUReject:
		if err := need(3); err != nil {
			return nil, err
		}
		a.InvokeID = b[1]
		a.Service = b[2]
		off = 3
	case PDUAbort:
		if err := need(3); err != nil {
			return nil, err
		}
		a.Server = b[0]&0x01 != 0
		a.InvokeID = b[1]
		a.Service = b[2]
		off = 3
	default:
		return nil, fmt.Errorf("unknown apdu type 0x%02X", b[0])
	}
	a.Data = append([]byte(nil), b[off:]...)
	return a, nil
}

// decodeReadPropertyAck returns the contents of the [3] property-value
// container.
func decodeReadPropertyAck(data []byte) ([]byte, error) {
	off := 0
	for _, want := range []uint8{0, 1} {
		if off > len(data) {
			return nil, fmt.Errorf("read-property ack: %w", bacnet.ErrTruncated)
		}
		t, err := bacnet.DecodeTag(data[off:])
		if err != nil {
			return nil, fmt.Errorf("read-property ack: %w", err)
		}
		if !t.Context || t.Number != want {
			return nil, fmt.Errorf("read-property ack: expected context tag [%d]", want)
		}
		off += t.HeaderLen + int(t.Length)
	}
	if off > len(data) {
		return nil, fmt.Errorf("read-property ack: %w", bacnet.ErrTruncated)
	}
	t, err := bacnet.DecodeTag(data[off:])
	if err != nil {
		return nil, fmt.Errorf("read-property ack: %w", err)
	}
	if t.Context && t.Number == 2 && !t.Opening {
		off += t.HeaderLen + int(t.Length)
	}
	if off > len(data) {
		return nil, fmt.Errorf("read-property ack: %w", bacnet.ErrTruncated)
	}
	contents, _, err := bacnet.ContextContents(data[off:], 3)
	if err != nil {
		return nil, fmt.Errorf("read-property ack: %w", err)
	}
	return contents, nil
}

// decodeErrorPDU extracts error-class and error-code from an Error PDU body.
func decodeErrorPDU(data []byte) (class, code uint32, err error) {
	vals, err := bacnet.DecodeAll(data)
	if err != nil {
		return 0, 0, fmt.Errorf("error pdu: %w", err)
	}
	if len(vals) < 2 || vals[0].Kind != bacnet.KindEnumerated || vals[1].Kind != bacnet.KindEnumerated {
		return 0, 0, fmt.Errorf("error pdu: expected class and code")
	}
	return vals[0].Uint, vals[1].Uint, nil
}
