// Package stack defines the interface to the BACnet protocol stack used to
// reach devices. Backend: BACnet/IP over UDP (Annex J).
package stack

import (
	"context"
	"errors"
	"fmt"

	"bacnet-override/internal/bacnet"
)

// Stack is the request/response collaborator the commander talks to. It owns
// addressing, transport and PDU assembly; it never decodes property values.
type Stack interface {
	// ReadProperty returns the raw contents of the property-value container
	// of the ReadProperty-ACK.
	ReadProperty(ctx context.Context, addr bacnet.PropertyAddress) ([]byte, error)

	// WriteProperty writes payload to addr. A priority of 0 omits the
	// priority parameter.
	WriteProperty(ctx context.Context, addr bacnet.PropertyAddress, payload Payload, priority int) error

	Close() error
}

// Payload is the property-value parameter of a WriteProperty request. Data is
// placed inside the [3] container; an empty Data yields an empty container.
// Omit leaves the container out of the request entirely.
type Payload struct {
	Data []byte
	Omit bool
}

var (
	// ErrNoResponse is returned when no reply arrived within the timeout.
	ErrNoResponse = errors.New("no response")
	// ErrReject matches every *RejectError.
	ErrReject = errors.New("rejected by device")
	// ErrSegmentation is returned for segmented replies, which are not
	// supported.
	ErrSegmentation = errors.New("segmented response not supported")
	// ErrClosed is returned for requests on a closed stack.
	ErrClosed = errors.New("stack closed")
)

// RejectError is an application-layer refusal: an Error, Reject or Abort PDU.
type RejectError struct {
	PDU     uint8 // PDUError, PDUReject or PDUAbort
	Service uint8
	Class   uint32 // Error PDU only
	Code    uint32 // Error PDU only
	Reason  uint8  // Reject and Abort PDUs only
}

func (e *RejectError) Error() string {
	switch e.PDU {
	case PDUError:
		return fmt.Sprintf("%s error: %s/%s", serviceName(e.Service), errorClassName(e.Class), errorCodeName(e.Code))
	case PDUReject:
		return fmt.Sprintf("reject: %s", rejectReasonName(e.Reason))
	case PDUAbort:
		return fmt.Sprintf("abort: %s", abortReasonName(e.Reason))
	}
	return fmt.Sprintf("pdu 0x%02X refused", e.PDU)
}

// Is makes errors.Is(err, ErrReject) true for every RejectError.
func (e *RejectError) Is(target error) bool {
	return target == ErrReject
}

var errorClassNames = map[uint32]string{
	0: "device",
	1: "object",
	2: "property",
	3: "resources",
	4: "security",
	5: "services",
	6: "vt",
	7: "communication",
}

var errorCodeNames = map[uint32]string{
	0:  "other",
	3:  "device-busy",
	9:  "invalid-data-type",
	16: "missing-required-parameter",
	20: "no-space-to-write-property",
	27: "read-access-denied",
	29: "service-request-denied",
	30: "timeout",
	31: "unknown-object",
	32: "unknown-property",
	36: "unsupported-object-type",
	37: "value-out-of-range",
	40: "write-access-denied",
	41: "character-set-not-supported",
	42: "invalid-array-index",
	47: "datatype-not-supported",
	50: "property-is-not-an-array",
}

var rejectReasonNames = map[uint8]string{
	0: "other",
	1: "buffer-overflow",
	2: "inconsistent-parameters",
	3: "invalid-parameter-data-type",
	4: "invalid-tag",
	5: "missing-required-parameter",
	6: "parameter-out-of-range",
	7: "too-many-arguments",
	8: "undefined-enumeration",
	9: "unrecognized-service",
}

var abortReasonNames = map[uint8]string{
	0: "other",
	1: "buffer-overflow",
	2: "invalid-apdu-in-this-state",
	3: "preempted-by-higher-priority-task",
	4: "segmentation-not-supported",
}

func errorClassName(c uint32) string {
	if n, ok := errorClassNames[c]; ok {
		return n
	}
	return fmt.Sprintf("class-%d", c)
}

func errorCodeName(c uint32) string {
	if n, ok := errorCodeNames[c]; ok {
		return n
	}
	return fmt.Sprintf("code-%d", c)
}

func rejectReasonName(r uint8) string {
	if n, ok := rejectReasonNames[r]; ok {
		return n
	}
	return fmt.Sprintf("reason-%d", r)
}

func abortReasonName(r uint8) string {
	if n, ok := abortReasonNames[r]; ok {
		return n
	}
	return fmt.Sprintf("reason-%d", r)
}
