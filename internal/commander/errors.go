package commander

import (
	"errors"
	"fmt"

	"bacnet-override/internal/bacnet"
	"bacnet-override/internal/stack"
)

var (
	// ErrNoResponse is the stack's transport timeout.
	ErrNoResponse = stack.ErrNoResponse
	// ErrReject matches every device refusal (*stack.RejectError).
	ErrReject = stack.ErrReject
	// ErrDecode wraps values the codec could not parse at all.
	ErrDecode = errors.New("decode")
	// ErrDecodeFallback is returned where a concrete value is required but the
	// device answered with an unclassifiable primitive.
	ErrDecodeFallback = errors.New("value not decodable")
	// ErrVerificationMismatch matches every *VerificationError.
	ErrVerificationMismatch = errors.New("verification mismatch")
	// ErrStrategiesExhausted is returned when the device refused every
	// relinquish strategy.
	ErrStrategiesExhausted = errors.New("all relinquish strategies refused")
	// ErrInvalidArgument is returned before any request is sent.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrUnknownPoint is returned for point names not in the registry.
	ErrUnknownPoint = errors.New("unknown point")
)

// VerificationError reports a write the device acknowledged but whose
// read-back disagrees.
type VerificationError struct {
	Address bacnet.PropertyAddress
	Want    bacnet.Value
	Got     bacnet.Value
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("%s: read back %s, want %s", e.Address, e.Got, e.Want)
}

func (e *VerificationError) Is(target error) bool {
	return target == ErrVerificationMismatch
}

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}
