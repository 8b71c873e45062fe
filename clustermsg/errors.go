package clustermsg

import (
	"errors"
	"fmt"
)

// Decode error kinds. Use errors.Is against these to classify a decode
// failure; the concrete error carries the details.
var (
	ErrUnknownType    = errors.New("clustermsg: unknown datagram type")
	ErrTruncated      = errors.New("clustermsg: truncated datagram")
	ErrLengthMismatch = errors.New("clustermsg: datagram length does not match its type")
	ErrCommandTooLong = errors.New("clustermsg: command string too long")
	ErrFrameTooLarge  = errors.New("clustermsg: frame too large")
)

// UnknownTypeError reports a type tag outside the closed type set.
type UnknownTypeError struct {
	Tag uint8
}

func (e *UnknownTypeError) Error() string {
	return fmt.Sprintf("clustermsg: unknown datagram type 0x%02X", e.Tag)
}

func (e *UnknownTypeError) Is(target error) bool {
	return target == ErrUnknownType
}

// TruncatedError reports that fewer bytes were available than the datagram
// type requires.
type TruncatedError struct {
	Type Type
	Have int
	Need int
}

func (e *TruncatedError) Error() string {
	return fmt.Sprintf("clustermsg: truncated %s datagram, have %d bytes, need at least %d", e.Type, e.Have, e.Need)
}

func (e *TruncatedError) Is(target error) bool {
	return target == ErrTruncated
}

// LengthMismatchError reports a framed datagram carrying trailing bytes beyond
// what its type defines.
type LengthMismatchError struct {
	Type Type
	Have int
	Want int
}

func (e *LengthMismatchError) Error() string {
	return fmt.Sprintf("clustermsg: %s datagram is %d bytes, want %d", e.Type, e.Have, e.Want)
}

func (e *LengthMismatchError) Is(target error) bool {
	return target == ErrLengthMismatch
}

// DecodeReason returns a short label for a decode error, suitable as a metric
// label.
func DecodeReason(err error) string {
	switch {
	case errors.Is(err, ErrUnknownType):
		return "unknown_type"
	case errors.Is(err, ErrTruncated):
		return "truncated"
	case errors.Is(err, ErrLengthMismatch):
		return "length_mismatch"
	default:
		return "other"
	}
}
