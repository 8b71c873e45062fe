package transport

import (
	"errors"
	"fmt"
)

// ErrClosed is returned by reads and sends on a connection whose peer has gone
// away or which has been closed locally. Callers treat it as a disconnect.
var ErrClosed = errors.New("transport: connection closed")

// TransportError describes a failed listener operation. A bind failure is the
// only fatal transport error.
type TransportError struct {
	Op   string
	Addr string
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport: %s %s: %v", e.Op, e.Addr, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
