package session

import (
	"errors"
	"fmt"

	"github.com/cyberinferno/clustersync/clustermsg"
)

// Mode is the concurrency discipline of a server, fixed at startup.
type Mode int

const (
	// Async drains buffered datagrams every frame and never blocks.
	Async Mode = iota
	// Synchronized blocks each frame until a camera movement arrives and
	// gates the buffer swap on the coordinator's SwapNow.
	Synchronized
)

// String returns the mode name used in logs.
func (m Mode) String() string {
	if m == Synchronized {
		return "synchronized"
	}

	return "async"
}

// State is the session lifecycle state.
type State int

const (
	StateIdle State = iota
	StateConnected
	StateClosing
	StateTerminated
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateConnected:
		return "Connected"
	case StateClosing:
		return "Closing"
	case StateTerminated:
		return "Terminated"
	default:
		return "Unknown"
	}
}

// SessionState is the per-connection mutable state. It is reset whenever a
// connection is torn down.
type SessionState struct {
	Mode Mode
	// PositionReceived is set by a CamMovement and cleared by the swap
	// barrier when it announces SwapReady.
	PositionReceived bool
	// AwaitingSwap is true between sending SwapReady and the next swap.
	AwaitingSwap bool
	// LastSequence is the sequence number of the last dispatched datagram.
	LastSequence uint64
	// Dispatched counts datagrams dispatched on this connection.
	Dispatched uint64
	// Swaps counts swaps performed while this connection was active.
	Swaps uint64
}

// ErrExitRequested is returned by Tick after the peer sent Exit. The process
// is expected to terminate with a non-zero status.
var ErrExitRequested = errors.New("session: exit requested by coordinator")

// ErrAdminDisabled is reported when a command string arrives while admin
// commands are not enabled.
var ErrAdminDisabled = errors.New("session: admin commands disabled")

// ProtocolViolation describes a well-formed datagram that arrived out of
// protocol order. It is logged and the datagram is processed anyway.
type ProtocolViolation struct {
	Type   clustermsg.Type
	Reason string
}

func (e *ProtocolViolation) Error() string {
	return fmt.Sprintf("protocol violation: %s %s", e.Type, e.Reason)
}

// AdminCommandError wraps a failed administrative command.
type AdminCommandError struct {
	Command string
	Err     error
}

func (e *AdminCommandError) Error() string {
	return fmt.Sprintf("admin command %q failed: %v", e.Command, e.Err)
}

func (e *AdminCommandError) Unwrap() error {
	return e.Err
}
