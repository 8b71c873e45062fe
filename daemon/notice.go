// Package daemon implements the ready handshake between render servers and
// the cluster daemon. A server calls NotifyReady once its rendezvous is bound;
// the daemon Server records the notice in a registry and acknowledges it.
//
// Both messages are JSON documents carried in the same 4-byte little-endian
// length-prefixed frames as the frame-sync protocol.
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/cyberinferno/clustersync/clustermsg"
	"github.com/cyberinferno/clustersync/registry"
)

// DefaultTimeout bounds a handshake whose context has no deadline.
const DefaultTimeout = 5 * time.Second

// ErrRejected is returned by NotifyReady when the daemon refused the notice.
var ErrRejected = errors.New("daemon: notice rejected")

// Ack is the daemon's reply to a notice.
type Ack struct {
	OK    bool   `json:"ok"`
	Node  string `json:"node,omitempty"`
	Error string `json:"error,omitempty"`
}

// NotifyReady tells the daemon at daemonAddr that a render server is ready.
//
// Parameters:
//   - ctx: Bounds the whole handshake
//   - daemonAddr: host:port of the daemon
//   - n: The notice; Time is filled in if zero
//
// Returns:
//   - nil once the daemon acknowledged the notice
//   - ErrRejected (wrapped with the daemon's reason), or a dial or I/O error
func NotifyReady(ctx context.Context, daemonAddr string, n registry.Notice) error {
	if n.Time.IsZero() {
		n.Time = time.Now().UTC()
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultTimeout)
		defer cancel()
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", daemonAddr)
	if err != nil {
		return fmt.Errorf("dial daemon %s: %w", daemonAddr, err)
	}
	defer conn.Close()

	deadline, _ := ctx.Deadline()
	_ = conn.SetDeadline(deadline)

	if err := writeJSON(conn, n); err != nil {
		return fmt.Errorf("send notice: %w", err)
	}

	var ack Ack
	if err := readJSON(conn, &ack); err != nil {
		return fmt.Errorf("read ack: %w", err)
	}

	if !ack.OK {
		return fmt.Errorf("%w: %s", ErrRejected, ack.Error)
	}

	return nil
}

func writeJSON(conn net.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}

	return clustermsg.WriteFrame(conn, b)
}

func readJSON(conn net.Conn, v any) error {
	b, err := clustermsg.ReadFrame(conn)
	if err != nil {
		return err
	}

	return json.Unmarshal(b, v)
}
