package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cyberinferno/clustersync/clustermsg"
	"github.com/cyberinferno/clustersync/logger"
	"github.com/cyberinferno/clustersync/metrics"
)

// ConnConfig holds per-connection settings.
type ConnConfig struct {
	// InboxSize bounds the number of decoded datagrams buffered between the
	// reader goroutine and the session. A full inbox stops reading from the
	// socket, which pushes back on the peer through TCP flow control.
	InboxSize int
	// WriteTimeout limits a single send; 0 means no timeout.
	WriteTimeout time.Duration
	// MaxDecodeErrors is the number of consecutive undecodable datagrams
	// after which the connection is closed; 0 means never.
	MaxDecodeErrors int
}

// DefaultConnConfig returns InboxSize 256, WriteTimeout 5s, MaxDecodeErrors 16.
func DefaultConnConfig() ConnConfig {
	return ConnConfig{
		InboxSize:       256,
		WriteTimeout:    5 * time.Second,
		MaxDecodeErrors: 16,
	}
}

// Conn is the single active peer connection. A reader goroutine decodes
// frames in TCP receipt order into a bounded inbox; the owning session drains
// it with ReadNonBlocking or ReadBlocking. Send may be called concurrently
// with reads.
type Conn struct {
	id      uint64
	conn    net.Conn
	codec   *clustermsg.Codec
	config  ConnConfig
	log     logger.Logger
	metrics *metrics.Metrics

	inbox     chan clustermsg.Message
	done      chan struct{}
	closeOnce sync.Once
	alive     atomic.Bool

	mu       sync.Mutex
	closeErr error

	writeMu sync.Mutex
}

// NewConn wraps an established net.Conn and starts its reader goroutine.
//
// Parameters:
//   - id: Connection id used in logs
//   - c: The accepted or dialed connection; owned by the Conn from now on
//   - codec: Codec numbering outgoing datagrams
//   - config: Per-connection settings
//   - log: Logger; a connection-scoped logger is derived from it
//   - m: Optional metrics, may be nil
//
// Returns:
//   - The running Conn
func NewConn(id uint64, c net.Conn, codec *clustermsg.Codec, config ConnConfig, log logger.Logger, m *metrics.Metrics) *Conn {
	if config.InboxSize <= 0 {
		config.InboxSize = DefaultConnConfig().InboxSize
	}

	conn := &Conn{
		id:      id,
		conn:    c,
		codec:   codec,
		config:  config,
		log:     log.With(logger.Field{Key: "conn", Value: id}, logger.Field{Key: "remote", Value: c.RemoteAddr().String()}),
		metrics: m,
		inbox:   make(chan clustermsg.Message, config.InboxSize),
		done:    make(chan struct{}),
	}
	conn.alive.Store(true)

	go conn.readLoop()

	return conn
}

// ID returns the connection id.
func (c *Conn) ID() uint64 {
	return c.id
}

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

// IsAlive reports whether the connection is still open. Datagrams buffered
// before the peer went away can still be read after IsAlive turns false.
func (c *Conn) IsAlive() bool {
	return c.alive.Load()
}

// Err returns the reason the connection closed, or nil while it is alive.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeErr
}

// ReadNonBlocking returns the next buffered datagram, or false immediately if
// none is buffered.
func (c *Conn) ReadNonBlocking() (clustermsg.Message, bool) {
	select {
	case m, ok := <-c.inbox:
		return m, ok
	default:
		return clustermsg.Message{}, false
	}
}

// ReadBlocking waits for the next datagram. Buffered datagrams are always
// returned before the close is reported.
//
// Returns:
//   - The next message
//   - ErrClosed once the connection is closed and the inbox is drained, or
//     ctx.Err() if ctx ends first
func (c *Conn) ReadBlocking(ctx context.Context) (clustermsg.Message, error) {
	select {
	case m, ok := <-c.inbox:
		if !ok {
			return clustermsg.Message{}, ErrClosed
		}
		return m, nil
	case <-ctx.Done():
		return clustermsg.Message{}, ctx.Err()
	}
}

// Send encodes m with the next sequence number and writes it. A write failure
// closes the connection and is reported as ErrClosed.
//
// Returns:
//   - The sequence number assigned to the datagram
//   - ErrClosed (wrapping the cause) if the peer is gone, or an encode error
func (c *Conn) Send(m clustermsg.Message) (uint64, error) {
	if !c.IsAlive() {
		return 0, ErrClosed
	}

	b, seq, err := c.codec.Encode(m)
	if err != nil {
		return 0, fmt.Errorf("encode %s: %w", m.Type, err)
	}

	c.writeMu.Lock()
	if c.config.WriteTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
	}
	err = clustermsg.WriteFrame(c.conn, b)
	c.writeMu.Unlock()

	if err != nil {
		c.shutdown(err)
		return 0, fmt.Errorf("%w: send %s: %w", ErrClosed, m.Type, err)
	}

	c.log.Debug("sent datagram", logger.Field{Key: "type", Value: m.Type.String()}, logger.Field{Key: "seq", Value: seq})
	return seq, nil
}

// Done is closed when the connection closes.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Close closes the connection. Safe to call multiple times.
func (c *Conn) Close() error {
	c.shutdown(ErrClosed)
	return nil
}

func (c *Conn) shutdown(reason error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closeErr = reason
		c.mu.Unlock()

		c.alive.Store(false)
		close(c.done)
		_ = c.conn.Close()
	})
}

func (c *Conn) readLoop() {
	defer close(c.inbox)

	decodeErrors := 0
	for {
		frame, err := clustermsg.ReadFrame(c.conn)
		if err != nil {
			c.handleReadError(err)
			return
		}

		m, err := clustermsg.DecodeDatagram(frame)
		if err != nil {
			decodeErrors++
			c.metrics.DecodeError(clustermsg.DecodeReason(err))
			c.log.Warn("dropping undecodable datagram", logger.Field{Key: "error", Value: err.Error()}, logger.Field{Key: "consecutive", Value: decodeErrors})

			if c.config.MaxDecodeErrors > 0 && decodeErrors >= c.config.MaxDecodeErrors {
				c.log.Error("too many undecodable datagrams, closing connection")
				c.shutdown(fmt.Errorf("%d consecutive decode errors: %w", decodeErrors, err))
				return
			}

			continue
		}
		decodeErrors = 0

		select {
		case c.inbox <- m:
		case <-c.done:
			return
		}
	}
}

func (c *Conn) handleReadError(err error) {
	select {
	case <-c.done:
		// Closed locally; the read error is a consequence.
		return
	default:
	}

	if errors.Is(err, io.EOF) {
		c.log.Info("peer disconnected")
	} else {
		c.log.Warn("read failed, closing connection", logger.Field{Key: "error", Value: err.Error()})
	}

	c.shutdown(err)
}
