// Package transport implements the cluster server's connection layer: a single
// TCP rendezvous that hands at most one active peer connection to the session,
// and the framed, decoded datagram stream of that connection.
package transport

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"

	"github.com/cyberinferno/clustersync/clustermsg"
	"github.com/cyberinferno/clustersync/logger"
	"github.com/cyberinferno/clustersync/metrics"
	"github.com/cyberinferno/clustersync/sequence"
)

// Listener is the TCP rendezvous of a render server. Its accept loop runs in a
// goroutine and parks each accepted connection in a single pending slot until
// the session polls it. A connection accepted while another is still pending
// supersedes it; the superseded one is closed without ever being promoted.
type Listener struct {
	log     logger.Logger
	metrics *metrics.Metrics
	ln      net.Listener
	codec   *clustermsg.Codec
	config  ConnConfig
	ids     *sequence.Counter
	running atomic.Bool

	mu      sync.Mutex
	pending *Conn
	wg      sync.WaitGroup
}

// Listen binds addr and starts accepting connections. A bind failure is
// returned as a *TransportError and is fatal for the server.
//
// Parameters:
//   - addr: Address to bind, e.g. ":1970"
//   - config: Settings applied to every accepted connection
//   - codec: Codec shared by all connections so packet numbers keep increasing
//     across reconnects
//   - log: Logger
//   - m: Optional metrics, may be nil
//
// Returns:
//   - The running Listener, or an error if binding failed
func Listen(addr string, config ConnConfig, codec *clustermsg.Codec, log logger.Logger, m *metrics.Metrics) (*Listener, error) {
	log = log.With(logger.Field{Key: "component", Value: "listener"})

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		log.Error("failed to bind rendezvous", logger.Field{Key: "addr", Value: addr}, logger.Field{Key: "error", Value: err.Error()})
		return nil, &TransportError{Op: "listen", Addr: addr, Err: err}
	}

	l := &Listener{
		log:     log,
		metrics: m,
		ln:      ln,
		codec:   codec,
		config:  config,
		ids:     sequence.NewCounter(0),
	}
	l.running.Store(true)

	l.log.Info("rendezvous open", logger.Field{Key: "addr", Value: ln.Addr().String()})

	l.wg.Add(1)
	go l.acceptLoop()

	return l, nil
}

// Addr returns the bound address.
func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

// PollNewConnection returns the pending connection, if any, without blocking.
// At most one connection is returned per call.
func (l *Listener) PollNewConnection() (*Conn, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	c := l.pending
	l.pending = nil
	return c, c != nil
}

// HasPending reports whether a connection is waiting to be polled.
func (l *Listener) HasPending() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pending != nil
}

// Close stops accepting and closes any connection still pending. Connections
// already handed out are owned by the caller. Safe to call multiple times.
func (l *Listener) Close() error {
	if !l.running.CompareAndSwap(true, false) {
		return nil
	}

	err := l.ln.Close()
	l.wg.Wait()

	l.mu.Lock()
	if l.pending != nil {
		_ = l.pending.Close()
		l.pending = nil
	}
	l.mu.Unlock()

	l.log.Info("rendezvous closed")
	return err
}

func (l *Listener) acceptLoop() {
	defer l.wg.Done()

	for l.running.Load() {
		nc, err := l.ln.Accept()
		if err != nil {
			if !l.running.Load() || errors.Is(err, net.ErrClosed) {
				return
			}

			l.log.Error("accept error", logger.Field{Key: "error", Value: err.Error()})
			continue
		}

		c := NewConn(l.ids.Next(), nc, l.codec, l.config, l.log, l.metrics)
		l.log.Info("new connection available", logger.Field{Key: "conn", Value: c.ID()}, logger.Field{Key: "remote", Value: c.RemoteAddr()})

		l.mu.Lock()
		if old := l.pending; old != nil {
			l.log.Warn("pending connection superseded before promotion", logger.Field{Key: "conn", Value: old.ID()})
			l.metrics.ConnectionEvent(metrics.ConnSuperseded)
			_ = old.Close()
		}
		l.pending = c
		l.mu.Unlock()
	}
}
