package coordinator

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cyberinferno/clustersync/clustermsg"
	"github.com/cyberinferno/clustersync/logger"
	"github.com/cyberinferno/clustersync/metrics"
	"github.com/cyberinferno/clustersync/transport"
)

// ConnectionState is the coordinator's view of one render server connection.
type ConnectionState int

const (
	Disconnected ConnectionState = iota // Not connected, or the connection was lost
	Connecting                          // Dial in progress
	Connected                           // Connection established
	Closed                              // Closed by the coordinator
)

// String returns a human-readable name for the connection state.
func (cs ConnectionState) String() string {
	switch cs {
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	case Closed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// PeerStateEvent is emitted when a server connection changes state.
type PeerStateEvent struct {
	Index     int             // Position of the server in Config.Servers
	Address   string          // The server address
	State     ConnectionState // The new state
	Timestamp time.Time       // When the change occurred
	Error     error           // Non-nil if the change was caused by an error
}

// PeerStateHandler is called from its own goroutine for every state change.
type PeerStateHandler func(event PeerStateEvent)

// Peer is one render server connection.
type Peer struct {
	index   int
	addr    string
	log     logger.Logger
	onState PeerStateHandler

	mu    sync.RWMutex
	state ConnectionState
	conn  *transport.Conn

	// owed counts movements sent in sync mode not yet answered by SwapReady.
	owed atomic.Int32
}

func newPeer(index int, addr string, log logger.Logger, onState PeerStateHandler) *Peer {
	return &Peer{
		index:   index,
		addr:    addr,
		log:     log.With(logger.Field{Key: "server", Value: index}, logger.Field{Key: "addr", Value: addr}),
		onState: onState,
		state:   Disconnected,
	}
}

// Index returns the server's position in Config.Servers.
func (p *Peer) Index() int {
	return p.index
}

// Addr returns the server address.
func (p *Peer) Addr() string {
	return p.addr
}

// State returns the connection state.
func (p *Peer) State() ConnectionState {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

// IsConnected reports whether the server connection is usable.
func (p *Peer) IsConnected() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state == Connected && p.conn != nil && p.conn.IsAlive()
}

func (p *Peer) connect(ctx context.Context, timeout time.Duration, config transport.ConnConfig, m *metrics.Metrics) error {
	p.setState(Connecting, nil)

	dialer := net.Dialer{Timeout: timeout}
	nc, err := dialer.DialContext(ctx, "tcp", p.addr)
	if err != nil {
		p.setState(Disconnected, err)
		return &transport.TransportError{Op: "dial", Addr: p.addr, Err: err}
	}

	c := transport.NewConn(uint64(p.index), nc, clustermsg.NewCodec(), config, p.log, m)

	p.mu.Lock()
	p.conn = c
	p.mu.Unlock()

	p.setState(Connected, nil)
	return nil
}

func (p *Peer) send(m clustermsg.Message) error {
	p.mu.RLock()
	c := p.conn
	state := p.state
	p.mu.RUnlock()

	if state != Connected || c == nil {
		return transport.ErrClosed
	}

	if _, err := c.Send(m); err != nil {
		p.lost(err)
		return err
	}

	return nil
}

// answered consumes one owed SwapReady and reports whether it answers the
// latest movement. An unsolicited SwapReady leaves the count at zero.
func (p *Peer) answered() bool {
	n := p.owed.Add(-1)
	if n < 0 {
		p.owed.Store(0)
		return false
	}
	return n == 0
}

// next returns the next datagram from the server.
func (p *Peer) next(ctx context.Context) (clustermsg.Message, error) {
	p.mu.RLock()
	c := p.conn
	p.mu.RUnlock()

	if c == nil {
		return clustermsg.Message{}, transport.ErrClosed
	}

	return c.ReadBlocking(ctx)
}

// refresh notices a connection that closed underneath the peer.
func (p *Peer) refresh() {
	p.mu.RLock()
	c := p.conn
	state := p.state
	p.mu.RUnlock()

	if state == Connected && c != nil && !c.IsAlive() {
		err := c.Err()
		if err == nil {
			err = transport.ErrClosed
		}
		p.lost(err)
	}
}

func (p *Peer) lost(err error) {
	p.mu.Lock()
	if p.state != Connected {
		p.mu.Unlock()
		return
	}
	c := p.conn
	p.mu.Unlock()

	if c != nil {
		_ = c.Close()
	}

	p.log.Warn("server lost", logger.Field{Key: "error", Value: err.Error()})
	p.setState(Disconnected, err)
}

func (p *Peer) close() {
	p.mu.Lock()
	if p.state == Closed {
		p.mu.Unlock()
		return
	}
	c := p.conn
	p.mu.Unlock()

	if c != nil {
		_ = c.Close()
	}

	p.setState(Closed, nil)
}

func (p *Peer) setState(state ConnectionState, err error) {
	p.mu.Lock()
	p.state = state
	handler := p.onState
	p.mu.Unlock()

	if handler != nil {
		go handler(PeerStateEvent{
			Index:     p.index,
			Address:   p.addr,
			State:     state,
			Timestamp: time.Now(),
			Error:     err,
		})
	}
}
