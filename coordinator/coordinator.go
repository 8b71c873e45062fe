// Package coordinator is the driving side of the frame-sync protocol. It
// connects to every render server, distributes per-server camera settings,
// broadcasts the camera rig pose each frame and, in synchronized mode, holds
// the swap barrier: SwapNow is broadcast only once every live server has
// reported SwapReady or the wait timed out.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cyberinferno/clustersync/clustermsg"
	"github.com/cyberinferno/clustersync/logger"
	"github.com/cyberinferno/clustersync/metrics"
	"github.com/cyberinferno/clustersync/transport"
)

var (
	// ErrNoServers is returned when no server connection is left.
	ErrNoServers = errors.New("coordinator: no live servers")
	// ErrNoSuchServer is returned for a server index outside Config.Servers.
	ErrNoSuchServer = errors.New("coordinator: no such server")
)

// Config holds coordinator settings.
type Config struct {
	// Servers are the host:port addresses of the render servers. The index of
	// an address identifies the server in SendTo and FrameResult.
	Servers []string
	// Sync enables the swap barrier in Frame.
	Sync bool
	// SwapTimeout bounds the wait for SwapReady; 0 waits until every live
	// server answered or dropped.
	SwapTimeout time.Duration
	// DialTimeout bounds each connection attempt.
	DialTimeout time.Duration
	// Conn configures each server connection.
	Conn transport.ConnConfig
	// OnPeerState, if set, receives every connection state change.
	OnPeerState PeerStateHandler
}

// DefaultConfig returns a Config for servers with a 2s swap timeout, a 10s
// dial timeout and the default connection settings.
func DefaultConfig(servers ...string) Config {
	return Config{
		Servers:     servers,
		SwapTimeout: 2 * time.Second,
		DialTimeout: 10 * time.Second,
		Conn:        transport.DefaultConnConfig(),
	}
}

// FrameResult reports how the swap barrier of one frame resolved.
type FrameResult struct {
	Ready    []int         // Servers that reported SwapReady
	TimedOut []int         // Live servers that did not report in time
	Dropped  []int         // Servers lost during the frame
	Wait     time.Duration // Time spent in the barrier
}

// Coordinator drives a set of render servers. Methods may be called from
// one goroutine at a time.
type Coordinator struct {
	config  Config
	peers   []*Peer
	ready   *ReadySet
	log     logger.Logger
	metrics *metrics.Metrics
}

// Dial connects to every server in config.Servers in parallel.
//
// Parameters:
//   - ctx: Bounds the connection attempts
//   - config: Coordinator settings
//   - log: Logger for coordinator events
//   - m: Metrics collectors, may be nil
//
// Returns:
//   - A Coordinator with every server connected
//   - The first dial error; connections already made are closed
func Dial(ctx context.Context, config Config, log logger.Logger, m *metrics.Metrics) (*Coordinator, error) {
	if len(config.Servers) == 0 {
		return nil, ErrNoServers
	}

	log = log.With(logger.Field{Key: "component", Value: "coordinator"})
	c := &Coordinator{
		config:  config,
		peers:   make([]*Peer, len(config.Servers)),
		ready:   NewReadySet(),
		log:     log,
		metrics: m,
	}

	g, gctx := errgroup.WithContext(ctx)
	for i, addr := range config.Servers {
		p := newPeer(i, addr, log, config.OnPeerState)
		c.peers[i] = p

		g.Go(func() error {
			return p.connect(gctx, config.DialTimeout, config.Conn, m)
		})
	}

	if err := g.Wait(); err != nil {
		c.Close()
		return nil, err
	}

	log.Info("connected to servers", logger.Field{Key: "servers", Value: len(config.Servers)}, logger.Field{Key: "sync", Value: config.Sync})
	return c, nil
}

// Peers returns the server connections in Config.Servers order.
func (c *Coordinator) Peers() []*Peer {
	return c.peers
}

// Live returns the indexes of the connected servers. Servers whose
// connection closed since the last call are marked Disconnected.
func (c *Coordinator) Live() []int {
	var live []int
	for _, p := range c.peers {
		p.refresh()
		if p.IsConnected() {
			live = append(live, p.index)
		}
	}
	return live
}

// SendTo sends m to server i.
//
// Returns:
//   - ErrNoSuchServer for a bad index, transport.ErrClosed if the server is gone
func (c *Coordinator) SendTo(i int, m clustermsg.Message) error {
	if i < 0 || i >= len(c.peers) {
		return fmt.Errorf("%w: %d", ErrNoSuchServer, i)
	}

	return c.peers[i].send(m)
}

// Broadcast sends m to every live server.
//
// Returns:
//   - ErrNoServers if no server is live, or the joined send errors
func (c *Coordinator) Broadcast(m clustermsg.Message) error {
	live := c.Live()
	if len(live) == 0 {
		return ErrNoServers
	}

	var errs []error
	for _, i := range live {
		if err := c.peers[i].send(m); err != nil {
			errs = append(errs, fmt.Errorf("server %d: %w", i, err))
		}
	}

	return errors.Join(errs...)
}

// SetOffset sends a camera offset to server i.
func (c *Coordinator) SetOffset(i int, p clustermsg.Pose) error {
	return c.SendTo(i, clustermsg.CamOffset(p))
}

// SetFrustum sends a camera frustum to server i.
func (c *Coordinator) SetFrustum(i int, f clustermsg.Frustum) error {
	return c.SendTo(i, clustermsg.CamFrustum(f))
}

// MoveSelected broadcasts the selected object's pose.
func (c *Coordinator) MoveSelected(p clustermsg.Pose) error {
	return c.Broadcast(clustermsg.SelectedMovement(p))
}

// Command broadcasts an administrative command.
func (c *Coordinator) Command(text string) error {
	if len(text) > clustermsg.MaxCommandLength {
		return clustermsg.ErrCommandTooLong
	}

	return c.Broadcast(clustermsg.CommandString(text))
}

// Exit asks every live server to exit.
func (c *Coordinator) Exit() error {
	return c.Broadcast(clustermsg.Exit())
}

// Frame broadcasts the rig pose for one frame. With Sync set it then waits
// for SwapReady from every live server and broadcasts SwapNow. Servers that
// disconnect during the wait are dropped from the barrier; servers that do not
// answer within SwapTimeout are reported in TimedOut and still receive SwapNow.
//
// Returns:
//   - How the barrier resolved
//   - ErrNoServers if no server is live, or ctx.Err()
func (c *Coordinator) Frame(ctx context.Context, pose clustermsg.Pose) (FrameResult, error) {
	var result FrameResult

	before := c.Live()
	if len(before) == 0 {
		return result, ErrNoServers
	}

	if err := c.broadcastMovement(pose, before); err != nil {
		c.log.Warn("rig pose not delivered everywhere", logger.Field{Key: "error", Value: err.Error()})
	}

	if !c.config.Sync {
		result.Dropped = missing(before, c.Live())
		return result, nil
	}

	start := time.Now()
	asked := c.Live()
	if err := c.awaitReady(ctx, asked); err != nil {
		return result, err
	}
	result.Wait = time.Since(start)
	c.metrics.BarrierWait(result.Wait)

	live := c.Live()
	result.Ready = c.ready.Members()
	result.Dropped = missing(before, live)
	result.TimedOut = c.ready.Missing(live)

	if len(result.TimedOut) > 0 {
		c.log.Warn("swap barrier timed out", logger.Field{Key: "servers", Value: result.TimedOut}, logger.Field{Key: "timeout", Value: c.config.SwapTimeout.String()})
	}

	if len(live) == 0 {
		return result, ErrNoServers
	}

	if err := c.Broadcast(clustermsg.SwapNow()); err != nil {
		c.log.Warn("swap now not delivered everywhere", logger.Field{Key: "error", Value: err.Error()})
	}

	return result, nil
}

// broadcastMovement sends the rig pose to servers. In sync mode each delivered
// movement is owed one SwapReady.
func (c *Coordinator) broadcastMovement(pose clustermsg.Pose, servers []int) error {
	m := clustermsg.CamMovement(pose)

	var errs []error
	for _, i := range servers {
		p := c.peers[i]
		if err := p.send(m); err != nil {
			errs = append(errs, fmt.Errorf("server %d: %w", i, err))
			continue
		}
		if c.config.Sync {
			p.owed.Add(1)
		}
	}

	return errors.Join(errs...)
}

// awaitReady collects SwapReady from the asked servers.
func (c *Coordinator) awaitReady(ctx context.Context, asked []int) error {
	c.ready.Reset()

	waitCtx := ctx
	if c.config.SwapTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, c.config.SwapTimeout)
		defer cancel()
	}

	var wg sync.WaitGroup
	for _, i := range asked {
		wg.Add(1)
		go func(p *Peer) {
			defer wg.Done()
			c.awaitPeer(waitCtx, p)
		}(c.peers[i])
	}
	wg.Wait()

	return ctx.Err()
}

func (c *Coordinator) awaitPeer(ctx context.Context, p *Peer) {
	for {
		m, err := p.next(ctx)
		switch {
		case errors.Is(err, transport.ErrClosed):
			p.lost(err)
			return
		case err != nil:
			return
		}

		if m.Type == clustermsg.TypeSwapReady {
			if !p.answered() {
				p.log.Debug("late swap ready from an earlier frame", logger.Field{Key: "seq", Value: m.Seq})
				continue
			}
			c.ready.Add(p.index)
			return
		}

		c.metrics.ProtocolViolation(m.Type.String())
		p.log.Warn("unexpected datagram from server", logger.Field{Key: "type", Value: m.Type.String()})
	}
}

// Close closes every server connection. Safe to call more than once.
func (c *Coordinator) Close() {
	for _, p := range c.peers {
		if p != nil {
			p.close()
		}
	}
}

func missing(before, after []int) []int {
	still := make(map[int]bool, len(after))
	for _, i := range after {
		still[i] = true
	}

	var out []int
	for _, i := range before {
		if !still[i] {
			out = append(out, i)
		}
	}
	return out
}
