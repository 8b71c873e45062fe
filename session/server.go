// Package session implements the render server side of the frame-sync
// protocol: a single-peer session state machine driven once per rendered
// frame, and the swap barrier that gates buffer swaps in synchronized mode.
package session

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/cyberinferno/clustersync/clustermsg"
	"github.com/cyberinferno/clustersync/logger"
	"github.com/cyberinferno/clustersync/metrics"
	"github.com/cyberinferno/clustersync/transport"
)

// Default wait bounds.
const (
	DefaultPollInterval = 10 * time.Millisecond
	DefaultSwapTimeout  = 2 * time.Second
)

var (
	errSuperseded  = errors.New("session: newer connection pending")
	errSwapTimeout = errors.New("session: swap barrier timed out")
)

// Config holds the session options fixed at startup.
type Config struct {
	Mode Mode

	// PollInterval bounds every blocking read so a pending connection or a
	// swap timeout is noticed. Zero means DefaultPollInterval.
	PollInterval time.Duration

	// SwapTimeout bounds the wait for SwapNow after SwapReady. Zero waits
	// until SwapNow arrives or the peer goes away.
	SwapTimeout time.Duration

	// AllowAdminCommands enables CommandString handling.
	AllowAdminCommands bool
}

// Server is the session state machine for one render node. Listener polling,
// dispatch and the swap barrier all run on the goroutine calling Tick, which
// is expected to be the render loop.
type Server struct {
	config   Config
	listener *transport.Listener
	render   RenderState
	admin    CommandExecutor
	log      logger.Logger
	metrics  *metrics.Metrics

	conn    *transport.Conn
	state   atomic.Int32
	session SessionState
}

// New creates a Server reading from listener and driving render. admin may be
// nil, in which case every command string is rejected. m may be nil.
//
// Parameters:
//   - config: Session options
//   - listener: Bound rendezvous
//   - render: Render-state collaborator
//   - admin: Command executor for CommandString messages
//   - log: Logger for session events
//   - m: Metrics collectors
//
// Returns:
//   - A Server in the Idle state
func New(config Config, listener *transport.Listener, render RenderState, admin CommandExecutor, log logger.Logger, m *metrics.Metrics) *Server {
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultPollInterval
	}

	s := &Server{
		config:   config,
		listener: listener,
		render:   render,
		admin:    admin,
		log:      log.With(logger.Field{Key: "component", Value: "session"}, logger.Field{Key: "mode", Value: config.Mode.String()}),
		metrics:  m,
		session:  SessionState{Mode: config.Mode},
	}
	s.setState(StateIdle)

	return s
}

// State returns the lifecycle state. Safe to call from any goroutine, such
// as a health handler.
func (s *Server) State() State {
	return State(s.state.Load())
}

func (s *Server) setState(state State) {
	s.state.Store(int32(state))
}

// Connected reports whether a peer connection is active.
func (s *Server) Connected() bool {
	return s.conn != nil
}

// Session returns a copy of the per-connection state.
func (s *Server) Session() SessionState {
	return s.session
}

// Tick runs one frame: listener check, datagram dispatch, then the swap
// barrier in synchronized mode.
//
// Returns:
//   - ErrExitRequested after an Exit message
//   - ctx.Err() if ctx ended while blocked
func (s *Server) Tick(ctx context.Context) error {
	if s.State() == StateTerminated {
		return ErrExitRequested
	}

	s.PollListener()

	if err := s.PollReader(ctx); err != nil {
		return err
	}

	if s.config.Mode == Synchronized {
		return s.CoordinateSwap(ctx)
	}

	return nil
}

// Run calls Tick every frameInterval until Tick fails or ctx ends. It stands
// in for a render loop when the server runs headless.
func (s *Server) Run(ctx context.Context, frameInterval time.Duration) error {
	ticker := time.NewTicker(frameInterval)
	defer ticker.Stop()

	for {
		if err := s.Tick(ctx); err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// PollListener promotes a pending connection. An active connection is closed
// and its state reset first.
func (s *Server) PollListener() {
	c, ok := s.listener.PollNewConnection()
	if !ok {
		return
	}

	if s.conn != nil {
		s.log.Warn("connection superseded", logger.Field{Key: "conn", Value: s.conn.ID()}, logger.Field{Key: "by", Value: c.ID()})
		s.metrics.ConnectionEvent(metrics.ConnSuperseded)
		s.teardown()
	}

	s.conn = c
	s.session = SessionState{Mode: s.config.Mode}
	s.setState(StateConnected)
	s.metrics.ConnectionEvent(metrics.ConnAccepted)
	s.log.Info("peer connected", logger.Field{Key: "conn", Value: c.ID()}, logger.Field{Key: "remote", Value: c.RemoteAddr()})
}

// PollReader dispatches datagrams for this frame. In async mode it drains
// whatever is buffered; in synchronized mode it blocks until a CamMovement has
// been dispatched, the peer goes away or a newer connection is pending.
func (s *Server) PollReader(ctx context.Context) error {
	if s.conn == nil {
		return nil
	}

	if s.config.Mode == Synchronized {
		return s.readUntilMovement(ctx)
	}

	return s.drain(ctx)
}

// Close tears down the active connection and closes the listener.
func (s *Server) Close() error {
	s.teardown()
	return s.listener.Close()
}

func (s *Server) drain(ctx context.Context) error {
	for {
		m, ok := s.conn.ReadNonBlocking()
		if !ok {
			break
		}
		if err := s.dispatch(ctx, m); err != nil {
			return err
		}
	}

	if s.conn.IsAlive() {
		return nil
	}

	// Datagrams that landed between the last read and the close.
	for {
		m, err := s.conn.ReadBlocking(ctx)
		if errors.Is(err, transport.ErrClosed) {
			break
		}
		if err != nil {
			return err
		}
		if err := s.dispatch(ctx, m); err != nil {
			return err
		}
	}

	s.lost("peer disconnected")
	return nil
}

func (s *Server) readUntilMovement(ctx context.Context) error {
	for {
		m, err := s.next(ctx, time.Time{})
		switch {
		case errors.Is(err, errSuperseded):
			return nil
		case errors.Is(err, transport.ErrClosed):
			s.lost("peer disconnected")
			return nil
		case err != nil:
			return err
		}

		if err := s.dispatch(ctx, m); err != nil {
			return err
		}
		if m.Type == clustermsg.TypeCamMovement {
			return nil
		}
	}
}

// next blocks for the next datagram, waking every poll interval to check for
// a pending connection and the deadline, if one is set.
func (s *Server) next(ctx context.Context, deadline time.Time) (msg clustermsg.Message, err error) {
	for {
		if s.listener.HasPending() {
			return msg, errSuperseded
		}
		if !deadline.IsZero() && !time.Now().Before(deadline) {
			return msg, errSwapTimeout
		}

		pollCtx, cancel := context.WithTimeout(ctx, s.config.PollInterval)
		msg, err = s.conn.ReadBlocking(pollCtx)
		cancel()

		if err == nil {
			return msg, nil
		}
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			continue
		}

		return msg, err
	}
}

// lost tears the session down after the peer went away.
func (s *Server) lost(reason string) {
	if s.conn == nil {
		return
	}

	fields := []logger.Field{{Key: "conn", Value: s.conn.ID()}, {Key: "reason", Value: reason}}
	if err := s.conn.Err(); err != nil && !errors.Is(err, transport.ErrClosed) {
		fields = append(fields, logger.Field{Key: "error", Value: err.Error()})
	}
	s.log.Warn("peer lost", fields...)
	s.teardown()
}

func (s *Server) teardown() {
	if s.conn == nil {
		return
	}

	s.setState(StateClosing)
	_ = s.conn.Close()
	s.metrics.ConnectionEvent(metrics.ConnClosed)
	s.log.Info("session closed", logger.Field{Key: "conn", Value: s.conn.ID()}, logger.Field{Key: "dispatched", Value: s.session.Dispatched}, logger.Field{Key: "swaps", Value: s.session.Swaps})

	s.conn = nil
	s.session = SessionState{Mode: s.config.Mode}
	s.setState(StateIdle)
}
