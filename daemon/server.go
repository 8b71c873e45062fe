package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cyberinferno/clustersync/logger"
	"github.com/cyberinferno/clustersync/metrics"
	"github.com/cyberinferno/clustersync/registry"
	"github.com/cyberinferno/clustersync/sequence"
)

// Server accepts ready notices from render servers. Each connection carries
// one notice and one ack and is handled by its own session goroutine.
type Server struct {
	Addr        string
	Registry    registry.Registry
	Logger      logger.Logger
	Metrics     *metrics.Metrics
	ReadTimeout time.Duration

	listener net.Listener
	running  atomic.Bool
	ids      *sequence.Counter
	wg       sync.WaitGroup

	mu       sync.Mutex
	sessions map[uint64]*session
}

// NewServer creates a daemon Server. It does not bind until Start.
func NewServer(addr string, reg registry.Registry, log logger.Logger, m *metrics.Metrics) *Server {
	return &Server{
		Addr:        addr,
		Registry:    reg,
		Logger:      log.With(logger.Field{Key: "component", Value: "daemon"}),
		Metrics:     m,
		ReadTimeout: DefaultTimeout,
		ids:         sequence.NewCounter(0),
		sessions:    make(map[uint64]*session),
	}
}

// Start binds Addr and runs the accept loop in a goroutine.
//
// Returns:
//   - An error if the server is already running or if listening on Addr fails
func (s *Server) Start() error {
	if s.running.Load() {
		return errors.New("daemon already running")
	}

	ln, err := net.Listen("tcp", s.Addr)
	if err != nil {
		s.Logger.Error("daemon failed to start", logger.Field{Key: "error", Value: err.Error()})
		return fmt.Errorf("daemon failed to start: %w", err)
	}

	s.listener = ln
	s.running.Store(true)
	s.Logger.Info("daemon started", logger.Field{Key: "addr", Value: ln.Addr().String()})

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// ListenAddr returns the bound address, or nil before Start.
func (s *Server) ListenAddr() net.Addr {
	if s.listener == nil {
		return nil
	}

	return s.listener.Addr()
}

// Stop closes the listener and every open session, then waits for the
// session goroutines. Safe to call when the server is not running.
func (s *Server) Stop() {
	if !s.running.CompareAndSwap(true, false) {
		return
	}

	_ = s.listener.Close()

	s.mu.Lock()
	for _, sess := range s.sessions {
		_ = sess.conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	s.Logger.Info("daemon stopped")
}

// Serve starts the server and blocks until ctx ends.
func (s *Server) Serve(ctx context.Context) error {
	if err := s.Start(); err != nil {
		return err
	}

	<-ctx.Done()
	s.Stop()
	return nil
}

// SessionCount returns the number of handshakes in progress.
func (s *Server) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for s.running.Load() {
		conn, err := s.listener.Accept()
		if err != nil {
			if !s.running.Load() || errors.Is(err, net.ErrClosed) {
				return
			}

			s.Logger.Error("daemon accept error", logger.Field{Key: "error", Value: err.Error()})
			continue
		}

		sess := &session{id: s.ids.Next(), conn: conn, server: s}
		s.addSession(sess)

		s.wg.Add(1)
		go sess.handle()
	}
}

func (s *Server) addSession(sess *session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.id] = sess
}

func (s *Server) removeSession(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
}
