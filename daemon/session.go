package daemon

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/cyberinferno/clustersync/logger"
	"github.com/cyberinferno/clustersync/registry"
)

// session handles one notifying connection.
type session struct {
	id     uint64
	conn   net.Conn
	server *Server
}

func (sess *session) handle() {
	s := sess.server
	log := s.Logger.With(logger.Field{Key: "session", Value: sess.id}, logger.Field{Key: "remote", Value: sess.conn.RemoteAddr().String()})

	defer func() {
		_ = sess.conn.Close()
		s.removeSession(sess.id)
		s.wg.Done()
	}()

	if s.ReadTimeout > 0 {
		_ = sess.conn.SetDeadline(time.Now().Add(s.ReadTimeout))
	}

	var n registry.Notice
	if err := readJSON(sess.conn, &n); err != nil {
		log.Warn("unreadable notice", logger.Field{Key: "error", Value: err.Error()})
		_ = writeJSON(sess.conn, Ack{Error: "malformed notice"})
		return
	}

	if n.Host == "" {
		n.Host = sess.remoteHost()
	}
	if n.Time.IsZero() {
		n.Time = time.Now().UTC()
	}

	ctx, cancel := context.WithTimeout(context.Background(), DefaultTimeout)
	defer cancel()

	if err := s.Registry.Announce(ctx, n); err != nil {
		log.Warn("notice rejected", logger.Field{Key: "node", Value: n.Node}, logger.Field{Key: "error", Value: err.Error()})
		_ = writeJSON(sess.conn, Ack{Node: n.Node, Error: err.Error()})
		return
	}

	s.Metrics.ReadyNotice()
	log.Info("server ready", logger.Field{Key: "node", Value: n.Node}, logger.Field{Key: "addr", Value: n.Addr()}, logger.Field{Key: "sync", Value: n.Sync})

	if err := writeJSON(sess.conn, Ack{OK: true, Node: n.Node}); err != nil && !errors.Is(err, net.ErrClosed) {
		log.Warn("ack not delivered", logger.Field{Key: "error", Value: err.Error()})
	}
}

func (sess *session) remoteHost() string {
	host, _, err := net.SplitHostPort(sess.conn.RemoteAddr().String())
	if err != nil {
		return ""
	}

	return host
}
