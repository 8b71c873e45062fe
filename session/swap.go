package session

import (
	"context"
	"errors"
	"time"

	"github.com/cyberinferno/clustersync/clustermsg"
	"github.com/cyberinferno/clustersync/logger"
	"github.com/cyberinferno/clustersync/metrics"
	"github.com/cyberinferno/clustersync/transport"
)

// CoordinateSwap runs the swap barrier for one frame in synchronized mode.
//
// With no peer the buffers are swapped locally. Otherwise, if a CamMovement
// was dispatched this frame, it sends SwapReady and dispatches datagrams until
// SwapNow swaps the buffers. The wait ends early, with a local swap, if the
// peer goes away, a newer connection is pending or SwapTimeout elapses.
//
// Returns:
//   - ErrExitRequested if Exit arrived during the wait
//   - ctx.Err() if ctx ended during the wait
func (s *Server) CoordinateSwap(ctx context.Context) error {
	if s.conn == nil {
		s.swap(metrics.SwapFallback)
		return nil
	}

	if !s.session.PositionReceived {
		return nil
	}
	s.session.PositionReceived = false

	if _, err := s.conn.Send(clustermsg.SwapReady()); err != nil {
		s.log.Warn("swap ready not delivered", logger.Field{Key: "error", Value: err.Error()})
		s.lost("send failed")
		s.swap(metrics.SwapFallback)
		return nil
	}
	s.session.AwaitingSwap = true

	start := time.Now()
	var deadline time.Time
	if s.config.SwapTimeout > 0 {
		deadline = start.Add(s.config.SwapTimeout)
	}

	for {
		m, err := s.next(ctx, deadline)
		switch {
		case errors.Is(err, errSwapTimeout):
			s.log.Warn("swap now not received in time, swapping locally", logger.Field{Key: "timeout", Value: s.config.SwapTimeout.String()})
			s.swap(metrics.SwapTimeout)
			return nil
		case errors.Is(err, errSuperseded):
			s.log.Warn("swap barrier abandoned for newer connection")
			s.swap(metrics.SwapFallback)
			return nil
		case errors.Is(err, transport.ErrClosed):
			s.lost("peer disconnected during swap barrier")
			s.swap(metrics.SwapFallback)
			return nil
		case err != nil:
			return err
		}

		if err := s.dispatch(ctx, m); err != nil {
			return err
		}
		if m.Type == clustermsg.TypeSwapNow {
			s.metrics.BarrierWait(time.Since(start))
			return nil
		}
	}
}
