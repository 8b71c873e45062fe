package session

import (
	"context"
	"errors"

	"github.com/cyberinferno/clustersync/clustermsg"
	"github.com/cyberinferno/clustersync/logger"
	"github.com/cyberinferno/clustersync/metrics"
)

// Admin command results recorded in metrics.
const (
	adminOK       = "ok"
	adminFailed   = "error"
	adminDisabled = "disabled"
)

// dispatch applies one datagram. Only Exit produces an error.
func (s *Server) dispatch(ctx context.Context, m clustermsg.Message) error {
	s.session.LastSequence = m.Seq
	s.session.Dispatched++
	s.metrics.DatagramReceived(m.Type.String())

	switch m.Type {
	case clustermsg.TypeNone:
	case clustermsg.TypeExit:
		s.log.Info("exit requested", logger.Field{Key: "seq", Value: m.Seq})
		s.teardown()
		s.setState(StateTerminated)
		return ErrExitRequested
	case clustermsg.TypeCamOffset:
		p := m.Pose
		s.render.SetLensOffset(p.X)
		s.render.SetLensOrientation(p.H, p.P, p.R)
	case clustermsg.TypeCamFrustum:
		f := m.Frustum
		s.render.SetLensFocalLength(f.FocalLength)
		s.render.SetLensFilmSize(f.FilmSize[0], f.FilmSize[1])
		s.render.SetLensFilmOffset(f.FilmOffset[0], f.FilmOffset[1])
	case clustermsg.TypeCamMovement:
		p := m.Pose
		s.render.SetRigPose(p.X, p.Y, p.Z, p.H, p.P, p.R)
		s.session.PositionReceived = true
	case clustermsg.TypeSelectedMovement:
		p := m.Pose
		if !s.render.SetSelectedObjectPose(p.X, p.Y, p.Z, p.H, p.P, p.R) {
			s.log.Debug("selected movement ignored, nothing selected", logger.Field{Key: "seq", Value: m.Seq})
		}
	case clustermsg.TypeCommandString:
		s.runCommand(ctx, m)
	case clustermsg.TypeSwapReady:
		// Only meaningful at the coordinator.
	case clustermsg.TypeSwapNow:
		if s.config.Mode == Synchronized && !s.session.AwaitingSwap {
			s.violation(m, "without prior SwapReady")
		}
		s.swap(metrics.SwapGated)
	default:
		s.log.Warn("unrecognized datagram ignored", logger.Field{Key: "type", Value: m.Type.String()}, logger.Field{Key: "seq", Value: m.Seq})
	}

	return nil
}

func (s *Server) runCommand(ctx context.Context, m clustermsg.Message) {
	if !s.config.AllowAdminCommands || s.admin == nil {
		s.metrics.AdminCommand(adminDisabled)
		s.log.Warn("admin command rejected", logger.Field{Key: "type", Value: m.Type.String()}, logger.Field{Key: "error", Value: ErrAdminDisabled.Error()})
		return
	}

	if err := s.admin.Execute(ctx, m.Command); err != nil {
		s.metrics.AdminCommand(adminFailed)
		cmdErr := &AdminCommandError{Command: m.Command, Err: err}
		s.log.Warn("admin command failed", logger.Field{Key: "type", Value: m.Type.String()}, logger.Field{Key: "error", Value: cmdErr.Error()})
		return
	}

	s.metrics.AdminCommand(adminOK)
	s.log.Info("admin command executed", logger.Field{Key: "command", Value: m.Command})
}

func (s *Server) violation(m clustermsg.Message, reason string) {
	err := &ProtocolViolation{Type: m.Type, Reason: reason}
	s.metrics.ProtocolViolation(m.Type.String())
	s.log.Warn("protocol violation", logger.Field{Key: "type", Value: m.Type.String()}, logger.Field{Key: "seq", Value: m.Seq}, logger.Field{Key: "error", Value: err.Error()})
}

func (s *Server) swap(kind string) {
	s.render.SwapBuffers()
	s.metrics.SwapPerformed(kind)
	s.session.AwaitingSwap = false
	s.session.Swaps++
}

// IsExit reports whether err means the coordinator asked the process to exit.
func IsExit(err error) bool {
	return errors.Is(err, ErrExitRequested)
}
