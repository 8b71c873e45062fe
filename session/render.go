package session

import (
	"context"

	"github.com/cyberinferno/clustersync/logger"
)

// RenderState is the rendering subsystem as seen by the session: the camera
// lens, the camera rig, the selected object and the buffer swap. All calls are
// made from the goroutine running Server.Tick.
type RenderState interface {
	// SetLensOffset sets the interocular offset applied to the lens.
	SetLensOffset(x float32)
	SetLensOrientation(h, p, r float32)
	SetLensFocalLength(f float32)
	SetLensFilmSize(w, h float32)
	SetLensFilmOffset(x, y float32)
	// SetRigPose places the camera rig for the current frame.
	SetRigPose(x, y, z, h, p, r float32)
	// SetSelectedObjectPose moves the currently selected object. It returns
	// false when nothing is selected.
	SetSelectedObjectPose(x, y, z, h, p, r float32) bool
	// SwapBuffers presents the rendered frame.
	SwapBuffers()
}

// CommandExecutor runs administrative command text. admin.Registry
// implements it.
type CommandExecutor interface {
	Execute(ctx context.Context, text string) error
}

// LogRenderer is a RenderState without a display: it logs every call at debug
// level. It is what a server runs with when no renderer is linked in.
type LogRenderer struct {
	Log logger.Logger
	// Selected reports whether an object counts as selected.
	Selected bool
}

// SetLensOffset implements RenderState.
func (r *LogRenderer) SetLensOffset(x float32) {
	r.Log.Debug("lens offset", logger.Field{Key: "iod", Value: x})
}

// SetLensOrientation implements RenderState.
func (r *LogRenderer) SetLensOrientation(h, p, rr float32) {
	r.Log.Debug("lens orientation", logger.Field{Key: "hpr", Value: []float32{h, p, rr}})
}

// SetLensFocalLength implements RenderState.
func (r *LogRenderer) SetLensFocalLength(f float32) {
	r.Log.Debug("lens focal length", logger.Field{Key: "focal_length", Value: f})
}

// SetLensFilmSize implements RenderState.
func (r *LogRenderer) SetLensFilmSize(w, h float32) {
	r.Log.Debug("lens film size", logger.Field{Key: "film_size", Value: []float32{w, h}})
}

// SetLensFilmOffset implements RenderState.
func (r *LogRenderer) SetLensFilmOffset(x, y float32) {
	r.Log.Debug("lens film offset", logger.Field{Key: "film_offset", Value: []float32{x, y}})
}

// SetRigPose implements RenderState.
func (r *LogRenderer) SetRigPose(x, y, z, h, p, rr float32) {
	r.Log.Debug("rig pose", logger.Field{Key: "pos", Value: []float32{x, y, z}}, logger.Field{Key: "hpr", Value: []float32{h, p, rr}})
}

// SetSelectedObjectPose implements RenderState.
func (r *LogRenderer) SetSelectedObjectPose(x, y, z, h, p, rr float32) bool {
	if !r.Selected {
		return false
	}

	r.Log.Debug("selected pose", logger.Field{Key: "pos", Value: []float32{x, y, z}}, logger.Field{Key: "hpr", Value: []float32{h, p, rr}})
	return true
}

// SwapBuffers implements RenderState.
func (r *LogRenderer) SwapBuffers() {
	r.Log.Debug("swap buffers")
}
