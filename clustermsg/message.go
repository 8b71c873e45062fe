// Package clustermsg defines the cluster control datagrams exchanged between a
// coordinator and its render servers, and their binary encoding.
//
// Datagram layout (little-endian):
//
//	┌──────────┬──────────────────┬──────────────────────────────┐
//	│ Type     │ Sequence         │ Body (fixed size per type,   │
//	│ (1 byte) │ (8 bytes)        │ length-prefixed for commands)│
//	└──────────┴──────────────────┴──────────────────────────────┘
//
// On a stream every datagram is carried in a frame with a 4-byte length
// prefix, see ReadFrame and WriteFrame.
package clustermsg

import "fmt"

// Type identifies a datagram. The set is closed; values outside it are
// rejected by Decode with an UnknownTypeError.
type Type uint8

const (
	TypeNone             Type = 0x00 // Empty read, never sent on purpose
	TypeExit             Type = 0x01 // Coordinator asks the server process to exit
	TypeCamOffset        Type = 0x02 // Lens IOD offset and view orientation
	TypeCamFrustum       Type = 0x03 // Focal length, film size and film offset
	TypeCamMovement      Type = 0x04 // Camera rig pose for this frame
	TypeSelectedMovement Type = 0x05 // Pose of the currently selected object
	TypeCommandString    Type = 0x06 // Administrative command text
	TypeSwapReady        Type = 0x07 // Server -> coordinator: ready to swap
	TypeSwapNow          Type = 0x08 // Coordinator -> server: swap now

	typeCount = 9
)

var typeNames = [typeCount]string{
	"None",
	"Exit",
	"CamOffset",
	"CamFrustum",
	"CamMovement",
	"SelectedMovement",
	"CommandString",
	"SwapReady",
	"SwapNow",
}

// Valid reports whether t is a member of the closed type set.
func (t Type) Valid() bool {
	return int(t) < typeCount
}

// String returns the type name, or "Unknown(0xNN)" for tags outside the set.
func (t Type) String() string {
	if !t.Valid() {
		return fmt.Sprintf("Unknown(0x%02X)", uint8(t))
	}

	return typeNames[t]
}

// Pose is a position plus heading/pitch/roll orientation. It is the payload of
// CamOffset, CamMovement and SelectedMovement datagrams.
type Pose struct {
	X, Y, Z float32
	H, P, R float32
}

// Frustum is the payload of a CamFrustum datagram.
type Frustum struct {
	FocalLength float32
	FilmSize    [2]float32
	FilmOffset  [2]float32
}

// Message is a decoded datagram. Which payload field is meaningful depends on
// Type: Pose for the three pose types, Frustum for CamFrustum and Command for
// CommandString. The remaining types carry no payload.
type Message struct {
	Type    Type
	Seq     uint64
	Pose    Pose
	Frustum Frustum
	Command string
}

// String returns a compact description for logs.
func (m Message) String() string {
	switch m.Type {
	case TypeCamOffset, TypeCamMovement, TypeSelectedMovement:
		p := m.Pose
		return fmt.Sprintf("%s#%d(%g,%g,%g,%g,%g,%g)", m.Type, m.Seq, p.X, p.Y, p.Z, p.H, p.P, p.R)
	case TypeCamFrustum:
		f := m.Frustum
		return fmt.Sprintf("%s#%d(fl=%g fs=%v fo=%v)", m.Type, m.Seq, f.FocalLength, f.FilmSize, f.FilmOffset)
	case TypeCommandString:
		return fmt.Sprintf("%s#%d(%d bytes)", m.Type, m.Seq, len(m.Command))
	default:
		return fmt.Sprintf("%s#%d", m.Type, m.Seq)
	}
}

// Exit builds a message asking the render server to exit.
func Exit() Message {
	return Message{Type: TypeExit}
}

// CamOffset builds a camera offset message for one server.
func CamOffset(p Pose) Message {
	return Message{Type: TypeCamOffset, Pose: p}
}

// CamFrustum builds a lens frustum message.
func CamFrustum(f Frustum) Message {
	return Message{Type: TypeCamFrustum, Frustum: f}
}

// CamMovement builds the per-frame rig pose message.
func CamMovement(p Pose) Message {
	return Message{Type: TypeCamMovement, Pose: p}
}

// SelectedMovement builds a pose update for the selected object.
func SelectedMovement(p Pose) Message {
	return Message{Type: TypeSelectedMovement, Pose: p}
}

// CommandString builds an administrative command message. The text is
// checked against MaxCommandLength on encode.
func CommandString(cmd string) Message {
	return Message{Type: TypeCommandString, Command: cmd}
}

// SwapReady builds the server's barrier arrival message.
func SwapReady() Message {
	return Message{Type: TypeSwapReady}
}

// SwapNow builds the coordinator's barrier release message.
func SwapNow() Message {
	return Message{Type: TypeSwapNow}
}
