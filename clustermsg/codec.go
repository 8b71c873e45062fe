package clustermsg

import (
	"encoding/binary"
	"math"

	"github.com/cyberinferno/clustersync/sequence"
)

const (
	// HeaderSize is the type tag plus the sequence number.
	HeaderSize = 1 + 8

	// PoseSize is six float32 values.
	PoseSize = 6 * 4

	// FrustumSize is focal length, film size pair and film offset pair.
	FrustumSize = 5 * 4

	// MaxCommandLength is the longest command string a datagram can carry.
	MaxCommandLength = math.MaxUint16

	// MaxDatagramSize bounds every encoded datagram.
	MaxDatagramSize = HeaderSize + 2 + MaxCommandLength
)

// PacketBase is the first sequence number handed out by NewCodec.
const PacketBase = 2000000

// Codec stamps outgoing messages with a shared sequence number and encodes
// them. It holds no other state and is safe for concurrent use.
type Codec struct {
	counter *sequence.Counter
}

// NewCodec creates a Codec whose first datagram is numbered PacketBase+1.
func NewCodec() *Codec {
	return &Codec{counter: sequence.NewCounter(PacketBase)}
}

// Encode assigns the next sequence number to m and encodes it.
//
// Parameters:
//   - m: The message to send; its Seq field is overwritten
//
// Returns:
//   - The encoded datagram
//   - The sequence number assigned to it
//   - ErrCommandTooLong if a command string exceeds MaxCommandLength
func (c *Codec) Encode(m Message) ([]byte, uint64, error) {
	m.Seq = c.counter.Next()
	b, err := Encode(m)
	return b, m.Seq, err
}

// LastSequence returns the sequence number of the most recently encoded
// datagram.
func (c *Codec) LastSequence() uint64 {
	return c.counter.Last()
}

// Encode encodes m using its own Seq field.
//
// Returns:
//   - The encoded datagram
//   - ErrCommandTooLong if a command string exceeds MaxCommandLength
func Encode(m Message) ([]byte, error) {
	if m.Type == TypeCommandString && len(m.Command) > MaxCommandLength {
		return nil, ErrCommandTooLong
	}

	buf := make([]byte, HeaderSize, HeaderSize+bodySize(m.Type, len(m.Command)))
	buf[0] = byte(m.Type)
	binary.LittleEndian.PutUint64(buf[1:HeaderSize], m.Seq)

	switch m.Type {
	case TypeCamOffset, TypeCamMovement, TypeSelectedMovement:
		buf = appendPose(buf, m.Pose)
	case TypeCamFrustum:
		buf = appendFloats(buf, m.Frustum.FocalLength,
			m.Frustum.FilmSize[0], m.Frustum.FilmSize[1],
			m.Frustum.FilmOffset[0], m.Frustum.FilmOffset[1])
	case TypeCommandString:
		buf = binary.LittleEndian.AppendUint16(buf, uint16(len(m.Command)))
		buf = append(buf, m.Command...)
	}

	return buf, nil
}

// Decode decodes the datagram at the start of b. It never panics on short
// input: a buffer too small for the declared type yields a TruncatedError and
// an unrecognized tag yields an UnknownTypeError. Neither error implies the
// connection is broken.
//
// Parameters:
//   - b: Buffer beginning with a datagram
//
// Returns:
//   - The decoded message
//   - The number of bytes consumed
//   - A decode error, if any
func Decode(b []byte) (Message, int, error) {
	if len(b) == 0 {
		return Message{}, 0, &TruncatedError{Type: TypeNone, Have: 0, Need: HeaderSize}
	}

	t := Type(b[0])
	if !t.Valid() {
		return Message{}, 0, &UnknownTypeError{Tag: b[0]}
	}

	if len(b) < HeaderSize {
		return Message{}, 0, &TruncatedError{Type: t, Have: len(b), Need: HeaderSize}
	}

	m := Message{Type: t, Seq: binary.LittleEndian.Uint64(b[1:HeaderSize])}
	body := b[HeaderSize:]

	switch t {
	case TypeCamOffset, TypeCamMovement, TypeSelectedMovement:
		if len(body) < PoseSize {
			return Message{}, 0, &TruncatedError{Type: t, Have: len(b), Need: HeaderSize + PoseSize}
		}
		f := readFloats(body, 6)
		m.Pose = Pose{X: f[0], Y: f[1], Z: f[2], H: f[3], P: f[4], R: f[5]}
		return m, HeaderSize + PoseSize, nil

	case TypeCamFrustum:
		if len(body) < FrustumSize {
			return Message{}, 0, &TruncatedError{Type: t, Have: len(b), Need: HeaderSize + FrustumSize}
		}
		f := readFloats(body, 5)
		m.Frustum = Frustum{
			FocalLength: f[0],
			FilmSize:    [2]float32{f[1], f[2]},
			FilmOffset:  [2]float32{f[3], f[4]},
		}
		return m, HeaderSize + FrustumSize, nil

	case TypeCommandString:
		if len(body) < 2 {
			return Message{}, 0, &TruncatedError{Type: t, Have: len(b), Need: HeaderSize + 2}
		}
		n := int(binary.LittleEndian.Uint16(body[:2]))
		if len(body) < 2+n {
			return Message{}, 0, &TruncatedError{Type: t, Have: len(b), Need: HeaderSize + 2 + n}
		}
		m.Command = string(body[2 : 2+n])
		return m, HeaderSize + 2 + n, nil
	}

	return m, HeaderSize, nil
}

// DecodeDatagram decodes a complete framed datagram, rejecting one whose
// length does not match its declared type.
func DecodeDatagram(b []byte) (Message, error) {
	m, n, err := Decode(b)
	if err != nil {
		return Message{}, err
	}

	if n != len(b) {
		return Message{}, &LengthMismatchError{Type: m.Type, Have: len(b), Want: n}
	}

	return m, nil
}

func bodySize(t Type, commandLen int) int {
	switch t {
	case TypeCamOffset, TypeCamMovement, TypeSelectedMovement:
		return PoseSize
	case TypeCamFrustum:
		return FrustumSize
	case TypeCommandString:
		return 2 + commandLen
	default:
		return 0
	}
}

func appendPose(buf []byte, p Pose) []byte {
	return appendFloats(buf, p.X, p.Y, p.Z, p.H, p.P, p.R)
}

func appendFloats(buf []byte, vals ...float32) []byte {
	for _, v := range vals {
		buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(v))
	}

	return buf
}

func readFloats(b []byte, n int) []float32 {
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}

	return out
}
