package clustermsg

import (
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleMessages() []Message {
	pose := Pose{X: 1.5, Y: -2.25, Z: 3, H: 90, P: -45.5, R: 180}
	return []Message{
		{Type: TypeNone, Seq: 1},
		{Type: TypeExit, Seq: 2},
		{Type: TypeCamOffset, Seq: 3, Pose: pose},
		{Type: TypeCamFrustum, Seq: 4, Frustum: Frustum{FocalLength: 35, FilmSize: [2]float32{1.33, 1}, FilmOffset: [2]float32{0.1, -0.2}}},
		{Type: TypeCamMovement, Seq: 5, Pose: pose},
		{Type: TypeSelectedMovement, Seq: 6, Pose: Pose{X: math.MaxFloat32, R: -math.SmallestNonzeroFloat32}},
		{Type: TypeCommandString, Seq: 7, Command: "set-focal-length 50"},
		{Type: TypeSwapReady, Seq: 8},
		{Type: TypeSwapNow, Seq: math.MaxUint64},
	}
}

func TestEncodeDecode_RoundTrip(t *testing.T) {
	for _, m := range sampleMessages() {
		t.Run(m.Type.String(), func(t *testing.T) {
			b, err := Encode(m)
			require.NoError(t, err)

			got, n, err := Decode(b)
			require.NoError(t, err)
			assert.Equal(t, len(b), n)
			assert.Equal(t, m, got)

			got, err = DecodeDatagram(b)
			require.NoError(t, err)
			assert.Equal(t, m, got)
		})
	}
}

func TestDecode_Truncated(t *testing.T) {
	for _, m := range sampleMessages() {
		b, err := Encode(m)
		require.NoError(t, err)

		t.Run(m.Type.String(), func(t *testing.T) {
			for cut := 0; cut < len(b); cut++ {
				var (
					decodeErr error
					n         int
				)
				require.NotPanics(t, func() {
					_, n, decodeErr = Decode(b[:cut])
				})
				require.ErrorIs(t, decodeErr, ErrTruncated, "cut at %d", cut)
				assert.Zero(t, n)

				var te *TruncatedError
				require.ErrorAs(t, decodeErr, &te)
				assert.Equal(t, cut, te.Have)
				assert.Greater(t, te.Need, cut)
			}
		})
	}
}

func TestDecode_UnknownType(t *testing.T) {
	t.Run("0xFF tag", func(t *testing.T) {
		b := make([]byte, HeaderSize+PoseSize)
		b[0] = 0xFF

		_, n, err := Decode(b)
		require.ErrorIs(t, err, ErrUnknownType)
		assert.Zero(t, n)

		var ue *UnknownTypeError
		require.ErrorAs(t, err, &ue)
		assert.Equal(t, uint8(0xFF), ue.Tag)
	})

	t.Run("first tag past the set", func(t *testing.T) {
		_, _, err := Decode([]byte{typeCount})
		assert.ErrorIs(t, err, ErrUnknownType)
	})

	t.Run("unknown tag reported even when short", func(t *testing.T) {
		_, _, err := Decode([]byte{0xFF})
		assert.ErrorIs(t, err, ErrUnknownType)
	})
}

func TestDecodeDatagram_LengthMismatch(t *testing.T) {
	b, err := Encode(SwapNow())
	require.NoError(t, err)

	_, err = DecodeDatagram(append(b, 0x00, 0x01))
	require.ErrorIs(t, err, ErrLengthMismatch)

	var le *LengthMismatchError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, TypeSwapNow, le.Type)
	assert.Equal(t, HeaderSize, le.Want)
	assert.Equal(t, HeaderSize+2, le.Have)
}

func TestDecode_ConsumesOneDatagramFromStream(t *testing.T) {
	first, err := Encode(Message{Type: TypeCamMovement, Seq: 10, Pose: Pose{X: 1}})
	require.NoError(t, err)
	second, err := Encode(Message{Type: TypeSwapNow, Seq: 11})
	require.NoError(t, err)

	buf := append(append([]byte{}, first...), second...)

	m, n, err := Decode(buf)
	require.NoError(t, err)
	assert.Equal(t, TypeCamMovement, m.Type)
	assert.Equal(t, len(first), n)

	m, n, err = Decode(buf[n:])
	require.NoError(t, err)
	assert.Equal(t, TypeSwapNow, m.Type)
	assert.Equal(t, len(second), n)
}

func TestCommandString_Lengths(t *testing.T) {
	t.Run("empty command", func(t *testing.T) {
		b, err := Encode(CommandString(""))
		require.NoError(t, err)
		assert.Len(t, b, HeaderSize+2)

		m, err := DecodeDatagram(b)
		require.NoError(t, err)
		assert.Equal(t, "", m.Command)
	})

	t.Run("maximum length command", func(t *testing.T) {
		cmd := strings.Repeat("x", MaxCommandLength)
		b, err := Encode(CommandString(cmd))
		require.NoError(t, err)
		assert.Len(t, b, MaxDatagramSize)

		m, err := DecodeDatagram(b)
		require.NoError(t, err)
		assert.Equal(t, cmd, m.Command)
	})

	t.Run("one past maximum is rejected", func(t *testing.T) {
		_, err := Encode(CommandString(strings.Repeat("x", MaxCommandLength+1)))
		assert.ErrorIs(t, err, ErrCommandTooLong)
	})
}

func TestCodec_Sequence(t *testing.T) {
	c := NewCodec()

	_, seq1, err := c.Encode(CamMovement(Pose{}))
	require.NoError(t, err)
	b, seq2, err := c.Encode(SwapReady())
	require.NoError(t, err)

	assert.Equal(t, uint64(PacketBase+1), seq1)
	assert.Equal(t, seq1+1, seq2)
	assert.Equal(t, seq2, c.LastSequence())

	m, err := DecodeDatagram(b)
	require.NoError(t, err)
	assert.Equal(t, seq2, m.Seq)
}

func TestType_String(t *testing.T) {
	assert.Equal(t, "CamMovement", TypeCamMovement.String())
	assert.Equal(t, "SwapNow", TypeSwapNow.String())
	assert.Equal(t, "Unknown(0xFF)", Type(0xFF).String())
	assert.False(t, Type(0xFF).Valid())
	assert.True(t, TypeNone.Valid())
}

func TestDecodeReason(t *testing.T) {
	_, _, err := Decode([]byte{0xFF})
	assert.Equal(t, "unknown_type", DecodeReason(err))

	_, _, err = Decode(nil)
	assert.Equal(t, "truncated", DecodeReason(err))

	_, err = DecodeDatagram([]byte{byte(TypeExit), 0, 0, 0, 0, 0, 0, 0, 0, 9})
	assert.Equal(t, "length_mismatch", DecodeReason(err))

	assert.Equal(t, "other", DecodeReason(assert.AnError))
}
