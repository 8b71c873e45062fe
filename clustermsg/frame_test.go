package clustermsg

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteReadFrame(t *testing.T) {
	var buf bytes.Buffer

	first, err := Encode(Message{Type: TypeCamMovement, Seq: 1, Pose: Pose{X: 1, Y: 2, Z: 3}})
	require.NoError(t, err)
	second, err := Encode(Message{Type: TypeSwapNow, Seq: 2})
	require.NoError(t, err)

	require.NoError(t, WriteFrame(&buf, first))
	require.NoError(t, WriteFrame(&buf, second))

	got, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, first, got)

	got, err = ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, second, got)

	_, err = ReadFrame(&buf)
	assert.ErrorIs(t, err, io.EOF)
}

func TestReadFrame_SkipsEmptyFrames(t *testing.T) {
	datagram, err := Encode(Exit())
	require.NoError(t, err)

	b := binary.LittleEndian.AppendUint32(nil, 0)
	b = AppendFrame(b, datagram)

	got, err := ReadFrame(bytes.NewReader(b))
	require.NoError(t, err)
	assert.Equal(t, datagram, got)
}

func TestReadFrame_Errors(t *testing.T) {
	t.Run("partial payload", func(t *testing.T) {
		b := binary.LittleEndian.AppendUint32(nil, 20)
		b = append(b, 1, 2, 3)

		_, err := ReadFrame(bytes.NewReader(b))
		assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	})

	t.Run("missing payload", func(t *testing.T) {
		b := binary.LittleEndian.AppendUint32(nil, 20)

		_, err := ReadFrame(bytes.NewReader(b))
		assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	})

	t.Run("oversized frame", func(t *testing.T) {
		b := binary.LittleEndian.AppendUint32(nil, MaxDatagramSize+1)

		_, err := ReadFrame(bytes.NewReader(b))
		assert.ErrorIs(t, err, ErrFrameTooLarge)
	})
}

func TestWriteFrame_TooLarge(t *testing.T) {
	var buf bytes.Buffer
	err := WriteFrame(&buf, make([]byte, MaxDatagramSize+1))
	assert.ErrorIs(t, err, ErrFrameTooLarge)
	assert.Zero(t, buf.Len())
}
