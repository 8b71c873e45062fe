package clustermsg

import (
	"encoding/binary"
	"errors"
	"io"
)

// FrameHeaderSize is the 4-byte little-endian length prefix that delimits
// datagrams on a TCP stream.
const FrameHeaderSize = 4

// AppendFrame appends the length-prefixed frame for datagram to dst.
func AppendFrame(dst, datagram []byte) []byte {
	dst = binary.LittleEndian.AppendUint32(dst, uint32(len(datagram)))
	return append(dst, datagram...)
}

// WriteFrame writes datagram to w behind its length prefix, in a single Write
// call so concurrent writers on a net.Conn cannot interleave a frame.
//
// Parameters:
//   - w: Destination stream
//   - datagram: Encoded datagram
//
// Returns:
//   - ErrFrameTooLarge if datagram exceeds MaxDatagramSize, or the write error
func WriteFrame(w io.Writer, datagram []byte) error {
	if len(datagram) > MaxDatagramSize {
		return ErrFrameTooLarge
	}

	_, err := w.Write(AppendFrame(make([]byte, 0, FrameHeaderSize+len(datagram)), datagram))
	return err
}

// ReadFrame reads the next length-prefixed frame from r. Zero-length frames
// are skipped. A frame larger than MaxDatagramSize cannot be resynchronized
// and yields ErrFrameTooLarge; the stream should be closed.
//
// Returns:
//   - The datagram bytes without the prefix
//   - io.EOF on a clean end of stream, io.ErrUnexpectedEOF mid-frame, or the
//     underlying read error
func ReadFrame(r io.Reader) ([]byte, error) {
	var header [FrameHeaderSize]byte
	for {
		if _, err := io.ReadFull(r, header[:]); err != nil {
			return nil, err
		}

		n := binary.LittleEndian.Uint32(header[:])
		if n == 0 {
			continue
		}

		if n > MaxDatagramSize {
			return nil, ErrFrameTooLarge
		}

		buf := make([]byte, n)
		if _, err := io.ReadFull(r, buf); err != nil {
			if errors.Is(err, io.EOF) {
				return nil, io.ErrUnexpectedEOF
			}

			return nil, err
		}

		return buf, nil
	}
}
