package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/aeolun/tricklobby/pkg/protocol"
)

const (
	// DefaultMaxFrameBytes is the payload limit used when Options leaves it unset (64 KiB)
	DefaultMaxFrameBytes = 64 * 1024

	// headerSize is the length prefix: 4 bytes, big-endian
	headerSize = 4
)

var (
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")
	ErrEmptyFrame    = errors.New("empty frame")
)

// AppendFrame appends [Length (4 bytes)][Payload (N bytes)] to dst.
func AppendFrame(dst, payload []byte) []byte {
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(payload)))
	return append(dst, payload...)
}

// WriteFrame writes one length-prefixed frame in a single Write call so a
// frame is never split across concurrent writers of the underlying stream.
func WriteFrame(w io.Writer, payload []byte, maxBytes uint32) error {
	if len(payload) == 0 {
		return ErrEmptyFrame
	}
	if uint64(len(payload)) > uint64(maxBytes) {
		return fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, len(payload), maxBytes)
	}

	buf := AppendFrame(make([]byte, 0, headerSize+len(payload)), payload)
	if _, err := w.Write(buf); err != nil {
		return err
	}

	// Flush if the writer supports it (e.g., *bufio.Writer)
	type flusher interface {
		Flush() error
	}
	if fl, ok := w.(flusher); ok {
		return fl.Flush()
	}
	return nil
}

// ReadFrame reads one frame payload.
//
// A clean end of stream before the length prefix returns io.EOF; a stream
// that ends inside a frame returns io.ErrUnexpectedEOF. A zero length or a
// length above maxBytes is a protocol violation and returns a Malformed
// *protocol.DecodeError without reading the payload.
func ReadFrame(r io.Reader, maxBytes uint32) ([]byte, error) {
	var header [headerSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(header[:])
	if length == 0 {
		return nil, protocol.MalformedError("zero-length frame")
	}
	if length > maxBytes {
		return nil, protocol.MalformedError("frame length %d exceeds maximum %d", length, maxBytes)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return payload, nil
}
