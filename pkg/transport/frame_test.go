package transport

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/aeolun/tricklobby/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestWriteReadFrame(t *testing.T) {
	tests := []struct {
		name     string
		payload  []byte
		max      uint32
		wantErr  error
		wantSize int
	}{
		{"small payload", []byte(`{"kind":"leave","seq":1}`), 1024, nil, 4 + 24},
		{"exactly max", bytes.Repeat([]byte("x"), 16), 16, nil, 4 + 16},
		{"over max", bytes.Repeat([]byte("x"), 17), 16, ErrFrameTooLarge, 0},
		{"empty payload", []byte{}, 16, ErrEmptyFrame, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			err := WriteFrame(&buf, tt.payload, tt.max)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Zero(t, buf.Len(), "nothing should be written on error")
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantSize, buf.Len())
			assert.Equal(t, uint32(len(tt.payload)), binary.BigEndian.Uint32(buf.Bytes()[:4]))

			got, err := ReadFrame(&buf, tt.max)
			require.NoError(t, err)
			assert.Equal(t, tt.payload, got)
		})
	}
}

func TestReadFrameErrors(t *testing.T) {
	header := func(n uint32) []byte {
		return binary.BigEndian.AppendUint32(nil, n)
	}

	t.Run("clean EOF at boundary", func(t *testing.T) {
		_, err := ReadFrame(bytes.NewReader(nil), 64)
		assert.ErrorIs(t, err, io.EOF)
	})

	t.Run("truncated header", func(t *testing.T) {
		_, err := ReadFrame(bytes.NewReader([]byte{0, 0}), 64)
		assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	})

	t.Run("truncated payload", func(t *testing.T) {
		data := append(header(10), []byte("abc")...)
		_, err := ReadFrame(bytes.NewReader(data), 64)
		assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	})

	t.Run("header only", func(t *testing.T) {
		_, err := ReadFrame(bytes.NewReader(header(10)), 64)
		assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	})

	t.Run("zero length", func(t *testing.T) {
		_, err := ReadFrame(bytes.NewReader(header(0)), 64)
		assert.ErrorIs(t, err, protocol.ErrMalformed)
	})

	t.Run("oversized length", func(t *testing.T) {
		_, err := ReadFrame(bytes.NewReader(header(65)), 64)
		var decErr *protocol.DecodeError
		require.ErrorAs(t, err, &decErr)
		assert.Equal(t, protocol.Malformed, decErr.Reason)
	})
}

func TestReadFrameSequence(t *testing.T) {
	var buf bytes.Buffer
	for _, p := range []string{"one", "two", "three"} {
		require.NoError(t, WriteFrame(&buf, []byte(p), 64))
	}

	for _, want := range []string{"one", "two", "three"} {
		got, err := ReadFrame(&buf, 64)
		require.NoError(t, err)
		assert.Equal(t, want, string(got))
	}
	_, err := ReadFrame(&buf, 64)
	assert.ErrorIs(t, err, io.EOF)
}

// TestFrameRoundTripRapid checks that any payload within the limit survives
// a write/read cycle and consumes exactly its own bytes.
func TestFrameRoundTripRapid(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		maxBytes := rapid.Uint32Range(1, 4096).Draw(t, "max")
		n := rapid.IntRange(1, int(maxBytes)).Draw(t, "len")
		payload := rapid.SliceOfN(rapid.Byte(), n, n).Draw(t, "payload")
		trailer := rapid.SliceOf(rapid.Byte()).Draw(t, "trailer")

		var buf bytes.Buffer
		if err := WriteFrame(&buf, payload, maxBytes); err != nil {
			t.Fatalf("write failed: %v", err)
		}
		buf.Write(trailer)

		got, err := ReadFrame(&buf, maxBytes)
		if err != nil {
			t.Fatalf("read failed: %v", err)
		}
		if !bytes.Equal(got, payload) {
			t.Fatalf("payload mismatch")
		}
		if !bytes.Equal(buf.Bytes(), trailer) {
			t.Fatalf("frame consumed %d trailing bytes", len(trailer)-buf.Len())
		}
	})
}
