package transport

import (
	"encoding/binary"
	"fmt"
	"io"
)

const (
	frameHeaderSize = 4
	// MaxFrameSize bounds inbound frame allocation.
	MaxFrameSize = 64 << 20
)

// WriteFrame writes one length-prefixed message.
// Params: w destination stream; payload message bytes.
// Returns: write error.
func WriteFrame(w io.Writer, payload []byte) error {
	if uint64(len(payload)) > uint64(^uint32(0)) {
		return fmt.Errorf("write frame: %w", ErrFrameTooLarge)
	}

	buf := make([]byte, frameHeaderSize+len(payload))
	binary.BigEndian.PutUint32(buf[:frameHeaderSize], uint32(len(payload)))
	copy(buf[frameHeaderSize:], payload)

	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed message, blocking until it is complete.
// Params: r source stream.
// Returns: message bytes or read error (io.ErrUnexpectedEOF on short frames).
func ReadFrame(r io.Reader) ([]byte, error) {
	var header [frameHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, fmt.Errorf("read frame header: %w", err)
	}

	size := binary.BigEndian.Uint32(header[:])
	if size > MaxFrameSize {
		return nil, fmt.Errorf("read frame: %d bytes: %w", size, ErrFrameTooLarge)
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("read frame payload: %w", err)
	}
	return payload, nil
}
