package ipc

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// Frame tags used on push/pull socket connections.
// Pulling peers send TagReady; pushing peers send TagData and TagEOF.
const (
	TagData  byte = 0x01 // one complete line (newline included)
	TagEOF   byte = 0x02 // sender has no more data (no payload)
	TagReady byte = 0x03 // puller wants exactly one more data frame (no payload)
)

// MaxPayload bounds a single frame so a corrupt header cannot force a huge allocation.
const MaxPayload = 64 << 20

// WriteFrame writes a tagged frame: [tag:1][len:4 big-endian][payload:len].
func WriteFrame(w io.Writer, tag byte, payload []byte) error {
	var header [5]byte
	header[0] = tag
	binary.BigEndian.PutUint32(header[1:], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return fmt.Errorf("write frame payload: %w", err)
		}
	}
	return nil
}

// ReadFrame reads one tagged frame, returning the tag and payload.
func ReadFrame(r io.Reader) (byte, []byte, error) {
	var header [5]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return 0, nil, err
	}
	tag := header[0]
	length := binary.BigEndian.Uint32(header[1:])
	if length > MaxPayload {
		return 0, nil, fmt.Errorf("frame payload too large: %d bytes", length)
	}
	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return 0, nil, fmt.Errorf("read frame payload: %w", err)
		}
	}
	return tag, payload, nil
}

// LineFramer splits a byte stream into complete lines and emits one
// TagData frame per line. The trailing partial line is held until the next
// Write or until Flush.
type LineFramer struct {
	emit    func(line []byte) error
	pending []byte
}

// NewLineFramer returns a LineFramer that hands each complete line to emit.
func NewLineFramer(emit func(line []byte) error) *LineFramer {
	return &LineFramer{emit: emit}
}

// Write emits every line completed by p. If emit fails, n counts only the
// bytes of p in lines already emitted, and the rest of p is not kept, so
// the caller can retry with p[n:].
func (f *LineFramer) Write(p []byte) (int, error) {
	held := len(f.pending)
	f.pending = append(f.pending, p...)
	done := 0
	for {
		i := bytes.IndexByte(f.pending[done:], '\n')
		if i < 0 {
			break
		}
		line := make([]byte, i+1)
		copy(line, f.pending[done:done+i+1])
		if err := f.emit(line); err != nil {
			f.pending = f.pending[done:max(done, held)]
			return max(done-held, 0), err
		}
		done += i + 1
	}
	f.pending = f.pending[done:]
	return len(p), nil
}

// Flush emits any buffered partial line, terminating it with a newline.
func (f *LineFramer) Flush() error {
	if len(f.pending) == 0 {
		return nil
	}
	line := append(f.pending, '\n')
	f.pending = nil
	return f.emit(line)
}
