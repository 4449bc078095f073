// Package lazyio provides the restricted I/O handle passed to every stage.
//
// A Handle wraps a channel and defers opening it until the first operation
// that needs a direction. Once closed, the same Handle can be used again:
// the next read or write opens a fresh resource from the channel, which lets
// long-lived stages reconnect after a peer goes away.
package lazyio

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/marcelocantos/conduit/internal/channel"
)

// ErrDirection is returned when a handle open for one direction is used
// in the other.
var ErrDirection = errors.New("handle is open in the other direction")

// State is the lifecycle position of a Handle.
type State int

const (
	Unopened State = iota
	OpenRead
	OpenWrite
	Closed
)

func (s State) String() string {
	switch s {
	case Unopened:
		return "unopened"
	case OpenRead:
		return "open-read"
	case OpenWrite:
		return "open-write"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Channel is the part of channel.Channel a Handle needs.
type Channel interface {
	Spec() channel.Spec
	Path() (string, bool)
	OpenReader(ctx context.Context) (io.ReadCloser, error)
	OpenWriter(ctx context.Context) (io.WriteCloser, error)
	Touch(ctx context.Context, d channel.Direction) error
}

// Handle is a lazily opened, reconnectable line-oriented stream.
// A Handle is owned by a single stage and is not safe for concurrent use.
type Handle struct {
	ctx   context.Context
	ch    Channel
	role  channel.Direction
	bound bool

	state State
	r     io.ReadCloser
	br    *bufio.Reader
	w     io.WriteCloser
	bw    *bufio.Writer
	opens int
}

// New returns an unopened handle on ch. The handle can be used in either
// direction; ctx bounds every open.
func New(ctx context.Context, ch Channel) *Handle {
	return &Handle{ctx: ctx, ch: ch}
}

// NewReader returns an unopened handle a stage was given as a reader.
// If the stage never reads it, Close still attaches briefly so the
// writing peer is not left waiting.
func NewReader(ctx context.Context, ch Channel) *Handle {
	return &Handle{ctx: ctx, ch: ch, role: channel.Read, bound: true}
}

// NewWriter is the writing counterpart of NewReader.
func NewWriter(ctx context.Context, ch Channel) *Handle {
	return &Handle{ctx: ctx, ch: ch, role: channel.Write, bound: true}
}

// Handoff records that something else (usually a child process given the
// handle's path) now owns the channel, so Close must not attach to it.
func (h *Handle) Handoff() { h.bound = false }

// State reports where the handle is in its lifecycle.
func (h *Handle) State() State { return h.state }

// Opens reports how many times an underlying resource has been opened.
func (h *Handle) Opens() int { return h.opens }

// Spec returns the parsed channel name.
func (h *Handle) Spec() channel.Spec { return h.ch.Spec() }

// Filename returns the path of the file or pipe behind the handle. It
// reports false for sockets and stdio.
func (h *Handle) Filename() (string, bool) { return h.ch.Path() }

// OpenReader moves the handle to OpenRead, opening the channel if needed.
func (h *Handle) OpenReader() error {
	switch h.state {
	case OpenRead:
		return nil
	case OpenWrite:
		return ErrDirection
	}
	r, err := h.ch.OpenReader(h.ctx)
	if err != nil {
		return fmt.Errorf("open %s for reading: %w", h.ch.Spec().Raw, err)
	}
	h.r, h.br = r, bufio.NewReader(r)
	h.state = OpenRead
	h.opens++
	return nil
}

// OpenWriter moves the handle to OpenWrite, opening the channel if needed.
func (h *Handle) OpenWriter() error {
	switch h.state {
	case OpenWrite:
		return nil
	case OpenRead:
		return ErrDirection
	}
	w, err := h.ch.OpenWriter(h.ctx)
	if err != nil {
		return fmt.Errorf("open %s for writing: %w", h.ch.Spec().Raw, err)
	}
	h.w, h.bw = w, bufio.NewWriter(w)
	h.state = OpenWrite
	h.opens++
	return nil
}

// ReadLine returns the next line without its terminator, or io.EOF.
func (h *Handle) ReadLine() (string, error) {
	if err := h.OpenReader(); err != nil {
		return "", err
	}
	line, err := h.br.ReadString('\n')
	if err == io.EOF && line != "" {
		return line, nil
	}
	if err != nil {
		return "", err
	}
	return strings.TrimSuffix(strings.TrimSuffix(line, "\n"), "\r"), nil
}

// Read implements io.Reader so a handle can feed an external process.
func (h *Handle) Read(p []byte) (int, error) {
	if err := h.OpenReader(); err != nil {
		return 0, err
	}
	return h.br.Read(p)
}

// Each calls fn for every remaining line. It stops at the first error
// returned by fn.
func (h *Handle) Each(fn func(line string) error) error {
	for {
		line, err := h.ReadLine()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if err := fn(line); err != nil {
			return err
		}
	}
}

// EachCons calls fn with every window of n consecutive lines. Fewer than
// n lines in the stream means fn is never called.
func (h *Handle) EachCons(n int, fn func(window []string) error) error {
	if n <= 0 {
		return fmt.Errorf("window size must be positive, got %d", n)
	}
	window := make([]string, 0, n)
	return h.Each(func(line string) error {
		if len(window) == n {
			copy(window, window[1:])
			window = window[:n-1]
		}
		window = append(window, line)
		if len(window) < n {
			return nil
		}
		return fn(append([]string(nil), window...))
	})
}

// Fold reduces every remaining line of h into an accumulator.
func Fold[T any](h *Handle, init T, fn func(acc T, line string) T) (T, error) {
	acc := init
	err := h.Each(func(line string) error {
		acc = fn(acc, line)
		return nil
	})
	return acc, err
}

// EOF reports whether the stream has no more data.
func (h *Handle) EOF() (bool, error) {
	if err := h.OpenReader(); err != nil {
		return false, err
	}
	_, err := h.br.Peek(1)
	if err == io.EOF {
		return true, nil
	}
	return false, err
}

// WriteLine appends a single item, adding a newline if it lacks one.
func (h *Handle) WriteLine(item string) error {
	if !strings.HasSuffix(item, "\n") {
		item += "\n"
	}
	_, err := h.Write([]byte(item))
	return err
}

// Write implements io.Writer.
func (h *Handle) Write(p []byte) (int, error) {
	if err := h.OpenWriter(); err != nil {
		return 0, err
	}
	return h.bw.Write(p)
}

// Flush pushes buffered output to the channel. It is a no-op unless the
// handle is open for writing.
func (h *Handle) Flush() error {
	if h.state != OpenWrite {
		return nil
	}
	return h.bw.Flush()
}

// Closed reports whether no resource is currently open.
func (h *Handle) Closed() bool {
	return h.state != OpenRead && h.state != OpenWrite
}

// Close releases the open resource. It is idempotent. A handle given to
// a stage as reader or writer that was never opened attaches and detaches
// once, releasing whichever peer is waiting on the other end.
func (h *Handle) Close() error {
	var err error
	switch h.state {
	case Unopened:
		if h.bound {
			err = h.ch.Touch(h.ctx, h.role)
		}
	case OpenRead:
		err = h.r.Close()
		h.r, h.br = nil, nil
	case OpenWrite:
		err = h.bw.Flush()
		if cerr := h.w.Close(); err == nil {
			err = cerr
		}
		h.w, h.bw = nil, nil
	case Closed:
		return nil
	}
	h.state = Closed
	if err != nil {
		return fmt.Errorf("close %s: %w", h.ch.Spec().Raw, err)
	}
	return nil
}
