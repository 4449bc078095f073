package channel

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Channel is a resolved channel name that can be opened for reading or writing.
type Channel interface {
	// Spec returns the parsed name.
	Spec() Spec

	// IOName returns the canonical path (files, pipes) or address (sockets).
	IOName() string

	// Path returns the filesystem path backing the channel. It reports
	// false for sockets and stdio, which have none.
	Path() (string, bool)

	// Create pre-creates the backing resource (file or FIFO) before any
	// reader or writer attaches. It is a no-op for sockets and stdio.
	Create() error

	OpenReader(ctx context.Context) (io.ReadCloser, error)
	OpenWriter(ctx context.Context) (io.WriteCloser, error)

	// Touch attaches to the channel in direction d and detaches at once,
	// so a peer blocked waiting for this end sees it come and go.
	Touch(ctx context.Context, d Direction) error
}

// Options configure a Resolver.
type Options struct {
	DataDir     string        // base for relative file names
	PipeDir     string        // where FIFOs are created
	DialTimeout time.Duration // how long socket dialers keep retrying
	Stdin       io.Reader
	Stdout      io.Writer
	Logger      *zap.Logger
}

// Resolver maps symbolic names to Channels for one pipeline run.
type Resolver struct {
	opts Options

	mu    sync.Mutex
	peers map[string]int
}

// DefaultDialTimeout applies when Options.DialTimeout is zero.
const DefaultDialTimeout = 5 * time.Second

// NewResolver creates a Resolver. Missing options get usable defaults.
func NewResolver(opts Options) *Resolver {
	if opts.DataDir == "" {
		opts.DataDir = "."
	}
	if opts.PipeDir == "" {
		opts.PipeDir = os.TempDir()
	}
	if opts.DialTimeout == 0 {
		opts.DialTimeout = DefaultDialTimeout
	}
	if opts.Stdin == nil {
		opts.Stdin = os.Stdin
	}
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Resolver{opts: opts, peers: make(map[string]int)}
}

// ExpectPeers records how many lanes will attach to the bound socket at
// address. Bound sockets use it to know when a stream is complete.
func (r *Resolver) ExpectPeers(address string, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peers[address] = n
}

func (r *Resolver) expectedPeers(address string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n, ok := r.peers[address]; ok && n > 0 {
		return n
	}
	return 1
}

// Resolve parses name and returns the matching Channel.
func (r *Resolver) Resolve(name string) (Channel, error) {
	spec, err := Parse(name)
	if err != nil {
		return nil, err
	}
	switch spec.Kind {
	case KindFile:
		return &fileChannel{spec: spec, path: r.filePath(spec.Address)}, nil
	case KindPipe:
		return &fifoChannel{spec: spec, path: r.pipePath(spec.Address)}, nil
	case KindPushSocket, KindPullSocket:
		return &socketChannel{spec: spec, r: r}, nil
	case KindStdio:
		return &stdioChannel{spec: spec, in: r.opts.Stdin, out: r.opts.Stdout}, nil
	default:
		return nil, fmt.Errorf("%w: unsupported kind %s", ErrBadName, spec.Kind)
	}
}

func (r *Resolver) filePath(name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(r.opts.DataDir, name)
}

func (r *Resolver) pipePath(name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(r.opts.PipeDir, name)
}

// fileChannel is a regular file.
type fileChannel struct {
	spec Spec
	path string
}

func (c *fileChannel) Spec() Spec           { return c.spec }
func (c *fileChannel) IOName() string       { return c.path }
func (c *fileChannel) Path() (string, bool) { return c.path, true }

func (c *fileChannel) Create() error {
	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return fmt.Errorf("create %s: %w", c.path, err)
	}
	f, err := os.OpenFile(c.path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("create %s: %w", c.path, err)
	}
	return f.Close()
}

// Touch on the write side truncates the file, so a writer that never
// wrote still leaves an empty file behind.
func (c *fileChannel) Touch(ctx context.Context, d Direction) error {
	if d != Write {
		return nil
	}
	w, err := c.OpenWriter(ctx)
	if err != nil {
		return err
	}
	return w.Close()
}

func (c *fileChannel) OpenReader(context.Context) (io.ReadCloser, error) {
	return os.Open(c.path)
}

func (c *fileChannel) OpenWriter(context.Context) (io.WriteCloser, error) {
	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return nil, fmt.Errorf("open %s: %w", c.path, err)
	}
	return os.Create(c.path)
}

// stdioChannel reads the process stdin and writes the process stdout.
// Closing it never closes the underlying streams.
type stdioChannel struct {
	spec Spec
	in   io.Reader
	out  io.Writer
}

func (c *stdioChannel) Spec() Spec           { return c.spec }
func (c *stdioChannel) IOName() string       { return SigilStdio }
func (c *stdioChannel) Path() (string, bool) { return "", false }
func (c *stdioChannel) Create() error        { return nil }

func (c *stdioChannel) Touch(context.Context, Direction) error { return nil }

func (c *stdioChannel) OpenReader(context.Context) (io.ReadCloser, error) {
	return io.NopCloser(c.in), nil
}

func (c *stdioChannel) OpenWriter(context.Context) (io.WriteCloser, error) {
	return nopWriteCloser{c.out}, nil
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }
