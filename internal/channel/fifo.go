package channel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// fifoChannel is a named pipe. Opening either end blocks until the other
// end attaches, but the wait is abandoned when the context is cancelled.
type fifoChannel struct {
	spec Spec
	path string
}

func (c *fifoChannel) Spec() Spec           { return c.spec }
func (c *fifoChannel) IOName() string       { return c.path }
func (c *fifoChannel) Path() (string, bool) { return c.path, true }

// Create makes the FIFO if it does not already exist.
func (c *fifoChannel) Create() error {
	if err := os.MkdirAll(filepath.Dir(c.path), 0o700); err != nil {
		return fmt.Errorf("create pipe dir: %w", err)
	}
	err := unix.Mkfifo(c.path, 0o600)
	if err == nil || errors.Is(err, unix.EEXIST) {
		return nil
	}
	return fmt.Errorf("mkfifo %s: %w", c.path, err)
}

func (c *fifoChannel) OpenReader(ctx context.Context) (io.ReadCloser, error) {
	return c.open(ctx, os.O_RDONLY)
}

func (c *fifoChannel) OpenWriter(ctx context.Context) (io.WriteCloser, error) {
	return c.open(ctx, os.O_WRONLY)
}

// Touch rendezvouses with the peer and hangs up at once, so the peer sees
// an empty stream (reader) or a broken pipe (writer). It waits for the peer
// like a normal open does.
func (c *fifoChannel) Touch(ctx context.Context, d Direction) error {
	flag := os.O_RDONLY
	if d == Write {
		flag = os.O_WRONLY
	}
	f, err := c.open(ctx, flag)
	if err != nil {
		return err
	}
	return f.Close()
}

func (c *fifoChannel) open(ctx context.Context, flag int) (*os.File, error) {
	if err := c.Create(); err != nil {
		return nil, err
	}

	type result struct {
		f   *os.File
		err error
	}
	done := make(chan result, 1)
	go func() {
		f, err := os.OpenFile(c.path, flag, 0)
		done <- result{f, err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return nil, fmt.Errorf("open pipe %s: %w", c.path, res.err)
		}
		return res.f, nil
	case <-ctx.Done():
	}

	// Attaching both ends ourselves releases the blocked open.
	fd, err := unix.Open(c.path, unix.O_RDWR|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		go func() {
			if res := <-done; res.f != nil {
				res.f.Close()
			}
		}()
		return nil, ctx.Err()
	}
	if res := <-done; res.f != nil {
		res.f.Close()
	}
	unix.Close(fd)
	return nil, ctx.Err()
}
