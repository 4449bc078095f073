package stage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"go.uber.org/multierr"

	"github.com/marcelocantos/conduit/internal/lazyio"
)

// ErrArity is returned when a stage gets the wrong number of handles.
var ErrArity = errors.New("wrong number of channels")

func arity(name string, readers, writers []*lazyio.Handle, wantR, minW int) error {
	if len(readers) != wantR || len(writers) < minW {
		return fmt.Errorf("%w: %s wants %d reader(s) and at least %d writer(s), got %d and %d",
			ErrArity, name, wantR, minW, len(readers), len(writers))
	}
	return nil
}

// Identity copies its reader to its writer byte for byte.
type Identity struct {
	name string
}

// NewIdentity returns a pass-through stage. An empty name means "identity".
func NewIdentity(name string) *Identity {
	if name == "" {
		name = "identity"
	}
	return &Identity{name: name}
}

func (s *Identity) Name() string { return s.name }

func (s *Identity) Run(_ context.Context, readers, writers []*lazyio.Handle) error {
	if err := arity(s.name, readers, writers, 1, 1); err != nil {
		return err
	}
	if len(writers) != 1 {
		return fmt.Errorf("%w: %s wants exactly one writer", ErrArity, s.name)
	}
	_, err := io.Copy(writers[0], readers[0])
	return err
}

// Tee copies its reader to every writer.
type Tee struct{}

func (Tee) Name() string { return "tee" }

func (t Tee) Run(_ context.Context, readers, writers []*lazyio.Handle) error {
	if err := arity(t.Name(), readers, writers, 1, 1); err != nil {
		return err
	}
	ws := make([]io.Writer, len(writers))
	for i, w := range writers {
		ws[i] = w
	}
	_, err := io.Copy(io.MultiWriter(ws...), readers[0])
	return err
}

// Splitter distributes the lines of its reader across its writers, either
// round-robin or, with Broadcast set, to all of them.
type Splitter struct {
	Broadcast bool
}

func (Splitter) Name() string { return "splitter" }

func (s Splitter) Run(_ context.Context, readers, writers []*lazyio.Handle) error {
	if err := arity(s.Name(), readers, writers, 1, 1); err != nil {
		return err
	}
	next := 0
	return readers[0].Each(func(line string) error {
		if s.Broadcast {
			for _, w := range writers {
				if err := w.WriteLine(line); err != nil {
					return err
				}
			}
			return nil
		}
		w := writers[next]
		next = (next + 1) % len(writers)
		return w.WriteLine(line)
	})
}

// Joiner merges the lines of all its readers into its single writer as
// they arrive.
type Joiner struct{}

func (Joiner) Name() string { return "joiner" }

var errStopped = errors.New("joiner stopped")

func (j Joiner) Run(ctx context.Context, readers, writers []*lazyio.Handle) error {
	if len(readers) == 0 || len(writers) != 1 {
		return fmt.Errorf("%w: joiner wants readers and exactly one writer, got %d and %d",
			ErrArity, len(readers), len(writers))
	}

	lines := make(chan string)
	done := make(chan struct{})
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs error
	)
	for _, r := range readers {
		wg.Add(1)
		go func(r *lazyio.Handle) {
			defer wg.Done()
			err := r.Each(func(line string) error {
				select {
				case lines <- line:
					return nil
				case <-done:
					return errStopped
				case <-ctx.Done():
					return ctx.Err()
				}
			})
			if err != nil && !errors.Is(err, errStopped) {
				mu.Lock()
				errs = multierr.Append(errs, err)
				mu.Unlock()
			}
		}(r)
	}
	go func() {
		wg.Wait()
		close(lines)
	}()

	var werr error
	for line := range lines {
		if werr != nil {
			continue
		}
		if werr = writers[0].WriteLine(line); werr != nil {
			close(done)
		}
	}
	return multierr.Append(werr, errs)
}

// MapLines applies a function to every line. Lines for which the function
// reports false are dropped.
type MapLines struct {
	name string
	fn   func(string) (string, bool)
}

// NewMapLines returns a per-line transform stage.
func NewMapLines(name string, fn func(line string) (string, bool)) *MapLines {
	return &MapLines{name: name, fn: fn}
}

func (m *MapLines) Name() string { return m.name }

func (m *MapLines) Run(_ context.Context, readers, writers []*lazyio.Handle) error {
	if err := arity(m.name, readers, writers, 1, 1); err != nil {
		return err
	}
	return readers[0].Each(func(line string) error {
		out, keep := m.fn(line)
		if !keep {
			return nil
		}
		return writers[0].WriteLine(out)
	})
}

// Capacitor drains its reader completely into a charger before releasing
// anything downstream. With writers [out, charger] the charger handle is
// written, reopened for reading, replayed into out and then removed. With
// writers [out] it charges a fresh file in Dir instead. A failure leaves
// the charger behind.
type Capacitor struct {
	Dir string // for chargers the stage creates itself; empty means os.TempDir
}

func (Capacitor) Name() string { return "capacitor" }

func (c Capacitor) Run(_ context.Context, readers, writers []*lazyio.Handle) error {
	switch {
	case len(readers) == 1 && len(writers) == 2:
		return c.viaHandle(readers[0], writers[0], writers[1])
	case len(readers) == 1 && len(writers) == 1:
		return c.viaTemp(readers[0], writers[0])
	}
	return fmt.Errorf("%w: capacitor wants one reader and writers [out] or [out, charger], got %d and %d",
		ErrArity, len(readers), len(writers))
}

func (c Capacitor) viaHandle(in, out, charger *lazyio.Handle) error {
	if err := charger.OpenWriter(); err != nil {
		return err
	}
	if _, err := io.Copy(charger, in); err != nil {
		return fmt.Errorf("charge: %w", err)
	}
	if err := charger.Close(); err != nil {
		return err
	}

	if _, err := io.Copy(out, charger); err != nil {
		return fmt.Errorf("discharge: %w", err)
	}
	if err := charger.Close(); err != nil {
		return err
	}
	if path, ok := charger.Filename(); ok {
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("remove charger: %w", err)
		}
	}
	return nil
}

func (c Capacitor) viaTemp(in, out *lazyio.Handle) error {
	f, err := os.CreateTemp(c.Dir, "capacitor-*.charger")
	if err != nil {
		return fmt.Errorf("charge: %w", err)
	}
	if _, err := io.Copy(f, in); err != nil {
		f.Close()
		return fmt.Errorf("charge: %w", err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		f.Close()
		return fmt.Errorf("discharge: %w", err)
	}
	if _, err := io.Copy(out, f); err != nil {
		f.Close()
		return fmt.Errorf("discharge: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("discharge: %w", err)
	}
	if err := os.Remove(f.Name()); err != nil {
		return fmt.Errorf("remove charger: %w", err)
	}
	return nil
}
