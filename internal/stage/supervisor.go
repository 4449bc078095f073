package stage

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"gopkg.in/tomb.v2"

	"github.com/marcelocantos/conduit/internal/channel"
)

// ErrSealed is returned by Spawn once Wait has been called.
var ErrSealed = errors.New("supervisor is sealed")

// Supervisor runs stages concurrently under a tomb. The first stage to
// fail kills the tomb, which cancels the context shared by every stage.
type Supervisor struct {
	launcher *Launcher
	logger   *zap.Logger
	t        *tomb.Tomb
	ctx      context.Context

	mu       sync.Mutex
	sealed   chan struct{}
	isSealed bool
	spawned  []string
}

// NewSupervisor creates a supervisor whose stages run under ctx.
func NewSupervisor(ctx context.Context, l *Launcher, logger *zap.Logger) *Supervisor {
	if logger == nil {
		logger = zap.NewNop()
	}
	t, tctx := tomb.WithContext(ctx)
	s := &Supervisor{
		launcher: l,
		logger:   logger,
		t:        t,
		ctx:      tctx,
		sealed:   make(chan struct{}),
	}
	// Keeps the tomb alive until Wait, so Spawn can always call t.Go.
	t.Go(func() error {
		<-s.sealed
		return nil
	})
	return s
}

// Context is cancelled when any stage fails or Kill is called.
func (s *Supervisor) Context() context.Context { return s.ctx }

// Spawn checks the channel names and starts s in its own goroutine. Bad
// names fail here, before anything runs.
func (s *Supervisor) Spawn(st Stage, readers, writers []string) error {
	for _, name := range readers {
		if _, err := channel.ParseFor(name, channel.Read); err != nil {
			return fmt.Errorf("spawn %s: reader: %w", st.Name(), err)
		}
	}
	for _, name := range writers {
		if _, err := channel.ParseFor(name, channel.Write); err != nil {
			return fmt.Errorf("spawn %s: writer: %w", st.Name(), err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isSealed {
		return ErrSealed
	}
	s.spawned = append(s.spawned, st.Name())

	readers = append([]string(nil), readers...)
	writers = append([]string(nil), writers...)
	s.t.Go(func() error {
		if err := s.launcher.Run(s.ctx, st, readers, writers); err != nil {
			return fmt.Errorf("stage %s: %w", st.Name(), err)
		}
		return nil
	})
	return nil
}

// Spawned lists the names of every stage started so far, in order.
func (s *Supervisor) Spawned() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.spawned...)
}

// Kill stops every stage with reason.
func (s *Supervisor) Kill(reason error) {
	s.logger.Debug("killing stages", zap.Error(reason))
	s.t.Kill(reason)
}

// Wait seals the supervisor and blocks until every stage has returned. It
// returns the first stage error.
func (s *Supervisor) Wait() error {
	s.mu.Lock()
	if !s.isSealed {
		s.isSealed = true
		close(s.sealed)
	}
	s.mu.Unlock()
	return s.t.Wait()
}
