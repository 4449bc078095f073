package stage

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/marcelocantos/conduit/internal/channel"
	"github.com/marcelocantos/conduit/internal/lazyio"
	"github.com/marcelocantos/conduit/internal/metrics"
)

// Resolver turns channel names into channels.
type Resolver interface {
	Resolve(name string) (channel.Channel, error)
}

// Launcher runs a stage against named channels and guarantees every
// handle it created is closed afterwards.
type Launcher struct {
	resolver Resolver
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

// NewLauncher creates a Launcher. logger and m may be nil.
func NewLauncher(r Resolver, logger *zap.Logger, m *metrics.Metrics) *Launcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Launcher{resolver: r, logger: logger, metrics: m}
}

// Run resolves readerNames then writerNames into unopened handles, runs s
// with them, then closes every writer followed by every reader. Close
// failures are logged and counted but never change the result, which is
// the stage's own error (or the resolution error).
func (l *Launcher) Run(ctx context.Context, s Stage, readerNames, writerNames []string) error {
	var readers, writers []*lazyio.Handle
	defer func() {
		l.closeAll(s.Name(), writers, readers)
	}()

	for _, name := range readerNames {
		ch, err := l.resolver.Resolve(name)
		if err != nil {
			return fmt.Errorf("reader %q: %w", name, err)
		}
		readers = append(readers, lazyio.NewReader(ctx, ch))
	}
	for _, name := range writerNames {
		ch, err := l.resolver.Resolve(name)
		if err != nil {
			return fmt.Errorf("writer %q: %w", name, err)
		}
		writers = append(writers, lazyio.NewWriter(ctx, ch))
	}

	log := l.logger.With(zap.String("stage", s.Name()))
	log.Debug("stage started",
		zap.Strings("readers", readerNames),
		zap.Strings("writers", writerNames))
	l.metrics.StageStarted(s.Name())

	start := time.Now()
	err := s.Run(ctx, readers, writers)
	l.metrics.StageFinished(s.Name(), time.Since(start), err)

	if err != nil {
		log.Error("stage failed", zap.Error(err), zap.Duration("duration", time.Since(start)))
	} else {
		log.Debug("stage finished", zap.Duration("duration", time.Since(start)))
	}
	return err
}

func (l *Launcher) closeAll(stage string, writers, readers []*lazyio.Handle) {
	var errs error
	for _, group := range [][]*lazyio.Handle{writers, readers} {
		for _, h := range group {
			if err := h.Close(); err != nil {
				errs = multierr.Append(errs, err)
				l.metrics.CloseFailed()
			}
		}
	}
	for _, err := range multierr.Errors(errs) {
		l.logger.Warn("close failed", zap.String("stage", stage), zap.Error(err))
	}
}
