// Package pipeline builds and runs pipelines of concurrent stages.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/marcelocantos/conduit/internal/channel"
	"github.com/marcelocantos/conduit/internal/config"
	"github.com/marcelocantos/conduit/internal/metrics"
	"github.com/marcelocantos/conduit/internal/stage"
)

// Pipeline runs build functions with everything a run needs.
type Pipeline struct {
	cfg     *config.Config
	logger  *zap.Logger
	metrics *metrics.Metrics
	stdin   io.Reader
	stdout  io.Writer
	stderr  io.Writer
}

// RunOption configures a Pipeline.
type RunOption func(*Pipeline)

// WithLogger sets the diagnostic logger.
func WithLogger(l *zap.Logger) RunOption {
	return func(p *Pipeline) { p.logger = l }
}

// WithMetrics records stage and run metrics into m.
func WithMetrics(m *metrics.Metrics) RunOption {
	return func(p *Pipeline) { p.metrics = m }
}

// WithStdio sets the streams behind the "-" channel and command stderr.
func WithStdio(stdin io.Reader, stdout, stderr io.Writer) RunOption {
	return func(p *Pipeline) {
		p.stdin, p.stdout, p.stderr = stdin, stdout, stderr
	}
}

// New returns a Pipeline using cfg. A nil cfg means the defaults.
func New(cfg *config.Config, opts ...RunOption) *Pipeline {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	p := &Pipeline{
		cfg:    cfg,
		logger: zap.NewNop(),
		stdin:  os.Stdin,
		stdout: os.Stdout,
		stderr: os.Stderr,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Report describes a finished run.
type Report struct {
	ID       string
	Stages   []string
	Duration time.Duration
}

// Run calls build to wire the stages, waits for all of them, and removes
// the run's pipe directory. A build error stops any stages already
// started. The first error wins.
func (p *Pipeline) Run(ctx context.Context, build func(b *Builder) error) (*Report, error) {
	start := time.Now()
	rep := &Report{ID: uuid.NewString()}
	log := p.logger.With(zap.String("run", rep.ID))

	pipeDir := filepath.Join(p.cfg.Pipeline.PipeDir, "conduit-"+rep.ID)
	if err := os.MkdirAll(pipeDir, 0o700); err != nil {
		return rep, fmt.Errorf("create pipe dir: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(pipeDir); err != nil {
			log.Warn("remove pipe dir", zap.Error(err))
		}
	}()

	res := channel.NewResolver(channel.Options{
		DataDir:     p.cfg.Pipeline.DataDir,
		PipeDir:     pipeDir,
		DialTimeout: p.cfg.Socket.DialTimeout,
		Stdin:       p.stdin,
		Stdout:      p.stdout,
		Logger:      log,
	})
	sup := stage.NewSupervisor(ctx, stage.NewLauncher(res, log, p.metrics), log)
	b := NewBuilder(sup, BuilderOptions{
		Channels: res,
		Host:     p.cfg.Socket.Host,
		BasePort: p.cfg.Socket.BasePort,
		CommandOptions: []stage.CommandOption{
			stage.WithShell(p.cfg.Pipeline.Shell),
			stage.WithDir(p.cfg.Pipeline.DataDir),
			stage.WithStderr(p.stderr),
		},
	})

	log.Debug("building pipeline")
	err := build(b)
	if err != nil {
		err = fmt.Errorf("build: %w", err)
		sup.Kill(err)
	}
	if werr := sup.Wait(); err == nil {
		err = werr
	}

	rep.Stages = sup.Spawned()
	rep.Duration = time.Since(start)
	p.metrics.RunFinished(rep.Duration, err)
	if err != nil {
		log.Debug("run failed", zap.Error(err), zap.Duration("duration", rep.Duration))
	} else {
		log.Debug("run finished", zap.Int("stages", len(rep.Stages)), zap.Duration("duration", rep.Duration))
	}
	return rep, err
}
