// Package cli implements the conduit subcommands.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/marcelocantos/conduit/internal/audit"
	"github.com/marcelocantos/conduit/internal/config"
	"github.com/marcelocantos/conduit/internal/metrics"
	"github.com/marcelocantos/conduit/internal/pipeline"
	"github.com/marcelocantos/conduit/internal/script"
	"github.com/marcelocantos/conduit/internal/stage"
)

// Env carries what every subcommand needs.
type Env struct {
	Config   *config.Config
	Registry *stage.Registry
	Journal  *audit.Logger // nil disables the run journal
	Logger   *zap.Logger
	Metrics  *metrics.Metrics

	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

func (e *Env) log() *zap.Logger {
	if e.Logger == nil {
		return zap.NewNop()
	}
	return e.Logger
}

func (e *Env) pipeline(stdin io.Reader, stdout io.Writer) *pipeline.Pipeline {
	return pipeline.New(e.Config,
		pipeline.WithLogger(e.log()),
		pipeline.WithMetrics(e.Metrics),
		pipeline.WithStdio(stdin, stdout, e.Stderr),
	)
}

func (e *Env) scriptOptions() script.Options {
	return script.Options{Registry: e.Registry, Print: e.Stderr, Logger: e.log()}
}

// RunScript executes a pipeline script: conduit run <script.star>
func RunScript(ctx context.Context, env *Env, args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(env.Stderr, "usage: conduit run <script.star>")
		return 1
	}
	path := args[0]

	start := time.Now()
	rep, err := script.Run(ctx, env.pipeline(env.Stdin, env.Stdout), path, nil, env.scriptOptions())
	duration := time.Since(start)

	exitCode := resolveError(env.Stderr, err)
	logRun(env, audit.Run{
		Kind:     audit.KindScript,
		Source:   path,
		ExitCode: exitCode,
		Err:      err,
		Duration: duration,
	}, rep)
	return exitCode
}

// resolveError extracts an exit code from an error. For ExitError (command
// exited with non-zero status), the code is propagated silently; the
// command's own stderr output is sufficient. Other errors are reported.
func resolveError(w io.Writer, err error) int {
	if err == nil {
		return 0
	}
	var exitErr *stage.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	fmt.Fprintf(w, "conduit: %v\n", err)
	return 2
}

// logRun journals r, taking run id and stages from the reports.
func logRun(env *Env, r audit.Run, reports ...*pipeline.Report) {
	if env.Journal == nil {
		return
	}
	for _, rep := range reports {
		if rep == nil {
			continue
		}
		if r.ID == "" {
			r.ID = rep.ID
		}
		r.Stages = append(r.Stages, rep.Stages...)
	}
	r.Cwd, _ = os.Getwd()
	// Best-effort journaling; a journal failure never fails the run.
	if err := env.Journal.Log(r); err != nil {
		env.log().Warn("journal write failed", zap.Error(err))
	}
}
