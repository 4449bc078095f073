// Package script builds pipelines from Starlark programs.
//
// A script calls wiring builtins (from_file, spawn, tee, parallel, ...) that
// map one to one onto pipeline.Builder methods. Every builtin that starts a
// stage accepts the keywords reader=, writer= and name= to override the
// automatic wiring. Stages start only after the whole script has run, so a
// script error starts nothing.
package script

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"go.starlark.net/starlark"
	"go.starlark.net/syntax"
	"go.uber.org/zap"

	"github.com/marcelocantos/conduit/internal/lazyio"
	"github.com/marcelocantos/conduit/internal/pipeline"
	"github.com/marcelocantos/conduit/internal/stage"
)

// Options configure script execution.
type Options struct {
	Registry *stage.Registry // resolves spawn(["name", args...]); optional
	Print    io.Writer       // print() output, default os.Stderr
	Logger   *zap.Logger
}

var fileOptions = &syntax.FileOptions{
	Set:             true,
	While:           true,
	TopLevelControl: true,
	GlobalReassign:  true,
}

// Run executes the script as a single pipeline run. src may be nil, in
// which case filename is read.
func Run(ctx context.Context, p *pipeline.Pipeline, filename string, src any, opts Options) (*pipeline.Report, error) {
	return p.Run(ctx, func(b *pipeline.Builder) error {
		return Exec(b, filename, src, opts)
	})
}

// Exec runs the script against b.
func Exec(b *pipeline.Builder, filename string, src any, opts Options) error {
	if opts.Print == nil {
		opts.Print = os.Stderr
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	e := &env{b: b, opts: opts}
	thread := &starlark.Thread{Name: filename, Print: e.print}

	return b.Batch(func() error {
		_, err := starlark.ExecFileOptions(fileOptions, thread, filename, src, e.builtins())
		if err != nil {
			var evalErr *starlark.EvalError
			if errors.As(err, &evalErr) {
				opts.Logger.Debug("script failed", zap.String("backtrace", evalErr.Backtrace()))
			}
			return fmt.Errorf("script %s: %w", filename, err)
		}
		return nil
	})
}

type env struct {
	b    *pipeline.Builder
	opts Options

	printMu sync.Mutex // lambdas print from stage goroutines
}

func (e *env) print(_ *starlark.Thread, msg string) {
	e.printMu.Lock()
	defer e.printMu.Unlock()
	fmt.Fprintln(e.opts.Print, msg)
}

type builtinFunc func(*starlark.Thread, *starlark.Builtin, starlark.Tuple, []starlark.Tuple) (starlark.Value, error)

func (e *env) builtins() starlark.StringDict {
	fns := map[string]builtinFunc{
		"from_file":      e.fromFile,
		"to_file":        e.toFile,
		"from_pipe":      e.fromPipe,
		"to_pipe":        e.toPipe,
		"spawn":          e.spawn,
		"spawn_lambda":   e.spawnLambda,
		"spawn_parallel": e.spawnParallel,
		"tee":            e.tee,
		"capacitor":      e.capacitor,
		"parallel":       e.parallel,
		"subnet":         e.subnet,
		"next_pipe":      e.nextPipe,
		"last_pipe":      e.lastPipe,
	}
	d := make(starlark.StringDict, len(fns))
	for name, fn := range fns {
		d[name] = starlark.NewBuiltin(name, fn)
	}
	return d
}

// wiring holds the common reader=, writer= and name= keywords.
type wiring struct {
	reader, writer, name string
}

func (w *wiring) pairs(reader, writer bool) []any {
	var p []any
	if reader {
		p = append(p, "reader?", &w.reader)
	}
	if writer {
		p = append(p, "writer?", &w.writer)
	}
	return append(p, "name?", &w.name)
}

func (w wiring) options() []pipeline.Option {
	var opts []pipeline.Option
	if w.reader != "" {
		opts = append(opts, pipeline.Reader(w.reader))
	}
	if w.writer != "" {
		opts = append(opts, pipeline.Writer(w.writer))
	}
	if w.name != "" {
		opts = append(opts, pipeline.Named(w.name))
	}
	return opts
}

func unpack(fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple, pairs ...any) error {
	return starlark.UnpackArgs(fn.Name(), args, kwargs, pairs...)
}

func (e *env) fromFile(_ *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var file string
	var w wiring
	if err := unpack(fn, args, kwargs, append([]any{"file", &file}, w.pairs(false, true)...)...); err != nil {
		return nil, err
	}
	return starlark.None, e.b.FromFile(file, w.options()...)
}

func (e *env) toFile(_ *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var file string
	var w wiring
	if err := unpack(fn, args, kwargs, append([]any{"file", &file}, w.pairs(true, false)...)...); err != nil {
		return nil, err
	}
	return starlark.None, e.b.ToFile(file, w.options()...)
}

func (e *env) fromPipe(_ *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var pipe string
	var w wiring
	if err := unpack(fn, args, kwargs, append([]any{"pipe", &pipe}, w.pairs(false, true)...)...); err != nil {
		return nil, err
	}
	return starlark.None, e.b.FromPipe(pipe, w.options()...)
}

func (e *env) toPipe(_ *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var pipe string
	var w wiring
	if err := unpack(fn, args, kwargs, append([]any{"pipe", &pipe}, w.pairs(true, false)...)...); err != nil {
		return nil, err
	}
	return starlark.None, e.b.ToPipe(pipe, w.options()...)
}

// spawn starts a shell command (a string), a registered stage (a list of
// name and arguments) or a line function (a callable).
func (e *env) spawn(_ *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var what starlark.Value
	var w wiring
	if err := unpack(fn, args, kwargs, append([]any{"stage", &what}, w.pairs(true, true)...)...); err != nil {
		return nil, err
	}
	s, err := e.stageFor(what)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", fn.Name(), err)
	}
	return starlark.None, e.b.Spawn(s, w.options()...)
}

func (e *env) spawnLambda(_ *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var body starlark.Callable
	var w wiring
	if err := unpack(fn, args, kwargs, append([]any{"fn", &body}, w.pairs(true, true)...)...); err != nil {
		return nil, err
	}
	return starlark.None, e.b.SpawnLambda(body.Name(), e.lineFunc(body), w.options()...)
}

func (e *env) spawnParallel(_ *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var (
		what starlark.Value
		n    int
		w    wiring
	)
	if err := unpack(fn, args, kwargs, append([]any{"stage", &what, "n", &n}, w.pairs(true, true)...)...); err != nil {
		return nil, err
	}
	// Validate once up front so a bad stage fails at the call site.
	if _, err := e.stageFor(what); err != nil {
		return nil, fmt.Errorf("%s: %w", fn.Name(), err)
	}
	return starlark.None, e.b.Replicate(n, func(int) (stage.Stage, error) {
		return e.stageFor(what)
	}, w.options()...)
}

func (e *env) tee(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var (
		escape string
		block  starlark.Callable
		w      wiring
	)
	if err := unpack(fn, args, kwargs, append([]any{"escape?", &escape, "block?", &block}, w.pairs(true, true)...)...); err != nil {
		return nil, err
	}
	var blockFn func(*pipeline.Builder) error
	if block != nil {
		blockFn = func(*pipeline.Builder) error {
			_, err := starlark.Call(thread, block, nil, nil)
			return err
		}
	}
	return starlark.None, e.b.Tee(escape, blockFn, w.options()...)
}

func (e *env) capacitor(_ *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var charger string
	var w wiring
	if err := unpack(fn, args, kwargs, append([]any{"charger?", &charger}, w.pairs(true, true)...)...); err != nil {
		return nil, err
	}
	return starlark.None, e.b.Capacitor(charger, w.options()...)
}

// parallel calls lane(input, output) once per lane.
func (e *env) parallel(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var (
		n    int
		lane starlark.Callable
		w    wiring
	)
	if err := unpack(fn, args, kwargs, append([]any{"n", &n, "lane", &lane}, w.pairs(true, true)...)...); err != nil {
		return nil, err
	}
	return starlark.None, e.b.Parallel(n, func(_ *pipeline.Builder, input, output string) error {
		_, err := starlark.Call(thread, lane, starlark.Tuple{starlark.String(input), starlark.String(output)}, nil)
		return err
	}, w.options()...)
}

func (e *env) subnet(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var body starlark.Callable
	if err := unpack(fn, args, kwargs, "fn", &body); err != nil {
		return nil, err
	}
	return starlark.None, e.b.OnSubnet(func() error {
		_, err := starlark.Call(thread, body, nil, nil)
		return err
	})
}

func (e *env) nextPipe(_ *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := unpack(fn, args, kwargs); err != nil {
		return nil, err
	}
	return starlark.String(e.b.NextPipe()), nil
}

func (e *env) lastPipe(_ *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := unpack(fn, args, kwargs); err != nil {
		return nil, err
	}
	return starlark.String(e.b.LastPipe()), nil
}

func (e *env) stageFor(v starlark.Value) (stage.Stage, error) {
	switch v := v.(type) {
	case starlark.String:
		return e.b.Command(string(v)), nil
	case starlark.Callable:
		return stage.NewLambda(v.Name(), e.lineFunc(v)), nil
	case starlark.Indexable:
		words := make([]string, v.Len())
		for i := range words {
			s, ok := starlark.AsString(v.Index(i))
			if !ok {
				return nil, fmt.Errorf("stage list element %d is %s, want string", i, v.Index(i).Type())
			}
			words[i] = s
		}
		if len(words) == 0 {
			return nil, fmt.Errorf("empty stage list")
		}
		if e.opts.Registry == nil {
			return nil, fmt.Errorf("no stage registry for %q", words[0])
		}
		return e.opts.Registry.New(words[0], words[1:])
	default:
		return nil, fmt.Errorf("cannot make a stage from %s", v.Type())
	}
}

// lineFunc turns a Starlark callable into a stage body applying it to each
// input line. A None result drops the line; anything else is written in
// its string form. Each run gets its own thread, cancelled with ctx.
func (e *env) lineFunc(body starlark.Callable) stage.Func {
	return func(ctx context.Context, readers, writers []*lazyio.Handle) error {
		if len(readers) != 1 || len(writers) != 1 {
			return fmt.Errorf("%w: %s wants one reader and one writer", stage.ErrArity, body.Name())
		}
		thread := &starlark.Thread{Name: body.Name(), Print: e.print}
		stop := context.AfterFunc(ctx, func() { thread.Cancel("pipeline cancelled") })
		defer stop()

		return readers[0].Each(func(line string) error {
			v, err := starlark.Call(thread, body, starlark.Tuple{starlark.String(line)}, nil)
			if err != nil {
				return err
			}
			switch v := v.(type) {
			case starlark.NoneType:
				return nil
			case starlark.String:
				return writers[0].WriteLine(string(v))
			default:
				return writers[0].WriteLine(v.String())
			}
		})
	}
}
