package stage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/marcelocantos/conduit/internal/lazyio"
)

// Placeholders substituted into command lines.
const (
	PlaceholderReader = "((<))"
	PlaceholderWriter = "((>))"
)

// ErrPlaceholder is returned when a placeholder cannot be substituted.
var ErrPlaceholder = errors.New("bad placeholder")

// ExitError represents a command that exited with a non-zero status.
// It carries the exit code so callers can propagate it without extra messaging.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("exit status %d", e.Code)
}

// Command runs a shell command line as a stage.
//
// Each ((<)) in the line is replaced by the quoted path of the next reader
// and each ((>)) by the path of the next writer. The first reader left
// over becomes the command's stdin and the first writer left over its
// stdout.
type Command struct {
	Line   string
	Shell  string
	Dir    string
	Env    []string
	Stderr io.Writer
	name   string
}

// CommandOption configures a Command.
type CommandOption func(*Command)

// WithShell sets the shell used to interpret the line. Defaults to sh.
func WithShell(shell string) CommandOption {
	return func(c *Command) { c.Shell = shell }
}

// WithDir sets the working directory of the child process.
func WithDir(dir string) CommandOption {
	return func(c *Command) { c.Dir = dir }
}

// WithStderr redirects the child's stderr. Defaults to os.Stderr.
func WithStderr(w io.Writer) CommandOption {
	return func(c *Command) { c.Stderr = w }
}

// WithName overrides the stage name, which defaults to the first word of
// the line.
func WithName(name string) CommandOption {
	return func(c *Command) { c.name = name }
}

// NewCommand returns a stage running line through the shell.
func NewCommand(line string, opts ...CommandOption) *Command {
	c := &Command{Line: line, Shell: "sh"}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Command) Name() string {
	if c.name != "" {
		return c.name
	}
	if f := strings.Fields(c.Line); len(f) > 0 {
		return f[0]
	}
	return "sh"
}

// Expand substitutes placeholders and reports the readers and writers that
// were not consumed by them.
func (c *Command) Expand(readers, writers []*lazyio.Handle) (line string, restR, restW []*lazyio.Handle, err error) {
	var b strings.Builder
	rest := c.Line
	ri, wi := 0, 0
	for {
		ir := strings.Index(rest, PlaceholderReader)
		iw := strings.Index(rest, PlaceholderWriter)
		if ir < 0 && iw < 0 {
			b.WriteString(rest)
			break
		}
		var h *lazyio.Handle
		var i int
		if iw < 0 || (ir >= 0 && ir < iw) {
			i = ir
			if ri >= len(readers) {
				return "", nil, nil, fmt.Errorf("%w: more %s than readers", ErrPlaceholder, PlaceholderReader)
			}
			h = readers[ri]
			ri++
		} else {
			i = iw
			if wi >= len(writers) {
				return "", nil, nil, fmt.Errorf("%w: more %s than writers", ErrPlaceholder, PlaceholderWriter)
			}
			h = writers[wi]
			wi++
		}
		if h.Spec().IsSocket() {
			return "", nil, nil, fmt.Errorf("%w: socket %s cannot be passed by path", ErrPlaceholder, h.Spec().Raw)
		}
		path, ok := h.Filename()
		if !ok {
			return "", nil, nil, fmt.Errorf("%w: %s has no path", ErrPlaceholder, h.Spec().Raw)
		}
		b.WriteString(rest[:i])
		b.WriteString(ShellQuote(path))
		rest = rest[i+len(PlaceholderReader):]
	}
	for _, h := range readers[:ri] {
		h.Handoff()
	}
	for _, h := range writers[:wi] {
		h.Handoff()
	}
	return b.String(), readers[ri:], writers[wi:], nil
}

func (c *Command) Run(ctx context.Context, readers, writers []*lazyio.Handle) error {
	line, restR, restW, err := c.Expand(readers, writers)
	if err != nil {
		return err
	}

	cmd := exec.CommandContext(ctx, c.Shell, "-c", line)
	cmd.Dir = c.Dir
	if c.Env != nil {
		cmd.Env = c.Env
	}
	if len(restR) > 0 {
		cmd.Stdin = restR[0]
	}
	if len(restW) > 0 {
		cmd.Stdout = restW[0]
	}
	if c.Stderr != nil {
		cmd.Stderr = c.Stderr
	} else {
		cmd.Stderr = os.Stderr
	}

	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return &ExitError{Code: exitErr.ExitCode()}
		}
		return err
	}
	return nil
}

// ShellQuote quotes s for use as a single POSIX shell word.
func ShellQuote(s string) string {
	if s != "" && strings.IndexFunc(s, needsQuote) < 0 {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func needsQuote(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return false
	}
	return !strings.ContainsRune("-_./:=,+@%", r)
}
