package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/marcelocantos/conduit/internal/audit"
	"github.com/marcelocantos/conduit/internal/pipeline"
)

// RunPipe executes a compound command: conduit --pipe <args...>
func RunPipe(ctx context.Context, env *Env, args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(env.Stderr, "conduit pipe: empty pipeline")
		return 1
	}

	cmd, err := pipeline.ParseCommand(args, env.Registry)
	if err != nil {
		fmt.Fprintf(env.Stderr, "conduit pipe: %v\n", err)
		return 1
	}
	if err := cmd.Validate(env.Registry); err != nil {
		fmt.Fprintf(env.Stderr, "conduit pipe: %v\n", err)
		return 1
	}

	start := time.Now()
	reports, err := pipeline.ExecuteCommand(ctx, env.pipeline(env.Stdin, env.Stdout), cmd, env.Registry)
	duration := time.Since(start)

	exitCode := resolveError(env.Stderr, err)
	logRun(env, audit.Run{
		Kind:     audit.KindPipe,
		Source:   strings.Join(args, " "),
		ExitCode: exitCode,
		Err:      err,
		Duration: duration,
	}, reports...)
	return exitCode
}
