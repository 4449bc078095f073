package cli

import (
	_ "embed"
	"fmt"
	"io"

	"github.com/marcelocantos/conduit/internal/pipeline"
	"github.com/marcelocantos/conduit/internal/stage"
)

//go:embed help_script.md
var helpScript string

// RunHelp shows help for a stage or general usage.
func RunHelp(reg *stage.Registry, w io.Writer, args []string) int {
	if len(args) == 0 || reg == nil {
		printGeneralHelp(w)
		return 0
	}

	name := args[0]
	e, err := reg.Lookup(name)
	if err != nil {
		fmt.Fprintf(w, "conduit help: %v\n", err)
		return 1
	}

	fmt.Fprintf(w, "%s: %s\n", e.Name, e.Description)
	return 0
}

// RunHelpScript outputs the general help followed by the scripting guide.
func RunHelpScript(w io.Writer) int {
	printGeneralHelp(w)
	fmt.Fprintln(w)
	fmt.Fprint(w, helpScript)
	return 0
}

func printGeneralHelp(w io.Writer) {
	fmt.Fprintln(w, "conduit: build and run pipelines of concurrent stages")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "usage:")
	fmt.Fprintln(w, "  conduit run <script.star>            run a pipeline script")
	fmt.Fprintf(w, "  conduit --pipe <stage> %s ...          run a linear pipeline\n", pipeline.OpPipe)
	fmt.Fprintln(w, "  conduit --list [<glob>]              list available stages")
	fmt.Fprintln(w, "  conduit --help [<stage>]             show help")
	fmt.Fprintln(w, "  conduit --help-script                scripting guide")
	fmt.Fprintln(w, "  conduit --audit <verify|show|tail>   run journal operations")
	fmt.Fprintln(w, "  conduit --mcp                        serve pipelines over MCP (stdio)")
	fmt.Fprintln(w, "  conduit --version                    show version")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "pipeline operators:")
	fmt.Fprintf(w, "  %s  pipe (output → input)\n", pipeline.OpPipe)
	fmt.Fprintf(w, "  %s  write the last stage's output to a file\n", pipeline.OpRedirectOut)
	fmt.Fprintf(w, "  %s  read the first stage's input from a file\n", pipeline.OpRedirectIn)
	fmt.Fprintln(w)
	fmt.Fprintln(w, "compound operators:")
	fmt.Fprintf(w, "  %s  and-then (run next if previous succeeded)\n", pipeline.OpAndThen)
	fmt.Fprintf(w, "  %s   or-else (run next if previous failed)\n", pipeline.OpOrElse)
	fmt.Fprintf(w, "  %s   sequential (run next regardless)\n", pipeline.OpSequential)
	fmt.Fprintln(w)
	fmt.Fprintln(w, "channel names: pipe.N (auto FIFO), name (FIFO), >file, -, >{host:port, <{host:port, <}host:port, >}host:port")
}
