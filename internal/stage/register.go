package stage

import (
	"fmt"
	"strings"
)

// shortcuts are external commands exposed under their own name.
var shortcuts = []struct {
	name, description string
}{
	{"cat", "concatenate input"},
	{"grep", "filter lines matching a pattern"},
	{"head", "first lines of input"},
	{"sort", "sort lines"},
	{"tail", "last lines of input"},
	{"tr", "translate characters"},
	{"uniq", "collapse repeated lines"},
	{"wc", "count lines, words and bytes"},
}

// RegisterBuiltins adds every built-in stage to r. opts apply to stages
// that run external commands.
func RegisterBuiltins(r *Registry, opts ...CommandOption) {
	r.Register("identity", "copy input to output unchanged", func(args []string) (Stage, error) {
		if len(args) > 1 {
			return nil, fmt.Errorf("takes at most a name, got %d args", len(args))
		}
		name := ""
		if len(args) == 1 {
			name = args[0]
		}
		return NewIdentity(name), nil
	})
	r.Register("tee", "copy input to every output", noArgs(Tee{}))
	r.Register("joiner", "merge several inputs line by line", noArgs(Joiner{}))
	// Chargers land in the commands' working directory.
	defaults := NewCommand("", opts...)
	r.Register("capacitor", "buffer all input before releasing it", noArgs(Capacitor{Dir: defaults.Dir}))
	r.Register("splitter", "deal lines across outputs (broadcast: copy to all)", func(args []string) (Stage, error) {
		switch {
		case len(args) == 0:
			return Splitter{}, nil
		case len(args) == 1 && args[0] == "broadcast":
			return Splitter{Broadcast: true}, nil
		default:
			return nil, fmt.Errorf("unexpected args %q", args)
		}
	})
	r.Register("sh", "run a shell command line", func(args []string) (Stage, error) {
		if len(args) == 0 {
			return nil, fmt.Errorf("missing command line")
		}
		return NewCommand(strings.Join(args, " "), opts...), nil
	})

	for _, sc := range shortcuts {
		name := sc.name
		r.Register(name, sc.description, func(args []string) (Stage, error) {
			words := make([]string, 0, len(args)+1)
			words = append(words, name)
			for _, a := range args {
				if a == PlaceholderReader || a == PlaceholderWriter {
					words = append(words, a)
					continue
				}
				words = append(words, ShellQuote(a))
			}
			return NewCommand(strings.Join(words, " "), append([]CommandOption{WithName(name)}, opts...)...), nil
		})
	}
}

func noArgs(s Stage) Factory {
	return func(args []string) (Stage, error) {
		if len(args) > 0 {
			return nil, fmt.Errorf("takes no arguments")
		}
		return s, nil
	}
}
