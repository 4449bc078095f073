package cli

import (
	"fmt"
	"io"
	"path"

	"github.com/marcelocantos/conduit/internal/stage"
)

// RunList lists registered stages, optionally only those matching a glob.
func RunList(reg *stage.Registry, w io.Writer, pattern string) int {
	if pattern != "" {
		if _, err := path.Match(pattern, ""); err != nil {
			fmt.Fprintf(w, "conduit list: %v\n", err)
			return 1
		}
	}

	for _, e := range reg.All() {
		if pattern != "" {
			if ok, _ := path.Match(pattern, e.Name); !ok {
				continue
			}
		}
		fmt.Fprintf(w, "%-12s %s\n", e.Name, e.Description)
	}
	return 0
}
