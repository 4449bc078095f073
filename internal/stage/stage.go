// Package stage defines pipeline stages and runs them against their
// channels.
package stage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/marcelocantos/conduit/internal/lazyio"
)

// Stage is a unit of work wired to reader and writer handles.
type Stage interface {
	// Name identifies the stage in logs, metrics and errors.
	Name() string

	// Run does the work. Handles are unopened when Run starts and are
	// closed by the caller after Run returns.
	Run(ctx context.Context, readers, writers []*lazyio.Handle) error
}

// Func is the signature of an ad-hoc stage body.
type Func func(ctx context.Context, readers, writers []*lazyio.Handle) error

// Lambda wraps a Func as a named Stage.
type Lambda struct {
	name string
	fn   Func
}

// NewLambda returns a stage that calls fn.
func NewLambda(name string, fn Func) *Lambda {
	return &Lambda{name: name, fn: fn}
}

func (l *Lambda) Name() string { return l.name }

func (l *Lambda) Run(ctx context.Context, readers, writers []*lazyio.Handle) error {
	return l.fn(ctx, readers, writers)
}

// ErrNotFound is returned for names nobody registered.
var ErrNotFound = errors.New("unknown stage")

// Factory builds a stage from command-line style arguments.
type Factory func(args []string) (Stage, error)

// Entry describes a registered stage.
type Entry struct {
	Name        string
	Description string
	New         Factory
}

// Registry maps stage names to factories.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]Entry)}
}

// Register adds or replaces a stage factory.
func (r *Registry) Register(name, description string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[name] = Entry{Name: name, Description: description, New: f}
}

// Lookup returns the entry registered under name.
func (r *Registry) Lookup(name string) (Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return Entry{}, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return e, nil
}

// New builds the named stage.
func (r *Registry) New(name string, args []string) (Stage, error) {
	e, err := r.Lookup(name)
	if err != nil {
		return nil, err
	}
	s, err := e.New(args)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return s, nil
}

// All returns every entry sorted by name.
func (r *Registry) All() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entries := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name < entries[j].Name
	})
	return entries
}
