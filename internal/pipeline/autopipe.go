package pipeline

import "fmt"

// Cursor is the naming state of one scope.
type Cursor struct {
	Prefix string
	Seq    int
	Last   string
}

// AutoPipe hands out unique pipe names so consecutive stages connect
// without naming their channels. Scopes nest: a subnet gets its own prefix
// and popping it restores the outer cursor exactly.
type AutoPipe struct {
	scopes  []Cursor
	subnets int
}

// NewAutoPipe returns a cursor at the root scope.
func NewAutoPipe() *AutoPipe {
	return &AutoPipe{scopes: []Cursor{{Prefix: "pipe"}}}
}

func (a *AutoPipe) cur() *Cursor { return &a.scopes[len(a.scopes)-1] }

// Next returns a fresh name for the next stage's writer and makes it the
// current reader source.
func (a *AutoPipe) Next() string {
	c := a.cur()
	c.Seq++
	c.Last = fmt.Sprintf("%s.%d", c.Prefix, c.Seq)
	return c.Last
}

// Last returns the name most recently produced by Next in this scope, or
// the scope's seed name before any.
func (a *AutoPipe) Last() string {
	c := a.cur()
	if c.Last == "" {
		return c.Prefix + ".0"
	}
	return c.Last
}

// PushScope enters a new subnet with a prefix no other subnet has used.
func (a *AutoPipe) PushScope() {
	a.subnets++
	a.scopes = append(a.scopes, Cursor{Prefix: fmt.Sprintf("s%d.pipe", a.subnets)})
}

// PopScope leaves the current subnet. The root scope is never popped.
func (a *AutoPipe) PopScope() {
	if len(a.scopes) > 1 {
		a.scopes = a.scopes[:len(a.scopes)-1]
	}
}

// OnSubnet runs fn inside a fresh subnet and restores the outer scope
// afterwards, even if fn fails.
func (a *AutoPipe) OnSubnet(fn func() error) error {
	a.PushScope()
	defer a.PopScope()
	return fn()
}

// Depth reports how many subnets are open.
func (a *AutoPipe) Depth() int { return len(a.scopes) - 1 }

// Snapshot returns a copy of the current scope's cursor.
func (a *AutoPipe) Snapshot() Cursor { return *a.cur() }
