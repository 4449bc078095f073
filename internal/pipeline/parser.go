package pipeline

import (
	"errors"
	"fmt"

	"github.com/marcelocantos/conduit/internal/channel"
	"github.com/marcelocantos/conduit/internal/stage"
)

// ErrSyntax marks a malformed pipe command line.
var ErrSyntax = errors.New("pipe syntax")

// Parse reads one chain from pre-tokenized args: segments separated by ¦,
// plus at most one ‹ input and one › output redirect anywhere on the line.
// Stage names are checked against reg and redirect targets must be valid
// file channel names. Positions in errors count args from 1.
func Parse(args []string, reg *stage.Registry) (*Chain, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("%w: empty pipeline", ErrSyntax)
	}

	c := &Chain{}
	var words []string
	endSegment := func(at int) error {
		if len(words) == 0 {
			return fmt.Errorf("%w: empty segment at arg %d", ErrSyntax, at)
		}
		if _, err := reg.Lookup(words[0]); err != nil {
			return fmt.Errorf("arg %d: %w", at, err)
		}
		c.Segments = append(c.Segments, Segment{Stage: words[0], Args: words[1:]})
		words = nil
		return nil
	}

	for i := 0; i < len(args); i++ {
		switch tok := args[i]; tok {
		case OpRedirectIn, OpRedirectOut:
			if i+1 == len(args) {
				return nil, fmt.Errorf("%w: %s at arg %d needs a file", ErrSyntax, tok, i+1)
			}
			i++
			if err := c.redirect(tok, args[i]); err != nil {
				return nil, fmt.Errorf("arg %d: %w", i+1, err)
			}
		case OpPipe:
			if err := endSegment(i + 1); err != nil {
				return nil, err
			}
		default:
			words = append(words, tok)
		}
	}
	if err := endSegment(len(args)); err != nil {
		return nil, err
	}
	return c, nil
}

// redirect records target as the chain's input (‹) or output (›).
func (c *Chain) redirect(op, target string) error {
	dir, dst := channel.Read, &c.RedirectIn
	if op == OpRedirectOut {
		dir, dst = channel.Write, &c.RedirectOut
	}
	if *dst != "" {
		return fmt.Errorf("%w: second %s redirect", ErrSyntax, op)
	}
	if _, err := channel.ParseFor(channel.AsFile(target), dir); err != nil {
		return err
	}
	*dst = target
	return nil
}

// ParseCommand splits args on the compound operators ＆＆, ‖ and ； and
// parses each chain. Without operators the result has a single step.
func ParseCommand(args []string, reg *stage.Registry) (*Command, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("%w: empty command", ErrSyntax)
	}

	cmd := &Command{}
	start := 0
	for i := 0; i <= len(args); i++ {
		var op Operator
		if i < len(args) {
			if op = toOperator(args[i]); op == "" {
				continue
			}
		}
		if i == start {
			return nil, fmt.Errorf("%w: empty pipeline at arg %d", ErrSyntax, i+1)
		}
		c, err := Parse(args[start:i], reg)
		if err != nil {
			return nil, fmt.Errorf("pipeline %d: %w", len(cmd.Steps)+1, err)
		}
		cmd.Steps = append(cmd.Steps, CommandStep{Chain: c, Op: op})
		start = i + 1
	}
	return cmd, nil
}

func toOperator(token string) Operator {
	switch token {
	case OpAndThen, OpOrElse, OpSequential:
		return Operator(token)
	default:
		return ""
	}
}

// Stages builds every stage of c, failing on the first bad argument list.
// Call it before running to fail fast.
func (c *Chain) Stages(reg *stage.Registry) ([]stage.Stage, error) {
	stages := make([]stage.Stage, len(c.Segments))
	for i, seg := range c.Segments {
		s, err := reg.New(seg.Stage, seg.Args)
		if err != nil {
			return nil, fmt.Errorf("segment %d: %w", i, err)
		}
		stages[i] = s
	}
	return stages, nil
}

// Validate builds every stage of every chain in cmd without running them.
func (cmd *Command) Validate(reg *stage.Registry) error {
	for i, step := range cmd.Steps {
		if _, err := step.Chain.Stages(reg); err != nil {
			return fmt.Errorf("pipeline %d: %w", i, err)
		}
	}
	return nil
}
