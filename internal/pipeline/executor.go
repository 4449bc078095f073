package pipeline

import (
	"context"

	"github.com/marcelocantos/conduit/internal/channel"
	"github.com/marcelocantos/conduit/internal/stage"
)

// ExecuteCommand runs a compound command, evaluating each chain
// sequentially and applying the compound operator logic.
// Returns the reports of the chains that ran and the error from the
// last-executed chain (or nil).
func ExecuteCommand(ctx context.Context, p *Pipeline, cmd *Command, reg *stage.Registry) ([]*Report, error) {
	var (
		lastErr error
		reports []*Report
	)

	for i, step := range cmd.Steps {
		if i > 0 {
			switch cmd.Steps[i-1].Op {
			case OpAndThen:
				if lastErr != nil {
					continue
				}
			case OpOrElse:
				if lastErr == nil {
					continue
				}
			case OpSequential:
				// Always run.
			}
		}

		var rep *Report
		rep, lastErr = Execute(ctx, p, step.Chain, reg)
		if rep != nil {
			reports = append(reports, rep)
		}
	}

	return reports, lastErr
}

// Execute runs a chain as one pipeline. The first stage reads the ‹ file
// or stdin, the last writes the › file or stdout, and consecutive stages
// are joined by auto-named FIFOs.
func Execute(ctx context.Context, p *Pipeline, c *Chain, reg *stage.Registry) (*Report, error) {
	stages, err := c.Stages(reg)
	if err != nil {
		return nil, err
	}
	return p.Run(ctx, func(b *Builder) error {
		return c.wire(b, stages)
	})
}

func (c *Chain) wire(b *Builder, stages []stage.Stage) error {
	in := channel.SigilStdio
	if c.RedirectIn != "" {
		in = channel.AsFile(c.RedirectIn)
	}
	out := channel.SigilStdio
	if c.RedirectOut != "" {
		out = channel.AsFile(c.RedirectOut)
	}

	last := len(stages) - 1
	for i, s := range stages {
		var opts []Option
		if i == 0 {
			opts = append(opts, Reader(in))
		}
		if i == last {
			opts = append(opts, Writer(out))
		}
		if err := b.Spawn(s, opts...); err != nil {
			return err
		}
	}
	return nil
}
