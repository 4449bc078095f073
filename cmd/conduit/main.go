package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"go.uber.org/zap"

	"github.com/marcelocantos/conduit/internal/audit"
	"github.com/marcelocantos/conduit/internal/cli"
	"github.com/marcelocantos/conduit/internal/config"
	"github.com/marcelocantos/conduit/internal/logging"
	"github.com/marcelocantos/conduit/internal/metrics"
	"github.com/marcelocantos/conduit/internal/stage"
)

var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	if len(os.Args) < 2 {
		cli.RunHelp(nil, os.Stderr, nil)
		return 1
	}

	// Load config.
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "conduit: config: %v\n", err)
		return 1
	}

	logger, err := logging.New(logging.Config{
		Level:       cfg.Logging.Level,
		Development: cfg.Logging.Development,
		OutputPaths: []string{"stderr"},
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "conduit: logging: %v\n", err)
		return 1
	}
	defer func() { _ = logger.Sync() }()

	// Set up registry.
	reg := stage.NewRegistry()
	stage.RegisterBuiltins(reg,
		stage.WithShell(cfg.Pipeline.Shell),
		stage.WithDir(cfg.Pipeline.DataDir),
	)

	// Set up the run journal.
	journal, err := audit.NewLogger(cfg.Audit.Path)
	if err != nil {
		// Continue without journaling.
		logger.Warn("run journal disabled", zap.Error(err))
		journal = nil
	}

	// Set up context with cancellation on interrupt.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	m := metrics.New(nil)
	if cfg.Metrics.Listen != "" {
		go func() {
			if err := m.Serve(ctx, cfg.Metrics.Listen); err != nil {
				logger.Warn("metrics listener stopped", zap.String("addr", cfg.Metrics.Listen), zap.Error(err))
			}
		}()
	}

	env := &cli.Env{
		Config:   cfg,
		Registry: reg,
		Journal:  journal,
		Logger:   logger,
		Metrics:  m,
		Stdin:    os.Stdin,
		Stdout:   os.Stdout,
		Stderr:   os.Stderr,
	}

	switch os.Args[1] {
	case "run":
		return cli.RunScript(ctx, env, os.Args[2:])
	case "--pipe":
		return cli.RunPipe(ctx, env, os.Args[2:])
	case "--list":
		pattern := ""
		if len(os.Args) > 2 {
			pattern = os.Args[2]
		}
		return cli.RunList(reg, os.Stdout, pattern)
	case "--help":
		return cli.RunHelp(reg, os.Stdout, os.Args[2:])
	case "--help-script":
		return cli.RunHelpScript(os.Stdout)
	case "--audit":
		return cli.RunAudit(os.Stdout, cfg.Audit.Path, os.Args[2:])
	case "--mcp":
		return cli.RunMCP(env, version)
	case "--version":
		fmt.Printf("conduit %s\n", version)
		return 0
	default:
		// A bare script path runs it.
		return cli.RunScript(ctx, env, os.Args[1:])
	}
}
