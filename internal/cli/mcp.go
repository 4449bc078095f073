package cli

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/marcelocantos/conduit/internal/audit"
	"github.com/marcelocantos/conduit/internal/script"
)

// NewMCPServer exposes pipeline runs as MCP tools.
func NewMCPServer(env *Env, version string) *server.MCPServer {
	s := server.NewMCPServer("conduit", version, server.WithToolCapabilities(false))

	s.AddTool(mcp.NewTool("run_pipeline",
		mcp.WithDescription("Run a pipeline script (Starlark) and return what it wrote to stdout. "+
			"Call list_stages for registered stages; see conduit --help-script for the builtins."),
		mcp.WithString("script", mcp.Required(), mcp.Description("script source")),
		mcp.WithString("input", mcp.Description("text fed to the \"-\" channel")),
	), env.runPipelineTool)

	s.AddTool(mcp.NewTool("list_stages",
		mcp.WithDescription("List the registered stages usable with spawn([name, args...]) and --pipe."),
	), env.listStagesTool)

	return s
}

// RunMCP serves MCP over stdio until the client disconnects.
func RunMCP(env *Env, version string) int {
	if err := server.ServeStdio(NewMCPServer(env, version)); err != nil {
		fmt.Fprintf(env.Stderr, "conduit mcp: %v\n", err)
		return 1
	}
	return 0
}

func (e *Env) runPipelineTool(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	src, err := req.RequireString("script")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	input := req.GetString("input", "")

	var stdout, stderr bytes.Buffer
	opts := e.scriptOptions()
	opts.Print = &stderr

	start := time.Now()
	rep, err := script.Run(ctx, e.pipeline(strings.NewReader(input), &stdout), "mcp.star", src, opts)
	duration := time.Since(start)

	exitCode := resolveError(&stderr, err)
	logRun(e, audit.Run{
		Kind:     audit.KindMCP,
		Source:   src,
		ExitCode: exitCode,
		Err:      err,
		Duration: duration,
	}, rep)
	e.log().Debug("mcp run", zap.Int("exit_code", exitCode), zap.Duration("duration", duration))

	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("exit %d\n%s%s", exitCode, stderr.String(), stdout.String())), nil
	}
	out := stdout.String()
	if stderr.Len() > 0 {
		out += "\n[stderr]\n" + stderr.String()
	}
	return mcp.NewToolResultText(out), nil
}

func (e *Env) listStagesTool(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var b strings.Builder
	RunList(e.Registry, &b, "")
	return mcp.NewToolResultText(b.String()), nil
}
