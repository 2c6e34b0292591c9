// Package toolproxy exposes a user's sandbox filesystem and shell as an
// MCP server over stdio. Every tool call is executed inside the sandbox
// via the runtime exec channel; nothing runs on the host.
package toolproxy

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jkaninda/monios/internal/runtime"
	"github.com/jkaninda/monios/internal/sandbox"
)

// SandboxResolver resolves the sandbox the tools operate in.
type SandboxResolver interface {
	GetOrCreate(ctx context.Context, userID string) (*sandbox.Sandbox, error)
}

// Proxy is an MCP server bound to one user's sandbox.
type Proxy struct {
	resolver SandboxResolver
	userID   string
	logger   *slog.Logger
	srv      *server.MCPServer
}

// New creates a proxy for userID and registers the tool set.
func New(resolver SandboxResolver, userID string, logger *slog.Logger) *Proxy {
	p := &Proxy{
		resolver: resolver,
		userID:   userID,
		logger:   logger,
		srv: server.NewMCPServer("monios-tools", "0.1.0",
			server.WithToolCapabilities(false),
		),
	}
	p.registerTools()
	return p
}

// ServeStdio serves MCP requests on stdin/stdout until EOF.
func (p *Proxy) ServeStdio() error {
	return server.ServeStdio(p.srv)
}

func (p *Proxy) registerTools() {
	p.srv.AddTool(mcp.NewTool("Read",
		mcp.WithDescription("Read a file from the sandbox filesystem"),
		mcp.WithString("path", mcp.Required(), mcp.Description("Absolute path of the file")),
	), p.handleRead)

	p.srv.AddTool(mcp.NewTool("Write",
		mcp.WithDescription("Write a file to the sandbox filesystem, replacing any existing content"),
		mcp.WithString("path", mcp.Required(), mcp.Description("Absolute path of the file")),
		mcp.WithString("content", mcp.Required(), mcp.Description("Full file content")),
	), p.handleWrite)

	p.srv.AddTool(mcp.NewTool("Edit",
		mcp.WithDescription("Replace the first occurrence of a string in a file"),
		mcp.WithString("path", mcp.Required(), mcp.Description("Absolute path of the file")),
		mcp.WithString("old_string", mcp.Required(), mcp.Description("Text to replace")),
		mcp.WithString("new_string", mcp.Required(), mcp.Description("Replacement text")),
	), p.handleEdit)

	p.srv.AddTool(mcp.NewTool("Glob",
		mcp.WithDescription("List files matching a glob pattern"),
		mcp.WithString("pattern", mcp.Required(), mcp.Description("Glob pattern, ** is supported")),
	), p.handleGlob)

	p.srv.AddTool(mcp.NewTool("Grep",
		mcp.WithDescription("Search file contents for a pattern"),
		mcp.WithString("pattern", mcp.Required(), mcp.Description("Regular expression")),
		mcp.WithString("path", mcp.Description("File or directory to search. Default: working directory")),
	), p.handleGrep)

	p.srv.AddTool(mcp.NewTool("Bash",
		mcp.WithDescription("Run a shell command in the sandbox"),
		mcp.WithString("command", mcp.Required(), mcp.Description("Command line passed to sh -c")),
	), p.handleBash)

	p.srv.AddTool(mcp.NewTool("LS",
		mcp.WithDescription("List directory contents"),
		mcp.WithString("path", mcp.Description("Directory to list. Default: working directory")),
	), p.handleLS)
}

// --- Handlers ---

func (p *Proxy) handleRead(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, err := req.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return p.exec(ctx, "cat", path)
}

func (p *Proxy) handleWrite(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, err := req.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	content, err := req.RequireString("content")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	handle, err := p.handle(ctx)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if err := handle.WriteFile(ctx, path, []byte(content)); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("writing %s: %v", path, err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("wrote %d bytes to %s", len(content), path)), nil
}

// editScript replaces the first occurrence of old with new, failing when
// old is absent. Runs inside the sandbox via python3.
const editScript = `import sys
path, old, new = sys.argv[1], sys.argv[2], sys.argv[3]
data = open(path).read()
if old not in data:
    sys.exit("old_string not found in " + path)
open(path, "w").write(data.replace(old, new, 1))
print("edited " + path)
`

func (p *Proxy) handleEdit(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, err := req.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	oldStr, err := req.RequireString("old_string")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	newStr, err := req.RequireString("new_string")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return p.exec(ctx, "python3", "-c", editScript, path, oldStr, newStr)
}

const globScript = `import glob, sys
matches = sorted(glob.glob(sys.argv[1], recursive=True))
print("\n".join(matches) if matches else "no matches")
`

func (p *Proxy) handleGlob(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	pattern, err := req.RequireString("pattern")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return p.exec(ctx, "python3", "-c", globScript, pattern)
}

func (p *Proxy) handleGrep(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	pattern, err := req.RequireString("pattern")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	path := req.GetString("path", ".")
	return p.exec(ctx, "grep", "-rn", "--", pattern, path)
}

func (p *Proxy) handleBash(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	command, err := req.RequireString("command")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return p.exec(ctx, "sh", "-c", command)
}

func (p *Proxy) handleLS(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path := req.GetString("path", ".")
	return p.exec(ctx, "ls", "-la", path)
}

// --- Execution plumbing ---

func (p *Proxy) handle(ctx context.Context) (runtime.Handle, error) {
	sb, err := p.resolver.GetOrCreate(ctx, p.userID)
	if err != nil {
		return nil, fmt.Errorf("resolving sandbox: %w", err)
	}
	return sb.Handle, nil
}

func (p *Proxy) exec(ctx context.Context, args ...string) (*mcp.CallToolResult, error) {
	handle, err := p.handle(ctx)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	p.logger.Debug("tool exec",
		slog.String("user_id", p.userID),
		slog.String("argv0", args[0]),
	)

	res, err := handle.Exec(ctx, args...)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("exec failed: %v", err)), nil
	}
	if res.ExitCode != 0 {
		out := strings.TrimSpace(res.Stderr)
		if out == "" {
			out = strings.TrimSpace(res.Stdout)
		}
		return mcp.NewToolResultError(fmt.Sprintf("exit %d: %s", res.ExitCode, out)), nil
	}

	out := res.Stdout
	if out == "" {
		out = res.Stderr
	}
	return mcp.NewToolResultText(out), nil
}
