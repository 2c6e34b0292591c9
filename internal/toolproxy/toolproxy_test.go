package toolproxy

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/jkaninda/monios/internal/runtime"
	"github.com/jkaninda/monios/internal/sandbox"
)

type fixedResolver struct {
	sb  *sandbox.Sandbox
	err error
}

func (r *fixedResolver) GetOrCreate(context.Context, string) (*sandbox.Sandbox, error) {
	return r.sb, r.err
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestProxy(t *testing.T) (*Proxy, *runtime.MockRuntime) {
	t.Helper()
	rt := runtime.NewMockRuntime()
	handle, err := rt.CreateSandbox(context.Background(), runtime.Spec{Name: "monios-sb-alice"})
	if err != nil {
		t.Fatal(err)
	}
	p := New(&fixedResolver{sb: &sandbox.Sandbox{Handle: handle}}, "alice", testLogger())
	return p, rt
}

func callReq(name string, args map[string]any) mcp.CallToolRequest {
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	return req
}

func textOf(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	if len(res.Content) == 0 {
		t.Fatal("result has no content")
	}
	tc, ok := mcp.AsTextContent(res.Content[0])
	if !ok {
		t.Fatalf("content is not text: %+v", res.Content[0])
	}
	return tc.Text
}

func TestBashRunsThroughSandboxExec(t *testing.T) {
	p, rt := newTestProxy(t)

	var gotArgs []string
	rt.ExecHook = func(args ...string) (runtime.ExecResult, error) {
		gotArgs = args
		return runtime.ExecResult{Stdout: "hello\n"}, nil
	}

	res, err := p.handleBash(context.Background(), callReq("Bash", map[string]any{"command": "echo hello"}))
	if err != nil {
		t.Fatalf("handleBash: %v", err)
	}
	if res.IsError {
		t.Fatalf("unexpected tool error: %s", textOf(t, res))
	}
	if textOf(t, res) != "hello\n" {
		t.Errorf("output = %q", textOf(t, res))
	}
	want := []string{"sh", "-c", "echo hello"}
	if len(gotArgs) != 3 || gotArgs[0] != want[0] || gotArgs[1] != want[1] || gotArgs[2] != want[2] {
		t.Errorf("argv = %v, want %v", gotArgs, want)
	}
}

func TestNonzeroExitBecomesToolError(t *testing.T) {
	p, rt := newTestProxy(t)

	rt.ExecHook = func(args ...string) (runtime.ExecResult, error) {
		return runtime.ExecResult{Stderr: "cat: /nope: No such file or directory", ExitCode: 1}, nil
	}

	res, err := p.handleRead(context.Background(), callReq("Read", map[string]any{"path": "/nope"}))
	if err != nil {
		t.Fatalf("handleRead: %v", err)
	}
	if !res.IsError {
		t.Fatal("expected a tool error")
	}
	if !strings.Contains(textOf(t, res), "No such file") {
		t.Errorf("error text = %q", textOf(t, res))
	}
}

func TestWriteUsesWriteFile(t *testing.T) {
	p, rt := newTestProxy(t)

	res, err := p.handleWrite(context.Background(), callReq("Write", map[string]any{
		"path":    "/data/notes.txt",
		"content": "remember this",
	}))
	if err != nil {
		t.Fatalf("handleWrite: %v", err)
	}
	if res.IsError {
		t.Fatalf("unexpected tool error: %s", textOf(t, res))
	}

	handle := rt.Live()
	if len(handle) != 1 {
		t.Fatalf("live sandboxes = %v", handle)
	}
	h, _ := rt.FromID(context.Background(), handle[0])
	data, ok := h.(*runtime.MockHandle).File("/data/notes.txt")
	if !ok || string(data) != "remember this" {
		t.Errorf("file = %q, ok = %v", data, ok)
	}
}

func TestMissingArgumentIsToolError(t *testing.T) {
	p, _ := newTestProxy(t)

	res, err := p.handleBash(context.Background(), callReq("Bash", map[string]any{}))
	if err != nil {
		t.Fatalf("handleBash: %v", err)
	}
	if !res.IsError {
		t.Error("expected a tool error for missing command")
	}
}

func TestResolverFailureIsToolError(t *testing.T) {
	p := New(&fixedResolver{err: context.DeadlineExceeded}, "alice", testLogger())

	res, err := p.handleLS(context.Background(), callReq("LS", map[string]any{}))
	if err != nil {
		t.Fatalf("handleLS: %v", err)
	}
	if !res.IsError {
		t.Error("expected a tool error when the sandbox cannot be resolved")
	}
}
