package tools

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mpataki/shopfloor/internal/models"
	"github.com/mpataki/shopfloor/internal/remotefs"
)

func newLocalFS(t *testing.T) (*remotefs.LocalFS, string) {
	t.Helper()
	dir := t.TempDir()
	fsys, err := remotefs.NewLocalFS(dir, 5*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	return fsys, dir
}

func call(name, args string) models.ToolCall {
	return models.ToolCall{ID: "call-" + name, Name: name, Arguments: json.RawMessage(args)}
}

func decodeContent(t *testing.T, content string) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal([]byte(content), &out); err != nil {
		t.Fatalf("content is not JSON: %q", content)
	}
	return out
}

func TestDeclarationsAreSorted(t *testing.T) {
	r := NewRegistry(nil)
	decls := r.Declarations()
	if len(decls) != 8 {
		t.Fatalf("expected 8 built-in tools, got %d", len(decls))
	}
	for i := 1; i < len(decls); i++ {
		if decls[i-1].Name > decls[i].Name {
			t.Fatalf("declarations not sorted: %s before %s", decls[i-1].Name, decls[i].Name)
		}
	}
}

func TestListFilesAndStat(t *testing.T) {
	fsys, dir := newLocalFS(t)
	if err := os.WriteFile(filepath.Join(dir, "a.txt"), []byte("hello world"), 0644); err != nil {
		t.Fatal(err)
	}
	r := NewRegistry(nil)
	ctx := context.Background()

	res, err := r.Execute(ctx, fsys, call("list_files", `{}`))
	if err != nil {
		t.Fatal(err)
	}
	if res.ToolCallID != "call-list_files" || res.Role != models.RoleTool {
		t.Fatalf("unexpected envelope %+v", res)
	}
	body := decodeContent(t, res.Content)
	files := body["files"].([]any)
	first := files[0].(map[string]any)
	if len(files) != 1 || first["name"] != "a.txt" || first["type"] != "file" {
		t.Fatalf("unexpected listing %s", res.Content)
	}

	res, _ = r.Execute(ctx, fsys, call("file_stat", `{"path":"a.txt"}`))
	body = decodeContent(t, res.Content)
	if body["size"] != float64(11) {
		t.Fatalf("unexpected stat %s", res.Content)
	}
}

func TestWriteReadDelete(t *testing.T) {
	fsys, _ := newLocalFS(t)
	r := NewRegistry(nil)
	ctx := context.Background()

	r.Execute(ctx, fsys, call("write_file", `{"path":"sub/b.txt","content":"data"}`))
	res, _ := r.Execute(ctx, fsys, call("read_file", `{"path":"sub/b.txt"}`))
	if body := decodeContent(t, res.Content); body["content"] != "data" {
		t.Fatalf("read back %s", res.Content)
	}

	r.Execute(ctx, fsys, call("delete_file", `{"path":"sub/b.txt"}`))
	res, _ = r.Execute(ctx, fsys, call("read_file", `{"path":"sub/b.txt"}`))
	if body := decodeContent(t, res.Content); body["code"] != "ENOENT" {
		t.Fatalf("expected ENOENT, got %s", res.Content)
	}
}

func TestFailuresAreContent(t *testing.T) {
	fsys, _ := newLocalFS(t)
	r := NewRegistry(nil)
	ctx := context.Background()

	cases := map[string]struct {
		call models.ToolCall
		want string
	}{
		"unknown tool":     {call("launch_rockets", `{}`), "unknown tool"},
		"missing argument": {call("read_file", `{}`), "missing required argument"},
		"bad json":         {call("read_file", `{"path":`), "invalid tool arguments"},
		"path escape":      {call("read_file", `{"path":"../../etc/passwd"}`), "escapes"},
		"needs approval":   {call("run_command", `{"command":"ls"}`), "requires approval"},
	}
	for name, tc := range cases {
		res, err := r.Execute(ctx, fsys, tc.call)
		if err != nil {
			t.Errorf("%s: unexpected error %v", name, err)
			continue
		}
		if !strings.Contains(res.Content, tc.want) {
			t.Errorf("%s: content %q does not mention %q", name, res.Content, tc.want)
		}
	}
}

func TestAutoApprovedCommand(t *testing.T) {
	fsys, _ := newLocalFS(t)
	r := NewRegistry([]string{"run_command"})

	res, err := r.Execute(context.Background(), fsys, call("run_command", `{"command":"echo","args":["hi there"]}`))
	if err != nil {
		t.Fatal(err)
	}
	body := decodeContent(t, res.Content)
	if body["exit_code"] != float64(0) || body["stdout"] != "hi there\n" {
		t.Fatalf("unexpected result %s", res.Content)
	}
}

func TestDeclarationOnly(t *testing.T) {
	fsys, _ := newLocalFS(t)
	r := NewRegistry(nil)
	r.Declare(mcp.NewTool("deploy", mcp.WithDescription("handled upstream")))

	c, ok := r.Lookup("deploy")
	if !ok || !c.DeclarationOnly {
		t.Fatal("deploy not registered as declaration-only")
	}
	res, _ := r.Execute(context.Background(), fsys, call("deploy", `{}`))
	if !strings.Contains(res.Content, "cannot be executed") {
		t.Fatalf("unexpected content %s", res.Content)
	}
}

func TestLocalWorkspacesAreIsolated(t *testing.T) {
	ws := NewLocalWorkspaces(t.TempDir(), "", 5*time.Second)
	r := NewRegistry(nil)
	ctx := context.Background()

	res := Run(ctx, r, ws, "one", call("write_file", `{"path":"f.txt","content":"1"}`))
	if strings.Contains(res.Content, "error") {
		t.Fatalf("write failed: %s", res.Content)
	}
	res = Run(ctx, r, ws, "two", call("read_file", `{"path":"f.txt"}`))
	if !strings.Contains(res.Content, "ENOENT") {
		t.Fatalf("instance two saw instance one's file: %s", res.Content)
	}
	res = Run(ctx, r, ws, "one", call("read_file", `{"path":"f.txt"}`))
	if body := decodeContent(t, res.Content); body["content"] != "1" {
		t.Fatalf("read back %s", res.Content)
	}
}
