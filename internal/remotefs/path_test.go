package remotefs

import (
	"context"
	"errors"
	"testing"
)

func TestResolvePathRejectsTraversal(t *testing.T) {
	if _, err := ResolvePath("/app", "../../etc/passwd"); !errors.Is(err, ErrPathEscape) {
		t.Fatalf("expected ErrPathEscape, got %v", err)
	}
	if _, err := ResolvePath("/app", "sub/../../app2/x"); !errors.Is(err, ErrPathEscape) {
		t.Fatalf("sibling prefix must not pass containment, got %v", err)
	}
	if _, err := ResolvePath("/app", "/etc/passwd"); !errors.Is(err, ErrPathEscape) {
		t.Fatalf("absolute path outside base must be rejected, got %v", err)
	}
}

func TestResolvePathJoinsInsideBase(t *testing.T) {
	cases := map[string]string{
		"sub/file.txt":     "/app/sub/file.txt",
		"./a/../b.txt":     "/app/b.txt",
		"":                 "/app",
		".":                "/app",
		"/app/inner/x.go":  "/app/inner/x.go",
		"deep/./nested//f": "/app/deep/nested/f",
	}
	for in, want := range cases {
		got, err := ResolvePath("/app", in)
		if err != nil {
			t.Fatalf("ResolvePath(%q): %v", in, err)
		}
		if got != want {
			t.Errorf("ResolvePath(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestResolvePathRequiresAbsoluteBase(t *testing.T) {
	if _, err := ResolvePath("app", "x"); err == nil {
		t.Fatal("expected error for relative base")
	}
}

// recordingExecutor fails the test if any command reaches it.
type recordingExecutor struct {
	t     *testing.T
	calls int
}

func (r *recordingExecutor) ExecuteCommand(ctx context.Context, command string, args []string, opts CommandOptions) (CommandResult, error) {
	r.calls++
	r.t.Errorf("unexpected command %q %v", command, args)
	return CommandResult{}, nil
}

func TestSandboxFSRejectsEscapeBeforeAnyCall(t *testing.T) {
	exec := &recordingExecutor{t: t}
	fsys := NewSandboxFS(exec, nil, nil, "/app", 0)
	ctx := context.Background()

	if _, err := fsys.ReadFile(ctx, "../../etc/passwd"); !errors.Is(err, ErrPathEscape) {
		t.Errorf("ReadFile: expected ErrPathEscape, got %v", err)
	}
	if err := fsys.WriteFile(ctx, "../x", []byte("x")); !errors.Is(err, ErrPathEscape) {
		t.Errorf("WriteFile: expected ErrPathEscape, got %v", err)
	}
	if _, err := fsys.Stat(ctx, "../../root"); !errors.Is(err, ErrPathEscape) {
		t.Errorf("Stat: expected ErrPathEscape, got %v", err)
	}
	if _, err := fsys.ExecuteCommand(ctx, "ls", nil, CommandOptions{Cwd: "../.."}); !errors.Is(err, ErrPathEscape) {
		t.Errorf("ExecuteCommand: expected ErrPathEscape, got %v", err)
	}
	if exec.calls != 0 {
		t.Fatalf("expected no commands, got %d", exec.calls)
	}
}

func TestCommandLineQuotesArguments(t *testing.T) {
	got := CommandLine("ls", []string{"-la", "my dir", "it's"}, "/app/work")
	want := `cd /app/work && ls -la 'my dir' 'it'"'"'s'`
	if got != want {
		t.Fatalf("CommandLine = %q, want %q", got, want)
	}
}
