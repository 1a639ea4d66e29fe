package tools

import (
	"context"
	"fmt"
	"unicode/utf8"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mpataki/shopfloor/internal/remotefs"
)

const maxReadBytes = 256 << 10

func builtins() []Capability {
	return []Capability{
		{
			Declaration: mcp.NewTool("list_files",
				mcp.WithDescription("List the entries of a directory in the workspace"),
				mcp.WithString("path",
					mcp.Description("Directory relative to the workspace root (default \".\")"),
				),
			),
			Execute: listFiles,
		},
		{
			Declaration: mcp.NewTool("read_file",
				mcp.WithDescription("Read a text file from the workspace"),
				mcp.WithString("path",
					mcp.Required(),
					mcp.Description("File path relative to the workspace root"),
				),
			),
			Execute: readFile,
		},
		{
			Declaration: mcp.NewTool("write_file",
				mcp.WithDescription("Create or overwrite a file in the workspace, creating parent directories"),
				mcp.WithString("path",
					mcp.Required(),
					mcp.Description("File path relative to the workspace root"),
				),
				mcp.WithString("content",
					mcp.Required(),
					mcp.Description("Full file content"),
				),
			),
			Execute: writeFile,
		},
		{
			Declaration: mcp.NewTool("delete_file",
				mcp.WithDescription("Delete a file or empty directory from the workspace"),
				mcp.WithString("path",
					mcp.Required(),
					mcp.Description("Path relative to the workspace root"),
				),
			),
			Execute: deleteFile,
		},
		{
			Declaration: mcp.NewTool("file_stat",
				mcp.WithDescription("Report type, size, mode and modification time of a path"),
				mcp.WithString("path",
					mcp.Required(),
					mcp.Description("Path relative to the workspace root"),
				),
			),
			Execute: fileStat,
		},
		{
			Declaration: mcp.NewTool("make_dir",
				mcp.WithDescription("Create a directory in the workspace"),
				mcp.WithString("path",
					mcp.Required(),
					mcp.Description("Directory path relative to the workspace root"),
				),
				mcp.WithBoolean("recursive",
					mcp.Description("Create missing parents (default true)"),
				),
			),
			Execute: makeDir,
		},
		{
			Declaration: mcp.NewTool("run_command",
				mcp.WithDescription("Run a program in the workspace and report its exit code and output"),
				mcp.WithString("command",
					mcp.Required(),
					mcp.Description("Program to run"),
				),
				mcp.WithArray("args",
					mcp.Description("Arguments, passed without shell interpretation"),
					mcp.WithStringItems(),
				),
				mcp.WithString("cwd",
					mcp.Description("Working directory relative to the workspace root"),
				),
				mcp.WithNumber("timeout_seconds",
					mcp.Description("Kill the command after this many seconds"),
				),
			),
			Execute:          runCommand,
			RequiresApproval: true,
		},
		{
			Declaration: mcp.NewTool("git_clone",
				mcp.WithDescription("Clone a git repository into the workspace, replacing the target directory"),
				mcp.WithString("url",
					mcp.Required(),
					mcp.Description("Repository URL"),
				),
				mcp.WithString("target",
					mcp.Required(),
					mcp.Description("Directory relative to the workspace root"),
				),
				mcp.WithString("branch",
					mcp.Description("Branch or tag to check out"),
				),
			),
			Execute:          gitClone,
			RequiresApproval: true,
		},
	}
}

type fileList struct {
	Path  string              `json:"path"`
	Files []remotefs.DirEntry `json:"files"`
}

func listFiles(ctx context.Context, fsys remotefs.FileSystem, args Args) (any, error) {
	p := args.StringOr("path", ".")
	entries, err := fsys.ReadDir(ctx, p)
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []remotefs.DirEntry{}
	}
	return fileList{Path: p, Files: entries}, nil
}

type fileContent struct {
	Path      string `json:"path"`
	Content   string `json:"content"`
	Truncated bool   `json:"truncated,omitempty"`
}

func readFile(ctx context.Context, fsys remotefs.FileSystem, args Args) (any, error) {
	p, err := args.String("path")
	if err != nil {
		return nil, err
	}
	data, err := fsys.ReadFile(ctx, p)
	if err != nil {
		return nil, err
	}
	out := fileContent{Path: p}
	if len(data) > maxReadBytes {
		data = data[:maxReadBytes]
		out.Truncated = true
	}
	if !utf8.Valid(data) {
		return nil, fmt.Errorf("%s is not a text file", p)
	}
	out.Content = string(data)
	return out, nil
}

type writeResult struct {
	Path         string `json:"path"`
	BytesWritten int    `json:"bytes_written"`
}

func writeFile(ctx context.Context, fsys remotefs.FileSystem, args Args) (any, error) {
	p, err := args.String("path")
	if err != nil {
		return nil, err
	}
	content, err := args.String("content")
	if err != nil {
		return nil, err
	}
	if err := fsys.WriteFile(ctx, p, []byte(content)); err != nil {
		return nil, err
	}
	return writeResult{Path: p, BytesWritten: len(content)}, nil
}

type pathResult struct {
	Path   string `json:"path"`
	Status string `json:"status"`
}

func deleteFile(ctx context.Context, fsys remotefs.FileSystem, args Args) (any, error) {
	p, err := args.String("path")
	if err != nil {
		return nil, err
	}
	if err := fsys.DeleteFile(ctx, p); err != nil {
		return nil, err
	}
	return pathResult{Path: p, Status: "deleted"}, nil
}

func fileStat(ctx context.Context, fsys remotefs.FileSystem, args Args) (any, error) {
	p, err := args.String("path")
	if err != nil {
		return nil, err
	}
	return fsys.Stat(ctx, p)
}

func makeDir(ctx context.Context, fsys remotefs.FileSystem, args Args) (any, error) {
	p, err := args.String("path")
	if err != nil {
		return nil, err
	}
	if err := fsys.Mkdir(ctx, p, args.Bool("recursive", true)); err != nil {
		return nil, err
	}
	return pathResult{Path: p, Status: "created"}, nil
}

func runCommand(ctx context.Context, fsys remotefs.FileSystem, args Args) (any, error) {
	command, err := args.String("command")
	if err != nil {
		return nil, err
	}
	return fsys.ExecuteCommand(ctx, command, args.Strings("args"), remotefs.CommandOptions{
		Cwd:     args.StringOr("cwd", ""),
		Timeout: args.Seconds("timeout_seconds"),
	})
}

type cloneResult struct {
	Target string `json:"target"`
	remotefs.CommandResult
}

// gitClone removes any existing target first so a repeated call after a
// crash starts from the same state.
func gitClone(ctx context.Context, fsys remotefs.FileSystem, args Args) (any, error) {
	url, err := args.String("url")
	if err != nil {
		return nil, err
	}
	target, err := args.String("target")
	if err != nil {
		return nil, err
	}
	resolved, err := remotefs.ResolvePath(fsys.Base(), target)
	if err != nil {
		return nil, err
	}
	if resolved == fsys.Base() {
		return nil, fmt.Errorf("refusing to clone over the workspace root")
	}

	res, err := fsys.ExecuteCommand(ctx, "rm", []string{"-rf", "--", resolved}, remotefs.CommandOptions{})
	if err != nil {
		return nil, err
	}
	if !res.Success() {
		return cloneResult{Target: target, CommandResult: res}, nil
	}

	cloneArgs := []string{"clone", "--depth", "1"}
	if branch := args.StringOr("branch", ""); branch != "" {
		cloneArgs = append(cloneArgs, "--branch", branch)
	}
	cloneArgs = append(cloneArgs, "--", url, resolved)
	res, err = fsys.ExecuteCommand(ctx, "git", cloneArgs, remotefs.CommandOptions{Timeout: args.Seconds("timeout_seconds")})
	if err != nil {
		return nil, err
	}
	return cloneResult{Target: target, CommandResult: res}, nil
}
