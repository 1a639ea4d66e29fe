// Package remotefs gives tools one file and command interface over either a
// clustered sandbox unit or the local machine.
package remotefs

import (
	"context"
	"time"
)

// FileSystem is implemented by SandboxFS and LocalFS. Paths are relative to
// the implementation's base directory; anything escaping it is rejected
// with ErrPathEscape before any I/O happens.
type FileSystem interface {
	ReadFile(ctx context.Context, path string) ([]byte, error)
	WriteFile(ctx context.Context, path string, data []byte) error
	DeleteFile(ctx context.Context, path string) error
	Mkdir(ctx context.Context, path string, recursive bool) error
	ReadDir(ctx context.Context, path string) ([]DirEntry, error)
	Exists(ctx context.Context, path string) (bool, error)
	Stat(ctx context.Context, path string) (*FileInfo, error)
	ExecuteCommand(ctx context.Context, command string, args []string, opts CommandOptions) (CommandResult, error)
	Base() string
}

type EntryType string

const (
	EntryFile    EntryType = "file"
	EntryDir     EntryType = "directory"
	EntrySymlink EntryType = "symlink"
	EntryOther   EntryType = "other"
)

type DirEntry struct {
	Name string    `json:"name"`
	Type EntryType `json:"type"`
	Size int64     `json:"size"`
}

type FileInfo struct {
	Path    string    `json:"path"`
	Type    EntryType `json:"type"`
	Size    int64     `json:"size"`
	Mode    string    `json:"mode"`
	ModTime time.Time `json:"mod_time"`
}

func (fi *FileInfo) IsDir() bool {
	return fi.Type == EntryDir
}

// CommandOptions tunes a single command. Zero values fall back to the
// executor's defaults.
type CommandOptions struct {
	Timeout time.Duration
	Cwd     string
}

// CommandResult is what a command produced. A failed or timed out command
// is data, not an error.
type CommandResult struct {
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	TimedOut bool   `json:"timed_out"`
}

func (r CommandResult) Success() bool {
	return r.ExitCode == 0 && !r.TimedOut
}

// Executor runs a command with its arguments inside some execution unit.
// An error means the unit could not be reached at all.
type Executor interface {
	ExecuteCommand(ctx context.Context, command string, args []string, opts CommandOptions) (CommandResult, error)
}

// Uploader accepts binary file content out of band of the command channel.
type Uploader interface {
	Upload(ctx context.Context, path string, data []byte) error
}

// Downloader returns binary file content out of band of the command channel.
type Downloader interface {
	Download(ctx context.Context, path string) ([]byte, error)
}

const (
	DefaultCommandTimeout = 30 * time.Second

	// LargeWriteThreshold is the size above which writes go through the
	// upload endpoint instead of an inline shell command.
	LargeWriteThreshold = 1 << 20

	// inlineChunkSize caps the base64 payload of one inline write command,
	// well under the kernel's per-argument limit.
	inlineChunkSize = 64 << 10

	timeoutExitCode = 124
)
