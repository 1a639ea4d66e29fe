package remotefs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"
)

// LocalFS implements FileSystem on the local disk and runs commands through
// sh. It is the development backend; config refuses it inside a cluster.
type LocalFS struct {
	base    string
	timeout time.Duration
}

func NewLocalFS(base string, timeout time.Duration) (*LocalFS, error) {
	abs, err := filepath.Abs(base)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve base directory: %w", err)
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}
	return &LocalFS{base: abs, timeout: timeout}, nil
}

func (l *LocalFS) Base() string { return l.base }

func (l *LocalFS) ReadFile(ctx context.Context, p string) ([]byte, error) {
	target, err := ResolvePath(l.base, p)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(target)
	if err != nil {
		return nil, localError("read", target, err)
	}
	return data, nil
}

func (l *LocalFS) WriteFile(ctx context.Context, p string, data []byte) error {
	target, err := ResolvePath(l.base, p)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return localError("write", target, err)
	}
	return localError("write", target, os.WriteFile(target, data, 0644))
}

func (l *LocalFS) DeleteFile(ctx context.Context, p string) error {
	target, err := ResolvePath(l.base, p)
	if err != nil {
		return err
	}
	fi, err := os.Lstat(target)
	if err != nil {
		return localError("delete", target, err)
	}
	if fi.IsDir() {
		return &FSError{Op: "delete", Path: target, Code: EISDIR}
	}
	return localError("delete", target, os.Remove(target))
}

func (l *LocalFS) Mkdir(ctx context.Context, p string, recursive bool) error {
	target, err := ResolvePath(l.base, p)
	if err != nil {
		return err
	}
	if recursive {
		return localError("mkdir", target, os.MkdirAll(target, 0755))
	}
	return localError("mkdir", target, os.Mkdir(target, 0755))
}

func (l *LocalFS) ReadDir(ctx context.Context, p string) ([]DirEntry, error) {
	target, err := ResolvePath(l.base, p)
	if err != nil {
		return nil, err
	}
	dirEntries, err := os.ReadDir(target)
	if err != nil {
		return nil, localError("readdir", target, err)
	}
	entries := make([]DirEntry, 0, len(dirEntries))
	for _, de := range dirEntries {
		entry := DirEntry{Name: de.Name(), Type: EntryOther}
		switch {
		case de.Type()&os.ModeSymlink != 0:
			entry.Type = EntrySymlink
		case de.IsDir():
			entry.Type = EntryDir
		case de.Type().IsRegular():
			entry.Type = EntryFile
		}
		if info, err := de.Info(); err == nil {
			entry.Size = info.Size()
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (l *LocalFS) Exists(ctx context.Context, p string) (bool, error) {
	target, err := ResolvePath(l.base, p)
	if err != nil {
		return false, err
	}
	_, err = os.Lstat(target)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, localError("exists", target, err)
}

func (l *LocalFS) Stat(ctx context.Context, p string) (*FileInfo, error) {
	target, err := ResolvePath(l.base, p)
	if err != nil {
		return nil, err
	}
	fi, err := os.Lstat(target)
	if err != nil {
		return nil, localError("stat", target, err)
	}
	typ := EntryOther
	switch {
	case fi.Mode()&os.ModeSymlink != 0:
		typ = EntrySymlink
	case fi.IsDir():
		typ = EntryDir
	case fi.Mode().IsRegular():
		typ = EntryFile
	}
	return &FileInfo{
		Path:    target,
		Type:    typ,
		Size:    fi.Size(),
		Mode:    fmt.Sprintf("%o", fi.Mode().Perm()),
		ModTime: fi.ModTime().UTC(),
	}, nil
}

// ExecuteCommand runs the quoted command line through sh in its own process
// group; the whole group is killed when the timeout fires.
func (l *LocalFS) ExecuteCommand(ctx context.Context, command string, args []string, opts CommandOptions) (CommandResult, error) {
	cwd, err := ResolvePath(l.base, opts.Cwd)
	if err != nil {
		return CommandResult{}, err
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = l.timeout
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "sh", "-c", CommandLine(command, args, ""))
	cmd.Dir = cwd
	configureCommandProcess(cmd)
	cmd.Cancel = func() error {
		terminateCommandProcess(cmd)
		return nil
	}
	cmd.WaitDelay = time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err = cmd.Run()
	res := CommandResult{Stdout: stdout.String(), Stderr: stderr.String()}

	if ctx.Err() != nil {
		return CommandResult{}, ctx.Err()
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		res.ExitCode = timeoutExitCode
		res.TimedOut = true
		res.Stderr += fmt.Sprintf("command timed out after %s", timeout)
		return res, nil
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
	default:
		res.ExitCode = -1
		res.Stderr += err.Error()
	}
	return res, nil
}
