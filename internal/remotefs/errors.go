package remotefs

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"syscall"
)

var (
	ErrPathEscape  = errors.New("path escapes base directory")
	ErrUnreachable = errors.New("execution unit unreachable")
)

// Code is a POSIX-style error kind.
type Code string

const (
	ENOENT    Code = "ENOENT"
	EISDIR    Code = "EISDIR"
	EEXIST    Code = "EEXIST"
	EACCES    Code = "EACCES"
	ENOTEMPTY Code = "ENOTEMPTY"
	ENOTDIR   Code = "ENOTDIR"
	EIO       Code = "EIO"
)

// FSError is returned by every FileSystem operation that failed on the
// target side.
type FSError struct {
	Op     string
	Path   string
	Code   Code
	Detail string
}

func (e *FSError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s %s: %s: %s", e.Op, e.Path, e.Code, e.Detail)
	}
	return fmt.Sprintf("%s %s: %s", e.Op, e.Path, e.Code)
}

// Is lets callers use the io/fs sentinels.
func (e *FSError) Is(target error) bool {
	switch target {
	case fs.ErrNotExist:
		return e.Code == ENOENT
	case fs.ErrExist:
		return e.Code == EEXIST
	case fs.ErrPermission:
		return e.Code == EACCES
	}
	return false
}

// CodeOf returns the error kind of err, or "" if it carries none.
func CodeOf(err error) Code {
	var fsErr *FSError
	if errors.As(err, &fsErr) {
		return fsErr.Code
	}
	return ""
}

var stderrPatterns = []struct {
	needle string
	code   Code
}{
	{"no such file or directory", ENOENT},
	{"is a directory", EISDIR},
	{"file exists", EEXIST},
	{"permission denied", EACCES},
	{"operation not permitted", EACCES},
	{"directory not empty", ENOTEMPTY},
	{"not a directory", ENOTDIR},
}

// classifyStderr maps coreutils error text onto a Code. Unmatched text is EIO.
func classifyStderr(stderr string) Code {
	lower := strings.ToLower(stderr)
	for _, p := range stderrPatterns {
		if strings.Contains(lower, p.needle) {
			return p.code
		}
	}
	return EIO
}

func commandError(op, path string, res CommandResult) *FSError {
	detail := strings.TrimSpace(res.Stderr)
	if res.TimedOut {
		return &FSError{Op: op, Path: path, Code: EIO, Detail: "timed out"}
	}
	return &FSError{Op: op, Path: path, Code: classifyStderr(detail), Detail: detail}
}

// localError converts an os error into an FSError using its errno.
func localError(op, path string, err error) error {
	if err == nil {
		return nil
	}
	var errno syscall.Errno
	code := EIO
	if errors.As(err, &errno) {
		switch errno {
		case syscall.ENOENT:
			code = ENOENT
		case syscall.EISDIR:
			code = EISDIR
		case syscall.EEXIST:
			code = EEXIST
		case syscall.EACCES, syscall.EPERM:
			code = EACCES
		case syscall.ENOTEMPTY:
			code = ENOTEMPTY
		case syscall.ENOTDIR:
			code = ENOTDIR
		}
	} else if errors.Is(err, fs.ErrNotExist) {
		code = ENOENT
	} else if errors.Is(err, fs.ErrExist) {
		code = EEXIST
	}
	return &FSError{Op: op, Path: path, Code: code, Detail: err.Error()}
}
