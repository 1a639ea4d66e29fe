package remotefs

import (
	"context"
	"encoding/base64"
	"fmt"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/alessio/shellescape"
)

// SandboxFS proxies filesystem operations onto a unit's command endpoint
// using POSIX tools, so the unit needs no filesystem API of its own.
type SandboxFS struct {
	exec     Executor
	upload   Uploader
	download Downloader
	base     string
	timeout  time.Duration
}

// NewSandboxFS returns a FileSystem rooted at base. upload and download may
// be nil, in which case large files go through the command channel as well.
func NewSandboxFS(exec Executor, upload Uploader, download Downloader, base string, timeout time.Duration) *SandboxFS {
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}
	return &SandboxFS{exec: exec, upload: upload, download: download, base: path.Clean(base), timeout: timeout}
}

// downloadMarker is printed instead of file content when the file should
// be fetched through the download endpoint. It is outside the base64
// alphabet.
const downloadMarker = "@download"

const readScript = `f=%[1]s
if [ -d "$f" ]; then echo "$f: Is a directory" >&2; exit 1; fi
`

const readSizeCheck = `size=$(wc -c < "$f") || exit 1
size=$(echo $size)
if [ "$size" -gt %[1]d ]; then echo '` + downloadMarker + `'; exit 0; fi
`

// readDirScript prefers GNU find and falls back to plain shell tests where
// find lacks -printf, as in BusyBox.
const readDirScript = `cd %[1]s || exit 1
if find . -maxdepth 0 -printf '' >/dev/null 2>&1; then
  find . -mindepth 1 -maxdepth 1 -printf '%%f\t%%y\t%%s\n'
else
  for f in .* *; do
    case "$f" in .|..) continue ;; esac
    [ -e "$f" ] || [ -L "$f" ] || continue
    if [ -L "$f" ]; then t=l; elif [ -d "$f" ]; then t=d; elif [ -f "$f" ]; then t=f; else t=o; fi
    s=0
    if [ "$t" = f ]; then s=$(wc -c < "$f"); s=$(echo $s); fi
    printf '%%s\t%%s\t%%s\n' "$f" "$t" "$s"
  done
fi`

// statScript uses stat -c where available and otherwise assembles the same
// line from test, wc, date -r and ls.
const statScript = `f=%[1]s
if stat -c '%%F' / >/dev/null 2>&1; then
  exec stat -c '%%F|%%s|%%Y|%%a' -- "$f"
fi
if [ -L "$f" ]; then t='symbolic link'
elif [ -d "$f" ]; then t=directory
elif [ -f "$f" ]; then t='regular file'
elif [ -e "$f" ]; then t=other
else echo "stat: $f: No such file or directory" >&2; exit 1
fi
s=0
if [ "$t" = 'regular file' ]; then s=$(wc -c < "$f"); s=$(echo $s); fi
m=$(date -r "$f" +%%s 2>/dev/null || echo 0)
p=$(ls -ldn -- "$f" | cut -c2-10)
printf '%%s|%%s|%%s|%%s\n' "$t" "$s" "$m" "$p"`

func (s *SandboxFS) Base() string { return s.base }

func (s *SandboxFS) run(ctx context.Context, command string, args ...string) (CommandResult, error) {
	return s.exec.ExecuteCommand(ctx, command, args, CommandOptions{Timeout: s.timeout})
}

func (s *SandboxFS) sh(ctx context.Context, script string) (CommandResult, error) {
	return s.run(ctx, "sh", "-c", script)
}

func (s *SandboxFS) ReadFile(ctx context.Context, p string) ([]byte, error) {
	target, err := ResolvePath(s.base, p)
	if err != nil {
		return nil, err
	}
	script := fmt.Sprintf(readScript, shellescape.Quote(target))
	if s.download != nil {
		script += fmt.Sprintf(readSizeCheck, LargeWriteThreshold)
	}
	script += `base64 < "$f"`

	res, err := s.sh(ctx, script)
	if err != nil {
		return nil, err
	}
	if !res.Success() {
		return nil, commandError("read", target, res)
	}
	out := strings.TrimSpace(res.Stdout)
	if out == downloadMarker {
		return s.download.Download(ctx, target)
	}
	data, err := base64.StdEncoding.DecodeString(out)
	if err != nil {
		return nil, &FSError{Op: "read", Path: target, Code: EIO, Detail: err.Error()}
	}
	return data, nil
}

func (s *SandboxFS) WriteFile(ctx context.Context, p string, data []byte) error {
	target, err := ResolvePath(s.base, p)
	if err != nil {
		return err
	}
	if err := s.Mkdir(ctx, path.Dir(target), true); err != nil {
		return err
	}

	if len(data) > LargeWriteThreshold && s.upload != nil {
		return s.upload.Upload(ctx, target, data)
	}

	encoded := base64.StdEncoding.EncodeToString(data)
	if len(encoded) <= inlineChunkSize {
		return s.writeChunk(ctx, target, target, encoded, false)
	}

	// Larger payloads are appended in chunks to a sibling file that is
	// renamed into place once complete.
	partial := target + ".partial"
	for off := 0; off < len(encoded); off += inlineChunkSize {
		end := min(off+inlineChunkSize, len(encoded))
		if err := s.writeChunk(ctx, target, partial, encoded[off:end], off > 0); err != nil {
			_, _ = s.run(ctx, "rm", "-f", "--", partial)
			return err
		}
	}
	res, err := s.run(ctx, "mv", "-f", "--", partial, target)
	if err != nil {
		return err
	}
	if !res.Success() {
		return commandError("write", target, res)
	}
	return nil
}

// writeChunk decodes one base64 chunk into dst. Chunks are multiples of
// four characters so each decodes on its own.
func (s *SandboxFS) writeChunk(ctx context.Context, target, dst, chunk string, appendTo bool) error {
	redirect := ">"
	if appendTo {
		redirect = ">>"
	}
	script := fmt.Sprintf("printf '%%s' %s | base64 -d %s %s", shellescape.Quote(chunk), redirect, shellescape.Quote(dst))
	res, err := s.sh(ctx, script)
	if err != nil {
		return err
	}
	if !res.Success() {
		return commandError("write", target, res)
	}
	return nil
}

func (s *SandboxFS) DeleteFile(ctx context.Context, p string) error {
	target, err := ResolvePath(s.base, p)
	if err != nil {
		return err
	}
	res, err := s.run(ctx, "rm", "--", target)
	if err != nil {
		return err
	}
	if !res.Success() {
		return commandError("delete", target, res)
	}
	return nil
}

func (s *SandboxFS) Mkdir(ctx context.Context, p string, recursive bool) error {
	target, err := ResolvePath(s.base, p)
	if err != nil {
		return err
	}
	args := []string{"--", target}
	if recursive {
		args = []string{"-p", "--", target}
	}
	res, err := s.run(ctx, "mkdir", args...)
	if err != nil {
		return err
	}
	if !res.Success() {
		return commandError("mkdir", target, res)
	}
	return nil
}

func (s *SandboxFS) ReadDir(ctx context.Context, p string) ([]DirEntry, error) {
	target, err := ResolvePath(s.base, p)
	if err != nil {
		return nil, err
	}
	res, err := s.sh(ctx, fmt.Sprintf(readDirScript, shellescape.Quote(target)))
	if err != nil {
		return nil, err
	}
	if !res.Success() {
		return nil, commandError("readdir", target, res)
	}
	return parseFindOutput(res.Stdout), nil
}

func (s *SandboxFS) Exists(ctx context.Context, p string) (bool, error) {
	target, err := ResolvePath(s.base, p)
	if err != nil {
		return false, err
	}
	res, err := s.run(ctx, "test", "-e", target)
	if err != nil {
		return false, err
	}
	if res.TimedOut {
		return false, commandError("exists", target, res)
	}
	return res.ExitCode == 0, nil
}

func (s *SandboxFS) Stat(ctx context.Context, p string) (*FileInfo, error) {
	target, err := ResolvePath(s.base, p)
	if err != nil {
		return nil, err
	}
	res, err := s.sh(ctx, fmt.Sprintf(statScript, shellescape.Quote(target)))
	if err != nil {
		return nil, err
	}
	if !res.Success() {
		return nil, commandError("stat", target, res)
	}
	info, err := parseStatOutput(target, res.Stdout)
	if err != nil {
		return nil, &FSError{Op: "stat", Path: target, Code: EIO, Detail: err.Error()}
	}
	return info, nil
}

func (s *SandboxFS) ExecuteCommand(ctx context.Context, command string, args []string, opts CommandOptions) (CommandResult, error) {
	cwd, err := ResolvePath(s.base, opts.Cwd)
	if err != nil {
		return CommandResult{}, err
	}
	opts.Cwd = cwd
	if opts.Timeout <= 0 {
		opts.Timeout = s.timeout
	}
	return s.exec.ExecuteCommand(ctx, command, args, opts)
}

func parseFindOutput(out string) []DirEntry {
	var entries []DirEntry
	for _, line := range strings.Split(out, "\n") {
		if line == "" {
			continue
		}
		fields := strings.SplitN(line, "\t", 3)
		if len(fields) != 3 {
			continue
		}
		size, _ := strconv.ParseInt(fields[2], 10, 64)
		entries = append(entries, DirEntry{Name: fields[0], Type: findType(fields[1]), Size: size})
	}
	return entries
}

func findType(t string) EntryType {
	switch t {
	case "f":
		return EntryFile
	case "d":
		return EntryDir
	case "l":
		return EntrySymlink
	}
	return EntryOther
}

// octalMode turns an ls permission string such as "rwxr-xr-x" into "755".
// Anything else is returned unchanged.
func octalMode(perm string) string {
	if len(perm) != 9 {
		return perm
	}
	var out [3]byte
	for i := 0; i < 3; i++ {
		var v byte
		triplet := perm[i*3 : i*3+3]
		if triplet[0] == 'r' {
			v += 4
		}
		if triplet[1] == 'w' {
			v += 2
		}
		switch triplet[2] {
		case 'x', 's', 't':
			v++
		}
		out[i] = '0' + v
	}
	return string(out[:])
}

func parseStatOutput(target, out string) (*FileInfo, error) {
	fields := strings.Split(strings.TrimSpace(out), "|")
	if len(fields) != 4 {
		return nil, fmt.Errorf("unexpected stat output %q", out)
	}
	size, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return nil, err
	}
	mtime, err := strconv.ParseInt(fields[2], 10, 64)
	if err != nil {
		return nil, err
	}

	typ := EntryOther
	switch {
	case strings.Contains(fields[0], "regular"):
		typ = EntryFile
	case fields[0] == "directory":
		typ = EntryDir
	case fields[0] == "symbolic link":
		typ = EntrySymlink
	}
	return &FileInfo{
		Path:    target,
		Type:    typ,
		Size:    size,
		Mode:    octalMode(fields[3]),
		ModTime: time.Unix(mtime, 0).UTC(),
	}, nil
}
