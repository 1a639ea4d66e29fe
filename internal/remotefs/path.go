package remotefs

import (
	"fmt"
	"path"
	"strings"

	"github.com/alessio/shellescape"
)

// ResolvePath joins p onto base and returns the cleaned absolute path. Any
// result outside base fails with ErrPathEscape; it is never clamped.
func ResolvePath(base, p string) (string, error) {
	if !path.IsAbs(base) {
		return "", fmt.Errorf("base directory %q is not absolute", base)
	}
	base = path.Clean(base)

	var target string
	if path.IsAbs(p) {
		target = path.Clean(p)
	} else {
		target = path.Join(base, p)
	}

	if base == "/" || target == base || strings.HasPrefix(target, base+"/") {
		return target, nil
	}
	return "", fmt.Errorf("%w: %s", ErrPathEscape, p)
}

// CommandLine renders command and args as one shell line with every argument
// quoted, prefixed by a cd into cwd when one is given.
func CommandLine(command string, args []string, cwd string) string {
	var b strings.Builder
	if cwd != "" {
		b.WriteString("cd ")
		b.WriteString(shellescape.Quote(cwd))
		b.WriteString(" && ")
	}
	b.WriteString(command)
	for _, a := range args {
		b.WriteByte(' ')
		b.WriteString(shellescape.Quote(a))
	}
	return b.String()
}
