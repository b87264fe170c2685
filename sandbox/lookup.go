package sandbox

import (
	"errors"
	"io/fs"
	"path/filepath"
	"strings"
	"syscall"
)

func findExecutable(k Kernel, file string) error {
	d, err := k.Stat(file)
	if err != nil {
		return err
	}
	if m := d.Mode(); m.IsDir() {
		return syscall.EISDIR
	} else if m&0111 == 0 {
		return syscall.EACCES
	}
	return nil
}

// lookPath resolves name in PATH of env. A name containing a slash is
// used as it is. The error of a candidate that exists but is not
// executable wins over ENOENT.
func lookPath(k Kernel, name string, env []string) (string, error) {
	if strings.Contains(name, "/") {
		if err := findExecutable(k, name); err != nil {
			return "", errnoOf(err)
		}
		return name, nil
	}

	var lastErr error = syscall.ENOENT
	for _, dir := range filepath.SplitList(findPath(env)) {
		if dir == "" {
			dir = "."
		}
		p := filepath.Join(dir, name)
		err := findExecutable(k, p)
		if err == nil {
			return p, nil
		}
		if errno := errnoOf(err); errno != syscall.ENOENT && errno != syscall.ENOTDIR {
			lastErr = errno
		}
	}
	return "", lastErr
}

func findPath(env []string) string {
	const pathPrefix = "PATH="
	for i := len(env) - 1; i >= 0; i-- {
		if s := env[i]; strings.HasPrefix(s, pathPrefix) {
			return s[len(pathPrefix):]
		}
	}
	return ""
}

func errnoOf(err error) syscall.Errno {
	var errno syscall.Errno
	switch {
	case err == nil:
		return 0
	case errors.As(err, &errno):
		return errno
	case errors.Is(err, fs.ErrNotExist):
		return syscall.ENOENT
	case errors.Is(err, fs.ErrPermission):
		return syscall.EACCES
	}
	return syscall.ENOENT
}
