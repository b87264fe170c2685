// Package workspace locates the workspace a command is run for and the
// directories kept in it.
package workspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// MarkerFile marks the root of a workspace
const MarkerFile = "ZACK_WORKSPACE.star"

// ErrNotFound means no directory up from the start has a MarkerFile
var ErrNotFound = errors.New("workspace: no " + MarkerFile + " found")

// NotFoundError is ErrNotFound for a start directory
type NotFoundError struct {
	Dir string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("workspace: no %s found in %s or any parent directory", MarkerFile, e.Dir)
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// Workspace is the root directory of a workspace
type Workspace struct {
	Root string
}

// Detect walks up from dir to the first directory with a MarkerFile
func Detect(dir string) (Workspace, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return Workspace{}, err
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	}
	for cur := abs; ; {
		fi, err := os.Stat(filepath.Join(cur, MarkerFile))
		switch {
		case err == nil && !fi.IsDir():
			return Workspace{Root: cur}, nil
		case err != nil && !errors.Is(err, os.ErrNotExist):
			return Workspace{}, fmt.Errorf("workspace: %w", err)
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return Workspace{}, &NotFoundError{Dir: abs}
		}
		cur = parent
	}
}

// DetectCwd detects the workspace of the working directory
func DetectCwd() (Workspace, error) {
	wd, err := os.Getwd()
	if err != nil {
		return Workspace{}, err
	}
	return Detect(wd)
}

// Target holds everything the tool writes into the workspace
func (w Workspace) Target() string {
	return filepath.Join(w.Root, "target", "zack")
}

// ExecRoot holds the exec dirs
func (w Workspace) ExecRoot() string {
	return filepath.Join(w.Target(), "exec")
}

// NewExecDir returns a new exec dir path under root. The name is a UUIDv7
// so exec dirs sort by creation time.
func NewExecDir(root string) (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("workspace: exec dir id: %w", err)
	}
	return filepath.Join(root, id.String()), nil
}
