package sandbox

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Names inside an exec dir
const (
	ExecFileName = "exec.json"
	OutName      = "out"
	WorkName     = "work"
	RootName     = "root"
	ScratchName  = "scratch"
)

// OldRootName is where pivot_root puts the old root, it is created on the
// scratch tmpfs and shows up in the new root through the overlay
const OldRootName = "old_root"

// ExecDir is the per-execution directory. out and work become the overlay
// upper and work dirs, root its mount point and scratch a small tmpfs
// layered below out providing the mount points of the new root.
type ExecDir struct {
	Path string
}

func (d ExecDir) join(name string) string { return filepath.Join(d.Path, name) }

// ExecFile is the path of exec.json
func (d ExecDir) ExecFile() string { return d.join(ExecFileName) }

// Out is the overlay upper dir, it keeps everything the command wrote
func (d ExecDir) Out() string { return d.join(OutName) }

// Work is the overlay work dir
func (d ExecDir) Work() string { return d.join(WorkName) }

// Root is the mount point of the new root
func (d ExecDir) Root() string { return d.join(RootName) }

// Scratch is the mount point of the scratch tmpfs
func (d ExecDir) Scratch() string { return d.join(ScratchName) }

// OpenExecDir refers to an existing exec dir, path is made absolute
func OpenExecDir(path string) (ExecDir, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return ExecDir{}, err
	}
	fi, err := os.Stat(abs)
	if err != nil {
		return ExecDir{}, err
	}
	if !fi.IsDir() {
		return ExecDir{}, fmt.Errorf("exec_dir: %s: not a directory", abs)
	}
	return ExecDir{Path: abs}, nil
}

// CreateExecDir creates the exec dir at path and writes e to it. The
// directory is world writable so that root of the user namespace, an
// unprivileged subordinate id outside of it, can populate it. The
// descriptor and the directory entry are synced before it returns.
func CreateExecDir(path string, e Exec) (ExecDir, error) {
	if err := e.validate(); err != nil {
		return ExecDir{}, err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return ExecDir{}, err
	}
	d := ExecDir{Path: abs}

	if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
		return ExecDir{}, fmt.Errorf("exec_dir: mkdir_all(%s) %w", filepath.Dir(abs), err)
	}
	if err := os.Mkdir(abs, 0777); err != nil {
		return ExecDir{}, fmt.Errorf("exec_dir: mkdir(%s) %w", abs, err)
	}
	// umask
	if err := os.Chmod(abs, 0777); err != nil {
		return ExecDir{}, fmt.Errorf("exec_dir: chmod(%s) %w", abs, err)
	}

	b, err := json.Marshal(e)
	if err != nil {
		return ExecDir{}, err
	}
	if err := writeSync(d.ExecFile(), b); err != nil {
		return ExecDir{}, fmt.Errorf("exec_dir: write(%s) %w", d.ExecFile(), err)
	}
	if err := syncDir(abs); err != nil {
		return ExecDir{}, fmt.Errorf("exec_dir: sync(%s) %w", abs, err)
	}
	return d, nil
}

func writeSync(name string, b []byte) error {
	f, err := os.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return err
	}
	if _, err := f.Write(b); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func syncDir(name string) error {
	f, err := os.Open(name)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}
