package sandbox

import (
	"io/fs"

	"github.com/criyle/zaun/pkg/mount"
	"github.com/criyle/zaun/pkg/seccomp"
)

// Kernel is the set of system calls the constructor issues, in the order
// it issues them
type Kernel interface {
	Unshare(flags int) error
	Sethostname(name string) error
	Mount(m mount.Mount) error
	Unmount(target string, flags int) error
	Mkdir(path string, mode uint32) error
	Rmdir(path string) error
	PivotRoot(newRoot, putOld string) error
	Chdir(path string) error
	Stat(path string) (fs.FileInfo, error)
	LoadSeccomp(p *seccomp.Policy) error
	// Exec only returns on failure
	Exec(path string, argv, env []string) error
}
