package sandbox

import (
	"io/fs"
	"os"

	"golang.org/x/sys/unix"

	"github.com/criyle/zaun/pkg/mount"
	"github.com/criyle/zaun/pkg/seccomp"
)

// HostKernel issues the calls to the running kernel
type HostKernel struct{}

var _ Kernel = HostKernel{}

func (HostKernel) Unshare(flags int) error {
	return unix.Unshare(flags)
}

func (HostKernel) Sethostname(name string) error {
	return unix.Sethostname([]byte(name))
}

func (HostKernel) Mount(m mount.Mount) error {
	return m.Mount()
}

func (HostKernel) Unmount(target string, flags int) error {
	return unix.Unmount(target, flags)
}

func (HostKernel) Mkdir(path string, mode uint32) error {
	return unix.Mkdir(path, mode)
}

func (HostKernel) Rmdir(path string) error {
	return unix.Rmdir(path)
}

func (HostKernel) PivotRoot(newRoot, putOld string) error {
	return unix.PivotRoot(newRoot, putOld)
}

func (HostKernel) Chdir(path string) error {
	return unix.Chdir(path)
}

func (HostKernel) Stat(path string) (fs.FileInfo, error) {
	return os.Stat(path)
}

func (HostKernel) LoadSeccomp(p *seccomp.Policy) error {
	return p.Load()
}

func (HostKernel) Exec(path string, argv, env []string) error {
	return unix.Exec(path, argv, env)
}
