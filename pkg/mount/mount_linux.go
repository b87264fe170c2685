package mount

import (
	"golang.org/x/sys/unix"
)

// Mount calls mount syscall. The target must already exist.
func (m *Mount) Mount() error {
	if err := unix.Mount(m.Source, m.Target, m.FsType, m.Flags, m.Data); err != nil {
		return err
	}
	// Read-only bind mount need to be remounted
	const bindRo = unix.MS_BIND | unix.MS_RDONLY
	if m.Flags&bindRo == bindRo {
		if err := unix.Mount("", m.Target, m.FsType, m.Flags|unix.MS_REMOUNT, m.Data); err != nil {
			return err
		}
	}
	return nil
}
