// Package mount describes mount syscalls as plain values so that a
// sequence of mounts can be planned, logged and checked before any of
// them is applied.
package mount

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Mount defines syscall for mount points
type Mount struct {
	Source, Target, FsType, Data string
	Flags                        uintptr
}

// IsBindMount reports whether m is a bind mount
func (m Mount) IsBindMount() bool {
	return m.Flags&unix.MS_BIND == unix.MS_BIND
}

// IsRecursive reports whether m applies to the whole subtree
func (m Mount) IsRecursive() bool {
	return m.Flags&unix.MS_REC == unix.MS_REC
}

// IsReadOnly reports whether m is read-only
func (m Mount) IsReadOnly() bool {
	return m.Flags&unix.MS_RDONLY == unix.MS_RDONLY
}

// IsTmpFs reports whether m mounts a tmpfs
func (m Mount) IsTmpFs() bool {
	return m.FsType == "tmpfs"
}

// IsOverlay reports whether m mounts an overlay filesystem
func (m Mount) IsOverlay() bool {
	return m.FsType == "overlay"
}

// IsPropagation reports whether m only changes the propagation type
func (m Mount) IsPropagation() bool {
	return m.Flags&(unix.MS_PRIVATE|unix.MS_SLAVE|unix.MS_SHARED|unix.MS_UNBINDABLE) != 0 &&
		m.Flags&unix.MS_BIND == 0 && m.FsType == ""
}

func (m Mount) String() string {
	switch {
	case m.IsBindMount():
		flag := "rw"
		if m.IsReadOnly() {
			flag = "ro"
		}
		if m.IsRecursive() {
			flag += ",rec"
		}
		return fmt.Sprintf("bind[%s:%s:%s]", m.Source, m.Target, flag)

	case m.IsTmpFs():
		return fmt.Sprintf("tmpfs[%s:%s]", m.Target, m.Data)

	case m.IsOverlay():
		return fmt.Sprintf("overlay[%s:%s]", m.Target, m.Data)

	case m.IsPropagation():
		return fmt.Sprintf("private[%s]", m.Target)

	default:
		return fmt.Sprintf("mount[%s,%s:%s:%x,%s]", m.FsType, m.Source, m.Target, m.Flags, m.Data)
	}
}
