// Package capability reads the capability sets of the calling thread
package capability

import (
	"fmt"
	"strings"

	"golang.org/x/sys/unix"
)

// Cap is a capability number
type Cap uint

// names indexed by capability number, see capability.h
var names = []string{
	"chown", "dac_override", "dac_read_search", "fowner", "fsetid", "kill",
	"setgid", "setuid", "setpcap", "linux_immutable", "net_bind_service",
	"net_broadcast", "net_admin", "net_raw", "ipc_lock", "ipc_owner",
	"sys_module", "sys_rawio", "sys_chroot", "sys_ptrace", "sys_pacct",
	"sys_admin", "sys_boot", "sys_nice", "sys_resource", "sys_time",
	"sys_tty_config", "mknod", "lease", "audit_write", "audit_control",
	"setfcap", "mac_override", "mac_admin", "syslog", "wake_alarm",
	"block_suspend", "audit_read", "perfmon", "bpf", "checkpoint_restore",
}

func (c Cap) String() string {
	if int(c) < len(names) {
		return "cap_" + names[c]
	}
	return fmt.Sprintf("cap_%d", uint(c))
}

// Set is a bit set of capabilities
type Set uint64

// Has reports whether c is in the set
func (s Set) Has(c Cap) bool {
	return s&(1<<c) != 0
}

// Minus returns the capabilities of s that are not in o
func (s Set) Minus(o Set) Set {
	return s &^ o
}

// Names lists the capabilities of the set in numeric order
func (s Set) Names() []string {
	ret := make([]string, 0)
	for c := Cap(0); c < 64; c++ {
		if s.Has(c) {
			ret = append(ret, c.String())
		}
	}
	return ret
}

func (s Set) String() string {
	return strings.Join(s.Names(), ",")
}

// Sets are the capability sets of a thread
type Sets struct {
	Effective   Set
	Permitted   Set
	Inheritable Set
	Bounding    Set
}

// Current reads the sets of the calling thread
func Current() (Sets, error) {
	hdr := unix.CapUserHeader{Version: unix.LINUX_CAPABILITY_VERSION_3}
	var data [2]unix.CapUserData
	if err := unix.Capget(&hdr, &data[0]); err != nil {
		return Sets{}, fmt.Errorf("capability: capget: %w", err)
	}
	s := Sets{
		Effective:   Set(data[0].Effective) | Set(data[1].Effective)<<32,
		Permitted:   Set(data[0].Permitted) | Set(data[1].Permitted)<<32,
		Inheritable: Set(data[0].Inheritable) | Set(data[1].Inheritable)<<32,
	}
	// PR_CAPBSET_READ fails with EINVAL past the last supported capability
	for c := Cap(0); c < 64; c++ {
		ok, err := unix.PrctlRetInt(unix.PR_CAPBSET_READ, uintptr(c), 0, 0, 0)
		if err != nil {
			break
		}
		if ok == 1 {
			s.Bounding |= 1 << c
		}
	}
	return s, nil
}
