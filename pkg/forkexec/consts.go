package forkexec

import "golang.org/x/sys/unix"

var (
	empty = [...]byte{0}

	// go does not allow constant uintptr to be negative...
	_AT_FDCWD = unix.AT_FDCWD
)
