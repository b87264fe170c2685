package userns

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"golang.org/x/sys/unix"
)

// ErrHandleClosed is returned when a closed or released Handle is used
var ErrHandleClosed = errors.New("userns: handle closed")

// noCopy makes `go vet` report copies of a Handle
type noCopy struct{}

func (*noCopy) Lock()   {}
func (*noCopy) Unlock() {}

// Handle owns an open file descriptor referring to a user namespace. The
// namespace stays alive while the descriptor is open, even after every
// process in it exited. A Handle must be passed by pointer and closed
// exactly once.
type Handle struct {
	noCopy noCopy
	file   *os.File
}

// OpenUserNamespace opens /proc/<pid>/ns/user read-only
func OpenUserNamespace(pid int) (*Handle, error) {
	return OpenPath("/proc/" + strconv.Itoa(pid) + "/ns/user")
}

// OpenPath opens a namespace file
func OpenPath(path string) (*Handle, error) {
	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, &os.PathError{Op: "open", Path: path, Err: err}
	}
	return &Handle{file: os.NewFile(uintptr(fd), path)}, nil
}

// Fd returns the descriptor. It stays owned by the Handle.
func (h *Handle) Fd() (uintptr, error) {
	if h == nil || h.file == nil {
		return 0, ErrHandleClosed
	}
	return h.file.Fd(), nil
}

// Name is the path the handle was opened from
func (h *Handle) Name() string {
	if h == nil || h.file == nil {
		return ""
	}
	return h.file.Name()
}

// Inode identifies the namespace, equal handles refer to the same one
func (h *Handle) Inode() (uint64, error) {
	fd, err := h.Fd()
	if err != nil {
		return 0, err
	}
	var st unix.Stat_t
	if err := unix.Fstat(int(fd), &st); err != nil {
		return 0, fmt.Errorf("userns: fstat: %w", err)
	}
	return st.Ino, nil
}

// Release transfers ownership of the descriptor to the caller
func (h *Handle) Release() (*os.File, error) {
	if h == nil || h.file == nil {
		return nil, ErrHandleClosed
	}
	f := h.file
	h.file = nil
	return f, nil
}

// Close closes the descriptor. Closing twice returns ErrHandleClosed.
func (h *Handle) Close() error {
	f, err := h.Release()
	if err != nil {
		return err
	}
	return f.Close()
}
