package forkexec

import (
	"syscall"
	"unsafe" // required for go:linkname.

	"golang.org/x/sys/unix"
)

//go:linkname beforeFork syscall.runtime_BeforeFork
func beforeFork()

//go:linkname afterFork syscall.runtime_AfterFork
func afterFork()

//go:linkname afterForkInChild syscall.runtime_AfterForkInChild
func afterForkInChild()

// Start forks, joins the configured user namespace and execve the
// program. It returns the pid once the child passed every step before
// execve and the execve itself succeeded.
func (r *Runner) Start() (int, error) {
	argv0, argv, env, err := prepareExec(r.Args, r.Env)
	if err != nil {
		return 0, err
	}

	// prepare work dir
	workdir, err := syscallStringFromString(r.WorkDir)
	if err != nil {
		return 0, err
	}

	// socketpair p is used to sync with parent before final execve
	// p[0] is used by parent and p[1] is used by child
	p, err := syscall.Socketpair(syscall.AF_LOCAL, syscall.SOCK_STREAM|syscall.SOCK_CLOEXEC, 0)
	if err != nil {
		return 0, err
	}

	ppid, _, _ := syscall.RawSyscall(syscall.SYS_GETPID, 0, 0, 0)

	// fork in child
	pid, err1 := forkAndExecInChild(r, argv0, argv, env, workdir, ppid, p)

	// restore all signals
	afterFork()
	syscall.ForkLock.Unlock()

	return syncWithChild(r, p, int(pid), err1)
}

func syncWithChild(r *Runner, p [2]int, pid int, err1 syscall.Errno) (int, error) {
	var (
		childErr ChildError
		ok       bool
		err      error
	)

	unix.Close(p[1])

	// clone syscall failed
	if err1 != 0 {
		unix.Close(p[0])
		return 0, ChildError{Err: err1, Location: LocClone}
	}

	// child reports either the failed step or an empty ChildError right
	// before execve
	if ok, err = readChildError(p[0], &childErr); err == nil && !ok {
		err = syscall.EPIPE
	}
	if err != nil {
		goto fail
	}
	if childErr.Err != 0 {
		err = childErr
		goto fail
	}

	// if syncfunc return error, then fail child immediately
	if r.SyncFunc != nil {
		if err = r.SyncFunc(pid); err != nil {
			goto fail
		}
	}
	// otherwise, ack child (err1 == 0)
	syscall.RawSyscall(syscall.SYS_WRITE, uintptr(p[0]), uintptr(unsafe.Pointer(&err1)), uintptr(unsafe.Sizeof(err1)))

	// if read anything mean child failed after sync (close_on_exec so it should not block)
	ok, err = readChildError(p[0], &childErr)
	unix.Close(p[0])
	if ok {
		err = childErr
	}
	if err != nil {
		goto failAfterClose
	}
	return pid, nil

fail:
	unix.Close(p[0])

failAfterClose:
	handleChildFailed(pid)
	return 0, err
}

// readChildError reads one ChildError from the sync socket. It reports
// false without error when the child closed its end without writing,
// which happens on a successful execve.
func readChildError(fd int, childErr *ChildError) (bool, error) {
	n, _, err1 := syscall.RawSyscall(syscall.SYS_READ, uintptr(fd), uintptr(unsafe.Pointer(childErr)), unsafe.Sizeof(*childErr))
	for err1 == syscall.EINTR {
		n, _, err1 = syscall.RawSyscall(syscall.SYS_READ, uintptr(fd), uintptr(unsafe.Pointer(childErr)), unsafe.Sizeof(*childErr))
	}
	switch {
	case err1 != 0:
		return false, err1
	case n == 0:
		return false, nil
	case n != unsafe.Sizeof(*childErr):
		return false, syscall.EPIPE
	}
	return true, nil
}

func handleChildFailed(pid int) {
	var wstatus syscall.WaitStatus
	// make sure not blocked
	syscall.Kill(pid, syscall.SIGKILL)
	// child failed; wait for it to exit, to make sure the zombies don't accumulate
	_, err := syscall.Wait4(pid, &wstatus, 0, nil)
	for err == syscall.EINTR {
		_, err = syscall.Wait4(pid, &wstatus, 0, nil)
	}
}
