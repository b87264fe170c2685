package forkexec

import (
	"syscall"
)

// Runner is the configuration of a child started by Start
type Runner struct {
	// argv and env for execve syscall for the child process
	Args []string
	Env  []string

	// if exec_fd is defined, then at the end, fd_execve is called
	ExecFile uintptr

	// file disriptors map for new process, from 0 to len - 1
	Files []uintptr

	// work path set by chdir(dir) (current working directory for child)
	WorkDir string

	// UserNamespace is an open /proc/<pid>/ns/user descriptor which the child
	// joins with setns before anything else. Zero means no join.
	UserNamespace uintptr

	// Credential is assumed through setresgid / setresuid after the join,
	// so real, effective and saved ids all change. Capabilities inside the
	// joined namespace survive execve only when the ids are root there.
	Credential *syscall.Credential

	// Pdeathsig is delivered to the child when the parent thread exits
	Pdeathsig syscall.Signal

	// Setsid starts a new session in the child
	Setsid bool

	// Parent and child process with sync status through a socket pair.
	// SyncFunc will invoke with the child pid. If SyncFunc return some error,
	// parent will signal child to stop and report the error
	// SyncFunc is called right before execve
	SyncFunc func(int) error
}
