// Package operation is the dispatch table of the internal entry points of
// zaun. Each entry point can be started in the current process, which keeps
// unit tests deterministic, or in a fresh process re-executed from the
// running binary, which gives real isolation.
package operation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"syscall"
)

// Operation names an internal entry point. The name is also the CLI
// subcommand used when the entry point is re-executed.
type Operation string

// Internal operations
const (
	NamespaceSetup Operation = "setup-user-ns"
	SandboxExec    Operation = "exec"
)

// Stdio are the streams an operation runs with. ExtraFiles start at fd 3
// when the operation runs in its own process.
type Stdio struct {
	Stdin      io.Reader
	Stdout     io.Writer
	Stderr     io.Writer
	ExtraFiles []*os.File
}

// Func is the body of an operation
type Func func(ctx context.Context, stdio Stdio, args []string) error

// Table maps operations to their bodies
type Table map[Operation]Func

// ErrUnknownOperation is returned for names missing from a Table
var ErrUnknownOperation = errors.New("unknown operation")

// Lookup finds the body of the operation called name
func (t Table) Lookup(name string) (Func, bool) {
	fn, ok := t[Operation(name)]
	return fn, ok
}

// Run runs the operation called name in the calling goroutine
func (t Table) Run(ctx context.Context, name string, stdio Stdio, args []string) error {
	fn, ok := t.Lookup(name)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownOperation, name)
	}
	return fn(ctx, stdio, args)
}

// NamespaceRef is an open namespace a started process joins before its
// program runs
type NamespaceRef interface {
	Fd() (uintptr, error)
}

// Options configure a started operation
type Options struct {
	Args []string

	// Env replaces the environment. Nil inherits the environment of the
	// caller, except for a joined process which then gets an empty one.
	Env []string

	// Stdio of the process, nil is /dev/null
	Stdin, Stdout, Stderr *os.File
	ExtraFiles            []*os.File

	// Pipe connects Process.Stdin and Process.Stdout instead of Stdin and
	// Stdout
	Pipe bool

	// CloneFlags creates new namespaces for the process
	CloneFlags uintptr

	// UserNamespace is joined and Credential assumed before the program runs
	UserNamespace NamespaceRef
	Credential    *syscall.Credential
}

// Process is a started operation
type Process interface {
	Pid() int
	// Stdin and Stdout are nil unless Options.Pipe was set
	Stdin() io.WriteCloser
	Stdout() io.ReadCloser
	Kill() error
	// Wait returns once the operation finished. A non-zero exit status is
	// not an error.
	Wait() (ExitStatus, error)
}

// Invoker starts operations
type Invoker interface {
	Start(ctx context.Context, op Operation, opts Options) (Process, error)
}

// ExitStatus is how an operation finished
type ExitStatus struct {
	Code   int
	Signal syscall.Signal
}

// Success reports a zero exit code without a signal
func (s ExitStatus) Success() bool {
	return s.Code == 0 && s.Signal == 0
}

// ShellCode is the status a shell reports, 128+n for signal n
func (s ExitStatus) ShellCode() int {
	if s.Signal != 0 {
		return 128 + int(s.Signal)
	}
	return s.Code
}

func (s ExitStatus) String() string {
	if s.Signal != 0 {
		return fmt.Sprintf("signalled(%v)", s.Signal)
	}
	return fmt.Sprintf("exited(%d)", s.Code)
}

func fromWaitStatus(ws syscall.WaitStatus) ExitStatus {
	if ws.Signaled() {
		return ExitStatus{Code: -1, Signal: ws.Signal()}
	}
	return ExitStatus{Code: ws.ExitStatus()}
}

// ExitError is an error carrying the process exit code it maps to
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("exit status %d", e.Code)
	}
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// ExitCode returns the code an operation error exits with: the code of a
// wrapped ExitError, 0 for nil and 1 otherwise
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *ExitError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return 1
}
