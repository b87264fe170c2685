package sandbox

import (
	"errors"
	"fmt"
	"strings"
	"syscall"
)

// State is the progress of the executor
type State int

// States in the order they are reached
const (
	Created State = iota
	NamespaceJoined
	NamespacesUnshared
	OverlayMounted
	ProcSysDevBound
	RootSwitched
	OldRootDetached
	Execed
	Failed
)

var stateNames = []string{
	Created:            "created",
	NamespaceJoined:    "namespace-joined",
	NamespacesUnshared: "namespaces-unshared",
	OverlayMounted:     "overlay-mounted",
	ProcSysDevBound:    "proc-sys-dev-bound",
	RootSwitched:       "root-switched",
	OldRootDetached:    "old-root-detached",
	Execed:             "execed",
	Failed:             "failed",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// MarshalText encodes the state by name
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a state name
func (s *State) UnmarshalText(b []byte) error {
	for i, n := range stateNames {
		if n == string(b) {
			*s = State(i)
			return nil
		}
	}
	return fmt.Errorf("unknown state %q", b)
}

// ErrNotNamespaceRoot means the executor does not run as root of its user
// namespace
var ErrNotNamespaceRoot = errors.New("not root of the user namespace")

// StepError is a failed step of the executor. It is sent to the spawner as
// JSON, Err does not survive the trip but Errno and Msg do.
type StepError struct {
	// State is the last state reached
	State  State         `json:"state"`
	Op     string        `json:"op"`
	Path   string        `json:"path,omitempty"`
	Target string        `json:"target,omitempty"`
	FsType string        `json:"fstype,omitempty"`
	Data   string        `json:"data,omitempty"`
	Flags  uintptr       `json:"flags,omitempty"`
	Errno  syscall.Errno `json:"errno,omitempty"`
	Msg    string        `json:"msg,omitempty"`
	Err    error         `json:"-"`
}

func newStepError(state State, op string, err error) *StepError {
	e := &StepError{State: state, Op: op, Err: err}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		e.Errno = errno
	}
	if err != nil {
		e.Msg = err.Error()
	}
	return e
}

func (e *StepError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "sandbox: %v: %s", e.State, e.Op)
	var args []string
	for _, a := range []string{e.Path, e.Target, e.FsType, e.Data} {
		if a != "" {
			args = append(args, a)
		}
	}
	if e.Flags != 0 {
		args = append(args, fmt.Sprintf("%#x", e.Flags))
	}
	if len(args) > 0 {
		fmt.Fprintf(&sb, "(%s)", strings.Join(args, ", "))
	}
	switch {
	case e.Msg != "":
		fmt.Fprintf(&sb, ": %s", e.Msg)
	case e.Errno != 0:
		fmt.Fprintf(&sb, ": %v", e.Errno)
	}
	return sb.String()
}

func (e *StepError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	if e.Errno != 0 {
		return e.Errno
	}
	return nil
}

// Exit codes of the executor
const (
	ExitSetupFailed   = 1
	ExitNotExecutable = 126
	ExitNotFound      = 127
)

// ExitCode is the exit code of the executor for the failure. Like a shell
// it is 127 for a command that cannot be found and 126 for one that
// cannot be executed.
func (e *StepError) ExitCode() int {
	if e.Op != opLookPath && e.Op != opExecve {
		return ExitSetupFailed
	}
	switch e.Errno {
	case syscall.ENOENT:
		return ExitNotFound
	case syscall.EACCES, syscall.ENOEXEC, syscall.EISDIR:
		return ExitNotExecutable
	}
	return ExitSetupFailed
}
