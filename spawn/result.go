package spawn

import (
	"fmt"
	"syscall"
	"time"

	"github.com/criyle/zaun/operation"
)

// Status is how the command finished
type Status int

// Result Status
const (
	StatusInvalid Status = iota // not initialized
	StatusNormal
	StatusSignalled
	StatusNonzeroExitStatus
	StatusExecutorError // sandbox setup failed
)

var statusString = []string{
	"Invalid",
	"",
	"Signalled",
	"Nonzero Exit Status",
	"Executor Error",
}

func (t Status) String() string {
	i := int(t)
	if i >= 0 && i < len(statusString) {
		return statusString[i]
	}
	return statusString[0]
}

// Result is the spawn result
type Result struct {
	Status
	ExitStatus int            // exit status (signal number if signalled)
	Signal     syscall.Signal // signal if signalled

	// SetUpTime lasts until the command was exec'd
	SetUpTime   time.Duration
	RunningTime time.Duration
}

func newResult(s operation.ExitStatus) Result {
	switch {
	case s.Signal != 0:
		return Result{Status: StatusSignalled, ExitStatus: int(s.Signal), Signal: s.Signal}
	case s.Code != 0:
		return Result{Status: StatusNonzeroExitStatus, ExitStatus: s.Code}
	}
	return Result{Status: StatusNormal}
}

// ShellCode is the exit status a shell reports, 128 plus the signal number
// if signalled
func (r Result) ShellCode() int {
	if r.Signal != 0 {
		return 128 + int(r.Signal)
	}
	return r.ExitStatus
}

func (r Result) String() string {
	switch r.Status {
	case StatusNormal:
		return fmt.Sprintf("Result[%v %v]", r.SetUpTime, r.RunningTime)

	case StatusSignalled:
		return fmt.Sprintf("Result[Signalled(%v)][%v %v]", r.Signal, r.SetUpTime, r.RunningTime)

	default:
		return fmt.Sprintf("Result[%v(%d)][%v %v]", r.Status, r.ExitStatus, r.SetUpTime, r.RunningTime)
	}
}
