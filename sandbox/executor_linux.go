package sandbox

import (
	"fmt"
	"io"
	"os"
	"strconv"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/criyle/zaun/operation"
	"github.com/criyle/zaun/pkg/identity"
)

// CloseOnExecFrom marks every open descriptor from lowFd on close-on-exec
// so that none of them leaks into the command
func CloseOnExecFrom(lowFd int) error {
	const fdPath = "/proc/self/fd"
	fds, err := os.ReadDir(fdPath)
	if err != nil {
		return err
	}
	for _, f := range fds {
		fd, err := strconv.Atoi(f.Name())
		if err != nil {
			return err
		}
		if fd >= lowFd {
			unix.CloseOnExec(fd)
		}
	}
	return nil
}

// StatusFile returns the status pipe if the spawner passed one
func StatusFile() *os.File {
	if _, err := unix.FcntlInt(StatusFd, unix.F_GETFD, 0); err != nil {
		return nil
	}
	return os.NewFile(StatusFd, "status")
}

// Execute runs the exec dir of c as the executor. On failure the
// *StepError is written to status when it is not nil, and returned wrapped
// in an *operation.ExitError carrying the exit code of the executor.
func Execute(c *Constructor, id identity.User, status io.Writer) error {
	logger := c.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	err := c.execute(id)

	se, ok := err.(*StepError)
	if !ok {
		se = newStepError(Created, "executor", err)
	}
	if status != nil {
		if werr := WriteStatus(status, se); werr != nil {
			logger.Warn("report status", zap.Error(werr))
		}
	}
	return &operation.ExitError{Code: se.ExitCode(), Err: se}
}

func (c *Constructor) execute(id identity.User) error {
	if err := CloseOnExecFrom(StatusFd); err != nil {
		return newStepError(Created, "close-on-exec", fmt.Errorf("close_on_exec: %w", err))
	}
	e, err := ReadExec(c.Dir)
	if err != nil {
		se := newStepError(Created, opReadExec, err)
		se.Path = c.Dir.ExecFile()
		return se
	}
	return c.Run(e, id)
}
