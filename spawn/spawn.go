// Package spawn runs a command in a sandbox of its own.
//
// Spawn asks the broker for a user namespace, writes the exec dir and
// starts the executor joined to the namespace as its root. The executor
// reports a failed setup on a status pipe and otherwise becomes the
// command.
package spawn

import (
	"context"
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/criyle/zaun/operation"
	"github.com/criyle/zaun/sandbox"
	"github.com/criyle/zaun/userns"
)

// NamespaceBroker hands out user namespaces
type NamespaceBroker interface {
	CreateUserNamespace(ctx context.Context) (*userns.Handle, error)
}

// Controller spawns sandboxed commands
type Controller struct {
	Broker  NamespaceBroker
	Invoker operation.Invoker

	// ExecArgs are passed to the executor before the exec dir
	ExecArgs []string

	// Stdio of the command, nil is /dev/null
	Stdin, Stdout, Stderr *os.File

	Logger *zap.Logger
}

// ExecutorError is a sandbox setup failure reported by the executor
type ExecutorError struct {
	Dir        string
	Step       *sandbox.StepError
	ExitStatus operation.ExitStatus
}

func (e *ExecutorError) Error() string {
	return fmt.Sprintf("spawn: executor for %s: %v (%v)", e.Dir, e.Step, e.ExitStatus)
}

func (e *ExecutorError) Unwrap() error {
	return e.Step
}

// namespaceRoot is the credential of the executor inside the namespace
var namespaceRoot = syscall.Credential{Uid: 0, Gid: 0, NoSetGroups: true}

// Spawn runs e in a new sandbox using dir as exec dir, which must not
// exist. It returns once the command finished. Nothing is retried.
func (c *Controller) Spawn(ctx context.Context, dir string, e sandbox.Exec) (Result, error) {
	logger := c.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	start := time.Now()

	h, err := c.Broker.CreateUserNamespace(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("spawn: %w", err)
	}
	defer h.Close()

	d, err := sandbox.CreateExecDir(dir, e)
	if err != nil {
		return Result{}, fmt.Errorf("spawn: %w", err)
	}
	logger.Debug("exec dir created", zap.String("dir", d.Path), zap.String("digest", e.Digest()))

	statusR, statusW, err := os.Pipe()
	if err != nil {
		return Result{}, fmt.Errorf("spawn: status pipe: %w", err)
	}
	defer statusR.Close()

	cred := namespaceRoot
	p, err := c.Invoker.Start(ctx, operation.SandboxExec, operation.Options{
		Args:          append(append([]string(nil), c.ExecArgs...), d.Path),
		Env:           sandbox.Environment(),
		Stdin:         c.Stdin,
		Stdout:        c.Stdout,
		Stderr:        c.Stderr,
		ExtraFiles:    []*os.File{statusW},
		UserNamespace: h,
		Credential:    &cred,
	})
	statusW.Close()
	if err != nil {
		return Result{}, fmt.Errorf("spawn: start executor: %w", err)
	}
	// the executor holds the namespace now
	if err := h.Close(); err != nil && !errors.Is(err, userns.ErrHandleClosed) {
		logger.Debug("close namespace", zap.Error(err))
	}
	logger.Debug("executor started", zap.Int("pid", p.Pid()))

	step, readErr := sandbox.ReadStatus(statusR)
	setUp := time.Since(start)

	st, err := p.Wait()
	if err != nil {
		return Result{}, fmt.Errorf("spawn: wait executor: %w", err)
	}
	if readErr != nil {
		return Result{}, fmt.Errorf("spawn: %w", readErr)
	}

	if step != nil {
		r := newResult(st)
		r.Status = StatusExecutorError
		r.SetUpTime = setUp
		return r, &ExecutorError{Dir: d.Path, Step: step, ExitStatus: st}
	}

	r := newResult(st)
	r.SetUpTime = setUp
	r.RunningTime = time.Since(start) - setUp
	logger.Debug("command finished", zap.Stringer("result", r))
	return r, nil
}
