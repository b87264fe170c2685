package operation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/criyle/zaun/pkg/forkexec"
)

// SelfExe is the running binary
const SelfExe = "/proc/self/exe"

// Self starts operations by re-executing the running binary with the
// operation name as first argument
type Self struct {
	// Name is argv[0] of the started process, os.Args[0] if empty
	Name   string
	Logger *zap.Logger
}

// Start implements Invoker. A process joining a user namespace is forked
// by forkexec, every other one through os/exec.
func (s *Self) Start(ctx context.Context, op Operation, opts Options) (Process, error) {
	name := s.Name
	if name == "" {
		name = os.Args[0]
	}
	args := append([]string{name, string(op)}, opts.Args...)
	logger := s.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Debug("start operation", zap.String("op", string(op)), zap.Strings("args", opts.Args))

	if opts.UserNamespace != nil || opts.Credential != nil {
		return startJoined(ctx, args, opts)
	}
	return startCmd(ctx, args, opts)
}

func startCmd(ctx context.Context, args []string, opts Options) (Process, error) {
	cmd := exec.CommandContext(ctx, SelfExe)
	cmd.Args = args
	cmd.Env = opts.Env
	// a nil *os.File must not end up as a non-nil io.Reader / io.Writer
	if opts.Stdin != nil {
		cmd.Stdin = opts.Stdin
	}
	if opts.Stdout != nil {
		cmd.Stdout = opts.Stdout
	}
	if opts.Stderr != nil {
		cmd.Stderr = opts.Stderr
	}
	cmd.ExtraFiles = opts.ExtraFiles
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Cloneflags: opts.CloneFlags,
		Pdeathsig:  syscall.SIGKILL,
	}

	p := &cmdProcess{cmd: cmd}
	if opts.Pipe {
		var err error
		cmd.Stdin, cmd.Stdout = nil, nil
		if p.stdin, err = cmd.StdinPipe(); err != nil {
			return nil, err
		}
		if p.stdout, err = cmd.StdoutPipe(); err != nil {
			return nil, err
		}
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return p, nil
}

type cmdProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
}

func (p *cmdProcess) Pid() int              { return p.cmd.Process.Pid }
func (p *cmdProcess) Stdin() io.WriteCloser { return p.stdin }
func (p *cmdProcess) Stdout() io.ReadCloser { return p.stdout }

func (p *cmdProcess) Kill() error {
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}

func (p *cmdProcess) Wait() (ExitStatus, error) {
	err := p.cmd.Wait()
	if p.cmd.ProcessState == nil {
		return ExitStatus{}, err
	}
	ws, ok := p.cmd.ProcessState.Sys().(syscall.WaitStatus)
	if !ok {
		return ExitStatus{Code: p.cmd.ProcessState.ExitCode()}, nil
	}
	return fromWaitStatus(ws), nil
}

func startJoined(ctx context.Context, args []string, opts Options) (Process, error) {
	if opts.Pipe {
		return nil, errors.New("operation: pipes are not supported for a joined process")
	}
	exe, err := os.Open(SelfExe)
	if err != nil {
		return nil, err
	}
	defer exe.Close()

	var null *os.File
	files := make([]uintptr, 0, 3+len(opts.ExtraFiles))
	for _, f := range []*os.File{opts.Stdin, opts.Stdout, opts.Stderr} {
		if f == nil {
			if null == nil {
				if null, err = os.OpenFile(os.DevNull, os.O_RDWR, 0); err != nil {
					return nil, err
				}
				defer null.Close()
			}
			f = null
		}
		files = append(files, f.Fd())
	}
	for _, f := range opts.ExtraFiles {
		files = append(files, f.Fd())
	}
	var nsFd uintptr
	if opts.UserNamespace != nil {
		if nsFd, err = opts.UserNamespace.Fd(); err != nil {
			return nil, err
		}
	}
	env := opts.Env
	if env == nil {
		env = []string{}
	}
	r := forkexec.Runner{
		Args:          args,
		Env:           env,
		ExecFile:      exe.Fd(),
		Files:         files,
		UserNamespace: nsFd,
		Credential:    opts.Credential,
		Pdeathsig:     syscall.SIGKILL,
	}
	pid, err := r.Start()
	if err != nil {
		return nil, fmt.Errorf("operation: start %s: %w", args[1], err)
	}
	p := &joinedProcess{pid: pid, done: make(chan struct{})}
	go func() {
		select {
		case <-ctx.Done():
			p.Kill()
		case <-p.done:
		}
	}()
	return p, nil
}

type joinedProcess struct {
	pid      int
	done     chan struct{}
	doneOnce sync.Once
}

func (p *joinedProcess) Pid() int              { return p.pid }
func (p *joinedProcess) Stdin() io.WriteCloser { return nil }
func (p *joinedProcess) Stdout() io.ReadCloser { return nil }

func (p *joinedProcess) Kill() error {
	select {
	case <-p.done:
		return nil
	default:
	}
	if err := unix.Kill(p.pid, unix.SIGKILL); err != nil && err != unix.ESRCH {
		return err
	}
	return nil
}

func (p *joinedProcess) Wait() (ExitStatus, error) {
	var ws syscall.WaitStatus
	_, err := syscall.Wait4(p.pid, &ws, 0, nil)
	for err == syscall.EINTR {
		_, err = syscall.Wait4(p.pid, &ws, 0, nil)
	}
	p.doneOnce.Do(func() { close(p.done) })
	if err != nil {
		return ExitStatus{}, fmt.Errorf("operation: wait4(%d): %w", p.pid, err)
	}
	return fromWaitStatus(ws), nil
}
