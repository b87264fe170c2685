package operation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
)

// ErrKilled is seen by an in-process operation reading or writing its
// pipes after Kill
var ErrKilled = errors.New("operation killed")

// InProcess runs operations from Table in goroutines of the caller.
// Namespace related options are ignored.
type InProcess struct {
	Table Table
}

// Start implements Invoker
func (p *InProcess) Start(ctx context.Context, op Operation, opts Options) (Process, error) {
	fn, ok := p.Table[op]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownOperation, op)
	}
	ctx, cancel := context.WithCancel(ctx)
	proc := &inProcess{cancel: cancel, done: make(chan struct{})}

	stdio := Stdio{
		Stdin:      readerOrEmpty(opts.Stdin),
		Stdout:     writerOrDiscard(opts.Stdout),
		Stderr:     writerOrDiscard(opts.Stderr),
		ExtraFiles: opts.ExtraFiles,
	}
	if opts.Pipe {
		proc.inR, proc.inW = io.Pipe()
		proc.outR, proc.outW = io.Pipe()
		stdio.Stdin, stdio.Stdout = proc.inR, proc.outW
	}

	go func() {
		defer close(proc.done)
		proc.err = fn(ctx, stdio, opts.Args)
		if opts.Pipe {
			proc.outW.Close()
			proc.inR.Close()
		}
	}()
	return proc, nil
}

type inProcess struct {
	cancel    context.CancelFunc
	inR, outR *io.PipeReader
	inW, outW *io.PipeWriter
	done      chan struct{}
	err       error
	killOnce  sync.Once
	killed    atomic.Bool
}

func (p *inProcess) Pid() int {
	return os.Getpid()
}

func (p *inProcess) Stdin() io.WriteCloser {
	if p.inW == nil {
		return nil
	}
	return p.inW
}

func (p *inProcess) Stdout() io.ReadCloser {
	if p.outR == nil {
		return nil
	}
	return p.outR
}

func (p *inProcess) Kill() error {
	p.killOnce.Do(func() {
		select {
		case <-p.done:
			return
		default:
		}
		p.killed.Store(true)
		p.cancel()
		if p.inR != nil {
			p.inR.CloseWithError(ErrKilled)
			p.outW.CloseWithError(ErrKilled)
		}
	})
	return nil
}

func (p *inProcess) Wait() (ExitStatus, error) {
	<-p.done
	p.cancel()
	if p.killed.Load() {
		return ExitStatus{Code: -1, Signal: syscall.SIGKILL}, nil
	}
	return ExitStatus{Code: ExitCode(p.err)}, nil
}

type emptyReader struct{}

func (emptyReader) Read([]byte) (int, error) { return 0, io.EOF }

func readerOrEmpty(f *os.File) io.Reader {
	if f == nil {
		return emptyReader{}
	}
	return f
}

func writerOrDiscard(f *os.File) io.Writer {
	if f == nil {
		return io.Discard
	}
	return f
}
