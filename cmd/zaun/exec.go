package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/criyle/zaun/config"
	"github.com/criyle/zaun/operation"
	"github.com/criyle/zaun/pkg/identity"
	"github.com/criyle/zaun/sandbox"
)

// runExec is the executor: it turns into the command of EXEC_DIR once its
// sandbox root is built
func runExec(ctx context.Context, stdio operation.Stdio, args []string) error {
	var status io.Writer
	if f := sandbox.StatusFile(); f != nil {
		status = f
	}
	s, dir, err := parseExec(args)
	if err != nil {
		return execFailed(newLogger(zap.InfoLevel).Named("exec"), status, err)
	}

	logger := newLogger(s.Level()).Named("exec")
	defer logger.Sync()
	policy, err := s.SeccompPolicy()
	if err != nil {
		return execFailed(logger, status, err)
	}
	c := &sandbox.Constructor{
		Dir:         sandbox.ExecDir{Path: dir},
		BuildRoot:   s.BuildRoot,
		HostName:    s.HostName,
		ScratchSize: s.ScratchSize,
		Seccomp:     policy,
		Logger:      logger,
	}
	err = sandbox.Execute(c, identity.Current(), status)
	logger.Debug("executor failed", zap.Error(err))
	return err
}

// execFailed reports a failure before the sandbox is built
func execFailed(logger *zap.Logger, status io.Writer, err error) error {
	if status != nil {
		if werr := sandbox.WriteStatus(status, err); werr != nil {
			logger.Warn("report status", zap.Error(werr))
		}
	}
	return &operation.ExitError{Code: sandbox.ExitSetupFailed, Err: err}
}

func parseExec(args []string) (*settings, string, error) {
	var (
		common commonFlags
		over   config.Config
	)
	fs := pflag.NewFlagSet("exec", pflag.ContinueOnError)
	common.add(fs)
	fs.StringVar(&over.BuildRoot, "build-root", "", "read-only lower layer of the root")
	fs.StringVar(&over.HostName, "hostname", "", "host name in the sandbox")
	fs.StringVar(&over.ScratchSize, "scratch-size", "", "size of the scratch tmpfs")
	fs.BoolVar(&over.Seccomp.Enabled, "seccomp", false, "load the seccomp filter")
	fs.StringVar(&over.Seccomp.Action, "seccomp-action", "", "action on a denied syscall: errno or kill")
	fs.IntVar(&over.Seccomp.Errno, "seccomp-errno", 0, "errno returned by a denied syscall")
	fs.StringSliceVar(&over.Seccomp.Deny, "seccomp-deny", nil, "denied syscalls")
	if err := parseFlags(fs, args); err != nil {
		return nil, "", err
	}
	if fs.NArg() != 1 {
		return nil, "", fmt.Errorf("exec: want EXEC_DIR, got %d arguments", fs.NArg())
	}
	dir, err := filepath.Abs(fs.Arg(0))
	if err != nil {
		return nil, "", err
	}

	s, err := common.load(false)
	if err != nil {
		return nil, "", err
	}
	for name, apply := range map[string]func(){
		"build-root":     func() { s.BuildRoot = over.BuildRoot },
		"hostname":       func() { s.HostName = over.HostName },
		"scratch-size":   func() { s.ScratchSize = over.ScratchSize },
		"seccomp":        func() { s.Seccomp.Enabled = over.Seccomp.Enabled },
		"seccomp-action": func() { s.Seccomp.Action = over.Seccomp.Action },
		"seccomp-errno":  func() { s.Seccomp.Errno = over.Seccomp.Errno },
		"seccomp-deny":   func() { s.Seccomp.Deny = over.Seccomp.Deny },
	} {
		if fs.Changed(name) {
			apply()
		}
	}
	if err := s.Validate(); err != nil {
		return nil, "", errors.Join(errors.New("exec: invalid settings"), err)
	}
	return s, dir, nil
}
