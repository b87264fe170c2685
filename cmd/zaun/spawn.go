package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/criyle/zaun/operation"
	"github.com/criyle/zaun/pkg/identity"
	"github.com/criyle/zaun/pkg/idmap"
	"github.com/criyle/zaun/pkg/subid"
	"github.com/criyle/zaun/sandbox"
	"github.com/criyle/zaun/spawn"
	"github.com/criyle/zaun/userns"
	"github.com/criyle/zaun/workspace"
)

func runSpawn(ctx context.Context, args []string) error {
	var (
		common  commonFlags
		execDir string
	)
	fs := pflag.NewFlagSet("spawn", pflag.ContinueOnError)
	common.add(fs)
	fs.StringVar(&execDir, "exec-dir", "", "exec dir to create (default a new one in the exec root)")
	// flags after CMD belong to it
	fs.SetInterspersed(false)
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		printUsage()
		return &operation.ExitError{Code: 2, Err: errors.New("spawn: missing command")}
	}

	s, err := common.load(true)
	if err != nil {
		return err
	}
	logger := newLogger(s.Level())
	defer logger.Sync()

	if execDir == "" {
		root := s.ExecRoot
		if root == "" {
			if s.NoWorkspace != nil {
				return s.NoWorkspace
			}
			root = s.Workspace.ExecRoot()
		}
		if execDir, err = workspace.NewExecDir(root); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	u := identity.Current()
	logger.Debug("spawn", zap.Stringer("user", u.NameID), zap.String("exec_dir", execDir), zap.String("config", s.ConfigFile))

	resolver := subid.NewResolver(u)
	resolver.UIDFile, resolver.GIDFile = s.SubUIDFile, s.SubGIDFile
	self := &operation.Self{Logger: logger}
	ctl := &spawn.Controller{
		Broker: &userns.Broker{
			Invoker:  self,
			Resolver: resolver,
			Mapper:   &idmap.Tools{UIDTool: s.NewUIDMap, GIDTool: s.NewGIDMap, Logger: logger},
			Count:    s.IDCount,
			Logger:   logger,
		},
		Invoker:  self,
		ExecArgs: execArgs(s),
		Stdin:    os.Stdin,
		Stdout:   os.Stdout,
		Stderr:   os.Stderr,
		Logger:   logger,
	}

	r, err := ctl.Spawn(ctx, execDir, sandbox.Exec{Cmd: fs.Arg(0), Args: fs.Args()[1:]})
	if err != nil {
		var ee *spawn.ExecutorError
		if errors.As(err, &ee) {
			return &operation.ExitError{Code: ee.ExitStatus.ShellCode(), Err: err}
		}
		return err
	}
	logger.Debug("spawn finished", zap.Stringer("result", r))
	if code := r.ShellCode(); code != 0 {
		return &operation.ExitError{Code: code}
	}
	return nil
}

// execArgs hands the effective settings to the executor. It sees neither
// the environment of the caller nor, as a subordinate id, necessarily its
// config file.
func execArgs(s *settings) []string {
	args := []string{
		"--log-level", s.LogLevel,
		"--build-root", s.BuildRoot,
		"--hostname", s.HostName,
		"--scratch-size", s.ScratchSize,
		"--seccomp=" + strconv.FormatBool(s.Seccomp.Enabled),
	}
	if s.Seccomp.Enabled {
		args = append(args,
			"--seccomp-action", s.Seccomp.Action,
			"--seccomp-errno", strconv.Itoa(s.Seccomp.Errno),
			"--seccomp-deny", strings.Join(s.Seccomp.Deny, ","))
	}
	return append(args, "--")
}
