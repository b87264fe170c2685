package sandbox

import (
	"errors"
	"fmt"
	"path/filepath"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/criyle/zaun/pkg/identity"
	"github.com/criyle/zaun/pkg/mount"
	"github.com/criyle/zaun/pkg/seccomp"
)

// Defaults of Constructor
const (
	DefaultBuildRoot   = "/build-root"
	DefaultHostName    = "zaun"
	DefaultScratchSize = "10M"
)

// UnshareFlags are the namespaces created by the executor. It joined its
// user namespace before it started, a new pid namespace would need another
// fork.
const UnshareFlags = unix.CLONE_NEWNS | unix.CLONE_NEWIPC | unix.CLONE_NEWNET | unix.CLONE_NEWUTS | unix.CLONE_NEWCGROUP

// operations reported in StepError
const (
	opReadExec    = "read-exec"
	opIdentity    = "identity"
	opUnshare     = "unshare"
	opSethostname = "sethostname"
	opMkdir       = "mkdir"
	opMount       = "mount"
	opValidate    = "validate-path"
	opPivotRoot   = "pivot_root"
	opChdir       = "chdir"
	opUnmount     = "umount2"
	opRmdir       = "rmdir"
	opSeccomp     = "seccomp"
	opLookPath    = "lookpath"
	opExecve      = "execve"
)

// Constructor builds the root of one execution and runs the command in it
type Constructor struct {
	Dir ExecDir

	// BuildRoot is the read-only lower layer of the overlay
	BuildRoot   string
	HostName    string
	ScratchSize string

	// Seccomp filter loaded right before the command, none if nil
	Seccomp *seccomp.Policy

	Kernel Kernel
	Logger *zap.Logger
}

type run struct {
	c      Constructor
	k      Kernel
	logger *zap.Logger
	state  State
}

func (c *Constructor) newRun() *run {
	r := &run{c: *c, k: c.Kernel, logger: c.Logger, state: Created}
	if r.c.BuildRoot == "" {
		r.c.BuildRoot = DefaultBuildRoot
	}
	if r.c.HostName == "" {
		r.c.HostName = DefaultHostName
	}
	if r.c.ScratchSize == "" {
		r.c.ScratchSize = DefaultScratchSize
	}
	if r.k == nil {
		r.k = HostKernel{}
	}
	if r.logger == nil {
		r.logger = zap.NewNop()
	}
	return r
}

func (r *run) enter(s State) {
	r.logger.Debug("sandbox state", zap.Stringer("from", r.state), zap.Stringer("to", s))
	r.state = s
}

func (r *run) fail(op string, err error) *StepError {
	e := newStepError(r.state, op, err)
	r.logger.Debug("sandbox state", zap.Stringer("from", r.state), zap.Stringer("to", Failed), zap.Error(e))
	r.state = Failed
	return e
}

func (r *run) failPath(op, path string, err error) *StepError {
	e := r.fail(op, err)
	e.Path = path
	return e
}

func (r *run) failMount(m mount.Mount, err error) *StepError {
	e := r.fail(opMount, err)
	e.Path, e.Target, e.FsType, e.Data, e.Flags = m.Source, m.Target, m.FsType, m.Data, m.Flags
	return e
}

// Run builds the root of the exec dir and replaces the process with the
// command of e. id is the identity of the caller, it must be root of the
// user namespace. Run only returns on failure, with a *StepError. Mounts
// done before the failure are left as they are.
func (c *Constructor) Run(e Exec, id identity.User) error {
	r := c.newRun()
	if err := e.validate(); err != nil {
		return r.fail(opReadExec, err)
	}
	r.logger.Debug("exec descriptor",
		zap.String("dir", r.c.Dir.Path),
		zap.String("cmd", e.Cmd),
		zap.Strings("args", e.Args),
		zap.String("digest", e.Digest()))

	if id.ID != 0 {
		return r.fail(opIdentity, fmt.Errorf("%w: running as %v", ErrNotNamespaceRoot, id.NameID))
	}
	r.enter(NamespaceJoined)

	if err := r.unshare(); err != nil {
		return err
	}
	r.enter(NamespacesUnshared)

	if err := r.mountOverlay(); err != nil {
		return err
	}
	r.enter(OverlayMounted)

	if err := r.bindHost(); err != nil {
		return err
	}
	r.enter(ProcSysDevBound)

	if err := r.switchRoot(); err != nil {
		return err
	}
	r.enter(RootSwitched)

	if err := r.detachOldRoot(); err != nil {
		return err
	}
	r.enter(OldRootDetached)

	return r.exec(e)
}

func (r *run) unshare() error {
	if err := r.k.Unshare(UnshareFlags); err != nil {
		se := r.fail(opUnshare, err)
		se.Flags = UnshareFlags
		return se
	}
	// stop mount events from leaking back to the parent namespace
	m := mount.Private("/")
	if err := r.k.Mount(m); err != nil {
		return r.failMount(m, err)
	}
	if err := r.k.Sethostname(r.c.HostName); err != nil {
		return r.failPath(opSethostname, r.c.HostName, err)
	}
	return nil
}

func (r *run) mkdir(path string) error {
	if err := r.k.Mkdir(path, 0755); err != nil {
		return r.failPath(opMkdir, path, err)
	}
	return nil
}

func (r *run) mountOverlay() error {
	d := r.c.Dir
	for _, p := range []string{d.Out(), d.Work(), d.Root(), d.Scratch()} {
		if err := r.mkdir(p); err != nil {
			return err
		}
	}

	scratch, _ := mount.NewBuilder().
		WithTmpfs(d.Scratch(), "size="+r.c.ScratchSize).
		Build()
	for _, m := range scratch {
		if err := r.k.Mount(m); err != nil {
			return r.failMount(m, err)
		}
	}
	// mount points of the new root
	for _, n := range append([]string{OldRootName}, mount.HostBinds...) {
		if err := r.mkdir(filepath.Join(d.Scratch(), n)); err != nil {
			return err
		}
	}

	overlay, err := mount.NewBuilder().
		WithOverlay(d.Root(), mount.Overlay{
			Lower:     []string{r.c.BuildRoot, d.Scratch()},
			Upper:     d.Out(),
			Work:      d.Work(),
			UserXattr: true,
		}).
		Build()
	if err != nil {
		var pe *mount.PathError
		if errors.As(err, &pe) {
			return r.failPath(opValidate, pe.Path, err)
		}
		return r.fail(opValidate, err)
	}
	for _, m := range overlay {
		r.logger.Debug("mount overlay", zap.String("data", m.Data))
		if err := r.k.Mount(m); err != nil {
			return r.failMount(m, err)
		}
	}
	return nil
}

func (r *run) bindHost() error {
	b := mount.NewBuilder()
	for _, p := range mount.HostBinds {
		b.WithRecursiveBind(p, filepath.Join(r.c.Dir.Root(), p))
	}
	ms, _ := b.Build()
	for _, m := range ms {
		if err := r.k.Mount(m); err != nil {
			return r.failMount(m, err)
		}
	}
	return nil
}

func (r *run) switchRoot() error {
	root := r.c.Dir.Root()
	putOld := filepath.Join(root, OldRootName)
	if err := r.k.PivotRoot(root, putOld); err != nil {
		se := r.failPath(opPivotRoot, root, err)
		se.Target = putOld
		return se
	}
	if err := r.k.Chdir("/"); err != nil {
		return r.failPath(opChdir, "/", err)
	}
	return nil
}

func (r *run) detachOldRoot() error {
	const oldRoot = "/" + OldRootName
	m := mount.Private(oldRoot)
	if err := r.k.Mount(m); err != nil {
		return r.failMount(m, err)
	}
	if err := r.k.Unmount(oldRoot, unix.MNT_DETACH); err != nil {
		se := r.failPath(opUnmount, oldRoot, err)
		se.Flags = unix.MNT_DETACH
		return se
	}
	// leaves a whiteout in out
	if err := r.k.Rmdir(oldRoot); err != nil {
		return r.failPath(opRmdir, oldRoot, err)
	}
	return nil
}

func (r *run) exec(e Exec) error {
	env := Environment()
	path, err := lookPath(r.k, e.Cmd, env)
	if err != nil {
		return r.failPath(opLookPath, e.Cmd, err)
	}
	if p := r.c.Seccomp; p != nil {
		if err := r.k.LoadSeccomp(p); err != nil {
			return r.fail(opSeccomp, err)
		}
		r.logger.Debug("seccomp filter loaded", zap.Strings("deny", p.Deny))
	}
	r.logger.Debug("execve", zap.String("path", path), zap.Strings("argv", e.Argv()))
	err = r.k.Exec(path, e.Argv(), env)
	return r.failPath(opExecve, path, err)
}
