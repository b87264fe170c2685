package sandbox

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/criyle/zaun/pkg/identity"
	"github.com/criyle/zaun/pkg/mount"
	"github.com/criyle/zaun/pkg/seccomp"
)

type fakeInfo struct {
	name string
	mode fs.FileMode
}

func (i fakeInfo) Name() string       { return i.name }
func (i fakeInfo) Size() int64        { return 0 }
func (i fakeInfo) Mode() fs.FileMode  { return i.mode }
func (i fakeInfo) ModTime() time.Time { return time.Time{} }
func (i fakeInfo) IsDir() bool        { return i.mode.IsDir() }
func (i fakeInfo) Sys() any           { return nil }

// fakeKernel records every call. A call whose record starts with a prefix
// in fail returns the errno mapped to it.
type fakeKernel struct {
	calls []string
	fail  map[string]syscall.Errno
	files map[string]fs.FileMode
}

func newFakeKernel() *fakeKernel {
	return &fakeKernel{
		fail:  map[string]syscall.Errno{},
		files: map[string]fs.FileMode{"/usr/bin/make": 0755},
	}
}

func (k *fakeKernel) record(format string, a ...any) error {
	c := fmt.Sprintf(format, a...)
	k.calls = append(k.calls, c)
	for prefix, errno := range k.fail {
		if strings.HasPrefix(c, prefix) {
			return errno
		}
	}
	return nil
}

func (k *fakeKernel) Unshare(flags int) error {
	return k.record("unshare %#x", flags)
}

func (k *fakeKernel) Sethostname(name string) error {
	return k.record("sethostname %s", name)
}

func (k *fakeKernel) Mount(m mount.Mount) error {
	return k.record("mount %v", m)
}

func (k *fakeKernel) Unmount(target string, flags int) error {
	return k.record("umount2 %s %d", target, flags)
}

func (k *fakeKernel) Mkdir(path string, mode uint32) error {
	return k.record("mkdir %s", path)
}

func (k *fakeKernel) Rmdir(path string) error {
	return k.record("rmdir %s", path)
}

func (k *fakeKernel) PivotRoot(newRoot, putOld string) error {
	return k.record("pivot_root %s %s", newRoot, putOld)
}

func (k *fakeKernel) Chdir(path string) error {
	return k.record("chdir %s", path)
}

// Stat is not recorded, lookups probe several paths
func (k *fakeKernel) Stat(path string) (fs.FileInfo, error) {
	mode, ok := k.files[path]
	if !ok {
		return nil, &fs.PathError{Op: "stat", Path: path, Err: syscall.ENOENT}
	}
	return fakeInfo{name: filepath.Base(path), mode: mode}, nil
}

func (k *fakeKernel) LoadSeccomp(p *seccomp.Policy) error {
	return k.record("seccomp %d", len(p.Deny))
}

func (k *fakeKernel) Exec(path string, argv, env []string) error {
	if err := k.record("execve %s %s", path, strings.Join(argv, " ")); err != nil {
		return err
	}
	// a real exec does not return
	return syscall.ENOSYS
}

var root = identity.User{NameID: identity.NameID{Name: "root", ID: 0}}

func testConstructor(k Kernel) *Constructor {
	return &Constructor{Dir: ExecDir{Path: "/x/exec/1"}, Kernel: k}
}

func TestRunOrder(t *testing.T) {
	k := newFakeKernel()
	err := testConstructor(k).Run(Exec{Cmd: "make", Args: []string{"-j4"}}, root)

	want := []string{
		fmt.Sprintf("unshare %#x", UnshareFlags),
		"mount private[/]",
		"sethostname zaun",
		"mkdir /x/exec/1/out",
		"mkdir /x/exec/1/work",
		"mkdir /x/exec/1/root",
		"mkdir /x/exec/1/scratch",
		"mount tmpfs[/x/exec/1/scratch:size=10M]",
		"mkdir /x/exec/1/scratch/old_root",
		"mkdir /x/exec/1/scratch/proc",
		"mkdir /x/exec/1/scratch/sys",
		"mkdir /x/exec/1/scratch/dev",
		"mount overlay[/x/exec/1/root:userxattr,lowerdir=/build-root:/x/exec/1/scratch,upperdir=/x/exec/1/out,workdir=/x/exec/1/work]",
		"mount bind[/proc:/x/exec/1/root/proc:rw,rec]",
		"mount bind[/sys:/x/exec/1/root/sys:rw,rec]",
		"mount bind[/dev:/x/exec/1/root/dev:rw,rec]",
		"pivot_root /x/exec/1/root /x/exec/1/root/old_root",
		"chdir /",
		"mount private[/old_root]",
		fmt.Sprintf("umount2 /old_root %d", syscall.MNT_DETACH),
		"rmdir /old_root",
		"execve /usr/bin/make make -j4",
	}
	assert.Equal(t, want, k.calls)

	// only reachable because the fake exec returns
	var se *StepError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, OldRootDetached, se.State)
	assert.Equal(t, opExecve, se.Op)
}

func TestRunCustomSettings(t *testing.T) {
	k := newFakeKernel()
	c := testConstructor(k)
	c.BuildRoot = "/srv/root.v2"
	c.HostName = "box"
	c.ScratchSize = "1M"
	c.Seccomp = seccomp.NewDefaultPolicy()
	c.Run(Exec{Cmd: "/usr/bin/make"}, root)

	assert.Contains(t, k.calls, "sethostname box")
	assert.Contains(t, k.calls, "mount tmpfs[/x/exec/1/scratch:size=1M]")
	assert.Contains(t, k.calls, "mount overlay[/x/exec/1/root:userxattr,lowerdir=/srv/root.v2:/x/exec/1/scratch,upperdir=/x/exec/1/out,workdir=/x/exec/1/work]")
	n := len(k.calls)
	require.GreaterOrEqual(t, n, 2)
	assert.Equal(t, fmt.Sprintf("seccomp %d", len(seccomp.DefaultDeny)), k.calls[n-2])
	assert.Equal(t, "execve /usr/bin/make /usr/bin/make", k.calls[n-1])
}

func TestRunNotRoot(t *testing.T) {
	k := newFakeKernel()
	u := identity.User{NameID: identity.NameID{Name: "alice", ID: 1000}}
	err := testConstructor(k).Run(Exec{Cmd: "make"}, u)

	assert.ErrorIs(t, err, ErrNotNamespaceRoot)
	var se *StepError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, Created, se.State)
	assert.Empty(t, k.calls)
}

func TestRunEmptyCommand(t *testing.T) {
	k := newFakeKernel()
	err := testConstructor(k).Run(Exec{}, root)
	var se *StepError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, opReadExec, se.Op)
	assert.Empty(t, k.calls)
}

func TestRunStopsAtFirstFailure(t *testing.T) {
	for _, tc := range []struct {
		prefix string
		state  State
		op     string
	}{
		{"unshare", NamespaceJoined, opUnshare},
		{"sethostname", NamespaceJoined, opSethostname},
		{"mkdir /x/exec/1/out", NamespacesUnshared, opMkdir},
		{"mount tmpfs", NamespacesUnshared, opMount},
		{"mount overlay", NamespacesUnshared, opMount},
		{"mount bind[/sys", OverlayMounted, opMount},
		{"pivot_root", ProcSysDevBound, opPivotRoot},
		{"umount2", RootSwitched, opUnmount},
		{"rmdir", RootSwitched, opRmdir},
	} {
		t.Run(tc.prefix, func(t *testing.T) {
			k := newFakeKernel()
			k.fail[tc.prefix] = syscall.EPERM
			err := testConstructor(k).Run(Exec{Cmd: "make"}, root)

			var se *StepError
			require.ErrorAs(t, err, &se)
			assert.Equal(t, tc.state, se.State)
			assert.Equal(t, tc.op, se.Op)
			assert.Equal(t, syscall.EPERM, se.Errno)
			assert.ErrorIs(t, err, syscall.EPERM)
			assert.Equal(t, ExitSetupFailed, se.ExitCode())

			// nothing is issued after the failing call
			last := k.calls[len(k.calls)-1]
			assert.True(t, strings.HasPrefix(last, tc.prefix), last)
		})
	}
}

func TestRunMountErrorDetails(t *testing.T) {
	k := newFakeKernel()
	k.fail["mount overlay"] = syscall.EINVAL
	err := testConstructor(k).Run(Exec{Cmd: "make"}, root)

	var se *StepError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "overlay", se.Path)
	assert.Equal(t, "/x/exec/1/root", se.Target)
	assert.Equal(t, "overlay", se.FsType)
	assert.Contains(t, se.Data, "upperdir=/x/exec/1/out")
}

func TestRunRejectsOverlayPath(t *testing.T) {
	k := newFakeKernel()
	c := testConstructor(k)
	c.BuildRoot = "/build root,upperdir=/etc"
	err := c.Run(Exec{Cmd: "make"}, root)

	var pe *mount.PathError
	require.ErrorAs(t, err, &pe)
	var se *StepError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, opValidate, se.Op)
	assert.Equal(t, c.BuildRoot, se.Path)
	for _, call := range k.calls {
		assert.False(t, strings.HasPrefix(call, "mount overlay"), call)
	}
}

func TestRunCommandNotFound(t *testing.T) {
	k := newFakeKernel()
	err := testConstructor(k).Run(Exec{Cmd: "nope"}, root)

	var se *StepError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, opLookPath, se.Op)
	assert.Equal(t, syscall.ENOENT, se.Errno)
	assert.Equal(t, ExitNotFound, se.ExitCode())
	assert.Equal(t, "rmdir /old_root", k.calls[len(k.calls)-1])
}

func TestRunCommandNotExecutable(t *testing.T) {
	k := newFakeKernel()
	k.files["/bin/data"] = 0644
	err := testConstructor(k).Run(Exec{Cmd: "data"}, root)

	var se *StepError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, ExitNotExecutable, se.ExitCode())
}

func TestRunSeccompFailure(t *testing.T) {
	k := newFakeKernel()
	k.fail["seccomp"] = syscall.EINVAL
	c := testConstructor(k)
	c.Seccomp = seccomp.NewDefaultPolicy()
	err := c.Run(Exec{Cmd: "make"}, root)

	var se *StepError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, opSeccomp, se.Op)
	for _, call := range k.calls {
		assert.False(t, strings.HasPrefix(call, "execve"), call)
	}
}

func TestLookPath(t *testing.T) {
	k := newFakeKernel()
	k.files["/usr/local/bin/make"] = 0755
	k.files["/bin/sh"] = 0755
	k.files["/usr/bin/dir"] = fs.ModeDir | 0755
	env := Environment()

	p, err := lookPath(k, "make", env)
	require.NoError(t, err)
	assert.Equal(t, "/usr/local/bin/make", p)

	p, err = lookPath(k, "/bin/sh", env)
	require.NoError(t, err)
	assert.Equal(t, "/bin/sh", p)

	_, err = lookPath(k, "dir", env)
	assert.Equal(t, syscall.EISDIR, err)

	_, err = lookPath(k, "missing", env)
	assert.Equal(t, syscall.ENOENT, err)

	_, err = lookPath(k, "make", nil)
	assert.Equal(t, syscall.ENOENT, err)
}

func TestStepErrorString(t *testing.T) {
	se := &StepError{
		State:  ProcSysDevBound,
		Op:     opPivotRoot,
		Path:   "/x/root",
		Target: "/x/root/old_root",
		Errno:  syscall.EINVAL,
	}
	assert.Equal(t, "sandbox: proc-sys-dev-bound: pivot_root(/x/root, /x/root/old_root): invalid argument", se.Error())
	assert.True(t, errors.Is(se, syscall.EINVAL))
}

func TestStateText(t *testing.T) {
	for s := Created; s <= Failed; s++ {
		b, err := s.MarshalText()
		require.NoError(t, err)
		var got State
		require.NoError(t, got.UnmarshalText(b))
		assert.Equal(t, s, got)
	}
	var s State
	assert.Error(t, s.UnmarshalText([]byte("nope")))
	assert.Equal(t, "state(42)", State(42).String())
}
