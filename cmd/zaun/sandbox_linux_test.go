package main

import (
	"context"
	"debug/elf"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/criyle/zaun/config"
	"github.com/criyle/zaun/operation"
	"github.com/criyle/zaun/pkg/identity"
	"github.com/criyle/zaun/pkg/idmap"
	"github.com/criyle/zaun/pkg/subid"
	"github.com/criyle/zaun/sandbox"
	"github.com/criyle/zaun/spawn"
	"github.com/criyle/zaun/userns"
)

// commands run inside the sandbox by a copy of the test binary
var testCommands = operation.Table{
	"test-true": func(context.Context, operation.Stdio, []string) error { return nil },
	"test-false": func(context.Context, operation.Stdio, []string) error {
		return &operation.ExitError{Code: 1}
	},
	"test-stat": func(_ context.Context, _ operation.Stdio, args []string) error {
		if _, err := os.Stat(args[0]); err != nil {
			return &operation.ExitError{Code: 1, Err: err}
		}
		return nil
	},
	"test-cat": func(_ context.Context, stdio operation.Stdio, args []string) error {
		f, err := os.Open(args[0])
		if err != nil {
			return &operation.ExitError{Code: 1, Err: err}
		}
		defer f.Close()
		_, err = io.Copy(stdio.Stdout, f)
		return err
	},
	"test-write": func(_ context.Context, _ operation.Stdio, args []string) error {
		return os.WriteFile(args[0], []byte(args[1]), 0644)
	},
}

func TestMain(m *testing.M) {
	if len(os.Args) > 1 {
		for _, t := range []operation.Table{operations, testCommands} {
			if _, ok := t.Lookup(os.Args[1]); ok {
				stdio := operation.Stdio{Stdin: os.Stdin, Stdout: os.Stdout, Stderr: os.Stderr}
				os.Exit(exitCode(t.Run(context.Background(), os.Args[1], stdio, os.Args[2:])))
			}
		}
	}
	os.Exit(m.Run())
}

const (
	testCommand = "zaun-test"
	testIDStart = 100000
)

type testSandbox struct {
	root      string
	buildRoot string
	ctl       *spawn.Controller
	stdout    *os.File
	n         int
}

// newTestSandbox prepares a controller on the host. Without root the
// delegation records of the user and the setuid map tools are used, as
// root the maps are written directly by scripts.
func newTestSandbox(t *testing.T) *testSandbox {
	t.Helper()
	if _, err := os.Stat("/proc/self/ns/user"); err != nil {
		t.Skip("user namespaces unavailable")
	}
	root, err := os.MkdirTemp("", "zaun-sandbox-")
	require.NoError(t, err)
	// the namespace root is a subordinate id and leaves files the user
	// cannot remove
	t.Cleanup(func() { os.RemoveAll(root) })
	require.NoError(t, os.Chmod(root, 0755))

	u := identity.Current()
	resolver := subid.NewResolver(u)
	mapper := idmap.NewTools(nil)
	if u.ID == 0 {
		resolver.UIDFile = writeFile(t, root, "subuid", fmt.Sprintf("0:%d:65536\n", testIDStart), 0644)
		resolver.GIDFile = writeFile(t, root, "subgid", fmt.Sprintf("0:%d:65536\n", testIDStart), 0644)
		mapper.UIDTool = writeFile(t, root, "uidmap", "#!/bin/sh\necho \"$2 $3 $4\" > /proc/$1/uid_map\n", 0755)
		mapper.GIDTool = writeFile(t, root, "gidmap", "#!/bin/sh\necho \"$2 $3 $4\" > /proc/$1/gid_map\n", 0755)
	} else {
		for _, tool := range []string{idmap.NewUIDMap, idmap.NewGIDMap} {
			if _, err := exec.LookPath(tool); err != nil {
				t.Skipf("%s not installed", tool)
			}
		}
		if _, err := resolver.ResolveUIDRange(userns.DefaultIDCount); err != nil {
			t.Skipf("no subordinate uids: %v", err)
		}
		if _, err := resolver.ResolveGIDRange(userns.DefaultIDCount); err != nil {
			t.Skipf("no subordinate gids: %v", err)
		}
	}

	buildRoot := filepath.Join(root, "build")
	if err := assembleBuildRoot(buildRoot); err != nil {
		t.Skipf("build root: %v", err)
	}
	writeFile(t, buildRoot, "lower.txt", "lower-content", 0644)

	stdout, err := os.CreateTemp(root, "stdout-")
	require.NoError(t, err)
	t.Cleanup(func() { stdout.Close() })

	s := &settings{Config: config.Default()}
	s.BuildRoot = buildRoot
	self := &operation.Self{}
	return &testSandbox{
		root:      root,
		buildRoot: buildRoot,
		stdout:    stdout,
		ctl: &spawn.Controller{
			Broker: &userns.Broker{
				Invoker:  self,
				Resolver: resolver,
				Mapper:   mapper,
				Count:    userns.DefaultIDCount,
			},
			Invoker:  self,
			ExecArgs: execArgs(s),
			Stdout:   stdout,
			Stderr:   os.Stderr,
		},
	}
}

func writeFile(t *testing.T, dir, name, content string, perm os.FileMode) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(content), perm))
	require.NoError(t, os.Chmod(p, perm))
	return p
}

// assembleBuildRoot copies the test binary into dir/usr/bin together with
// its program interpreter and shared libraries
func assembleBuildRoot(dir string) error {
	exe, err := os.Executable()
	if err != nil {
		return err
	}
	if err := copyFile(exe, filepath.Join(dir, "usr/bin", testCommand), 0755); err != nil {
		return err
	}

	f, err := elf.Open(exe)
	if err != nil {
		return err
	}
	defer f.Close()
	var interp string
	for _, p := range f.Progs {
		if p.Type == elf.PT_INTERP {
			b, err := io.ReadAll(p.Open())
			if err != nil {
				return err
			}
			interp = string(b[:len(b)-1])
		}
	}
	if interp == "" {
		return nil
	}
	if err := copyFile(interp, filepath.Join(dir, interp), 0755); err != nil {
		return err
	}

	libs, err := f.ImportedLibraries()
	if err != nil {
		return err
	}
	search := []string{filepath.Dir(interp), "/lib64", "/usr/lib64", "/lib", "/usr/lib"}
	multiarch, _ := filepath.Glob("/lib/*-linux-gnu")
	usrMultiarch, _ := filepath.Glob("/usr/lib/*-linux-gnu")
	search = append(append(search, multiarch...), usrMultiarch...)
	for _, lib := range libs {
		found := false
		for _, d := range search {
			p := filepath.Join(d, lib)
			if _, err := os.Stat(p); err != nil {
				continue
			}
			if err := copyFile(p, filepath.Join(dir, p), 0755); err != nil {
				return err
			}
			found = true
			break
		}
		if !found {
			return fmt.Errorf("library %s not found", lib)
		}
	}
	return nil
}

func copyFile(src, dst string, perm os.FileMode) error {
	b, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	if err := os.WriteFile(dst, b, perm); err != nil {
		return err
	}
	return os.Chmod(dst, perm)
}

// spawn runs the test command op in a new exec dir. Kernels refusing the
// mounts to a user namespace skip the test.
func (s *testSandbox) spawn(t *testing.T, op string, args ...string) (spawn.Result, string, error) {
	t.Helper()
	s.n++
	dir := filepath.Join(s.root, "exec", strconv.Itoa(s.n))
	r, err := s.ctl.Spawn(context.Background(), dir, sandbox.Exec{Cmd: testCommand, Args: append([]string{op}, args...)})

	var ee *spawn.ExecutorError
	if errors.As(err, &ee) && ee.Step.State < sandbox.OverlayMounted && ee.Step.Errno == syscall.EPERM {
		t.Skipf("mounts in a user namespace unavailable: %v", err)
	}
	var be *userns.Error
	if errors.As(err, &be) && be.Op == "spawn-helper" {
		t.Skipf("user namespaces unavailable: %v", err)
	}
	return r, dir, err
}

func TestSandboxExitStatus(t *testing.T) {
	s := newTestSandbox(t)

	r, _, err := s.spawn(t, "test-true")
	require.NoError(t, err)
	assert.Equal(t, spawn.StatusNormal, r.Status)
	assert.Equal(t, 0, r.ShellCode())

	r, _, err = s.spawn(t, "test-false")
	require.NoError(t, err)
	assert.Equal(t, spawn.StatusNonzeroExitStatus, r.Status)
	assert.Equal(t, 1, r.ShellCode())
}

func TestSandboxMissingCommand(t *testing.T) {
	s := newTestSandbox(t)
	s.spawn(t, "test-true")

	dir := filepath.Join(s.root, "exec", "missing")
	_, err := s.ctl.Spawn(context.Background(), dir, sandbox.Exec{Cmd: "nonexistent-bin"})
	var ee *spawn.ExecutorError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, "lookpath", ee.Step.Op)
	assert.Equal(t, syscall.ENOENT, ee.Step.Errno)
	assert.Equal(t, sandbox.ExitNotFound, ee.ExitStatus.Code)
}

func TestSandboxOldRootGone(t *testing.T) {
	s := newTestSandbox(t)

	r, _, err := s.spawn(t, "test-stat", "/old_root")
	require.NoError(t, err)
	assert.Equal(t, 1, r.ShellCode())

	r, _, err = s.spawn(t, "test-stat", "/proc/self")
	require.NoError(t, err)
	assert.Equal(t, 0, r.ShellCode())
}

func TestSandboxReadsBuildRoot(t *testing.T) {
	s := newTestSandbox(t)

	r, _, err := s.spawn(t, "test-cat", "/lower.txt")
	require.NoError(t, err)
	require.Equal(t, 0, r.ShellCode())

	b, err := os.ReadFile(s.stdout.Name())
	require.NoError(t, err)
	assert.Equal(t, "lower-content", string(b))
}

func TestSandboxWritesLandInOut(t *testing.T) {
	s := newTestSandbox(t)

	r, dir, err := s.spawn(t, "test-write", "/new.txt", "written\n")
	require.NoError(t, err)
	require.Equal(t, 0, r.ShellCode())

	d := sandbox.ExecDir{Path: dir}
	b, err := os.ReadFile(filepath.Join(d.Out(), "new.txt"))
	require.NoError(t, err)
	assert.Equal(t, "written\n", string(b))

	_, err = os.Stat(filepath.Join(s.buildRoot, "new.txt"))
	assert.True(t, os.IsNotExist(err), "build root modified: %v", err)
}
