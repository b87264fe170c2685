package main

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/criyle/zaun/config"
	"github.com/criyle/zaun/operation"
	"github.com/criyle/zaun/sandbox"
)

func TestRunUnknownCommand(t *testing.T) {
	err := run([]string{"frobnicate"})
	assert.Equal(t, 2, operation.ExitCode(err))
	assert.Equal(t, 2, operation.ExitCode(run(nil)))
}

func TestOperationsTable(t *testing.T) {
	for _, op := range []operation.Operation{operation.NamespaceSetup, operation.SandboxExec} {
		_, ok := operations.Lookup(string(op))
		assert.True(t, ok, op)
	}
}

func TestExecArgsRoundTrip(t *testing.T) {
	t.Setenv(config.EnvConfig, "")
	s := &settings{Config: config.Default()}
	s.BuildRoot = "/srv/root"
	s.HostName = "box"
	s.Seccomp.Enabled = true
	s.Seccomp.Action = "kill"
	s.Seccomp.Deny = []string{"mount", "umount2"}

	got, dir, err := parseExec(append(execArgs(s), "/x/exec/1"))
	require.NoError(t, err)
	assert.Equal(t, "/x/exec/1", dir)
	assert.Equal(t, s.BuildRoot, got.BuildRoot)
	assert.Equal(t, s.HostName, got.HostName)
	assert.Equal(t, s.ScratchSize, got.ScratchSize)
	assert.Equal(t, s.Seccomp, got.Seccomp)
}

func TestParseExecErrors(t *testing.T) {
	_, _, err := parseExec(nil)
	assert.Error(t, err)

	_, _, err = parseExec([]string{"--hostname", "", "/x"})
	assert.ErrorContains(t, err, "hostname")

	_, _, err = parseExec([]string{"--no-such-flag", "/x"})
	assert.Equal(t, 2, operation.ExitCode(err))
}

func TestExitCodeSilentForPlainStatus(t *testing.T) {
	assert.Equal(t, 3, exitCode(&operation.ExitError{Code: 3}))
	assert.Equal(t, 0, exitCode(nil))
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("broken pipe") }

func TestExecFailedReportsStatus(t *testing.T) {
	var buf bytes.Buffer
	err := execFailed(zap.NewNop(), &buf, errors.New("bad seccomp"))
	assert.Equal(t, sandbox.ExitSetupFailed, operation.ExitCode(err))

	se, rerr := sandbox.ReadStatus(&buf)
	require.NoError(t, rerr)
	require.NotNil(t, se)
	assert.Equal(t, sandbox.Created, se.State)
	assert.Contains(t, se.Msg, "bad seccomp")
}

func TestExecFailedLogsLostStatus(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	err := execFailed(zap.New(core), failingWriter{}, errors.New("bad seccomp"))
	assert.Equal(t, sandbox.ExitSetupFailed, operation.ExitCode(err))
	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "report status", logs.All()[0].Message)

	assert.Equal(t, sandbox.ExitSetupFailed, operation.ExitCode(execFailed(zap.NewNop(), nil, errors.New("x"))))
}
