// Package idmap installs uid and gid maps into a user namespace through the
// setuid helpers newuidmap(1) and newgidmap(1).
package idmap

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/criyle/zaun/pkg/pipe"
	"github.com/criyle/zaun/pkg/subid"
)

// Default helper names, looked up in PATH
const (
	NewUIDMap = "newuidmap"
	NewGIDMap = "newgidmap"
)

// maxStderr bounds the stderr kept from a helper
const maxStderr = 64 << 10

// Mapper writes id maps for the process pid
type Mapper interface {
	MapUIDs(ctx context.Context, pid int, r subid.IDRange) error
	MapGIDs(ctx context.Context, pid int, r subid.IDRange) error
}

// Tools runs the shadow-utils helpers
type Tools struct {
	UIDTool string
	GIDTool string
	Logger  *zap.Logger
}

// NewTools creates Tools with the default helper names
func NewTools(logger *zap.Logger) *Tools {
	return &Tools{UIDTool: NewUIDMap, GIDTool: NewGIDMap, Logger: logger}
}

// MapUIDs runs `newuidmap pid inside outside count`
func (t *Tools) MapUIDs(ctx context.Context, pid int, r subid.IDRange) error {
	return t.run(ctx, orDefault(t.UIDTool, NewUIDMap), pid, r)
}

// MapGIDs runs `newgidmap pid inside outside count`
func (t *Tools) MapGIDs(ctx context.Context, pid int, r subid.IDRange) error {
	return t.run(ctx, orDefault(t.GIDTool, NewGIDMap), pid, r)
}

func (t *Tools) run(ctx context.Context, tool string, pid int, r subid.IDRange) error {
	args := Args(pid, r)
	logger := t.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Debug("install id map", zap.String("tool", tool), zap.Strings("args", args))

	stderr, err := pipe.NewBuffer(maxStderr)
	if err != nil {
		return fmt.Errorf("idmap: %s: %w", tool, err)
	}
	cmd := exec.CommandContext(ctx, tool, args...)
	cmd.Stderr = stderr.W
	err = cmd.Run()
	stderr.Wait()
	if err == nil {
		return nil
	}
	te := &ToolError{Tool: tool, Args: args, ExitCode: -1, Stderr: string(stderr.Bytes()), Err: err}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		te.ExitCode = exitErr.ExitCode()
	}
	return te
}

// Args formats the helper arguments for one range
func Args(pid int, r subid.IDRange) []string {
	return []string{
		strconv.Itoa(pid),
		strconv.FormatUint(uint64(r.InsideID), 10),
		strconv.FormatUint(uint64(r.OutsideID), 10),
		strconv.FormatUint(uint64(r.Count), 10),
	}
}

// ToolError carries the exit code and the verbatim stderr of a failed helper
type ToolError struct {
	Tool     string
	Args     []string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *ToolError) Error() string {
	msg := fmt.Sprintf("idmap: %s %s: exit %d", e.Tool, strings.Join(e.Args, " "), e.ExitCode)
	if e.ExitCode < 0 {
		msg = fmt.Sprintf("idmap: %s %s: %v", e.Tool, strings.Join(e.Args, " "), e.Err)
	}
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

func (e *ToolError) Unwrap() error {
	return e.Err
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
