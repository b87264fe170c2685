// Command zaun runs a command in a sandbox built from Linux namespaces
// without privileges beyond the subordinate ids of the user.
//
//	zaun spawn [flags] CMD [ARGS...]
//	zaun probe [--pretty]
//
// The internal operations exec and setup-user-ns are started by zaun
// itself.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"

	"github.com/criyle/zaun/operation"
	"github.com/criyle/zaun/userns"
)

func init() {
	// setns and unshare act on the calling thread only
	runtime.LockOSThread()
}

var operations = operation.Table{
	operation.NamespaceSetup: userns.RunHelper,
	operation.SandboxExec:    runExec,
}

type command func(ctx context.Context, args []string) error

var commands = map[string]command{
	"spawn": runSpawn,
	"probe": runProbe,
}

func printUsage() {
	fmt.Fprintf(os.Stderr, "Usage: %s spawn [--config F] [--log-level L] [--exec-dir D] CMD [ARGS...]\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "       %s probe [--pretty]\n", os.Args[0])
}

func main() {
	os.Exit(exitCode(run(os.Args[1:])))
}

func run(args []string) error {
	if len(args) == 0 {
		printUsage()
		return &operation.ExitError{Code: 2}
	}
	ctx := context.Background()
	name, rest := args[0], args[1:]
	if cmd, ok := commands[name]; ok {
		return cmd(ctx, rest)
	}
	if _, ok := operations.Lookup(name); ok {
		stdio := operation.Stdio{Stdin: os.Stdin, Stdout: os.Stdout, Stderr: os.Stderr}
		return operations.Run(ctx, name, stdio, rest)
	}
	printUsage()
	return &operation.ExitError{Code: 2, Err: fmt.Errorf("unknown command %q", name)}
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *operation.ExitError
	if !errors.As(err, &ee) || ee.Err != nil {
		fmt.Fprintf(os.Stderr, "zaun: %v\n", err)
	}
	return operation.ExitCode(err)
}
