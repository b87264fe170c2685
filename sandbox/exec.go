// Package sandbox builds the root filesystem a command runs in and
// executes it there.
//
// The caller writes an Exec descriptor into a fresh exec dir. The executor,
// already root of a user namespace, reads it back, unshares the remaining
// namespaces, mounts an overlay of the build root on EXEC_DIR/root, moves
// into it with pivot_root and execs the command.
package sandbox

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"

	"github.com/zeebo/blake3"
)

// Exec describes the command to run
type Exec struct {
	Cmd  string   `json:"cmd"`
	Args []string `json:"args"`
}

// Argv returns the argument vector of the command
func (e Exec) Argv() []string {
	return append([]string{e.Cmd}, e.Args...)
}

// Digest is the hex BLAKE3-256 sum of the JSON encoding of e
func (e Exec) Digest() string {
	b, err := json.Marshal(e)
	if err != nil {
		// strings and string slices always encode
		panic(err)
	}
	sum := blake3.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func (e Exec) validate() error {
	if e.Cmd == "" {
		return fmt.Errorf("exec: empty command")
	}
	return nil
}

// ReadExec reads the descriptor of the exec dir
func ReadExec(d ExecDir) (Exec, error) {
	b, err := os.ReadFile(d.ExecFile())
	if err != nil {
		return Exec{}, fmt.Errorf("read_exec: %w", err)
	}
	var e Exec
	if err := json.Unmarshal(b, &e); err != nil {
		return Exec{}, fmt.Errorf("read_exec: %s: %w", d.ExecFile(), err)
	}
	if err := e.validate(); err != nil {
		return Exec{}, fmt.Errorf("read_exec: %s: %w", d.ExecFile(), err)
	}
	return e, nil
}

// Fixed environment of the sandboxed command
const (
	EnvUser = "root"
	EnvHome = "/root"
	EnvPath = "/usr/local/bin:/usr/bin:/bin:/usr/sbin:/sbin"
	EnvTerm = "xterm-256color"
)

// Environment returns the environment both the executor and the command
// run with. Nothing of the caller's environment is inherited.
func Environment() []string {
	return []string{
		"USER=" + EnvUser,
		"HOME=" + EnvHome,
		"PATH=" + EnvPath,
		"TERM=" + EnvTerm,
	}
}
