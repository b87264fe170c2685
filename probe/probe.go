// Package probe reports what a process can see of its environment: who it
// runs as, its capabilities and the namespace it lives in. Running it
// inside a sandbox shows what the sandbox looks like from within.
package probe

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"
	"golang.org/x/term"

	"github.com/criyle/zaun/pkg/capability"
	"github.com/criyle/zaun/pkg/identity"
)

// Info is the probe report
type Info struct {
	HostName         string            `json:"host_name"`
	Identity         Identity          `json:"identity"`
	Env              map[string]string `json:"env"`
	WorkingDirectory string            `json:"working_directory"`
	Capabilities     Capabilities      `json:"capabilities"`
	Seccomp          string            `json:"seccomp"`
	UserNamespace    uint64            `json:"user_namespace"`
	UIDMap           []MapEntry        `json:"uid_map"`
	GIDMap           []MapEntry        `json:"gid_map"`
}

// Identity is the user and its groups
type Identity struct {
	User   identity.NameID `json:"user"`
	Groups identity.Groups `json:"groups"`
}

// Capabilities lists each set only with what the previous one lacks, the
// way they usually nest
type Capabilities struct {
	Effective      []string `json:"effective"`
	ExtraPermitted []string `json:"extra_permitted"`
	ExtraInBound   []string `json:"extra_in_bound"`
	Inheritable    []string `json:"inheritable"`
}

// NewCapabilities splits s into the reported sets
func NewCapabilities(s capability.Sets) Capabilities {
	return Capabilities{
		Effective:      s.Effective.Names(),
		ExtraPermitted: s.Permitted.Minus(s.Effective).Names(),
		ExtraInBound:   s.Bounding.Minus(s.Permitted).Names(),
		Inheritable:    s.Inheritable.Names(),
	}
}

// MapEntry is one line of /proc/PID/uid_map or gid_map
type MapEntry struct {
	Inside  uint32 `json:"inside"`
	Outside uint32 `json:"outside"`
	Count   uint32 `json:"count"`
}

// Collect gathers the report for the calling process
func Collect() (*Info, error) {
	var err error
	info := new(Info)

	if info.HostName, err = os.Hostname(); err != nil {
		return nil, fmt.Errorf("probe: hostname: %w", err)
	}

	u := identity.Current()
	info.Identity.User = u.NameID
	if info.Identity.Groups, err = u.Groups(); err != nil {
		return nil, fmt.Errorf("probe: groups: %w", err)
	}

	info.Env = EnvMap(os.Environ())
	if info.WorkingDirectory, err = os.Getwd(); err != nil {
		return nil, fmt.Errorf("probe: working directory: %w", err)
	}

	caps, err := capability.Current()
	if err != nil {
		return nil, fmt.Errorf("probe: capabilities: %w", err)
	}
	info.Capabilities = NewCapabilities(caps)

	mode, err := unix.PrctlRetInt(unix.PR_GET_SECCOMP, 0, 0, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("probe: seccomp: %w", err)
	}
	info.Seccomp = SeccompMode(mode)

	var st syscall.Stat_t
	if err := syscall.Stat("/proc/self/ns/user", &st); err != nil {
		return nil, fmt.Errorf("probe: user namespace: %w", err)
	}
	info.UserNamespace = st.Ino

	if info.UIDMap, err = readIDMap("/proc/self/uid_map"); err != nil {
		return nil, err
	}
	if info.GIDMap, err = readIDMap("/proc/self/gid_map"); err != nil {
		return nil, err
	}
	return info, nil
}

// EnvMap converts KEY=VALUE pairs, later ones win
func EnvMap(env []string) map[string]string {
	m := make(map[string]string, len(env))
	for _, kv := range env {
		k, v, _ := strings.Cut(kv, "=")
		m[k] = v
	}
	return m
}

// SeccompMode names a PR_GET_SECCOMP result
func SeccompMode(mode int) string {
	switch mode {
	case 0:
		return "disabled"
	case 1:
		return "strict"
	case 2:
		return "filter"
	}
	return "mode(" + strconv.Itoa(mode) + ")"
}

func readIDMap(name string) ([]MapEntry, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, fmt.Errorf("probe: %w", err)
	}
	defer f.Close()
	m, err := ParseIDMap(f)
	if err != nil {
		return nil, fmt.Errorf("probe: %s: %w", name, err)
	}
	return m, nil
}

// ParseIDMap parses the content of uid_map or gid_map
func ParseIDMap(r io.Reader) ([]MapEntry, error) {
	entries := []MapEntry{}
	s := bufio.NewScanner(r)
	for s.Scan() {
		fields := strings.Fields(s.Text())
		if len(fields) == 0 {
			continue
		}
		if len(fields) != 3 {
			return nil, fmt.Errorf("malformed line %q", s.Text())
		}
		var v [3]uint32
		for i, f := range fields {
			n, err := strconv.ParseUint(f, 10, 32)
			if err != nil {
				return nil, fmt.Errorf("malformed line %q: %w", s.Text(), err)
			}
			v[i] = uint32(n)
		}
		entries = append(entries, MapEntry{Inside: v[0], Outside: v[1], Count: v[2]})
	}
	return entries, s.Err()
}

// Write encodes info as JSON, indented if indent is set
func Write(w io.Writer, info *Info, indent bool) error {
	enc := json.NewEncoder(w)
	if indent {
		enc.SetIndent("", "  ")
	}
	return enc.Encode(info)
}

// IsTerminal reports whether f is a terminal, output for it is indented
func IsTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}
