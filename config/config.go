// Package config loads the settings of zaun from YAML, the environment and
// the command line, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"syscall"

	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/criyle/zaun/pkg/idmap"
	"github.com/criyle/zaun/pkg/mount"
	"github.com/criyle/zaun/pkg/seccomp"
	"github.com/criyle/zaun/pkg/subid"
	"github.com/criyle/zaun/sandbox"
	"github.com/criyle/zaun/userns"
)

// FileName is the config file looked up in the workspace root
const FileName = ".zaun.yaml"

// EnvConfig names the config file
const EnvConfig = "ZAUN_CONFIG"

// tmpfs size= accepts bytes, a k/m/g suffix or a percentage of memory
var scratchSizePattern = regexp.MustCompile(`^[0-9]+[kKmMgG%]?$`)

// hostnames are at most HOST_NAME_MAX bytes
const maxHostName = 64

// Seccomp configures the syscall filter of the sandbox
type Seccomp struct {
	Enabled bool     `yaml:"enabled"`
	Action  string   `yaml:"action"`
	Errno   int      `yaml:"errno"`
	Deny    []string `yaml:"deny,omitempty"`
}

// Config is the configuration of zaun
type Config struct {
	// ExecRoot holds the exec dirs, the workspace one if empty
	ExecRoot    string `yaml:"exec_root,omitempty"`
	BuildRoot   string `yaml:"build_root"`
	HostName    string `yaml:"hostname"`
	ScratchSize string `yaml:"scratch_size"`
	IDCount     uint32 `yaml:"id_count"`

	SubUIDFile string `yaml:"subuid_file"`
	SubGIDFile string `yaml:"subgid_file"`
	NewUIDMap  string `yaml:"newuidmap"`
	NewGIDMap  string `yaml:"newgidmap"`

	LogLevel string  `yaml:"log_level"`
	Seccomp  Seccomp `yaml:"seccomp"`
}

// Default returns the built in configuration
func Default() Config {
	return Config{
		BuildRoot:   sandbox.DefaultBuildRoot,
		HostName:    sandbox.DefaultHostName,
		ScratchSize: sandbox.DefaultScratchSize,
		IDCount:     userns.DefaultIDCount,
		SubUIDFile:  subid.UIDFile,
		SubGIDFile:  subid.GIDFile,
		NewUIDMap:   idmap.NewUIDMap,
		NewGIDMap:   idmap.NewGIDMap,
		LogLevel:    "info",
		Seccomp: Seccomp{
			Action: seccomp.ActionErrno.String(),
			Errno:  int(syscall.EPERM),
			Deny:   append([]string(nil), seccomp.DefaultDeny...),
		},
	}
}

// Load reads path over the defaults. Fields missing from the file keep
// their default value.
func Load(path string) (Config, error) {
	c := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return c, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &c); err != nil {
		return c, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return c, nil
}

// Find returns the config file to load: explicit if set, then $ZAUN_CONFIG,
// then the file in the workspace root if it exists. It returns "" if there
// is none.
func Find(explicit string, getenv func(string) string, workspaceRoot string) string {
	if explicit != "" {
		return explicit
	}
	if p := getenv(EnvConfig); p != "" {
		return p
	}
	if workspaceRoot == "" {
		return ""
	}
	p := filepath.Join(workspaceRoot, FileName)
	if fi, err := os.Stat(p); err == nil && !fi.IsDir() {
		return p
	}
	return ""
}

// env variables overriding fields
var envFields = []struct {
	name string
	set  func(c *Config, v string) error
}{
	{"ZAUN_EXEC_ROOT", func(c *Config, v string) error { c.ExecRoot = v; return nil }},
	{"ZAUN_BUILD_ROOT", func(c *Config, v string) error { c.BuildRoot = v; return nil }},
	{"ZAUN_HOSTNAME", func(c *Config, v string) error { c.HostName = v; return nil }},
	{"ZAUN_SCRATCH_SIZE", func(c *Config, v string) error { c.ScratchSize = v; return nil }},
	{"ZAUN_ID_COUNT", func(c *Config, v string) error {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return err
		}
		c.IDCount = uint32(n)
		return nil
	}},
	{"ZAUN_SUBUID_FILE", func(c *Config, v string) error { c.SubUIDFile = v; return nil }},
	{"ZAUN_SUBGID_FILE", func(c *Config, v string) error { c.SubGIDFile = v; return nil }},
	{"ZAUN_NEWUIDMAP", func(c *Config, v string) error { c.NewUIDMap = v; return nil }},
	{"ZAUN_NEWGIDMAP", func(c *Config, v string) error { c.NewGIDMap = v; return nil }},
	{"ZAUN_LOG_LEVEL", func(c *Config, v string) error { c.LogLevel = v; return nil }},
	{"ZAUN_SECCOMP", func(c *Config, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		c.Seccomp.Enabled = b
		return nil
	}},
}

// ApplyEnv overrides fields with the non-empty ZAUN_* variables
func (c *Config) ApplyEnv(getenv func(string) string) error {
	var errs []error
	for _, f := range envFields {
		v := getenv(f.name)
		if v == "" {
			continue
		}
		if err := f.set(c, v); err != nil {
			errs = append(errs, fmt.Errorf("%s=%q: %w", f.name, v, err))
		}
	}
	return errors.Join(errs...)
}

// FieldError is an invalid config field
type FieldError struct {
	Field  string
	Value  any
	Reason string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("%s %v: %s", e.Field, e.Value, e.Reason)
}

// Validate reports every invalid field, joined
func (c *Config) Validate() error {
	var errs []error
	invalid := func(field string, value any, format string, a ...any) {
		errs = append(errs, &FieldError{Field: field, Value: value, Reason: fmt.Sprintf(format, a...)})
	}

	if c.ExecRoot != "" && !filepath.IsAbs(c.ExecRoot) {
		invalid("exec_root", c.ExecRoot, "must be absolute")
	}
	if err := mount.ValidatePath("lowerdir", c.BuildRoot); err != nil {
		invalid("build_root", c.BuildRoot, "%v", err)
	}
	if c.HostName == "" || len(c.HostName) > maxHostName {
		invalid("hostname", c.HostName, "must have 1 to %d bytes", maxHostName)
	}
	if !scratchSizePattern.MatchString(c.ScratchSize) {
		invalid("scratch_size", c.ScratchSize, "must match %s", scratchSizePattern)
	}
	if c.IDCount == 0 {
		invalid("id_count", c.IDCount, "must be positive")
	}
	for _, f := range []struct{ name, value string }{
		{"subuid_file", c.SubUIDFile},
		{"subgid_file", c.SubGIDFile},
		{"newuidmap", c.NewUIDMap},
		{"newgidmap", c.NewGIDMap},
	} {
		if f.value == "" {
			invalid(f.name, f.value, "must not be empty")
		}
	}
	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		invalid("log_level", c.LogLevel, "%v", err)
	}
	if c.Seccomp.Enabled {
		if _, err := c.SeccompPolicy(); err != nil {
			invalid("seccomp", c.Seccomp.Action, "%v", err)
		}
	}
	return errors.Join(errs...)
}

// SeccompPolicy returns the policy of the seccomp section, nil if
// disabled
func (c *Config) SeccompPolicy() (*seccomp.Policy, error) {
	s := c.Seccomp
	if !s.Enabled {
		return nil, nil
	}
	a, err := seccomp.ParseAction(s.Action)
	if err != nil {
		return nil, err
	}
	switch a {
	case seccomp.ActionAllow:
		return nil, fmt.Errorf("action %v denies nothing", a)
	case seccomp.ActionErrno:
		if s.Errno <= 0 || s.Errno > 4095 {
			return nil, fmt.Errorf("errno %d out of range", s.Errno)
		}
		a = a.WithReturnCode(int16(s.Errno))
	}
	if len(s.Deny) == 0 {
		return nil, errors.New("empty deny list")
	}
	p := &seccomp.Policy{Deny: s.Deny, DenyAction: a}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// Level is the parsed log level, info if invalid
func (c *Config) Level() zapcore.Level {
	l, err := zapcore.ParseLevel(c.LogLevel)
	if err != nil {
		return zapcore.InfoLevel
	}
	return l
}
