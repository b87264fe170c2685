package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/criyle/zaun/config"
	"github.com/criyle/zaun/operation"
	"github.com/criyle/zaun/workspace"
)

// commonFlags are accepted by spawn and exec
type commonFlags struct {
	config   string
	logLevel string
}

func (f *commonFlags) add(fs *pflag.FlagSet) {
	fs.StringVar(&f.config, "config", "", "config file (default $"+config.EnvConfig+" or WORKSPACE/"+config.FileName+")")
	fs.StringVar(&f.logLevel, "log-level", "", "log level: debug, info, warn, error")
}

type settings struct {
	config.Config
	// ConfigFile is the loaded file, empty if none
	ConfigFile string

	// Workspace has an empty Root outside of a workspace, NoWorkspace
	// says why
	Workspace   workspace.Workspace
	NoWorkspace error
}

// load builds the effective settings: the config file over the defaults,
// then the environment, then the flags. Without detect the workspace is
// not looked for and only an explicit config file is loaded.
func (f *commonFlags) load(detect bool) (*settings, error) {
	s := &settings{Config: config.Default(), NoWorkspace: workspace.ErrNotFound}
	if detect {
		s.Workspace, s.NoWorkspace = workspace.DetectCwd()
		if s.NoWorkspace != nil && !errors.Is(s.NoWorkspace, workspace.ErrNotFound) {
			return nil, s.NoWorkspace
		}
	}

	if p := config.Find(f.config, os.Getenv, s.Workspace.Root); p != "" {
		c, err := config.Load(p)
		if err != nil {
			return nil, err
		}
		s.Config, s.ConfigFile = c, p
	}
	if err := s.ApplyEnv(os.Getenv); err != nil {
		return nil, err
	}
	if f.logLevel != "" {
		s.LogLevel = f.logLevel
	}
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return s, nil
}

func parseFlags(fs *pflag.FlagSet, args []string) error {
	err := fs.Parse(args)
	switch {
	case errors.Is(err, pflag.ErrHelp):
		return &operation.ExitError{Code: 0}
	case err != nil:
		return &operation.ExitError{Code: 2, Err: err}
	}
	return nil
}
