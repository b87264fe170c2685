package seccomp

import (
	"fmt"

	libseccomp "github.com/elastic/go-seccomp-bpf"
)

// Load validates and installs the filter on every thread of the calling
// process. It is inherited across execve.
func (p *Policy) Load() error {
	if err := p.Validate(); err != nil {
		return err
	}
	if _, err := p.Assemble(); err != nil {
		return err
	}
	if err := libseccomp.LoadFilter(p.Filter()); err != nil {
		return fmt.Errorf("seccomp: load filter: %w", err)
	}
	return nil
}
