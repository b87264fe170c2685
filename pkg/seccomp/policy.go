package seccomp

import (
	"fmt"
	"sort"
	"syscall"

	libseccomp "github.com/elastic/go-seccomp-bpf"
	"github.com/elastic/go-seccomp-bpf/arch"
	"golang.org/x/net/bpf"
)

// maxInstructions is BPF_MAXINSNS of the kernel
const maxInstructions = 4096

// DefaultDeny are syscalls a build action has no business calling
var DefaultDeny = []string{
	"add_key", "bpf", "delete_module", "finit_module", "init_module",
	"kexec_load", "keyctl", "mount", "open_by_handle_at", "perf_event_open",
	"pivot_root", "reboot", "request_key", "setns", "swapoff", "swapon",
	"umount2", "unshare", "userfaultfd",
}

// Policy allows every syscall except the Deny list
type Policy struct {
	Deny       []string
	DenyAction Action
}

// NewDefaultPolicy denies DefaultDeny with EPERM
func NewDefaultPolicy() *Policy {
	return &Policy{
		Deny:       DefaultDeny,
		DenyAction: ActionErrno.WithReturnCode(int16(syscall.EPERM)),
	}
}

// Validate checks that every denied syscall exists on the running
// architecture
func (p *Policy) Validate() error {
	info, err := arch.GetInfo("")
	if err != nil {
		return fmt.Errorf("seccomp: %w", err)
	}
	known := make(map[string]struct{}, len(info.SyscallNumbers))
	for _, name := range info.SyscallNumbers {
		known[name] = struct{}{}
	}
	var unknown []string
	for _, name := range p.Deny {
		if _, ok := known[name]; !ok {
			unknown = append(unknown, name)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return fmt.Errorf("seccomp: unknown syscalls on %s: %v", info.Name, unknown)
	}
	return nil
}

// Filter converts the policy to a go-seccomp-bpf filter which sets
// no_new_privs and synchronizes all threads
func (p *Policy) Filter() libseccomp.Filter {
	return libseccomp.Filter{
		NoNewPrivs: true,
		Flag:       libseccomp.FilterFlagTSync,
		Policy: libseccomp.Policy{
			DefaultAction: libseccomp.ActionAllow,
			Syscalls: []libseccomp.SyscallGroup{
				{
					Action: ToSeccompAction(p.DenyAction),
					Names:  p.Deny,
				},
			},
		},
	}
}

// Assemble compiles the policy to raw BPF instructions
func (p *Policy) Assemble() ([]bpf.RawInstruction, error) {
	f := p.Filter()
	insts, err := f.Policy.Assemble()
	if err != nil {
		return nil, fmt.Errorf("seccomp: assemble policy: %w", err)
	}
	raw, err := bpf.Assemble(insts)
	if err != nil {
		return nil, fmt.Errorf("seccomp: assemble bpf: %w", err)
	}
	if len(raw) > maxInstructions {
		return nil, fmt.Errorf("seccomp: program has %d instructions, limit %d", len(raw), maxInstructions)
	}
	return raw, nil
}
