// Package seccomp builds the syscall deny-list filter installed into a
// sandbox right before the target command is executed.
package seccomp

import (
	"fmt"
	"strings"

	libseccomp "github.com/elastic/go-seccomp-bpf"
)

// Action is seccomp trap action
type Action uint32

// Action defines seccomp action to the syscall
// default value 0 is invalid
const (
	ActionAllow Action = iota + 1
	ActionErrno
	ActionKill
)

var actionNames = []string{"invalid", "allow", "errno", "kill"}

// WithReturnCode set the return code when action is errno
func (a Action) WithReturnCode(code int16) Action {
	return a.Action() | Action(code)<<16
}

// ReturnCode get the return code
func (a Action) ReturnCode() int16 {
	return int16(a >> 16)
}

// Action get the basic action
func (a Action) Action() Action {
	return Action(a & 0xffff)
}

func (a Action) String() string {
	if i := int(a.Action()); i > 0 && i < len(actionNames) {
		return actionNames[i]
	}
	return actionNames[0]
}

// ParseAction parses the config name of an action
func ParseAction(s string) (Action, error) {
	for i, n := range actionNames[1:] {
		if strings.EqualFold(s, n) {
			return Action(i + 1), nil
		}
	}
	return 0, fmt.Errorf("seccomp: unknown action %q", s)
}

// ToSeccompAction convert action to go-seccomp-bpf action
func ToSeccompAction(a Action) libseccomp.Action {
	switch a.Action() {
	case ActionAllow:
		return libseccomp.ActionAllow
	case ActionErrno:
		// the least 16 bit of ret value is SECCOMP_RET_DATA
		return libseccomp.ActionErrno | libseccomp.Action(uint16(a.ReturnCode()))
	default:
		return libseccomp.ActionKillProcess
	}
}
