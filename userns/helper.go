package userns

import (
	"context"

	"github.com/criyle/zaun/operation"
)

// RunHelper is the body of operation.NamespaceSetup. It is started in a
// new user namespace and keeps that namespace populated until the parent
// finished installing the id maps and opened a handle.
func RunHelper(ctx context.Context, stdio operation.Stdio, args []string) error {
	if err := SignalReady(stdio.Stdout); err != nil {
		return err
	}
	return AwaitProceed(stdio.Stdin)
}
