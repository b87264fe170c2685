// Package userns creates user namespaces for unprivileged users and hands
// them out as Handles.
//
// A helper process is started in a new user namespace. Once it signals
// that the namespace exists, the broker installs the subordinate id maps
// with the setuid helpers, opens /proc/<pid>/ns/user and lets the helper
// go. The namespace outlives the helper as long as the Handle is open.
package userns

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/criyle/zaun/operation"
	"github.com/criyle/zaun/pkg/idmap"
	"github.com/criyle/zaun/pkg/subid"
)

// DefaultIDCount is the number of uids and gids mapped into a namespace
const DefaultIDCount = 1000

// RangeResolver finds the subordinate ranges of the current user
type RangeResolver interface {
	ResolveUIDRange(count uint32) (subid.IDRange, error)
	ResolveGIDRange(count uint32) (subid.IDRange, error)
}

// Broker creates user namespaces
type Broker struct {
	Invoker  operation.Invoker
	Resolver RangeResolver
	Mapper   idmap.Mapper
	Count    uint32
	Logger   *zap.Logger

	// Open opens the namespace of the helper, OpenUserNamespace if nil
	Open func(pid int) (*Handle, error)
}

// Error is a failed broker step
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("userns: %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// CreateUserNamespace creates a new user namespace with the subordinate id
// ranges of the current user mapped from id 0. Nothing is retried: every
// call consumes a fresh helper and namespace.
func (b *Broker) CreateUserNamespace(ctx context.Context) (*Handle, error) {
	logger := b.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	count := b.Count
	if count == 0 {
		count = DefaultIDCount
	}
	open := b.Open
	if open == nil {
		open = OpenUserNamespace
	}

	p, err := b.Invoker.Start(ctx, operation.NamespaceSetup, operation.Options{
		Pipe:       true,
		CloneFlags: unix.CLONE_NEWUSER,
	})
	if err != nil {
		return nil, &Error{Op: "spawn-helper", Err: err}
	}
	pid := p.Pid()
	logger.Debug("helper started", zap.Int("pid", pid))

	h, err := b.setup(ctx, p, count, open, logger)
	if err != nil {
		terminate(p, logger)
		return nil, err
	}

	// let the helper go, the handle keeps the namespace alive
	if err := p.Stdin().Close(); err != nil {
		logger.Debug("close helper stdin", zap.Error(err))
	}
	terminate(p, logger)
	logger.Debug("user namespace created", zap.String("handle", h.Name()))
	return h, nil
}

func (b *Broker) setup(ctx context.Context, p operation.Process, count uint32, open func(int) (*Handle, error), logger *zap.Logger) (*Handle, error) {
	if err := AwaitReady(p.Stdout()); err != nil {
		return nil, &Error{Op: "handshake", Err: err}
	}
	pid := p.Pid()

	uids, err := b.Resolver.ResolveUIDRange(count)
	if err != nil {
		return nil, &Error{Op: "resolve-uid", Err: err}
	}
	gids, err := b.Resolver.ResolveGIDRange(count)
	if err != nil {
		return nil, &Error{Op: "resolve-gid", Err: err}
	}
	logger.Debug("id ranges resolved", zap.Stringer("uid", uids), zap.Stringer("gid", gids))

	if err := b.Mapper.MapUIDs(ctx, pid, uids); err != nil {
		return nil, &Error{Op: "map-uid", Err: err}
	}
	if err := b.Mapper.MapGIDs(ctx, pid, gids); err != nil {
		return nil, &Error{Op: "map-gid", Err: err}
	}

	h, err := open(pid)
	if err != nil {
		return nil, &Error{Op: "open-namespace", Err: err}
	}
	return h, nil
}

// terminate kills the helper and reaps it
func terminate(p operation.Process, logger *zap.Logger) {
	if err := p.Kill(); err != nil {
		logger.Debug("kill helper", zap.Error(err))
	}
	st, err := p.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Debug("wait helper", zap.Error(err))
		return
	}
	logger.Debug("helper reaped", zap.Stringer("status", st))
}
