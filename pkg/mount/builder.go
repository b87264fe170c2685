package mount

import (
	"strings"

	"golang.org/x/sys/unix"
)

const (
	bind    = unix.MS_BIND | unix.MS_NOSUID | unix.MS_PRIVATE
	recBind = unix.MS_BIND | unix.MS_REC
	mFlag   = unix.MS_NOSUID | unix.MS_NODEV
)

// Builder builds an ordered list of mounts. The first error from a With
// call is kept and returned by Build.
type Builder struct {
	Mounts []Mount
	err    error
}

// NewBuilder creates new mount builder instance
func NewBuilder() *Builder {
	return &Builder{}
}

// Build returns the mounts in the order they were added
func (b *Builder) Build() ([]Mount, error) {
	if b.err != nil {
		return nil, b.err
	}
	return b.Mounts, nil
}

// WithMounts add mounts to builder
func (b *Builder) WithMounts(m []Mount) *Builder {
	b.Mounts = append(b.Mounts, m...)
	return b
}

// WithMount add single mount to builder
func (b *Builder) WithMount(m Mount) *Builder {
	b.Mounts = append(b.Mounts, m)
	return b
}

// WithBind adds a bind mount to builder
func (b *Builder) WithBind(source, target string, readonly bool) *Builder {
	var flags uintptr = bind
	if readonly {
		flags |= unix.MS_RDONLY
	}
	b.Mounts = append(b.Mounts, Mount{
		Source: source,
		Target: target,
		Flags:  flags,
	})
	return b
}

// WithRecursiveBind adds a recursive bind mount of the whole subtree
func (b *Builder) WithRecursiveBind(source, target string) *Builder {
	b.Mounts = append(b.Mounts, Mount{
		Source: source,
		Target: target,
		Flags:  recBind,
	})
	return b
}

// WithTmpfs add a tmpfs mount to builder
func (b *Builder) WithTmpfs(target, data string) *Builder {
	b.Mounts = append(b.Mounts, Mount{
		Source: "tmpfs",
		Target: target,
		FsType: "tmpfs",
		Flags:  mFlag,
		Data:   data,
	})
	return b
}

// WithOverlay adds an overlay mount. Paths failing ValidatePath make
// Build fail.
func (b *Builder) WithOverlay(target string, o Overlay) *Builder {
	data, err := o.Data()
	if err != nil {
		if b.err == nil {
			b.err = err
		}
		return b
	}
	b.Mounts = append(b.Mounts, Mount{
		Source: "overlay",
		Target: target,
		FsType: "overlay",
		Data:   data,
	})
	return b
}

// WithPrivate marks target and its submounts private
func (b *Builder) WithPrivate(target string) *Builder {
	b.Mounts = append(b.Mounts, Private(target))
	return b
}

// Private returns the propagation change of target to recursive private
func Private(target string) Mount {
	return Mount{
		Source: "none",
		Target: target,
		Flags:  unix.MS_SILENT | unix.MS_REC | unix.MS_PRIVATE,
	}
}

func (b Builder) String() string {
	var sb strings.Builder
	sb.WriteString("Mounts: ")
	for i, m := range b.Mounts {
		sb.WriteString(m.String())
		if i != len(b.Mounts)-1 {
			sb.WriteString(", ")
		}
	}
	return sb.String()
}
