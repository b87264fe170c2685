package mount

import (
	"fmt"
	"regexp"
	"strings"
)

// overlay mount options are a comma separated list and lowerdir is ':'
// separated, so only a conservative character set is accepted in paths
var overlayPathPattern = regexp.MustCompile(`^/[A-Za-z0-9._/-]+$`)

// PathError is a path rejected for use in overlay mount options
type PathError struct {
	Option string
	Path   string
}

func (e *PathError) Error() string {
	return fmt.Sprintf("mount: overlay %s: path %q must be absolute and match %s", e.Option, e.Path, overlayPathPattern)
}

// Overlay describes the layers of an overlay filesystem
type Overlay struct {
	// Lower layers, the first one is the top most
	Lower []string
	Upper string
	Work  string

	// UserXattr stores overlay metadata in user.* xattrs, needed when
	// mounting from inside a user namespace
	UserXattr bool
}

// ValidatePath checks a path against the overlay path pattern
func ValidatePath(option, path string) error {
	if !overlayPathPattern.MatchString(path) {
		return &PathError{Option: option, Path: path}
	}
	return nil
}

// Data formats the mount data string after validating every path
func (o Overlay) Data() (string, error) {
	if len(o.Lower) == 0 {
		return "", &PathError{Option: "lowerdir", Path: ""}
	}
	for _, l := range o.Lower {
		if err := ValidatePath("lowerdir", l); err != nil {
			return "", err
		}
	}
	if err := ValidatePath("upperdir", o.Upper); err != nil {
		return "", err
	}
	if err := ValidatePath("workdir", o.Work); err != nil {
		return "", err
	}

	var sb strings.Builder
	if o.UserXattr {
		sb.WriteString("userxattr,")
	}
	sb.WriteString("lowerdir=")
	sb.WriteString(strings.Join(o.Lower, ":"))
	sb.WriteString(",upperdir=")
	sb.WriteString(o.Upper)
	sb.WriteString(",workdir=")
	sb.WriteString(o.Work)
	return sb.String(), nil
}
