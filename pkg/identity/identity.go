// Package identity captures the effective user and group identity of the
// current process. It is read once per logical operation and passed down
// explicitly to the code that depends on it.
package identity

import (
	"fmt"
	"os"
	"os/user"
	"strconv"
)

// NameID is a numeric id together with its name, if one is known.
type NameID struct {
	Name string `json:"name,omitempty"`
	ID   uint32 `json:"id"`
}

func (n NameID) String() string {
	if n.Name == "" {
		return strconv.FormatUint(uint64(n.ID), 10)
	}
	return fmt.Sprintf("%s(%d)", n.Name, n.ID)
}

// User is the effective identity of a process
type User struct {
	NameID
	Group NameID `json:"group"`
}

// Groups lists the main group and the supplementary groups of the process
type Groups struct {
	Main  NameID   `json:"main"`
	Extra []NameID `json:"extra"`
}

// Current reads the effective uid and gid of the calling process.
// Names are resolved through the user database when possible; inside a
// sandbox without a passwd file they are left empty.
func Current() User {
	uid, gid := uint32(os.Geteuid()), uint32(os.Getegid())
	return User{
		NameID: NameID{Name: lookupUser(uid), ID: uid},
		Group:  NameID{Name: lookupGroup(gid), ID: gid},
	}
}

// Matches reports whether s names this user either by name or by
// decimal uid
func (u User) Matches(s string) bool {
	if u.Name != "" && s == u.Name {
		return true
	}
	return s == strconv.FormatUint(uint64(u.ID), 10)
}

// Groups returns the group set of the calling process with u's group as
// the main group
func (u User) Groups() (Groups, error) {
	gids, err := os.Getgroups()
	if err != nil {
		return Groups{}, fmt.Errorf("identity: getgroups: %w", err)
	}
	g := Groups{Main: u.Group, Extra: make([]NameID, 0, len(gids))}
	for _, gid := range gids {
		if uint32(gid) == u.Group.ID {
			continue
		}
		g.Extra = append(g.Extra, NameID{Name: lookupGroup(uint32(gid)), ID: uint32(gid)})
	}
	return g, nil
}

func lookupUser(uid uint32) string {
	u, err := user.LookupId(strconv.FormatUint(uint64(uid), 10))
	if err != nil {
		return ""
	}
	return u.Username
}

func lookupGroup(gid uint32) string {
	g, err := user.LookupGroupId(strconv.FormatUint(uint64(gid), 10))
	if err != nil {
		return ""
	}
	return g.Name
}
