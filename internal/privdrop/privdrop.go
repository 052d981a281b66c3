// Package privdrop drops root privileges after a raw socket has been
// opened, mirroring the original Rust daemon's privs::drop_privs.
package privdrop

import (
	"fmt"
	"os/user"
	"strconv"

	"golang.org/x/sys/unix"
)

// Drop resolves userName and groupName (by name or numeric id) and calls
// setgid then setuid, in that order -- group must be dropped first, since
// dropping the uid first would remove the permission needed to change the
// gid. Either name left empty skips that half of the drop; both empty is
// a no-op.
func Drop(userName, groupName string) error {
	if groupName != "" {
		gid, err := lookupGid(groupName)
		if err != nil {
			return fmt.Errorf("resolve group %q: %w", groupName, err)
		}
		if err := unix.Setgid(gid); err != nil {
			return fmt.Errorf("setgid(%d): %w", gid, err)
		}
	}

	if userName != "" {
		uid, err := lookupUid(userName)
		if err != nil {
			return fmt.Errorf("resolve user %q: %w", userName, err)
		}
		if err := unix.Setuid(uid); err != nil {
			return fmt.Errorf("setuid(%d): %w", uid, err)
		}
	}

	return nil
}

func lookupUid(name string) (int, error) {
	if u, err := user.Lookup(name); err == nil {
		return strconv.Atoi(u.Uid)
	}
	return strconv.Atoi(name)
}

func lookupGid(name string) (int, error) {
	if g, err := user.LookupGroup(name); err == nil {
		return strconv.Atoi(g.Gid)
	}
	return strconv.Atoi(name)
}
