package main

import (
	"os"
	"os/user"
	"strconv"

	"github.com/cuemby/aidentd/internal/privilege"
)

// defaultRunAsUser and defaultRunAsGroup mirror aidentd.c's fallback
// chain: look up a dedicated "aidentd" account first, then fall back to
// "nobody"/"nogroup", and finally a hardcoded uid/gid if neither exists.
const (
	defaultRunAsUser  = "aidentd"
	defaultRunAsGroup = "aidentd"
	fallbackUser      = "nobody"
	fallbackGroup     = "nogroup"
	fallbackUID       = 65534
	fallbackGID       = 65534
)

// resolveTarget turns the -u/-g flags (or their defaults) into a
// privilege.Target. When the process isn't running as root, the
// original leaves the uid/gid unchanged regardless of -u/-g, since
// there are no privileges to drop in the first place.
func resolveTarget(userFlag, groupFlag string, keepPrivileges, needNetAdmin bool, conntrackPath string) (privilege.Target, error) {
	euid := os.Geteuid()
	egid := os.Getegid()

	if keepPrivileges || euid != 0 {
		return privilege.Target{UID: euid, GID: egid, NeedNetAdmin: needNetAdmin, ConntrackPath: conntrackPath}, nil
	}

	uid := fallbackUID
	if userFlag != "" {
		resolved, err := lookupUID(userFlag)
		if err != nil {
			return privilege.Target{}, err
		}
		uid = resolved
	} else if resolved, err := lookupUID(defaultRunAsUser); err == nil {
		uid = resolved
	} else if resolved, err := lookupUID(fallbackUser); err == nil {
		uid = resolved
	}

	gid := fallbackGID
	if groupFlag != "" {
		resolved, err := lookupGID(groupFlag)
		if err != nil {
			return privilege.Target{}, err
		}
		gid = resolved
	} else if resolved, err := lookupGID(defaultRunAsGroup); err == nil {
		gid = resolved
	} else if resolved, err := lookupGID(fallbackGroup); err == nil {
		gid = resolved
	}

	return privilege.Target{UID: uid, GID: gid, NeedNetAdmin: needNetAdmin, ConntrackPath: conntrackPath}, nil
}

func lookupUID(name string) (int, error) {
	u, err := user.Lookup(name)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(u.Uid)
}

func lookupGID(name string) (int, error) {
	g, err := user.LookupGroup(name)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(g.Gid)
}
