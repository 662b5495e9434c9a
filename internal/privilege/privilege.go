// Package privilege reduces the daemon's process privileges to the
// minimum needed to serve a single query, mirroring the original
// daemon's privileges.c. It drops to an unprivileged uid/gid while
// retaining only the capabilities still required afterwards: CAP_NET_ADMIN
// when NAT forwarding is enabled, plus whatever is needed to set the
// conntrack binary's file capabilities the first time it runs.
package privilege

import (
	"fmt"
	"os"

	"github.com/moby/sys/capability"
	"golang.org/x/sys/unix"

	"github.com/cuemby/aidentd/internal/deadline"
	"github.com/cuemby/aidentd/pkg/log"
)

// Target describes the privilege level to drop to.
type Target struct {
	UID          int
	GID          int
	NeedNetAdmin bool // set when NAT forwarding (conntrack) may run

	// ConntrackPath, if non-empty, gets CAP_NET_ADMIN set as a file
	// capability so the unprivileged process can still invoke it.
	ConntrackPath string
}

// plan is the set of capability decisions Reduce needs to act on: which
// capabilities to retain across the uid/gid change, which to keep as
// inheritable afterwards, which to discard, and whether a uid/gid change
// is needed at all.
type plan struct {
	retain      []capability.Cap
	inheritable []capability.Cap
	discard     []capability.Cap
	changeUser  bool
}

// planFor mirrors the capability bookkeeping in minimal_privileges_as:
// the inheritable set is CAP_NET_ADMIN when it's needed, everything else
// in the candidate list is retained across the uid/gid switch then
// discarded, and no uid/gid switch (nor capability retention) is needed
// when the target is already who we are.
func planFor(t Target, euid, egid int) plan {
	needed := []capability.Cap{capability.CAP_SETPCAP, capability.CAP_SETGID, capability.CAP_SETUID}
	if t.NeedNetAdmin {
		needed = append([]capability.Cap{capability.CAP_NET_ADMIN}, needed...)
	}

	neededCount := 0
	if t.NeedNetAdmin {
		neededCount = 1
	}

	p := plan{
		retain:      needed,
		inheritable: needed[:neededCount],
		discard:     needed[neededCount:],
		changeUser:  true,
	}

	if (t.UID == 0 && t.GID == 0) || (t.UID == euid && t.GID == egid) {
		p.changeUser = false
		p.retain = nil
	}

	return p
}

// Reduce drops the running process to Target's uid/gid, keeping only the
// capabilities Target still needs. It must run before any untrusted input
// is processed. ctl.Suspend/Resume bracket the uid/gid transition so a
// forced timeout expiry can never interrupt it partway through, matching
// the original's block_timeout()/unblock_timeout() around the same
// section.
func Reduce(ctl *deadline.Controller, t Target) error {
	logger := log.WithComponent("privilege")

	p := planFor(t, os.Geteuid(), os.Getegid())

	if t.ConntrackPath != "" && len(p.inheritable) > 0 {
		if err := setFileCapabilities(t.ConntrackPath, p.inheritable); err != nil {
			if t.NeedNetAdmin {
				return fmt.Errorf("privilege: set conntrack file capabilities: %w", err)
			}
			logger.Warn().Err(err).Str("path", t.ConntrackPath).Msg("could not set conntrack file capabilities")
		}
	}

	if p.changeUser {
		logger.Debug().Int("uid", t.UID).Int("gid", t.GID).Msg("changing to unprivileged uid/gid")

		if err := retainCapabilities(p.retain); err != nil {
			return fmt.Errorf("privilege: retain capabilities: %w", err)
		}

		ctl.Suspend()
		defer ctl.Resume()

		if err := unix.Setregid(t.GID, t.GID); err != nil {
			return fmt.Errorf("privilege: setregid: %w", err)
		}
		if err := unix.Setreuid(t.UID, t.UID); err != nil {
			return fmt.Errorf("privilege: setreuid: %w", err)
		}
	}

	if err := makeInheritable(p.inheritable); err != nil {
		return fmt.Errorf("privilege: make inheritable: %w", err)
	}

	return discardUnneeded(p.discard)
}

func loadProcCaps() (capability.Capabilities, error) {
	caps, err := capability.NewPid2(0)
	if err != nil {
		return nil, fmt.Errorf("capability.NewPid2: %w", err)
	}
	if err := caps.Load(); err != nil {
		return nil, fmt.Errorf("load: %w", err)
	}
	return caps, nil
}

// retainCapabilities keeps caps in the effective and permitted sets
// across the following setreuid/setregid, the Go equivalent of
// PR_SET_KEEPCAPS plus retain_capabilities in privileges.c.
func retainCapabilities(caps []capability.Cap) error {
	if len(caps) == 0 {
		return nil
	}
	procCaps, err := loadProcCaps()
	if err != nil {
		return err
	}
	procCaps.Clear(capability.CAPS)
	procCaps.Set(capability.EFFECTIVE|capability.PERMITTED, caps...)
	if err := procCaps.Apply(capability.CAPS); err != nil {
		return fmt.Errorf("apply retained caps: %w", err)
	}
	if err := unix.Prctl(unix.PR_SET_KEEPCAPS, 1, 0, 0, 0); err != nil {
		return fmt.Errorf("prctl PR_SET_KEEPCAPS: %w", err)
	}
	return nil
}

// makeInheritable mirrors inheritable_capabilities: the capabilities
// actually needed after the uid/gid change become effective and
// inheritable so the daemon can use them for the rest of the query.
func makeInheritable(caps []capability.Cap) error {
	if len(caps) == 0 {
		return nil
	}
	procCaps, err := loadProcCaps()
	if err != nil {
		return err
	}
	procCaps.Set(capability.EFFECTIVE|capability.INHERITABLE, caps...)
	if err := procCaps.Apply(capability.EFFECTIVE | capability.INHERITABLE); err != nil {
		return fmt.Errorf("apply inheritable caps: %w", err)
	}
	return nil
}

// discardUnneeded mirrors discard_capabilities: anything not required by
// this Target is dropped from the effective and permitted sets.
func discardUnneeded(caps []capability.Cap) error {
	if len(caps) == 0 {
		return nil
	}
	procCaps, err := loadProcCaps()
	if err != nil {
		return err
	}
	procCaps.Unset(capability.EFFECTIVE|capability.PERMITTED, caps...)
	if err := procCaps.Apply(capability.EFFECTIVE | capability.PERMITTED); err != nil {
		return fmt.Errorf("apply discarded caps: %w", err)
	}
	_ = unix.Prctl(unix.PR_SET_KEEPCAPS, 0, 0, 0, 0)
	return nil
}

// setFileCapabilities sets caps as inheritable and effective file
// capabilities on path, mirroring set_file_capabilites in privileges.c.
// This lets the unprivileged daemon still invoke a setuid-free conntrack
// binary with CAP_NET_ADMIN.
func setFileCapabilities(path string, caps []capability.Cap) error {
	if len(caps) == 0 {
		return nil
	}
	fileCaps, err := capability.NewFile2(path)
	if err != nil {
		return fmt.Errorf("capability.NewFile2: %w", err)
	}
	// A binary with no xattr yet fails Load with ENODATA; start from an
	// empty capability set in that case rather than erroring out.
	_ = fileCaps.Load()

	fileCaps.Set(capability.INHERITABLE|capability.EFFECTIVE, caps...)

	log.WithComponent("privilege").Info().
		Str("path", path).
		Msg("setting conntrack file capabilities")

	if err := fileCaps.Apply(capability.INHERITABLE | capability.EFFECTIVE); err != nil {
		return fmt.Errorf("apply file caps: %w", err)
	}
	return nil
}
