package privilege

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/moby/sys/capability"

	"github.com/cuemby/aidentd/internal/deadline"
)

func TestPlanForNoChangeWhenAlreadyTargetUser(t *testing.T) {
	p := planFor(Target{UID: 1000, GID: 1000}, 1000, 1000)
	if p.changeUser {
		t.Errorf("expected no uid/gid change when already running as target")
	}
	if len(p.retain) != 0 {
		t.Errorf("expected nothing retained when no uid/gid change, got %v", p.retain)
	}
}

func TestPlanForRootTargetNeverChangesUser(t *testing.T) {
	p := planFor(Target{UID: 0, GID: 0}, 1000, 1000)
	if p.changeUser {
		t.Errorf("expected no uid/gid change when target is root regardless of current euid")
	}
}

func TestPlanForWithoutNetAdminHasNoInheritable(t *testing.T) {
	p := planFor(Target{UID: 1000, GID: 1000, NeedNetAdmin: false}, 0, 0)
	if len(p.inheritable) != 0 {
		t.Errorf("expected no inheritable capabilities without NAT forwarding, got %v", p.inheritable)
	}
	if len(p.discard) != 3 {
		t.Errorf("expected setpcap/setgid/setuid all discarded, got %v", p.discard)
	}
}

func TestPlanForWithNetAdminKeepsItInheritable(t *testing.T) {
	p := planFor(Target{UID: 1000, GID: 1000, NeedNetAdmin: true}, 0, 0)
	if len(p.inheritable) != 1 || p.inheritable[0] != capability.CAP_NET_ADMIN {
		t.Fatalf("expected CAP_NET_ADMIN to be the sole inheritable capability, got %v", p.inheritable)
	}
	if len(p.discard) != 3 {
		t.Errorf("expected setpcap/setgid/setuid discarded after the switch, got %v", p.discard)
	}
	if len(p.retain) != 4 {
		t.Errorf("expected all four candidate capabilities retained across the switch, got %v", p.retain)
	}
}

// TestReduceFailsFatallyWhenNetAdminFileCapsFail exercises Reduce itself
// (not just planFor): when NeedNetAdmin is set and setting the conntrack
// binary's file capabilities fails, Reduce must return an error rather
// than logging and continuing. Target's uid/gid are set to the test
// process's own so planFor reports no uid/gid change is needed, keeping
// this test from requiring real privilege escalation.
func TestReduceFailsFatallyWhenNetAdminFileCapsFail(t *testing.T) {
	tgt := Target{
		UID:           os.Getuid(),
		GID:           os.Getgid(),
		NeedNetAdmin:  true,
		ConntrackPath: filepath.Join(t.TempDir(), "conntrack-does-not-exist"),
	}

	err := Reduce(deadline.New(), tgt)
	if err == nil {
		t.Fatal("expected Reduce to return a fatal error when conntrack file capabilities cannot be set and NeedNetAdmin is true")
	}
}
