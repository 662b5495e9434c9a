package main

import (
	"os"
	"testing"

	"github.com/cuemby/aidentd/internal/daemon"
	"github.com/cuemby/aidentd/internal/metrics"
)

func testEuid() int { return os.Geteuid() }
func testEgid() int { return os.Getegid() }

func TestOutcomeForSuppressed(t *testing.T) {
	if got := outcomeFor(daemon.Response{Suppressed: true}); got != metrics.OutcomeSuppressed {
		t.Errorf("outcomeFor() = %v, want OutcomeSuppressed", got)
	}
}

func TestOutcomeForForwarded(t *testing.T) {
	if got := outcomeFor(daemon.Response{Found: true, Forwarded: true}); got != metrics.OutcomeForwarded {
		t.Errorf("outcomeFor() = %v, want OutcomeForwarded", got)
	}
}

func TestOutcomeForLocal(t *testing.T) {
	if got := outcomeFor(daemon.Response{Found: true}); got != metrics.OutcomeLocal {
		t.Errorf("outcomeFor() = %v, want OutcomeLocal", got)
	}
}

func TestOutcomeForInvalid(t *testing.T) {
	if got := outcomeFor(daemon.Response{ErrorToken: "INVALID-PORT"}); got != metrics.OutcomeInvalid {
		t.Errorf("outcomeFor() = %v, want OutcomeInvalid", got)
	}
}

func TestOutcomeForTimedOut(t *testing.T) {
	if got := outcomeFor(daemon.Response{ErrorToken: "UNKNOWN-ERROR"}); got != metrics.OutcomeTimedOut {
		t.Errorf("outcomeFor() = %v, want OutcomeTimedOut", got)
	}
}

func TestOutcomeForNoUser(t *testing.T) {
	if got := outcomeFor(daemon.Response{ErrorToken: "NO-USER"}); got != metrics.OutcomeNoUser {
		t.Errorf("outcomeFor() = %v, want OutcomeNoUser", got)
	}
}

func TestResolveTargetNonRootLeavesIdentityUnchanged(t *testing.T) {
	target, err := resolveTarget("", "", false, true, "/usr/sbin/conntrack")
	if err != nil {
		t.Fatalf("resolveTarget: %v", err)
	}
	if target.UID != testEuid() || target.GID != testEgid() {
		t.Errorf("expected unprivileged caller's identity to pass through unchanged, got %+v", target)
	}
	if !target.NeedNetAdmin {
		t.Errorf("expected NeedNetAdmin to carry through")
	}
}

func TestResolveTargetKeepPrivileges(t *testing.T) {
	target, err := resolveTarget("somebody", "somegroup", true, false, "")
	if err != nil {
		t.Fatalf("resolveTarget: %v", err)
	}
	if target.UID != testEuid() || target.GID != testEgid() {
		t.Errorf("-k should leave identity unchanged even with -u/-g set, got %+v", target)
	}
}
