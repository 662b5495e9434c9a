// Package deadline enforces a single wall-clock budget for one Ident
// query, the Go equivalent of the original daemon's SIGALRM-plus-
// sigsetjmp timeout. Since Go has no safe way to longjmp out of a
// blocked syscall, expiry here works by forcing the blocking operation
// itself to fail: registered connections get SetDeadline(past) and
// registered subprocesses get killed.
package deadline

import (
	"context"
	"os/exec"
	"sync"
	"time"
)

// deadliner is satisfied by net.Conn and anything else exposing
// SetDeadline, which covers the sockets used by sockdiag and forward.
type deadliner interface {
	SetDeadline(t time.Time) error
}

// Controller owns the single timeout budget for one query lifetime. It is
// not safe for concurrent Run calls: the daemon creates exactly one per
// invocation, matching the original's one-query-per-process model.
type Controller struct {
	mu        sync.Mutex
	expiresAt time.Time
	suspended bool
	expired   bool

	sockets []deadliner
	procs   []*exec.Cmd
}

// New creates a Controller with no active deadline. Call Run to start the
// budget.
func New() *Controller {
	return &Controller{}
}

// Run invokes body with a context that is cancelled once seconds elapse,
// and arranges for any socket or subprocess registered with this
// Controller during body's execution to be force-closed at that point.
// It returns body's error, or context.DeadlineExceeded if body itself
// does not return promptly after expiry and must be abandoned by the
// caller.
func (c *Controller) Run(ctx context.Context, seconds int, body func(ctx context.Context) error) error {
	if seconds <= 0 {
		return body(ctx)
	}

	runCtx, cancel := context.WithTimeout(ctx, time.Duration(seconds)*time.Second)
	defer cancel()

	c.mu.Lock()
	c.expiresAt = time.Now().Add(time.Duration(seconds) * time.Second)
	c.mu.Unlock()

	done := make(chan error, 1)
	go func() {
		done <- body(runCtx)
	}()

	select {
	case err := <-done:
		return err
	case <-runCtx.Done():
		c.forceExpire()
		// Give body a short grace period to unwind after its blocking
		// call observes the forced closure, then give up on it.
		select {
		case err := <-done:
			return err
		case <-time.After(2 * time.Second):
			return runCtx.Err()
		}
	}
}

// RegisterSocket enrolls conn so that a timeout expiry forces it closed
// via SetDeadline. Call this immediately after opening any socket used
// inside Run's body (netlink socket, conntrack pipe reader is handled via
// RegisterSubprocess instead, forward TCP connection).
func (c *Controller) RegisterSocket(conn deadliner) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.expired {
		_ = conn.SetDeadline(time.Now())
		return
	}
	c.sockets = append(c.sockets, conn)
}

// RegisterSubprocess enrolls cmd so that a timeout expiry kills it. Used
// for the conntrack child process, whose blocking read has no deadline
// knob of its own.
func (c *Controller) RegisterSubprocess(cmd *exec.Cmd) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.expired {
		killProcess(cmd)
		return
	}
	c.procs = append(c.procs, cmd)
}

// Suspend pauses forced expiry, mirroring the original's
// block_timeout(): used around the privilege-reduction critical section,
// which must not be interrupted partway through. It does not extend the
// overall budget; Resume picks back up against the same expiresAt.
func (c *Controller) Suspend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.suspended = true
}

// Resume re-arms forced expiry after Suspend. If the deadline already
// passed while suspended, Resume expires registrations immediately.
func (c *Controller) Resume() {
	c.mu.Lock()
	suspended := c.suspended
	c.suspended = false
	expired := !c.expiresAt.IsZero() && time.Now().After(c.expiresAt)
	c.mu.Unlock()
	if suspended && expired {
		c.forceExpire()
	}
}

func (c *Controller) forceExpire() {
	c.mu.Lock()
	if c.suspended {
		c.mu.Unlock()
		return
	}
	c.expired = true
	sockets := c.sockets
	procs := c.procs
	c.mu.Unlock()

	past := time.Now()
	for _, s := range sockets {
		_ = s.SetDeadline(past)
	}
	for _, p := range procs {
		killProcess(p)
	}
}

func killProcess(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	_ = cmd.Process.Kill()
}
