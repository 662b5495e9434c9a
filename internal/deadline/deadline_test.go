package deadline

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"
)

func TestRunCompletesBeforeTimeout(t *testing.T) {
	c := New()
	err := c.Run(context.Background(), 5, func(ctx context.Context) error {
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRunPropagatesBodyError(t *testing.T) {
	c := New()
	want := errors.New("boom")
	err := c.Run(context.Background(), 5, func(ctx context.Context) error {
		return want
	})
	if err != want {
		t.Fatalf("got %v, want %v", err, want)
	}
}

func TestRunForcesSocketClosedOnExpiry(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	c := New()
	err := c.Run(context.Background(), 1, func(ctx context.Context) error {
		c.RegisterSocket(client)
		buf := make([]byte, 1)
		_, err := client.Read(buf)
		return err
	})
	if err == nil {
		t.Fatalf("expected read to fail after forced deadline expiry")
	}
}

func TestZeroSecondsRunsWithoutTimeout(t *testing.T) {
	c := New()
	called := false
	err := c.Run(context.Background(), 0, func(ctx context.Context) error {
		called = true
		return nil
	})
	if err != nil || !called {
		t.Fatalf("expected body to run unconditionally, err=%v called=%v", err, called)
	}
}

func TestSuspendResumeDelaysExpiry(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	c := New()
	err := c.Run(context.Background(), 1, func(ctx context.Context) error {
		c.RegisterSocket(client)
		c.Suspend()
		time.Sleep(1200 * time.Millisecond)
		c.Resume()

		errc := make(chan error, 1)
		go func() {
			buf := make([]byte, 1)
			_, err := client.Read(buf)
			errc <- err
		}()

		select {
		case err := <-errc:
			return err
		case <-time.After(500 * time.Millisecond):
			return nil
		}
	})
	if err == nil {
		t.Fatalf("expected resume to trigger forced expiry promptly")
	}
}
