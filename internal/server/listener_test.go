package server

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nerrad567/opcproxy/internal/store"
)

func TestNew_RequiresDependencies(t *testing.T) {
	if _, err := New(Options{Writes: &fakeDispatcher{}}); err == nil {
		t.Error("New() without value store should fail")
	}
	if _, err := New(Options{Values: store.New()}); err == nil {
		t.Error("New() without write handler should fail")
	}
}

func TestListener_AppliesDefaults(t *testing.T) {
	l, err := New(Options{Values: store.New(), Writes: &fakeDispatcher{store: store.New()}})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if l.opts.ClientTimeout != DefaultClientTimeout {
		t.Errorf("ClientTimeout = %v, want %v", l.opts.ClientTimeout, DefaultClientTimeout)
	}
	if l.opts.HandshakeTimeout != DefaultHandshakeTimeout {
		t.Errorf("HandshakeTimeout = %v, want %v", l.opts.HandshakeTimeout, DefaultHandshakeTimeout)
	}
	if l.opts.ReapInterval != DefaultReapInterval {
		t.Errorf("ReapInterval = %v, want %v", l.opts.ReapInterval, DefaultReapInterval)
	}
	if l.opts.PollInterval != 50*time.Millisecond {
		t.Errorf("PollInterval = %v, want 50ms", l.opts.PollInterval)
	}
	if l.Addr() != nil {
		t.Errorf("Addr() before Start = %v, want nil", l.Addr())
	}
}

func TestListener_StartTwice(t *testing.T) {
	ts := startTestServer(t, nil)
	if err := ts.listener.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("second Start() error = %v, want ErrAlreadyStarted", err)
	}
}

func TestListener_ReapsIdleSessions(t *testing.T) {
	ts := startTestServer(t, func(o *Options) {
		o.ClientTimeout = 200 * time.Millisecond
		o.ReapInterval = 50 * time.Millisecond
	})
	conn := ts.handshake(t)

	send(t, conn, "ESTSHOPCSVC.READ:tag2")
	_ = readMsg(t, conn)

	// Evicted within one reap interval after the timeout elapses.
	waitFor(t, func() bool { return ts.listener.Count() == 0 }, 200*time.Millisecond+time.Second, "idle eviction")
	expectClosed(t, conn, time.Second)

	if got := ts.metrics.Closed(); len(got) != 1 || got[0] != "idle_timeout" {
		t.Errorf("closed reasons = %v, want [idle_timeout]", got)
	}
}

func TestListener_ActiveSessionsNotReaped(t *testing.T) {
	ts := startTestServer(t, func(o *Options) {
		o.ClientTimeout = 300 * time.Millisecond
		o.ReapInterval = 20 * time.Millisecond
	})
	conn := ts.handshake(t)

	for i := 0; i < 8; i++ {
		send(t, conn, "ESTSHOPCSVC.READ:tag2")
		_ = readMsg(t, conn)
		time.Sleep(100 * time.Millisecond)
	}

	if ts.listener.Count() != 1 {
		t.Errorf("Count() = %d, want 1 for an active session", ts.listener.Count())
	}
}

func TestListener_Reap(t *testing.T) {
	ts := startTestServer(t, func(o *Options) {
		o.ClientTimeout = time.Minute
		o.ReapInterval = time.Hour
	})
	_ = ts.handshake(t)

	if n := ts.listener.reap(time.Now()); n != 0 {
		t.Errorf("reap(now) = %d, want 0", n)
	}
	if n := ts.listener.reap(time.Now().Add(2 * time.Minute)); n != 1 {
		t.Errorf("reap(now+2m) = %d, want 1", n)
	}
	waitFor(t, func() bool { return ts.listener.Count() == 0 }, time.Second, "registry cleanup")
}

func TestListener_MultipleClients(t *testing.T) {
	ts := startTestServer(t, nil)

	a := ts.handshake(t)
	b := ts.handshake(t)

	if got := ts.listener.Count(); got != 2 {
		t.Fatalf("Count() = %d, want 2", got)
	}

	send(t, a, "ESTSHOPCSVC.WRITE:tag1:from-a:STRING")
	_ = readMsg(t, a)
	send(t, b, "ESTSHOPCSVC.READ:tag1")
	if got := readMsg(t, b); got != "ESTSHOPCSVC.RESULT:from-a:Good" {
		t.Errorf("READ on second session = %q", got)
	}

	infos := ts.listener.Sessions()
	if len(infos) != 2 || infos[0].ConnectedAt.After(infos[1].ConnectedAt) {
		t.Errorf("Sessions() = %+v, want two ordered by connect time", infos)
	}
}

func TestListener_TerminateClosesSessions(t *testing.T) {
	ts := startTestServer(t, nil)
	a := ts.handshake(t)
	b := dial(t, ts.addr)
	_ = readMsg(t, b)

	ts.listener.Terminate()
	ts.listener.Terminate()

	expectClosed(t, a, time.Second)
	expectClosed(t, b, time.Second)

	if got := ts.listener.Count(); got != 0 {
		t.Errorf("Count() after Terminate = %d, want 0", got)
	}
	for _, reason := range ts.metrics.Closed() {
		if reason != "server_shutdown" {
			t.Errorf("reason = %q, want server_shutdown", reason)
		}
	}
}

func TestListener_ContextCancelStopsServing(t *testing.T) {
	st := store.New()
	l, err := New(Options{
		Addr:         "127.0.0.1:0",
		PollInterval: 5 * time.Millisecond,
		Values:       st,
		Writes:       &fakeDispatcher{store: st},
	})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	if err := l.Start(ctx); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	conn := dial(t, l.Addr().String())
	_ = readMsg(t, conn)

	cancel()
	expectClosed(t, conn, 2*time.Second)
	l.Terminate()
}
