package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Default listener settings.
const (
	DefaultHandshakeTimeout = 60 * time.Second
	DefaultClientTimeout    = 300 * time.Second
	DefaultReapInterval     = 5 * time.Second
	DefaultPollInterval     = 50 * time.Millisecond
	DefaultSocketTimeout    = 30 * time.Second
	DefaultReadBufferSize   = 64 * 1024
)

// Logger is the logging interface used by the server.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Metrics receives session lifecycle and request events.
type Metrics interface {
	SessionOpened()
	SessionClosed(reason string)
	RequestHandled(verb string, elapsed time.Duration)
}

type noopMetrics struct{}

func (noopMetrics) SessionOpened()                        {}
func (noopMetrics) SessionClosed(string)                  {}
func (noopMetrics) RequestHandled(string, time.Duration) {}

// Options configures a Listener.
type Options struct {
	// Addr is the TCP address to bind, e.g. ":9100".
	Addr string

	// ClientTimeout evicts sessions whose last heartbeat is older than this.
	ClientTimeout time.Duration

	// HandshakeTimeout terminates sessions that do not send a client hello in time.
	HandshakeTimeout time.Duration

	// ReapInterval is the reaper tick.
	ReapInterval time.Duration

	// PollInterval bounds how long one read waits before the loop re-checks
	// timeouts and termination.
	PollInterval time.Duration

	// SocketTimeout bounds each send. Zero disables the deadline.
	SocketTimeout time.Duration

	// ReadBufferSize is the largest message accepted in one read.
	ReadBufferSize int

	// Values is the Value Store. Required.
	Values ValueReader

	// Writes receives client writes. Required.
	Writes WriteHandler

	// Logger is optional.
	Logger Logger

	// Metrics is optional.
	Metrics Metrics
}

func (o *Options) applyDefaults() {
	if o.ClientTimeout <= 0 {
		o.ClientTimeout = DefaultClientTimeout
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if o.ReapInterval <= 0 {
		o.ReapInterval = DefaultReapInterval
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.ReadBufferSize <= 0 {
		o.ReadBufferSize = DefaultReadBufferSize
	}
	if o.Logger == nil {
		o.Logger = noopLogger{}
	}
	if o.Metrics == nil {
		o.Metrics = noopMetrics{}
	}
}

// Listener accepts client connections and supervises their sessions.
//
// States: Stopped -> Listening -> Stopped.
//
// Thread Safety: All methods are safe for concurrent use.
type Listener struct {
	opts Options

	ln     net.Listener
	group  *errgroup.Group
	cancel context.CancelFunc

	mu       sync.RWMutex
	sessions map[string]*Session
	started  bool

	sessionWG     sync.WaitGroup
	terminateOnce sync.Once
}

// New creates a Listener. Call Start to bind and serve.
func New(opts Options) (*Listener, error) {
	if opts.Values == nil {
		return nil, fmt.Errorf("value store is required")
	}
	if opts.Writes == nil {
		return nil, fmt.Errorf("write handler is required")
	}
	opts.applyDefaults()

	return &Listener{
		opts:     opts,
		sessions: make(map[string]*Session),
	}, nil
}

// Start binds the configured address and starts the accept and reaper loops.
// It returns once the socket is listening.
func (l *Listener) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.started {
		return ErrAlreadyStarted
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", l.opts.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", l.opts.Addr, err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	group, groupCtx := errgroup.WithContext(runCtx)

	l.ln = ln
	l.cancel = cancel
	l.group = group
	l.started = true

	group.Go(func() error { return l.acceptLoop(groupCtx) })
	group.Go(func() error { return l.reapLoop(groupCtx) })
	group.Go(func() error {
		// Unblocks Accept when the parent context is cancelled.
		<-groupCtx.Done()
		_ = ln.Close()
		return nil
	})

	l.opts.Logger.Info("protocol server listening",
		"addr", ln.Addr().String(),
		"client_timeout", l.opts.ClientTimeout.String(),
		"handshake_timeout", l.opts.HandshakeTimeout.String())
	return nil
}

// Addr returns the bound address, or nil before Start.
func (l *Listener) Addr() net.Addr {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.ln == nil {
		return nil
	}
	return l.ln.Addr()
}

// Terminate stops accepting, terminates every session and waits for all
// loops to exit. Repeated calls are no-ops.
func (l *Listener) Terminate() {
	l.terminateOnce.Do(func() {
		l.mu.RLock()
		started := l.started
		ln := l.ln
		cancel := l.cancel
		group := l.group
		l.mu.RUnlock()

		if !started {
			return
		}

		cancel()
		if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			l.opts.Logger.Warn("closing listener socket", "error", err)
		}

		for _, s := range l.snapshotSessions() {
			s.Terminate(ErrServerShutdown)
		}

		if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			l.opts.Logger.Warn("listener loop exited with error", "error", err)
		}
		l.sessionWG.Wait()

		l.opts.Logger.Info("protocol server stopped")
	})
}

// Count returns the number of registered sessions.
func (l *Listener) Count() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.sessions)
}

// Sessions returns a snapshot of all registered sessions ordered by connect time.
func (l *Listener) Sessions() []SessionInfo {
	sessions := l.snapshotSessions()
	out := make([]SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConnectedAt.Before(out[j].ConnectedAt) })
	return out
}

func (l *Listener) snapshotSessions() []*Session {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*Session, 0, len(l.sessions))
	for _, s := range l.sessions {
		out = append(out, s)
	}
	return out
}

func (l *Listener) acceptLoop(ctx context.Context) error {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			l.opts.Logger.Error("accepting connection", "error", err)
			return fmt.Errorf("accept: %w", err)
		}

		s := newSession(conn, sessionConfig{
			handshakeTimeout: l.opts.HandshakeTimeout,
			pollInterval:     l.opts.PollInterval,
			socketTimeout:    l.opts.SocketTimeout,
			readBufferSize:   l.opts.ReadBufferSize,
		}, l.opts.Values, l.opts.Writes, l.opts.Logger, l.opts.Metrics, l.unregister)

		l.mu.Lock()
		l.sessions[s.id] = s
		l.mu.Unlock()
		l.opts.Metrics.SessionOpened()

		l.sessionWG.Add(1)
		go func() {
			defer l.sessionWG.Done()
			s.serve(ctx)
		}()
	}
}

func (l *Listener) reapLoop(ctx context.Context) error {
	ticker := time.NewTicker(l.opts.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			l.reap(now)
		}
	}
}

// reap terminates every session idle for longer than the client timeout.
func (l *Listener) reap(now time.Time) int {
	evicted := 0
	for _, s := range l.snapshotSessions() {
		idle := now.Sub(s.LastHeartbeat())
		if idle > l.opts.ClientTimeout {
			s.Terminate(fmt.Errorf("%w: idle for %s", ErrIdleTimeout, idle.Truncate(time.Second)))
			evicted++
		}
	}
	if evicted > 0 {
		l.opts.Logger.Info("reaped idle sessions", "count", evicted)
	}
	return evicted
}

// unregister is called exactly once per session on termination.
func (l *Listener) unregister(s *Session, reason error) {
	l.mu.Lock()
	delete(l.sessions, s.id)
	l.mu.Unlock()
	l.opts.Metrics.SessionClosed(ReasonLabel(reason))
}
