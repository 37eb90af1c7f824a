package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/opcproxy/internal/item"
	"github.com/nerrad567/opcproxy/internal/store"
)

// State is the handshake state of a Session. It only moves forward.
type State int32

// Session states.
const (
	StateUnestablished State = iota
	StateEstablished
	StateTerminated
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateUnestablished:
		return "unestablished"
	case StateEstablished:
		return "established"
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// ValueReader is the read side of the Value Store used by sessions.
type ValueReader interface {
	Get(name string) (store.Reading, error)
	IncrementRead(name string)
}

// WriteHandler accepts client writes. It is implemented by the dispatcher.
//
// An error wrapping store.ErrUnknownItem terminates a WRITE session. Any
// other error is the handler's concern: the client is acknowledged anyway.
type WriteHandler interface {
	HandleClientWrite(ctx context.Context, name, value string, typ item.Type, source item.Source) error
}

// SessionInfo is a point-in-time view of a session for operator tooling.
type SessionInfo struct {
	ID            string    `json:"id"`
	Peer          string    `json:"peer"`
	State         string    `json:"state"`
	ConnectedAt   time.Time `json:"connected_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// sessionConfig holds the per-session settings derived from Options.
type sessionConfig struct {
	handshakeTimeout time.Duration
	pollInterval     time.Duration
	socketTimeout    time.Duration
	readBufferSize   int
}

// Session serves one client connection.
//
// Thread Safety: Terminate, Info and LastHeartbeat may be called from any
// goroutine. The request loop runs on its own goroutine.
type Session struct {
	id          string
	peer        string
	conn        net.Conn
	cfg         sessionConfig
	values      ValueReader
	writes      WriteHandler
	logger      Logger
	metrics     Metrics
	onTerminate func(*Session, error)

	connectedAt time.Time
	state       atomic.Int32
	heartbeat   atomic.Int64 // unix nanos

	terminateOnce sync.Once
	reason        error
	done          chan struct{}
}

func newSession(conn net.Conn, cfg sessionConfig, values ValueReader, writes WriteHandler,
	logger Logger, metrics Metrics, onTerminate func(*Session, error)) *Session {
	now := time.Now()
	s := &Session{
		id:          uuid.NewString(),
		peer:        conn.RemoteAddr().String(),
		conn:        conn,
		cfg:         cfg,
		values:      values,
		writes:      writes,
		logger:      logger,
		metrics:     metrics,
		onTerminate: onTerminate,
		connectedAt: now,
		done:        make(chan struct{}),
	}
	s.heartbeat.Store(now.UnixNano())
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Peer returns the remote address.
func (s *Session) Peer() string { return s.peer }

// State returns the current handshake state.
func (s *Session) State() State { return State(s.state.Load()) }

// LastHeartbeat returns the time of the last successful request/response.
// It starts at connection time and is not advanced by the handshake.
func (s *Session) LastHeartbeat() time.Time {
	return time.Unix(0, s.heartbeat.Load())
}

// Done is closed once the session has terminated.
func (s *Session) Done() <-chan struct{} { return s.done }

// Info returns a snapshot of the session for operator tooling.
func (s *Session) Info() SessionInfo {
	return SessionInfo{
		ID:            s.id,
		Peer:          s.peer,
		State:         s.State().String(),
		ConnectedAt:   s.connectedAt,
		LastHeartbeat: s.LastHeartbeat(),
	}
}

// Terminate ends the session with reason. Only the first call has any
// effect: the transport is closed and the listener is notified once.
func (s *Session) Terminate(reason error) {
	s.terminateOnce.Do(func() {
		s.reason = reason
		s.state.Store(int32(StateTerminated))
		if err := s.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			s.logger.Debug("closing client connection", "session", s.id, "error", err)
		}
		s.logger.Info("client session terminated",
			"session", s.id,
			"peer", s.peer,
			"reason", reason.Error())
		if s.onTerminate != nil {
			s.onTerminate(s, reason)
		}
		close(s.done)
	})
}

// Reason returns the termination reason, or nil while the session is live.
func (s *Session) Reason() error {
	select {
	case <-s.done:
		return s.reason
	default:
		return nil
	}
}

func (s *Session) terminated() bool {
	return s.State() == StateTerminated
}

// advanceToEstablished moves Unestablished to Established. It never moves
// a session backwards.
func (s *Session) advanceToEstablished() bool {
	return s.state.CompareAndSwap(int32(StateUnestablished), int32(StateEstablished))
}

func (s *Session) touch() {
	s.heartbeat.Store(time.Now().UnixNano())
}

// serve runs the handshake and request loop until the session terminates.
func (s *Session) serve(ctx context.Context) {
	s.logger.Info("client connected", "session", s.id, "peer", s.peer)

	if err := s.send(ServerHello); err != nil {
		s.Terminate(err)
		return
	}
	handshakeDeadline := time.Now().Add(s.cfg.handshakeTimeout)

	buf := make([]byte, s.cfg.readBufferSize)
	for {
		if s.terminated() {
			return
		}
		if ctx.Err() != nil {
			s.Terminate(ErrServerShutdown)
			return
		}
		if s.State() == StateUnestablished && time.Now().After(handshakeDeadline) {
			s.Terminate(fmt.Errorf("%w: no client hello within %s", ErrHandshakeTimeout, s.cfg.handshakeTimeout))
			return
		}

		_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.pollInterval))
		n, readErr := s.conn.Read(buf)

		if n > 0 {
			if s.terminated() {
				return
			}
			if err := s.handleMessage(ctx, string(buf[:n])); err != nil {
				s.Terminate(err)
				return
			}
		}

		if readErr != nil {
			var netErr net.Error
			if errors.As(readErr, &netErr) && netErr.Timeout() {
				continue
			}
			if errors.Is(readErr, io.EOF) {
				s.Terminate(fmt.Errorf("%w: connection closed by peer", ErrTransportFailure))
				return
			}
			s.Terminate(fmt.Errorf("%w: %v", ErrTransportFailure, readErr))
			return
		}
	}
}

func (s *Session) handleMessage(ctx context.Context, msg string) error {
	if s.State() == StateUnestablished {
		if !IsClientHello(msg) {
			return fmt.Errorf("%w: request before handshake", ErrProtocolViolation)
		}
		s.advanceToEstablished()
		s.logger.Debug("client handshake completed", "session", s.id)
		return nil
	}

	req, err := ParseRequest(msg)
	if err != nil {
		return err
	}

	start := time.Now()
	switch req.Verb {
	case VerbHello:
		return nil
	case VerbBye:
		return ErrClientLogout
	case VerbRead:
		err = s.handleRead(req)
	case VerbWrite:
		err = s.handleWrite(ctx, req)
	case VerbReads:
		err = s.handleReads(req)
	case VerbWrites:
		err = s.handleWrites(ctx, req)
	default:
		err = fmt.Errorf("%w: unhandled verb %s", ErrProtocolViolation, req.Verb)
	}
	if err != nil {
		return err
	}

	s.touch()
	s.metrics.RequestHandled(string(req.Verb), time.Since(start))
	return nil
}

func (s *Session) handleRead(req Request) error {
	r, err := s.values.Get(req.Name)
	if err != nil {
		return fmt.Errorf("%w: %q", ErrUnknownItem, req.Name)
	}
	if err := s.send(FormatResult(r.Value, r.Quality)); err != nil {
		return err
	}
	s.values.IncrementRead(req.Name)
	return nil
}

func (s *Session) handleWrite(ctx context.Context, req Request) error {
	err := s.writes.HandleClientWrite(ctx, req.Name, req.Value, req.Type, item.SourceClient)
	if errors.Is(err, store.ErrUnknownItem) {
		return fmt.Errorf("%w: %q", ErrUnknownItem, req.Name)
	}

	r, err := s.values.Get(req.Name)
	if err != nil {
		return fmt.Errorf("%w: %q", ErrUnknownItem, req.Name)
	}
	return s.send(FormatResult(req.Value, r.Quality))
}

func (s *Session) handleReads(req Request) error {
	doc := req.Batch
	for i := range doc.Items {
		r, err := s.values.Get(doc.Items[i].Name)
		if err != nil {
			return fmt.Errorf("%w: %q in READS", ErrUnknownItem, doc.Items[i].Name)
		}
		doc.Items[i].Value = r.Value
		doc.Items[i].Quality = r.Quality.String()
	}

	reply, err := FormatBatchResult(doc)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProtocolViolation, err)
	}
	if err := s.send(reply); err != nil {
		return err
	}
	for _, it := range doc.Items {
		s.values.IncrementRead(it.Name)
	}
	return nil
}

func (s *Session) handleWrites(ctx context.Context, req Request) error {
	doc := req.Batch
	for i := range doc.Items {
		it := &doc.Items[i]
		if r, err := s.values.Get(it.Name); err == nil {
			it.Quality = r.Quality.String()
		}
		// The configured type applies; unknown names are tolerated here.
		if err := s.writes.HandleClientWrite(ctx, it.Name, it.Value, item.TypeString, item.SourceClient); err != nil {
			s.logger.Debug("batch write item not applied", "session", s.id, "item", it.Name, "error", err)
		}
	}

	reply, err := FormatBatchResult(doc)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProtocolViolation, err)
	}
	return s.send(reply)
}

func (s *Session) send(msg string) error {
	if s.cfg.socketTimeout > 0 {
		_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.socketTimeout))
	}
	if _, err := s.conn.Write([]byte(msg)); err != nil {
		return fmt.Errorf("%w: %v", ErrTransportFailure, err)
	}
	return nil
}
