package server

import "errors"

// Termination reasons. A session is always terminated with an error wrapping
// exactly one of these.
var (
	// ErrProtocolViolation is a malformed payload, an unknown verb or a request
	// sent before the handshake completed.
	ErrProtocolViolation = errors.New("protocol violation")

	// ErrUnknownItem is a request naming an item outside the current configuration.
	ErrUnknownItem = errors.New("unknown item")

	// ErrHandshakeTimeout means no client hello arrived within the handshake timeout.
	ErrHandshakeTimeout = errors.New("handshake timeout")

	// ErrTransportFailure is a socket error on send or receive.
	ErrTransportFailure = errors.New("transport failure")

	// ErrClientLogout is a graceful BYE from the client.
	ErrClientLogout = errors.New("client logout")

	// ErrIdleTimeout means the reaper evicted the session.
	ErrIdleTimeout = errors.New("idle timeout")

	// ErrServerShutdown means the listener is terminating.
	ErrServerShutdown = errors.New("server shutdown")
)

// Listener lifecycle errors.
var (
	// ErrAlreadyStarted is returned when Start is called twice.
	ErrAlreadyStarted = errors.New("server: listener already started")
)

var reasonLabels = []struct {
	err   error
	label string
}{
	{ErrProtocolViolation, "protocol_violation"},
	{ErrUnknownItem, "unknown_item"},
	{ErrHandshakeTimeout, "handshake_timeout"},
	{ErrTransportFailure, "transport_failure"},
	{ErrClientLogout, "client_logout"},
	{ErrIdleTimeout, "idle_timeout"},
	{ErrServerShutdown, "server_shutdown"},
}

// ReasonLabel returns a short, stable label for a termination error,
// suitable for metrics. Unclassified errors map to "other".
func ReasonLabel(err error) string {
	for _, r := range reasonLabels {
		if errors.Is(err, r.err) {
			return r.label
		}
	}
	return "other"
}
