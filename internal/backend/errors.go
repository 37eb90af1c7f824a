package backend

import "errors"

// Backend errors.
var (
	// ErrNotConnected is returned when an operation is attempted before Connect
	// or after Close.
	ErrNotConnected = errors.New("backend: not connected")

	// ErrUnavailable is returned when the backend cannot be reached at connect time.
	ErrUnavailable = errors.New("backend: unavailable")

	// ErrUnknownItem is returned for names outside the configured item set.
	ErrUnknownItem = errors.New("backend: unknown item")

	// ErrWriteFailed is returned when a write is rejected or every attempt failed.
	ErrWriteFailed = errors.New("backend: write failed")

	// ErrReadFailed is returned when a read is rejected.
	ErrReadFailed = errors.New("backend: read failed")

	// ErrUnknownKind is returned by the registry for an unsupported backend type.
	ErrUnknownKind = errors.New("backend: unknown kind")
)
