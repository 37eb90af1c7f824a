package dispatch

import "errors"

var (
	// ErrBackendUnavailable indicates the backend could not be created or
	// connected, or no generation is loaded.
	ErrBackendUnavailable = errors.New("dispatch: backend unavailable")

	// ErrBackendWriteFailed indicates the backend rejected a write after retries.
	ErrBackendWriteFailed = errors.New("dispatch: backend write failed")

	// ErrInvalidValue indicates a value that does not fit the item's configured type.
	ErrInvalidValue = errors.New("dispatch: invalid value")

	// ErrInvalidProfile indicates a configuration profile that cannot be loaded.
	ErrInvalidProfile = errors.New("dispatch: invalid profile")
)
