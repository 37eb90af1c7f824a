package store

import "errors"

// ErrUnknownItem is returned when a name is not part of the current generation.
var ErrUnknownItem = errors.New("store: unknown item")
