package item

import "errors"

// Domain errors for the item package.
var (
	// ErrUnknownType is returned when a type string is not one of the supported register types.
	ErrUnknownType = errors.New("item: unknown type")

	// ErrUnknownQuality is returned when a quality name or code is not recognised.
	ErrUnknownQuality = errors.New("item: unknown quality")

	// ErrInvalidValue is returned when a value cannot be represented by the item's type.
	ErrInvalidValue = errors.New("item: invalid value")

	// ErrInvalidName is returned when an item name is empty or contains a colon.
	ErrInvalidName = errors.New("item: invalid name")
)
