package item

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Type identifies the register type of an item.
// The zero value is not a valid type.
type Type int

// Supported register types.
const (
	TypeBool Type = iota + 1
	TypeByte
	TypeChar
	TypeWord
	TypeLong
	TypeDWord
	TypeString
)

var typeNames = map[Type]string{
	TypeBool:   "BOOL",
	TypeByte:   "BYTE",
	TypeChar:   "CHAR",
	TypeWord:   "WORD",
	TypeLong:   "LONG",
	TypeDWord:  "DWORD",
	TypeString: "STRING",
}

// AllTypes returns every supported type in declaration order.
func AllTypes() []Type {
	return []Type{TypeBool, TypeByte, TypeChar, TypeWord, TypeLong, TypeDWord, TypeString}
}

// ParseType converts a wire string to a Type. Matching is case-insensitive
// and surrounding whitespace is ignored.
func ParseType(s string) (Type, error) {
	name := strings.ToUpper(strings.TrimSpace(s))
	for t, n := range typeNames {
		if n == name {
			return t, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownType, s)
}

// String returns the wire form of the type.
func (t Type) String() string {
	if n, ok := typeNames[t]; ok {
		return n
	}
	return fmt.Sprintf("Type(%d)", int(t))
}

// Valid reports whether t is one of the supported types.
func (t Type) Valid() bool {
	_, ok := typeNames[t]
	return ok
}

// MarshalText implements encoding.TextMarshaler.
func (t Type) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownType, int(t))
	}
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *Type) UnmarshalText(b []byte) error {
	parsed, err := ParseType(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Normalize validates value for the type and returns its canonical string form.
//
// Canonical forms:
//   - BOOL: "true" or "false" (accepts anything strconv.ParseBool accepts)
//   - BYTE, WORD, DWORD: unsigned decimal within 8, 16 and 32 bits
//   - LONG: signed 32-bit decimal
//   - CHAR: exactly one ASCII character
//   - STRING: unchanged
func (t Type) Normalize(value string) (string, error) {
	native, err := t.Native(value)
	if err != nil {
		return "", err
	}
	return t.Format(native), nil
}

// Native converts a canonical or raw value string to the Go value a backend writes.
func (t Type) Native(value string) (any, error) {
	v := value
	if t != TypeString && t != TypeChar {
		v = strings.TrimSpace(value)
	}

	switch t {
	case TypeBool:
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, invalidValue(t, value)
		}
		return b, nil
	case TypeByte:
		n, err := strconv.ParseUint(v, 10, 8)
		if err != nil {
			return nil, invalidValue(t, value)
		}
		return uint8(n), nil
	case TypeChar:
		if len(v) != 1 || v[0] > 0x7F {
			return nil, invalidValue(t, value)
		}
		return int8(v[0]), nil
	case TypeWord:
		n, err := strconv.ParseUint(v, 10, 16)
		if err != nil {
			return nil, invalidValue(t, value)
		}
		return uint16(n), nil
	case TypeLong:
		n, err := strconv.ParseInt(v, 10, 32)
		if err != nil {
			return nil, invalidValue(t, value)
		}
		return int32(n), nil
	case TypeDWord:
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return nil, invalidValue(t, value)
		}
		return uint32(n), nil
	case TypeString:
		return v, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownType, int(t))
	}
}

// Format renders a backend value as a canonical string for the type.
// Integer values of any width are accepted; values outside the type's
// range are rendered as-is so the caller can still observe them.
func (t Type) Format(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case int8:
		if t == TypeChar {
			return string(rune(uint8(val)))
		}
		return strconv.FormatInt(int64(val), 10)
	case uint8:
		if t == TypeChar {
			return string(rune(val))
		}
		return strconv.FormatUint(uint64(val), 10)
	case int16:
		return strconv.FormatInt(int64(val), 10)
	case uint16:
		return strconv.FormatUint(uint64(val), 10)
	case int32:
		return strconv.FormatInt(int64(val), 10)
	case uint32:
		return strconv.FormatUint(uint64(val), 10)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case uint64:
		return strconv.FormatUint(val, 10)
	case float32:
		return strconv.FormatFloat(float64(val), 'f', -1, 32)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case fmt.Stringer:
		return val.String()
	default:
		return fmt.Sprint(val)
	}
}

func invalidValue(t Type, value string) error {
	return fmt.Errorf("%w: %q is not a valid %s", ErrInvalidValue, value, t)
}

// Definition is one configured item.
type Definition struct {
	Name        string `json:"name"`
	Type        Type   `json:"type"`
	Description string `json:"description,omitempty"`
}

// Validate checks the definition can be served over the wire protocol.
// Names may not contain ':' because the protocol is colon-delimited.
func (d Definition) Validate() error {
	if strings.TrimSpace(d.Name) == "" || strings.Contains(d.Name, ":") {
		return fmt.Errorf("%w: %q", ErrInvalidName, d.Name)
	}
	if !d.Type.Valid() {
		return fmt.Errorf("%w: %d for item %q", ErrUnknownType, int(d.Type), d.Name)
	}
	return nil
}

// Source identifies where a change originated.
type Source string

// Change sources.
const (
	SourceClient   Source = "client"
	SourceOperator Source = "operator"
	SourceBackend  Source = "backend"
	SourceRestore  Source = "restore"
)

// Change is an observed change to an item's value or quality.
type Change struct {
	Name    string    `json:"name"`
	Type    Type      `json:"type"`
	Value   string    `json:"value"`
	Quality Quality   `json:"quality"`
	Source  Source    `json:"source"`
	At      time.Time `json:"at"`
}
