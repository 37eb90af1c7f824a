// Package item defines the domain leaf types shared by every OPC Proxy
// component: item types, quality codes, configured item definitions and
// change events.
//
// # Key Types
//
//   - Type: closed enumeration of register types (BOOL, BYTE, CHAR, WORD,
//     LONG, DWORD, STRING) with canonical value formatting
//   - Quality: closed enumeration of OPC DA quality codes, wire form is the name
//   - Definition: one configured item (name, type, description)
//   - Change: an observed change to an item, fanned out to notification sinks
//
// # Wire Mapping
//
// Both enumerations have a total mapping to and from their wire strings.
// Unrecognised strings are rejected with ErrUnknownType or ErrUnknownQuality,
// never coerced to a default.
//
//	t, err := item.ParseType("WORD")
//	v, err := t.Normalize("00042") // "42"
//	q, err := item.ParseQuality("CommFailure")
package item
