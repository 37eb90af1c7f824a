package item

import (
	"fmt"
	"strings"
)

// Quality is an OPC DA quality code. The wire form is the quality name.
type Quality uint8

// Quality codes. QualityGood is the default for freshly loaded items.
const (
	QualityBad           Quality = 0x00
	QualityConfigError   Quality = 0x04
	QualityNotConnected  Quality = 0x08
	QualityDeviceFailure Quality = 0x0C
	QualitySensorFailure Quality = 0x10
	QualityLastKnown     Quality = 0x14
	QualityCommFailure   Quality = 0x18
	QualityOutOfService  Quality = 0x1C
	QualityUncertain     Quality = 0x40
	QualityLastUsable    Quality = 0x44
	QualitySensorCal     Quality = 0x50
	QualityEGUExceeded   Quality = 0x54
	QualitySubNormal     Quality = 0x58
	QualityGood          Quality = 0xC0
	QualityLocalOverride Quality = 0xD8
)

var qualityNames = map[Quality]string{
	QualityBad:           "Bad",
	QualityConfigError:   "ConfigError",
	QualityNotConnected:  "NotConnected",
	QualityDeviceFailure: "DeviceFailure",
	QualitySensorFailure: "SensorFailure",
	QualityLastKnown:     "LastKnown",
	QualityCommFailure:   "CommFailure",
	QualityOutOfService:  "OutOfService",
	QualityUncertain:     "Uncertain",
	QualityLastUsable:    "LastUsable",
	QualitySensorCal:     "SensorCal",
	QualityEGUExceeded:   "EGUExceeded",
	QualitySubNormal:     "SubNormal",
	QualityGood:          "Good",
	QualityLocalOverride: "LocalOverride",
}

// ParseQuality converts a wire name to a Quality. Matching is case-insensitive.
func ParseQuality(s string) (Quality, error) {
	name := strings.TrimSpace(s)
	for q, n := range qualityNames {
		if strings.EqualFold(n, name) {
			return q, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownQuality, s)
}

// QualityFromCode converts a numeric quality code to a Quality.
func QualityFromCode(code int) (Quality, error) {
	if code < 0 || code > 0xFF {
		return 0, fmt.Errorf("%w: code %d", ErrUnknownQuality, code)
	}
	q := Quality(code)
	if !q.Valid() {
		return 0, fmt.Errorf("%w: code 0x%02X", ErrUnknownQuality, code)
	}
	return q, nil
}

// Valid reports whether q is one of the enumerated codes.
func (q Quality) Valid() bool {
	_, ok := qualityNames[q]
	return ok
}

// String returns the wire form of the quality.
func (q Quality) String() string {
	if n, ok := qualityNames[q]; ok {
		return n
	}
	return fmt.Sprintf("Quality(0x%02X)", uint8(q))
}

// IsGood reports whether the quality is in the good range (Good or LocalOverride).
func (q Quality) IsGood() bool {
	return q&0xC0 == 0xC0
}

// MarshalText implements encoding.TextMarshaler.
func (q Quality) MarshalText() ([]byte, error) {
	if !q.Valid() {
		return nil, fmt.Errorf("%w: code 0x%02X", ErrUnknownQuality, uint8(q))
	}
	return []byte(q.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (q *Quality) UnmarshalText(b []byte) error {
	parsed, err := ParseQuality(string(b))
	if err != nil {
		return err
	}
	*q = parsed
	return nil
}
