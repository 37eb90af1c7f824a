// Package backend defines the capability interface the proxy core uses to
// talk to the industrial data source, plus helpers shared by adapters.
//
// Adapters live in sub-packages:
//
//   - opcua: OPC UA server via github.com/gopcua/opcua
//   - mqttgw: field gateway speaking MQTT
//   - simulated: in-memory backend for commissioning and development
//
// The core never retries writes itself. Each adapter applies a bounded
// RetryPolicy inside WriteValue.
package backend

import (
	"context"
	"fmt"
	"time"

	"github.com/nerrad567/opcproxy/internal/item"
)

// Reading is a value read from the backend.
type Reading struct {
	Value   string
	Quality item.Quality
}

// BulkChangeFunc receives a batch of changed values keyed by item name.
type BulkChangeFunc func(values map[string]string)

// QualityChangeFunc receives a quality change for one item.
type QualityChangeFunc func(name string, quality item.Quality)

// Backend is the device backend capability.
//
// Implementations are not required to support concurrent calls; the
// dispatcher serializes ReadValue and WriteValue.
type Backend interface {
	// Kind returns the adapter name, e.g. "opcua".
	Kind() string

	// Connect opens the backend connection.
	Connect(ctx context.Context) error

	// ReadValue reads the current value of a configured item.
	ReadValue(ctx context.Context, name string) (Reading, error)

	// WriteValue writes a value, retrying internally within its policy.
	WriteValue(ctx context.Context, name, value string, typ item.Type) error

	// Subscribe registers push callbacks for all configured items.
	Subscribe(ctx context.Context, onChange BulkChangeFunc, onQuality QualityChangeFunc) error

	// Close releases the connection. It is safe to call more than once.
	Close() error
}

// Settings carries what every adapter needs to address items.
type Settings struct {
	// Server is the backend server identifier (OPC server name or broker-side gateway id).
	Server string

	// Host is the machine running the backend server.
	Host string

	// Channel and Device locate items on the server: <channel>.<device>.<item>.
	Channel string
	Device  string

	// Items are the configured items of the current generation.
	Items []item.Definition

	// Retry bounds write attempts.
	Retry RetryPolicy
}

// ItemPath returns the dotted address of an item, e.g. "Channel1.Device1.tag1".
func (s Settings) ItemPath(name string) string {
	path := name
	if s.Device != "" {
		path = s.Device + "." + path
	}
	if s.Channel != "" {
		path = s.Channel + "." + path
	}
	return path
}

// Lookup returns the configured definition for name.
func (s Settings) Lookup(name string) (item.Definition, error) {
	for _, d := range s.Items {
		if d.Name == name {
			return d, nil
		}
	}
	return item.Definition{}, fmt.Errorf("%w: %q", ErrUnknownItem, name)
}

// Factory creates an unconnected Backend for a configuration generation.
type Factory func(settings Settings) (Backend, error)

// Logger is the logging interface used by adapters.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// NoopLogger discards everything.
type NoopLogger struct{}

func (NoopLogger) Debug(string, ...any) {}
func (NoopLogger) Info(string, ...any)  {}
func (NoopLogger) Warn(string, ...any)  {}
func (NoopLogger) Error(string, ...any) {}

// DefaultTimeout bounds a single backend operation when the caller's
// context has no deadline.
const DefaultTimeout = 10 * time.Second
