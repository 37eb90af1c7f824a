// Package mqttgw implements the device backend against a field gateway that
// speaks MQTT.
//
// The gateway publishes item values (retained) and executes write commands:
//
//	opcproxy/gateway/{channel}/{device}/value/{item}   gateway -> proxy
//	opcproxy/gateway/{channel}/{device}/command        proxy -> gateway
//	opcproxy/gateway/{channel}/{device}/ack            gateway -> proxy
//
// Value payload:   {"value":"42","quality":"Good"}
// Command payload: {"id":"cmd-1a2b3c4d","item":"tag1","value":"42","type":"WORD"}
// Ack payload:     {"id":"cmd-1a2b3c4d","success":true}
package mqttgw

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/opcproxy/internal/backend"
	"github.com/nerrad567/opcproxy/internal/infrastructure/mqtt"
	"github.com/nerrad567/opcproxy/internal/item"
)

// Kind is the backend type name used in configuration.
const Kind = "mqtt"

// DefaultAckTimeout bounds the wait for a command acknowledgement.
const DefaultAckTimeout = 5 * time.Second

// MQTTClient is the subset of the MQTT client the gateway needs.
type MQTTClient interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topic string) error
}

// ValueMessage is published by the gateway for each item.
type ValueMessage struct {
	Value   string `json:"value"`
	Quality string `json:"quality,omitempty"`
}

// CommandMessage asks the gateway to write an item.
type CommandMessage struct {
	ID    string `json:"id"`
	Item  string `json:"item"`
	Value string `json:"value"`
	Type  string `json:"type"`
}

// AckMessage reports the outcome of a command.
type AckMessage struct {
	ID      string `json:"id"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// Config holds gateway settings.
type Config struct {
	QoS        byte
	AckTimeout time.Duration
}

// Backend talks to a field gateway over MQTT.
//
// Thread Safety: All methods are safe for concurrent use.
type Backend struct {
	client   MQTTClient
	cfg      Config
	settings backend.Settings
	logger   backend.Logger
	topics   mqtt.Topics

	mu        sync.Mutex
	connected bool
	cache     map[string]backend.Reading
	onChange  backend.BulkChangeFunc
	onQuality backend.QualityChangeFunc
	pending   map[string]chan AckMessage
}

// New creates an unconnected gateway backend sharing client.
func New(client MQTTClient, cfg Config, settings backend.Settings, logger backend.Logger) *Backend {
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = DefaultAckTimeout
	}
	if logger == nil {
		logger = backend.NoopLogger{}
	}
	return &Backend{
		client:   client,
		cfg:      cfg,
		settings: settings,
		logger:   logger,
		cache:    make(map[string]backend.Reading),
		pending:  make(map[string]chan AckMessage),
	}
}

// NewFactory returns a backend.Factory producing gateway backends on client.
func NewFactory(client MQTTClient, cfg Config, logger backend.Logger) backend.Factory {
	return func(settings backend.Settings) (backend.Backend, error) {
		if client == nil {
			return nil, fmt.Errorf("%w: mqtt client not available", backend.ErrUnavailable)
		}
		return New(client, cfg, settings, logger), nil
	}
}

// Kind returns "mqtt".
func (b *Backend) Kind() string { return Kind }

func (b *Backend) valueTopics() string {
	return b.topics.AllGatewayValues(b.settings.Channel, b.settings.Device)
}

func (b *Backend) ackTopic() string {
	return b.topics.GatewayAck(b.settings.Channel, b.settings.Device)
}

// Connect subscribes to the gateway's value and ack topics. Retained values
// populate the cache used by ReadValue.
func (b *Backend) Connect(_ context.Context) error {
	b.mu.Lock()
	if b.connected {
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()

	if err := b.client.Subscribe(b.valueTopics(), b.cfg.QoS, b.handleValue); err != nil {
		return fmt.Errorf("%w: subscribing to gateway values: %v", backend.ErrUnavailable, err)
	}
	if err := b.client.Subscribe(b.ackTopic(), b.cfg.QoS, b.handleAck); err != nil {
		_ = b.client.Unsubscribe(b.valueTopics())
		return fmt.Errorf("%w: subscribing to gateway acks: %v", backend.ErrUnavailable, err)
	}

	b.mu.Lock()
	b.connected = true
	b.mu.Unlock()

	b.logger.Info("mqtt gateway backend connected",
		"channel", b.settings.Channel,
		"device", b.settings.Device)
	return nil
}

// ReadValue returns the last value the gateway reported for name.
func (b *Backend) ReadValue(_ context.Context, name string) (backend.Reading, error) {
	if _, err := b.settings.Lookup(name); err != nil {
		return backend.Reading{}, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return backend.Reading{}, backend.ErrNotConnected
	}
	r, ok := b.cache[name]
	if !ok {
		return backend.Reading{}, fmt.Errorf("%w: %q: no value reported yet", backend.ErrReadFailed, name)
	}
	return r, nil
}

// WriteValue publishes a command and waits for its acknowledgement.
func (b *Backend) WriteValue(ctx context.Context, name, value string, typ item.Type) error {
	if _, err := b.settings.Lookup(name); err != nil {
		return err
	}

	return backend.Retry(ctx, b.settings.Retry, func(ctx context.Context) error {
		return b.writeOnce(ctx, name, value, typ)
	})
}

func (b *Backend) writeOnce(ctx context.Context, name, value string, typ item.Type) error {
	cmd := CommandMessage{
		ID:    "cmd-" + uuid.NewString()[:8],
		Item:  name,
		Value: value,
		Type:  typ.String(),
	}
	payload, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("%w: encoding command: %v", backend.ErrWriteFailed, err)
	}

	ackCh := make(chan AckMessage, 1)
	b.mu.Lock()
	if !b.connected {
		b.mu.Unlock()
		return backend.ErrNotConnected
	}
	b.pending[cmd.ID] = ackCh
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.pending, cmd.ID)
		b.mu.Unlock()
	}()

	topic := b.topics.GatewayCommand(b.settings.Channel, b.settings.Device)
	if err := b.client.Publish(topic, payload, b.cfg.QoS, false); err != nil {
		return fmt.Errorf("%w: %q: %v", backend.ErrWriteFailed, name, err)
	}

	timer := time.NewTimer(b.cfg.AckTimeout)
	defer timer.Stop()

	select {
	case ack := <-ackCh:
		if !ack.Success {
			return fmt.Errorf("%w: %q: gateway rejected: %s", backend.ErrWriteFailed, name, ack.Error)
		}
		return nil
	case <-timer.C:
		return fmt.Errorf("%w: %q: no acknowledgement within %s", backend.ErrWriteFailed, name, b.cfg.AckTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe registers push callbacks.
func (b *Backend) Subscribe(_ context.Context, onChange backend.BulkChangeFunc, onQuality backend.QualityChangeFunc) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return backend.ErrNotConnected
	}
	b.onChange = onChange
	b.onQuality = onQuality
	return nil
}

// Close unsubscribes from the gateway topics. The shared MQTT client stays open.
func (b *Backend) Close() error {
	b.mu.Lock()
	if !b.connected {
		b.mu.Unlock()
		return nil
	}
	b.connected = false
	b.onChange = nil
	b.onQuality = nil
	b.mu.Unlock()

	var errs []string
	if err := b.client.Unsubscribe(b.valueTopics()); err != nil {
		errs = append(errs, err.Error())
	}
	if err := b.client.Unsubscribe(b.ackTopic()); err != nil {
		errs = append(errs, err.Error())
	}
	if len(errs) > 0 {
		return fmt.Errorf("closing mqtt gateway backend: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (b *Backend) handleValue(topic string, payload []byte) error {
	name := topic[strings.LastIndex(topic, "/")+1:]
	def, err := b.settings.Lookup(name)
	if err != nil {
		return nil //nolint:nilerr // values for unconfigured items are ignored
	}

	var msg ValueMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return fmt.Errorf("decoding gateway value for %q: %w", name, err)
	}

	// Invalid values are dropped; the returned error is logged by the
	// mqtt client and the cached reading is kept.
	value, err := def.Type.Normalize(msg.Value)
	if err != nil {
		return fmt.Errorf("gateway value for %q dropped: %w", name, err)
	}

	quality := item.QualityGood
	if msg.Quality != "" {
		q, err := item.ParseQuality(msg.Quality)
		if err != nil {
			return fmt.Errorf("gateway value for %q: %w", name, err)
		}
		quality = q
	}

	b.mu.Lock()
	prev, seen := b.cache[name]
	b.cache[name] = backend.Reading{Value: value, Quality: quality}
	onChange, onQuality := b.onChange, b.onQuality
	b.mu.Unlock()

	if onQuality != nil && (!seen || prev.Quality != quality) {
		onQuality(name, quality)
	}
	if onChange != nil {
		onChange(map[string]string{name: value})
	}
	return nil
}

func (b *Backend) handleAck(_ string, payload []byte) error {
	var ack AckMessage
	if err := json.Unmarshal(payload, &ack); err != nil {
		return fmt.Errorf("decoding gateway ack: %w", err)
	}

	b.mu.Lock()
	ch, ok := b.pending[ack.ID]
	b.mu.Unlock()

	if ok {
		select {
		case ch <- ack:
		default:
		}
	}
	return nil
}

var _ backend.Backend = (*Backend)(nil)
