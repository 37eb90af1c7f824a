// Package opcua implements the device backend over OPC UA using
// github.com/gopcua/opcua.
//
// Items are addressed as string node ids in a configured namespace:
//
//	ns=<namespace>;s=<channel>.<device>.<item>
//
// Value pushes arrive through one subscription with a monitored item per
// configured item. OPC UA status codes are mapped onto OPC DA qualities.
package opcua

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gopcua/opcua"
	"github.com/gopcua/opcua/ua"

	"github.com/nerrad567/opcproxy/internal/backend"
	"github.com/nerrad567/opcproxy/internal/item"
)

// Kind is the backend type name used in configuration.
const Kind = "opcua"

// Defaults.
const (
	DefaultPort            = 4840
	DefaultPublishInterval = 500 * time.Millisecond
	defaultApplicationName = "OPC Proxy"
	closeTimeout           = 5 * time.Second
)

// Config holds the OPC UA connection settings.
type Config struct {
	Endpoint        string
	Namespace       uint16
	SecurityMode    string
	SecurityPolicy  string
	ApplicationName string
	Username        string
	Password        string
	PublishInterval time.Duration
}

// ApplyDefaults fills unset fields. An empty endpoint is derived from host.
func (c *Config) ApplyDefaults(host string) {
	if c.Endpoint == "" {
		if host == "" {
			host = "localhost"
		}
		c.Endpoint = fmt.Sprintf("opc.tcp://%s:%d", host, DefaultPort)
	}
	if c.SecurityMode == "" {
		c.SecurityMode = "None"
	}
	if c.SecurityPolicy == "" {
		c.SecurityPolicy = "None"
	}
	if c.ApplicationName == "" {
		c.ApplicationName = defaultApplicationName
	}
	if c.PublishInterval <= 0 {
		c.PublishInterval = DefaultPublishInterval
	}
}

// Backend is an OPC UA device backend.
//
// Thread Safety: All methods are safe for concurrent use. Reads and writes
// are expected to be serialized by the caller.
type Backend struct {
	cfg      Config
	settings backend.Settings
	logger   backend.Logger

	nodes map[string]*ua.NodeID

	mu     sync.Mutex
	client *opcua.Client
	sub    *opcua.Subscription
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an unconnected backend. Node ids are resolved eagerly so a
// malformed item path fails at configuration time.
func New(cfg Config, settings backend.Settings, logger backend.Logger) (*Backend, error) {
	cfg.ApplyDefaults(settings.Host)
	if logger == nil {
		logger = backend.NoopLogger{}
	}

	nodes := make(map[string]*ua.NodeID, len(settings.Items))
	for _, d := range settings.Items {
		id, err := ua.ParseNodeID(NodeID(cfg.Namespace, settings.ItemPath(d.Name)))
		if err != nil {
			return nil, fmt.Errorf("node id for %q: %w", d.Name, err)
		}
		nodes[d.Name] = id
	}

	return &Backend{
		cfg:      cfg,
		settings: settings,
		logger:   logger,
		nodes:    nodes,
	}, nil
}

// NewFactory returns a backend.Factory producing OPC UA backends with cfg.
func NewFactory(cfg Config, logger backend.Logger) backend.Factory {
	return func(settings backend.Settings) (backend.Backend, error) {
		return New(cfg, settings, logger)
	}
}

// NodeID builds the string node id of an item path.
func NodeID(namespace uint16, path string) string {
	return fmt.Sprintf("ns=%d;s=%s", namespace, path)
}

// Kind returns "opcua".
func (b *Backend) Kind() string { return Kind }

// Connect opens the OPC UA session.
func (b *Backend) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.client != nil {
		return nil
	}

	client, err := opcua.NewClient(b.cfg.Endpoint, b.clientOptions()...)
	if err != nil {
		return fmt.Errorf("%w: %v", backend.ErrUnavailable, err)
	}
	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("%w: connecting to %s: %v", backend.ErrUnavailable, b.cfg.Endpoint, err)
	}

	b.client = client
	b.logger.Info("opc ua backend connected", "endpoint", b.cfg.Endpoint, "items", len(b.nodes))
	return nil
}

func (b *Backend) clientOptions() []opcua.Option {
	opts := []opcua.Option{
		opcua.SecurityModeString(normalizeSecurityMode(b.cfg.SecurityMode)),
		opcua.SecurityPolicy(b.cfg.SecurityPolicy),
		opcua.ApplicationName(b.cfg.ApplicationName),
		opcua.AutoReconnect(true),
	}
	if b.cfg.Username != "" {
		opts = append(opts, opcua.AuthUsername(b.cfg.Username, b.cfg.Password))
	} else {
		opts = append(opts, opcua.AuthAnonymous())
	}
	return opts
}

func (b *Backend) connectedClient() (*opcua.Client, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.client == nil {
		return nil, backend.ErrNotConnected
	}
	return b.client, nil
}

func (b *Backend) lookup(name string) (item.Definition, *ua.NodeID, error) {
	def, err := b.settings.Lookup(name)
	if err != nil {
		return item.Definition{}, nil, err
	}
	return def, b.nodes[name], nil
}

// ReadValue reads the Value attribute of an item's node.
func (b *Backend) ReadValue(ctx context.Context, name string) (backend.Reading, error) {
	def, node, err := b.lookup(name)
	if err != nil {
		return backend.Reading{}, err
	}
	client, err := b.connectedClient()
	if err != nil {
		return backend.Reading{}, err
	}

	resp, err := client.Read(ctx, &ua.ReadRequest{
		NodesToRead:        []*ua.ReadValueID{{NodeID: node, AttributeID: ua.AttributeIDValue}},
		TimestampsToReturn: ua.TimestampsToReturnBoth,
	})
	if err != nil {
		return backend.Reading{}, fmt.Errorf("%w: %q: %v", backend.ErrReadFailed, name, err)
	}
	if len(resp.Results) == 0 {
		return backend.Reading{}, fmt.Errorf("%w: %q: empty result", backend.ErrReadFailed, name)
	}
	return readingFromDataValue(def.Type, resp.Results[0]), nil
}

// WriteValue writes value to an item's node with bounded retry.
func (b *Backend) WriteValue(ctx context.Context, name, value string, typ item.Type) error {
	_, node, err := b.lookup(name)
	if err != nil {
		return err
	}
	native, err := typ.Native(value)
	if err != nil {
		return fmt.Errorf("%w: %v", backend.ErrWriteFailed, err)
	}
	variant, err := ua.NewVariant(native)
	if err != nil {
		return fmt.Errorf("%w: encoding %q: %v", backend.ErrWriteFailed, name, err)
	}

	req := &ua.WriteRequest{
		NodesToWrite: []*ua.WriteValue{{
			NodeID:      node,
			AttributeID: ua.AttributeIDValue,
			Value: &ua.DataValue{
				EncodingMask: ua.DataValueValue,
				Value:        variant,
			},
		}},
	}

	return backend.Retry(ctx, b.settings.Retry, func(ctx context.Context) error {
		client, err := b.connectedClient()
		if err != nil {
			return err
		}
		resp, err := client.Write(ctx, req)
		if err != nil {
			return fmt.Errorf("%w: %q: %v", backend.ErrWriteFailed, name, err)
		}
		if len(resp.Results) == 0 {
			return fmt.Errorf("%w: %q: empty result", backend.ErrWriteFailed, name)
		}
		if status := resp.Results[0]; status != ua.StatusOK {
			return fmt.Errorf("%w: %q: %s", backend.ErrWriteFailed, name, status)
		}
		return nil
	})
}

// Subscribe creates one subscription monitoring every configured item and
// starts forwarding notifications.
func (b *Backend) Subscribe(ctx context.Context, onChange backend.BulkChangeFunc, onQuality backend.QualityChangeFunc) error {
	client, err := b.connectedClient()
	if err != nil {
		return err
	}

	notifyCh := make(chan *opcua.PublishNotificationData, len(b.nodes)*4+1)
	sub, err := client.Subscribe(ctx, &opcua.SubscriptionParameters{Interval: b.cfg.PublishInterval}, notifyCh)
	if err != nil {
		return fmt.Errorf("opcua subscribe: %w", err)
	}

	handles := make(map[uint32]item.Definition, len(b.settings.Items))
	for i, d := range b.settings.Items {
		handle := uint32(i + 1)
		req := opcua.NewMonitoredItemCreateRequestWithDefaults(b.nodes[d.Name], ua.AttributeIDValue, handle)
		res, err := sub.Monitor(ctx, ua.TimestampsToReturnBoth, req)
		if err != nil {
			_ = sub.Cancel(ctx)
			return fmt.Errorf("monitor %q: %w", d.Name, err)
		}
		if len(res.Results) == 0 || res.Results[0].StatusCode != ua.StatusOK {
			// The item stays served from the store; its quality reflects the failure.
			status := ua.StatusBadNodeIDUnknown
			if len(res.Results) > 0 {
				status = res.Results[0].StatusCode
			}
			b.logger.Warn("opc ua item not monitored", "item", d.Name, "status", status.Error())
			if onQuality != nil {
				onQuality(d.Name, QualityFromStatus(status))
			}
			continue
		}
		handles[handle] = d
	}

	consumeCtx, cancel := context.WithCancel(context.Background())

	b.mu.Lock()
	b.sub = sub
	b.cancel = cancel
	b.mu.Unlock()

	b.wg.Add(1)
	go b.consume(consumeCtx, notifyCh, handles, onChange, onQuality)
	return nil
}

func (b *Backend) consume(ctx context.Context, ch <-chan *opcua.PublishNotificationData,
	handles map[uint32]item.Definition, onChange backend.BulkChangeFunc, onQuality backend.QualityChangeFunc) {
	defer b.wg.Done()

	last := make(map[string]item.Quality, len(handles))
	for {
		select {
		case <-ctx.Done():
			return
		case notif := <-ch:
			if notif == nil {
				continue
			}
			if notif.Error != nil {
				b.logger.Warn("opc ua notification error", "error", notif.Error)
				continue
			}
			data, ok := notif.Value.(*ua.DataChangeNotification)
			if !ok {
				continue
			}

			values := make(map[string]string, len(data.MonitoredItems))
			for _, mi := range data.MonitoredItems {
				def, ok := handles[mi.ClientHandle]
				if !ok || mi.Value == nil {
					continue
				}
				r := readingFromDataValue(def.Type, mi.Value)
				if q, seen := last[def.Name]; !seen || q != r.Quality {
					last[def.Name] = r.Quality
					if onQuality != nil {
						onQuality(def.Name, r.Quality)
					}
				}
				if mi.Value.Value != nil {
					values[def.Name] = r.Value
				}
			}
			if len(values) > 0 && onChange != nil {
				onChange(values)
			}
		}
	}
}

// Close cancels the subscription and closes the session.
func (b *Backend) Close() error {
	b.mu.Lock()
	client, sub, cancel := b.client, b.sub, b.cancel
	b.client, b.sub, b.cancel = nil, nil, nil
	b.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	ctx, ctxCancel := context.WithTimeout(context.Background(), closeTimeout)
	defer ctxCancel()

	var err error
	if sub != nil {
		if e := sub.Cancel(ctx); e != nil && !errors.Is(e, context.Canceled) {
			err = errors.Join(err, e)
		}
	}
	if client != nil {
		if e := client.Close(ctx); e != nil && !errors.Is(e, context.Canceled) {
			err = errors.Join(err, e)
		}
	}

	b.wg.Wait()
	return err
}

func readingFromDataValue(typ item.Type, dv *ua.DataValue) backend.Reading {
	r := backend.Reading{Quality: QualityFromStatus(dv.Status)}
	if dv.Value != nil {
		r.Value = typ.Format(dv.Value.Value())
	}
	return r
}

// QualityFromStatus maps an OPC UA status code to an OPC DA quality.
// Codes without a specific mapping fall back on their severity bits.
func QualityFromStatus(status ua.StatusCode) item.Quality {
	switch status {
	case ua.StatusOK:
		return item.QualityGood
	case ua.StatusGoodLocalOverride:
		return item.QualityLocalOverride
	case ua.StatusBadConfigurationError:
		return item.QualityConfigError
	case ua.StatusBadNotConnected:
		return item.QualityNotConnected
	case ua.StatusBadDeviceFailure:
		return item.QualityDeviceFailure
	case ua.StatusBadSensorFailure:
		return item.QualitySensorFailure
	case ua.StatusBadCommunicationError:
		return item.QualityCommFailure
	case ua.StatusBadOutOfService:
		return item.QualityOutOfService
	case ua.StatusUncertainNoCommunicationLastUsableValue:
		return item.QualityLastKnown
	case ua.StatusUncertainLastUsableValue:
		return item.QualityLastUsable
	case ua.StatusUncertainSensorNotAccurate:
		return item.QualitySensorCal
	case ua.StatusUncertainEngineeringUnitsExceeded:
		return item.QualityEGUExceeded
	case ua.StatusUncertainSubNormal:
		return item.QualitySubNormal
	}

	switch uint32(status) & 0xC0000000 {
	case 0x00000000:
		return item.QualityGood
	case 0x40000000:
		return item.QualityUncertain
	default:
		return item.QualityBad
	}
}

func normalizeSecurityMode(mode string) string {
	switch strings.ToLower(mode) {
	case "sign":
		return "Sign"
	case "signandencrypt", "signencrypt", "sign_and_encrypt", "sign+encrypt":
		return "SignAndEncrypt"
	default:
		return "None"
	}
}

var _ backend.Backend = (*Backend)(nil)
