// Package simulated provides an in-memory device backend.
//
// It accepts every write of a well-formed value and echoes it back as a
// push, which makes it useful for commissioning client software without
// plant access. Inject lets tests and operators simulate field changes.
package simulated

import (
	"context"
	"fmt"
	"sync"

	"github.com/nerrad567/opcproxy/internal/backend"
	"github.com/nerrad567/opcproxy/internal/item"
)

// Kind is the backend type name used in configuration.
const Kind = "simulated"

const pushBuffer = 256

type push struct {
	values  map[string]string
	name    string
	quality item.Quality
	isValue bool
}

// Backend is an in-memory backend.
//
// Thread Safety: All methods are safe for concurrent use.
type Backend struct {
	settings backend.Settings

	mu        sync.Mutex
	values    map[string]backend.Reading
	connected bool
	onChange  backend.BulkChangeFunc
	onQuality backend.QualityChangeFunc
	rejects   map[string]error

	pushes    chan push
	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New creates a simulated backend for the given settings.
func New(settings backend.Settings) *Backend {
	values := make(map[string]backend.Reading, len(settings.Items))
	for _, d := range settings.Items {
		values[d.Name] = backend.Reading{Value: zeroValue(d.Type), Quality: item.QualityGood}
	}
	return &Backend{
		settings: settings,
		values:   values,
		rejects:  make(map[string]error),
		pushes:   make(chan push, pushBuffer),
		done:     make(chan struct{}),
	}
}

// Factory adapts New to backend.Factory.
func Factory(settings backend.Settings) (backend.Backend, error) {
	return New(settings), nil
}

// Kind returns "simulated".
func (b *Backend) Kind() string { return Kind }

// Connect starts push delivery.
func (b *Backend) Connect(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.connected {
		return nil
	}
	select {
	case <-b.done:
		return fmt.Errorf("%w: backend closed", backend.ErrNotConnected)
	default:
	}

	b.connected = true
	b.wg.Add(1)
	go b.deliver()
	return nil
}

// ReadValue returns the simulated value of an item.
func (b *Backend) ReadValue(_ context.Context, name string) (backend.Reading, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.connected {
		return backend.Reading{}, backend.ErrNotConnected
	}
	r, ok := b.values[name]
	if !ok {
		return backend.Reading{}, fmt.Errorf("%w: %q", backend.ErrUnknownItem, name)
	}
	return r, nil
}

// WriteValue normalizes value as typ, stores it and echoes it back as a
// push. typ may differ from the configured type after a snapshot restore;
// the value is kept in the type it was written with.
func (b *Backend) WriteValue(ctx context.Context, name, value string, typ item.Type) error {
	if _, err := b.settings.Lookup(name); err != nil {
		return err
	}
	canonical, err := typ.Normalize(value)
	if err != nil {
		return fmt.Errorf("%w: %v", backend.ErrWriteFailed, err)
	}

	return backend.Retry(ctx, b.settings.Retry, func(context.Context) error {
		b.mu.Lock()
		if !b.connected {
			b.mu.Unlock()
			return backend.ErrNotConnected
		}
		if rejectErr, ok := b.rejects[name]; ok {
			b.mu.Unlock()
			return fmt.Errorf("%w: %v", backend.ErrWriteFailed, rejectErr)
		}
		r := b.values[name]
		r.Value = canonical
		b.values[name] = r
		b.mu.Unlock()

		b.enqueue(push{values: map[string]string{name: canonical}, isValue: true})
		return nil
	})
}

// Subscribe registers the push callbacks. Later calls replace earlier ones.
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

// Close stops push delivery. Pending pushes are dropped.
func (b *Backend) Close() error {
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.connected = false
		b.mu.Unlock()
		close(b.done)
		b.wg.Wait()
	})
	return nil
}

// Inject simulates a field-side value change pushed to subscribers.
func (b *Backend) Inject(values map[string]string) {
	b.mu.Lock()
	accepted := make(map[string]string, len(values))
	for name, v := range values {
		if r, ok := b.values[name]; ok {
			r.Value = v
			b.values[name] = r
			accepted[name] = v
		}
	}
	connected := b.connected
	b.mu.Unlock()

	if connected && len(accepted) > 0 {
		b.enqueue(push{values: accepted, isValue: true})
	}
}

// InjectQuality simulates a quality change pushed to subscribers.
func (b *Backend) InjectQuality(name string, quality item.Quality) {
	b.mu.Lock()
	r, ok := b.values[name]
	if ok {
		r.Quality = quality
		b.values[name] = r
	}
	connected := b.connected
	b.mu.Unlock()

	if connected && ok {
		b.enqueue(push{name: name, quality: quality})
	}
}

// Reject makes every write to name fail with err until cleared with a nil err.
func (b *Backend) Reject(name string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		delete(b.rejects, name)
		return
	}
	b.rejects[name] = err
}

func (b *Backend) enqueue(p push) {
	select {
	case b.pushes <- p:
	case <-b.done:
	}
}

func (b *Backend) deliver() {
	defer b.wg.Done()
	for {
		select {
		case <-b.done:
			return
		case p := <-b.pushes:
			b.mu.Lock()
			onChange, onQuality := b.onChange, b.onQuality
			b.mu.Unlock()

			if p.isValue && onChange != nil {
				onChange(p.values)
			} else if !p.isValue && onQuality != nil {
				onQuality(p.name, p.quality)
			}
		}
	}
}

func zeroValue(t item.Type) string {
	switch t {
	case item.TypeBool:
		return "false"
	case item.TypeChar, item.TypeString:
		return ""
	default:
		return "0"
	}
}

var _ backend.Backend = (*Backend)(nil)
