package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/opcproxy/internal/backend"
	"github.com/nerrad567/opcproxy/internal/item"
	"github.com/nerrad567/opcproxy/internal/journal"
	"github.com/nerrad567/opcproxy/internal/persistence"
	"github.com/nerrad567/opcproxy/internal/store"
)

// Profile is the reloadable part of the configuration.
type Profile struct {
	// Settings address the backend and list the enabled items.
	Settings backend.Settings

	// Factory creates the backend for Settings.
	Factory backend.Factory

	// PersistencePath is the snapshot file. Empty disables persistence.
	PersistencePath string
}

// Journal records write attempts.
type Journal interface {
	Record(ctx context.Context, e *journal.Entry) error
}

// Options configures a Dispatcher.
type Options struct {
	// Store is the value store shared with the sessions. Required.
	Store *store.Store

	Logger  Logger
	Metrics Metrics

	// Journal, when set, records every client, operator and restore write.
	Journal Journal

	// Now overrides time.Now.
	Now func() time.Time
}

// Dispatcher routes writes to the backend and backend pushes to the store.
type Dispatcher struct {
	store   *store.Store
	logger  Logger
	metrics Metrics
	journal Journal
	now     clock

	// reloadMu is held exclusively during a generation load and shared by writes.
	reloadMu sync.RWMutex

	// backendMu serializes ReadValue/WriteValue on the backend.
	backendMu sync.Mutex

	// persistMu serializes snapshot saves.
	persistMu sync.Mutex

	mu        sync.RWMutex
	backend   backend.Backend
	profile   Profile
	observers []Observer
	sessions  SessionSource
	startedAt time.Time
}

// New creates a Dispatcher. Call LoadGeneration before serving clients.
func New(opts Options) (*Dispatcher, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("dispatch: store is required")
	}
	if opts.Logger == nil {
		opts.Logger = noopLogger{}
	}
	if opts.Metrics == nil {
		opts.Metrics = noopMetrics{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Dispatcher{
		store:     opts.Store,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
		journal:   opts.Journal,
		now:       opts.Now,
		startedAt: opts.Now(),
	}, nil
}

// AddObserver registers o for every subsequent change.
func (d *Dispatcher) AddObserver(o Observer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.observers = append(d.observers, o)
}

func (d *Dispatcher) notify(ch item.Change) {
	d.mu.RLock()
	observers := d.observers
	d.mu.RUnlock()

	for _, o := range observers {
		o.ItemChanged(ch)
	}
}

func (d *Dispatcher) currentBackend() (backend.Backend, Profile) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.backend, d.profile
}

// HandleClientWrite forwards a write to the backend and commits it to the
// store when the backend accepts it.
//
// The item's configured type applies; typ is what the client claimed and
// is only logged when it differs. On backend failure the store is left
// unchanged.
//
// Returns:
//   - error: wrapping store.ErrUnknownItem for names outside the current
//     generation, ErrInvalidValue, ErrBackendUnavailable or
//     ErrBackendWriteFailed otherwise
func (d *Dispatcher) HandleClientWrite(ctx context.Context, name, value string, typ item.Type, source item.Source) error {
	d.reloadMu.RLock()
	defer d.reloadMu.RUnlock()

	current, err := d.store.Get(name)
	if err != nil {
		d.logger.Warn("write to unconfigured item rejected", "item", name, "source", source)
		return err
	}
	if typ != current.Type {
		d.logger.Debug("client type differs from configured type",
			"item", name, "client_type", typ, "configured_type", current.Type)
	}

	canonical, err := current.Type.Normalize(value)
	if err != nil {
		d.logger.Warn("write value rejected", "item", name, "value", value, "type", current.Type, "error", err)
		d.record(ctx, name, current.Type, value, source, err)
		return fmt.Errorf("%w: %w", ErrInvalidValue, err)
	}

	b, profile := d.currentBackend()
	if b == nil {
		d.record(ctx, name, current.Type, canonical, source, ErrBackendUnavailable)
		return ErrBackendUnavailable
	}

	d.backendMu.Lock()
	err = b.WriteValue(ctx, name, canonical, current.Type)
	d.backendMu.Unlock()

	d.metrics.BackendWrite(err == nil)
	d.record(ctx, name, current.Type, canonical, source, err)
	if err != nil {
		d.logger.Error("backend write failed, change discarded", "item", name, "value", canonical, "error", err)
		return fmt.Errorf("%w: %q: %w", ErrBackendWriteFailed, name, err)
	}

	now := d.now()
	if err := d.store.SetValue(name, canonical, current.Quality, now); err != nil {
		return err
	}
	d.store.IncrementWrite(name)
	d.logger.Info("item written", "item", name, "value", canonical, "source", source)

	d.notify(item.Change{
		Name: name, Type: current.Type, Value: canonical,
		Quality: current.Quality, Source: source, At: now,
	})
	d.persist(profile.PersistencePath)
	return nil
}

// HandleBackendPush applies a batch of backend values. Only values that
// differ from the stored value are committed; unknown names are ignored.
func (d *Dispatcher) HandleBackendPush(values map[string]string) {
	now := d.now()
	changed := 0

	for name, value := range values {
		ok, err := d.store.SetSynced(name, value, now)
		if err != nil {
			d.logger.Debug("push for unconfigured item ignored", "item", name)
			continue
		}
		if !ok {
			continue
		}
		changed++

		r, err := d.store.Get(name)
		if err != nil {
			continue
		}
		d.notify(item.Change{
			Name: name, Type: r.Type, Value: value,
			Quality: r.Quality, Source: item.SourceBackend, At: now,
		})
	}

	if changed == 0 {
		return
	}
	d.metrics.BackendPush(changed)
	d.logger.Debug("backend values applied", "changed", changed, "received", len(values))

	_, profile := d.currentBackend()
	d.persist(profile.PersistencePath)
}

// HandleBackendQualityChange updates only the quality of an item.
func (d *Dispatcher) HandleBackendQualityChange(name string, quality item.Quality) {
	if err := d.store.SetQuality(name, quality); err != nil {
		d.logger.Debug("quality change ignored", "item", name, "quality", quality, "error", err)
		return
	}

	r, err := d.store.Get(name)
	if err != nil {
		return
	}
	d.logger.Info("item quality changed", "item", name, "quality", quality)
	d.notify(item.Change{
		Name: name, Type: r.Type, Value: r.Value,
		Quality: quality, Source: item.SourceBackend, At: d.now(),
	})
}

// record writes a journal entry. Failures are logged.
func (d *Dispatcher) record(ctx context.Context, name string, typ item.Type, value string, source item.Source, writeErr error) {
	if d.journal == nil {
		return
	}

	e := &journal.Entry{
		Item:    name,
		Type:    typ,
		Value:   value,
		Source:  source,
		Success: writeErr == nil,
	}
	if writeErr != nil {
		e.Error = writeErr.Error()
	}
	if err := d.journal.Record(context.WithoutCancel(ctx), e); err != nil {
		d.logger.Warn("journal record failed", "item", name, "error", err)
	}
}

// persist saves the store to path. An empty path means persistence is off.
func (d *Dispatcher) persist(path string) {
	if path == "" {
		return
	}

	d.persistMu.Lock()
	defer d.persistMu.Unlock()

	if err := persistence.Save(path, d.store.Snapshot()); err != nil {
		d.logger.Error("snapshot save failed", "path", path, "error", err)
	}
}

// Close closes the backend of the current generation.
func (d *Dispatcher) Close() error {
	d.reloadMu.Lock()
	defer d.reloadMu.Unlock()

	d.mu.Lock()
	b := d.backend
	d.backend = nil
	d.mu.Unlock()

	if b == nil {
		return nil
	}
	if err := b.Close(); err != nil && !errors.Is(err, backend.ErrNotConnected) {
		return fmt.Errorf("closing backend: %w", err)
	}
	return nil
}
