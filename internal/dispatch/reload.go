package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"

	"github.com/nerrad567/opcproxy/internal/backend"
	"github.com/nerrad567/opcproxy/internal/item"
	"github.com/nerrad567/opcproxy/internal/persistence"
	"github.com/nerrad567/opcproxy/internal/store"
)

// LoadGeneration performs the first configuration load.
//
// A BackendUnavailable error is fatal at startup: no generation is served.
func (d *Dispatcher) LoadGeneration(ctx context.Context, profile Profile) error {
	return d.load(ctx, profile)
}

// ReloadConfiguration replaces the running generation.
//
// The old backend is closed, the new one created and connected, the store
// generation swapped, the snapshot restored (when persistence is enabled)
// and initial values seeded from the backend. Client writes block until it
// returns.
//
// If the new backend cannot be created or connected the previous item set
// stays in the store without a backend and writes fail with
// ErrBackendUnavailable until a later reload succeeds.
func (d *Dispatcher) ReloadConfiguration(ctx context.Context, profile Profile) error {
	return d.load(ctx, profile)
}

func (d *Dispatcher) load(ctx context.Context, profile Profile) error {
	if err := validateProfile(profile); err != nil {
		d.metrics.GenerationLoaded(false, 0)
		return err
	}

	d.reloadMu.Lock()
	defer d.reloadMu.Unlock()

	d.mu.Lock()
	old := d.backend
	d.backend = nil
	d.mu.Unlock()

	if old != nil {
		d.logger.Info("closing backend for reload", "kind", old.Kind())
		if err := old.Close(); err != nil {
			d.logger.Warn("closing previous backend failed", "kind", old.Kind(), "error", err)
		}
	}

	b, err := d.connect(ctx, profile)
	if err != nil {
		d.metrics.GenerationLoaded(false, 0)
		return err
	}

	generation := d.store.ReplaceGeneration(profile.Settings.Items)

	d.mu.Lock()
	d.backend = b
	d.profile = profile
	d.mu.Unlock()

	restored := d.restore(ctx, b, profile.PersistencePath)

	if err := b.Subscribe(ctx, d.HandleBackendPush, d.HandleBackendQualityChange); err != nil {
		d.logger.Warn("backend subscription failed, values will only change on writes", "kind", b.Kind(), "error", err)
	}

	seeded := d.seed(ctx, b, profile.Settings.Items)

	d.metrics.GenerationLoaded(true, d.store.Len())
	d.logger.Info("configuration generation loaded",
		"generation", generation,
		"backend", b.Kind(),
		"items", d.store.Len(),
		"restored", restored,
		"seeded", seeded,
		"persistence", profile.PersistencePath != "",
	)
	return nil
}

func validateProfile(p Profile) error {
	if p.Factory == nil {
		return fmt.Errorf("%w: no backend factory", ErrInvalidProfile)
	}
	for _, def := range p.Settings.Items {
		if err := def.Validate(); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidProfile, err)
		}
	}
	return nil
}

// connect creates and connects the backend of a profile.
func (d *Dispatcher) connect(ctx context.Context, profile Profile) (backend.Backend, error) {
	b, err := profile.Factory(profile.Settings)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBackendUnavailable, err)
	}

	connectCtx, cancel := context.WithTimeout(ctx, backend.DefaultTimeout)
	defer cancel()

	if err := b.Connect(connectCtx); err != nil {
		_ = b.Close() //nolint:errcheck // connection never came up
		return nil, fmt.Errorf("%w: %s: %w", ErrBackendUnavailable, b.Kind(), err)
	}
	d.logger.Info("backend connected", "kind", b.Kind(), "server", profile.Settings.Server, "host", profile.Settings.Host)
	return b, nil
}

// restore merges the snapshot at path into the store and writes every
// restored value through to the backend. A missing file is not an error.
func (d *Dispatcher) restore(ctx context.Context, b backend.Backend, path string) int {
	if path == "" {
		return 0
	}

	entries, err := persistence.Load(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		d.logger.Info("no snapshot to restore", "path", path)
		return 0
	case errors.Is(err, persistence.ErrInvalidSnapshot):
		d.logger.Warn("snapshot partially invalid", "path", path, "error", err)
	case err != nil:
		d.logger.Error("snapshot restore failed", "path", path, "error", err)
		return 0
	}

	return d.store.Restore(entries, func(e store.SnapshotEntry) {
		d.writeThrough(ctx, b, e)
	})
}

// writeThrough pushes a restored value to the backend.
func (d *Dispatcher) writeThrough(ctx context.Context, b backend.Backend, e store.SnapshotEntry) {
	d.backendMu.Lock()
	err := b.WriteValue(ctx, e.Name, e.Value, e.Type)
	d.backendMu.Unlock()

	d.metrics.BackendWrite(err == nil)
	d.record(ctx, e.Name, e.Type, e.Value, item.SourceRestore, err)
	if err != nil {
		d.logger.Warn("restored value not written to backend", "item", e.Name, "error", err)
		return
	}

	r, err := d.store.Get(e.Name)
	if err != nil {
		return
	}
	d.notify(item.Change{
		Name: e.Name, Type: e.Type, Value: e.Value,
		Quality: r.Quality, Source: item.SourceRestore, At: d.now(),
	})
}

// seed reads the current backend value of every item and applies them as
// one push.
func (d *Dispatcher) seed(ctx context.Context, b backend.Backend, defs []item.Definition) int {
	values := make(map[string]string, len(defs))
	for _, def := range defs {
		d.backendMu.Lock()
		r, err := b.ReadValue(ctx, def.Name)
		d.backendMu.Unlock()
		if err != nil {
			d.logger.Debug("initial read failed", "item", def.Name, "error", err)
			continue
		}

		if cur, err := d.store.Get(def.Name); err == nil && r.Quality.Valid() && cur.Quality != r.Quality {
			d.HandleBackendQualityChange(def.Name, r.Quality)
		}
		values[def.Name] = r.Value
	}

	if len(values) > 0 {
		d.HandleBackendPush(values)
	}
	return len(values)
}
