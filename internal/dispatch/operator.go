package dispatch

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/nerrad567/opcproxy/internal/item"
	"github.com/nerrad567/opcproxy/internal/persistence"
	"github.com/nerrad567/opcproxy/internal/server"
	"github.com/nerrad567/opcproxy/internal/store"
)

// SessionSource lists the active client sessions. The listener implements it.
type SessionSource interface {
	Sessions() []server.SessionInfo
}

// SetSessionSource attaches the listener once it exists.
func (d *Dispatcher) SetSessionSource(src SessionSource) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sessions = src
}

// ReadItem returns the full state of one item.
func (d *Dispatcher) ReadItem(name string) (store.Item, error) {
	return d.store.Item(name)
}

// Items returns the full state of every item ordered by name.
func (d *Dispatcher) Items() []store.Item {
	return d.store.Items()
}

// WriteItem writes a value on behalf of an operator. Unlike client writes,
// backend failures are reported to the caller.
func (d *Dispatcher) WriteItem(ctx context.Context, name, value string, typ item.Type) error {
	return d.HandleClientWrite(ctx, name, value, typ, item.SourceOperator)
}

// SaveSnapshot writes the store to path. An empty path saves to a
// timestamped file next to the configured snapshot (or in the working
// directory when persistence is off).
//
// Returns:
//   - string: the path written
//   - error: if the file could not be written
func (d *Dispatcher) SaveSnapshot(path string) (string, error) {
	if path == "" {
		_, profile := d.currentBackend()
		dir := "."
		if profile.PersistencePath != "" {
			dir = filepath.Dir(profile.PersistencePath)
		}
		path = persistence.TimestampedPath(dir, d.now())
	}

	d.persistMu.Lock()
	defer d.persistMu.Unlock()

	if err := persistence.Save(path, d.store.Snapshot()); err != nil {
		return "", err
	}
	d.logger.Info("snapshot saved", "path", path, "items", d.store.Len())
	return path, nil
}

// LoadSnapshot restores the snapshot at path into the current generation,
// writing every restored value through to the backend.
//
// Entries with unknown types are skipped and reported with
// persistence.ErrInvalidSnapshot alongside the applied count.
func (d *Dispatcher) LoadSnapshot(ctx context.Context, path string) (int, error) {
	entries, loadErr := persistence.Load(path)
	if loadErr != nil && !errors.Is(loadErr, persistence.ErrInvalidSnapshot) {
		return 0, loadErr
	}
	if entries == nil && loadErr != nil {
		return 0, loadErr
	}

	d.reloadMu.RLock()
	defer d.reloadMu.RUnlock()

	b, profile := d.currentBackend()
	if b == nil {
		return 0, ErrBackendUnavailable
	}

	applied := d.store.Restore(entries, func(e store.SnapshotEntry) {
		d.writeThrough(ctx, b, e)
	})
	d.logger.Info("snapshot loaded", "path", path, "applied", applied, "entries", len(entries))
	d.persist(profile.PersistencePath)

	return applied, loadErr
}

// SessionStatus describes one active session.
type SessionStatus struct {
	ID                  string  `json:"id"`
	Peer                string  `json:"peer"`
	State               string  `json:"state"`
	HeartbeatAgeSeconds float64 `json:"heartbeat_age_seconds"`
}

// Status is a point-in-time view of the proxy.
type Status struct {
	StartedAt      time.Time       `json:"started_at"`
	UptimeSeconds  float64         `json:"uptime_seconds"`
	Generation     uint64          `json:"generation"`
	Items          int             `json:"items"`
	Backend        string          `json:"backend"`
	Connected      bool            `json:"backend_connected"`
	Persistence    bool            `json:"persistence"`
	ActiveSessions int             `json:"active_sessions"`
	Sessions       []SessionStatus `json:"sessions"`
}

// Status reports uptime, generation, item count, backend and sessions.
func (d *Dispatcher) Status() Status {
	now := d.now()

	d.mu.RLock()
	b := d.backend
	profile := d.profile
	src := d.sessions
	d.mu.RUnlock()

	st := Status{
		StartedAt:     d.startedAt,
		UptimeSeconds: now.Sub(d.startedAt).Seconds(),
		Generation:    d.store.Generation(),
		Items:         d.store.Len(),
		Persistence:   profile.PersistencePath != "",
		Sessions:      []SessionStatus{},
	}
	if b != nil {
		st.Backend = b.Kind()
		st.Connected = true
	}

	if src != nil {
		for _, s := range src.Sessions() {
			st.Sessions = append(st.Sessions, SessionStatus{
				ID:                  s.ID,
				Peer:                s.Peer,
				State:               s.State,
				HeartbeatAgeSeconds: now.Sub(s.LastHeartbeat).Seconds(),
			})
		}
	}
	st.ActiveSessions = len(st.Sessions)
	return st
}

// Reloader rebuilds a profile from the configuration source. cmd wires it to
// re-read the configuration file.
type Reloader func() (Profile, error)

// Reload rebuilds the profile with r and applies it.
func (d *Dispatcher) Reload(ctx context.Context, r Reloader) error {
	profile, err := r()
	if err != nil {
		d.metrics.GenerationLoaded(false, 0)
		return fmt.Errorf("building profile: %w", err)
	}
	return d.ReloadConfiguration(ctx, profile)
}
