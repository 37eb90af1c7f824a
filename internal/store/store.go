package store

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nerrad567/opcproxy/internal/item"
)

// Reading is the externally visible part of an item's state.
type Reading struct {
	Value   string
	Quality item.Quality
	Type    item.Type
}

// Item is a copy of an item's full state, used by operator listings.
type Item struct {
	Name              string       `json:"name"`
	Type              item.Type    `json:"type"`
	Value             string       `json:"value"`
	Quality           item.Quality `json:"quality"`
	Description       string       `json:"description,omitempty"`
	ReadCount         uint64       `json:"read_count"`
	WriteCount        uint64       `json:"write_count"`
	LastWriteAt       *time.Time   `json:"last_write_at,omitempty"`
	LastBackendSyncAt *time.Time   `json:"last_backend_sync_at,omitempty"`
}

// SnapshotEntry is one persisted item.
type SnapshotEntry struct {
	Name  string
	Type  item.Type
	Value string
}

type state struct {
	typ         item.Type
	value       string
	quality     item.Quality
	description string
	readCount   uint64
	writeCount  uint64
	lastWrite   time.Time
	lastSync    time.Time
}

// Store is the synchronized value store.
type Store struct {
	mu         sync.RWMutex
	items      map[string]*state
	generation uint64
}

// New creates an empty Store. Call ReplaceGeneration to load items.
func New() *Store {
	return &Store{items: make(map[string]*state)}
}

// ReplaceGeneration atomically replaces the whole item set.
//
// Every item starts with an empty value, quality Good and zero counters.
// Duplicate names keep the last definition.
//
// Returns:
//   - uint64: the new generation number
func (s *Store) ReplaceGeneration(defs []item.Definition) uint64 {
	items := make(map[string]*state, len(defs))
	for _, d := range defs {
		items[d.Name] = &state{
			typ:         d.Type,
			quality:     item.QualityGood,
			description: d.Description,
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = items
	s.generation++
	return s.generation
}

// Generation returns the current generation number (0 before the first load).
func (s *Store) Generation() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.generation
}

// Len returns the number of items in the current generation.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// Has reports whether name is part of the current generation.
func (s *Store) Has(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.items[name]
	return ok
}

// Get returns the value, quality and type of an item.
func (s *Store) Get(name string) (Reading, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.items[name]
	if !ok {
		return Reading{}, fmt.Errorf("%w: %q", ErrUnknownItem, name)
	}
	return Reading{Value: st.value, Quality: st.quality, Type: st.typ}, nil
}

// SetValue updates value, quality and the last write time. Counters are untouched.
func (s *Store) SetValue(name, value string, quality item.Quality, observedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.items[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownItem, name)
	}
	st.value = value
	st.quality = quality
	st.lastWrite = observedAt
	return nil
}

// SetSynced records a value pushed by the backend.
//
// The value and last sync time change only when value differs from the
// stored value.
//
// Returns:
//   - bool: true if the stored value changed
//   - error: ErrUnknownItem if name is not configured
func (s *Store) SetSynced(name, value string, observedAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.items[name]
	if !ok {
		return false, fmt.Errorf("%w: %q", ErrUnknownItem, name)
	}
	if st.value == value {
		return false, nil
	}
	st.value = value
	st.lastSync = observedAt
	return true, nil
}

// SetQuality updates only the quality of an item.
func (s *Store) SetQuality(name string, quality item.Quality) error {
	if !quality.Valid() {
		return fmt.Errorf("%w: code 0x%02X", item.ErrUnknownQuality, uint8(quality))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.items[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownItem, name)
	}
	st.quality = quality
	return nil
}

// IncrementRead increments the read counter. Unknown names are ignored.
func (s *Store) IncrementRead(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.items[name]; ok {
		st.readCount++
	}
}

// IncrementWrite increments the write counter. Unknown names are ignored.
func (s *Store) IncrementWrite(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.items[name]; ok {
		st.writeCount++
	}
}

// Snapshot returns name, type and value of every item ordered by name.
// The read lock is held only while copying.
func (s *Store) Snapshot() []SnapshotEntry {
	s.mu.RLock()
	entries := make([]SnapshotEntry, 0, len(s.items))
	for name, st := range s.items {
		entries = append(entries, SnapshotEntry{Name: name, Type: st.typ, Value: st.value})
	}
	s.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries
}

// Restore merges a snapshot into the current generation.
//
// Entries for known names overwrite value and type; unknown names and
// values invalid for the entry's type are skipped. writeThrough, when non-nil, is called for every applied entry
// after the lock is released so it may call back into the Store.
//
// Returns:
//   - int: number of entries applied
func (s *Store) Restore(entries []SnapshotEntry, writeThrough func(SnapshotEntry)) int {
	applied := make([]SnapshotEntry, 0, len(entries))

	s.mu.Lock()
	for _, e := range entries {
		st, ok := s.items[e.Name]
		if !ok {
			continue
		}
		typ := st.typ
		if e.Type.Valid() {
			typ = e.Type
		}
		value, err := typ.Normalize(e.Value)
		if err != nil {
			continue
		}
		st.typ = typ
		st.value = value
		applied = append(applied, SnapshotEntry{Name: e.Name, Type: typ, Value: value})
	}
	s.mu.Unlock()

	if writeThrough != nil {
		for _, e := range applied {
			writeThrough(e)
		}
	}
	return len(applied)
}

// Item returns a copy of one item's full state.
func (s *Store) Item(name string) (Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.items[name]
	if !ok {
		return Item{}, fmt.Errorf("%w: %q", ErrUnknownItem, name)
	}
	return st.export(name), nil
}

// Items returns a copy of every item's full state ordered by name.
func (s *Store) Items() []Item {
	s.mu.RLock()
	out := make([]Item, 0, len(s.items))
	for name, st := range s.items {
		out = append(out, st.export(name))
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (st *state) export(name string) Item {
	it := Item{
		Name:        name,
		Type:        st.typ,
		Value:       st.value,
		Quality:     st.quality,
		Description: st.description,
		ReadCount:   st.readCount,
		WriteCount:  st.writeCount,
	}
	if !st.lastWrite.IsZero() {
		t := st.lastWrite
		it.LastWriteAt = &t
	}
	if !st.lastSync.IsZero() {
		t := st.lastSync
		it.LastBackendSyncAt = &t
	}
	return it
}
