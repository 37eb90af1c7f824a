// Package store provides the Value Store: the single synchronized mapping
// from item name to its live state (value, type, quality, counters and
// timestamps).
//
// The Store is owned by the process and handed to the protocol server and
// the dispatcher at construction. Its item set is fixed per configuration
// generation. Names outside the current generation are rejected with
// ErrUnknownItem and are never created implicitly.
//
// # Thread Safety
//
// All operations are guarded by one read-write mutex covering the whole map.
// ReplaceGeneration swaps the map under the write lock, so a call already
// holding the read lock completes against the old generation.
package store
