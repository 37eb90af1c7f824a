// Package dispatch connects the TCP sessions, the value store and the
// device backend.
//
// The Dispatcher owns the backend handle of the current configuration
// generation. Client and operator writes go through HandleClientWrite,
// which forwards them to the backend and commits them to the store only on
// success. Backend pushes arrive through HandleBackendPush and
// HandleBackendQualityChange. Every committed change is fanned out to the
// registered observers (metrics, InfluxDB, MQTT state, WebSocket feed).
//
// Reload:
//
// LoadGeneration and ReloadConfiguration hold the reload lock exclusively
// while the backend is recreated and the store generation swapped. Writes
// hold it shared, so a write either completes against the old generation
// or waits for the new one; no partially rebuilt generation is observable.
//
// Thread Safety:
//
// All exported methods are safe for concurrent use. Backend calls are
// serialized by the dispatcher.
package dispatch
