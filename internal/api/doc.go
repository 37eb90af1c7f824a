// Package api implements the operator HTTP API and WebSocket change feed of
// OPC Proxy.
//
// This package provides:
//   - REST endpoints to list, read and write items through the dispatcher
//   - Snapshot save and load, and configuration reload
//   - The write journal query
//   - Prometheus metrics at /metrics
//   - A WebSocket change feed: an item snapshot on connect, then every
//     committed change, optionally narrowed with a watch frame
//
// # Architecture
//
// The server never touches the value store directly. Reads and writes go
// through the dispatcher (the Operator interface), so operator writes follow
// the same backend-first path as client writes. The Hub is registered as a
// dispatcher observer and relays changes to WebSocket clients.
//
// # Security
//
// There is no authentication. Bind the API to a loopback or management
// interface; the default host is 127.0.0.1.
//
// Lifecycle:
//
//	server, err := api.New(deps)
//	server.Start(ctx)
//	defer server.Close()
package api
