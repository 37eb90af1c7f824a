// Package server implements the OPC Proxy TCP protocol server.
//
// The Listener accepts connections and runs one Session per connection.
// Each Session owns the handshake state machine and the request loop, reads
// from the Value Store and forwards writes to a WriteHandler (the
// dispatcher). A reaper evicts sessions that have been idle for longer than
// the client timeout.
//
// # Wire Protocol
//
// Plaintext, one message per TCP read, no framing:
//
//	server: ESTSHOPCSVC.HELLO
//	client: ESTSHOPCCLIENT.HELLO
//	client: ESTSHOPCSVC.READ:<name>
//	server: ESTSHOPCSVC.RESULT:<value>:<quality>
//	client: ESTSHOPCSVC.WRITE:<name>:<value>:<type>
//	server: ESTSHOPCSVC.RESULT:<value>:<quality>
//	client: ESTSHOPCSVC.READS:<read><item name="n" quality=""/></read>
//	server: ESTSHOPCSVC.RESULT:<read><item name="n" quality="Good">v</item></read>
//	client: ESTSHOPCSVC.WRITES:<write><item name="n">v</item></write>
//	server: ESTSHOPCSVC.RESULT:<write><item name="n" quality="Good">v</item></write>
//	client: ESTSHOPCSVC.BYE
//
// There is no error reply. Every failure (protocol violation, unknown item,
// handshake timeout, transport error) closes the connection.
//
// # Thread Safety
//
// Requests within one Session are strictly sequential. Sessions run
// concurrently against the shared Value Store. The session registry is
// synchronized.
package server
