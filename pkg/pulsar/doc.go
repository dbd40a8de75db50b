// Package pulsar contains the wire model shared by the vinculum-pulsar
// components: inbound and outbound frames of the Pulsar WebSocket API, the
// closed set of message types understood by the consumer, and the Conn and
// Opener interfaces the transport implements.
//
// The subpackages build the consumer out of these pieces: wsconn dials the
// broker, producer caches reply connections, fragment splits large payloads,
// admission bounds in-flight requests, reconnect and liveness keep the
// subscription alive, and consumer ties them together into a dispatch loop.
// client is the calling side of the same protocol, and fakebroker stands in
// for the broker in tests and local development.
package pulsar
