// Package wsconn implements pulsar.Conn over the broker's WebSocket API.
//
// An Opener is configured once with the broker URL, dial timeout and the
// opaque handshake headers, then used by the consumer for its subscription
// and by the producer pool for reply connections.
package wsconn
