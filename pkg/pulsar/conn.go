package pulsar

import (
	"context"
	"strings"
)

// Conn is one duplex connection to a broker endpoint. A consumer subscription
// and every producer in the pool are each a Conn.
type Conn interface {
	// Send writes one text frame.
	Send(ctx context.Context, data []byte) error

	// Recv blocks for the next frame. It returns nil data and a nil error for
	// an empty keepalive frame.
	Recv(ctx context.Context) ([]byte, error)

	// Ping sends a transport-level ping and waits for the pong.
	Ping(ctx context.Context) error

	// Close is idempotent and never fails in a way callers need to handle.
	Close() error

	IsConnected() bool
	Endpoint() string
}

// Opener creates connections to broker endpoints.
type Opener interface {
	Open(ctx context.Context, endpoint string) (Conn, error)
}

// OpenerFunc adapts a function to the Opener interface.
type OpenerFunc func(ctx context.Context, endpoint string) (Conn, error)

// Open implements Opener.
func (f OpenerFunc) Open(ctx context.Context, endpoint string) (Conn, error) {
	return f(ctx, endpoint)
}

// ConsumerEndpoint returns the WebSocket API path for a subscription to topic.
func ConsumerEndpoint(topic, subscription string) string {
	return "/ws/v2/consumer/" + TopicPath(topic) + "/" + subscription
}

// ProducerEndpoint returns the WebSocket API path for producing to topic.
func ProducerEndpoint(topic string) string {
	return "/ws/v2/producer/" + TopicPath(topic)
}

// TopicPath converts a topic name into its URL path form.
//
//	persistent://public/default/jobs     -> persistent/public/default/jobs
//	non-persistent://public/default/jobs -> non-persistent/public/default/jobs
//	public/default/jobs                  -> persistent/public/default/jobs
func TopicPath(topic string) string {
	topic = strings.TrimPrefix(topic, "/")
	if domain, rest, ok := strings.Cut(topic, "://"); ok {
		return domain + "/" + rest
	}
	return "persistent/" + topic
}
