// Package client sends requests to a consumer over the broker and waits for
// the correlated reply. It is the calling side of the request/response
// protocol and is used by the command line tools and end-to-end tests.
package client

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/tsarna/vinculum-pulsar/pkg/pulsar"
	"github.com/tsarna/vinculum-pulsar/pkg/pulsar/fragment"
	"go.uber.org/zap"
)

const (
	DefaultAckTimeout    = 30 * time.Second
	DefaultReassemblyTTL = 5 * time.Minute
)

// Client produces requests to arbitrary topics and consumes the replies from
// its own reply topic. Requests are issued one at a time.
type Client struct {
	opener       pulsar.Opener
	replyTopic   string
	subscription string
	logger       *zap.Logger
	ackTimeout   time.Duration

	mu          sync.Mutex
	started     int32
	replies     pulsar.Conn
	producers   map[string]pulsar.Conn
	reassembler *fragment.Reassembler
}

// Connect opens the reply subscription.
func (c *Client) Connect(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&c.started, 0, 1) {
		return fmt.Errorf("client is already started")
	}

	conn, err := c.opener.Open(ctx, pulsar.ConsumerEndpoint(c.replyTopic, c.subscription))
	if err != nil {
		atomic.StoreInt32(&c.started, 0)
		return err
	}

	c.mu.Lock()
	c.replies = conn
	c.mu.Unlock()

	c.logger.Debug("Client connected", zap.String("reply_topic", c.replyTopic))
	return nil
}

// Close closes the reply subscription and every producer.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.replies != nil {
		c.replies.Close()
		c.replies = nil
	}
	for topic, conn := range c.producers {
		conn.Close()
		delete(c.producers, topic)
	}
	atomic.StoreInt32(&c.started, 0)
	return nil
}

// Ping sends a PING to topic and waits for the PONG.
func (c *Client) Ping(ctx context.Context, topic string) error {
	_, err := c.Request(ctx, topic, pulsar.MessageTypePing, nil, nil)
	return err
}

// Request sends payload to topic as a messageType message and returns the
// reply carrying the same context. Fragmented replies are reassembled before
// they are returned. Replies for other contexts are acknowledged and
// discarded.
func (c *Client) Request(ctx context.Context, topic string, messageType pulsar.MessageType, payload []byte, props pulsar.Properties) (*pulsar.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.replies == nil {
		return nil, pulsar.ErrNotConnected
	}

	msgProps := props.Clone()
	correlation := uuid.NewString()
	msgProps[pulsar.PropContext] = correlation
	msgProps[pulsar.PropResponseTopic] = c.replyTopic
	msgProps[pulsar.PropMessageType] = messageType.String()

	if err := c.send(ctx, topic, payload, msgProps); err != nil {
		return nil, err
	}

	c.logger.Debug("Request sent",
		zap.String("topic", topic),
		zap.String("context", correlation),
		zap.Stringer("message_type", messageType),
	)
	return c.await(ctx, correlation)
}

func (c *Client) send(ctx context.Context, topic string, payload []byte, props pulsar.Properties) error {
	conn, err := c.producer(ctx, topic)
	if err != nil {
		return err
	}

	data, err := json.Marshal(pulsar.ProducerMessage{
		Payload:    base64.StdEncoding.EncodeToString(payload),
		Properties: props,
		Context:    props[pulsar.PropContext],
	})
	if err != nil {
		return err
	}

	if err := conn.Send(ctx, data); err != nil {
		c.dropProducer(topic)
		return err
	}

	ackCtx, cancel := context.WithTimeout(ctx, c.ackTimeout)
	defer cancel()
	for {
		frame, err := conn.Recv(ackCtx)
		if err != nil {
			c.dropProducer(topic)
			return fmt.Errorf("waiting for acknowledgment: %w", err)
		}
		if frame == nil {
			continue
		}
		var ack pulsar.ProducerAck
		if err := json.Unmarshal(frame, &ack); err != nil {
			return fmt.Errorf("%w: %v", pulsar.ErrAckFailed, err)
		}
		if !ack.OK() {
			return fmt.Errorf("%w: %s %s", pulsar.ErrAckFailed, ack.Result, ack.ErrorMsg)
		}
		return nil
	}
}

func (c *Client) producer(ctx context.Context, topic string) (pulsar.Conn, error) {
	if conn, ok := c.producers[topic]; ok && conn.IsConnected() {
		return conn, nil
	}
	conn, err := c.opener.Open(ctx, pulsar.ProducerEndpoint(topic))
	if err != nil {
		return nil, err
	}
	c.producers[topic] = conn
	return conn, nil
}

func (c *Client) dropProducer(topic string) {
	if conn, ok := c.producers[topic]; ok {
		conn.Close()
		delete(c.producers, topic)
	}
}

func (c *Client) await(ctx context.Context, correlation string) (*pulsar.Message, error) {
	for {
		data, err := c.replies.Recv(ctx)
		if err != nil {
			return nil, err
		}
		if data == nil {
			continue
		}

		msg, err := pulsar.Parse(data)
		if err != nil {
			c.logger.Warn("Discarding unreadable reply", zap.Error(err))
			continue
		}
		if msg.ID() != "" {
			ack, _ := json.Marshal(pulsar.ConsumerAck{MessageID: msg.ID()})
			if err := c.replies.Send(ctx, ack); err != nil {
				return nil, err
			}
		}

		if msg.Context() != correlation {
			c.logger.Debug("Discarding reply for another request", zap.String("context", msg.Context()))
			continue
		}

		if !msg.IsFragment() {
			return msg, nil
		}
		joined, done, err := c.reassembler.Add(msg)
		if err != nil {
			return nil, err
		}
		if done {
			return joined, nil
		}
	}
}

// Builder provides a fluent interface for building Clients.
type Builder struct {
	opener        pulsar.Opener
	replyTopic    string
	subscription  string
	logger        *zap.Logger
	ackTimeout    time.Duration
	reassemblyTTL time.Duration
}

// NewClient creates a new Client builder.
func NewClient() *Builder {
	return &Builder{
		logger:        zap.NewNop(),
		ackTimeout:    DefaultAckTimeout,
		reassemblyTTL: DefaultReassemblyTTL,
	}
}

// WithOpener sets how connections to the broker are made.
func (b *Builder) WithOpener(opener pulsar.Opener) *Builder {
	b.opener = opener
	return b
}

// WithReplyTopic sets the topic replies are requested on.
func (b *Builder) WithReplyTopic(topic string) *Builder {
	b.replyTopic = topic
	return b
}

// WithSubscription sets the subscription name for the reply topic. A random
// name is used when unset.
func (b *Builder) WithSubscription(name string) *Builder {
	b.subscription = name
	return b
}

func (b *Builder) WithLogger(logger *zap.Logger) *Builder {
	if logger != nil {
		b.logger = logger
	}
	return b
}

func (b *Builder) WithAckTimeout(timeout time.Duration) *Builder {
	if timeout > 0 {
		b.ackTimeout = timeout
	}
	return b
}

func (b *Builder) WithReassemblyTTL(ttl time.Duration) *Builder {
	if ttl > 0 {
		b.reassemblyTTL = ttl
	}
	return b
}

// Build creates the Client.
func (b *Builder) Build() (*Client, error) {
	if err := b.IsValid(); err != nil {
		return nil, err
	}

	subscription := b.subscription
	if subscription == "" {
		subscription = "client-" + uuid.NewString()
	}

	return &Client{
		opener:       b.opener,
		replyTopic:   b.replyTopic,
		subscription: subscription,
		logger:       b.logger,
		ackTimeout:   b.ackTimeout,
		producers:    make(map[string]pulsar.Conn),
		reassembler:  fragment.NewReassembler(b.reassemblyTTL),
	}, nil
}

// IsValid checks that all required configuration is present.
func (b *Builder) IsValid() error {
	if b.opener == nil {
		return fmt.Errorf("opener is required")
	}
	if b.replyTopic == "" {
		return fmt.Errorf("reply topic is required")
	}
	return nil
}
