// Package pulsartest provides in-memory pulsar.Conn and pulsar.Opener
// implementations for tests.
package pulsartest

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/tsarna/vinculum-pulsar/pkg/pulsar"
)

// ErrInjected is the error returned by injected failures.
var ErrInjected = errors.New("pulsartest: injected failure")

type frame struct {
	data []byte
	err  error
}

// Conn is an in-memory connection. Frames queued with Deliver are returned by
// Recv; everything passed to Send is recorded. When AutoAck is set, every
// successful Send queues a producer acknowledgment for the next Recv.
type Conn struct {
	endpoint string
	inbound  chan frame
	closed   chan struct{}

	connected  atomic.Bool
	closeCount atomic.Int32
	pingCount  atomic.Int32
	closeOnce  sync.Once

	mu         sync.Mutex
	sent       [][]byte
	autoAck    bool
	ackResults []string
	sendErr    error
	pingErr    error
}

// NewConn creates a connected Conn for endpoint.
func NewConn(endpoint string) *Conn {
	c := &Conn{
		endpoint: endpoint,
		inbound:  make(chan frame, 1024),
		closed:   make(chan struct{}),
	}
	c.connected.Store(true)
	return c
}

// SetAutoAck makes every successful Send queue an acknowledgment.
func (c *Conn) SetAutoAck(enabled bool) {
	c.mu.Lock()
	c.autoAck = enabled
	c.mu.Unlock()
}

// QueueAckResults sets the results of the next automatic acknowledgments, in
// order. Once exhausted, acknowledgments are "ok".
func (c *Conn) QueueAckResults(results ...string) {
	c.mu.Lock()
	c.ackResults = append(c.ackResults, results...)
	c.mu.Unlock()
}

// SetSendError makes every Send fail with err, or succeed again when err is nil.
func (c *Conn) SetSendError(err error) {
	c.mu.Lock()
	c.sendErr = err
	c.mu.Unlock()
}

// SetPingError makes every Ping fail with err, or succeed again when err is nil.
func (c *Conn) SetPingError(err error) {
	c.mu.Lock()
	c.pingErr = err
	c.mu.Unlock()
}

// Deliver queues a frame for Recv.
func (c *Conn) Deliver(data []byte) {
	c.inbound <- frame{data: data}
}

// DeliverJSON marshals v and queues it for Recv.
func (c *Conn) DeliverJSON(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	c.Deliver(data)
}

// FailRecv makes the next Recv return err and mark the connection disconnected.
func (c *Conn) FailRecv(err error) {
	c.inbound <- frame{err: err}
}

// Drop marks the connection disconnected without closing it.
func (c *Conn) Drop() {
	c.connected.Store(false)
}

func (c *Conn) Send(ctx context.Context, data []byte) error {
	if !c.IsConnected() {
		return pulsar.ErrNotConnected
	}

	c.mu.Lock()
	if c.sendErr != nil {
		err := c.sendErr
		c.mu.Unlock()
		return err
	}
	c.sent = append(c.sent, append([]byte(nil), data...))
	ack := ""
	if c.autoAck {
		ack = "ok"
		if len(c.ackResults) > 0 {
			ack = c.ackResults[0]
			c.ackResults = c.ackResults[1:]
		}
	}
	c.mu.Unlock()

	if ack != "" {
		c.DeliverJSON(pulsar.ProducerAck{Result: ack})
	}
	return nil
}

func (c *Conn) Recv(ctx context.Context) ([]byte, error) {
	if !c.IsConnected() {
		return nil, pulsar.ErrNotConnected
	}

	select {
	case f := <-c.inbound:
		if f.err != nil {
			c.connected.Store(false)
			return nil, f.err
		}
		return f.data, nil
	case <-c.closed:
		return nil, pulsar.ErrNotConnected
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Conn) Ping(ctx context.Context) error {
	if !c.IsConnected() {
		return pulsar.ErrNotConnected
	}
	c.pingCount.Add(1)

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pingErr
}

func (c *Conn) Close() error {
	c.closeCount.Add(1)
	c.connected.Store(false)
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *Conn) IsConnected() bool { return c.connected.Load() }
func (c *Conn) Endpoint() string  { return c.endpoint }

// CloseCount returns how many times Close was called.
func (c *Conn) CloseCount() int { return int(c.closeCount.Load()) }

// PingCount returns how many pings were sent while connected.
func (c *Conn) PingCount() int { return int(c.pingCount.Load()) }

// Sent returns a copy of every frame passed to Send.
func (c *Conn) Sent() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.sent))
	copy(out, c.sent)
	return out
}

// SentProducerMessages decodes every sent frame as a producer message.
func (c *Conn) SentProducerMessages() []pulsar.ProducerMessage {
	var out []pulsar.ProducerMessage
	for _, data := range c.Sent() {
		var msg pulsar.ProducerMessage
		if err := json.Unmarshal(data, &msg); err == nil && msg.Properties != nil {
			out = append(out, msg)
		}
	}
	return out
}

// SentAcks returns the message ids acknowledged on this connection.
func (c *Conn) SentAcks() []string {
	var out []string
	for _, data := range c.Sent() {
		var ack map[string]any
		if err := json.Unmarshal(data, &ack); err != nil || len(ack) != 1 {
			continue
		}
		if id, ok := ack["messageId"].(string); ok {
			out = append(out, id)
		}
	}
	return out
}

// Opener records every Open call and hands out Conns. Producer endpoints get
// AutoAck connections.
type Opener struct {
	mu       sync.Mutex
	opened   []*Conn
	attempts int
	failNext int
	failAll  bool
	onOpen   func(*Conn)
}

// NewOpener creates an Opener that always succeeds.
func NewOpener() *Opener {
	return &Opener{}
}

// FailNext makes the next n Open calls fail.
func (o *Opener) FailNext(n int) {
	o.mu.Lock()
	o.failNext = n
	o.mu.Unlock()
}

// FailAll makes every Open call fail while enabled.
func (o *Opener) FailAll(enabled bool) {
	o.mu.Lock()
	o.failAll = enabled
	o.mu.Unlock()
}

// OnOpen registers a hook run on every new Conn before it is returned.
func (o *Opener) OnOpen(fn func(*Conn)) {
	o.mu.Lock()
	o.onOpen = fn
	o.mu.Unlock()
}

func (o *Opener) Open(ctx context.Context, endpoint string) (pulsar.Conn, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.attempts++
	if o.failAll {
		return nil, ErrInjected
	}
	if o.failNext > 0 {
		o.failNext--
		return nil, ErrInjected
	}

	conn := NewConn(endpoint)
	if strings.Contains(endpoint, "/producer/") {
		conn.SetAutoAck(true)
	}
	if o.onOpen != nil {
		o.onOpen(conn)
	}
	o.opened = append(o.opened, conn)
	return conn, nil
}

// Attempts returns the number of Open calls, successful or not.
func (o *Opener) Attempts() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.attempts
}

// Opened returns every Conn handed out so far.
func (o *Opener) Opened() []*Conn {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*Conn, len(o.opened))
	copy(out, o.opened)
	return out
}

// Last returns the most recent Conn whose endpoint contains substr, or nil.
func (o *Opener) Last(substr string) *Conn {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i := len(o.opened) - 1; i >= 0; i-- {
		if strings.Contains(o.opened[i].endpoint, substr) {
			return o.opened[i]
		}
	}
	return nil
}
