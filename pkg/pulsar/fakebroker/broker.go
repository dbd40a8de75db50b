// Package fakebroker is an in-process stand-in for the broker's WebSocket
// API. It routes producer frames to consumer subscriptions of the same topic
// and answers both with the acknowledgments the real broker sends. It keeps
// no durable state and is meant for tests and local development.
package fakebroker

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tsarna/vinculum-pulsar/pkg/pulsar"
	"go.uber.org/zap"
)

const (
	consumerPrefix = "/ws/v2/consumer/"
	producerPrefix = "/ws/v2/producer/"

	// Per-subscriber outbound buffer.
	sendBufferSize = 256
	writeTimeout   = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

type subscriber struct {
	conn  *websocket.Conn
	topic string
	name  string
	send  chan []byte
	once  sync.Once
}

func (s *subscriber) close() {
	s.once.Do(func() {
		close(s.send)
		s.conn.Close()
	})
}

// Broker routes messages between producer and consumer connections.
type Broker struct {
	logger *zap.Logger
	nextID atomic.Int64

	mu          sync.Mutex
	subscribers map[string][]*subscriber // by topic path
	connections map[string]int           // consumer connections ever accepted, by topic path
	cursor      map[string]int           // round-robin position by topic path
	backlog     map[string][][]byte      // frames published while nobody listened
	acked       []string
	producers   map[*websocket.Conn]struct{}
	rejectNext  int
}

// New creates an empty Broker.
func New(logger *zap.Logger) *Broker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broker{
		logger:      logger,
		subscribers: make(map[string][]*subscriber),
		connections: make(map[string]int),
		cursor:      make(map[string]int),
		backlog:     make(map[string][][]byte),
		producers:   make(map[*websocket.Conn]struct{}),
	}
}

// ServeHTTP upgrades consumer and producer endpoints.
func (b *Broker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case strings.HasPrefix(r.URL.Path, consumerPrefix):
		topic, name, ok := splitSubscription(strings.TrimPrefix(r.URL.Path, consumerPrefix))
		if !ok {
			http.Error(w, "invalid consumer path", http.StatusBadRequest)
			return
		}
		b.serveConsumer(w, r, topic, name)

	case strings.HasPrefix(r.URL.Path, producerPrefix):
		topic := strings.TrimPrefix(r.URL.Path, producerPrefix)
		if strings.Count(topic, "/") != 3 {
			http.Error(w, "invalid producer path", http.StatusBadRequest)
			return
		}
		b.serveProducer(w, r, topic)

	default:
		http.NotFound(w, r)
	}
}

// splitSubscription splits domain/tenant/ns/topic/subscription.
func splitSubscription(path string) (topic, name string, ok bool) {
	parts := strings.Split(path, "/")
	if len(parts) != 5 {
		return "", "", false
	}
	return strings.Join(parts[:4], "/"), parts[4], true
}

// topicKey normalizes a topic name or an already converted URL path.
func topicKey(topic string) string {
	topic = strings.TrimPrefix(topic, "/")
	if strings.Count(topic, "/") == 3 && !strings.Contains(topic, "://") {
		return topic
	}
	return pulsar.TopicPath(topic)
}

func (b *Broker) serveConsumer(w http.ResponseWriter, r *http.Request, topic, name string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Warn("Consumer upgrade failed", zap.Error(err))
		return
	}

	sub := &subscriber{conn: conn, topic: topic, name: name, send: make(chan []byte, sendBufferSize)}

	b.mu.Lock()
	b.subscribers[topic] = append(b.subscribers[topic], sub)
	b.connections[topic]++
	pending := b.backlog[topic]
	delete(b.backlog, topic)
	b.mu.Unlock()

	b.logger.Debug("Consumer connected", zap.String("topic", topic), zap.String("subscription", name))

	go b.writePump(sub)
	for _, data := range pending {
		sub.send <- data
	}

	defer func() {
		b.removeSubscriber(sub)
		sub.close()
		b.logger.Debug("Consumer disconnected", zap.String("topic", topic), zap.String("subscription", name))
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var ack pulsar.ConsumerAck
		if err := json.Unmarshal(data, &ack); err != nil || ack.MessageID == "" {
			b.logger.Warn("Unexpected frame on consumer connection", zap.ByteString("frame", data))
			continue
		}
		b.mu.Lock()
		b.acked = append(b.acked, ack.MessageID)
		b.mu.Unlock()
	}
}

func (b *Broker) writePump(sub *subscriber) {
	for data := range sub.send {
		sub.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := sub.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			b.logger.Debug("Write to consumer failed", zap.Error(err))
			sub.conn.Close()
			for range sub.send {
			}
			return
		}
	}
}

func (b *Broker) removeSubscriber(sub *subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subscribers[sub.topic]
	for i, s := range subs {
		if s == sub {
			b.subscribers[sub.topic] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(b.subscribers[sub.topic]) == 0 {
		delete(b.subscribers, sub.topic)
	}
}

func (b *Broker) serveProducer(w http.ResponseWriter, r *http.Request, topic string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Warn("Producer upgrade failed", zap.Error(err))
		return
	}

	b.mu.Lock()
	b.producers[conn] = struct{}{}
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.producers, conn)
		b.mu.Unlock()
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		ack := b.produce(topic, data)
		reply, _ := json.Marshal(ack)
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteMessage(websocket.TextMessage, reply); err != nil {
			return
		}
	}
}

func (b *Broker) produce(topic string, data []byte) pulsar.ProducerAck {
	var msg pulsar.ProducerMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return pulsar.ProducerAck{Result: "send-error:3", ErrorMsg: err.Error()}
	}

	b.mu.Lock()
	reject := b.rejectNext > 0
	if reject {
		b.rejectNext--
	}
	b.mu.Unlock()
	if reject {
		return pulsar.ProducerAck{Result: "send-error:11", ErrorMsg: "rejected by test", Context: msg.Context}
	}

	id := b.Publish(topic, msg.Properties, msg.Payload)
	return pulsar.ProducerAck{Result: "ok", MessageID: id, Context: msg.Context}
}

// Publish delivers a message to one subscriber of topic, or keeps it until
// one connects. topic may be a topic name or its URL path form.
// It returns the assigned message id.
func (b *Broker) Publish(topic string, props pulsar.Properties, payload string) string {
	topic = topicKey(topic)
	id := strconv.FormatInt(b.nextID.Add(1), 10)

	data, _ := json.Marshal(pulsar.WireMessage{
		MessageID:   id,
		Properties:  props,
		Payload:     payload,
		PublishTime: time.Now().UTC().Format(time.RFC3339Nano),
	})

	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subscribers[topic]
	if len(subs) == 0 {
		b.backlog[topic] = append(b.backlog[topic], data)
		return id
	}

	sub := subs[b.cursor[topic]%len(subs)]
	b.cursor[topic]++
	select {
	case sub.send <- data:
	default:
		b.logger.Warn("Subscriber buffer full, dropping message", zap.String("topic", topic), zap.String("id", id))
	}
	return id
}

// Acked returns the message ids acknowledged by consumers so far.
func (b *Broker) Acked() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.acked...)
}

// Subscribers returns the number of consumers connected to topic.
func (b *Broker) Subscribers(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers[topicKey(topic)])
}

// Connections returns the number of consumer connections ever accepted for topic.
func (b *Broker) Connections(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connections[topicKey(topic)]
}

// RejectNext makes the next n produced messages fail with a non-ok acknowledgment.
func (b *Broker) RejectNext(n int) {
	b.mu.Lock()
	b.rejectNext = n
	b.mu.Unlock()
}

// DropConnections closes every open connection, as a broker restart would.
func (b *Broker) DropConnections() {
	b.mu.Lock()
	var subs []*subscriber
	for _, list := range b.subscribers {
		subs = append(subs, list...)
	}
	producers := make([]*websocket.Conn, 0, len(b.producers))
	for conn := range b.producers {
		producers = append(producers, conn)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		sub.conn.Close()
	}
	for _, conn := range producers {
		conn.Close()
	}
	b.logger.Info("Dropped all connections", zap.Int("consumers", len(subs)), zap.Int("producers", len(producers)))
}

// String describes the broker's routing table, for logs.
func (b *Broker) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return fmt.Sprintf("fakebroker(%d topics with subscribers, %d with backlog)", len(b.subscribers), len(b.backlog))
}
