// Package producer caches one outbound connection per response topic.
package producer

import (
	"context"
	"fmt"
	"sync"

	"github.com/tsarna/vinculum-pulsar/pkg/pulsar"
	"go.uber.org/zap"
)

// Pool lazily opens and caches producer connections keyed by topic.
//
// Entries are never evicted; a process replying to an unbounded set of
// topics grows the pool without limit.
type Pool struct {
	opener pulsar.Opener
	logger *zap.Logger

	mu     sync.Mutex
	conns  map[string]pulsar.Conn
	closed bool
}

// NewPool creates an empty pool that opens connections with opener.
func NewPool(opener pulsar.Opener, logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		opener: opener,
		logger: logger,
		conns:  make(map[string]pulsar.Conn),
	}
}

// GetOrCreate returns the cached connection for topic, opening one on a miss.
// A cached connection that reports itself disconnected is replaced.
func (p *Pool) GetOrCreate(ctx context.Context, topic string) (pulsar.Conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, pulsar.ErrPoolClosed
	}

	if conn, ok := p.conns[topic]; ok {
		if conn.IsConnected() {
			return conn, nil
		}
		p.logger.Info("Replacing disconnected producer", zap.String("topic", topic))
		conn.Close()
		delete(p.conns, topic)
	}

	conn, err := p.opener.Open(ctx, pulsar.ProducerEndpoint(topic))
	if err != nil {
		return nil, fmt.Errorf("failed to open producer for %s: %w", topic, err)
	}

	p.logger.Debug("Producer opened", zap.String("topic", topic))
	p.conns[topic] = conn
	return conn, nil
}

// Remove closes and forgets the connection for topic, if any.
func (p *Pool) Remove(topic string) {
	p.mu.Lock()
	conn, ok := p.conns[topic]
	delete(p.conns, topic)
	p.mu.Unlock()

	if ok {
		conn.Close()
	}
}

// CloseAll closes every cached connection. The pool stays usable and will
// open fresh connections on the next GetOrCreate.
func (p *Pool) CloseAll() {
	p.mu.Lock()
	conns := p.conns
	p.conns = make(map[string]pulsar.Conn)
	p.mu.Unlock()

	for topic, conn := range conns {
		conn.Close()
		p.logger.Debug("Producer closed", zap.String("topic", topic))
	}
}

// Close closes every connection and rejects further use.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.CloseAll()
}

// Len returns the number of cached connections.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}
