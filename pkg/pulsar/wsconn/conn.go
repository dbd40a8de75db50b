package wsconn

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/coder/websocket"
	"github.com/tsarna/vinculum-pulsar/pkg/pulsar"
	"go.uber.org/zap"
)

// Conn is one open WebSocket connection to a broker endpoint.
//
// Send, Ping and Close may be called from any goroutine. Recv must only be
// called from one goroutine at a time, and Ping only completes while a Recv
// is in progress, since the pong is consumed by the reader.
type Conn struct {
	endpoint  string
	conn      *websocket.Conn
	logger    *zap.Logger
	connected atomic.Bool
	closeOnce sync.Once
}

func newConn(endpoint string, conn *websocket.Conn, logger *zap.Logger) *Conn {
	c := &Conn{
		endpoint: endpoint,
		conn:     conn,
		logger:   logger,
	}
	c.connected.Store(true)
	return c
}

// Send writes data as one text frame.
func (c *Conn) Send(ctx context.Context, data []byte) error {
	if !c.IsConnected() {
		return pulsar.ErrNotConnected
	}

	if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
		c.connected.Store(false)
		return fmt.Errorf("failed to write to %s: %w", c.endpoint, err)
	}
	return nil
}

// Recv reads the next frame. Empty frames are returned as nil data with a nil error.
func (c *Conn) Recv(ctx context.Context) ([]byte, error) {
	if !c.IsConnected() {
		return nil, pulsar.ErrNotConnected
	}

	_, data, err := c.conn.Read(ctx)
	if err != nil {
		c.connected.Store(false)
		if status := websocket.CloseStatus(err); status != -1 {
			c.logger.Debug("WebSocket connection closed by broker",
				zap.String("endpoint", c.endpoint),
				zap.Int("close_status", int(status)),
			)
		}
		return nil, fmt.Errorf("failed to read from %s: %w", c.endpoint, err)
	}

	if len(data) == 0 {
		return nil, nil
	}
	return data, nil
}

// Ping sends a ping frame and waits for the matching pong.
func (c *Conn) Ping(ctx context.Context) error {
	if !c.IsConnected() {
		return pulsar.ErrNotConnected
	}

	if err := c.conn.Ping(ctx); err != nil {
		return fmt.Errorf("failed to ping %s: %w", c.endpoint, err)
	}
	return nil
}

// Close closes the connection. Errors from the close handshake are logged, not returned.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.connected.Store(false)
		if err := c.conn.Close(websocket.StatusNormalClosure, "client disconnect"); err != nil {
			c.logger.Debug("Error closing WebSocket connection",
				zap.String("endpoint", c.endpoint),
				zap.Error(err),
			)
		}
	})
	return nil
}

// IsConnected reports whether the connection is still usable.
func (c *Conn) IsConnected() bool {
	return c.connected.Load()
}

// Endpoint returns the path this connection was opened on.
func (c *Conn) Endpoint() string {
	return c.endpoint
}
