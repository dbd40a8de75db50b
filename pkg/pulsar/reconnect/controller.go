// Package reconnect owns the consumer's subscription connection and the
// state machine that re-establishes it with exponential backoff.
package reconnect

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tsarna/vinculum-pulsar/pkg/pulsar"
	"go.uber.org/zap"
)

// State is the controller's connection state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateFailed // terminal, the attempt budget is spent
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Dialer opens the subscription connection.
type Dialer func(ctx context.Context) (pulsar.Conn, error)

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// ProducerCloser is the part of the producer pool Disconnect needs.
type ProducerCloser interface {
	CloseAll()
}

// Hooks connect the controller to the dispatch loop and the liveness prober.
// Every hook is optional.
type Hooks struct {
	// OnConnect runs after every successful connect.
	OnConnect func(conn pulsar.Conn)
	// OnDeregister runs before a reconnect replaces conn.
	OnDeregister func(conn pulsar.Conn)
	// OnRegister runs after a reconnect established conn.
	OnRegister func(conn pulsar.Conn)
	// OnTerminal runs once the attempt budget is exhausted.
	OnTerminal func()
}

// Controller governs connect, disconnect and reconnect of the subscription.
//
// Connect, Reconnect and Disconnect are meant to be called from the dispatch
// loop goroutine. The accessors may be called from anywhere.
type Controller struct {
	dialer         Dialer
	logger         *zap.Logger
	initialBackoff time.Duration
	maxBackoff     time.Duration
	backoffFactor  float64
	maxAttempts    int
	sleep          Sleeper
	producers      ProducerCloser
	hooks          Hooks

	mu       sync.Mutex
	sub      pulsar.Conn
	state    State
	attempts int
	backoff  time.Duration
}

// Connect tears down any existing subscription and dials until it succeeds
// or the attempt budget is spent. Producer connections are left alone.
func (c *Controller) Connect(ctx context.Context) error {
	c.closeSubscription()

	for {
		c.mu.Lock()
		if c.attempts >= c.maxAttempts {
			c.state = StateFailed
			attempts := c.attempts
			c.mu.Unlock()

			c.logger.Error("Giving up on broker connection", zap.Int("attempts", attempts))
			return fmt.Errorf("%w after %d attempts", pulsar.ErrReconnectExhausted, attempts)
		}
		c.attempts++
		attempt := c.attempts
		c.state = StateConnecting
		c.mu.Unlock()

		conn, err := c.dialer(ctx)
		if err == nil {
			c.mu.Lock()
			c.sub = conn
			c.attempts = 0
			c.backoff = c.initialBackoff
			c.state = StateConnected
			c.mu.Unlock()

			c.logger.Info("Subscription connected",
				zap.String("endpoint", conn.Endpoint()),
				zap.Int("attempt", attempt),
			)

			if c.hooks.OnConnect != nil {
				c.hooks.OnConnect(conn)
			}
			return nil
		}

		c.mu.Lock()
		c.state = StateDisconnected
		delay := c.backoff
		c.backoff = c.nextBackoff(delay)
		c.mu.Unlock()

		if ctx.Err() != nil {
			return ctx.Err()
		}

		if attempt >= c.maxAttempts {
			c.logger.Warn("Connection attempt failed",
				zap.Int("attempt", attempt),
				zap.Int("max_attempts", c.maxAttempts),
				zap.Error(err),
			)
			continue
		}

		c.logger.Warn("Connection attempt failed, retrying",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", c.maxAttempts),
			zap.Duration("backoff", delay),
			zap.Error(err),
		)

		if err := c.sleep(ctx, delay); err != nil {
			return err
		}
	}
}

// Reconnect replaces a failed subscription. Once the attempt budget is spent
// it runs the terminal hook, disconnects everything and returns
// pulsar.ErrReconnectExhausted.
func (c *Controller) Reconnect(ctx context.Context) error {
	c.mu.Lock()
	exhausted := c.state == StateFailed || c.attempts >= c.maxAttempts
	old := c.sub
	c.mu.Unlock()

	if exhausted {
		return c.fail()
	}

	if old != nil {
		if old.IsConnected() {
			c.logger.Info("Replacing live subscription", zap.String("endpoint", old.Endpoint()))
		}
		if c.hooks.OnDeregister != nil {
			c.hooks.OnDeregister(old)
		}
	}

	if err := c.Connect(ctx); err != nil {
		if errors.Is(err, pulsar.ErrReconnectExhausted) {
			c.fail()
		}
		return err
	}

	if c.hooks.OnRegister != nil {
		c.hooks.OnRegister(c.Subscription())
	}
	return nil
}

func (c *Controller) fail() error {
	c.mu.Lock()
	c.state = StateFailed
	c.mu.Unlock()

	c.logger.Error("Reconnection budget exhausted, stopping consumer")
	if c.hooks.OnTerminal != nil {
		c.hooks.OnTerminal()
	}
	c.Disconnect()
	return pulsar.ErrReconnectExhausted
}

// Disconnect closes the subscription and every producer connection. It is
// idempotent and leaves the attempt counter and backoff untouched.
func (c *Controller) Disconnect() {
	c.closeSubscription()
	if c.producers != nil {
		c.producers.CloseAll()
	}
}

func (c *Controller) closeSubscription() {
	c.mu.Lock()
	sub := c.sub
	c.sub = nil
	if c.state != StateFailed {
		c.state = StateDisconnected
	}
	c.mu.Unlock()

	if sub != nil {
		sub.Close()
		c.logger.Debug("Subscription closed", zap.String("endpoint", sub.Endpoint()))
	}
}

func (c *Controller) nextBackoff(current time.Duration) time.Duration {
	next := time.Duration(float64(current) * c.backoffFactor)
	if c.maxBackoff > 0 && next > c.maxBackoff {
		next = c.maxBackoff
	}
	return next
}

// Subscription returns the current subscription, or nil.
func (c *Controller) Subscription() pulsar.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sub
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Attempts returns the number of consecutive failed or in-progress attempts.
func (c *Controller) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// Backoff returns the delay that will follow the next failed attempt.
func (c *Controller) Backoff() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.backoff
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
