// Package consumer runs the dispatch loop of a Pulsar request/response
// consumer: it reads the subscription, acknowledges and classifies frames,
// hands requests to a worker pool behind an admission gate and sends replies
// through cached producer connections.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/tsarna/vinculum-pulsar/pkg/pulsar"
	"github.com/tsarna/vinculum-pulsar/pkg/pulsar/admission"
	"github.com/tsarna/vinculum-pulsar/pkg/pulsar/fragment"
	"github.com/tsarna/vinculum-pulsar/pkg/pulsar/liveness"
	"github.com/tsarna/vinculum-pulsar/pkg/pulsar/o11y"
	"github.com/tsarna/vinculum-pulsar/pkg/pulsar/producer"
	"github.com/tsarna/vinculum-pulsar/pkg/pulsar/reconnect"
	"github.com/tsarna/vinculum-pulsar/pkg/pulsar/workers"
	"go.uber.org/zap"
)

// frame is one read from a subscription, tagged with the generation of the
// reader that produced it.
type frame struct {
	gen  uint64
	data []byte
	err  error
}

// Consumer owns one subscription and everything needed to answer what
// arrives on it. Build one with NewConsumer and call Run once.
type Consumer struct {
	topic        string
	subscription string
	logger       *zap.Logger

	pool        *producer.Pool
	gate        *admission.Gate
	workers     *workers.Pool
	controller  *reconnect.Controller
	reassembler *fragment.Reassembler // loop-owned

	maxPayloadSize  int
	fragmentDelay   time.Duration
	ackTimeout      time.Duration
	shutdownTimeout time.Duration
	pingSchedule    cron.Schedule
	pingTimeout     time.Duration
	moduleInfo      string
	apiInfo         string

	requestHandler  RequestHandler
	responseHandler ResponseHandler

	metrics *Metrics
	tracing o11y.TracingProvider

	// Serializes every reply so fragment sequences never interleave.
	sendMu sync.Mutex

	frames      chan frame
	callbacks   chan func(context.Context)
	reconnectCh chan pulsar.Conn

	running atomic.Bool
	runCtx  context.Context

	// Owned by the dispatch loop goroutine.
	generation   uint64
	readerCancel context.CancelFunc
	readerDone   chan struct{}
	stopProbe    func()
}

// Run connects and dispatches until ctx is cancelled or the reconnect budget
// is spent. On cancellation it waits for queued requests, disconnects and
// returns nil. On exhaustion it returns pulsar.ErrReconnectExhausted.
func (c *Consumer) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return fmt.Errorf("consumer is already running")
	}
	c.runCtx = ctx

	c.workers.Start()
	defer c.shutdown()

	c.logger.Info("Starting consumer",
		zap.String("topic", c.topic),
		zap.String("subscription", c.subscription),
	)

	if err := c.controller.Connect(ctx); err != nil {
		if errors.Is(err, pulsar.ErrReconnectExhausted) {
			c.controller.Disconnect()
			return err
		}
		return nil
	}
	c.register(c.controller.Subscription())

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Consumer shutting down")
			return nil

		case f := <-c.frames:
			if f.gen != c.generation {
				continue
			}
			if err := c.onReadable(ctx, f); err != nil {
				return err
			}

		case fn := <-c.callbacks:
			c.runCallback(ctx, fn)

		case conn := <-c.reconnectCh:
			if conn != c.controller.Subscription() {
				c.logger.Debug("Ignoring reconnect request for a replaced subscription")
				continue
			}
			if err := c.reconnect(ctx); err != nil {
				return err
			}
		}
	}
}

// reconnect returns an error only when the budget is spent.
func (c *Consumer) reconnect(ctx context.Context) error {
	if ctx.Err() != nil {
		return nil
	}
	c.metrics.RecordReconnect(ctx)

	err := c.controller.Reconnect(ctx)
	if errors.Is(err, pulsar.ErrReconnectExhausted) {
		return err
	}
	if err != nil && ctx.Err() == nil {
		c.logger.Error("Reconnect failed", zap.Error(err))
	}
	return nil
}

// register starts reading conn on a new generation.
func (c *Consumer) register(conn pulsar.Conn) {
	if conn == nil {
		return
	}
	c.stopReader()

	c.generation++
	gen := c.generation
	ctx, cancel := context.WithCancel(c.runCtx)
	done := make(chan struct{})
	c.readerCancel = cancel
	c.readerDone = done

	go func() {
		defer close(done)
		for {
			data, err := conn.Recv(ctx)
			if ctx.Err() != nil {
				return
			}
			select {
			case c.frames <- frame{gen: gen, data: data, err: err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	c.logger.Debug("Subscription registered", zap.String("endpoint", conn.Endpoint()), zap.Uint64("generation", gen))
}

// deregister stops the current reader and prober. Frames already read for
// the old generation are discarded by the loop.
func (c *Consumer) deregister() {
	if c.stopProbe != nil {
		c.stopProbe()
		c.stopProbe = nil
	}
	c.stopReader()
}

func (c *Consumer) stopReader() {
	if c.readerCancel != nil {
		c.readerCancel()
		<-c.readerDone
		c.readerCancel = nil
		c.readerDone = nil
		c.generation++
	}
}

func (c *Consumer) startProber(conn pulsar.Conn) {
	if c.stopProbe != nil {
		c.stopProbe()
	}

	prober, err := liveness.NewProber().
		WithSchedule(c.pingSchedule).
		WithPingTimeout(c.pingTimeout).
		WithSubscription(c.controller.Subscription).
		WithOnFailure(func(error) {
			select {
			case c.reconnectCh <- conn:
			default:
			}
		}).
		WithPingObserver(func(err error) { c.metrics.RecordPing(c.runCtx, err) }).
		WithLogger(c.logger.Named("liveness")).
		Build()
	if err != nil {
		c.logger.Error("Failed to start liveness prober", zap.Error(err))
		return
	}
	c.stopProbe = prober.Start(c.runCtx)
}

// schedule queues fn to run on the dispatch loop. When the queue is full it
// runs fn immediately; callers are always on the loop goroutine.
func (c *Consumer) schedule(ctx context.Context, fn func(context.Context)) {
	select {
	case c.callbacks <- fn:
	default:
		c.logger.Warn("Callback queue full, running response handler inline")
		c.runCallback(ctx, fn)
	}
}

func (c *Consumer) runCallback(ctx context.Context, fn func(context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Response handler panicked", zap.Any("panic", r))
		}
	}()
	fn(ctx)
}

func (c *Consumer) shutdown() {
	c.deregister()

	ctx, cancel := context.WithTimeout(context.Background(), c.shutdownTimeout)
	defer cancel()
	if err := c.workers.Close(ctx); err != nil {
		c.logger.Warn("Requests still running at shutdown", zap.Error(err))
	}

	c.controller.Disconnect()
	c.pool.Close()
	c.logger.Info("Consumer stopped")
}

// Topic returns the consumed topic.
func (c *Consumer) Topic() string { return c.topic }

// State returns the state of the subscription connection.
func (c *Consumer) State() reconnect.State { return c.controller.State() }

// InFlight returns the number of admitted requests not yet finished.
func (c *Consumer) InFlight() int { return c.gate.InFlight() }
