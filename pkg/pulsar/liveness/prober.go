// Package liveness pings the consumer's subscription on a schedule and asks
// for a reconnect when a ping fails.
package liveness

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/tsarna/vinculum-pulsar/pkg/pulsar"
	"go.uber.org/zap"
)

const (
	DefaultInterval    = 60 * time.Second
	DefaultPingTimeout = 10 * time.Second
)

// ParseSchedule parses a cron expression or descriptor such as "@every 30s".
// An empty expression yields the default interval.
func ParseSchedule(expr string) (cron.Schedule, error) {
	if expr == "" {
		return cron.Every(DefaultInterval), nil
	}
	schedule, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid ping schedule %q: %w", expr, err)
	}
	return schedule, nil
}

// Prober pings the current subscription every time its schedule fires.
//
// A failed ping calls the failure callback once and ends the probe; the next
// successful connect starts a new one. A missing or disconnected subscription
// also ends the probe, without asking for a reconnect.
type Prober struct {
	schedule     cron.Schedule
	subscription func() pulsar.Conn
	onFailure    func(err error)
	onPing       func(err error)
	pingTimeout  time.Duration
	logger       *zap.Logger
}

// Start runs the probe in a new goroutine. The returned function stops it
// and waits for it to exit.
func (p *Prober) Start(ctx context.Context) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.Run(ctx)
	}()

	return func() {
		cancel()
		wg.Wait()
	}
}

// Run probes until ctx is done or the probe ends itself. Panics are
// recovered and logged.
func (p *Prober) Run(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Liveness prober panicked", zap.Any("panic", r))
		}
	}()

	p.logger.Debug("Liveness prober started")
	defer p.logger.Debug("Liveness prober stopped")

	for {
		now := time.Now()
		timer := time.NewTimer(p.schedule.Next(now).Sub(now))

		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		sub := p.subscription()
		if sub == nil || !sub.IsConnected() {
			p.logger.Info("Subscription not connected, stopping liveness prober")
			return
		}

		pingCtx, cancel := context.WithTimeout(ctx, p.pingTimeout)
		err := sub.Ping(pingCtx)
		cancel()

		if p.onPing != nil {
			p.onPing(err)
		}

		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Warn("Ping failed, requesting reconnect",
				zap.String("endpoint", sub.Endpoint()),
				zap.Error(err),
			)
			if p.onFailure != nil {
				p.onFailure(err)
			}
			return
		}

		p.logger.Debug("Ping succeeded", zap.String("endpoint", sub.Endpoint()))
	}
}

// ProberBuilder provides a fluent interface for building Probers.
type ProberBuilder struct {
	schedule     cron.Schedule
	subscription func() pulsar.Conn
	onFailure    func(err error)
	onPing       func(err error)
	pingTimeout  time.Duration
	logger       *zap.Logger
}

// NewProber creates a new Prober builder.
func NewProber() *ProberBuilder {
	return &ProberBuilder{
		schedule:    cron.Every(DefaultInterval),
		pingTimeout: DefaultPingTimeout,
		logger:      zap.NewNop(),
	}
}

// WithSchedule sets when pings are sent.
func (b *ProberBuilder) WithSchedule(schedule cron.Schedule) *ProberBuilder {
	if schedule != nil {
		b.schedule = schedule
	}
	return b
}

// WithSubscription sets the function returning the connection to ping. Required.
func (b *ProberBuilder) WithSubscription(fn func() pulsar.Conn) *ProberBuilder {
	b.subscription = fn
	return b
}

// WithOnFailure sets the function called when a ping fails.
func (b *ProberBuilder) WithOnFailure(fn func(err error)) *ProberBuilder {
	b.onFailure = fn
	return b
}

// WithPingObserver sets a function called with the outcome of every ping.
func (b *ProberBuilder) WithPingObserver(fn func(err error)) *ProberBuilder {
	b.onPing = fn
	return b
}

// WithPingTimeout bounds how long a ping may wait for its pong.
func (b *ProberBuilder) WithPingTimeout(timeout time.Duration) *ProberBuilder {
	if timeout > 0 {
		b.pingTimeout = timeout
	}
	return b
}

// WithLogger sets the logger for the prober.
func (b *ProberBuilder) WithLogger(logger *zap.Logger) *ProberBuilder {
	if logger != nil {
		b.logger = logger
	}
	return b
}

// Build creates the Prober.
func (b *ProberBuilder) Build() (*Prober, error) {
	if b.subscription == nil {
		return nil, fmt.Errorf("subscription is required")
	}

	return &Prober{
		schedule:     b.schedule,
		subscription: b.subscription,
		onFailure:    b.onFailure,
		onPing:       b.onPing,
		pingTimeout:  b.pingTimeout,
		logger:       b.logger,
	}, nil
}
