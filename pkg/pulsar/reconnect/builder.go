package reconnect

import (
	"fmt"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultInitialBackoff = 1 * time.Second
	DefaultBackoffFactor  = 2.0
	DefaultMaxAttempts    = 10
)

// ControllerBuilder provides a fluent interface for building Controllers.
type ControllerBuilder struct {
	dialer         Dialer
	logger         *zap.Logger
	initialBackoff time.Duration
	maxBackoff     time.Duration
	backoffFactor  float64
	maxAttempts    int
	sleep          Sleeper
	producers      ProducerCloser
	hooks          Hooks
}

// NewController creates a new Controller builder.
func NewController() *ControllerBuilder {
	return &ControllerBuilder{
		logger:         zap.NewNop(),
		initialBackoff: DefaultInitialBackoff,
		backoffFactor:  DefaultBackoffFactor,
		maxAttempts:    DefaultMaxAttempts,
		sleep:          sleepContext,
	}
}

// WithDialer sets the function that opens the subscription. Required.
func (b *ControllerBuilder) WithDialer(dialer Dialer) *ControllerBuilder {
	b.dialer = dialer
	return b
}

// WithLogger sets the logger for the controller.
func (b *ControllerBuilder) WithLogger(logger *zap.Logger) *ControllerBuilder {
	if logger != nil {
		b.logger = logger
	}
	return b
}

// WithInitialBackoff sets the delay after the first failed attempt.
func (b *ControllerBuilder) WithInitialBackoff(delay time.Duration) *ControllerBuilder {
	if delay > 0 {
		b.initialBackoff = delay
	}
	return b
}

// WithMaxBackoff caps the delay between attempts. Zero means no cap.
func (b *ControllerBuilder) WithMaxBackoff(delay time.Duration) *ControllerBuilder {
	if delay >= 0 {
		b.maxBackoff = delay
	}
	return b
}

// WithBackoffFactor sets the multiplier applied after each failure. Values
// below 1.0 are ignored.
func (b *ControllerBuilder) WithBackoffFactor(factor float64) *ControllerBuilder {
	if factor >= 1.0 {
		b.backoffFactor = factor
	}
	return b
}

// WithMaxAttempts sets the number of consecutive attempts before giving up.
func (b *ControllerBuilder) WithMaxAttempts(attempts int) *ControllerBuilder {
	if attempts > 0 {
		b.maxAttempts = attempts
	}
	return b
}

// WithSleeper replaces the function used to wait between attempts.
func (b *ControllerBuilder) WithSleeper(sleep Sleeper) *ControllerBuilder {
	if sleep != nil {
		b.sleep = sleep
	}
	return b
}

// WithProducers sets the producer pool closed by Disconnect.
func (b *ControllerBuilder) WithProducers(producers ProducerCloser) *ControllerBuilder {
	b.producers = producers
	return b
}

// WithHooks sets the lifecycle hooks.
func (b *ControllerBuilder) WithHooks(hooks Hooks) *ControllerBuilder {
	b.hooks = hooks
	return b
}

// Build creates the Controller.
func (b *ControllerBuilder) Build() (*Controller, error) {
	if err := b.IsValid(); err != nil {
		return nil, err
	}

	return &Controller{
		dialer:         b.dialer,
		logger:         b.logger,
		initialBackoff: b.initialBackoff,
		maxBackoff:     b.maxBackoff,
		backoffFactor:  b.backoffFactor,
		maxAttempts:    b.maxAttempts,
		sleep:          b.sleep,
		producers:      b.producers,
		hooks:          b.hooks,
		backoff:        b.initialBackoff,
		state:          StateDisconnected,
	}, nil
}

// IsValid checks that all required configuration is present.
func (b *ControllerBuilder) IsValid() error {
	if b.dialer == nil {
		return fmt.Errorf("dialer is required")
	}
	return nil
}
