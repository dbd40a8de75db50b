package consumer

import (
	"context"
	"encoding/json"
	"fmt"
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

const (
	DefaultMaxWorkers      = workers.DefaultWorkers
	DefaultMaxPayloadSize  = 1024 * 1024
	DefaultFragmentDelay   = 20 * time.Millisecond
	DefaultAckTimeout      = 30 * time.Second
	DefaultShutdownTimeout = 30 * time.Second

	// Pending RESPONSE callbacks waiting for a turn of the dispatch loop.
	callbackQueueSize = 256
)

// Builder provides a fluent interface for building Consumers.
type Builder struct {
	opener          pulsar.Opener
	topic           string
	subscription    string
	logger          *zap.Logger
	queueSize       *int
	maxWorkers      int
	maxPayloadSize  int
	fragmentDelay   time.Duration
	ackTimeout      time.Duration
	shutdownTimeout time.Duration
	pingSchedule    cron.Schedule
	pingTimeout     time.Duration
	initialBackoff  time.Duration
	maxBackoff      time.Duration
	maxAttempts     int
	sleeper         reconnect.Sleeper
	reassemblyTTL   time.Duration
	moduleInfo      any
	apiInfo         any
	requestHandler  RequestHandler
	responseHandler ResponseHandler
	metrics         o11y.MetricsProvider
	tracing         o11y.TracingProvider
}

// NewConsumer creates a new Consumer builder.
//
// Example:
//
//	c, err := consumer.NewConsumer().
//		WithOpener(opener).
//		WithTopic("persistent://public/default/requests").
//		WithSubscription("workers").
//		WithRequestHandler(handle).
//		Build()
//	if err != nil {
//		return err
//	}
//	return c.Run(ctx)
func NewConsumer() *Builder {
	return &Builder{
		logger:          zap.NewNop(),
		maxWorkers:      DefaultMaxWorkers,
		maxPayloadSize:  DefaultMaxPayloadSize,
		fragmentDelay:   DefaultFragmentDelay,
		ackTimeout:      DefaultAckTimeout,
		shutdownTimeout: DefaultShutdownTimeout,
		pingSchedule:    cron.Every(liveness.DefaultInterval),
		pingTimeout:     liveness.DefaultPingTimeout,
		initialBackoff:  reconnect.DefaultInitialBackoff,
		maxAttempts:     reconnect.DefaultMaxAttempts,
		reassemblyTTL:   fragment.DefaultTTL,
	}
}

// WithOpener sets how broker connections are opened. Required.
func (b *Builder) WithOpener(opener pulsar.Opener) *Builder {
	b.opener = opener
	return b
}

// WithTopic sets the topic to consume from. Replies carry it as their sourceTopic. Required.
func (b *Builder) WithTopic(topic string) *Builder {
	b.topic = topic
	return b
}

// WithSubscription sets the subscription name. Required.
func (b *Builder) WithSubscription(name string) *Builder {
	b.subscription = name
	return b
}

// WithLogger sets the logger for the consumer and every component it owns.
func (b *Builder) WithLogger(logger *zap.Logger) *Builder {
	if logger != nil {
		b.logger = logger
	}
	return b
}

// WithQueueSize enables admission control with size permits. Without it every
// request is admitted.
func (b *Builder) WithQueueSize(size int) *Builder {
	b.queueSize = &size
	return b
}

// WithMaxWorkers sets how many requests are handled concurrently.
func (b *Builder) WithMaxWorkers(n int) *Builder {
	if n > 0 {
		b.maxWorkers = n
	}
	return b
}

// WithMaxPayloadSize sets the encoded payload length above which replies are fragmented.
func (b *Builder) WithMaxPayloadSize(size int) *Builder {
	if size > 0 {
		b.maxPayloadSize = size
	}
	return b
}

// WithFragmentDelay sets the pause between fragments of one reply. Zero disables it.
func (b *Builder) WithFragmentDelay(delay time.Duration) *Builder {
	if delay >= 0 {
		b.fragmentDelay = delay
	}
	return b
}

// WithAckTimeout bounds how long a reply waits for the broker's acknowledgment.
func (b *Builder) WithAckTimeout(timeout time.Duration) *Builder {
	if timeout > 0 {
		b.ackTimeout = timeout
	}
	return b
}

// WithShutdownTimeout bounds how long Run waits for queued requests on shutdown.
func (b *Builder) WithShutdownTimeout(timeout time.Duration) *Builder {
	if timeout > 0 {
		b.shutdownTimeout = timeout
	}
	return b
}

// WithPingSchedule sets when the subscription is pinged.
func (b *Builder) WithPingSchedule(schedule cron.Schedule) *Builder {
	if schedule != nil {
		b.pingSchedule = schedule
	}
	return b
}

// WithPingTimeout bounds how long a ping waits for its pong.
func (b *Builder) WithPingTimeout(timeout time.Duration) *Builder {
	if timeout > 0 {
		b.pingTimeout = timeout
	}
	return b
}

// WithInitialBackoff sets the delay after the first failed connection attempt.
func (b *Builder) WithInitialBackoff(delay time.Duration) *Builder {
	if delay > 0 {
		b.initialBackoff = delay
	}
	return b
}

// WithMaxBackoff caps the reconnect delay. Zero means no cap.
func (b *Builder) WithMaxBackoff(delay time.Duration) *Builder {
	if delay >= 0 {
		b.maxBackoff = delay
	}
	return b
}

// WithMaxConnectionAttempts sets the reconnect budget.
func (b *Builder) WithMaxConnectionAttempts(attempts int) *Builder {
	if attempts > 0 {
		b.maxAttempts = attempts
	}
	return b
}

// WithReconnectSleeper replaces the wait between connection attempts.
func (b *Builder) WithReconnectSleeper(sleeper reconnect.Sleeper) *Builder {
	b.sleeper = sleeper
	return b
}

// WithReassemblyTTL sets how long a partial inbound fragmented request is kept.
func (b *Builder) WithReassemblyTTL(ttl time.Duration) *Builder {
	if ttl > 0 {
		b.reassemblyTTL = ttl
	}
	return b
}

// WithModuleInfo sets the metadata returned to INFO requests. It must marshal to JSON.
func (b *Builder) WithModuleInfo(info any) *Builder {
	b.moduleInfo = info
	return b
}

// WithAPIInfo sets the metadata returned to API_INFO requests. It must marshal to JSON.
func (b *Builder) WithAPIInfo(info any) *Builder {
	b.apiInfo = info
	return b
}

// WithRequestHandler sets the handler for REQUEST messages.
func (b *Builder) WithRequestHandler(handler RequestHandler) *Builder {
	b.requestHandler = handler
	return b
}

// WithResponseHandler sets the handler for RESPONSE messages.
func (b *Builder) WithResponseHandler(handler ResponseHandler) *Builder {
	b.responseHandler = handler
	return b
}

// WithMetricsProvider sets the metrics provider.
func (b *Builder) WithMetricsProvider(provider o11y.MetricsProvider) *Builder {
	b.metrics = provider
	return b
}

// WithTracingProvider sets the tracing provider.
func (b *Builder) WithTracingProvider(provider o11y.TracingProvider) *Builder {
	b.tracing = provider
	return b
}

// WithObservability sets both providers from cfg.
func (b *Builder) WithObservability(cfg o11y.Config) *Builder {
	b.metrics = cfg.MetricsProvider
	b.tracing = cfg.TracingProvider
	return b
}

// Build creates the Consumer.
func (b *Builder) Build() (*Consumer, error) {
	if err := b.IsValid(); err != nil {
		return nil, err
	}

	moduleInfo, err := marshalInfo("module info", b.moduleInfo)
	if err != nil {
		return nil, err
	}
	apiInfo, err := marshalInfo("API info", b.apiInfo)
	if err != nil {
		return nil, err
	}

	workerQueue := workers.Unbounded
	if b.queueSize != nil {
		// The gate never admits more than this, so the queue cannot fill first.
		workerQueue = max(*b.queueSize, 1)
	}

	c := &Consumer{
		topic:           b.topic,
		subscription:    b.subscription,
		logger:          b.logger,
		pool:            producer.NewPool(b.opener, b.logger.Named("producer")),
		gate:            admission.New(b.queueSize, b.logger.Named("admission")),
		workers:         workers.NewPool(b.maxWorkers, workerQueue, b.logger.Named("workers")),
		reassembler:     fragment.NewReassembler(b.reassemblyTTL),
		maxPayloadSize:  b.maxPayloadSize,
		fragmentDelay:   b.fragmentDelay,
		ackTimeout:      b.ackTimeout,
		shutdownTimeout: b.shutdownTimeout,
		pingSchedule:    b.pingSchedule,
		pingTimeout:     b.pingTimeout,
		moduleInfo:      moduleInfo,
		apiInfo:         apiInfo,
		requestHandler:  b.requestHandler,
		responseHandler: b.responseHandler,
		metrics:         NewMetrics(b.metrics),
		tracing:         b.tracing,
		frames:          make(chan frame),
		callbacks:       make(chan func(context.Context), callbackQueueSize),
		reconnectCh:     make(chan pulsar.Conn, 1),
	}

	endpoint := pulsar.ConsumerEndpoint(b.topic, b.subscription)
	c.controller, err = reconnect.NewController().
		WithDialer(func(ctx context.Context) (pulsar.Conn, error) {
			return b.opener.Open(ctx, endpoint)
		}).
		WithLogger(b.logger.Named("reconnect")).
		WithInitialBackoff(b.initialBackoff).
		WithMaxBackoff(b.maxBackoff).
		WithMaxAttempts(b.maxAttempts).
		WithSleeper(b.sleeper).
		WithProducers(c.pool).
		WithHooks(reconnect.Hooks{
			OnConnect:    c.startProber,
			OnDeregister: func(pulsar.Conn) { c.deregister() },
			OnRegister:   c.register,
			OnTerminal: func() {
				c.logger.Error("Consumer stopping, broker unreachable",
					zap.String("topic", c.topic),
					zap.String("subscription", c.subscription),
				)
			},
		}).
		Build()
	if err != nil {
		return nil, err
	}

	return c, nil
}

// IsValid checks that all required configuration is present.
func (b *Builder) IsValid() error {
	if b.opener == nil {
		return fmt.Errorf("opener is required")
	}
	if b.topic == "" {
		return fmt.Errorf("topic is required")
	}
	if b.subscription == "" {
		return fmt.Errorf("subscription is required")
	}
	return nil
}

func marshalInfo(what string, info any) (string, error) {
	if info == nil {
		return "", nil
	}
	if raw, ok := info.(string); ok {
		if !json.Valid([]byte(raw)) {
			return "", fmt.Errorf("%s is not valid JSON", what)
		}
		return raw, nil
	}
	data, err := json.Marshal(info)
	if err != nil {
		return "", fmt.Errorf("failed to marshal %s: %w", what, err)
	}
	return string(data), nil
}
