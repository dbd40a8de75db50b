package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/tsarna/vinculum-pulsar/pkg/pulsar/config"
	"github.com/tsarna/vinculum-pulsar/pkg/pulsar/consumer"
	"github.com/tsarna/vinculum-pulsar/pkg/pulsar/liveness"
	"github.com/tsarna/vinculum-pulsar/pkg/pulsar/o11y"
	"github.com/tsarna/vinculum-pulsar/pkg/pulsar/otel"
	"github.com/tsarna/vinculum-pulsar/pkg/pulsar/transform"
	"github.com/tsarna/vinculum-pulsar/pkg/pulsar/wsconn"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// version is reported in INFO replies and on telemetry.
var version = "dev"

// consumeCmd represents the consume command
var consumeCmd = &cobra.Command{
	Use:   "consume <config-file>",
	Short: "Run the consumer",
	Long: `Run the consumer described by the configuration file until interrupted.

Every REQUEST is answered with its own payload, or with the result of the
configured jq transform. Files ending in .yaml, .yml or
.json are read as YAML, anything else as HCL.

Examples:
  vinculum-pulsar consume consumer.hcl
  vinculum-pulsar consume --log-level debug consumer.yaml`,
	Args: cobra.ExactArgs(1),
	RunE: runConsume,
}

func init() {
	rootCmd.AddCommand(consumeCmd)
}

func runConsume(cmd *cobra.Command, args []string) error {
	bootstrap, err := setupLogger("info")
	if err != nil {
		return fmt.Errorf("failed to setup logger: %w", err)
	}

	cfg, err := config.Load(args[0], bootstrap)
	if err != nil {
		bootstrap.Sync()
		return err
	}

	logger := bootstrap
	if cfg.LogLevel != "" && logLevel == "" {
		if logger, err = setupLogger(cfg.LogLevel); err != nil {
			return fmt.Errorf("failed to setup logger: %w", err)
		}
	}
	defer logger.Sync()

	logger.Info("Starting consumer",
		zap.String("config", args[0]),
		zap.String("broker", cfg.BrokerURL),
		zap.String("topic", cfg.Topic),
		zap.String("subscription", cfg.Subscription),
	)

	c, err := buildConsumer(cfg, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return c.Run(ctx)
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("Shutting down consumer", zap.Int("in_flight", c.InFlight()))
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Consumer stopped", zap.Error(err))
		return err
	}
	logger.Info("Consumer stopped")
	return nil
}

func buildConsumer(cfg *config.Config, logger *zap.Logger) (*consumer.Consumer, error) {
	openerBuilder := wsconn.NewOpener().
		WithURL(cfg.BrokerURL).
		WithLogger(logger).
		WithDialTimeout(cfg.DialTimeout)
	for key, value := range cfg.Headers {
		openerBuilder.WithHeader(key, value)
	}
	if cfg.Authorization != "" {
		openerBuilder.WithAuthorization(cfg.Authorization)
	}
	opener, err := openerBuilder.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to create opener: %w", err)
	}

	schedule, err := liveness.ParseSchedule(cfg.PingSchedule)
	if err != nil {
		return nil, err
	}

	var handler consumer.RequestHandler = consumer.EchoHandler
	if cfg.Transform != "" {
		if handler, err = transform.JQ(cfg.Transform, logger); err != nil {
			return nil, err
		}
	}

	provider := otel.NewProvider("vinculum-pulsar", version)

	builder := consumer.NewConsumer().
		WithOpener(opener).
		WithTopic(cfg.Topic).
		WithSubscription(cfg.Subscription).
		WithLogger(logger).
		WithMaxWorkers(cfg.MaxWorkers).
		WithMaxPayloadSize(cfg.MaxPayloadSize).
		WithFragmentDelay(cfg.FragmentDelay).
		WithAckTimeout(cfg.AckTimeout).
		WithShutdownTimeout(cfg.ShutdownTimeout).
		WithPingSchedule(schedule).
		WithPingTimeout(cfg.PingTimeout).
		WithInitialBackoff(cfg.InitialBackoff).
		WithMaxBackoff(cfg.MaxBackoff).
		WithMaxConnectionAttempts(cfg.MaxConnectionAttempts).
		WithModuleInfo(cfg.ModuleInfo).
		WithAPIInfo(cfg.APIInfo).
		WithRequestHandler(handler).
		WithObservability(o11y.Config{MetricsProvider: provider, TracingProvider: provider})
	if cfg.QueueSize != nil {
		builder.WithQueueSize(*cfg.QueueSize)
	}

	return builder.Build()
}
