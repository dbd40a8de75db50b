package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/tsarna/vinculum-pulsar/pkg/pulsar/fakebroker"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// brokerCmd represents the broker command
var brokerCmd = &cobra.Command{
	Use:   "broker",
	Short: "Run an in-memory stand-in for the broker's WebSocket API",
	Long: `Run an in-memory stand-in for the broker's WebSocket API, for local
development. Messages produced to a topic are delivered to its consumers, or
kept until one subscribes. Nothing is persisted.

Examples:
  vinculum-pulsar broker
  vinculum-pulsar broker --listen :9090`,
	Args: cobra.NoArgs,
	RunE: runBroker,
}

var brokerListen string

func init() {
	rootCmd.AddCommand(brokerCmd)

	brokerCmd.Flags().StringVar(&brokerListen, "listen", "localhost:8080", "address to listen on")
}

func runBroker(cmd *cobra.Command, args []string) error {
	logger, err := setupLogger("info")
	if err != nil {
		return fmt.Errorf("failed to setup logger: %w", err)
	}
	defer logger.Sync()

	broker := fakebroker.New(logger)
	server := &http.Server{
		Addr:              brokerListen,
		Handler:           broker,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Broker listening", zap.String("address", brokerListen))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		broker.DropConnections()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
