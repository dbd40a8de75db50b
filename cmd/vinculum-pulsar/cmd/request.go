package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/tsarna/vinculum-pulsar/pkg/pulsar"
	"github.com/tsarna/vinculum-pulsar/pkg/pulsar/client"
	"github.com/tsarna/vinculum-pulsar/pkg/pulsar/wsconn"
	"go.uber.org/zap"
)

// requestCmd represents the request command
var requestCmd = &cobra.Command{
	Use:   "request <broker-url> <topic> [payload]",
	Short: "Send one message to a consumer and print the reply",
	Long: `Send one message to the consumer listening on a topic and print the reply
payload to stdout. Reply properties are logged.

The message type defaults to REQUEST; PING, INFO and API_INFO may be used to
probe a running consumer.

Examples:
  vinculum-pulsar request ws://localhost:8080 public/default/jobs '{"op":"sum"}'
  vinculum-pulsar request --type PING ws://localhost:8080 public/default/jobs
  vinculum-pulsar request --type INFO --reply-topic public/default/me ws://localhost:8080 public/default/jobs`,
	Args: cobra.RangeArgs(2, 3),
	RunE: runRequest,
}

var (
	requestType        string
	requestReplyTopic  string
	requestProperties  []string
	requestDialTimeout time.Duration
	requestTimeout     time.Duration
)

func init() {
	rootCmd.AddCommand(requestCmd)

	requestCmd.Flags().StringVarP(&requestType, "type", "t", pulsar.MessageTypeRequest.String(), "message type")
	requestCmd.Flags().StringVar(&requestReplyTopic, "reply-topic", "public/default/vinculum-pulsar-replies", "topic to receive the reply on")
	requestCmd.Flags().StringArrayVarP(&requestProperties, "property", "p", nil, "extra message property as key=value (repeatable)")
	requestCmd.Flags().DurationVar(&requestDialTimeout, "dial-timeout", 10*time.Second, "WebSocket dial timeout")
	requestCmd.Flags().DurationVar(&requestTimeout, "timeout", 30*time.Second, "Total operation timeout")
}

func runRequest(cmd *cobra.Command, args []string) error {
	logger, err := setupLogger("info")
	if err != nil {
		return fmt.Errorf("failed to setup logger: %w", err)
	}
	defer logger.Sync()

	messageType, ok := pulsar.ParseMessageType(strings.ToUpper(requestType))
	if !ok {
		return fmt.Errorf("unknown message type %q", requestType)
	}

	props := pulsar.Properties{}
	for _, kv := range requestProperties {
		key, value, found := strings.Cut(kv, "=")
		if !found || key == "" {
			return fmt.Errorf("invalid property %q, expected key=value", kv)
		}
		props[key] = value
	}

	var payload []byte
	if len(args) == 3 {
		payload = []byte(args[2])
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
	defer cancel()

	opener, err := wsconn.NewOpener().
		WithURL(args[0]).
		WithLogger(logger).
		WithDialTimeout(requestDialTimeout).
		Build()
	if err != nil {
		return fmt.Errorf("failed to create opener: %w", err)
	}

	cl, err := client.NewClient().
		WithOpener(opener).
		WithReplyTopic(requestReplyTopic).
		WithLogger(logger).
		Build()
	if err != nil {
		return fmt.Errorf("failed to create client: %w", err)
	}
	if err := cl.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer cl.Close()

	started := time.Now()
	reply, err := cl.Request(ctx, args[1], messageType, payload, props)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}

	logger.Info("Reply received",
		zap.String("topic", args[1]),
		zap.Duration("elapsed", time.Since(started)),
		zap.Any("properties", reply.Properties()),
	)

	body, err := reply.DecodePayload()
	if err != nil {
		return fmt.Errorf("failed to decode reply payload: %w", err)
	}
	if len(body) > 0 {
		fmt.Fprintln(os.Stdout, string(body))
	}
	if info := reply.Property(pulsar.PropInfo); info != "" {
		fmt.Fprintln(os.Stdout, info)
	}
	if msg := reply.Property(pulsar.PropError); msg != "" {
		return fmt.Errorf("consumer replied with error: %s", msg)
	}
	return nil
}
