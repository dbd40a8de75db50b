package cmd

import (
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	verbose  bool
	debug    bool
	logLevel string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "vinculum-pulsar",
	Short: "Pulsar WebSocket request/response consumer",
	Long: `vinculum-pulsar consumes requests from a Pulsar topic over the broker's
WebSocket API and replies on each request's response topic.

Configuration is read from an HCL or YAML file. The consumer reconnects with
exponential backoff, probes its subscription for liveness and bounds the
number of requests in flight.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "debug output")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "", "log level (debug, info, warn, error)")
}

// setupLogger builds the process logger. fallback is used when neither the
// flags nor --log-level pick a level.
func setupLogger(fallback string) (*zap.Logger, error) {
	level := logLevel
	if level == "" {
		level = fallback
	}

	// Override log level based on flags
	if debug || (verbose && (level == "" || level == "info")) {
		level = "debug"
	}

	var zapLevel zap.AtomicLevel
	switch strings.ToLower(level) {
	case "debug":
		zapLevel = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "warn", "warning":
		zapLevel = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		zapLevel = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		zapLevel = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	config := zap.NewProductionConfig()
	config.Level = zapLevel
	config.Development = debug

	return config.Build()
}
