package cmd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tsarna/vinculum-pulsar/pkg/pulsar/config"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestSetupLogger(t *testing.T) {
	reset := func() {
		verbose, debug, logLevel = false, false, ""
	}
	t.Cleanup(reset)

	for _, tc := range []struct {
		name     string
		flags    func()
		fallback string
		expected zapcore.Level
	}{
		{"fallback", func() {}, "warn", zap.WarnLevel},
		{"flag overrides fallback", func() { logLevel = "error" }, "warn", zap.ErrorLevel},
		{"verbose raises info", func() { verbose = true }, "info", zap.DebugLevel},
		{"verbose keeps explicit warn", func() { verbose = true }, "warn", zap.WarnLevel},
		{"debug always wins", func() { debug = true; logLevel = "error" }, "", zap.DebugLevel},
		{"unknown is info", func() {}, "chatty", zap.InfoLevel},
	} {
		t.Run(tc.name, func(t *testing.T) {
			reset()
			tc.flags()
			logger, err := setupLogger(tc.fallback)
			require.NoError(t, err)
			assert.True(t, logger.Core().Enabled(tc.expected))
			if tc.expected > zap.DebugLevel {
				assert.False(t, logger.Core().Enabled(tc.expected-1))
			}
		})
	}
}

func TestBuildConsumer(t *testing.T) {
	queueSize := 2
	cfg := &config.Config{
		BrokerURL:     "ws://localhost:8080",
		Topic:         "public/default/jobs",
		Subscription:  "workers",
		Headers:       map[string]string{"X-Tenant": "acme"},
		Authorization: "Bearer token",
		QueueSize:     &queueSize,
	}
	cfg.ApplyDefaults()

	c, err := buildConsumer(cfg, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, "public/default/jobs", c.Topic())

	cfg.PingSchedule = "never"
	_, err = buildConsumer(cfg, zap.NewNop())
	assert.Error(t, err)

	cfg.PingSchedule = ""
	cfg.Transform = ".["
	_, err = buildConsumer(cfg, zap.NewNop())
	assert.ErrorContains(t, err, "JQ")

	cfg.Transform = ""
	cfg.BrokerURL = "tcp://localhost"
	_, err = buildConsumer(cfg, zap.NewNop())
	assert.ErrorContains(t, err, "failed to create opener")
}

func TestCommandsRegistered(t *testing.T) {
	names := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	assert.True(t, names["consume"])
	assert.True(t, names["request"])
	assert.True(t, names["broker"])
}
