package client

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tsarna/vinculum-pulsar/pkg/pulsar"
	"github.com/tsarna/vinculum-pulsar/pkg/pulsar/consumer"
	"github.com/tsarna/vinculum-pulsar/pkg/pulsar/fakebroker"
	"github.com/tsarna/vinculum-pulsar/pkg/pulsar/reconnect"
	"github.com/tsarna/vinculum-pulsar/pkg/pulsar/wsconn"
	"go.uber.org/zap/zaptest"
)

const (
	requestTopic = "public/default/requests"
	replyTopic   = "public/default/replies"
	waitFor      = 5 * time.Second
)

type env struct {
	broker *fakebroker.Broker
	opener *wsconn.Opener
}

func newEnv(t *testing.T) *env {
	t.Helper()
	broker := fakebroker.New(zaptest.NewLogger(t))
	server := httptest.NewServer(broker)
	t.Cleanup(func() {
		broker.DropConnections()
		server.Close()
	})

	opener, err := wsconn.NewOpener().
		WithURL("ws" + strings.TrimPrefix(server.URL, "http")).
		WithDialTimeout(time.Second).
		WithLogger(zaptest.NewLogger(t)).
		Build()
	require.NoError(t, err)
	return &env{broker: broker, opener: opener}
}

// runConsumer starts a consumer on requestTopic and stops it at cleanup.
func (e *env) runConsumer(t *testing.T, configure func(*consumer.Builder)) *consumer.Consumer {
	t.Helper()
	builder := consumer.NewConsumer().
		WithOpener(e.opener).
		WithTopic(requestTopic).
		WithSubscription("workers").
		WithLogger(zaptest.NewLogger(t)).
		WithFragmentDelay(0).
		WithAckTimeout(time.Second).
		WithShutdownTimeout(time.Second).
		WithPingSchedule(cron.Every(time.Hour)).
		WithReconnectSleeper(func(ctx context.Context, d time.Duration) error { return ctx.Err() }).
		WithRequestHandler(consumer.EchoHandler)
	if configure != nil {
		configure(builder)
	}
	c, err := builder.Build()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(waitFor):
			t.Error("consumer did not stop")
		}
	})

	require.Eventually(t, func() bool { return e.broker.Subscribers(requestTopic) == 1 }, waitFor, time.Millisecond)
	return c
}

func (e *env) newClient(t *testing.T) *Client {
	t.Helper()
	cl, err := NewClient().
		WithOpener(e.opener).
		WithReplyTopic(replyTopic).
		WithLogger(zaptest.NewLogger(t)).
		WithAckTimeout(time.Second).
		Build()
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, cl.Connect(ctx))
	t.Cleanup(func() { cl.Close() })
	require.Eventually(t, func() bool { return e.broker.Subscribers(replyTopic) == 1 }, waitFor, time.Millisecond)
	return cl
}

func TestBuilder(t *testing.T) {
	t.Run("opener is required", func(t *testing.T) {
		_, err := NewClient().WithReplyTopic(replyTopic).Build()
		assert.ErrorContains(t, err, "opener is required")
	})

	t.Run("reply topic is required", func(t *testing.T) {
		_, err := NewClient().WithOpener(pulsar.OpenerFunc(nil)).Build()
		assert.ErrorContains(t, err, "reply topic is required")
	})

	t.Run("random subscription", func(t *testing.T) {
		a, err := NewClient().WithOpener(pulsar.OpenerFunc(nil)).WithReplyTopic(replyTopic).Build()
		require.NoError(t, err)
		b, err := NewClient().WithOpener(pulsar.OpenerFunc(nil)).WithReplyTopic(replyTopic).Build()
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(a.subscription, "client-"))
		assert.NotEqual(t, a.subscription, b.subscription)
	})

	t.Run("invalid values are ignored", func(t *testing.T) {
		builder := NewClient().WithLogger(nil).WithAckTimeout(0).WithReassemblyTTL(-1)
		assert.NotNil(t, builder.logger)
		assert.Equal(t, DefaultAckTimeout, builder.ackTimeout)
		assert.Equal(t, DefaultReassemblyTTL, builder.reassemblyTTL)
	})
}

func TestRequestBeforeConnect(t *testing.T) {
	cl, err := NewClient().WithOpener(pulsar.OpenerFunc(nil)).WithReplyTopic(replyTopic).Build()
	require.NoError(t, err)

	_, err = cl.Request(context.Background(), requestTopic, pulsar.MessageTypeRequest, nil, nil)
	assert.ErrorIs(t, err, pulsar.ErrNotConnected)
}

func TestConnectTwice(t *testing.T) {
	e := newEnv(t)
	cl := e.newClient(t)
	assert.ErrorContains(t, cl.Connect(context.Background()), "already started")
}

func TestEndToEnd(t *testing.T) {
	e := newEnv(t)
	e.runConsumer(t, func(b *consumer.Builder) {
		b.WithModuleInfo(map[string]any{"name": "echo", "version": "1.0.0"})
	})
	cl := e.newClient(t)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()

	t.Run("request is echoed", func(t *testing.T) {
		reply, err := cl.Request(ctx, requestTopic, pulsar.MessageTypeRequest, []byte(`{"op":"sum"}`), pulsar.Properties{"tenant": "acme"})
		require.NoError(t, err)

		payload, err := reply.DecodePayload()
		require.NoError(t, err)
		assert.JSONEq(t, `{"op":"sum"}`, string(payload))
		assert.Equal(t, pulsar.MessageTypeResponse.String(), reply.Property(pulsar.PropMessageType))
		assert.Equal(t, requestTopic, reply.SourceTopic())
	})

	t.Run("ping", func(t *testing.T) {
		reply, err := cl.Request(ctx, requestTopic, pulsar.MessageTypePing, nil, nil)
		require.NoError(t, err)
		assert.Equal(t, pulsar.MessageTypePong.String(), reply.Property(pulsar.PropMessageType))
		assert.NoError(t, cl.Ping(ctx, requestTopic))
	})

	t.Run("info", func(t *testing.T) {
		reply, err := cl.Request(ctx, requestTopic, pulsar.MessageTypeInfo, nil, nil)
		require.NoError(t, err)
		var info map[string]any
		require.NoError(t, json.Unmarshal([]byte(reply.Property(pulsar.PropInfo)), &info))
		assert.Equal(t, "echo", info["name"])
	})

	t.Run("api info unavailable", func(t *testing.T) {
		reply, err := cl.Request(ctx, requestTopic, pulsar.MessageTypeAPIInfo, nil, nil)
		require.NoError(t, err)
		assert.Equal(t, "API info not available", reply.Property(pulsar.PropError))
	})

	t.Run("messages are acknowledged", func(t *testing.T) {
		assert.NotEmpty(t, e.broker.Acked())
	})
}

func TestEndToEndFragmented(t *testing.T) {
	e := newEnv(t)
	e.runConsumer(t, func(b *consumer.Builder) {
		b.WithMaxPayloadSize(64)
	})
	cl := e.newClient(t)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()

	payload := bytes.Repeat([]byte("0123456789"), 50)
	reply, err := cl.Request(ctx, requestTopic, pulsar.MessageTypeRequest, payload, nil)
	require.NoError(t, err)

	decoded, err := reply.DecodePayload()
	require.NoError(t, err)
	assert.Equal(t, payload, decoded)
	_, _, isFragment := reply.Fragment()
	assert.False(t, isFragment)
}

func TestEndToEndReconnect(t *testing.T) {
	e := newEnv(t)
	c := e.runConsumer(t, nil)

	e.broker.DropConnections()
	require.Eventually(t, func() bool {
		return e.broker.Connections(requestTopic) == 2 &&
			e.broker.Subscribers(requestTopic) == 1 &&
			c.State() == reconnect.StateConnected
	}, waitFor, time.Millisecond)

	cl := e.newClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()

	reply, err := cl.Request(ctx, requestTopic, pulsar.MessageTypeRequest, []byte("after restart"), nil)
	require.NoError(t, err)
	payload, err := reply.DecodePayload()
	require.NoError(t, err)
	assert.Equal(t, "after restart", string(payload))
}

func TestRejectedRequest(t *testing.T) {
	e := newEnv(t)
	cl := e.newClient(t)
	e.broker.RejectNext(1)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()

	_, err := cl.Request(ctx, requestTopic, pulsar.MessageTypeRequest, []byte("x"), nil)
	assert.ErrorIs(t, err, pulsar.ErrAckFailed)
}
