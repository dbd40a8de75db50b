package consumer

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tsarna/vinculum-pulsar/internal/pulsartest"
	"github.com/tsarna/vinculum-pulsar/pkg/pulsar"
	"github.com/tsarna/vinculum-pulsar/pkg/pulsar/admission"
	"github.com/tsarna/vinculum-pulsar/pkg/pulsar/fragment"
	"github.com/tsarna/vinculum-pulsar/pkg/pulsar/reconnect"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const (
	testTopic    = "public/default/requests"
	replyTopic   = "public/default/replies"
	waitFor      = 2 * time.Second
	pollInterval = time.Millisecond
)

var (
	subscriptionEndpoint = pulsar.ConsumerEndpoint(testTopic, "workers")
	replyEndpoint        = pulsar.ProducerEndpoint(replyTopic)
)

// every fires at a fixed sub-second interval.
type every time.Duration

func (e every) Next(t time.Time) time.Time {
	return t.Add(time.Duration(e))
}

type harness struct {
	t        *testing.T
	opener   *pulsartest.Opener
	consumer *Consumer
	cancel   context.CancelFunc
	done     chan error
	stopped  bool
	result   error
}

func newBuilder(opener *pulsartest.Opener) *Builder {
	return NewConsumer().
		WithOpener(opener).
		WithTopic(testTopic).
		WithSubscription("workers").
		WithFragmentDelay(0).
		WithAckTimeout(time.Second).
		WithShutdownTimeout(time.Second).
		WithPingSchedule(cron.Every(time.Hour)).
		WithReconnectSleeper(func(ctx context.Context, d time.Duration) error { return ctx.Err() })
}

func start(t *testing.T, configure func(b *Builder)) *harness {
	t.Helper()

	opener := pulsartest.NewOpener()
	builder := newBuilder(opener)
	if configure != nil {
		configure(builder)
	}
	c, err := builder.Build()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	h := &harness{t: t, opener: opener, consumer: c, cancel: cancel, done: make(chan error, 1)}
	go func() { h.done <- c.Run(ctx) }()

	require.Eventually(t, func() bool { return h.sub() != nil }, waitFor, pollInterval)
	t.Cleanup(func() { h.stop() })
	return h
}

// sub returns the most recent subscription connection.
func (h *harness) sub() *pulsartest.Conn {
	return h.opener.Last("/consumer/")
}

// producer returns the most recent producer connection for topic.
func (h *harness) producer(topic string) *pulsartest.Conn {
	return h.opener.Last(pulsar.ProducerEndpoint(topic))
}

func (h *harness) stop() error {
	if h.stopped {
		return h.result
	}
	h.cancel()
	select {
	case h.result = <-h.done:
	case <-time.After(5 * time.Second):
		h.t.Fatal("consumer did not stop")
	}
	h.stopped = true
	return h.result
}

// replies waits for n replies on topic and returns them.
func (h *harness) replies(topic string, n int) []pulsar.ProducerMessage {
	h.t.Helper()
	var out []pulsar.ProducerMessage
	require.Eventually(h.t, func() bool {
		conn := h.producer(topic)
		if conn == nil {
			return false
		}
		out = conn.SentProducerMessages()
		return len(out) >= n
	}, waitFor, pollInterval)
	return out
}

func wire(id string, props pulsar.Properties, payload []byte) pulsar.WireMessage {
	return pulsar.WireMessage{
		MessageID:  id,
		Properties: props,
		Payload:    base64.StdEncoding.EncodeToString(payload),
	}
}

func props(messageType, context string) pulsar.Properties {
	return pulsar.Properties{
		pulsar.PropResponseTopic: replyTopic,
		pulsar.PropContext:       context,
		pulsar.PropMessageType:   messageType,
		pulsar.PropSourceTopic:   "public/default/clients",
	}
}

func decode(t *testing.T, msg pulsar.ProducerMessage) []byte {
	t.Helper()
	data, err := base64.StdEncoding.DecodeString(msg.Payload)
	require.NoError(t, err)
	return data
}

func TestBuilder(t *testing.T) {
	opener := pulsartest.NewOpener()

	t.Run("defaults", func(t *testing.T) {
		builder := NewConsumer()
		assert.Equal(t, DefaultMaxWorkers, builder.maxWorkers)
		assert.Equal(t, DefaultMaxPayloadSize, builder.maxPayloadSize)
		assert.Equal(t, DefaultFragmentDelay, builder.fragmentDelay)
		assert.Equal(t, reconnect.DefaultMaxAttempts, builder.maxAttempts)
		assert.Equal(t, reconnect.DefaultInitialBackoff, builder.initialBackoff)
		assert.Nil(t, builder.queueSize)
		assert.NotNil(t, builder.logger)
	})

	t.Run("invalid values are ignored", func(t *testing.T) {
		builder := NewConsumer().
			WithLogger(nil).
			WithMaxWorkers(0).
			WithMaxPayloadSize(-1).
			WithFragmentDelay(-time.Second).
			WithMaxConnectionAttempts(0).
			WithPingSchedule(nil)
		assert.NotNil(t, builder.logger)
		assert.Equal(t, DefaultMaxWorkers, builder.maxWorkers)
		assert.Equal(t, DefaultMaxPayloadSize, builder.maxPayloadSize)
		assert.Equal(t, DefaultFragmentDelay, builder.fragmentDelay)
		assert.Equal(t, reconnect.DefaultMaxAttempts, builder.maxAttempts)
		assert.NotNil(t, builder.pingSchedule)
	})

	t.Run("required fields", func(t *testing.T) {
		_, err := NewConsumer().Build()
		assert.ErrorContains(t, err, "opener is required")

		_, err = NewConsumer().WithOpener(opener).Build()
		assert.ErrorContains(t, err, "topic is required")

		_, err = NewConsumer().WithOpener(opener).WithTopic(testTopic).Build()
		assert.ErrorContains(t, err, "subscription is required")
	})

	t.Run("info must be JSON", func(t *testing.T) {
		_, err := newBuilder(opener).WithModuleInfo("{not json").Build()
		assert.ErrorContains(t, err, "module info is not valid JSON")

		_, err = newBuilder(opener).WithAPIInfo(func() {}).Build()
		assert.ErrorContains(t, err, "failed to marshal API info")

		c, err := newBuilder(opener).WithModuleInfo(map[string]string{"name": "svc"}).WithAPIInfo(`{"v":1}`).Build()
		require.NoError(t, err)
		assert.JSONEq(t, `{"name":"svc"}`, c.moduleInfo)
		assert.JSONEq(t, `{"v":1}`, c.apiInfo)
	})

	t.Run("queue size enables the gate", func(t *testing.T) {
		c, err := newBuilder(opener).WithQueueSize(3).Build()
		require.NoError(t, err)
		assert.True(t, c.gate.Enabled())
		assert.Equal(t, 3, c.gate.Capacity())

		c, err = newBuilder(opener).Build()
		require.NoError(t, err)
		assert.False(t, c.gate.Enabled())
	})
}

func TestInvalidMessagesAreDropped(t *testing.T) {
	h := start(t, nil)
	sub := h.sub()

	for i, key := range []string{pulsar.PropResponseTopic, pulsar.PropContext, pulsar.PropMessageType} {
		missing := props("PING", "ctx")
		delete(missing, key)
		sub.DeliverJSON(wire("missing-"+strconv.Itoa(i), missing, nil))

		empty := props("PING", "ctx")
		empty[key] = ""
		sub.DeliverJSON(wire("empty-"+strconv.Itoa(i), empty, nil))
	}
	sub.Deliver([]byte("not json"))

	// A valid message afterwards proves the invalid ones were processed first.
	sub.DeliverJSON(wire("valid", props("PING", "ctx"), nil))

	replies := h.replies(replyTopic, 1)
	assert.Len(t, replies, 1)
	assert.Equal(t, []string{"valid"}, sub.SentAcks())
}

func TestPingPong(t *testing.T) {
	h := start(t, nil)
	h.sub().DeliverJSON(wire("m1", props("PING", "ctx-42"), nil))

	replies := h.replies(replyTopic, 1)
	require.Len(t, replies, 1)

	reply := replies[0]
	assert.Equal(t, "PONG", reply.Properties[pulsar.PropMessageType])
	assert.Equal(t, "ctx-42", reply.Properties[pulsar.PropContext])
	assert.Equal(t, "ctx-42", reply.Context)
	assert.Equal(t, testTopic, reply.Properties[pulsar.PropSourceTopic])
	assert.Equal(t, replyEndpoint, h.producer(replyTopic).Endpoint())
	assert.Equal(t, []string{"m1"}, h.sub().SentAcks())
}

func TestPongIsNotAnswered(t *testing.T) {
	h := start(t, nil)
	sub := h.sub()
	sub.DeliverJSON(wire("m1", props("PONG", "ctx"), nil))
	sub.DeliverJSON(wire("m2", props("NOT_A_TYPE", "ctx"), nil))

	assert.Eventually(t, func() bool { return len(sub.SentAcks()) == 2 }, waitFor, pollInterval)
	assert.Nil(t, h.producer(replyTopic))
}

func TestInfoReplies(t *testing.T) {
	h := start(t, func(b *Builder) {
		b.WithModuleInfo(map[string]any{"name": "resolver", "version": "1.2.0"})
	})
	h.sub().DeliverJSON(wire("m1", props("INFO", "ctx-info"), nil))
	h.sub().DeliverJSON(wire("m2", props("API_INFO", "ctx-api"), nil))

	replies := h.replies(replyTopic, 2)
	require.Len(t, replies, 2)

	assert.Equal(t, "ctx-info", replies[0].Properties[pulsar.PropContext])
	assert.JSONEq(t, `{"name":"resolver","version":"1.2.0"}`, replies[0].Properties[pulsar.PropInfo])
	assert.Equal(t, "RESPONSE", replies[0].Properties[pulsar.PropMessageType])

	assert.Equal(t, "ctx-api", replies[1].Properties[pulsar.PropContext])
	assert.Equal(t, apiInfoUnavailable, replies[1].Properties[pulsar.PropError])
	assert.NotContains(t, replies[1].Properties, pulsar.PropInfo)
}

func TestRequestIsHandled(t *testing.T) {
	h := start(t, func(b *Builder) { b.WithRequestHandler(EchoHandler) })
	h.sub().DeliverJSON(wire("m1", props("REQUEST", "ctx-1"), []byte("hello")))

	replies := h.replies(replyTopic, 1)
	assert.Equal(t, []byte("hello"), decode(t, replies[0]))
	assert.Equal(t, "RESPONSE", replies[0].Properties[pulsar.PropMessageType])
	assert.Equal(t, "ctx-1", replies[0].Properties[pulsar.PropContext])
}

func TestBackpressure(t *testing.T) {
	release := make(chan struct{})
	var handled atomic.Int32
	h := start(t, func(b *Builder) {
		b.WithQueueSize(1).WithRequestHandler(func(ctx context.Context, req *pulsar.Message, r Responder) error {
			if handled.Add(1) == 1 {
				<-release
			}
			return r.SendResponse(ctx, req, []byte("done"), nil)
		})
	})
	sub := h.sub()

	sub.DeliverJSON(wire("m1", props("REQUEST", "first"), nil))
	require.Eventually(t, func() bool { return h.consumer.InFlight() == 1 }, waitFor, pollInterval)

	sub.DeliverJSON(wire("m2", props("REQUEST", "second"), nil))
	replies := h.replies(replyTopic, 1)
	assert.Equal(t, "second", replies[0].Properties[pulsar.PropContext])
	assert.Equal(t, admission.OverloadMessage, replies[0].Properties[pulsar.PropError])
	assert.JSONEq(t, `{"error":"`+admission.OverloadMessage+`"}`, string(decode(t, replies[0])))
	assert.Equal(t, int32(1), handled.Load())

	close(release)
	require.Eventually(t, func() bool { return h.consumer.InFlight() == 0 }, waitFor, pollInterval)

	sub.DeliverJSON(wire("m3", props("REQUEST", "third"), nil))
	replies = h.replies(replyTopic, 3)
	assert.Equal(t, int32(2), handled.Load())
	assert.ElementsMatch(t, []string{"second", "first", "third"}, []string{
		replies[0].Properties[pulsar.PropContext],
		replies[1].Properties[pulsar.PropContext],
		replies[2].Properties[pulsar.PropContext],
	})
}

func TestZeroQueueSizeRejectsEverything(t *testing.T) {
	var handled atomic.Int32
	h := start(t, func(b *Builder) {
		b.WithQueueSize(0).WithRequestHandler(func(context.Context, *pulsar.Message, Responder) error {
			handled.Add(1)
			return nil
		})
	})
	h.sub().DeliverJSON(wire("m1", props("REQUEST", "ctx"), nil))

	replies := h.replies(replyTopic, 1)
	assert.Equal(t, admission.OverloadMessage, replies[0].Properties[pulsar.PropError])
	assert.Equal(t, int32(0), handled.Load())
}

func TestDisabledGateNeverRejects(t *testing.T) {
	const requests = 1100
	release := make(chan struct{})
	var handled atomic.Int32
	h := start(t, func(b *Builder) {
		b.WithMaxWorkers(1).WithRequestHandler(func(context.Context, *pulsar.Message, Responder) error {
			<-release
			handled.Add(1)
			return nil
		})
	})
	sub := h.sub()

	for i := 0; i < requests; i++ {
		sub.DeliverJSON(wire("m"+strconv.Itoa(i), props("REQUEST", "ctx-"+strconv.Itoa(i)), nil))
	}
	require.Eventually(t, func() bool { return len(sub.SentAcks()) == requests }, 5*time.Second, pollInterval)
	assert.Nil(t, h.producer(replyTopic), "no request should be rejected")

	close(release)
	require.Eventually(t, func() bool { return handled.Load() == requests }, 5*time.Second, pollInterval)
	assert.Nil(t, h.producer(replyTopic))
}

func TestPermitReleasedWhenHandlerFails(t *testing.T) {
	for name, handler := range map[string]RequestHandler{
		"error": func(context.Context, *pulsar.Message, Responder) error {
			return errors.New("handler failed")
		},
		"panic": func(context.Context, *pulsar.Message, Responder) error {
			panic("handler exploded")
		},
	} {
		t.Run(name, func(t *testing.T) {
			var calls atomic.Int32
			h := start(t, func(b *Builder) {
				b.WithQueueSize(1).WithRequestHandler(func(ctx context.Context, req *pulsar.Message, r Responder) error {
					calls.Add(1)
					return handler(ctx, req, r)
				})
			})

			for i := 1; i <= 3; i++ {
				h.sub().DeliverJSON(wire("m"+strconv.Itoa(i), props("REQUEST", "ctx"), nil))
				require.Eventually(t, func() bool {
					return calls.Load() == int32(i) && h.consumer.InFlight() == 0
				}, waitFor, pollInterval)
			}

			assert.True(t, h.consumer.gate.TryAcquire())
			h.consumer.gate.Release()
			assert.Nil(t, h.producer(replyTopic), "a failed handler must not trigger an overload reply")
		})
	}
}

func TestProducerPoolReuse(t *testing.T) {
	h := start(t, func(b *Builder) { b.WithRequestHandler(EchoHandler) })
	sub := h.sub()

	sub.DeliverJSON(wire("m1", props("REQUEST", "a"), []byte("1")))
	sub.DeliverJSON(wire("m2", props("REQUEST", "b"), []byte("2")))
	h.replies(replyTopic, 2)

	other := props("REQUEST", "c")
	other[pulsar.PropResponseTopic] = "public/default/other"
	sub.DeliverJSON(wire("m3", other, []byte("3")))
	h.replies("public/default/other", 1)

	var producers []*pulsartest.Conn
	for _, conn := range h.opener.Opened() {
		if conn.Endpoint() != subscriptionEndpoint {
			producers = append(producers, conn)
		}
	}
	require.Len(t, producers, 2)
	assert.NotSame(t, producers[0], producers[1])

	first, err := h.consumer.pool.GetOrCreate(context.Background(), replyTopic)
	require.NoError(t, err)
	assert.Same(t, producers[0], first)
	assert.Equal(t, 2, h.consumer.pool.Len())
}

func TestResponseHandlerRunsOnLoop(t *testing.T) {
	got := make(chan *pulsar.Message, 1)
	h := start(t, func(b *Builder) {
		b.WithResponseHandler(func(ctx context.Context, msg *pulsar.Message) { got <- msg })
	})
	h.sub().DeliverJSON(wire("m1", props("RESPONSE", "ctx-r"), []byte("result")))

	select {
	case msg := <-got:
		assert.Equal(t, "ctx-r", msg.Context())
		payload, err := msg.DecodePayload()
		require.NoError(t, err)
		assert.Equal(t, []byte("result"), payload)
	case <-time.After(waitFor):
		t.Fatal("response handler was not called")
	}
	assert.Nil(t, h.producer(replyTopic))
}

func TestReconnectAfterReceiveError(t *testing.T) {
	h := start(t, nil)
	first := h.sub()

	first.FailRecv(pulsartest.ErrInjected)
	require.Eventually(t, func() bool { return h.sub() != first }, waitFor, pollInterval)
	second := h.sub()
	assert.Equal(t, 1, first.CloseCount())

	second.DeliverJSON(wire("m1", props("PING", "after"), nil))
	replies := h.replies(replyTopic, 1)
	assert.Equal(t, "after", replies[0].Properties[pulsar.PropContext])
	assert.Equal(t, reconnect.StateConnected, h.consumer.State())
}

func TestProberTriggersReconnect(t *testing.T) {
	h := start(t, func(b *Builder) {
		b.WithPingSchedule(every(5 * time.Millisecond))
	})
	first := h.sub()
	first.SetPingError(pulsartest.ErrInjected)

	require.Eventually(t, func() bool { return h.sub() != first }, waitFor, pollInterval)
	assert.False(t, first.IsConnected())
	assert.Eventually(t, func() bool { return h.sub().PingCount() > 0 }, waitFor, pollInterval)
}

func TestReconnectBudgetStopsLoop(t *testing.T) {
	h := start(t, func(b *Builder) { b.WithMaxConnectionAttempts(3) })
	h.opener.FailAll(true)
	h.sub().FailRecv(pulsartest.ErrInjected)

	select {
	case err := <-h.done:
		h.stopped, h.result = true, err
		assert.ErrorIs(t, err, pulsar.ErrReconnectExhausted)
	case <-time.After(waitFor):
		t.Fatal("consumer kept running after the reconnect budget was spent")
	}

	assert.Equal(t, 1+3, h.opener.Attempts())
	assert.Equal(t, reconnect.StateFailed, h.consumer.State())
	assert.False(t, h.sub().IsConnected())
}

func TestInitialConnectExhaustion(t *testing.T) {
	opener := pulsartest.NewOpener()
	opener.FailAll(true)
	c, err := newBuilder(opener).WithMaxConnectionAttempts(2).Build()
	require.NoError(t, err)

	err = c.Run(context.Background())
	assert.ErrorIs(t, err, pulsar.ErrReconnectExhausted)
	assert.Equal(t, 2, opener.Attempts())

	assert.ErrorContains(t, c.Run(context.Background()), "already running")
}

func TestFragmentedRequestIsReassembled(t *testing.T) {
	got := make(chan []byte, 1)
	h := start(t, func(b *Builder) {
		b.WithRequestHandler(func(ctx context.Context, req *pulsar.Message, r Responder) error {
			payload, err := req.DecodePayload()
			got <- payload
			return err
		})
	})

	payload := []byte("a request large enough to arrive in several pieces")
	fragments := fragment.Split(props("REQUEST", "ctx-frag"), fragment.Encode(payload, 16))
	require.Greater(t, len(fragments), 2)

	for i := len(fragments) - 1; i >= 0; i-- {
		f := fragments[i]
		h.sub().DeliverJSON(pulsar.WireMessage{
			MessageID:  "f" + strconv.Itoa(f.Index),
			Properties: f.Properties,
			Payload:    f.Payload,
		})
	}

	select {
	case joined := <-got:
		assert.Equal(t, payload, joined)
	case <-time.After(waitFor):
		t.Fatal("reassembled request was not dispatched")
	}
	assert.Len(t, h.sub().SentAcks(), len(fragments))
}

func TestBadFragmentMetadataIsDropped(t *testing.T) {
	var handled atomic.Int32
	h := start(t, func(b *Builder) {
		b.WithRequestHandler(func(context.Context, *pulsar.Message, Responder) error {
			handled.Add(1)
			return nil
		})
	})
	sub := h.sub()

	bad := []map[string]string{
		{pulsar.PropFragment: "0", pulsar.PropNumFragments: "4611686018427387903"},
		{pulsar.PropFragment: "0", pulsar.PropNumFragments: "1000000000"},
		{pulsar.PropFragment: "2", pulsar.PropNumFragments: "2"},
		{pulsar.PropFragment: "-1", pulsar.PropNumFragments: "2"},
		{pulsar.PropFragment: "0", pulsar.PropNumFragments: "0"},
		{pulsar.PropFragment: "zero", pulsar.PropNumFragments: "2"},
		{pulsar.PropFragment: "0"},
		{pulsar.PropNumFragments: "2"},
	}
	for i, extra := range bad {
		p := props("REQUEST", "ctx-bad-"+strconv.Itoa(i))
		for k, v := range extra {
			p[k] = v
		}
		sub.DeliverJSON(wire("bad-"+strconv.Itoa(i), p, []byte("x")))
	}

	// The loop is still running and answers the next message.
	sub.DeliverJSON(wire("ping", props("PING", "ctx-ping"), nil))
	replies := h.replies(replyTopic, 1)
	require.Len(t, replies, 1)
	assert.Equal(t, "PONG", replies[0].Properties[pulsar.PropMessageType])
	assert.Len(t, sub.SentAcks(), len(bad)+1)
	assert.Equal(t, int32(0), handled.Load())
}

func TestReplyWithTooManyFragmentsIsRefused(t *testing.T) {
	opener := pulsartest.NewOpener()
	c, err := newBuilder(opener).WithMaxPayloadSize(1).Build()
	require.NoError(t, err)

	original := pulsar.NewMessage("m1", props("REQUEST", "ctx-big"), "")
	err = c.SendResponse(context.Background(), original, bytes.Repeat([]byte("x"), pulsar.MaxFragments), nil)
	assert.ErrorIs(t, err, pulsar.ErrInvalidMessage)
	assert.Nil(t, opener.Last(replyEndpoint))
}

func TestShutdownDrainsRequests(t *testing.T) {
	started := make(chan struct{})
	proceed := make(chan struct{})
	h := start(t, func(b *Builder) {
		b.WithRequestHandler(func(ctx context.Context, req *pulsar.Message, r Responder) error {
			close(started)
			<-proceed
			return r.SendResponse(ctx, req, []byte("late"), nil)
		})
	})
	h.sub().DeliverJSON(wire("m1", props("REQUEST", "ctx"), nil))
	<-started

	stopped := make(chan error, 1)
	go func() { stopped <- h.stop() }()

	time.Sleep(10 * time.Millisecond)
	close(proceed)

	select {
	case err := <-stopped:
		assert.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("consumer did not stop")
	}

	replies := h.producer(replyTopic).SentProducerMessages()
	require.Len(t, replies, 1)
	assert.Equal(t, []byte("late"), decode(t, replies[0]))
	assert.False(t, h.producer(replyTopic).IsConnected())
	assert.False(t, h.sub().IsConnected())
}
