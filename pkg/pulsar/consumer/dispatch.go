package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/tsarna/vinculum-pulsar/pkg/pulsar"
	"github.com/tsarna/vinculum-pulsar/pkg/pulsar/admission"
	"github.com/tsarna/vinculum-pulsar/pkg/pulsar/o11y"
	"go.uber.org/zap"
)

const (
	moduleInfoUnavailable = "Module info not available"
	apiInfoUnavailable    = "API info not available"
)

// onReadable handles one read from the subscription. It returns an error
// only when the reconnect budget is spent.
func (c *Consumer) onReadable(ctx context.Context, f frame) error {
	sub := c.controller.Subscription()
	if sub == nil || !sub.IsConnected() {
		c.logger.Warn("Subscription lost, reconnecting")
		return c.reconnect(ctx)
	}

	if f.err != nil {
		c.logger.Warn("Receive failed, reconnecting", zap.Error(f.err))
		return c.reconnect(ctx)
	}
	if f.data == nil {
		return nil
	}

	msg, err := pulsar.Parse(f.data)
	if err != nil {
		c.metrics.RecordInvalidFrame(ctx, "parse")
		c.logger.Warn("Dropping unparseable frame", zap.Error(err))
		return nil
	}
	if err := msg.Validate(); err != nil {
		c.metrics.RecordInvalidFrame(ctx, "invalid")
		c.logger.Warn("Dropping invalid message",
			zap.String("message_id", msg.ID()),
			zap.Error(err),
		)
		return nil
	}

	c.acknowledge(ctx, sub, msg)

	if msg.IsFragment() {
		joined, done, err := c.reassembler.Add(msg)
		if err != nil {
			c.metrics.RecordInvalidFrame(ctx, "fragment")
			c.logger.Warn("Dropping fragment", zap.String("context", msg.Context()), zap.Error(err))
			return nil
		}
		if !done {
			c.logger.Debug("Buffered fragment",
				zap.String("context", msg.Context()),
				zap.String("fragment", msg.Property(pulsar.PropFragment)),
				zap.String("num_fragments", msg.Property(pulsar.PropNumFragments)),
			)
			return nil
		}
		msg = joined
	}

	c.dispatch(ctx, msg)
	return nil
}

// acknowledge confirms receipt of msg to the broker. A failed ack is left for
// the next receive to surface.
func (c *Consumer) acknowledge(ctx context.Context, sub pulsar.Conn, msg *pulsar.Message) {
	if msg.ID() == "" {
		c.logger.Debug("Message has no id, not acknowledging")
		return
	}

	data, err := json.Marshal(pulsar.ConsumerAck{MessageID: msg.ID()})
	if err != nil {
		c.logger.Error("Failed to marshal acknowledgment", zap.Error(err))
		return
	}
	if err := sub.Send(ctx, data); err != nil {
		c.logger.Warn("Failed to acknowledge message", zap.String("message_id", msg.ID()), zap.Error(err))
		return
	}
	c.metrics.RecordAck(ctx)
}

func (c *Consumer) dispatch(ctx context.Context, msg *pulsar.Message) {
	messageType, ok := msg.Type()
	if !ok {
		c.metrics.RecordFrame(ctx, "unknown")
		c.logger.Warn("Ignoring message of unknown type",
			zap.String("message_type", msg.Property(pulsar.PropMessageType)),
			zap.String("context", msg.Context()),
		)
		return
	}
	c.metrics.RecordFrame(ctx, messageType.String())

	switch messageType {
	case pulsar.MessageTypePing:
		c.handlePing(ctx, msg)
	case pulsar.MessageTypePong:
		c.handlePong(ctx, msg)
	case pulsar.MessageTypeInfo:
		c.handleInfo(ctx, msg, c.moduleInfo, moduleInfoUnavailable)
	case pulsar.MessageTypeAPIInfo:
		c.handleInfo(ctx, msg, c.apiInfo, apiInfoUnavailable)
	case pulsar.MessageTypeRequest:
		c.handleRequest(ctx, msg)
	case pulsar.MessageTypeResponse:
		c.handleResponse(ctx, msg)
	}
}

func (c *Consumer) handlePing(ctx context.Context, msg *pulsar.Message) {
	c.reply(ctx, msg, nil, pulsar.Properties{pulsar.PropMessageType: pulsar.MessageTypePong.String()})
}

func (c *Consumer) handlePong(ctx context.Context, msg *pulsar.Message) {
	c.logger.Info("Received pong",
		zap.String("source_topic", msg.SourceTopic()),
		zap.String("context", msg.Context()),
	)
}

func (c *Consumer) handleInfo(ctx context.Context, msg *pulsar.Message, info, unavailable string) {
	props := pulsar.Properties{pulsar.PropInfo: info}
	if info == "" {
		props = pulsar.Properties{pulsar.PropError: unavailable}
	}
	c.reply(ctx, msg, nil, props)
}

func (c *Consumer) handleRequest(ctx context.Context, msg *pulsar.Message) {
	if !c.gate.TryAcquire() {
		c.metrics.RecordRejected(ctx, "admission")
		c.logger.Warn("Rejecting request, consumer is saturated",
			zap.String("context", msg.Context()),
			zap.Int("in_flight", c.gate.InFlight()),
		)
		c.rejectOverload(ctx, msg)
		return
	}
	c.metrics.RecordInFlight(ctx, c.gate.InFlight())

	err := c.workers.Submit(func(taskCtx context.Context) {
		defer func() {
			c.gate.Release()
			c.metrics.RecordInFlight(taskCtx, c.gate.InFlight())
		}()
		c.handleRequestTask(taskCtx, msg)
	})
	if err == nil {
		return
	}

	c.gate.Release()
	c.metrics.RecordInFlight(ctx, c.gate.InFlight())
	if errors.Is(err, pulsar.ErrQueueFull) {
		c.metrics.RecordRejected(ctx, "queue")
		c.logger.Warn("Rejecting request, worker queue is full", zap.String("context", msg.Context()))
		c.rejectOverload(ctx, msg)
		return
	}
	c.logger.Error("Failed to submit request", zap.String("context", msg.Context()), zap.Error(err))
}

// handleRequestTask runs the request handler on a worker goroutine.
func (c *Consumer) handleRequestTask(ctx context.Context, msg *pulsar.Message) {
	ctx, span := o11y.StartSpan(ctx, c.tracing, "pulsar.request")
	defer span.End()
	span.SetAttributes(
		o11y.Label{Key: "pulsar.context", Value: msg.Context()},
		o11y.Label{Key: "pulsar.response_topic", Value: msg.ResponseTopic()},
	)

	var err error
	recordCompletion := c.metrics.RecordRequest(ctx)
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("request handler panicked: %v", r)
		}
		recordCompletion(err)
		if err != nil {
			span.SetStatus(o11y.SpanStatusError, err.Error())
			c.logger.Error("Request handler failed", zap.String("context", msg.Context()), zap.Error(err))
			return
		}
		span.SetStatus(o11y.SpanStatusOK, "")
	}()

	if c.requestHandler == nil {
		c.logger.Warn("No request handler configured, dropping request", zap.String("context", msg.Context()))
		return
	}
	err = c.requestHandler(ctx, msg, c)
}

// overloadPayload is the JSON body of every overload rejection.
var overloadPayload = []byte(`{"error":` + strconv.Quote(admission.OverloadMessage) + `}`)

func (c *Consumer) rejectOverload(ctx context.Context, msg *pulsar.Message) {
	c.reply(ctx, msg, overloadPayload, pulsar.Properties{pulsar.PropError: admission.OverloadMessage})
}

func (c *Consumer) handleResponse(ctx context.Context, msg *pulsar.Message) {
	if c.responseHandler == nil {
		c.logger.Info("No response handler configured, discarding response",
			zap.String("context", msg.Context()),
			zap.String("source_topic", msg.SourceTopic()),
		)
		return
	}

	handler := c.responseHandler
	c.schedule(ctx, func(ctx context.Context) { handler(ctx, msg) })
}

// reply sends a loop-originated reply. Failures are logged by SendResponse.
func (c *Consumer) reply(ctx context.Context, msg *pulsar.Message, payload []byte, props pulsar.Properties) {
	_ = c.SendResponse(ctx, msg, payload, props)
}
