package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tsarna/vinculum-pulsar/pkg/pulsar"
	"github.com/tsarna/vinculum-pulsar/pkg/pulsar/fragment"
	"go.uber.org/zap"
)

// SendResponse replies to original on its responseTopic. props override the
// defaults, except that the request context is always propagated and the
// sourceTopic is always this consumer's topic. Payloads whose encoding is
// longer than the configured maximum are sent as ordered fragments.
//
// Only one reply is on the wire at a time across the whole consumer. Errors
// are logged and returned.
func (c *Consumer) SendResponse(ctx context.Context, original *pulsar.Message, payload []byte, props pulsar.Properties) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	topic := original.ResponseTopic()
	if topic == "" {
		c.logger.Warn("Cannot reply, message has no response topic", zap.String("context", original.Context()))
		return pulsar.ErrMissingResponseTopic
	}
	merged := c.responseProperties(original, props)

	chunks := fragment.Encode(payload, c.maxPayloadSize)
	if len(chunks) > pulsar.MaxFragments {
		err := fmt.Errorf("%w: reply needs %d fragments, limit is %d",
			pulsar.ErrInvalidMessage, len(chunks), pulsar.MaxFragments)
		c.logger.Error("Failed to send reply", zap.String("topic", topic), zap.Error(err))
		return err
	}

	conn, err := c.pool.GetOrCreate(ctx, topic)
	if err != nil {
		c.logger.Error("Failed to get producer", zap.String("topic", topic), zap.Error(err))
		return err
	}

	if len(chunks) == 1 {
		err = c.produce(ctx, conn, chunks[0], merged)
	} else {
		err = c.produceFragments(ctx, conn, chunks, merged)
	}

	if err != nil && !errors.Is(err, pulsar.ErrAckFailed) {
		// The connection is in an unknown state; the next reply reopens it.
		c.pool.Remove(topic)
	}
	if err != nil {
		c.logger.Error("Failed to send reply",
			zap.String("topic", topic),
			zap.String("context", original.Context()),
			zap.Int("fragments", len(chunks)),
			zap.Error(err),
		)
		return err
	}

	c.metrics.RecordReply(ctx, merged[pulsar.PropMessageType], len(chunks))
	c.logger.Debug("Reply sent",
		zap.String("topic", topic),
		zap.String("context", original.Context()),
		zap.String("message_type", merged[pulsar.PropMessageType]),
		zap.Int("fragments", len(chunks)),
	)
	return nil
}

func (c *Consumer) responseProperties(original *pulsar.Message, props pulsar.Properties) pulsar.Properties {
	merged := props.Clone()
	merged[pulsar.PropContext] = original.Context()
	merged[pulsar.PropSourceTopic] = c.topic
	if merged[pulsar.PropMessageType] == "" {
		merged[pulsar.PropMessageType] = pulsar.MessageTypeResponse.String()
	}
	return merged
}

// produceFragments sends chunks in order, each waiting for its ack. A
// rejected fragment is logged and the rest are still sent.
func (c *Consumer) produceFragments(ctx context.Context, conn pulsar.Conn, chunks []string, props pulsar.Properties) error {
	rejected := 0
	fragments := fragment.Split(props, chunks)

	for i, f := range fragments {
		err := c.produce(ctx, conn, f.Payload, f.Properties)
		if errors.Is(err, pulsar.ErrAckFailed) {
			rejected++
		} else if err != nil {
			return fmt.Errorf("fragment %d of %d: %w", f.Index, f.Count, err)
		}

		if i < len(fragments)-1 && c.fragmentDelay > 0 {
			if err := sleep(ctx, c.fragmentDelay); err != nil {
				return err
			}
		}
	}

	if rejected > 0 {
		return fmt.Errorf("%w: %d of %d fragments", pulsar.ErrAckFailed, rejected, len(fragments))
	}
	return nil
}

// produce writes one producer frame and waits for its acknowledgment.
func (c *Consumer) produce(ctx context.Context, conn pulsar.Conn, payload string, props pulsar.Properties) error {
	data, err := json.Marshal(pulsar.ProducerMessage{
		Payload:    payload,
		Properties: props,
		Context:    props[pulsar.PropContext],
	})
	if err != nil {
		return err
	}

	if err := conn.Send(ctx, data); err != nil {
		return err
	}
	return c.awaitAck(ctx, conn, props)
}

func (c *Consumer) awaitAck(ctx context.Context, conn pulsar.Conn, props pulsar.Properties) error {
	ackCtx, cancel := context.WithTimeout(ctx, c.ackTimeout)
	defer cancel()

	for {
		data, err := conn.Recv(ackCtx)
		if err != nil {
			return fmt.Errorf("waiting for acknowledgment: %w", err)
		}
		if data == nil {
			continue
		}

		var ack pulsar.ProducerAck
		if err := json.Unmarshal(data, &ack); err != nil {
			c.metrics.RecordAckFailure(ctx)
			c.logger.Error("Unreadable producer acknowledgment", zap.ByteString("ack", data), zap.Error(err))
			return fmt.Errorf("%w: %v", pulsar.ErrAckFailed, err)
		}
		if !ack.OK() {
			c.metrics.RecordAckFailure(ctx)
			c.logger.Error("Broker rejected reply",
				zap.String("result", ack.Result),
				zap.String("error", ack.ErrorMsg),
				zap.String("context", props[pulsar.PropContext]),
				zap.String("fragment", props[pulsar.PropFragment]),
			)
			return fmt.Errorf("%w: %s", pulsar.ErrAckFailed, ack.Result)
		}
		return nil
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
