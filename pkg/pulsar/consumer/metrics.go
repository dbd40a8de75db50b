package consumer

import (
	"context"
	"time"

	"github.com/tsarna/vinculum-pulsar/pkg/pulsar/o11y"
)

// Metrics holds the instruments the consumer reports through. A nil *Metrics
// records nothing.
type Metrics struct {
	framesReceived  o11y.Counter   // Frames read from the subscription, by message type
	invalidFrames   o11y.Counter   // Frames dropped as unparseable or invalid
	acksSent        o11y.Counter   // Consumer acknowledgments written
	repliesSent     o11y.Counter   // Replies produced, by message type
	fragmentsSent   o11y.Counter   // Producer frames written as part of a fragmented reply
	ackFailures     o11y.Counter   // Producer acknowledgments that were not "ok"
	rejected        o11y.Counter   // Requests refused by the admission gate or a full worker queue
	reconnects      o11y.Counter   // Reconnect attempts started by the dispatch loop
	pings           o11y.Counter   // Liveness pings, by result
	requestDuration o11y.Histogram // Request handler duration
	inFlight        o11y.Gauge     // Admitted requests not yet finished
}

// NewMetrics creates the consumer's instruments. If the provider is nil,
// returns nil (no metrics will be collected).
func NewMetrics(provider o11y.MetricsProvider) *Metrics {
	if provider == nil {
		return nil
	}

	return &Metrics{
		framesReceived:  provider.Counter("pulsar_consumer_frames_received_total"),
		invalidFrames:   provider.Counter("pulsar_consumer_invalid_frames_total"),
		acksSent:        provider.Counter("pulsar_consumer_acks_total"),
		repliesSent:     provider.Counter("pulsar_consumer_replies_sent_total"),
		fragmentsSent:   provider.Counter("pulsar_consumer_fragments_sent_total"),
		ackFailures:     provider.Counter("pulsar_consumer_producer_ack_failures_total"),
		rejected:        provider.Counter("pulsar_consumer_requests_rejected_total"),
		reconnects:      provider.Counter("pulsar_consumer_reconnects_total"),
		pings:           provider.Counter("pulsar_consumer_pings_total"),
		requestDuration: provider.Histogram("pulsar_consumer_request_duration_seconds"),
		inFlight:        provider.Gauge("pulsar_consumer_requests_in_flight"),
	}
}

func (m *Metrics) RecordFrame(ctx context.Context, messageType string) {
	if m == nil {
		return
	}
	m.framesReceived.Add(ctx, 1, o11y.Label{Key: "type", Value: messageType})
}

func (m *Metrics) RecordInvalidFrame(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.invalidFrames.Add(ctx, 1, o11y.Label{Key: "reason", Value: reason})
}

func (m *Metrics) RecordAck(ctx context.Context) {
	if m == nil {
		return
	}
	m.acksSent.Add(ctx, 1)
}

func (m *Metrics) RecordReply(ctx context.Context, messageType string, fragments int) {
	if m == nil {
		return
	}
	m.repliesSent.Add(ctx, 1, o11y.Label{Key: "type", Value: messageType})
	if fragments > 1 {
		m.fragmentsSent.Add(ctx, int64(fragments))
	}
}

func (m *Metrics) RecordAckFailure(ctx context.Context) {
	if m == nil {
		return
	}
	m.ackFailures.Add(ctx, 1)
}

func (m *Metrics) RecordRejected(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.rejected.Add(ctx, 1, o11y.Label{Key: "reason", Value: reason})
}

func (m *Metrics) RecordReconnect(ctx context.Context) {
	if m == nil {
		return
	}
	m.reconnects.Add(ctx, 1)
}

func (m *Metrics) RecordPing(ctx context.Context, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.pings.Add(ctx, 1, o11y.Label{Key: "result", Value: result})
}

func (m *Metrics) RecordInFlight(ctx context.Context, count int) {
	if m == nil {
		return
	}
	m.inFlight.Set(ctx, float64(count))
}

// RecordRequest records the start of a request and returns a function to record completion.
// Usage:
//
//	recordCompletion := metrics.RecordRequest(ctx)
//	defer recordCompletion(err)
func (m *Metrics) RecordRequest(ctx context.Context) func(error) {
	if m == nil {
		return func(error) {}
	}

	startTime := time.Now()
	return func(err error) {
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		m.requestDuration.Record(ctx, time.Since(startTime).Seconds(), o11y.Label{Key: "outcome", Value: outcome})
	}
}
