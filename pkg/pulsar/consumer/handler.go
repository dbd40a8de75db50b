package consumer

import (
	"context"

	"github.com/tsarna/vinculum-pulsar/pkg/pulsar"
)

// Responder sends a reply addressed to the responseTopic of original.
type Responder interface {
	SendResponse(ctx context.Context, original *pulsar.Message, payload []byte, props pulsar.Properties) error
}

// RequestHandler processes one REQUEST on a worker goroutine. It replies
// through r as many times as it likes; a returned error is logged.
type RequestHandler func(ctx context.Context, req *pulsar.Message, r Responder) error

// ResponseHandler processes one RESPONSE on the dispatch loop goroutine.
type ResponseHandler func(ctx context.Context, msg *pulsar.Message)

// EchoHandler replies to every request with its own decoded payload.
func EchoHandler(ctx context.Context, req *pulsar.Message, r Responder) error {
	payload, err := req.DecodePayload()
	if err != nil {
		return err
	}
	return r.SendResponse(ctx, req, payload, nil)
}
