// Package transform builds request handlers that reshape JSON payloads.
package transform

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/itchyny/gojq"
	"github.com/tsarna/vinculum-pulsar/pkg/pulsar"
	"github.com/tsarna/vinculum-pulsar/pkg/pulsar/consumer"
	"go.uber.org/zap"
)

// JQ returns a RequestHandler that runs a jq query against each request
// payload and replies with the result as JSON.
//
// Payloads that are not valid JSON are passed to the query as a string.
// The query has access to the following variables:
//   - $context: the request's correlation context
//   - $source: the sourceTopic of the request, or ""
//   - $properties: every request property as an object
//
// A query producing several results replies with an array of them, and one
// producing none replies with null. Query errors are replied with the error
// property set and are returned to the consumer to be logged.
//
// Example:
//
//	handler, err := transform.JQ("{sum: (.numbers | add), by: $context}", logger)
func JQ(query string, logger *zap.Logger) (consumer.RequestHandler, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	parsed, err := gojq.Parse(query)
	if err != nil {
		return nil, fmt.Errorf("failed to parse JQ query '%s': %w", query, err)
	}
	code, err := gojq.Compile(parsed, gojq.WithVariables([]string{"$context", "$source", "$properties"}))
	if err != nil {
		return nil, fmt.Errorf("failed to compile JQ query '%s': %w", query, err)
	}

	return func(ctx context.Context, req *pulsar.Message, r consumer.Responder) error {
		raw, err := req.DecodePayload()
		if err != nil {
			return replyError(ctx, req, r, fmt.Errorf("undecodable payload: %w", err))
		}

		var input any
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &input); err != nil {
				input = string(raw)
			}
		}

		props := make(map[string]any)
		for key, value := range req.Properties() {
			props[key] = value
		}

		var results []any
		iter := code.RunWithContext(ctx, input, req.Context(), req.SourceTopic(), props)
		for {
			result, ok := iter.Next()
			if !ok {
				break
			}
			if execErr, isErr := result.(error); isErr {
				logger.Debug("JQ execution error",
					zap.String("jq_query", query),
					zap.String("context", req.Context()),
					zap.Error(execErr),
				)
				return replyError(ctx, req, r, execErr)
			}
			results = append(results, result)
		}

		var out any
		switch len(results) {
		case 0:
		case 1:
			out = results[0]
		default:
			out = results
		}

		payload, err := gojq.Marshal(out)
		if err != nil {
			return replyError(ctx, req, r, err)
		}
		return r.SendResponse(ctx, req, payload, nil)
	}, nil
}

func replyError(ctx context.Context, req *pulsar.Message, r consumer.Responder, cause error) error {
	if err := r.SendResponse(ctx, req, nil, pulsar.Properties{pulsar.PropError: cause.Error()}); err != nil {
		return fmt.Errorf("%v (reply failed: %w)", cause, err)
	}
	return cause
}
