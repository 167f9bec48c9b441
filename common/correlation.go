package common

import (
	"context"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"fabric.evalgo.org/domain"
)

// DefaultCorrelationHeader is the HTTP header and AMQP message header carrying
// the correlation ID end to end. Deployments may rename it via configuration.
const DefaultCorrelationHeader = "X-Correlation-ID"

type correlationKey struct{}

// WithCorrelationID returns a context carrying the given correlation ID.
func WithCorrelationID(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// CorrelationID extracts the correlation ID from the context. The second
// return value reports whether one was set.
func CorrelationID(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(correlationKey{}).(uuid.UUID)
	return id, ok
}

// EnsureCorrelationID returns the context's correlation ID, generating and
// attaching a fresh one when absent.
func EnsureCorrelationID(ctx context.Context) (context.Context, uuid.UUID) {
	if id, ok := CorrelationID(ctx); ok {
		return ctx, id
	}
	id := uuid.New()
	return WithCorrelationID(ctx, id), id
}

// ClearCorrelationID detaches any correlation ID from the context.
func ClearCorrelationID(ctx context.Context) context.Context {
	return context.WithValue(ctx, correlationKey{}, nil)
}

// FrameFields converts an execution frame into logrus fields so every record
// carries the full six-ID hierarchy.
func FrameFields(frame domain.ExecutionFrame) logrus.Fields {
	return logrus.Fields{
		"orchestrated_flow_id": frame.OrchestratedFlowID,
		"workflow_id":          frame.WorkflowID,
		"correlation_id":       frame.CorrelationID,
		"step_id":              frame.StepID,
		"processor_id":         frame.ProcessorID,
		"execution_id":         frame.ExecutionID,
		"publish_id":           frame.PublishID,
	}
}
