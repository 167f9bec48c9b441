package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"fabric.evalgo.org/bus"
	"fabric.evalgo.org/common"
	"fabric.evalgo.org/orchestration"
	"fabric.evalgo.org/store"
)

// FlowCommandHandler consumes the flow command queue. Unknown actions and
// commands for unknown flows are permanent; infrastructure trouble requeues.
func (s *Scheduler) FlowCommandHandler() bus.Handler {
	return func(ctx context.Context, body []byte) error {
		var command bus.OrchestratedFlowCommand
		if err := json.Unmarshal(body, &command); err != nil {
			return bus.Permanent(fmt.Errorf("failed to decode flow command: %w", err))
		}
		ctx = common.WithCorrelationID(ctx, command.CorrelationID)

		switch command.Action {
		case bus.FlowActionStart:
			return classifyFlowError(s.Start(ctx, command.OrchestratedFlowID, command.CorrelationID))
		case bus.FlowActionCancel:
			return classifyFlowError(s.Cancel(ctx, command.OrchestratedFlowID, command.Reason))
		default:
			return bus.Permanent(fmt.Errorf("unknown flow command action %q", command.Action))
		}
	}
}

// classifyFlowError keeps entity-resolution failures out of the requeue loop:
// a flow that does not exist will not exist on redelivery either.
func classifyFlowError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, store.ErrNotFound) || errors.Is(err, orchestration.ErrModelMissing) {
		return bus.Permanent(err)
	}
	return err
}
