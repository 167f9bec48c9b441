package cache

import (
	"fmt"

	"fabric.evalgo.org/domain"
)

// ActivityDataKey composes the fixed six-part key under which a step's
// activity data blob lives in the processor-activity map:
//
//	{processorId}:{orchestratedFlowId}:{correlationId}:{executionId}:{stepId}:{publishId}
//
// PublishID is uuid.Nil for seed commands emitted at flow start.
func ActivityDataKey(frame domain.ExecutionFrame) string {
	return fmt.Sprintf("%s:%s:%s:%s:%s:%s",
		frame.ProcessorID,
		frame.OrchestratedFlowID,
		frame.CorrelationID,
		frame.ExecutionID,
		frame.StepID,
		frame.PublishID,
	)
}

// FileRegistrationKey composes the deduplication key used by file-handling
// plugins to claim a path exactly once via PutIfAbsent.
func FileRegistrationKey(path string) string {
	return "file-registration:" + path
}
