package bus

import (
	"strings"

	"github.com/google/uuid"

	"fabric.evalgo.org/domain"
)

// Queue naming. Processor command queues are shared by every instance of the
// same composite key (competing consumers); the orchestrator owns the two
// event queues, the scheduler owns the flow command queue.
const (
	ExecutedEventQueue = "fabric.events.executed"
	FailedEventQueue   = "fabric.events.failed"
	FlowCommandQueue   = "fabric.commands.flow"
	EntityEventQueue   = "fabric.events.entity"
)

// ActivityQueueName returns the command queue for a processor composite key
// ("version:name").
func ActivityQueueName(compositeKey string) string {
	return "fabric.activity." + strings.ReplaceAll(compositeKey, ":", ".")
}

// ExecuteActivityCommand instructs a processor to run one step's activity.
// Entities carries the step's assignments resolved from the orchestration
// cache model.
type ExecuteActivityCommand struct {
	domain.ExecutionFrame
	Entities []domain.Assignment `json:"entities,omitempty"`
}

// ActivityExecutedEvent is published by a processor when an activity reaches
// a terminal (or reportable) status without raising.
type ActivityExecutedEvent struct {
	domain.ExecutionFrame
	Status            domain.ActivityStatus `json:"status"`
	DurationMs        int64                 `json:"duration"`
	ResultDataSize    int64                 `json:"resultDataSize"`
	EntitiesProcessed int                   `json:"entitiesProcessed"`
}

// ActivityFailedEvent is published by a processor when an activity raises,
// times out or fails validation.
type ActivityFailedEvent struct {
	domain.ExecutionFrame
	DurationMs          int64  `json:"duration"`
	ErrorMessage        string `json:"errorMessage"`
	ExceptionType       string `json:"exceptionType,omitempty"`
	StackTrace          string `json:"stackTrace,omitempty"`
	IsValidationFailure bool   `json:"isValidationFailure"`
}

// Flow command actions carried on the flow command queue.
const (
	FlowActionStart  = "start"
	FlowActionCancel = "cancel"
)

// OrchestratedFlowCommand asks the scheduler to start or cancel a flow.
// Cancelling tombstones the running flow: in-flight edges finish naturally,
// new fan-outs are suppressed.
type OrchestratedFlowCommand struct {
	Action             string    `json:"action"`
	OrchestratedFlowID uuid.UUID `json:"orchestratedFlowId"`
	CorrelationID      uuid.UUID `json:"correlationId"`
	Reason             string    `json:"reason,omitempty"`
}

// EntityEvent is the CRUD change notification emitted by the entity managers.
// The orchestration core does not subscribe to these.
type EntityEvent struct {
	Entity        string    `json:"entity"`
	Action        string    `json:"action"` // created, updated, deleted
	EntityID      uuid.UUID `json:"entityId"`
	CorrelationID uuid.UUID `json:"correlationId"`
}
