package domain

import (
	"time"

	"github.com/google/uuid"
)

// ExecutionFrame is the hierarchical identity threaded through every command,
// event, cache key, log record and metric tag. PublishID changes on every
// fan-out edge; ExecutionID is stable for a branch of a run.
type ExecutionFrame struct {
	OrchestratedFlowID uuid.UUID `json:"orchestratedFlowId"`
	WorkflowID         uuid.UUID `json:"workflowId"`
	CorrelationID      uuid.UUID `json:"correlationId"`
	StepID             uuid.UUID `json:"stepId"`
	ProcessorID        uuid.UUID `json:"processorId"`
	ExecutionID        uuid.UUID `json:"executionId"`
	PublishID          uuid.UUID `json:"publishId"`
}

// OrchestrationCacheModel is the immutable in-cache snapshot of a flow: the
// step graph, each step's assignments and each step's processor binding.
// The scheduler writes it once at flow start; every consumer invocation
// reads it and never mutates it.
type OrchestrationCacheModel struct {
	OrchestratedFlowID uuid.UUID                  `json:"orchestratedFlowId"`
	WorkflowID         uuid.UUID                  `json:"workflowId"`
	StepEntities       map[uuid.UUID]Step         `json:"stepEntities"`
	Assignments        map[uuid.UUID][]Assignment `json:"assignments"`
	Processors         map[uuid.UUID]Processor    `json:"processors"`
	BuiltAt            time.Time                  `json:"builtAt"`
	Version            string                     `json:"version"`
	Cancelled          bool                       `json:"cancelled,omitempty"`
}

// EntrySteps returns the steps referenced as a successor by no other step in
// the model. These receive the seed commands at flow start.
func (m *OrchestrationCacheModel) EntrySteps() []Step {
	referenced := make(map[uuid.UUID]bool)
	for _, step := range m.StepEntities {
		for _, next := range step.NextStepIDs {
			referenced[next] = true
		}
	}

	var entries []Step
	for id, step := range m.StepEntities {
		if !referenced[id] {
			entries = append(entries, step)
		}
	}
	return entries
}
