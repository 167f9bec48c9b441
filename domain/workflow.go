package domain

import "github.com/google/uuid"

// ActivityStatus is the terminal (or in-flight) status an activity reports.
type ActivityStatus string

const (
	StatusProcessing ActivityStatus = "Processing"
	StatusCompleted  ActivityStatus = "Completed"
	StatusFailed     ActivityStatus = "Failed"
	StatusCancelled  ActivityStatus = "Cancelled"
)

// EntryCondition is the predicate on the upstream activity's status that
// decides whether an edge into a step fires.
type EntryCondition string

const (
	PreviousProcessing EntryCondition = "PreviousProcessing"
	PreviousCompleted  EntryCondition = "PreviousCompleted"
	PreviousFailed     EntryCondition = "PreviousFailed"
	PreviousCancelled  EntryCondition = "PreviousCancelled"
	Always             EntryCondition = "Always"
	Never              EntryCondition = "Never"
)

// Admits reports whether the condition lets an edge fire for the observed
// upstream status. Unknown conditions never admit.
func (c EntryCondition) Admits(status ActivityStatus) bool {
	switch c {
	case PreviousProcessing:
		return status == StatusProcessing
	case PreviousCompleted:
		return status == StatusCompleted
	case PreviousFailed:
		return status == StatusFailed
	case PreviousCancelled:
		return status == StatusCancelled
	case Always:
		return true
	case Never:
		return false
	default:
		return false
	}
}

// Step is a node in the workflow graph: one processor, one entry condition,
// and the IDs of the steps it fans out to. An empty NextStepIDs marks a
// terminal branch.
type Step struct {
	ID             uuid.UUID      `json:"id"`
	ProcessorID    uuid.UUID      `json:"processorId"`
	NextStepIDs    []uuid.UUID    `json:"nextStepIds,omitempty"`
	EntryCondition EntryCondition `json:"entryCondition"`
}

// Workflow is a named set of steps. The graph is implicit in each step's
// NextStepIDs; cycles are permitted by the model (see the static validator in
// the workflow package for the opt-in refusal).
type Workflow struct {
	ID      uuid.UUID   `json:"id"`
	Version string      `json:"version"`
	Name    string      `json:"name"`
	StepIDs []uuid.UUID `json:"stepIds"`
}

// OrchestratedFlow pins a workflow to a concrete assignment set and an
// optional schedule, making it startable.
type OrchestratedFlow struct {
	ID            uuid.UUID   `json:"id"`
	WorkflowID    uuid.UUID   `json:"workflowId"`
	AssignmentIDs []uuid.UUID `json:"assignmentIds,omitempty"`
	Schedule      string      `json:"schedule,omitempty"`
}
