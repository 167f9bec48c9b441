// Package scheduler admits orchestrated flow runs: it resolves the flow's
// entity graph, gates on processor health, freezes the orchestration cache
// model and seeds the entry steps with execute commands. It also tombstones
// running flows on cancel and drives interval-scheduled flows.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"fabric.evalgo.org/bus"
	"fabric.evalgo.org/common"
	"fabric.evalgo.org/domain"
	"fabric.evalgo.org/health"
	"fabric.evalgo.org/orchestration"
)

// Resolver supplies the entities a flow start needs. The store-backed
// implementation lives in this package; the manager package provides an
// HTTP-backed one for split deployments.
type Resolver interface {
	OrchestratedFlow(ctx context.Context, id uuid.UUID) (domain.OrchestratedFlow, error)
	Workflow(ctx context.Context, id uuid.UUID) (domain.Workflow, error)
	Step(ctx context.Context, id uuid.UUID) (domain.Step, error)
	Processor(ctx context.Context, id uuid.UUID) (domain.Processor, error)
	Assignment(ctx context.Context, id uuid.UUID) (domain.Assignment, error)
	ScheduledFlows(ctx context.Context) ([]domain.OrchestratedFlow, error)
}

// Scheduler starts and cancels orchestrated flows.
type Scheduler struct {
	resolver  Resolver
	models    *orchestration.ModelStore
	publisher bus.Publisher
	monitor   *health.Monitor
	logger    *logrus.Entry
}

// New wires a scheduler. monitor may be nil to disable the health gate.
func New(resolver Resolver, models *orchestration.ModelStore, publisher bus.Publisher, monitor *health.Monitor, logger *logrus.Logger) *Scheduler {
	if logger == nil {
		logger = common.Logger
	}
	return &Scheduler{
		resolver:  resolver,
		models:    models,
		publisher: publisher,
		monitor:   monitor,
		logger:    logger.WithField("component", "scheduler"),
	}
}

// Start admits one run of the flow: resolve, gate, freeze the model, seed the
// entry steps. Each entry step gets a fresh execution ID and a nil publish ID.
func (s *Scheduler) Start(ctx context.Context, flowID, correlationID uuid.UUID) error {
	if correlationID == uuid.Nil {
		correlationID = uuid.New()
	}
	logger := s.logger.WithFields(logrus.Fields{
		"orchestrated_flow_id": flowID,
		"correlation_id":       correlationID,
	})

	model, err := s.buildModel(ctx, flowID)
	if err != nil {
		return err
	}

	if s.monitor != nil {
		keys := make([]string, 0, len(model.Processors))
		for _, processor := range model.Processors {
			keys = append(keys, processor.CompositeKey())
		}
		if err := s.monitor.RequireHealthy(ctx, keys); err != nil {
			return fmt.Errorf("flow %s refused: %w", flowID, err)
		}
	}

	if err := s.models.Save(ctx, model); err != nil {
		return err
	}

	entrySteps := model.EntrySteps()
	if len(entrySteps) == 0 {
		return fmt.Errorf("flow %s has no entry steps", flowID)
	}

	for _, step := range entrySteps {
		frame := domain.ExecutionFrame{
			OrchestratedFlowID: flowID,
			WorkflowID:         model.WorkflowID,
			CorrelationID:      correlationID,
			StepID:             step.ID,
			ProcessorID:        step.ProcessorID,
			ExecutionID:        uuid.New(),
			PublishID:          uuid.Nil,
		}
		command := bus.ExecuteActivityCommand{
			ExecutionFrame: frame,
			Entities:       model.Assignments[step.ID],
		}
		queue := bus.ActivityQueueName(model.Processors[step.ProcessorID].CompositeKey())
		if err := s.publisher.Publish(ctx, queue, command); err != nil {
			return fmt.Errorf("failed to seed entry step %s: %w", step.ID, err)
		}
		logger.WithFields(logrus.Fields{
			"step_id":      step.ID,
			"execution_id": frame.ExecutionID,
			"queue":        queue,
		}).Info("entry step seeded")
	}

	logger.WithField("entry_steps", len(entrySteps)).Info("flow started")
	return nil
}

// Cancel tombstones the flow's cached model.
func (s *Scheduler) Cancel(ctx context.Context, flowID uuid.UUID, reason string) error {
	if err := s.models.Tombstone(ctx, flowID); err != nil {
		return err
	}
	s.logger.WithFields(logrus.Fields{
		"orchestrated_flow_id": flowID,
		"reason":               reason,
	}).Info("flow cancelled")
	return nil
}

// buildModel resolves the flow's whole entity graph into the immutable
// snapshot the engine dispatches from.
func (s *Scheduler) buildModel(ctx context.Context, flowID uuid.UUID) (*domain.OrchestrationCacheModel, error) {
	flow, err := s.resolver.OrchestratedFlow(ctx, flowID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve flow %s: %w", flowID, err)
	}

	workflow, err := s.resolver.Workflow(ctx, flow.WorkflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve workflow %s: %w", flow.WorkflowID, err)
	}

	model := &domain.OrchestrationCacheModel{
		OrchestratedFlowID: flow.ID,
		WorkflowID:         workflow.ID,
		StepEntities:       make(map[uuid.UUID]domain.Step, len(workflow.StepIDs)),
		Assignments:        make(map[uuid.UUID][]domain.Assignment),
		Processors:         make(map[uuid.UUID]domain.Processor),
		BuiltAt:            time.Now().UTC(),
		Version:            workflow.Version,
	}

	for _, stepID := range workflow.StepIDs {
		step, err := s.resolver.Step(ctx, stepID)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve step %s: %w", stepID, err)
		}
		model.StepEntities[step.ID] = step

		if _, seen := model.Processors[step.ProcessorID]; !seen {
			processor, err := s.resolver.Processor(ctx, step.ProcessorID)
			if err != nil {
				return nil, fmt.Errorf("failed to resolve processor %s: %w", step.ProcessorID, err)
			}
			model.Processors[processor.ID] = processor
		}
	}

	for _, assignmentID := range flow.AssignmentIDs {
		assignment, err := s.resolver.Assignment(ctx, assignmentID)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve assignment %s: %w", assignmentID, err)
		}
		if _, known := model.StepEntities[assignment.StepID]; !known {
			return nil, fmt.Errorf("assignment %s targets step %s outside workflow %s", assignment.ID, assignment.StepID, workflow.ID)
		}
		model.Assignments[assignment.StepID] = append(model.Assignments[assignment.StepID], assignment)
	}

	return model, nil
}
