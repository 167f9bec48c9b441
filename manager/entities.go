package manager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"fabric.evalgo.org/domain"
	"fabric.evalgo.org/schemaval"
	"fabric.evalgo.org/store"
	"fabric.evalgo.org/workflow"
)

// registerRoutes mounts every entity surface plus the flow control endpoints.
func (s *Server) registerRoutes(api *echo.Group) {
	registerEntity(api.Group("/schemas"), s, s.schemaConfig())
	registerEntity(api.Group("/addresses"), s, s.addressConfig())
	registerEntity(api.Group("/deliveries"), s, s.deliveryConfig())
	registerEntity(api.Group("/processors"), s, s.processorConfig())
	registerEntity(api.Group("/steps"), s, s.stepConfig())
	registerEntity(api.Group("/workflows"), s, s.workflowConfig())
	registerEntity(api.Group("/assignments"), s, s.assignmentConfig())

	flows := api.Group("/flows")
	registerEntity(flows, s, s.flowConfig())
	flows.POST("/:id/start", s.startFlow)
	flows.POST("/:id/cancel", s.cancelFlow)
}

// riEnabled combines the master referential-integrity switch with one
// per-check switch.
func (s *Server) riEnabled(check bool) bool {
	return s.opts.Features.ReferentialIntegrityValidation && check
}

func (s *Server) schemaConfig() entityConfig[domain.Schema] {
	return entityConfig[domain.Schema]{
		name:            "schema",
		repo:            s.stores.Schemas,
		hasCompositeKey: true,
		normalize: func(schema *domain.Schema) error {
			if schema.ID == uuid.Nil {
				schema.ID = uuid.New()
			}
			if schema.Version == "" || schema.Name == "" {
				return errors.New("version and name are required")
			}
			if len(schema.Definition) == 0 || !json.Valid(schema.Definition) {
				return errors.New("definition must be a JSON document")
			}
			return nil
		},
		beforeUpdate: func(ctx context.Context, current, updated domain.Schema) error {
			referenced, err := s.schemaReferenced(ctx, current.ID)
			if err != nil {
				return err
			}
			if !referenced {
				return nil
			}
			if changes := schemaval.CheckCompatibility(current.Definition, updated.Definition); len(changes) > 0 {
				return &BreakingChangeError{Changes: changes}
			}
			return nil
		},
		deleteGuard: func(ctx context.Context, id uuid.UUID) error {
			if !s.riEnabled(s.opts.ReferentialIntegrity.ValidateSchemaReferences) {
				return nil
			}
			referenced, err := s.schemaReferenced(ctx, id)
			if err != nil {
				return err
			}
			if referenced {
				return fmt.Errorf("schema %s: %w", id, ErrReferenceExists)
			}
			return nil
		},
	}
}

// validatePayload checks a payload against its referenced schema. A reference
// to an unknown schema is a validation error; an inoperable validator rejects
// the mutation (503 at the surface).
func (s *Server) validatePayload(ctx context.Context, schemaID *uuid.UUID, payload json.RawMessage) error {
	if schemaID == nil || len(payload) == 0 {
		return nil
	}
	schema, err := s.stores.Schemas.Get(ctx, *schemaID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return echo.NewHTTPError(http.StatusBadRequest,
				fmt.Sprintf("payload references unknown schema %s", schemaID))
		}
		return err
	}
	return schemaval.Validate(schema.Definition, payload)
}

// validateAssignmentPayloads validates the schema-bound payloads carried by an
// assignment's embedded variant.
func (s *Server) validateAssignmentPayloads(ctx context.Context, assignment domain.Assignment) error {
	if assignment.Address != nil {
		if err := s.validatePayload(ctx, assignment.Address.SchemaID, assignment.Address.Payload); err != nil {
			return err
		}
	}
	if assignment.Delivery != nil {
		return s.validatePayload(ctx, assignment.Delivery.SchemaID, assignment.Delivery.Payload)
	}
	return nil
}

// schemaReferenced reports whether any address, delivery or processor
// references the schema.
func (s *Server) schemaReferenced(ctx context.Context, id uuid.UUID) (bool, error) {
	if found, err := anyMatch(ctx, s.stores.Addresses, func(a domain.Address) bool {
		return a.SchemaID != nil && *a.SchemaID == id
	}); err != nil || found {
		return found, err
	}
	if found, err := anyMatch(ctx, s.stores.Deliveries, func(d domain.Delivery) bool {
		return d.SchemaID != nil && *d.SchemaID == id
	}); err != nil || found {
		return found, err
	}
	return anyMatch(ctx, s.stores.Processors, func(p domain.Processor) bool {
		return p.InputSchemaID == id || p.OutputSchemaID == id
	})
}

func (s *Server) addressConfig() entityConfig[domain.Address] {
	return entityConfig[domain.Address]{
		name:            "address",
		repo:            s.stores.Addresses,
		hasCompositeKey: true,
		normalize: func(address *domain.Address) error {
			if address.ID == uuid.Nil {
				address.ID = uuid.New()
			}
			if address.Version == "" || address.Name == "" {
				return errors.New("version and name are required")
			}
			if address.ConnectionString == "" {
				return errors.New("connectionString is required")
			}
			return nil
		},
		beforeCreate: func(ctx context.Context, address domain.Address) error {
			return s.validatePayload(ctx, address.SchemaID, address.Payload)
		},
		beforeUpdate: func(ctx context.Context, _, updated domain.Address) error {
			return s.validatePayload(ctx, updated.SchemaID, updated.Payload)
		},
		deleteGuard: func(ctx context.Context, id uuid.UUID) error {
			if !s.riEnabled(s.opts.ReferentialIntegrity.ValidateAddressReferences) {
				return nil
			}
			referenced, err := anyMatch(ctx, s.stores.Assignments, func(a domain.Assignment) bool {
				return a.Address != nil && a.Address.ID == id
			})
			if err != nil {
				return err
			}
			if referenced {
				return fmt.Errorf("address %s: %w", id, ErrReferenceExists)
			}
			return nil
		},
		refChecks: map[string]refCheck{
			"schema": func(ctx context.Context, id uuid.UUID) (bool, error) {
				return anyMatch(ctx, s.stores.Addresses, func(a domain.Address) bool {
					return a.SchemaID != nil && *a.SchemaID == id
				})
			},
		},
	}
}

func (s *Server) deliveryConfig() entityConfig[domain.Delivery] {
	return entityConfig[domain.Delivery]{
		name:            "delivery",
		repo:            s.stores.Deliveries,
		hasCompositeKey: true,
		normalize: func(delivery *domain.Delivery) error {
			if delivery.ID == uuid.Nil {
				delivery.ID = uuid.New()
			}
			if delivery.Version == "" || delivery.Name == "" {
				return errors.New("version and name are required")
			}
			return nil
		},
		beforeCreate: func(ctx context.Context, delivery domain.Delivery) error {
			return s.validatePayload(ctx, delivery.SchemaID, delivery.Payload)
		},
		beforeUpdate: func(ctx context.Context, _, updated domain.Delivery) error {
			return s.validatePayload(ctx, updated.SchemaID, updated.Payload)
		},
		deleteGuard: func(ctx context.Context, id uuid.UUID) error {
			if !s.riEnabled(s.opts.ReferentialIntegrity.ValidateDeliveryReferences) {
				return nil
			}
			referenced, err := anyMatch(ctx, s.stores.Assignments, func(a domain.Assignment) bool {
				return a.Delivery != nil && a.Delivery.ID == id
			})
			if err != nil {
				return err
			}
			if referenced {
				return fmt.Errorf("delivery %s: %w", id, ErrReferenceExists)
			}
			return nil
		},
		refChecks: map[string]refCheck{
			"schema": func(ctx context.Context, id uuid.UUID) (bool, error) {
				return anyMatch(ctx, s.stores.Deliveries, func(d domain.Delivery) bool {
					return d.SchemaID != nil && *d.SchemaID == id
				})
			},
		},
	}
}

func (s *Server) processorConfig() entityConfig[domain.Processor] {
	return entityConfig[domain.Processor]{
		name:            "processor",
		repo:            s.stores.Processors,
		hasCompositeKey: true,
		normalize: func(processor *domain.Processor) error {
			if processor.ID == uuid.Nil {
				processor.ID = uuid.New()
			}
			if processor.Version == "" || processor.Name == "" {
				return errors.New("version and name are required")
			}
			return nil
		},
		deleteGuard: func(ctx context.Context, id uuid.UUID) error {
			if !s.riEnabled(s.opts.ReferentialIntegrity.ValidateProcessorReferences) {
				return nil
			}
			referenced, err := anyMatch(ctx, s.stores.Steps, func(step domain.Step) bool {
				return step.ProcessorID == id
			})
			if err != nil {
				return err
			}
			if referenced {
				return fmt.Errorf("processor %s: %w", id, ErrReferenceExists)
			}
			return nil
		},
		refChecks: map[string]refCheck{
			"schema": func(ctx context.Context, id uuid.UUID) (bool, error) {
				return anyMatch(ctx, s.stores.Processors, func(p domain.Processor) bool {
					return p.InputSchemaID == id || p.OutputSchemaID == id
				})
			},
		},
	}
}

func (s *Server) stepConfig() entityConfig[domain.Step] {
	return entityConfig[domain.Step]{
		name: "step",
		repo: s.stores.Steps,
		normalize: func(step *domain.Step) error {
			if step.ID == uuid.Nil {
				step.ID = uuid.New()
			}
			if step.ProcessorID == uuid.Nil {
				return errors.New("processorId is required")
			}
			if step.EntryCondition == "" {
				step.EntryCondition = domain.Always
			}
			return nil
		},
		deleteGuard: func(ctx context.Context, id uuid.UUID) error {
			if !s.riEnabled(s.opts.ReferentialIntegrity.ValidateStepReferences) {
				return nil
			}
			referenced, err := s.stepReferenced(ctx, id)
			if err != nil {
				return err
			}
			if referenced {
				return fmt.Errorf("step %s: %w", id, ErrReferenceExists)
			}
			return nil
		},
		refChecks: map[string]refCheck{
			"processor": func(ctx context.Context, id uuid.UUID) (bool, error) {
				return anyMatch(ctx, s.stores.Steps, func(step domain.Step) bool {
					return step.ProcessorID == id
				})
			},
			"step": func(ctx context.Context, id uuid.UUID) (bool, error) {
				return anyMatch(ctx, s.stores.Steps, func(step domain.Step) bool {
					return containsID(step.NextStepIDs, id)
				})
			},
		},
	}
}

func (s *Server) stepReferenced(ctx context.Context, id uuid.UUID) (bool, error) {
	if found, err := anyMatch(ctx, s.stores.Workflows, func(w domain.Workflow) bool {
		return containsID(w.StepIDs, id)
	}); err != nil || found {
		return found, err
	}
	if found, err := anyMatch(ctx, s.stores.Steps, func(step domain.Step) bool {
		return containsID(step.NextStepIDs, id)
	}); err != nil || found {
		return found, err
	}
	return anyMatch(ctx, s.stores.Assignments, func(a domain.Assignment) bool {
		return a.StepID == id
	})
}

func (s *Server) workflowConfig() entityConfig[domain.Workflow] {
	return entityConfig[domain.Workflow]{
		name:            "workflow",
		repo:            s.stores.Workflows,
		hasCompositeKey: true,
		normalize: func(w *domain.Workflow) error {
			if w.ID == uuid.Nil {
				w.ID = uuid.New()
			}
			if w.Version == "" || w.Name == "" {
				return errors.New("version and name are required")
			}
			if len(w.StepIDs) == 0 {
				return errors.New("a workflow requires at least one step")
			}
			return nil
		},
		beforeCreate: func(ctx context.Context, w domain.Workflow) error {
			return s.validateWorkflowGraph(ctx, w)
		},
		beforeUpdate: func(ctx context.Context, _, updated domain.Workflow) error {
			return s.validateWorkflowGraph(ctx, updated)
		},
		deleteGuard: func(ctx context.Context, id uuid.UUID) error {
			if !s.riEnabled(s.opts.ReferentialIntegrity.ValidateWorkflowReferences) {
				return nil
			}
			referenced, err := anyMatch(ctx, s.stores.Flows, func(f domain.OrchestratedFlow) bool {
				return f.WorkflowID == id
			})
			if err != nil {
				return err
			}
			if referenced {
				return fmt.Errorf("workflow %s: %w", id, ErrReferenceExists)
			}
			return nil
		},
		refChecks: map[string]refCheck{
			"step": func(ctx context.Context, id uuid.UUID) (bool, error) {
				return anyMatch(ctx, s.stores.Workflows, func(w domain.Workflow) bool {
					return containsID(w.StepIDs, id)
				})
			},
		},
	}
}

// validateWorkflowGraph resolves the workflow's steps and refuses unknown
// references and cycles.
func (s *Server) validateWorkflowGraph(ctx context.Context, w domain.Workflow) error {
	stepsByID := make(map[uuid.UUID]domain.Step, len(w.StepIDs))
	for _, stepID := range w.StepIDs {
		step, err := s.stores.Steps.Get(ctx, stepID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return echo.NewHTTPError(http.StatusBadRequest,
					fmt.Sprintf("workflow references unknown step %s", stepID))
			}
			return err
		}
		stepsByID[stepID] = step
	}
	if err := workflow.ValidateAcyclic(stepsByID); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return nil
}

func (s *Server) flowConfig() entityConfig[domain.OrchestratedFlow] {
	return entityConfig[domain.OrchestratedFlow]{
		name: "orchestratedFlow",
		repo: s.stores.Flows,
		normalize: func(flow *domain.OrchestratedFlow) error {
			if flow.ID == uuid.Nil {
				flow.ID = uuid.New()
			}
			if flow.WorkflowID == uuid.Nil {
				return errors.New("workflowId is required")
			}
			if flow.Schedule != "" {
				if _, err := time.ParseDuration(flow.Schedule); err != nil {
					return fmt.Errorf("schedule must be a duration: %w", err)
				}
			}
			return nil
		},
		refChecks: map[string]refCheck{
			"workflow": func(ctx context.Context, id uuid.UUID) (bool, error) {
				return anyMatch(ctx, s.stores.Flows, func(f domain.OrchestratedFlow) bool {
					return f.WorkflowID == id
				})
			},
			"assignment": func(ctx context.Context, id uuid.UUID) (bool, error) {
				return anyMatch(ctx, s.stores.Flows, func(f domain.OrchestratedFlow) bool {
					return containsID(f.AssignmentIDs, id)
				})
			},
		},
	}
}

func (s *Server) assignmentConfig() entityConfig[domain.Assignment] {
	return entityConfig[domain.Assignment]{
		name: "assignment",
		repo: s.stores.Assignments,
		normalize: func(assignment *domain.Assignment) error {
			if assignment.ID == uuid.Nil {
				assignment.ID = uuid.New()
			}
			if assignment.StepID == uuid.Nil {
				return errors.New("stepId is required")
			}
			return assignment.Validate()
		},
		beforeCreate: func(ctx context.Context, assignment domain.Assignment) error {
			return s.validateAssignmentPayloads(ctx, assignment)
		},
		beforeUpdate: func(ctx context.Context, _, updated domain.Assignment) error {
			return s.validateAssignmentPayloads(ctx, updated)
		},
		deleteGuard: func(ctx context.Context, id uuid.UUID) error {
			if !s.riEnabled(s.opts.ReferentialIntegrity.ValidateAssignmentReferences) {
				return nil
			}
			referenced, err := anyMatch(ctx, s.stores.Flows, func(f domain.OrchestratedFlow) bool {
				return containsID(f.AssignmentIDs, id)
			})
			if err != nil {
				return err
			}
			if referenced {
				return fmt.Errorf("assignment %s: %w", id, ErrReferenceExists)
			}
			return nil
		},
		refChecks: map[string]refCheck{
			"step": func(ctx context.Context, id uuid.UUID) (bool, error) {
				return anyMatch(ctx, s.stores.Assignments, func(a domain.Assignment) bool {
					return a.StepID == id
				})
			},
			"address": func(ctx context.Context, id uuid.UUID) (bool, error) {
				return anyMatch(ctx, s.stores.Assignments, func(a domain.Assignment) bool {
					return a.Address != nil && a.Address.ID == id
				})
			},
			"delivery": func(ctx context.Context, id uuid.UUID) (bool, error) {
				return anyMatch(ctx, s.stores.Assignments, func(a domain.Assignment) bool {
					return a.Delivery != nil && a.Delivery.ID == id
				})
			},
		},
	}
}

func containsID(ids []uuid.UUID, id uuid.UUID) bool {
	for _, candidate := range ids {
		if candidate == id {
			return true
		}
	}
	return false
}
