package scheduler

import (
	"context"

	"github.com/google/uuid"

	"fabric.evalgo.org/domain"
	"fabric.evalgo.org/store"
)

// StoreResolver resolves entities straight from the persistence layer, for
// deployments that co-locate scheduler and managers.
type StoreResolver struct {
	stores *store.Stores
}

// NewStoreResolver wraps the store bundle.
func NewStoreResolver(stores *store.Stores) *StoreResolver {
	return &StoreResolver{stores: stores}
}

func (r *StoreResolver) OrchestratedFlow(ctx context.Context, id uuid.UUID) (domain.OrchestratedFlow, error) {
	return r.stores.Flows.Get(ctx, id)
}

func (r *StoreResolver) Workflow(ctx context.Context, id uuid.UUID) (domain.Workflow, error) {
	return r.stores.Workflows.Get(ctx, id)
}

func (r *StoreResolver) Step(ctx context.Context, id uuid.UUID) (domain.Step, error) {
	return r.stores.Steps.Get(ctx, id)
}

func (r *StoreResolver) Processor(ctx context.Context, id uuid.UUID) (domain.Processor, error) {
	return r.stores.Processors.Get(ctx, id)
}

func (r *StoreResolver) Assignment(ctx context.Context, id uuid.UUID) (domain.Assignment, error) {
	return r.stores.Assignments.Get(ctx, id)
}

// ScheduledFlows returns every flow carrying a schedule. Pages through the
// whole table; flow counts are small.
func (r *StoreResolver) ScheduledFlows(ctx context.Context) ([]domain.OrchestratedFlow, error) {
	const pageSize = 100
	var scheduled []domain.OrchestratedFlow
	for page := 1; ; page++ {
		flows, _, err := r.stores.Flows.List(ctx, page, pageSize)
		if err != nil {
			return nil, err
		}
		if len(flows) == 0 {
			return scheduled, nil
		}
		for _, flow := range flows {
			if flow.Schedule != "" {
				scheduled = append(scheduled, flow)
			}
		}
		if len(flows) < pageSize {
			return scheduled, nil
		}
	}
}
