// Package store persists the fabric's entities. Two backends share one
// contract: an in-memory store for tests and single-node runs, and a
// Postgres store for durable deployments. Managers translate the sentinel
// errors into HTTP statuses.
package store

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"fabric.evalgo.org/domain"
)

var (
	// ErrNotFound marks a lookup for an absent entity.
	ErrNotFound = errors.New("entity not found")

	// ErrDuplicateKey marks a create or update that would collide with an
	// existing ID or composite key.
	ErrDuplicateKey = errors.New("duplicate key")
)

// Entity is anything the store can persist.
type Entity interface {
	EntityID() uuid.UUID
	CompositeKey() string
}

// Repository is the per-entity persistence contract. List pages are
// 1-based; implementations return the total count alongside the page.
type Repository[T Entity] interface {
	Create(ctx context.Context, entity T) error
	Get(ctx context.Context, id uuid.UUID) (T, error)
	GetByCompositeKey(ctx context.Context, key string) (T, error)
	List(ctx context.Context, page, size int) ([]T, int64, error)
	Update(ctx context.Context, entity T) error
	Delete(ctx context.Context, id uuid.UUID) error
}

// Stores bundles one repository per entity type.
type Stores struct {
	Schemas     Repository[domain.Schema]
	Addresses   Repository[domain.Address]
	Deliveries  Repository[domain.Delivery]
	Processors  Repository[domain.Processor]
	Steps       Repository[domain.Step]
	Workflows   Repository[domain.Workflow]
	Flows       Repository[domain.OrchestratedFlow]
	Assignments Repository[domain.Assignment]
}

// NewMemoryStores builds a fully in-memory store bundle.
func NewMemoryStores() *Stores {
	return &Stores{
		Schemas:     NewMemory[domain.Schema](),
		Addresses:   NewMemory[domain.Address](),
		Deliveries:  NewMemory[domain.Delivery](),
		Processors:  NewMemory[domain.Processor](),
		Steps:       NewMemory[domain.Step](),
		Workflows:   NewMemory[domain.Workflow](),
		Flows:       NewMemory[domain.OrchestratedFlow](),
		Assignments: NewMemory[domain.Assignment](),
	}
}
