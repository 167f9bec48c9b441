// Package orchestration implements the dispatch core of the fabric: the
// cached flow model, the activity-dispatch state machine and the consumers
// that drive it from the executed/failed event queues.
package orchestration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"fabric.evalgo.org/cache"
	"fabric.evalgo.org/domain"
)

// ErrModelMissing marks a dispatch attempt for a flow whose cached model is
// absent or expired. The condition is fatal for the delivery: redelivery
// cannot recreate the model.
var ErrModelMissing = errors.New("orchestration model missing")

// ModelStore persists orchestration cache models in the orchestration-data
// map, keyed by orchestrated flow ID.
type ModelStore struct {
	store   cache.Gateway
	mapName string
	ttl     time.Duration
}

// NewModelStore builds a store over the given map. A zero TTL means models
// never expire.
func NewModelStore(store cache.Gateway, mapName string, ttl time.Duration) *ModelStore {
	return &ModelStore{store: store, mapName: mapName, ttl: ttl}
}

// Save writes the model, resetting its TTL.
func (s *ModelStore) Save(ctx context.Context, model *domain.OrchestrationCacheModel) error {
	encoded, err := json.Marshal(model)
	if err != nil {
		return fmt.Errorf("failed to encode orchestration model %s: %w", model.OrchestratedFlowID, err)
	}
	if err := s.store.Set(ctx, s.mapName, model.OrchestratedFlowID.String(), encoded, s.ttl); err != nil {
		return fmt.Errorf("failed to save orchestration model %s: %w", model.OrchestratedFlowID, err)
	}
	return nil
}

// Load reads the model for the flow. Absence yields ErrModelMissing.
func (s *ModelStore) Load(ctx context.Context, flowID uuid.UUID) (*domain.OrchestrationCacheModel, error) {
	value, found, err := s.store.Get(ctx, s.mapName, flowID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to load orchestration model %s: %w", flowID, err)
	}
	if !found {
		return nil, fmt.Errorf("flow %s: %w", flowID, ErrModelMissing)
	}

	var model domain.OrchestrationCacheModel
	if err := json.Unmarshal(value, &model); err != nil {
		return nil, fmt.Errorf("failed to decode orchestration model %s: %w", flowID, err)
	}
	return &model, nil
}

// Tombstone marks the flow cancelled in place. In-flight activities finish
// and report naturally; the engine suppresses every fan-out it evaluates
// after the tombstone is visible.
func (s *ModelStore) Tombstone(ctx context.Context, flowID uuid.UUID) error {
	model, err := s.Load(ctx, flowID)
	if err != nil {
		return err
	}
	model.Cancelled = true
	return s.Save(ctx, model)
}

// Delete removes the model. Deleting an absent model is a no-op.
func (s *ModelStore) Delete(ctx context.Context, flowID uuid.UUID) error {
	if err := s.store.Remove(ctx, s.mapName, flowID.String()); err != nil {
		return fmt.Errorf("failed to delete orchestration model %s: %w", flowID, err)
	}
	return nil
}
