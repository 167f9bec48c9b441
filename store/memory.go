package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// Memory is a map-backed Repository, safe for concurrent use. Listing orders
// by ID so pages are stable.
type Memory[T Entity] struct {
	mu    sync.RWMutex
	items map[uuid.UUID]T
}

// NewMemory builds an empty in-memory repository.
func NewMemory[T Entity]() *Memory[T] {
	return &Memory[T]{items: make(map[uuid.UUID]T)}
}

func (m *Memory[T]) Create(_ context.Context, entity T) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := entity.EntityID()
	if _, exists := m.items[id]; exists {
		return fmt.Errorf("id %s: %w", id, ErrDuplicateKey)
	}
	if key := entity.CompositeKey(); key != "" {
		for _, existing := range m.items {
			if existing.CompositeKey() == key {
				return fmt.Errorf("composite key %q: %w", key, ErrDuplicateKey)
			}
		}
	}
	m.items[id] = entity
	return nil
}

func (m *Memory[T]) Get(_ context.Context, id uuid.UUID) (T, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entity, exists := m.items[id]
	if !exists {
		var zero T
		return zero, fmt.Errorf("id %s: %w", id, ErrNotFound)
	}
	return entity, nil
}

func (m *Memory[T]) GetByCompositeKey(_ context.Context, key string) (T, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, entity := range m.items {
		if entity.CompositeKey() == key {
			return entity, nil
		}
	}
	var zero T
	return zero, fmt.Errorf("composite key %q: %w", key, ErrNotFound)
}

func (m *Memory[T]) List(_ context.Context, page, size int) ([]T, int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	all := make([]T, 0, len(m.items))
	for _, entity := range m.items {
		all = append(all, entity)
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].EntityID().String() < all[j].EntityID().String()
	})

	total := int64(len(all))
	start := (page - 1) * size
	if start >= len(all) {
		return []T{}, total, nil
	}
	end := start + size
	if end > len(all) {
		end = len(all)
	}
	return all[start:end], total, nil
}

func (m *Memory[T]) Update(_ context.Context, entity T) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := entity.EntityID()
	if _, exists := m.items[id]; !exists {
		return fmt.Errorf("id %s: %w", id, ErrNotFound)
	}
	if key := entity.CompositeKey(); key != "" {
		for otherID, existing := range m.items {
			if otherID != id && existing.CompositeKey() == key {
				return fmt.Errorf("composite key %q: %w", key, ErrDuplicateKey)
			}
		}
	}
	m.items[id] = entity
	return nil
}

func (m *Memory[T]) Delete(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.items[id]; !exists {
		return fmt.Errorf("id %s: %w", id, ErrNotFound)
	}
	delete(m.items, id)
	return nil
}
