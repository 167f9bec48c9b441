// Package processor hosts activity execution: it consumes execute commands
// from the processor's command queue, runs the bound activity under a
// timeout with optional schema validation, writes the result blob back and
// reports the outcome on the event queues. Instances sharing a composite key
// compete on one queue; liveness is reported through TTL-bound health
// entries.
package processor

import (
	"context"
	"fmt"
	"sync"

	"fabric.evalgo.org/domain"
)

// Activity is one executable unit of work. Execute receives the command's
// assignments and the input document (nil when the step has no input) and
// returns the result document (nil for side-effect-only activities).
type Activity interface {
	Execute(ctx context.Context, frame domain.ExecutionFrame, entities []domain.Assignment, input []byte) ([]byte, error)
}

// ActivityFunc adapts a function to the Activity interface.
type ActivityFunc func(ctx context.Context, frame domain.ExecutionFrame, entities []domain.Assignment, input []byte) ([]byte, error)

func (f ActivityFunc) Execute(ctx context.Context, frame domain.ExecutionFrame, entities []domain.Assignment, input []byte) ([]byte, error) {
	return f(ctx, frame, entities, input)
}

// Registry maps plugin type names to activities. Safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	activities map[string]Activity
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{activities: make(map[string]Activity)}
}

// Register binds an activity to a plugin type name, replacing any previous
// binding.
func (r *Registry) Register(typeName string, activity Activity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.activities[typeName] = activity
}

// Resolve looks up the activity for a plugin type name.
func (r *Registry) Resolve(typeName string) (Activity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	activity, ok := r.activities[typeName]
	if !ok {
		return nil, fmt.Errorf("no activity registered for plugin type %q", typeName)
	}
	return activity, nil
}
