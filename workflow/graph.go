// Package workflow loads YAML workflow definitions into the entity model and
// statically validates step graphs.
package workflow

import (
	"fmt"

	"github.com/google/uuid"

	"fabric.evalgo.org/domain"
)

type visitState int

const (
	unvisited visitState = iota
	visiting
	visited
)

// ValidateAcyclic refuses step graphs that contain a cycle or an edge to a
// step outside the set. The runtime tolerates cycles (entry conditions and
// the cancel tombstone bound them); this check is the opt-in guard for
// definitions authored by hand.
func ValidateAcyclic(steps map[uuid.UUID]domain.Step) error {
	states := make(map[uuid.UUID]visitState, len(steps))

	var visit func(id uuid.UUID) error
	visit = func(id uuid.UUID) error {
		switch states[id] {
		case visiting:
			return fmt.Errorf("step graph contains a cycle through %s", id)
		case visited:
			return nil
		}
		states[id] = visiting

		step, ok := steps[id]
		if !ok {
			return fmt.Errorf("step graph references unknown step %s", id)
		}
		for _, next := range step.NextStepIDs {
			if _, ok := steps[next]; !ok {
				return fmt.Errorf("step %s references unknown step %s", id, next)
			}
			if err := visit(next); err != nil {
				return err
			}
		}

		states[id] = visited
		return nil
	}

	for id := range steps {
		if err := visit(id); err != nil {
			return err
		}
	}
	return nil
}
