package domain

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// AssignmentType discriminates the polymorphic assignment payload.
type AssignmentType string

const (
	AssignmentAddress  AssignmentType = "address"
	AssignmentDelivery AssignmentType = "delivery"
	AssignmentPlugin   AssignmentType = "plugin"
)

// Assignment binds an address, delivery or plugin to a workflow step. Exactly
// one of the variant fields is populated, selected by Type. The JSON encoding
// carries a "type" discriminator so consumers can decode without guessing.
type Assignment struct {
	ID        uuid.UUID      `json:"id"`
	StepID    uuid.UUID      `json:"stepId"`
	EntityIDs []uuid.UUID    `json:"entityIds,omitempty"`
	Type      AssignmentType `json:"type"`

	Address  *Address    `json:"address,omitempty"`
	Delivery *Delivery   `json:"delivery,omitempty"`
	Plugin   *PluginSpec `json:"plugin,omitempty"`
}

// Validate checks that the discriminator matches exactly one populated variant.
func (a Assignment) Validate() error {
	switch a.Type {
	case AssignmentAddress:
		if a.Address == nil {
			return fmt.Errorf("assignment %s: type %q without address body", a.ID, a.Type)
		}
	case AssignmentDelivery:
		if a.Delivery == nil {
			return fmt.Errorf("assignment %s: type %q without delivery body", a.ID, a.Type)
		}
	case AssignmentPlugin:
		if a.Plugin == nil {
			return fmt.Errorf("assignment %s: type %q without plugin body", a.ID, a.Type)
		}
	default:
		return fmt.Errorf("assignment %s: unknown type %q", a.ID, a.Type)
	}
	count := 0
	if a.Address != nil {
		count++
	}
	if a.Delivery != nil {
		count++
	}
	if a.Plugin != nil {
		count++
	}
	if count != 1 {
		return fmt.Errorf("assignment %s: exactly one variant body required, got %d", a.ID, count)
	}
	return nil
}

// UnmarshalJSON decodes an assignment and rejects unknown discriminators and
// mismatched variant bodies.
func (a *Assignment) UnmarshalJSON(data []byte) error {
	type alias Assignment
	var decoded alias
	if err := json.Unmarshal(data, &decoded); err != nil {
		return err
	}
	*a = Assignment(decoded)
	return a.Validate()
}
