// Package domain defines the entity model shared by the orchestration fabric:
// schemas, addresses, deliveries, processors, steps, workflows and orchestrated
// flows, plus the in-cache execution types derived from them.
//
// All identifiers are 128-bit UUIDs. Composite keys are unique within their
// scope: an Address is keyed by its connection string, a Processor by the
// (version, name) pair that also names its command queue.
package domain

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Schema is a versioned JSON-schema document. Once another entity references
// a schema, its definition is immutable except for non-breaking updates.
type Schema struct {
	ID         uuid.UUID       `json:"id"`
	Version    string          `json:"version"`
	Name       string          `json:"name"`
	Definition json.RawMessage `json:"definition"`
}

// Address is a data source or sink location. The connection string is the
// composite key and must be unique across all addresses.
type Address struct {
	ID               uuid.UUID       `json:"id"`
	Version          string          `json:"version"`
	Name             string          `json:"name"`
	ConnectionString string          `json:"connectionString"`
	Payload          json.RawMessage `json:"payload,omitempty"`
	SchemaID         *uuid.UUID      `json:"schemaId,omitempty"`
}

// Delivery is a payload handed to an activity, optionally validated against
// a referenced schema.
type Delivery struct {
	ID       uuid.UUID       `json:"id"`
	Version  string          `json:"version"`
	Name     string          `json:"name"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	SchemaID *uuid.UUID      `json:"schemaId,omitempty"`
}

// Processor identifies a runtime that executes activities. Instances sharing
// the same (version, name) pair cooperate on a single command queue.
type Processor struct {
	ID             uuid.UUID `json:"id"`
	Version        string    `json:"version"`
	Name           string    `json:"name"`
	InputSchemaID  uuid.UUID `json:"inputSchemaId"`
	OutputSchemaID uuid.UUID `json:"outputSchemaId"`
}

// CompositeKey returns the queue-binding key for the processor.
func (p Processor) CompositeKey() string {
	return fmt.Sprintf("%s:%s", p.Version, p.Name)
}

// PluginSpec describes the code unit a processor loads for a step. Assembly
// resolution and isolation are the processor host's concern; the engine only
// transports the specification.
type PluginSpec struct {
	AssemblyBasePath       string     `json:"assemblyBasePath"`
	AssemblyName           string     `json:"assemblyName"`
	AssemblyVersion        string     `json:"assemblyVersion"`
	TypeName               string     `json:"typeName"`
	InputSchemaID          *uuid.UUID `json:"inputSchemaId,omitempty"`
	OutputSchemaID         *uuid.UUID `json:"outputSchemaId,omitempty"`
	EnableInputValidation  bool       `json:"enableInputValidation"`
	EnableOutputValidation bool       `json:"enableOutputValidation"`
	ExecutionTimeoutMs     int64      `json:"executionTimeoutMs"`
	IsStateless            bool       `json:"isStateless"`
}
