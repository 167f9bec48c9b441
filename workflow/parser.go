package workflow

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"fabric.evalgo.org/domain"
)

// Definition is the YAML authoring format for a complete orchestrated flow:
// the workflow, its steps by name, the processors they run on and the
// assignments each step receives.
type Definition struct {
	Workflow struct {
		Name    string `yaml:"name"`
		Version string `yaml:"version"`
	} `yaml:"workflow"`

	Processors []ProcessorDef `yaml:"processors"`
	Steps      []StepDef      `yaml:"steps"`

	Flow struct {
		Schedule string `yaml:"schedule"`
	} `yaml:"flow"`
}

// ProcessorDef declares a processor identity.
type ProcessorDef struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// StepDef declares one step; Processor and Next reference other definitions
// by name.
type StepDef struct {
	Name           string          `yaml:"name"`
	Processor      string          `yaml:"processor"`
	EntryCondition string          `yaml:"entryCondition"`
	Next           []string        `yaml:"next"`
	Assignments    []AssignmentDef `yaml:"assignments"`
}

// AssignmentDef declares one assignment on a step.
type AssignmentDef struct {
	Type string `yaml:"type"`

	// delivery fields
	Name    string     `yaml:"name"`
	Version string     `yaml:"version"`
	Payload yamlToJSON `yaml:"payload"`

	// address fields
	ConnectionString string `yaml:"connectionString"`

	// plugin fields
	TypeName           string `yaml:"typeName"`
	ExecutionTimeoutMs int64  `yaml:"executionTimeoutMs"`
}

// yamlToJSON decodes an arbitrary YAML node and re-encodes it as JSON.
type yamlToJSON json.RawMessage

func (p *yamlToJSON) UnmarshalYAML(node *yaml.Node) error {
	var value interface{}
	if err := node.Decode(&value); err != nil {
		return err
	}
	encoded, err := json.Marshal(value)
	if err != nil {
		return err
	}
	*p = yamlToJSON(encoded)
	return nil
}

// Bundle is the resolved entity set of one definition, ready to persist.
type Bundle struct {
	Workflow    domain.Workflow
	Steps       []domain.Step
	Processors  []domain.Processor
	Assignments []domain.Assignment
	Flow        domain.OrchestratedFlow
}

// Parse reads one YAML definition.
func Parse(r io.Reader) (*Definition, error) {
	var def Definition
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)
	if err := decoder.Decode(&def); err != nil {
		return nil, fmt.Errorf("failed to parse workflow definition: %w", err)
	}
	return &def, nil
}

// Build resolves the definition's name references into entities with fresh
// IDs and validates the step graph.
func (d *Definition) Build() (*Bundle, error) {
	if d.Workflow.Name == "" || d.Workflow.Version == "" {
		return nil, fmt.Errorf("workflow name and version are required")
	}
	if len(d.Steps) == 0 {
		return nil, fmt.Errorf("workflow %q defines no steps", d.Workflow.Name)
	}

	processorsByName := make(map[string]domain.Processor, len(d.Processors))
	bundle := &Bundle{}
	for _, p := range d.Processors {
		if p.Name == "" || p.Version == "" {
			return nil, fmt.Errorf("processor declarations require name and version")
		}
		if _, dup := processorsByName[p.Name]; dup {
			return nil, fmt.Errorf("duplicate processor %q", p.Name)
		}
		processor := domain.Processor{ID: uuid.New(), Name: p.Name, Version: p.Version}
		processorsByName[p.Name] = processor
		bundle.Processors = append(bundle.Processors, processor)
	}

	stepIDsByName := make(map[string]uuid.UUID, len(d.Steps))
	for _, s := range d.Steps {
		if s.Name == "" {
			return nil, fmt.Errorf("step declarations require a name")
		}
		if _, dup := stepIDsByName[s.Name]; dup {
			return nil, fmt.Errorf("duplicate step %q", s.Name)
		}
		stepIDsByName[s.Name] = uuid.New()
	}

	stepsByID := make(map[uuid.UUID]domain.Step, len(d.Steps))
	for _, s := range d.Steps {
		processor, ok := processorsByName[s.Processor]
		if !ok {
			return nil, fmt.Errorf("step %q references unknown processor %q", s.Name, s.Processor)
		}

		condition := domain.EntryCondition(s.EntryCondition)
		if condition == "" {
			condition = domain.Always
		}

		step := domain.Step{
			ID:             stepIDsByName[s.Name],
			ProcessorID:    processor.ID,
			EntryCondition: condition,
		}
		for _, nextName := range s.Next {
			nextID, ok := stepIDsByName[nextName]
			if !ok {
				return nil, fmt.Errorf("step %q references unknown step %q", s.Name, nextName)
			}
			step.NextStepIDs = append(step.NextStepIDs, nextID)
		}

		assignments, err := buildAssignments(s, step.ID)
		if err != nil {
			return nil, err
		}
		bundle.Assignments = append(bundle.Assignments, assignments...)

		stepsByID[step.ID] = step
		bundle.Steps = append(bundle.Steps, step)
	}

	if err := ValidateAcyclic(stepsByID); err != nil {
		return nil, err
	}

	bundle.Workflow = domain.Workflow{
		ID:      uuid.New(),
		Name:    d.Workflow.Name,
		Version: d.Workflow.Version,
	}
	for _, step := range bundle.Steps {
		bundle.Workflow.StepIDs = append(bundle.Workflow.StepIDs, step.ID)
	}

	bundle.Flow = domain.OrchestratedFlow{
		ID:         uuid.New(),
		WorkflowID: bundle.Workflow.ID,
		Schedule:   d.Flow.Schedule,
	}
	for _, assignment := range bundle.Assignments {
		bundle.Flow.AssignmentIDs = append(bundle.Flow.AssignmentIDs, assignment.ID)
	}

	return bundle, nil
}

func buildAssignments(s StepDef, stepID uuid.UUID) ([]domain.Assignment, error) {
	assignments := make([]domain.Assignment, 0, len(s.Assignments))
	for _, a := range s.Assignments {
		assignment := domain.Assignment{
			ID:     uuid.New(),
			StepID: stepID,
			Type:   domain.AssignmentType(a.Type),
		}
		switch assignment.Type {
		case domain.AssignmentDelivery:
			assignment.Delivery = &domain.Delivery{
				ID:      uuid.New(),
				Name:    a.Name,
				Version: a.Version,
				Payload: json.RawMessage(a.Payload),
			}
		case domain.AssignmentAddress:
			assignment.Address = &domain.Address{
				ID:               uuid.New(),
				Name:             a.Name,
				Version:          a.Version,
				ConnectionString: a.ConnectionString,
				Payload:          json.RawMessage(a.Payload),
			}
		case domain.AssignmentPlugin:
			assignment.Plugin = &domain.PluginSpec{
				TypeName:           a.TypeName,
				ExecutionTimeoutMs: a.ExecutionTimeoutMs,
			}
		default:
			return nil, fmt.Errorf("step %q: unknown assignment type %q", s.Name, a.Type)
		}
		if err := assignment.Validate(); err != nil {
			return nil, fmt.Errorf("step %q: %w", s.Name, err)
		}
		assignments = append(assignments, assignment)
	}
	return assignments, nil
}
