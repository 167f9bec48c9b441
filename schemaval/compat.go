package schemaval

import (
	"encoding/json"
	"fmt"
)

// schemaNode is the subset of JSON-schema keywords inspected by the
// breaking-change analysis.
type schemaNode struct {
	Type                 string                `json:"type"`
	Required             []string              `json:"required"`
	Properties           map[string]schemaNode `json:"properties"`
	MinLength            *float64              `json:"minLength"`
	MaxLength            *float64              `json:"maxLength"`
	Minimum              *float64              `json:"minimum"`
	Maximum              *float64              `json:"maximum"`
	Pattern              *string               `json:"pattern"`
	Enum                 []json.RawMessage     `json:"enum"`
	AdditionalProperties *bool                 `json:"additionalProperties"`
}

// CheckCompatibility diffs an updated schema definition against its
// predecessor and returns the breaking changes found. An empty result means
// the update is backward-compatible. The analysis is conservative:
// definitions that do not parse are reported as breaking.
func CheckCompatibility(old, updated []byte) []string {
	var oldNode, newNode schemaNode
	if err := json.Unmarshal(old, &oldNode); err != nil {
		return []string{fmt.Sprintf("Existing schema not parseable: %v", err)}
	}
	if err := json.Unmarshal(updated, &newNode); err != nil {
		return []string{fmt.Sprintf("Updated schema not parseable: %v", err)}
	}

	return diffNodes("", oldNode, newNode)
}

// diffNodes compares two schema nodes; path names the property under
// inspection ("" for the root).
func diffNodes(path string, oldNode, newNode schemaNode) []string {
	var breaking []string

	oldRequired := toSet(oldNode.Required)
	newRequired := toSet(newNode.Required)

	for field := range newRequired {
		if !oldRequired[field] {
			breaking = append(breaking, fmt.Sprintf("Required field added: '%s'", join(path, field)))
		}
	}
	for field := range oldRequired {
		if !newRequired[field] {
			breaking = append(breaking, fmt.Sprintf("Required field removed: '%s'", join(path, field)))
		}
	}

	for name, oldProp := range oldNode.Properties {
		newProp, ok := newNode.Properties[name]
		if !ok {
			breaking = append(breaking, fmt.Sprintf("Property removed: '%s'", join(path, name)))
			continue
		}

		if oldProp.Type != newProp.Type && !typeWidening(oldProp.Type, newProp.Type) {
			breaking = append(breaking, fmt.Sprintf(
				"Property '%s' type changed from %s to %s", join(path, name), oldProp.Type, newProp.Type))
		}

		breaking = append(breaking, stricterRules(join(path, name), oldProp, newProp)...)

		// Recurse into object properties
		if len(oldProp.Properties) > 0 || len(newProp.Properties) > 0 {
			breaking = append(breaking, diffNodes(join(path, name), oldProp, newProp)...)
		}
	}

	return breaking
}

// typeWidening reports whether a type change is backward-compatible. Only
// integer widening to number qualifies.
func typeWidening(oldType, newType string) bool {
	return oldType == "integer" && newType == "number"
}

// stricterRules detects validation keywords tightened by the update.
func stricterRules(path string, oldProp, newProp schemaNode) []string {
	var breaking []string

	if newProp.MinLength != nil && (oldProp.MinLength == nil || *newProp.MinLength > *oldProp.MinLength) {
		breaking = append(breaking, fmt.Sprintf("Stricter validation on '%s': minLength increased", path))
	}
	if newProp.MaxLength != nil && (oldProp.MaxLength == nil || *newProp.MaxLength < *oldProp.MaxLength) {
		breaking = append(breaking, fmt.Sprintf("Stricter validation on '%s': maxLength decreased", path))
	}
	if newProp.Minimum != nil && (oldProp.Minimum == nil || *newProp.Minimum > *oldProp.Minimum) {
		breaking = append(breaking, fmt.Sprintf("Stricter validation on '%s': minimum increased", path))
	}
	if newProp.Maximum != nil && (oldProp.Maximum == nil || *newProp.Maximum < *oldProp.Maximum) {
		breaking = append(breaking, fmt.Sprintf("Stricter validation on '%s': maximum decreased", path))
	}
	if newProp.Pattern != nil && (oldProp.Pattern == nil || *oldProp.Pattern != *newProp.Pattern) {
		breaking = append(breaking, fmt.Sprintf("Stricter validation on '%s': pattern added or changed", path))
	}
	if len(newProp.Enum) > 0 && enumNarrowed(oldProp.Enum, newProp.Enum) {
		breaking = append(breaking, fmt.Sprintf("Stricter validation on '%s': enum narrowed", path))
	}
	if oldProp.AdditionalProperties == nil || *oldProp.AdditionalProperties {
		if newProp.AdditionalProperties != nil && !*newProp.AdditionalProperties {
			breaking = append(breaking, fmt.Sprintf("Stricter validation on '%s': additionalProperties disabled", path))
		}
	}

	return breaking
}

// enumNarrowed reports whether the new enum drops values the old one allowed.
// A schema gaining an enum where none existed is always a narrowing.
func enumNarrowed(oldEnum, newEnum []json.RawMessage) bool {
	if len(oldEnum) == 0 {
		return true
	}
	allowed := make(map[string]bool, len(newEnum))
	for _, v := range newEnum {
		allowed[string(v)] = true
	}
	for _, v := range oldEnum {
		if !allowed[string(v)] {
			return true
		}
	}
	return false
}

func toSet(values []string) map[string]bool {
	set := make(map[string]bool, len(values))
	for _, v := range values {
		set[v] = true
	}
	return set
}

func join(path, name string) string {
	if path == "" {
		return name
	}
	return path + "." + name
}
