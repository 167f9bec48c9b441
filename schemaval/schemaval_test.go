package schemaval

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const personSchema = `{
	"type": "object",
	"required": ["x"],
	"properties": {
		"x": {"type": "string"},
		"age": {"type": "integer", "minimum": 0}
	}
}`

func TestValidate(t *testing.T) {
	t.Run("conforming payload", func(t *testing.T) {
		err := Validate([]byte(personSchema), []byte(`{"x":"hello","age":3}`))
		assert.NoError(t, err)
	})

	t.Run("missing required field", func(t *testing.T) {
		err := Validate([]byte(personSchema), []byte(`{"age":3}`))
		var verr *ValidationError
		require.ErrorAs(t, err, &verr)
		assert.NotEmpty(t, verr.Violations)
	})

	t.Run("wrong type", func(t *testing.T) {
		err := Validate([]byte(personSchema), []byte(`{"x":42}`))
		var verr *ValidationError
		assert.ErrorAs(t, err, &verr)
	})

	t.Run("uncompilable schema is unavailable", func(t *testing.T) {
		err := Validate([]byte(`{"type": nonsense`), []byte(`{}`))
		assert.True(t, errors.Is(err, ErrValidatorUnavailable))
	})
}

func TestCheckCompatibility(t *testing.T) {
	tests := []struct {
		name     string
		old      string
		updated  string
		breaking []string
	}{
		{
			name:     "identical schemas are compatible",
			old:      personSchema,
			updated:  personSchema,
			breaking: nil,
		},
		{
			name: "required field removed",
			old:  personSchema,
			updated: `{
				"type": "object",
				"properties": {"age": {"type": "integer", "minimum": 0}}
			}`,
			breaking: []string{
				"Required field removed: 'x'",
				"Property removed: 'x'",
			},
		},
		{
			name: "required field added",
			old:  personSchema,
			updated: `{
				"type": "object",
				"required": ["x", "y"],
				"properties": {
					"x": {"type": "string"},
					"y": {"type": "string"},
					"age": {"type": "integer", "minimum": 0}
				}
			}`,
			breaking: []string{"Required field added: 'y'"},
		},
		{
			name: "integer widened to number is compatible",
			old:  `{"type":"object","properties":{"n":{"type":"integer"}}}`,
			updated: `{
				"type":"object","properties":{"n":{"type":"number"}}
			}`,
			breaking: nil,
		},
		{
			name:     "number narrowed to integer is breaking",
			old:      `{"type":"object","properties":{"n":{"type":"number"}}}`,
			updated:  `{"type":"object","properties":{"n":{"type":"integer"}}}`,
			breaking: []string{"Property 'n' type changed from number to integer"},
		},
		{
			name:     "incompatible type change",
			old:      `{"type":"object","properties":{"x":{"type":"string"}}}`,
			updated:  `{"type":"object","properties":{"x":{"type":"boolean"}}}`,
			breaking: []string{"Property 'x' type changed from string to boolean"},
		},
		{
			name:     "minLength increased",
			old:      `{"type":"object","properties":{"x":{"type":"string","minLength":1}}}`,
			updated:  `{"type":"object","properties":{"x":{"type":"string","minLength":5}}}`,
			breaking: []string{"Stricter validation on 'x': minLength increased"},
		},
		{
			name:     "maximum decreased",
			old:      `{"type":"object","properties":{"n":{"type":"integer","maximum":100}}}`,
			updated:  `{"type":"object","properties":{"n":{"type":"integer","maximum":10}}}`,
			breaking: []string{"Stricter validation on 'n': maximum decreased"},
		},
		{
			name:     "pattern added",
			old:      `{"type":"object","properties":{"x":{"type":"string"}}}`,
			updated:  `{"type":"object","properties":{"x":{"type":"string","pattern":"^a"}}}`,
			breaking: []string{"Stricter validation on 'x': pattern added or changed"},
		},
		{
			name:     "enum narrowed",
			old:      `{"type":"object","properties":{"x":{"type":"string","enum":["a","b"]}}}`,
			updated:  `{"type":"object","properties":{"x":{"type":"string","enum":["a"]}}}`,
			breaking: []string{"Stricter validation on 'x': enum narrowed"},
		},
		{
			name:     "enum unchanged is compatible",
			old:      `{"type":"object","properties":{"x":{"type":"string","enum":["a","b"]}}}`,
			updated:  `{"type":"object","properties":{"x":{"type":"string","enum":["a","b"]}}}`,
			breaking: nil,
		},
		{
			name:     "additionalProperties disabled",
			old:      `{"type":"object","properties":{"x":{"type":"object"}}}`,
			updated:  `{"type":"object","properties":{"x":{"type":"object","additionalProperties":false}}}`,
			breaking: []string{"Stricter validation on 'x': additionalProperties disabled"},
		},
		{
			name: "nested property removed",
			old: `{"type":"object","properties":{
				"outer":{"type":"object","properties":{"inner":{"type":"string"}}}
			}}`,
			updated: `{"type":"object","properties":{
				"outer":{"type":"object","properties":{}}
			}}`,
			breaking: []string{"Property removed: 'outer.inner'"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CheckCompatibility([]byte(tt.old), []byte(tt.updated))
			assert.ElementsMatch(t, tt.breaking, got)
		})
	}
}

func TestCheckCompatibility_Unparseable(t *testing.T) {
	t.Run("old unparseable", func(t *testing.T) {
		got := CheckCompatibility([]byte(`not json`), []byte(personSchema))
		require.Len(t, got, 1)
		assert.Contains(t, got[0], "not parseable")
	})

	t.Run("new unparseable", func(t *testing.T) {
		got := CheckCompatibility([]byte(personSchema), []byte(`{`))
		require.Len(t, got, 1)
		assert.Contains(t, got[0], "not parseable")
	})
}
