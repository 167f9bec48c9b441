// Package schemaval provides JSON-schema payload validation and the
// breaking-change analysis run before a referenced schema may be updated.
//
// Validation is fail-safe: when the validator cannot operate (for example a
// schema definition that does not compile), the operation is rejected, never
// silently allowed.
package schemaval

import (
	"errors"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// ErrValidatorUnavailable marks a validator that cannot operate; callers must
// reject the operation (HTTP 503 at the manager surface).
var ErrValidatorUnavailable = errors.New("schema validator unavailable")

// ValidationError carries the individual violations of a failed validation.
type ValidationError struct {
	Violations []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("payload validation failed: %s", strings.Join(e.Violations, "; "))
}

// Validate checks the payload against the JSON-schema definition. It returns
// nil when the payload conforms, a *ValidationError when it does not, and an
// error wrapping ErrValidatorUnavailable when the schema cannot be compiled.
func Validate(definition, payload []byte) error {
	schemaLoader := gojsonschema.NewBytesLoader(definition)
	documentLoader := gojsonschema.NewBytesLoader(payload)

	result, err := gojsonschema.Validate(schemaLoader, documentLoader)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrValidatorUnavailable, err)
	}

	if result.Valid() {
		return nil
	}

	violations := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		violations = append(violations, desc.String())
	}
	return &ValidationError{Violations: violations}
}
