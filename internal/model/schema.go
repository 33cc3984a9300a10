package model

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// ParameterField describes one accepted job parameter.
type ParameterField struct {
	Name     string
	Required bool
	Default  any
	// Rule is a github.com/go-playground/validator tag string applied to
	// the field's value via validator.Var, e.g. "gte=1,lte=64" or
	// "oneof=fail_fast tolerant".
	Rule string
}

// ParameterSchema is the full accepted-parameters description for one
// workflow.
type ParameterSchema struct {
	Fields []ParameterField
}

var paramValidator = validator.New()

// FieldError reports which submitted field failed validation and why.
type FieldError struct {
	Field  string
	Reason string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// ApplyAndValidate walks the schema against submitted parameters: it fills
// in defaults for missing optional fields, rejects missing required
// fields, and runs each field's validator rule. It returns a new map
// rather than mutating the caller's input, since the result becomes the
// job's persisted, deterministically-hashed parameters.
func (s ParameterSchema) ApplyAndValidate(submitted map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(s.Fields))
	for _, f := range s.Fields {
		val, present := submitted[f.Name]
		if !present {
			if f.Required {
				return nil, &FieldError{Field: f.Name, Reason: "required parameter missing"}
			}
			val = f.Default
		}
		if f.Rule != "" && val != nil {
			if err := paramValidator.Var(val, f.Rule); err != nil {
				return nil, &FieldError{Field: f.Name, Reason: err.Error()}
			}
		}
		out[f.Name] = val
	}
	return out, nil
}
