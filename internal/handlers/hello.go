package handlers

import (
	"fmt"

	"geoetl-core/internal/model"
)

// Hello is the seed handler for workflows.Hello: pure, no I/O, returns a
// greeting built from the submitted name.
func Hello(parameters map[string]any) model.HandlerResult {
	name, _ := parameters["name"].(string)
	if name == "" {
		return model.HandlerResult{Success: false, Error: "name is required", ErrorType: "InvalidParameters"}
	}
	return model.HandlerResult{
		Success: true,
		Result:  map[string]any{"greeting": fmt.Sprintf("hi %s", name)},
	}
}
