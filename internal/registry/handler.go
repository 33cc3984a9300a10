// Package registry implements the handler and job registries:
// process-wide, read-only-after-init maps from string keys to task
// handlers and workflow definitions, each validated at startup.
package registry

import (
	"fmt"
	"sync"

	"geoetl-core/internal/model"
)

// ErrUnknownTaskType is returned by HandlerRegistry.Lookup when task_type
// has no registered handler.
type ErrUnknownTaskType struct{ TaskType string }

func (e *ErrUnknownTaskType) Error() string {
	return fmt.Sprintf("unknown task type: %s", e.TaskType)
}

// HandlerRegistry maps task_type to a Handler function.
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[string]model.Handler
}

// NewHandlerRegistry returns an empty registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{handlers: make(map[string]model.Handler)}
}

// Register stores fn under name. Registering the same name twice is a
// programming error and panics, since it can only happen at process init.
func (r *HandlerRegistry) Register(name string, fn model.Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[name]; exists {
		panic(fmt.Sprintf("registry: handler %q already registered", name))
	}
	r.handlers[name] = fn
}

// Lookup returns the handler registered under name, or ErrUnknownTaskType.
func (r *HandlerRegistry) Lookup(name string) (model.Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.handlers[name]
	if !ok {
		return nil, &ErrUnknownTaskType{TaskType: name}
	}
	return fn, nil
}

// ValidateAll confirms every name resolves to a non-nil handler. Handler
// signatures are enforced by the Go type system at registration time, so
// the only remaining startup check is completeness against the supplied
// list of task types a job registry's workflows depend on.
func (r *HandlerRegistry) ValidateAll(requiredTaskTypes []string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, name := range requiredTaskTypes {
		fn, ok := r.handlers[name]
		if !ok || fn == nil {
			return &ErrUnknownTaskType{TaskType: name}
		}
	}
	return nil
}
