package registry

import (
	"fmt"
	"sync"

	"geoetl-core/internal/model"
)

// ErrUnknownJobType is returned by JobRegistry.Lookup when job_type has
// no registered workflow definition.
type ErrUnknownJobType struct{ JobType string }

func (e *ErrUnknownJobType) Error() string {
	return fmt.Sprintf("unknown job type: %s", e.JobType)
}

// JobRegistry maps job_type to a WorkflowDefinition.
type JobRegistry struct {
	mu        sync.RWMutex
	workflows map[string]model.WorkflowDefinition
}

// NewJobRegistry returns an empty registry.
func NewJobRegistry() *JobRegistry {
	return &JobRegistry{workflows: make(map[string]model.WorkflowDefinition)}
}

// Register stores def under def.JobType.
func (r *JobRegistry) Register(def model.WorkflowDefinition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.workflows[def.JobType]; exists {
		panic(fmt.Sprintf("registry: job type %q already registered", def.JobType))
	}
	r.workflows[def.JobType] = def
}

// Lookup returns the workflow definition for job_type, or ErrUnknownJobType.
func (r *JobRegistry) Lookup(jobType string) (model.WorkflowDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.workflows[jobType]
	if !ok {
		return model.WorkflowDefinition{}, &ErrUnknownJobType{JobType: jobType}
	}
	return def, nil
}

// ValidateAll enforces the registration contract: stage numbers 1..N with
// no gaps, every stage's task_type resolves in the handler registry, every
// stage's failure policy is unset, fail_fast or tolerant, and the
// parameters schema is well-formed (no duplicate or unnamed fields).
func (r *JobRegistry) ValidateAll(handlers *HandlerRegistry) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for jobType, def := range r.workflows {
		if len(def.Stages) == 0 {
			return fmt.Errorf("job type %q: no stages defined", jobType)
		}
		seen := make(map[int]bool, len(def.Stages))
		for _, s := range def.Stages {
			if s.Number < 1 || s.Number > len(def.Stages) {
				return fmt.Errorf("job type %q: stage number %d out of range [1,%d]", jobType, s.Number, len(def.Stages))
			}
			if seen[s.Number] {
				return fmt.Errorf("job type %q: duplicate stage number %d", jobType, s.Number)
			}
			seen[s.Number] = true
			if _, err := handlers.Lookup(s.TaskType); err != nil {
				return fmt.Errorf("job type %q stage %d: %w", jobType, s.Number, err)
			}
			if s.Failure != "" && s.Failure != model.FailFast && s.Failure != model.Tolerant {
				return fmt.Errorf("job type %q stage %d: unknown failure policy %q", jobType, s.Number, s.Failure)
			}
		}
		for n := 1; n <= len(def.Stages); n++ {
			if !seen[n] {
				return fmt.Errorf("job type %q: gap at stage %d", jobType, n)
			}
		}
		fieldNames := make(map[string]bool, len(def.ParametersSchema.Fields))
		for _, f := range def.ParametersSchema.Fields {
			if f.Name == "" {
				return fmt.Errorf("job type %q: parameter schema has an unnamed field", jobType)
			}
			if fieldNames[f.Name] {
				return fmt.Errorf("job type %q: duplicate parameter field %q", jobType, f.Name)
			}
			fieldNames[f.Name] = true
		}
		if def.CreateTasksForStage == nil {
			return fmt.Errorf("job type %q: CreateTasksForStage is required", jobType)
		}
	}
	return nil
}

// ApplyFailureOverrides patches the failure policy of already-registered
// stages from an operator-supplied tuning source, keyed by job_type then
// stage number. Call before ValidateAll so the override is validated along
// with everything else; a job_type or stage number with no match is
// silently ignored, since tuning files commonly cover only a subset of
// registered workflows.
func (r *JobRegistry) ApplyFailureOverrides(overrides map[string]map[int]model.FailurePolicy) {
	if len(overrides) == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for jobType, def := range r.workflows {
		byStage, ok := overrides[jobType]
		if !ok {
			continue
		}
		for i, s := range def.Stages {
			if policy, ok := byStage[s.Number]; ok {
				def.Stages[i].Failure = policy
			}
		}
		r.workflows[jobType] = def
	}
}

// JobTypes returns every registered job type, in no particular order.
func (r *JobRegistry) JobTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.workflows))
	for k := range r.workflows {
		out = append(out, k)
	}
	return out
}

// TaskTypes returns every task_type referenced by any registered stage,
// deduplicated, for use with HandlerRegistry.ValidateAll.
func (r *JobRegistry) TaskTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]bool)
	out := make([]string, 0)
	for _, def := range r.workflows {
		for _, s := range def.Stages {
			if !seen[s.TaskType] {
				seen[s.TaskType] = true
				out = append(out, s.TaskType)
			}
		}
	}
	return out
}
