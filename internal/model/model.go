// Package model defines the persisted and transient value types shared by
// every component of the orchestration core: jobs, tasks, workflow
// definitions, and the handler result contract.
package model

import "time"

// Job status values. Transitions are monotonic: QUEUED -> PROCESSING ->
// one of the three terminal values.
const (
	JobQueued              = "QUEUED"
	JobProcessing          = "PROCESSING"
	JobCompleted           = "COMPLETED"
	JobFailed              = "FAILED"
	JobCompletedWithErrors = "COMPLETED_WITH_ERRORS"
)

// Task status values. Transitions are monotonic: QUEUED -> PROCESSING ->
// one of the two terminal values.
const (
	TaskQueued     = "QUEUED"
	TaskProcessing = "PROCESSING"
	TaskCompleted  = "COMPLETED"
	TaskFailed     = "FAILED"
)

// FailurePolicy controls what the stage advancer does when a stage closes
// with at least one failed task.
type FailurePolicy string

const (
	// FailFast finalizes the job as FAILED the instant a stage with any
	// failed task closes. This is the default.
	FailFast FailurePolicy = "fail_fast"
	// Tolerant lets the job continue past a stage with failed tasks; the
	// job's terminal status becomes COMPLETED_WITH_ERRORS if any stage ever
	// had a failed task.
	Tolerant FailurePolicy = "tolerant"
)

// JobRecord is the persisted record for one submitted job.
type JobRecord struct {
	JobID        string                    `db:"job_id" json:"job_id"`
	JobType      string                    `db:"job_type" json:"job_type"`
	Status       string                    `db:"status" json:"status"`
	Stage        int                       `db:"stage" json:"stage"`
	TotalStages  int                       `db:"total_stages" json:"total_stages"`
	Parameters   map[string]any            `db:"-" json:"parameters"`
	StageResults map[string][]TaskResult   `db:"-" json:"stage_results"`
	ResultData   map[string]any            `db:"-" json:"result_data,omitempty"`
	ErrorMessage string                    `db:"error_message" json:"error_message,omitempty"`
	CreatedAt    time.Time                 `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time                 `db:"updated_at" json:"updated_at"`
}

// TaskRecord is the persisted record for one task.
type TaskRecord struct {
	TaskID       string         `db:"task_id" json:"task_id"`
	JobID        string         `db:"job_id" json:"job_id"`
	Stage        int            `db:"stage" json:"stage"`
	TaskType     string         `db:"task_type" json:"task_type"`
	Status       string         `db:"status" json:"status"`
	Parameters   map[string]any `db:"-" json:"parameters"`
	ResultData   map[string]any `db:"-" json:"result_data,omitempty"`
	ErrorMessage string         `db:"error_message" json:"error_message,omitempty"`
	ErrorType    string         `db:"error_type" json:"error_type,omitempty"`
	RetryCount   int            `db:"retry_count" json:"retry_count"`
	Heartbeat    *time.Time     `db:"heartbeat" json:"heartbeat,omitempty"`
	CreatedAt    time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time      `db:"updated_at" json:"updated_at"`
}

// TaskResult is one task's contribution to a stage's aggregated results.
// Kept separate from TaskRecord because lineage only needs the outcome,
// not the full row.
type TaskResult struct {
	TaskID     string         `json:"task_id"`
	Status     string         `json:"status"`
	ResultData map[string]any `json:"result_data,omitempty"`
	Error      string         `json:"error,omitempty"`
	ErrorType  string         `json:"error_type,omitempty"`
}

// TaskSpec is produced by WorkflowDefinition.CreateTasksForStage and
// consumed by the orchestrator to build TaskRecords.
type TaskSpec struct {
	TaskID     string
	TaskType   string
	Parameters map[string]any
}

// HandlerResult is the value every task handler returns.
type HandlerResult struct {
	Success   bool
	Result    map[string]any
	Error     string
	ErrorType string
}

// Handler is a task handler function: pure with respect to task identity,
// safe to invoke more than once for the same parameters.
type Handler func(parameters map[string]any) HandlerResult

// StageDefinition describes one stage of a workflow.
type StageDefinition struct {
	Number      int
	Name        string
	TaskType    string
	Parallelism string // "single" or "dynamic"
	DependsOn   int    // 0 means "the immediately previous stage"
	UsesLineage bool
	Failure     FailurePolicy // defaults to FailFast when empty
}

// EffectiveFailurePolicy returns the stage's configured failure policy,
// defaulting to fail-fast.
func (s StageDefinition) EffectiveFailurePolicy() FailurePolicy {
	if s.Failure == "" {
		return FailFast
	}
	return s.Failure
}

// WorkflowDefinition is the declarative description of a job type.
// CreateTasksForStage is a pure function: given the stage number,
// the job's submitted parameters, the job ID, and (when the stage uses
// lineage) the previous stage's results, it must return at least one
// TaskSpec with task IDs unique within the returned set.
type WorkflowDefinition struct {
	JobType           string
	Stages            []StageDefinition
	ParametersSchema  ParameterSchema
	CreateTasksForStage func(stage int, jobParams map[string]any, jobID string, previousResults []TaskResult) ([]TaskSpec, error)
	// AggregateJobResults is optional; when nil the orchestrator stores the
	// final stage's result data as ResultData: the task's own result when
	// the stage has exactly one task, otherwise each task's result keyed by
	// task_id.
	AggregateJobResults func(job *JobRecord, allStageResults map[string][]TaskResult) (map[string]any, error)
}

// StageByNumber returns the stage definition for the given 1-based number.
func (w WorkflowDefinition) StageByNumber(n int) (StageDefinition, bool) {
	for _, s := range w.Stages {
		if s.Number == n {
			return s, true
		}
	}
	return StageDefinition{}, false
}
