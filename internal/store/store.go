// Package store defines the state-store contract the orchestration core
// persists through, and ships two implementations: an in-memory store for
// tests and single-process development, and a Postgres-backed store for
// production use.
package store

import (
	"context"
	"errors"
	"fmt"

	"geoetl-core/internal/model"
)

// ErrNotFound is returned when a job or task lookup finds nothing.
var ErrNotFound = errors.New("store: not found")

// ErrCAS is returned when a compare-and-swap precondition fails: the
// caller's expected current state does not match what's persisted. This is
// not a failure mode; it is how duplicate delivery and duplicate stage
// advance are rejected.
type ErrCAS struct {
	Entity string
	ID     string
	Reason string
}

func (e *ErrCAS) Error() string {
	return fmt.Sprintf("store: CAS rejected for %s %s: %s", e.Entity, e.ID, e.Reason)
}

// StateStore is the persistence contract for jobs and tasks. Every
// mutation listed here must be atomic with respect to concurrent callers
// acting on the same entity; CompleteTask/FailTask in particular must
// serialize with respect to themselves for tasks in the same
// (job_id, stage) so exactly one caller ever observes remaining == 0.
type StateStore interface {
	InsertJobIfAbsent(ctx context.Context, job *model.JobRecord) (*model.JobRecord, bool, error)
	GetJob(ctx context.Context, jobID string) (*model.JobRecord, error)
	UpdateJobStatus(ctx context.Context, jobID, fromStatus, toStatus string) error

	InsertTasks(ctx context.Context, tasks []*model.TaskRecord) (inserted int, err error)
	GetTask(ctx context.Context, taskID string) (*model.TaskRecord, error)
	MarkTaskProcessing(ctx context.Context, taskID string) error

	// CompleteTask and FailTask both return the post-update count of
	// non-terminal tasks remaining in (job_id, stage). A result of zero
	// grants the caller the stage's lights-out privilege.
	CompleteTask(ctx context.Context, taskID string, result map[string]any) (remaining int, err error)
	FailTask(ctx context.Context, taskID, errMsg, errType string) (remaining int, err error)

	LoadStageTaskResults(ctx context.Context, jobID string, stage int) ([]model.TaskResult, error)
	AdvanceJobStage(ctx context.Context, jobID string, fromStage, toStage int, stageResults []model.TaskResult) error
	// RecordFinalStageResults patches stage_results[str(stage)] for the
	// stage that triggers job finalization, mirroring AdvanceJobStage's
	// patch but without incrementing stage: the final stage's results are
	// recorded the same way, there is just no next stage to advance into.
	RecordFinalStageResults(ctx context.Context, jobID string, stage int, results []model.TaskResult) error
	FinalizeJob(ctx context.Context, jobID, terminalStatus string, resultData map[string]any, errMessage string) error

	// StaleProcessingTasks returns tasks stuck in PROCESSING whose
	// updated_at is older than the lease, for the reconciler. The heartbeat
	// column is not consulted.
	StaleProcessingTasks(ctx context.Context, leaseSeconds int) ([]*model.TaskRecord, error)
	ResetTaskToQueued(ctx context.Context, taskID string) error

	// StrandedJobs returns jobs whose current stage has gone fully
	// terminal but whose status is still PROCESSING, evidence of a
	// crashed lights-out actor.
	StrandedJobs(ctx context.Context) ([]*model.JobRecord, error)

	// UnstartedStageJobs returns PROCESSING jobs whose current stage has
	// no tasks at all and whose updated_at is older than the lease:
	// evidence of a crash between the stage advance and the follow-up
	// stage-start message send.
	UnstartedStageJobs(ctx context.Context, leaseSeconds int) ([]*model.JobRecord, error)
}
