// Package orchestrator implements CoreMachine: job submission,
// job-message handling (stage task fan-out), status views, and the stage
// advancer's advance/finalize decision shared with the reconciler.
package orchestrator

import (
	"context"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"geoetl-core/internal/idgen"
	"geoetl-core/internal/model"
	"geoetl-core/internal/queue"
	"geoetl-core/internal/registry"
	"geoetl-core/internal/store"
)

// CoreMachine is the single concrete orchestrator, parameterized by
// registries and repositories. Workflows are data, not subtypes.
type CoreMachine struct {
	Store store.StateStore
	Queue queue.Queue
	Jobs  *registry.JobRegistry
	Log   *zap.Logger
}

// New builds a CoreMachine from its collaborators.
func New(st store.StateStore, q queue.Queue, jobs *registry.JobRegistry, log *zap.Logger) *CoreMachine {
	return &CoreMachine{Store: st, Queue: q, Jobs: jobs, Log: log}
}

// SubmitJob validates job_type and parameters, computes the deterministic
// job_id, inserts if absent, and enqueues exactly one job message for a
// newly created job. Resubmitting identical input returns the existing
// record with alreadyExisted=true.
func (c *CoreMachine) SubmitJob(ctx context.Context, jobType string, submitted map[string]any) (*model.JobRecord, bool, error) {
	def, err := c.Jobs.Lookup(jobType)
	if err != nil {
		return nil, false, err
	}
	params, err := def.ParametersSchema.ApplyAndValidate(submitted)
	if err != nil {
		return nil, false, err
	}
	jobID := idgen.JobID(jobType, params)
	job := &model.JobRecord{
		JobID:        jobID,
		JobType:      jobType,
		Status:       model.JobQueued,
		Stage:        1,
		TotalStages:  len(def.Stages),
		Parameters:   params,
		StageResults: make(map[string][]model.TaskResult),
	}
	stored, created, err := c.Store.InsertJobIfAbsent(ctx, job)
	if err != nil {
		return nil, false, fmt.Errorf("orchestrator: submit job: %w", err)
	}
	if created {
		if err := c.Queue.EnqueueJob(ctx, jobID, 1); err != nil {
			return nil, false, fmt.Errorf("orchestrator: enqueue job message: %w", err)
		}
	}
	return stored, !created, nil
}

// Progress is the task-count summary embedded in a JobStatusView.
type Progress struct {
	Completed int     `json:"completed"`
	Failed    int     `json:"failed"`
	Total     int     `json:"total"`
	Percent   float64 `json:"percent"`
}

// JobStatusView is the read-only projection returned by GetJobStatus;
// it is never persisted.
type JobStatusView struct {
	JobID        string         `json:"job_id"`
	JobType      string         `json:"job_type"`
	Status       string         `json:"status"`
	Stage        int            `json:"stage"`
	TotalStages  int            `json:"total_stages"`
	Progress     Progress       `json:"progress"`
	ResultData   map[string]any `json:"result_data,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
}

// GetJobStatus returns the current status view for a job. Progress counts
// tasks across every stage up to and including the job's current stage.
func (c *CoreMachine) GetJobStatus(ctx context.Context, jobID string) (*JobStatusView, error) {
	job, err := c.Store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	var progress Progress
	for s := 1; s <= job.Stage; s++ {
		results, err := c.Store.LoadStageTaskResults(ctx, jobID, s)
		if err != nil {
			return nil, fmt.Errorf("orchestrator: load stage %d results: %w", s, err)
		}
		for _, r := range results {
			progress.Total++
			switch r.Status {
			case model.TaskCompleted:
				progress.Completed++
			case model.TaskFailed:
				progress.Failed++
			}
		}
	}
	if progress.Total > 0 {
		progress.Percent = 100 * float64(progress.Completed+progress.Failed) / float64(progress.Total)
	}
	return &JobStatusView{
		JobID:        job.JobID,
		JobType:      job.JobType,
		Status:       job.Status,
		Stage:        job.Stage,
		TotalStages:  job.TotalStages,
		Progress:     progress,
		ResultData:   job.ResultData,
		ErrorMessage: job.ErrorMessage,
	}, nil
}

// HandleJobMessage activates a queued job (or resumes a synthetic
// stage-start message for stage > 1), materializes the stage's tasks via
// the workflow's CreateTasksForStage, and enqueues a task message for
// every task still QUEUED.
func (c *CoreMachine) HandleJobMessage(ctx context.Context, msg queue.Message) error {
	job, err := c.Store.GetJob(ctx, msg.JobID)
	if err != nil {
		if err == store.ErrNotFound {
			c.Log.Warn("orphan job message", zap.String("job_id", msg.JobID))
			return nil
		}
		return err
	}

	if job.Status == model.JobQueued {
		if err := c.Store.UpdateJobStatus(ctx, job.JobID, model.JobQueued, model.JobProcessing); err != nil {
			if _, isCAS := err.(*store.ErrCAS); isCAS {
				c.Log.Info("dropping job message: already advanced past QUEUED", zap.String("job_id", msg.JobID))
				return nil
			}
			return err
		}
	} else if job.Status != model.JobProcessing {
		c.Log.Info("dropping job message: job already terminal", zap.String("job_id", msg.JobID), zap.String("status", job.Status))
		return nil
	}

	def, err := c.Jobs.Lookup(job.JobType)
	if err != nil {
		return err
	}

	var previousResults []model.TaskResult
	if msg.Stage > 1 {
		previousResults = job.StageResults[strconv.Itoa(msg.Stage-1)]
	}

	specs, err := def.CreateTasksForStage(msg.Stage, job.Parameters, job.JobID, previousResults)
	if err != nil {
		c.Log.Error("workflow error in create_tasks_for_stage", zap.String("job_id", job.JobID), zap.Error(err))
		return c.Store.FinalizeJob(ctx, job.JobID, model.JobFailed, nil, "WorkflowError: "+err.Error())
	}
	if len(specs) == 0 {
		c.Log.Error("workflow returned zero tasks for stage", zap.String("job_id", job.JobID), zap.Int("stage", msg.Stage))
		return c.Store.FinalizeJob(ctx, job.JobID, model.JobFailed, nil, "WorkflowError: create_tasks_for_stage returned zero tasks")
	}

	records := make([]*model.TaskRecord, len(specs))
	for i, spec := range specs {
		records[i] = &model.TaskRecord{
			TaskID:     spec.TaskID,
			JobID:      job.JobID,
			Stage:      msg.Stage,
			TaskType:   spec.TaskType,
			Status:     model.TaskQueued,
			Parameters: spec.Parameters,
		}
	}
	if _, err := c.Store.InsertTasks(ctx, records); err != nil {
		return fmt.Errorf("orchestrator: insert tasks: %w", err)
	}

	for _, spec := range specs {
		task, err := c.Store.GetTask(ctx, spec.TaskID)
		if err != nil {
			return fmt.Errorf("orchestrator: reload task %s: %w", spec.TaskID, err)
		}
		if task.Status != model.TaskQueued {
			continue // PROCESSING/COMPLETED/FAILED: a redelivered job message must not re-enqueue it
		}
		if err := c.Queue.EnqueueTask(ctx, task.TaskID); err != nil {
			return fmt.Errorf("orchestrator: enqueue task %s: %w", task.TaskID, err)
		}
	}
	return nil
}

// StartNextStage enqueues a synthetic job message for (job_id, stage)
// rather than creating tasks inline, so the lights-out actor's only
// durable side effect is a queue send; a crash before the send is caught
// by the reconciler's stranded-job sweep.
func (c *CoreMachine) StartNextStage(ctx context.Context, jobID string, stage int) error {
	return c.Queue.EnqueueJob(ctx, jobID, stage)
}

// AdvanceOrFinalize is the stage advancer's decision, invoked by whichever
// caller observed remaining == 0 for (jobID, closedStage): the task
// executor on the common path, or the reconciler recovering from a crashed
// lights-out actor. It is idempotent: a second caller (redelivery,
// reconciler racing the original actor) always loses its CAS and returns
// nil.
func (c *CoreMachine) AdvanceOrFinalize(ctx context.Context, jobID string, closedStage int) error {
	results, err := c.Store.LoadStageTaskResults(ctx, jobID, closedStage)
	if err != nil {
		return fmt.Errorf("orchestrator: load stage %d results: %w", closedStage, err)
	}
	job, err := c.Store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	def, err := c.Jobs.Lookup(job.JobType)
	if err != nil {
		return err
	}
	stageDef, ok := def.StageByNumber(closedStage)
	if !ok {
		return fmt.Errorf("orchestrator: job %s stage %d has no definition", jobID, closedStage)
	}
	policy := stageDef.EffectiveFailurePolicy()

	var firstFailure *model.TaskResult
	failedCount := 0
	for i, r := range results {
		if r.Status == model.TaskFailed {
			failedCount++
			if firstFailure == nil {
				firstFailure = &results[i]
			}
		}
	}
	hasFailure := failedCount > 0

	if closedStage < job.TotalStages && !(hasFailure && policy == model.FailFast) {
		if err := c.Store.AdvanceJobStage(ctx, jobID, closedStage, closedStage+1, results); err != nil {
			if _, isCAS := err.(*store.ErrCAS); isCAS {
				return nil // another caller already advanced this stage
			}
			return fmt.Errorf("orchestrator: advance job stage: %w", err)
		}
		return c.StartNextStage(ctx, jobID, closedStage+1)
	}

	if err := c.Store.RecordFinalStageResults(ctx, jobID, closedStage, results); err != nil {
		return fmt.Errorf("orchestrator: record final stage results: %w", err)
	}

	anyFailureEver := hasFailure
	for _, stageResults := range job.StageResults {
		for _, r := range stageResults {
			if r.Status == model.TaskFailed {
				anyFailureEver = true
			}
		}
	}

	var terminalStatus, errMessage string
	var resultData map[string]any
	switch {
	case hasFailure && policy == model.FailFast:
		terminalStatus = model.JobFailed
		errMessage = fmt.Sprintf("%s: %s (%d task(s) failed)", firstFailure.ErrorType, firstFailure.Error, failedCount)
	case anyFailureEver:
		terminalStatus = model.JobCompletedWithErrors
	default:
		terminalStatus = model.JobCompleted
	}

	if terminalStatus != model.JobFailed {
		allStageResults := make(map[string][]model.TaskResult, len(job.StageResults)+1)
		for k, v := range job.StageResults {
			allStageResults[k] = v
		}
		allStageResults[strconv.Itoa(closedStage)] = results
		if def.AggregateJobResults != nil {
			resultData, err = def.AggregateJobResults(job, allStageResults)
			if err != nil {
				terminalStatus = model.JobFailed
				errMessage = "WorkflowError: aggregate_job_results: " + err.Error()
				resultData = nil
			}
		} else {
			resultData = defaultAggregate(results)
		}
	}

	if err := c.Store.FinalizeJob(ctx, jobID, terminalStatus, resultData, errMessage); err != nil {
		if _, isCAS := err.(*store.ErrCAS); isCAS {
			return nil // already finalized by another caller
		}
		return fmt.Errorf("orchestrator: finalize job: %w", err)
	}
	return nil
}

// defaultAggregate is the fallback when a workflow does not define
// AggregateJobResults: a single final task's own result
// becomes the job's result verbatim (the common case: a fan-in stage
// with exactly one task), otherwise every task's result is kept, indexed
// by task_id.
func defaultAggregate(results []model.TaskResult) map[string]any {
	if len(results) == 1 {
		return results[0].ResultData
	}
	out := make(map[string]any, len(results))
	for _, r := range results {
		out[r.TaskID] = r.ResultData
	}
	return out
}
