package reconciler

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"geoetl-core/internal/model"
	"geoetl-core/internal/orchestrator"
	"geoetl-core/internal/queue"
	"geoetl-core/internal/registry"
	"geoetl-core/internal/store"
)

func newTestReconciler(leaseSeconds int) (*Reconciler, store.StateStore, queue.Queue, *orchestrator.CoreMachine) {
	return newTestReconcilerWithRetries(leaseSeconds, 5)
}

func newTestReconcilerWithRetries(leaseSeconds, maxRetries int) (*Reconciler, store.StateStore, queue.Queue, *orchestrator.CoreMachine) {
	st := store.NewMemoryStore()
	q := queue.NewMemoryQueue(8, 5)
	jobs := registry.NewJobRegistry()
	jobs.Register(model.WorkflowDefinition{
		JobType: "single",
		Stages:  []model.StageDefinition{{Number: 1, Name: "only", TaskType: "noop"}},
		CreateTasksForStage: func(stage int, jobParams map[string]any, jobID string, previousResults []model.TaskResult) ([]model.TaskSpec, error) {
			return []model.TaskSpec{{TaskID: jobID + "_0", TaskType: "noop"}}, nil
		},
	})
	log := zap.NewNop()
	core := orchestrator.New(st, q, jobs, log)
	return New(st, q, core, log, leaseSeconds, maxRetries), st, q, core
}

func TestSweepStaleTasksReclaimsAndRequeues(t *testing.T) {
	// A negative lease makes every PROCESSING task immediately stale
	// without needing to sleep in the test.
	r, st, q, _ := newTestReconciler(-10)
	ctx := context.Background()

	_, err := st.InsertTasks(ctx, []*model.TaskRecord{{TaskID: "t1", JobID: "j1", Stage: 1, TaskType: "noop", Status: model.TaskQueued}})
	require.NoError(t, err)
	require.NoError(t, st.MarkTaskProcessing(ctx, "t1"))

	n, err := r.SweepStaleTasks(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	task, err := st.GetTask(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, model.TaskQueued, task.Status)
	require.Equal(t, 1, task.RetryCount)

	msg, _, err := q.DequeueTask(ctx)
	require.NoError(t, err)
	require.Equal(t, "t1", msg.TaskID)
}

func TestSweepStaleTasksIgnoresFreshTasks(t *testing.T) {
	r, st, _, _ := newTestReconciler(3600) // one hour lease: nothing is stale yet
	ctx := context.Background()

	_, err := st.InsertTasks(ctx, []*model.TaskRecord{{TaskID: "t1", JobID: "j1", Stage: 1, TaskType: "noop", Status: model.TaskQueued}})
	require.NoError(t, err)
	require.NoError(t, st.MarkTaskProcessing(ctx, "t1"))

	n, err := r.SweepStaleTasks(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

// TestSweepStaleTasksDeadLettersAtMaxRetries covers the bound that keeps a
// permanently-crash-looping task from being reclaimed and re-enqueued
// forever: once its RetryCount already reached maxRetries, the sweep fails
// it instead of resetting it to QUEUED again.
func TestSweepStaleTasksDeadLettersAtMaxRetries(t *testing.T) {
	r, st, _, _ := newTestReconciler(-10)
	ctx := context.Background()

	job := &model.JobRecord{JobID: "j1", JobType: "single", Status: model.JobProcessing, Stage: 1, TotalStages: 1, StageResults: map[string][]model.TaskResult{}}
	_, _, err := st.InsertJobIfAbsent(ctx, job)
	require.NoError(t, err)
	_, err = st.InsertTasks(ctx, []*model.TaskRecord{{TaskID: "j1_0", JobID: "j1", Stage: 1, TaskType: "noop", Status: model.TaskQueued, RetryCount: 5}})
	require.NoError(t, err)
	require.NoError(t, st.MarkTaskProcessing(ctx, "j1_0"))

	n, err := r.SweepStaleTasks(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, n) // dead-lettered, not counted as reclaimed

	task, err := st.GetTask(ctx, "j1_0")
	require.NoError(t, err)
	require.Equal(t, model.TaskFailed, task.Status)
	require.Equal(t, "MaxRetriesExceeded", task.ErrorType)

	// Dead-lettering the stage's only task must still drive the
	// stage-advance path, the same as a normal FailTask call would.
	final, err := st.GetJob(ctx, "j1")
	require.NoError(t, err)
	require.Equal(t, model.JobFailed, final.Status)
}

// TestSweepStaleTasksRespectsMaxRetriesBoundary checks the edge itself:
// RetryCount one below maxRetries is still reclaimed, not dead-lettered.
func TestSweepStaleTasksRespectsMaxRetriesBoundary(t *testing.T) {
	r, st, q, _ := newTestReconcilerWithRetries(-10, 5)
	ctx := context.Background()

	_, err := st.InsertTasks(ctx, []*model.TaskRecord{{TaskID: "t1", JobID: "j1", Stage: 1, TaskType: "noop", Status: model.TaskQueued, RetryCount: 4}})
	require.NoError(t, err)
	require.NoError(t, st.MarkTaskProcessing(ctx, "t1"))

	n, err := r.SweepStaleTasks(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	task, err := st.GetTask(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, model.TaskQueued, task.Status)
	require.Equal(t, 5, task.RetryCount)

	_, _, err = q.DequeueTask(ctx)
	require.NoError(t, err)
}

// TestSweepStrandedJobsMatchesNonCrashPath: a
// job whose sole stage has gone fully terminal while the job record is
// still PROCESSING (the crashed lights-out actor scenario) must finalize
// to the same terminal status the non-crash path would have produced.
func TestSweepStrandedJobsMatchesNonCrashPath(t *testing.T) {
	r, st, _, _ := newTestReconciler(60)
	ctx := context.Background()

	job := &model.JobRecord{JobID: "j1", JobType: "single", Status: model.JobProcessing, Stage: 1, TotalStages: 1, StageResults: map[string][]model.TaskResult{}}
	_, _, err := st.InsertJobIfAbsent(ctx, job)
	require.NoError(t, err)
	_, err = st.InsertTasks(ctx, []*model.TaskRecord{{TaskID: "j1_0", JobID: "j1", Stage: 1, TaskType: "noop", Status: model.TaskQueued}})
	require.NoError(t, err)
	require.NoError(t, st.MarkTaskProcessing(ctx, "j1_0"))

	// Complete the task directly, as if the executor had persisted the
	// result but crashed before calling AdvanceOrFinalize.
	remaining, err := st.CompleteTask(ctx, "j1_0", map[string]any{"ok": true})
	require.NoError(t, err)
	require.Equal(t, 0, remaining)

	n, err := r.SweepStrandedJobs(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	final, err := st.GetJob(ctx, "j1")
	require.NoError(t, err)
	require.Equal(t, model.JobCompleted, final.Status)
}

// TestSweepStrandedJobsRestartsStageWithNoTasks covers the other crash
// window: the stage advance committed but the stage-start message was
// never sent, so the job sits PROCESSING with zero tasks for its current
// stage. The sweep must re-enqueue the job message.
func TestSweepStrandedJobsRestartsStageWithNoTasks(t *testing.T) {
	// A negative lease makes the freshly-updated job immediately eligible.
	r, st, q, _ := newTestReconciler(-10)
	ctx := context.Background()

	job := &model.JobRecord{JobID: "j1", JobType: "single", Status: model.JobQueued, Stage: 1, TotalStages: 1, StageResults: map[string][]model.TaskResult{}}
	_, _, err := st.InsertJobIfAbsent(ctx, job)
	require.NoError(t, err)
	require.NoError(t, st.UpdateJobStatus(ctx, "j1", model.JobQueued, model.JobProcessing))

	n, err := r.SweepStrandedJobs(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	msg, _, err := q.DequeueJob(ctx)
	require.NoError(t, err)
	require.Equal(t, "j1", msg.JobID)
	require.Equal(t, 1, msg.Stage)
}

func TestSweepStrandedJobsIsIdempotent(t *testing.T) {
	r, st, _, core := newTestReconciler(60)
	ctx := context.Background()

	job := &model.JobRecord{JobID: "j1", JobType: "single", Status: model.JobProcessing, Stage: 1, TotalStages: 1, StageResults: map[string][]model.TaskResult{}}
	_, _, err := st.InsertJobIfAbsent(ctx, job)
	require.NoError(t, err)
	_, err = st.InsertTasks(ctx, []*model.TaskRecord{{TaskID: "j1_0", JobID: "j1", Stage: 1, TaskType: "noop", Status: model.TaskQueued}})
	require.NoError(t, err)
	require.NoError(t, st.MarkTaskProcessing(ctx, "j1_0"))
	_, err = st.CompleteTask(ctx, "j1_0", map[string]any{"ok": true})
	require.NoError(t, err)

	// The real executor wins the race and finalizes first.
	require.NoError(t, core.AdvanceOrFinalize(ctx, "j1", 1))
	// The reconciler's sweep must then be a no-op: the job is no longer
	// PROCESSING, so StrandedJobs does not return it.
	_, err = r.SweepStrandedJobs(ctx)
	require.NoError(t, err)

	final, err := st.GetJob(ctx, "j1")
	require.NoError(t, err)
	require.Equal(t, model.JobCompleted, final.Status)
}
