package orchestrator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"geoetl-core/internal/model"
	"geoetl-core/internal/queue"
	"geoetl-core/internal/registry"
	"geoetl-core/internal/store"
)

func singleStageDef(jobType string, policy model.FailurePolicy, shouldFail bool) model.WorkflowDefinition {
	return model.WorkflowDefinition{
		JobType: jobType,
		Stages: []model.StageDefinition{
			{Number: 1, Name: "only", TaskType: "noop", Parallelism: "single", Failure: policy},
		},
		CreateTasksForStage: func(stage int, jobParams map[string]any, jobID string, previousResults []model.TaskResult) ([]model.TaskSpec, error) {
			return []model.TaskSpec{{TaskID: jobID + "_0", TaskType: "noop", Parameters: map[string]any{"should_fail": shouldFail}}}, nil
		},
	}
}

func twoStageFanOutDef(jobType string) model.WorkflowDefinition {
	return model.WorkflowDefinition{
		JobType: jobType,
		Stages: []model.StageDefinition{
			{Number: 1, Name: "fan_out", TaskType: "noop", Parallelism: "dynamic"},
			{Number: 2, Name: "fan_in", TaskType: "noop", Parallelism: "single", UsesLineage: true},
		},
		CreateTasksForStage: func(stage int, jobParams map[string]any, jobID string, previousResults []model.TaskResult) ([]model.TaskSpec, error) {
			if stage == 1 {
				return []model.TaskSpec{
					{TaskID: jobID + "_s1_a", TaskType: "noop"},
					{TaskID: jobID + "_s1_b", TaskType: "noop"},
				}, nil
			}
			return []model.TaskSpec{{TaskID: jobID + "_s2_0", TaskType: "noop", Parameters: map[string]any{"fan_in_count": len(previousResults)}}}, nil
		},
	}
}

func newTestMachine(def model.WorkflowDefinition) (*CoreMachine, store.StateStore, queue.Queue) {
	st := store.NewMemoryStore()
	q := queue.NewMemoryQueue(32, 5)
	jobs := registry.NewJobRegistry()
	jobs.Register(def)
	log := zap.NewNop()
	return New(st, q, jobs, log), st, q
}

func TestSubmitJobIsIdempotent(t *testing.T) {
	c, _, _ := newTestMachine(singleStageDef("hello_like", model.FailFast, false))
	ctx := context.Background()

	job1, dup1, err := c.SubmitJob(ctx, "hello_like", map[string]any{"name": "Ada"})
	require.NoError(t, err)
	require.False(t, dup1)

	job2, dup2, err := c.SubmitJob(ctx, "hello_like", map[string]any{"name": "Ada"})
	require.NoError(t, err)
	require.True(t, dup2)
	require.Equal(t, job1.JobID, job2.JobID)
}

func TestSubmitJobUnknownJobType(t *testing.T) {
	c, _, _ := newTestMachine(singleStageDef("known", model.FailFast, false))
	_, _, err := c.SubmitJob(context.Background(), "unknown", nil)
	require.Error(t, err)
}

func TestFailFastFinalizesFailed(t *testing.T) {
	c, st, q := newTestMachine(singleStageDef("ff", model.FailFast, true))
	ctx := context.Background()

	job, _, err := c.SubmitJob(ctx, "ff", nil)
	require.NoError(t, err)

	driveSingleStageJob(t, c, st, q, job.JobID)

	final, err := st.GetJob(ctx, job.JobID)
	require.NoError(t, err)
	require.Equal(t, model.JobFailed, final.Status)
}

func TestTolerantFinalizesCompletedWithErrors(t *testing.T) {
	c, st, q := newTestMachine(singleStageDef("tol", model.Tolerant, true))
	ctx := context.Background()

	job, _, err := c.SubmitJob(ctx, "tol", nil)
	require.NoError(t, err)

	driveSingleStageJob(t, c, st, q, job.JobID)

	final, err := st.GetJob(ctx, job.JobID)
	require.NoError(t, err)
	require.Equal(t, model.JobCompletedWithErrors, final.Status)
}

func TestAllSucceedFinalizesCompleted(t *testing.T) {
	c, st, q := newTestMachine(singleStageDef("ok", model.FailFast, false))
	ctx := context.Background()

	job, _, err := c.SubmitJob(ctx, "ok", nil)
	require.NoError(t, err)

	driveSingleStageJob(t, c, st, q, job.JobID)

	final, err := st.GetJob(ctx, job.JobID)
	require.NoError(t, err)
	require.Equal(t, model.JobCompleted, final.Status)
}

// driveSingleStageJob pumps exactly one job message and one task through a
// single-stage workflow, the minimal fixture for failure-policy tests.
func driveSingleStageJob(t *testing.T, c *CoreMachine, st store.StateStore, q queue.Queue, jobID string) {
	t.Helper()
	ctx := context.Background()

	msg, _, err := q.DequeueJob(ctx)
	require.NoError(t, err)
	require.NoError(t, c.HandleJobMessage(ctx, msg))

	taskMsg, lease, err := q.DequeueTask(ctx)
	require.NoError(t, err)
	require.NoError(t, st.MarkTaskProcessing(ctx, taskMsg.TaskID))

	task, err := st.GetTask(ctx, taskMsg.TaskID)
	require.NoError(t, err)
	shouldFail, _ := task.Parameters["should_fail"].(bool)

	var remaining int
	if shouldFail {
		remaining, err = st.FailTask(ctx, taskMsg.TaskID, "boom", "TestFailure")
	} else {
		remaining, err = st.CompleteTask(ctx, taskMsg.TaskID, map[string]any{"ok": true})
	}
	require.NoError(t, err)
	require.NoError(t, q.Ack(ctx, lease))
	require.Equal(t, 0, remaining)
	require.NoError(t, c.AdvanceOrFinalize(ctx, jobID, task.Stage))
}

func TestFanOutFanInAggregatesCorrectCount(t *testing.T) {
	c, st, q := newTestMachine(twoStageFanOutDef("fanout"))
	ctx := context.Background()

	job, _, err := c.SubmitJob(ctx, "fanout", nil)
	require.NoError(t, err)

	// Stage 1: two tasks fan out.
	msg, _, err := q.DequeueJob(ctx)
	require.NoError(t, err)
	require.NoError(t, c.HandleJobMessage(ctx, msg))

	for i := 0; i < 2; i++ {
		taskMsg, lease, err := q.DequeueTask(ctx)
		require.NoError(t, err)
		require.NoError(t, st.MarkTaskProcessing(ctx, taskMsg.TaskID))
		remaining, err := st.CompleteTask(ctx, taskMsg.TaskID, map[string]any{"i": i})
		require.NoError(t, err)
		require.NoError(t, q.Ack(ctx, lease))
		if remaining == 0 {
			require.NoError(t, c.AdvanceOrFinalize(ctx, job.JobID, 1))
		}
	}

	// Stage 2: fan-in task should see fan_in_count == 2.
	msg2, _, err := q.DequeueJob(ctx)
	require.NoError(t, err)
	require.NoError(t, c.HandleJobMessage(ctx, msg2))

	taskMsg2, lease2, err := q.DequeueTask(ctx)
	require.NoError(t, err)
	task2, err := st.GetTask(ctx, taskMsg2.TaskID)
	require.NoError(t, err)
	require.Equal(t, 2, task2.Parameters["fan_in_count"])

	require.NoError(t, st.MarkTaskProcessing(ctx, taskMsg2.TaskID))
	remaining, err := st.CompleteTask(ctx, taskMsg2.TaskID, map[string]any{"done": true})
	require.NoError(t, err)
	require.NoError(t, q.Ack(ctx, lease2))
	require.Equal(t, 0, remaining)
	require.NoError(t, c.AdvanceOrFinalize(ctx, job.JobID, 2))

	final, err := st.GetJob(ctx, job.JobID)
	require.NoError(t, err)
	require.Equal(t, model.JobCompleted, final.Status)
}

func TestGetJobStatusReflectsProgress(t *testing.T) {
	c, st, q := newTestMachine(singleStageDef("progress", model.FailFast, false))
	ctx := context.Background()

	job, _, err := c.SubmitJob(ctx, "progress", nil)
	require.NoError(t, err)

	view, err := c.GetJobStatus(ctx, job.JobID)
	require.NoError(t, err)
	require.Equal(t, 0, view.Progress.Total)

	driveSingleStageJob(t, c, st, q, job.JobID)

	view, err = c.GetJobStatus(ctx, job.JobID)
	require.NoError(t, err)
	require.Equal(t, 1, view.Progress.Total)
	require.Equal(t, 1, view.Progress.Completed)
	require.Equal(t, float64(100), view.Progress.Percent)
}
