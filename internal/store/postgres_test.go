package store

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/require"

	"geoetl-core/internal/model"
)

// newMockStore wires a PostgresStore over a sqlmock connection instead of
// a live Postgres, so the CAS/locking behavior of the real query text can
// be exercised without a database.
func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })
	db := sqlx.NewDb(mockDB, "sqlmock")
	return &PostgresStore{
		db: db,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "postgres-store-test",
			MaxRequests: 1,
			Timeout:     30 * time.Second,
		}),
	}, mock
}

// TestCompleteTaskAcquiresStageLockBeforeCounting: remainingTx must take
// the pg_advisory_xact_lock on (job_id, stage) before it runs the
// remaining count, and inside the same transaction as the task update, so
// exactly one caller ever observes remaining == 0.
func TestCompleteTaskAcquiresStageLockBeforeCounting(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT job_id, stage FROM tasks WHERE task_id = \$1 AND status = \$2`).
		WithArgs("job1_s1_0", model.TaskProcessing).
		WillReturnRows(sqlmock.NewRows([]string{"job_id", "stage"}).AddRow("job1", 1))
	mock.ExpectExec(`SELECT pg_advisory_xact_lock\(hashtextextended\(\$1, 0\)\)`).
		WithArgs("job1:1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	// The UPDATE's placeholders come from sqlx.Named + Rebind, which for a
	// driver name sqlx doesn't recognize (our mock's "sqlmock") leaves the
	// "?" bindvar form in place rather than rewriting it to "$n".
	mock.ExpectExec(`UPDATE tasks SET status = \?, updated_at = now\(\), result_data = \? WHERE task_id = \? AND status = \?`).
		WithArgs(model.TaskCompleted, sqlmock.AnyArg(), "job1_s1_0", model.TaskProcessing).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT count\(\*\) FROM tasks`).
		WithArgs("job1", 1).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectCommit()

	remaining, err := s.CompleteTask(ctx, "job1_s1_0", map[string]any{"ok": true})
	require.NoError(t, err)
	require.Equal(t, 0, remaining)
	require.NoError(t, mock.ExpectationsWereMet())
}

// TestCompleteTaskRejectsNonProcessingTask verifies the CAS guard: if the
// task isn't PROCESSING (already completed, or a stale duplicate), the
// lock is never acquired and the caller gets ErrCAS.
func TestCompleteTaskRejectsNonProcessingTask(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT job_id, stage FROM tasks WHERE task_id = \$1 AND status = \$2`).
		WithArgs("job1_s1_0", model.TaskProcessing).
		WillReturnRows(sqlmock.NewRows([]string{"job_id", "stage"}))
	mock.ExpectRollback()

	_, err := s.CompleteTask(ctx, "job1_s1_0", map[string]any{"ok": true})
	var casErr *ErrCAS
	require.ErrorAs(t, err, &casErr)
	require.NoError(t, mock.ExpectationsWereMet())
}

// TestCompleteTaskRejectsWhenReclaimedAfterSnapshot covers the race the
// UPDATE's own status predicate exists for: the task was PROCESSING when
// the opening SELECT ran, but another caller terminated it before this
// transaction acquired the stage lock. The blind-looking UPDATE must
// affect zero rows and surface as ErrCAS rather than clobbering the
// winner's terminal status and result.
func TestCompleteTaskRejectsWhenReclaimedAfterSnapshot(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT job_id, stage FROM tasks WHERE task_id = \$1 AND status = \$2`).
		WithArgs("job1_s1_0", model.TaskProcessing).
		WillReturnRows(sqlmock.NewRows([]string{"job_id", "stage"}).AddRow("job1", 1))
	mock.ExpectExec(`SELECT pg_advisory_xact_lock\(hashtextextended\(\$1, 0\)\)`).
		WithArgs("job1:1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`UPDATE tasks SET status = \?, updated_at = now\(\), result_data = \? WHERE task_id = \? AND status = \?`).
		WithArgs(model.TaskCompleted, sqlmock.AnyArg(), "job1_s1_0", model.TaskProcessing).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	_, err := s.CompleteTask(ctx, "job1_s1_0", map[string]any{"ok": true})
	var casErr *ErrCAS
	require.ErrorAs(t, err, &casErr)
	require.NoError(t, mock.ExpectationsWereMet())
}

// TestFailTaskAcquiresStageLock mirrors the complete-task path for the
// failure branch, with two patch columns instead of one.
func TestFailTaskAcquiresStageLock(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT job_id, stage FROM tasks WHERE task_id = \$1 AND status = \$2`).
		WithArgs("job1_s2_0", model.TaskProcessing).
		WillReturnRows(sqlmock.NewRows([]string{"job_id", "stage"}).AddRow("job1", 2))
	mock.ExpectExec(`SELECT pg_advisory_xact_lock\(hashtextextended\(\$1, 0\)\)`).
		WithArgs("job1:2").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`UPDATE tasks SET`).
		WithArgs(model.TaskFailed, sqlmock.AnyArg(), sqlmock.AnyArg(), "job1_s2_0", model.TaskProcessing).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT count\(\*\) FROM tasks`).
		WithArgs("job1", 2).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))
	mock.ExpectCommit()

	remaining, err := s.FailTask(ctx, "job1_s2_0", "bad row", "ValidationError")
	require.NoError(t, err)
	require.Equal(t, 3, remaining)
	require.NoError(t, mock.ExpectationsWereMet())
}

// TestUpdateJobStatusCAS verifies the job status CAS update: zero rows
// affected means the from-status didn't match and must surface as ErrCAS.
func TestUpdateJobStatusCAS(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectExec(`UPDATE jobs SET status = \$1, updated_at = now\(\) WHERE job_id = \$2 AND status = \$3`).
		WithArgs(model.JobProcessing, "job1", model.JobQueued).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.UpdateJobStatus(ctx, "job1", model.JobQueued, model.JobProcessing)
	var casErr *ErrCAS
	require.ErrorAs(t, err, &casErr)
	require.NoError(t, mock.ExpectationsWereMet())
}

// TestInsertJobIfAbsentReturnsExisting verifies idempotent submission: a
// conflicting insert (zero rows affected) still reads back and returns
// the existing row, with created=false.
func TestInsertJobIfAbsentReturnsExisting(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	job := &model.JobRecord{JobID: "job1", JobType: "hello", TotalStages: 1, Parameters: map[string]any{"name": "Ada"}}

	mock.ExpectExec(`INSERT INTO jobs`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT \* FROM jobs WHERE job_id = \$1`).
		WithArgs("job1").
		WillReturnRows(sqlmock.NewRows([]string{
			"job_id", "job_type", "status", "stage", "total_stages", "parameters",
			"stage_results", "result_data", "error_message", "created_at", "updated_at",
		}).AddRow("job1", "hello", model.JobProcessing, 1, 1, []byte(`{"name":"Ada"}`),
			[]byte(`{}`), nil, nil, time.Now(), time.Now()))

	stored, created, err := s.InsertJobIfAbsent(ctx, job)
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, "job1", stored.JobID)
	require.NoError(t, mock.ExpectationsWereMet())
}
