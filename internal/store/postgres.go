package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/jmoiron/sqlx"
	// registers the pgx stdlib driver under the name "pgx"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/sony/gobreaker"

	"geoetl-core/internal/model"
)

// schema documents the relational shape PostgresStore assumes. It is not
// executed by this package (migrations are an operational concern outside
// the core) but it is the DDL the queries below are written against.
const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	job_id         TEXT PRIMARY KEY,
	job_type       TEXT NOT NULL,
	status         TEXT NOT NULL,
	stage          INT NOT NULL,
	total_stages   INT NOT NULL,
	parameters     JSONB NOT NULL,
	stage_results  JSONB NOT NULL DEFAULT '{}',
	result_data    JSONB,
	error_message  TEXT,
	created_at     TIMESTAMPTZ NOT NULL,
	updated_at     TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS tasks (
	task_id        TEXT PRIMARY KEY,
	job_id         TEXT NOT NULL REFERENCES jobs(job_id),
	stage          INT NOT NULL,
	task_type      TEXT NOT NULL,
	status         TEXT NOT NULL,
	parameters     JSONB NOT NULL,
	result_data    JSONB,
	error_message  TEXT,
	error_type     TEXT,
	retry_count    INT NOT NULL DEFAULT 0,
	heartbeat      TIMESTAMPTZ,
	created_at     TIMESTAMPTZ NOT NULL,
	updated_at     TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_tasks_job_stage_status ON tasks (job_id, stage, status);
`

// PostgresStore implements StateStore over Postgres via sqlx + the pgx
// stdlib driver. Every database call is routed through breaker so a
// struggling or unreachable Postgres instance trips open instead of
// letting every caller pile up its own connection timeout, the same
// gobreaker.CircuitBreaker pattern RedisQueue wraps its client in.
type PostgresStore struct {
	db      *sqlx.DB
	breaker *gobreaker.CircuitBreaker
}

// Open connects to dsn and returns a PostgresStore. Schema() returns the
// DDL the caller is expected to have applied (via whatever migration
// tooling the deployment uses); Open does not run it itself.
func Open(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sqlx.ConnectContext(ctx, "pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: connect postgres: %w", err)
	}
	db.SetMaxOpenConns(20)
	return &PostgresStore{
		db: db,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "postgres-store",
			MaxRequests: 1,
			Timeout:     30 * time.Second,
		}),
	}, nil
}

// Schema returns the DDL PostgresStore's queries assume.
func Schema() string { return schema }

func (p *PostgresStore) Close() error { return p.db.Close() }

// execCtx, getCtx, selectCtx, and beginTx route their underlying sqlx
// call through p.breaker, so every exported StateStore method's
// round-trip to Postgres participates in the same circuit.

func (p *PostgresStore) execCtx(ctx context.Context, query string, args ...any) (sql.Result, error) {
	v, err := p.breaker.Execute(func() (any, error) {
		return p.db.ExecContext(ctx, query, args...)
	})
	if err != nil {
		return nil, err
	}
	return v.(sql.Result), nil
}

func (p *PostgresStore) getCtx(ctx context.Context, dest any, query string, args ...any) error {
	_, err := p.breaker.Execute(func() (any, error) {
		return nil, p.db.GetContext(ctx, dest, query, args...)
	})
	return err
}

func (p *PostgresStore) selectCtx(ctx context.Context, dest any, query string, args ...any) error {
	_, err := p.breaker.Execute(func() (any, error) {
		return nil, p.db.SelectContext(ctx, dest, query, args...)
	})
	return err
}

func (p *PostgresStore) beginTx(ctx context.Context) (*sqlx.Tx, error) {
	v, err := p.breaker.Execute(func() (any, error) {
		return p.db.BeginTxx(ctx, nil)
	})
	if err != nil {
		return nil, err
	}
	return v.(*sqlx.Tx), nil
}

func (p *PostgresStore) InsertJobIfAbsent(ctx context.Context, job *model.JobRecord) (*model.JobRecord, bool, error) {
	params, err := json.Marshal(job.Parameters)
	if err != nil {
		return nil, false, err
	}
	now := time.Now()
	res, err := p.execCtx(ctx, `
		INSERT INTO jobs (job_id, job_type, status, stage, total_stages, parameters, stage_results, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, '{}', $7, $7)
		ON CONFLICT (job_id) DO NOTHING
	`, job.JobID, job.JobType, model.JobQueued, 1, job.TotalStages, params, now)
	if err != nil {
		return nil, false, fmt.Errorf("store: insert job: %w", err)
	}
	n, _ := res.RowsAffected()
	existing, err := p.GetJob(ctx, job.JobID)
	if err != nil {
		return nil, false, err
	}
	return existing, n > 0, nil
}

type jobRow struct {
	JobID        string         `db:"job_id"`
	JobType      string         `db:"job_type"`
	Status       string         `db:"status"`
	Stage        int            `db:"stage"`
	TotalStages  int            `db:"total_stages"`
	Parameters   []byte         `db:"parameters"`
	StageResults []byte         `db:"stage_results"`
	ResultData   []byte         `db:"result_data"`
	ErrorMessage sql.NullString `db:"error_message"`
	CreatedAt    time.Time      `db:"created_at"`
	UpdatedAt    time.Time      `db:"updated_at"`
}

func (r jobRow) toModel() (*model.JobRecord, error) {
	j := &model.JobRecord{
		JobID:        r.JobID,
		JobType:      r.JobType,
		Status:       r.Status,
		Stage:        r.Stage,
		TotalStages:  r.TotalStages,
		ErrorMessage: r.ErrorMessage.String,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
	if len(r.Parameters) > 0 {
		if err := json.Unmarshal(r.Parameters, &j.Parameters); err != nil {
			return nil, err
		}
	}
	j.StageResults = make(map[string][]model.TaskResult)
	if len(r.StageResults) > 0 {
		if err := json.Unmarshal(r.StageResults, &j.StageResults); err != nil {
			return nil, err
		}
	}
	if len(r.ResultData) > 0 {
		if err := json.Unmarshal(r.ResultData, &j.ResultData); err != nil {
			return nil, err
		}
	}
	return j, nil
}

func (p *PostgresStore) GetJob(ctx context.Context, jobID string) (*model.JobRecord, error) {
	var row jobRow
	err := p.getCtx(ctx, &row, `SELECT * FROM jobs WHERE job_id = $1`, jobID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get job: %w", err)
	}
	return row.toModel()
}

func (p *PostgresStore) UpdateJobStatus(ctx context.Context, jobID, fromStatus, toStatus string) error {
	res, err := p.execCtx(ctx, `
		UPDATE jobs SET status = $1, updated_at = now() WHERE job_id = $2 AND status = $3
	`, toStatus, jobID, fromStatus)
	if err != nil {
		return fmt.Errorf("store: update job status: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return &ErrCAS{Entity: "job", ID: jobID, Reason: "status did not match " + fromStatus}
	}
	return nil
}

func (p *PostgresStore) InsertTasks(ctx context.Context, tasks []*model.TaskRecord) (int, error) {
	if len(tasks) == 0 {
		return 0, nil
	}
	tx, err := p.beginTx(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	inserted := 0
	for _, t := range tasks {
		params, err := json.Marshal(t.Parameters)
		if err != nil {
			return inserted, err
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO tasks (task_id, job_id, stage, task_type, status, parameters, retry_count, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, 0, now(), now())
			ON CONFLICT (task_id) DO NOTHING
		`, t.TaskID, t.JobID, t.Stage, t.TaskType, model.TaskQueued, params)
		if err != nil {
			return inserted, fmt.Errorf("store: insert task %s: %w", t.TaskID, err)
		}
		n, _ := res.RowsAffected()
		inserted += int(n)
	}
	return inserted, tx.Commit()
}

type taskRow struct {
	TaskID       string         `db:"task_id"`
	JobID        string         `db:"job_id"`
	Stage        int            `db:"stage"`
	TaskType     string         `db:"task_type"`
	Status       string         `db:"status"`
	Parameters   []byte         `db:"parameters"`
	ResultData   []byte         `db:"result_data"`
	ErrorMessage sql.NullString `db:"error_message"`
	ErrorType    sql.NullString `db:"error_type"`
	RetryCount   int            `db:"retry_count"`
	Heartbeat    sql.NullTime   `db:"heartbeat"`
	CreatedAt    time.Time      `db:"created_at"`
	UpdatedAt    time.Time      `db:"updated_at"`
}

func (r taskRow) toModel() (*model.TaskRecord, error) {
	t := &model.TaskRecord{
		TaskID:       r.TaskID,
		JobID:        r.JobID,
		Stage:        r.Stage,
		TaskType:     r.TaskType,
		Status:       r.Status,
		ErrorMessage: r.ErrorMessage.String,
		ErrorType:    r.ErrorType.String,
		RetryCount:   r.RetryCount,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
	if r.Heartbeat.Valid {
		t.Heartbeat = &r.Heartbeat.Time
	}
	if len(r.Parameters) > 0 {
		if err := json.Unmarshal(r.Parameters, &t.Parameters); err != nil {
			return nil, err
		}
	}
	if len(r.ResultData) > 0 {
		if err := json.Unmarshal(r.ResultData, &t.ResultData); err != nil {
			return nil, err
		}
	}
	return t, nil
}

func (p *PostgresStore) GetTask(ctx context.Context, taskID string) (*model.TaskRecord, error) {
	var row taskRow
	err := p.getCtx(ctx, &row, `SELECT * FROM tasks WHERE task_id = $1`, taskID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get task: %w", err)
	}
	return row.toModel()
}

func (p *PostgresStore) MarkTaskProcessing(ctx context.Context, taskID string) error {
	res, err := p.execCtx(ctx, `
		UPDATE tasks SET status = $1, updated_at = now() WHERE task_id = $2 AND status = $3
	`, model.TaskProcessing, taskID, model.TaskQueued)
	if err != nil {
		return fmt.Errorf("store: mark task processing: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return &ErrCAS{Entity: "task", ID: taskID, Reason: "status did not match QUEUED"}
	}
	return nil
}

// remainingTx updates the task and counts the stage's non-terminal tasks
// inside one transaction, so the count reflects exactly the update the
// caller just made. Completions of sibling tasks in the same
// (job_id, stage) must serialize so that exactly one caller ever observes
// remaining == 0; READ COMMITTED alone does not give that, since two
// concurrent completions would each run the count query without seeing
// the other's not-yet-committed update. pg_advisory_xact_lock on a key
// derived from (job_id, stage) forces the second transaction to wait for
// the first to commit before it counts, so the count it sees always
// includes every sibling completion/failure that has already committed.
// The initial SELECT only resolves (job_id, stage) for the lock key; the
// CAS itself is the status predicate on the UPDATE, because a racer that
// passed the SELECT before the winner committed (a straggler worker and
// a reconciler-redelivered retry racing on the same task_id) would
// otherwise clobber the winner's terminal status and result with its own
// stale values after the lock is released.
func (p *PostgresStore) remainingTx(ctx context.Context, taskID, toStatus string, patch map[string]string) (int, error) {
	tx, err := p.beginTx(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var jobID string
	var stage int
	err = tx.QueryRowContext(ctx, `SELECT job_id, stage FROM tasks WHERE task_id = $1 AND status = $2`,
		taskID, model.TaskProcessing).Scan(&jobID, &stage)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, &ErrCAS{Entity: "task", ID: taskID, Reason: "status did not match PROCESSING"}
	}
	if err != nil {
		return 0, err
	}

	lockKey := fmt.Sprintf("%s:%d", jobID, stage)
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, lockKey); err != nil {
		return 0, fmt.Errorf("store: acquire stage lock: %w", err)
	}

	setClauses := "status = :status, updated_at = now()"
	args := map[string]any{"status": toStatus, "task_id": taskID, "expected_status": model.TaskProcessing}
	for col, val := range patch {
		setClauses += fmt.Sprintf(", %s = :%s", col, col)
		args[col] = val
	}
	query, namedArgs, err := sqlx.Named(fmt.Sprintf(`UPDATE tasks SET %s WHERE task_id = :task_id AND status = :expected_status`, setClauses), args)
	if err != nil {
		return 0, err
	}
	query = tx.Rebind(query)
	res, err := tx.ExecContext(ctx, query, namedArgs...)
	if err != nil {
		return 0, err
	}
	updated, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if updated == 0 {
		return 0, &ErrCAS{Entity: "task", ID: taskID, Reason: "status did not match PROCESSING"}
	}

	var remaining int
	err = tx.GetContext(ctx, &remaining, `
		SELECT count(*) FROM tasks
		WHERE job_id = $1 AND stage = $2 AND status NOT IN ('COMPLETED', 'FAILED')
	`, jobID, stage)
	if err != nil {
		return 0, err
	}
	return remaining, tx.Commit()
}

func (p *PostgresStore) CompleteTask(ctx context.Context, taskID string, result map[string]any) (int, error) {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return 0, err
	}
	return p.remainingTx(ctx, taskID, model.TaskCompleted, map[string]string{"result_data": string(resultJSON)})
}

func (p *PostgresStore) FailTask(ctx context.Context, taskID, errMsg, errType string) (int, error) {
	return p.remainingTx(ctx, taskID, model.TaskFailed, map[string]string{
		"error_message": errMsg,
		"error_type":    errType,
	})
}

func (p *PostgresStore) LoadStageTaskResults(ctx context.Context, jobID string, stage int) ([]model.TaskResult, error) {
	var rows []taskRow
	err := p.selectCtx(ctx, &rows, `
		SELECT * FROM tasks WHERE job_id = $1 AND stage = $2 ORDER BY task_id ASC
	`, jobID, stage)
	if err != nil {
		return nil, fmt.Errorf("store: load stage task results: %w", err)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].TaskID < rows[j].TaskID })
	out := make([]model.TaskResult, 0, len(rows))
	for _, r := range rows {
		t, err := r.toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, model.TaskResult{
			TaskID:     t.TaskID,
			Status:     t.Status,
			ResultData: t.ResultData,
			Error:      t.ErrorMessage,
			ErrorType:  t.ErrorType,
		})
	}
	return out, nil
}

func (p *PostgresStore) AdvanceJobStage(ctx context.Context, jobID string, fromStage, toStage int, stageResults []model.TaskResult) error {
	patch, err := json.Marshal(stageResults)
	if err != nil {
		return err
	}
	res, err := p.execCtx(ctx, `
		UPDATE jobs SET stage = $1, stage_results = jsonb_set(stage_results, $2, $3::jsonb, true), updated_at = now()
		WHERE job_id = $4 AND stage = $5 AND status = $6
	`, toStage, fmt.Sprintf("{%d}", fromStage), patch, jobID, fromStage, model.JobProcessing)
	if err != nil {
		return fmt.Errorf("store: advance job stage: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return &ErrCAS{Entity: "job", ID: jobID, Reason: "not at expected stage/status for advance"}
	}
	return nil
}

func (p *PostgresStore) RecordFinalStageResults(ctx context.Context, jobID string, stage int, results []model.TaskResult) error {
	patch, err := json.Marshal(results)
	if err != nil {
		return err
	}
	_, err = p.execCtx(ctx, `
		UPDATE jobs SET stage_results = jsonb_set(stage_results, $1, $2::jsonb, true)
		WHERE job_id = $3
	`, fmt.Sprintf("{%d}", stage), patch, jobID)
	if err != nil {
		return fmt.Errorf("store: record final stage results: %w", err)
	}
	return nil
}

func (p *PostgresStore) FinalizeJob(ctx context.Context, jobID, terminalStatus string, resultData map[string]any, errMessage string) error {
	result, err := json.Marshal(resultData)
	if err != nil {
		return err
	}
	res, err := p.execCtx(ctx, `
		UPDATE jobs SET status = $1, result_data = $2, error_message = $3, updated_at = now()
		WHERE job_id = $4 AND status = $5
	`, terminalStatus, result, errMessage, jobID, model.JobProcessing)
	if err != nil {
		return fmt.Errorf("store: finalize job: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return &ErrCAS{Entity: "job", ID: jobID, Reason: "status did not match PROCESSING"}
	}
	return nil
}

func (p *PostgresStore) StaleProcessingTasks(ctx context.Context, leaseSeconds int) ([]*model.TaskRecord, error) {
	var rows []taskRow
	err := p.selectCtx(ctx, &rows, `
		SELECT * FROM tasks WHERE status = $1 AND updated_at < now() - ($2 || ' seconds')::interval
	`, model.TaskProcessing, strconv.Itoa(leaseSeconds))
	if err != nil {
		return nil, fmt.Errorf("store: stale processing tasks: %w", err)
	}
	out := make([]*model.TaskRecord, 0, len(rows))
	for _, r := range rows {
		t, err := r.toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func (p *PostgresStore) ResetTaskToQueued(ctx context.Context, taskID string) error {
	res, err := p.execCtx(ctx, `
		UPDATE tasks SET status = $1, retry_count = retry_count + 1, updated_at = now()
		WHERE task_id = $2 AND status = $3
	`, model.TaskQueued, taskID, model.TaskProcessing)
	if err != nil {
		return fmt.Errorf("store: reset task to queued: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return &ErrCAS{Entity: "task", ID: taskID, Reason: "status did not match PROCESSING"}
	}
	return nil
}

func (p *PostgresStore) UnstartedStageJobs(ctx context.Context, leaseSeconds int) ([]*model.JobRecord, error) {
	var rows []jobRow
	err := p.selectCtx(ctx, &rows, `
		SELECT j.* FROM jobs j
		WHERE j.status = $1
		AND j.updated_at < now() - ($2 || ' seconds')::interval
		AND NOT EXISTS (SELECT 1 FROM tasks t WHERE t.job_id = j.job_id AND t.stage = j.stage)
	`, model.JobProcessing, strconv.Itoa(leaseSeconds))
	if err != nil {
		return nil, fmt.Errorf("store: unstarted stage jobs: %w", err)
	}
	out := make([]*model.JobRecord, 0, len(rows))
	for _, r := range rows {
		j, err := r.toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, nil
}

func (p *PostgresStore) StrandedJobs(ctx context.Context) ([]*model.JobRecord, error) {
	var rows []jobRow
	err := p.selectCtx(ctx, &rows, `
		SELECT j.* FROM jobs j
		WHERE j.status = $1
		AND EXISTS (SELECT 1 FROM tasks t WHERE t.job_id = j.job_id AND t.stage = j.stage)
		AND NOT EXISTS (
			SELECT 1 FROM tasks t
			WHERE t.job_id = j.job_id AND t.stage = j.stage AND t.status NOT IN ('COMPLETED', 'FAILED')
		)
	`, model.JobProcessing)
	if err != nil {
		return nil, fmt.Errorf("store: stranded jobs: %w", err)
	}
	out := make([]*model.JobRecord, 0, len(rows))
	for _, r := range rows {
		j, err := r.toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, nil
}
