// Package reconciler implements the background repair sweeps: it reclaims
// tasks stranded in PROCESSING by a crashed worker, and advances or
// finalizes jobs stranded by a crashed lights-out actor.
package reconciler

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"geoetl-core/internal/model"
	"geoetl-core/internal/orchestrator"
	"geoetl-core/internal/queue"
	"geoetl-core/internal/store"
)

// Reconciler owns a cron scheduler driving the repair sweeps, so each
// cadence is an independently configurable cron expression.
type Reconciler struct {
	Store        store.StateStore
	Queue        queue.Queue
	Core         *orchestrator.CoreMachine
	Log          *zap.Logger
	LeaseSeconds int
	// MaxRetries bounds how many times SweepStaleTasks will reset the same
	// task back to QUEUED before dead-lettering it. A reconciler-driven
	// re-enqueue mints a fresh queue message with DeliveryCount reset to
	// zero, so the executor's own delivery-count check never sees it;
	// TaskRecord.RetryCount, incremented by ResetTaskToQueued, is the only
	// signal left to bound this loop.
	MaxRetries int

	cron *cron.Cron
}

// New builds a Reconciler. leaseSeconds is how long a task may sit in
// PROCESSING with no update before it is considered abandoned; maxRetries
// bounds reconciler-driven requeues before a stale task is dead-lettered.
func New(st store.StateStore, q queue.Queue, core *orchestrator.CoreMachine, log *zap.Logger, leaseSeconds, maxRetries int) *Reconciler {
	return &Reconciler{Store: st, Queue: q, Core: core, Log: log, LeaseSeconds: leaseSeconds, MaxRetries: maxRetries, cron: cron.New()}
}

// expiryRequeuer is implemented by queues whose lease visibility timeout
// lives in the broker itself (RedisQueue's processing sorted set) and so
// needs its own periodic sweep to reclaim and dead-letter entries a crashed
// consumer abandoned, distinct from the store-level stale-task sweep
// below, which reclaims by TaskRecord status rather than queue state.
// MemoryQueue doesn't implement this; its Nack path redelivers synchronously
// and has no broker-side lease to expire.
type expiryRequeuer interface {
	RequeueExpired(ctx context.Context) (jobsRequeued, tasksRequeued int, err error)
}

// Start schedules every sweep this Reconciler's collaborators support and
// begins running them in the background. staleTasksCron and
// strandedJobsCron are standard 5-field cron expressions (e.g. "*/1 * * * *"
// for once a minute); the queue-expiry sweep, when the queue supports it,
// runs on staleTasksCron's cadence.
func (r *Reconciler) Start(ctx context.Context, staleTasksCron, strandedJobsCron string) error {
	if _, err := r.cron.AddFunc(staleTasksCron, func() {
		if n, err := r.SweepStaleTasks(ctx); err != nil {
			r.Log.Error("stale task sweep failed", zap.Error(err))
		} else if n > 0 {
			r.Log.Info("reclaimed stale tasks", zap.Int("count", n))
		}
	}); err != nil {
		return fmt.Errorf("reconciler: schedule stale task sweep: %w", err)
	}
	if _, err := r.cron.AddFunc(strandedJobsCron, func() {
		if n, err := r.SweepStrandedJobs(ctx); err != nil {
			r.Log.Error("stranded job sweep failed", zap.Error(err))
		} else if n > 0 {
			r.Log.Info("advanced stranded jobs", zap.Int("count", n))
		}
	}); err != nil {
		return fmt.Errorf("reconciler: schedule stranded job sweep: %w", err)
	}
	if eq, ok := r.Queue.(expiryRequeuer); ok {
		if _, err := r.cron.AddFunc(staleTasksCron, func() {
			jobs, tasks, err := eq.RequeueExpired(ctx)
			if err != nil {
				r.Log.Error("queue expiry sweep failed", zap.Error(err))
			} else if jobs+tasks > 0 {
				r.Log.Info("requeued expired queue leases", zap.Int("jobs", jobs), zap.Int("tasks", tasks))
			}
		}); err != nil {
			return fmt.Errorf("reconciler: schedule queue expiry sweep: %w", err)
		}
	}
	r.cron.Start()
	return nil
}

// Stop halts the scheduler, waiting for any in-flight sweep to finish.
func (r *Reconciler) Stop() {
	<-r.cron.Stop().Done()
}

// SweepStaleTasks resets every task whose PROCESSING status has outlived
// the lease back to QUEUED and re-enqueues it, up to MaxRetries times; a
// task that has already been reclaimed MaxRetries times is dead-lettered
// instead, so a permanently crash-looping task still reaches a terminal
// state.
func (r *Reconciler) SweepStaleTasks(ctx context.Context) (int, error) {
	stale, err := r.Store.StaleProcessingTasks(ctx, r.LeaseSeconds)
	if err != nil {
		return 0, fmt.Errorf("reconciler: list stale tasks: %w", err)
	}
	reclaimed := 0
	for _, t := range stale {
		if t.RetryCount >= r.MaxRetries {
			if err := r.deadLetterStaleTask(ctx, t); err != nil {
				return reclaimed, err
			}
			continue
		}
		if err := r.Store.ResetTaskToQueued(ctx, t.TaskID); err != nil {
			if _, isCAS := err.(*store.ErrCAS); isCAS {
				continue // already reclaimed or completed by another sweeper
			}
			return reclaimed, fmt.Errorf("reconciler: reset task %s: %w", t.TaskID, err)
		}
		if err := r.Queue.EnqueueTask(ctx, t.TaskID); err != nil {
			return reclaimed, fmt.Errorf("reconciler: re-enqueue task %s: %w", t.TaskID, err)
		}
		reclaimed++
	}
	return reclaimed, nil
}

// deadLetterStaleTask fails a task stuck in PROCESSING past its lease for
// the MaxRetries'th time, and drives the stage-advance path if that was
// the stage's last outstanding task: the same outcome the executor
// reaches on queue-level max-retry expiration, reached here via the
// reconciler's independent, store-level retry count instead.
func (r *Reconciler) deadLetterStaleTask(ctx context.Context, t *model.TaskRecord) error {
	remaining, err := r.Store.FailTask(ctx, t.TaskID, "exceeded maximum reconciler retries", "MaxRetriesExceeded")
	if err != nil {
		if _, isCAS := err.(*store.ErrCAS); isCAS {
			return nil // already completed or failed by another sweeper
		}
		return fmt.Errorf("reconciler: dead-letter stale task %s: %w", t.TaskID, err)
	}
	if remaining == 0 {
		if err := r.Core.AdvanceOrFinalize(ctx, t.JobID, t.Stage); err != nil {
			return fmt.Errorf("reconciler: advance after dead-letter %s: %w", t.TaskID, err)
		}
	}
	return nil
}

// SweepStrandedJobs repairs the two ways a crash can leave a PROCESSING
// job with no worker ever touching it again: a stage whose tasks are all
// terminal but whose lights-out actor died before advancing (drive the
// advance/finalize path idempotently), and a stage the advance reached
// but whose follow-up stage-start message was never sent, leaving zero
// tasks (re-enqueue the job message; task insertion is idempotent, so a
// duplicate send is harmless).
func (r *Reconciler) SweepStrandedJobs(ctx context.Context) (int, error) {
	stranded, err := r.Store.StrandedJobs(ctx)
	if err != nil {
		return 0, fmt.Errorf("reconciler: list stranded jobs: %w", err)
	}
	repaired := 0
	for _, j := range stranded {
		if err := r.Core.AdvanceOrFinalize(ctx, j.JobID, j.Stage); err != nil {
			return repaired, fmt.Errorf("reconciler: advance stranded job %s: %w", j.JobID, err)
		}
		repaired++
	}

	unstarted, err := r.Store.UnstartedStageJobs(ctx, r.LeaseSeconds)
	if err != nil {
		return repaired, fmt.Errorf("reconciler: list unstarted stage jobs: %w", err)
	}
	for _, j := range unstarted {
		if err := r.Queue.EnqueueJob(ctx, j.JobID, j.Stage); err != nil {
			return repaired, fmt.Errorf("reconciler: restart stage for job %s: %w", j.JobID, err)
		}
		r.Log.Warn("re-enqueued stage-start for job with no stage tasks",
			zap.String("job_id", j.JobID), zap.Int("stage", j.Stage))
		repaired++
	}
	return repaired, nil
}
