// Package executor implements the task executor: the per-message loop
// that leases a task, invokes its handler under a timeout, enforces the
// handler result contract, and persists the outcome, triggering the stage
// advancer when it is elected lights-out.
package executor

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"geoetl-core/internal/model"
	"geoetl-core/internal/orchestrator"
	"geoetl-core/internal/queue"
	"geoetl-core/internal/registry"
	"geoetl-core/internal/store"
)

// DefaultHandlerTimeout is the per-task timeout used when a workflow does
// not configure one.
const DefaultHandlerTimeout = 30 * time.Minute

// Executor runs one task message to completion. It holds no per-call
// state; a single Executor is safe to drive from many concurrent worker
// goroutines, each processing a different task message.
type Executor struct {
	Store      store.StateStore
	Queue      queue.Queue
	Handlers   *registry.HandlerRegistry
	Core       *orchestrator.CoreMachine
	Log        *zap.Logger
	Timeout    time.Duration
	MaxRetries int
}

// New builds an Executor. timeout <= 0 falls back to DefaultHandlerTimeout.
func New(st store.StateStore, q queue.Queue, handlers *registry.HandlerRegistry, core *orchestrator.CoreMachine, log *zap.Logger, timeout time.Duration, maxRetries int) *Executor {
	if timeout <= 0 {
		timeout = DefaultHandlerTimeout
	}
	return &Executor{Store: st, Queue: q, Handlers: handlers, Core: core, Log: log, Timeout: timeout, MaxRetries: maxRetries}
}

// ProcessTaskMessage runs one task message end to end, including the
// stage-advance path when this call is elected lights-out, and
// acknowledges or nacks msg's lease depending on outcome.
func (e *Executor) ProcessTaskMessage(ctx context.Context, msg queue.Message, lease queue.Lease) error {
	task, err := e.Store.GetTask(ctx, msg.TaskID)
	if err != nil {
		if err == store.ErrNotFound {
			e.Log.Error("dead-lettering task message: no such task", zap.String("task_id", msg.TaskID))
			return e.Queue.Nack(ctx, lease)
		}
		return err
	}

	if err := e.Store.MarkTaskProcessing(ctx, task.TaskID); err != nil {
		if _, isCAS := err.(*store.ErrCAS); isCAS {
			// Either a duplicate in-flight delivery (status PROCESSING) or a
			// late duplicate after the task already finished: either way the
			// message is stale and safe to drop.
			return e.Queue.Ack(ctx, lease)
		}
		return err
	}

	if msg.DeliveryCount > e.MaxRetries {
		e.Log.Warn("task exceeded max retries", zap.String("task_id", task.TaskID), zap.Int("delivery_count", msg.DeliveryCount))
		return e.finish(ctx, task, model.HandlerResult{
			Success:   false,
			Error:     "redelivery count exceeded maximum retries",
			ErrorType: "MaxRetriesExceeded",
		}, lease)
	}

	handler, err := e.Handlers.Lookup(task.TaskType)
	if err != nil {
		e.Log.Error("unknown task type", zap.String("task_id", task.TaskID), zap.String("task_type", task.TaskType))
		return e.finish(ctx, task, model.HandlerResult{
			Success:   false,
			Error:     err.Error(),
			ErrorType: "ContractViolation",
		}, lease)
	}

	result := e.invoke(handler, task.Parameters)
	return e.finish(ctx, task, result, lease)
}

// invoke runs handler under e.Timeout, converting a timeout, a panic, or a
// malformed result into the appropriate failure shape.
func (e *Executor) invoke(handler model.Handler, parameters map[string]any) model.HandlerResult {
	ctx, cancel := context.WithTimeout(context.Background(), e.Timeout)
	defer cancel()

	resultCh := make(chan model.HandlerResult, 1)
	go func() {
		resultCh <- e.runHandler(handler, parameters)
	}()

	select {
	case result := <-resultCh:
		return result
	case <-ctx.Done():
		return model.HandlerResult{Success: false, Error: "handler exceeded timeout", ErrorType: "Timeout"}
	}
}

// runHandler invokes handler, recovering a panic into the same failure
// shape a handler-reported error takes.
func (e *Executor) runHandler(handler model.Handler, parameters map[string]any) (result model.HandlerResult) {
	defer func() {
		if r := recover(); r != nil {
			result = model.HandlerResult{
				Success:   false,
				Error:     fmt.Sprintf("%v", r),
				ErrorType: "PanicRecovered",
			}
		}
	}()
	result = handler(parameters)
	if !result.Success && result.Error == "" {
		// success is false but no error string: a contract violation,
		// not a legitimate failure.
		return model.HandlerResult{Success: false, Error: "handler reported failure with no error message", ErrorType: "ContractViolation"}
	}
	return result
}

// finish persists the handler outcome, runs the stage-advance path if
// elected lights-out, and acknowledges the message only after persistence
// succeeds.
func (e *Executor) finish(ctx context.Context, task *model.TaskRecord, result model.HandlerResult, lease queue.Lease) error {
	var remaining int
	var err error
	if result.Success {
		remaining, err = e.Store.CompleteTask(ctx, task.TaskID, result.Result)
	} else {
		remaining, err = e.Store.FailTask(ctx, task.TaskID, result.Error, result.ErrorType)
	}
	if err != nil {
		if _, isCAS := err.(*store.ErrCAS); isCAS {
			// Someone else (a racing redelivery, or the reconciler) already
			// terminated this task. Safe to drop.
			return e.Queue.Ack(ctx, lease)
		}
		return err
	}

	if !result.Success {
		e.Log.Info("task failed", zap.String("task_id", task.TaskID), zap.String("error", result.Error), zap.String("error_type", result.ErrorType))
	}

	if remaining == 0 {
		if err := e.Core.AdvanceOrFinalize(ctx, task.JobID, task.Stage); err != nil {
			return fmt.Errorf("executor: stage advance for job %s stage %d: %w", task.JobID, task.Stage, err)
		}
	}
	return e.Queue.Ack(ctx, lease)
}
