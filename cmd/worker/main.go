// Command worker runs the task-message consumer loop: it drains the task
// queue and drives Executor.ProcessTaskMessage across a configurable
// number of goroutines.
package main

import (
	"context"
	"flag"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"geoetl-core/internal/bootstrap"
	"geoetl-core/internal/config"
	"geoetl-core/internal/executor"
	"geoetl-core/internal/logging"
	"geoetl-core/internal/orchestrator"
	"geoetl-core/internal/queue"
)

func main() {
	concurrency := flag.Int("concurrency", 4, "number of concurrent task-processing goroutines")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log, err := logging.New(config.GetEnv("ENV", "development") == "development")
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	st := bootstrap.OpenStore(ctx, log)
	q := bootstrap.OpenQueue(ctx, log)
	jobs, handlerRegistry := bootstrap.Registries(log)

	core := orchestrator.New(st, q, jobs, log)
	exec := executor.New(st, q, handlerRegistry, core, log, executor.DefaultHandlerTimeout, 5)

	log.Info("worker consuming task queue", zap.Int("concurrency", *concurrency))
	for i := 0; i < *concurrency; i++ {
		go runLoop(ctx, log, q, exec)
	}
	<-ctx.Done()
	log.Info("worker shutting down")
	time.Sleep(200 * time.Millisecond) // let in-flight handlers finish their current message
}

// runLoop is the per-goroutine task-processing loop: dequeue, process,
// repeat, until ctx is cancelled. Many of these run concurrently so tasks
// for the same stage execute in parallel.
func runLoop(ctx context.Context, log *zap.Logger, q queue.Queue, exec *executor.Executor) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		msg, lease, err := q.DequeueTask(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn("dequeue task message failed", zap.Error(err))
			continue
		}
		if err := exec.ProcessTaskMessage(ctx, msg, lease); err != nil {
			log.Error("process task message failed", zap.String("task_id", msg.TaskID), zap.Error(err))
			if err := q.Nack(ctx, lease); err != nil {
				log.Error("nack task message failed", zap.Error(err))
			}
		}
	}
}
