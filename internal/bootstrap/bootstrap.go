// Package bootstrap wires the process-level collaborators (store, queue,
// registries) shared by every cmd/ binary, so orchestrator and worker
// don't duplicate the same environment-driven construction logic.
package bootstrap

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"geoetl-core/internal/config"
	"geoetl-core/internal/handlers"
	"geoetl-core/internal/model"
	"geoetl-core/internal/queue"
	"geoetl-core/internal/registry"
	"geoetl-core/internal/store"
	"geoetl-core/internal/workflows"
)

// OpenStore returns a PostgresStore when DATABASE_URL is set, otherwise an
// in-memory store suitable for local development and demos.
func OpenStore(ctx context.Context, log *zap.Logger) store.StateStore {
	if dsn := config.GetEnv("DATABASE_URL", ""); dsn != "" {
		st, err := store.Open(ctx, dsn)
		if err != nil {
			log.Fatal("connect postgres store", zap.Error(err))
		}
		log.Info("using postgres state store")
		return st
	}
	log.Info("DATABASE_URL unset, using in-memory state store")
	return store.NewMemoryStore()
}

// OpenQueue returns a RedisQueue when REDIS_ADDR is set, otherwise an
// in-memory queue.
func OpenQueue(ctx context.Context, log *zap.Logger) queue.Queue {
	if addr := config.GetEnv("REDIS_ADDR", ""); addr != "" {
		client := redis.NewClient(&redis.Options{Addr: addr})
		if err := client.Ping(ctx).Err(); err != nil {
			log.Fatal("connect redis queue", zap.Error(err))
		}
		log.Info("using redis queue", zap.String("addr", addr))
		return queue.NewRedisQueue(client, 5*time.Minute, 5)
	}
	log.Info("REDIS_ADDR unset, using in-memory queue")
	return queue.NewMemoryQueue(256, 5)
}

// Registries builds and cross-validates the job and handler registries,
// exiting the process on any inconsistency since it can only be a
// programming error in a registered workflow. If
// TUNING_FILE names a YAML file, its per-stage failure policy overrides are
// applied before validation runs, so a bad override surfaces at startup
// alongside every other registration error.
func Registries(log *zap.Logger) (*registry.JobRegistry, *registry.HandlerRegistry) {
	jobs := registry.NewJobRegistry()
	workflows.RegisterAll(jobs)
	h := registry.NewHandlerRegistry()
	handlers.RegisterAll(h)

	applyTuning(log, jobs)

	if err := h.ValidateAll(jobs.TaskTypes()); err != nil {
		log.Fatal("handler registry validation failed", zap.Error(err))
	}
	if err := jobs.ValidateAll(h); err != nil {
		log.Fatal("job registry validation failed", zap.Error(err))
	}
	return jobs, h
}

// applyTuning loads the optional TUNING_FILE and patches the job registry's
// stage failure policies from it. An unset TUNING_FILE is the common case
// (every workflow runs with the defaults baked into its Go definition) and
// is not logged as an error.
func applyTuning(log *zap.Logger, jobs *registry.JobRegistry) {
	path := config.GetEnv("TUNING_FILE", "")
	if path == "" {
		return
	}
	tf, err := config.LoadTuning(path)
	if err != nil {
		log.Fatal("load workflow tuning file", zap.String("path", path), zap.Error(err))
	}
	overrides := make(map[string]map[int]model.FailurePolicy, len(tf.Workflows))
	for _, wf := range tf.Workflows {
		byStage := make(map[int]model.FailurePolicy, len(wf.Stages))
		for _, s := range wf.Stages {
			if s.Failure == "" {
				continue
			}
			byStage[s.Number] = model.FailurePolicy(s.Failure)
		}
		if len(byStage) > 0 {
			overrides[wf.JobType] = byStage
		}
	}
	jobs.ApplyFailureOverrides(overrides)
	log.Info("applied workflow tuning overrides", zap.String("path", path), zap.Int("workflows", len(overrides)))
}
