// Command orchestrator runs the job-message consumer loop: it drains the
// job queue, drives CoreMachine.HandleJobMessage, and exposes the
// submission/status HTTP surface. The HTTP layer lives here rather than
// in the core packages; it is just a thin caller of SubmitJob and
// GetJobStatus.
package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"geoetl-core/internal/bootstrap"
	"geoetl-core/internal/config"
	"geoetl-core/internal/logging"
	"geoetl-core/internal/orchestrator"
	"geoetl-core/internal/reconciler"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log, err := logging.New(config.GetEnv("ENV", "development") == "development")
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	st := bootstrap.OpenStore(ctx, log)
	q := bootstrap.OpenQueue(ctx, log)
	jobs, _ := bootstrap.Registries(log)

	core := orchestrator.New(st, q, jobs, log)

	recon := reconciler.New(st, q, core, log, 300, 5)
	if err := recon.Start(ctx, "*/1 * * * *", "*/1 * * * *"); err != nil {
		log.Fatal("reconciler failed to start", zap.Error(err))
	}
	defer recon.Stop()

	go serveHTTP(ctx, log, core)

	log.Info("orchestrator consuming job queue")
	for {
		select {
		case <-ctx.Done():
			log.Info("orchestrator shutting down")
			return
		default:
		}
		msg, lease, err := q.DequeueJob(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn("dequeue job message failed", zap.Error(err))
			continue
		}
		if err := core.HandleJobMessage(ctx, msg); err != nil {
			log.Error("handle job message failed", zap.String("job_id", msg.JobID), zap.Error(err))
			if err := q.Nack(ctx, lease); err != nil {
				log.Error("nack job message failed", zap.Error(err))
			}
			continue
		}
		if err := q.Ack(ctx, lease); err != nil {
			log.Error("ack job message failed", zap.Error(err))
		}
	}
}

// serveHTTP exposes job submission and status as plain net/http handlers
// calling into CoreMachine.
func serveHTTP(ctx context.Context, log *zap.Logger, core *orchestrator.CoreMachine) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/jobs", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var body struct {
			JobType    string         `json:"job_type"`
			Parameters map[string]any `json:"parameters"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		job, alreadyExisted, err := core.SubmitJob(r.Context(), body.JobType, body.Parameters)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeJSON(w, map[string]any{
			"job_id":          job.JobID,
			"status":          job.Status,
			"already_existed": alreadyExisted,
		})
	})
	mux.HandleFunc("/api/v1/jobs/", func(w http.ResponseWriter, r *http.Request) {
		jobID := strings.TrimPrefix(r.URL.Path, "/api/v1/jobs/")
		view, err := core.GetJobStatus(r.Context(), jobID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		writeJSON(w, view)
	})

	srv := &http.Server{Addr: ":" + config.GetEnv("HTTP_PORT", "8080"), Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	log.Info("http submission/status surface listening", zap.String("addr", srv.Addr))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error("http server stopped", zap.Error(err))
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
