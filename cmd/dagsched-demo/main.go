// Command dagsched-demo wires the scheduler core, its BoltDB run ledger,
// cron re-submission, and the cancellation registry into a small HTTP
// service.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"

	"github.com/swarmguard/dagsched/internal/cancel"
	"github.com/swarmguard/dagsched/internal/cronsched"
	"github.com/swarmguard/dagsched/internal/logging"
	"github.com/swarmguard/dagsched/internal/otelinit"
	"github.com/swarmguard/dagsched/internal/sched"
	"github.com/swarmguard/dagsched/internal/store"
	"github.com/swarmguard/dagsched/internal/worker"
)

func dbPath() string {
	if p := os.Getenv("DAGSCHED_DB_PATH"); p != "" {
		return p
	}
	return "dagsched-runs.db"
}

func maxWorkers() []string {
	n := 4
	if v := os.Getenv("DAGSCHED_MAX_WORKERS"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			n = parsed
		}
	}
	workers := make([]string, n)
	for i := range workers {
		workers[i] = fmt.Sprintf("w%d", i)
	}
	return workers
}

// buildDemoDAG returns a tiny three-node DAG producing a deterministic
// result, standing in for whatever real workload a caller of /v1/run would
// submit.
func buildDemoDAG() *sched.Thunk {
	a := &sched.Thunk{ID: sched.NewThunkID(), FuncName: "seed", Func: func(ctx any, args []any) (any, error) {
		return 10, nil
	}}
	b := &sched.Thunk{ID: sched.NewThunkID(), FuncName: "double", Cache: true, Func: func(ctx any, args []any) (any, error) {
		return args[0].(int) * 2, nil
	}, Inputs: []any{a}}
	c := &sched.Thunk{ID: sched.NewThunkID(), FuncName: "add_one", Func: func(ctx any, args []any) (any, error) {
		return args[0].(int) + 1, nil
	}, Inputs: []any{b}}
	return c
}

func main() {
	service := "dagsched-demo"
	logging.Init(service)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTrace := otelinit.InitTracer(ctx, service)
	shutdownMetrics := otelinit.InitMetrics(ctx, service)
	meter := otel.GetMeterProvider().Meter(service)
	tracer := otel.Tracer(service)

	ledger, err := store.Open(dbPath(), meter)
	if err != nil {
		slog.Error("open run ledger", "error", err)
		os.Exit(1)
	}
	defer ledger.Close()

	registry := cancel.NewRegistry(meter)
	trigger := cronsched.NewTrigger(meter)
	trigger.Start()
	defer trigger.Stop(context.Background())

	pool := worker.NewFakeWorkerPool(maxWorkers()...)

	metrics, err := sched.NewMetrics(tracer, meter, nil)
	if err != nil {
		slog.Error("build scheduler metrics", "error", err)
		os.Exit(1)
	}

	runOnce := func(ctx context.Context) (any, error) {
		runID := uuid.NewString()
		runCtx := registry.Register(ctx, runID)
		defer registry.Finish(runID)

		run, err := ledger.StartRun(runID)
		if err != nil {
			return nil, err
		}

		value, runErr := sched.Run(runCtx, buildDemoDAG(), pool.Processors(), pool.Workers(), sched.SchedulerOptions{}, metrics)

		status := store.StatusCompleted
		switch {
		case errors.Is(runErr, sched.ErrHalted):
			status = store.StatusHalted
		case runErr != nil:
			status = store.StatusFailed
		}
		if err := ledger.Finish(run, status, runErr); err != nil {
			slog.Warn("finish ledger entry failed", "run_id", runID, "error", err)
		}
		return value, runErr
	}

	if cronExpr := os.Getenv("DAGSCHED_CRON"); cronExpr != "" {
		if err := trigger.AddSchedule("demo-dag", cronExpr, func(ctx context.Context) error {
			_, err := runOnce(ctx)
			return err
		}); err != nil {
			slog.Warn("add demo schedule failed", "error", err)
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/v1/run", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		ctxExec, cancelExec := context.WithTimeout(r.Context(), 10*time.Second)
		defer cancelExec()
		value, err := runOnce(ctxExec)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"result": value})
	})
	mux.HandleFunc("/v1/runs/", func(w http.ResponseWriter, r *http.Request) {
		runID := r.URL.Path[len("/v1/runs/"):]
		run, ok, err := ledger.Get(runID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if !ok {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(run)
	})
	mux.HandleFunc("/v1/cancel/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		runID := r.URL.Path[len("/v1/cancel/"):]
		if err := registry.Cancel(r.Context(), runID, r.URL.Query().Get("reason")); err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})

	srv := &http.Server{Addr: ":8080", Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			stop()
		}
	}()
	slog.Info("dagsched-demo started")

	<-ctx.Done()
	slog.Info("shutdown initiated")
	ctxSd, cancelSd := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelSd()
	_ = srv.Shutdown(ctxSd)
	otelinit.Flush(ctxSd, shutdownTrace)
	_ = shutdownMetrics(ctxSd)
	slog.Info("shutdown complete")
}
