package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kirillkom/expense-pipeline/internal/bootstrap"
	"github.com/kirillkom/expense-pipeline/internal/config"
	"github.com/kirillkom/expense-pipeline/internal/observability/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	slog.SetDefault(logging.NewJSONLogger("worker", cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.New(ctx, cfg, bootstrap.Options{Service: "worker", WithWorkerMetrics: true})
	if err != nil {
		log.Fatalf("bootstrap error: %v", err)
	}
	defer app.Close()

	pipeline, err := app.NewPipeline(ctx)
	if err != nil {
		log.Fatalf("pipeline error: %v", err)
	}

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", app.WorkerMetrics.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	metricsServer := &http.Server{
		Addr:              ":" + cfg.WorkerMetricsPort,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("worker_metrics_listening", "port", cfg.WorkerMetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return metricsServer.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		return app.Queue.SubscribeStageChanged(ctx, pipeline.HandleStageEvent)
	})
	g.Go(func() error {
		return app.Queue.SubscribeCompaniesChanged(ctx, pipeline.InvalidateCompanies)
	})
	g.Go(func() error {
		return pipeline.Scheduler.Run(ctx)
	})

	slog.Info("worker_started", "stage_subject", cfg.NATSStageSubject, "companies_subject", cfg.NATSCompaniesSubject)
	if err := g.Wait(); err != nil {
		log.Fatalf("worker error: %v", err)
	}
	slog.Info("worker_stopped")
}
