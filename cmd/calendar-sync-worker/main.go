package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/hackgods/clinic-scheduling/internal/appointment"
	"github.com/hackgods/clinic-scheduling/internal/calendar"
	"github.com/hackgods/clinic-scheduling/internal/config"
	"github.com/hackgods/clinic-scheduling/internal/db"
	"github.com/hackgods/clinic-scheduling/internal/logging"
	"github.com/hackgods/clinic-scheduling/internal/observability/metrics"
)

// batchSize caps how many appointments one pass resends.
const batchSize = 200

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load error: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(logging.Options{
		Level:   cfg.LogLevel,
		Format:  cfg.LogFormat,
		Env:     cfg.Env,
		File:    cfg.LogFile,
		Service: "calendar-sync-worker",
	})
	slog.SetDefault(logger)
	logger.Info("calendar-sync-worker starting up", "env", cfg.Env, "interval", cfg.WorkerInterval)

	if cfg.StoreDriver != "postgres" {
		logger.Error("calendar-sync-worker needs the postgres store", "store", cfg.StoreDriver)
		os.Exit(1)
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN, db.PoolOptions{AppName: "calendar-sync-worker", MaxConns: 4})
	cancelPg()
	if err != nil {
		logger.Error("postgres connection error", "error", err)
		os.Exit(1)
	}
	defer pgPool.Close()
	logger.Info("connected to Postgres")

	adapter, err := calendar.NewAdapter(rootCtx, cfg, logger)
	if err != nil {
		logger.Error("calendar adapter error", "error", err)
		os.Exit(1)
	}

	repo := appointment.NewPgRepository(pgPool)
	dispatcher := calendar.NewDispatcher(repo, adapter, calendar.DispatcherOptions{
		Logger:  logger,
		Metrics: metrics.NewSchedulingMetrics(prometheus.DefaultRegisterer),
	})

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	metricsSrv := &http.Server{
		Addr:              ":" + cfg.MetricsPort,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(rootCtx)
	g.Go(func() error {
		logger.Info("metrics listening", "addr", metricsSrv.Addr)
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return metricsSrv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		return dispatcher.RunRetries(gctx, cfg.WorkerInterval, batchSize)
	})

	if err := g.Wait(); err != nil {
		logger.Error("calendar-sync-worker stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("calendar-sync-worker shut down")
}
