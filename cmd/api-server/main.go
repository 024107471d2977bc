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

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/hackgods/clinic-scheduling/internal/api"
	"github.com/hackgods/clinic-scheduling/internal/appointment"
	"github.com/hackgods/clinic-scheduling/internal/availability"
	"github.com/hackgods/clinic-scheduling/internal/booking"
	"github.com/hackgods/clinic-scheduling/internal/breaker"
	"github.com/hackgods/clinic-scheduling/internal/calendar"
	"github.com/hackgods/clinic-scheduling/internal/config"
	"github.com/hackgods/clinic-scheduling/internal/db"
	"github.com/hackgods/clinic-scheduling/internal/intent"
	"github.com/hackgods/clinic-scheduling/internal/lock"
	"github.com/hackgods/clinic-scheduling/internal/logging"
	"github.com/hackgods/clinic-scheduling/internal/messaging"
	"github.com/hackgods/clinic-scheduling/internal/observability/metrics"
	redisclient "github.com/hackgods/clinic-scheduling/internal/redis"
)

var version = "dev"

// retryBatchSize caps how many appointments one outbox retry pass resends.
const retryBatchSize = 200

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
		Service: "api-server",
	})
	slog.SetDefault(logger)
	logger.Info("api-server starting up", "http_port", cfg.HTTPPort, "store", cfg.StoreDriver, "lock", cfg.LockDriver, "version", version)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(rootCtx, cfg, logger); err != nil {
		logger.Error("api-server stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("api-server shut down")
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	m := metrics.NewSchedulingMetrics(prometheus.DefaultRegisterer)
	var checks []api.Check

	var repo appointment.Repository
	if cfg.StoreDriver == "memory" {
		mem := appointment.NewMemoryRepository()
		seedDemo(mem, logger)
		repo = mem
	} else {
		pgCtx, cancelPg := context.WithTimeout(ctx, 10*time.Second)
		pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN, db.PoolOptions{
			AppName:          "api-server",
			MaxConns:         int32(cfg.PoolMaxConns),
			StatementTimeout: cfg.LockTTL,
		})
		cancelPg()
		if err != nil {
			return fmt.Errorf("postgres connection error: %w", err)
		}
		defer pgPool.Close()
		logger.Info("connected to Postgres")

		repo = appointment.NewPgRepository(pgPool)
		checks = append(checks, api.Check{Name: "postgres", Critical: true, Ping: pgPool.Ping})
	}

	var (
		locker  lock.Locker       = lock.NewMemoryLocker(cfg.LockTTL, cfg.LockTimeout)
		deduper messaging.Deduper = messaging.NewMemoryDeduper(cfg.MessageDedupeTTL)
	)
	if cfg.NeedsRedis() {
		rdb, err := redisclient.NewRedisClient(ctx, cfg)
		if err != nil {
			return fmt.Errorf("redis connection error: %w", err)
		}
		defer func() {
			if err := rdb.Close(); err != nil {
				logger.Warn("error closing redis", "error", err)
			}
		}()
		logger.Info("connected to Redis")

		locker = redisclient.NewRedisDoctorLocker(rdb, cfg.LockTTL, cfg.LockTimeout)
		deduper = redisclient.NewMessageDeduper(rdb, cfg.MessageDedupeTTL)
		checks = append(checks, api.Check{Name: "redis", Ping: func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}})
	}

	adapter, err := calendar.NewAdapter(ctx, cfg, logger)
	if err != nil {
		return err
	}
	dispatcher := calendar.NewDispatcher(repo, adapter, calendar.DispatcherOptions{Logger: logger, Metrics: m})

	slots := availability.NewGenerator(repo, availability.Options{
		Location:     cfg.Location(),
		MinLead:      cfg.MinLeadTime,
		MaxRangeDays: cfg.MaxRangeDays,
	})
	svc := booking.NewService(repo, slots, locker, dispatcher, booking.Options{Logger: logger, Metrics: m})

	remote, closeRemote, err := newRemote(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeRemote()

	circuit := breaker.New(breaker.Options{
		Threshold:   cfg.BreakerThreshold,
		BaseBackoff: cfg.BreakerBaseBackoff,
		MaxBackoff:  cfg.BreakerMaxBackoff,
		OnStateChange: func(from, to breaker.Mode) {
			m.SetBreakerState(float64(to))
			logger.Warn("intent classifier circuit changed", "from", from.String(), "to", to.String())
		},
	})
	classifier := intent.NewClassifier(remote, circuit, cfg.ClassifierTimeout,
		intent.WithLogger(logger),
		intent.WithMetrics(m),
	)

	messages := messaging.NewHandler(repo, classifier, svc, messaging.Options{
		Logger:   logger,
		Metrics:  m,
		Deduper:  deduper,
		Region:   cfg.DefaultPhoneRegion,
		Location: cfg.Location(),
	})

	router := api.NewRouter(api.RouterConfig{
		Booking:    svc,
		Messages:   messages,
		Classifier: classifier,
		Health:     api.NewHealthHandler(cfg.Env, version, checks...),
		Metrics:    promhttp.Handler(),
		Logger:     logger,
		Location:   cfg.Location(),
	})

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return dispatcher.Run(gctx)
	})
	if cfg.StoreDriver == "memory" {
		// No separate worker can reach an in-process outbox.
		g.Go(func() error {
			return dispatcher.RunRetries(gctx, cfg.WorkerInterval, retryBatchSize)
		})
	}
	g.Go(func() error {
		logger.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down http server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func newRemote(ctx context.Context, cfg config.Config) (intent.Remote, func(), error) {
	switch cfg.ClassifierProvider {
	case "http":
		client := &http.Client{Timeout: cfg.ClassifierTimeout + time.Second}
		return intent.NewHTTPRemote(cfg.ClassifierURL, cfg.ClassifierAPIKey, cfg.ClassifierModel, client), func() {}, nil
	case "gemini":
		g, err := intent.NewGeminiRemote(ctx, cfg.ClassifierAPIKey, cfg.ClassifierModel)
		if err != nil {
			return nil, nil, err
		}
		return g, func() { _ = g.Close() }, nil
	}
	return nil, func() {}, nil
}

// seedDemo fills the in-memory store with one doctor working weekday
// mornings so the server is usable without Postgres.
func seedDemo(repo *appointment.MemoryRepository, logger *slog.Logger) {
	consult := appointment.AppointmentType{ID: uuid.New(), Name: "Consulta general", DurationMinutes: 20}
	control := appointment.AppointmentType{ID: uuid.New(), Name: "Control", DurationMinutes: 30}
	repo.AddAppointmentType(consult)
	repo.AddAppointmentType(control)

	specialty := "Medicina general"
	doctor := appointment.Doctor{ID: uuid.New(), Name: "Dra. Carolina Soto", Specialty: &specialty, Active: true}
	for day := time.Monday; day <= time.Friday; day++ {
		doctor.Templates = append(doctor.Templates, appointment.ScheduleTemplate{
			ID:       uuid.New(),
			DoctorID: doctor.ID,
			Weekday:  day,
			Start:    appointment.MustTimeOfDay("09:00"),
			End:      appointment.MustTimeOfDay("13:00"),
			Active:   true,
		})
	}
	repo.AddDoctor(doctor)

	patient := appointment.Patient{ID: uuid.New(), Name: "Paciente Demo", Phone: "+56987654321"}
	repo.AddPatient(patient)

	logger.Info("seeded in-memory demo data",
		"doctor_id", doctor.ID,
		"appointment_type_id", consult.ID,
		"control_type_id", control.ID,
		"patient_id", patient.ID,
		"patient_phone", patient.Phone,
	)
}
