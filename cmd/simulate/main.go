package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"os"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"github.com/hackgods/clinic-scheduling/internal/config"
	"github.com/hackgods/clinic-scheduling/internal/db"
	"github.com/hackgods/clinic-scheduling/internal/logging"
)

type SimConfig struct {
	APIBaseURL   string
	Duration     time.Duration
	Workers      int
	BookingRatio float64
	ConfirmRatio float64
	CancelRatio  float64
	MessageRatio float64
	ReadRatio    float64
	HotDoctors   int // bookings only target this many doctors so workers contend
	DaysAhead    int
	PatientLimit int
	PostgresDSN  string
}

type patient struct {
	ID    uuid.UUID
	Phone string
}

type booked struct {
	ID    uuid.UUID
	Phone string
}

type DataPool struct {
	Doctors  []uuid.UUID
	Types    []uuid.UUID
	Patients []patient

	mu           sync.RWMutex
	appointments []booked
}

func (dp *DataPool) AddAppointment(b booked) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	dp.appointments = append(dp.appointments, b)
}

func (dp *DataPool) RandomAppointment(rng *rand.Rand) (booked, bool) {
	dp.mu.RLock()
	defer dp.mu.RUnlock()
	if len(dp.appointments) == 0 {
		return booked{}, false
	}
	return dp.appointments[rng.IntN(len(dp.appointments))], true
}

type OperationMetrics struct {
	Total     int64
	Success   int64
	Conflict  int64
	Timeout   int64
	Error     int64
	Latencies []time.Duration
	mu        sync.Mutex
}

func (om *OperationMetrics) Record(latency time.Duration, status int, err error) {
	atomic.AddInt64(&om.Total, 1)
	switch {
	case err != nil:
		atomic.AddInt64(&om.Error, 1)
	case status >= 200 && status < 300:
		atomic.AddInt64(&om.Success, 1)
	case status == http.StatusConflict:
		atomic.AddInt64(&om.Conflict, 1)
	case status == http.StatusServiceUnavailable:
		atomic.AddInt64(&om.Timeout, 1)
	default:
		atomic.AddInt64(&om.Error, 1)
	}

	om.mu.Lock()
	om.Latencies = append(om.Latencies, latency)
	om.mu.Unlock()
}

func (om *OperationMetrics) Stats() (avg, lo, hi, p50, p95 time.Duration) {
	om.mu.Lock()
	latencies := slices.Clone(om.Latencies)
	om.mu.Unlock()

	if len(latencies) == 0 {
		return 0, 0, 0, 0, 0
	}
	slices.Sort(latencies)

	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}

	avg = sum / time.Duration(len(latencies))
	lo = latencies[0]
	hi = latencies[len(latencies)-1]
	p50 = latencies[min(len(latencies)*50/100, len(latencies)-1)]
	p95 = latencies[min(len(latencies)*95/100, len(latencies)-1)]
	return avg, lo, hi, p50, p95
}

type Metrics struct {
	Booking   OperationMetrics
	Confirm   OperationMetrics
	Cancel    OperationMetrics
	Message   OperationMetrics
	ReadByID  OperationMetrics
	ListSlots OperationMetrics
}

type Simulator struct {
	config  SimConfig
	pool    *DataPool
	client  *http.Client
	logger  *slog.Logger
	metrics Metrics
}

func main() {
	cfg := loadConfig()
	logger := logging.New(logging.Options{Format: "text", Service: "simulate"})

	if err := validateConfig(cfg); err != nil {
		logger.Error("invalid config", "error", err)
		os.Exit(1)
	}

	logger.Info("simulator starting",
		"duration", cfg.Duration, "workers", cfg.Workers, "hot_doctors", cfg.HotDoctors,
		"booking", cfg.BookingRatio, "confirm", cfg.ConfirmRatio, "cancel", cfg.CancelRatio,
		"message", cfg.MessageRatio, "read", cfg.ReadRatio)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pgPool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN, db.PoolOptions{AppName: "simulate", MaxConns: 2})
	if err != nil {
		logger.Error("connect postgres", "error", err)
		os.Exit(1)
	}
	defer pgPool.Close()

	dataPool, err := loadDataPool(ctx, pgPool, cfg)
	if err != nil {
		logger.Error("load data pool", "error", err)
		os.Exit(1)
	}

	logger.Info("data loaded", "doctors", len(dataPool.Doctors), "types", len(dataPool.Types), "patients", len(dataPool.Patients))

	sim := &Simulator{
		config: cfg,
		pool:   dataPool,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger,
	}

	sim.Run()
	sim.PrintReport()
}

func loadConfig() SimConfig {
	baseCfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load base config: %v\n", err)
		os.Exit(1)
	}

	cfg := SimConfig{
		APIBaseURL:   getEnv("SIM_API_BASE_URL", "http://localhost:8080"),
		Duration:     getDuration("SIM_DURATION", 30*time.Second),
		Workers:      getInt("SIM_WORKERS", 20),
		BookingRatio: getFloat("SIM_BOOKING_RATIO", 0.5),
		ConfirmRatio: getFloat("SIM_CONFIRM_RATIO", 0.1),
		CancelRatio:  getFloat("SIM_CANCEL_RATIO", 0.05),
		MessageRatio: getFloat("SIM_MESSAGE_RATIO", 0.1),
		ReadRatio:    getFloat("SIM_READ_RATIO", 0.25),
		HotDoctors:   getInt("SIM_HOT_DOCTORS", 3),
		DaysAhead:    getInt("SIM_DAYS_AHEAD", 7),
		PatientLimit: getInt("SIM_PATIENT_LIMIT", 4000),
		PostgresDSN:  baseCfg.PostgresDSN,
	}

	total := cfg.BookingRatio + cfg.ConfirmRatio + cfg.CancelRatio + cfg.MessageRatio + cfg.ReadRatio
	if total > 0 {
		cfg.BookingRatio /= total
		cfg.ConfirmRatio /= total
		cfg.CancelRatio /= total
		cfg.MessageRatio /= total
		cfg.ReadRatio /= total
	}

	return cfg
}

func validateConfig(cfg SimConfig) error {
	if cfg.PostgresDSN == "" {
		return fmt.Errorf("POSTGRES_DSN is required (set in .env or environment)")
	}
	if cfg.Workers <= 0 {
		return fmt.Errorf("SIM_WORKERS must be > 0")
	}
	if cfg.Duration <= 0 {
		return fmt.Errorf("SIM_DURATION must be > 0")
	}
	if cfg.DaysAhead <= 0 {
		return fmt.Errorf("SIM_DAYS_AHEAD must be > 0")
	}
	return nil
}

func loadDataPool(ctx context.Context, pool *pgxpool.Pool, cfg SimConfig) (*DataPool, error) {
	dataPool := &DataPool{}

	limit := cfg.HotDoctors
	if limit <= 0 {
		limit = 1000
	}
	ids, err := queryIDs(ctx, pool, `SELECT id FROM doctors WHERE active ORDER BY created_at, id LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("load doctors: %w", err)
	}
	dataPool.Doctors = ids

	if dataPool.Types, err = queryIDs(ctx, pool, `SELECT id FROM appointment_types LIMIT $1`, 50); err != nil {
		return nil, fmt.Errorf("load appointment types: %w", err)
	}

	rows, err := pool.Query(ctx, `SELECT id, phone FROM patients LIMIT $1`, cfg.PatientLimit)
	if err != nil {
		return nil, fmt.Errorf("load patients: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var p patient
		if err := rows.Scan(&p.ID, &p.Phone); err != nil {
			return nil, err
		}
		dataPool.Patients = append(dataPool.Patients, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	switch {
	case len(dataPool.Doctors) == 0:
		return nil, fmt.Errorf("no doctors loaded")
	case len(dataPool.Types) == 0:
		return nil, fmt.Errorf("no appointment types loaded")
	case len(dataPool.Patients) == 0:
		return nil, fmt.Errorf("no patients loaded")
	}

	return dataPool, nil
}

func queryIDs(ctx context.Context, pool *pgxpool.Pool, sql string, limit int) ([]uuid.UUID, error) {
	rows, err := pool.Query(ctx, sql, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Simulator) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.Duration)
	defer cancel()

	s.logger.Info("starting simulation", "duration", s.config.Duration, "workers", s.config.Workers)

	var g errgroup.Group
	for i := range s.config.Workers {
		g.Go(func() error {
			s.worker(ctx, uint64(i))
			return nil
		})
	}
	_ = g.Wait()

	s.logger.Info("simulation complete")
}

func (s *Simulator) worker(ctx context.Context, workerID uint64) {
	rng := rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), workerID))
	c := s.config

	for ctx.Err() == nil {
		r := rng.Float64()
		switch {
		case r < c.BookingRatio:
			s.doBooking(ctx, rng)
		case r < c.BookingRatio+c.ConfirmRatio:
			s.doTransition(ctx, rng, "confirm", &s.metrics.Confirm)
		case r < c.BookingRatio+c.ConfirmRatio+c.CancelRatio:
			s.doTransition(ctx, rng, "cancel", &s.metrics.Cancel)
		case r < c.BookingRatio+c.ConfirmRatio+c.CancelRatio+c.MessageRatio:
			s.doMessage(ctx, rng)
		case rng.IntN(2) == 0:
			s.doReadByID(ctx, rng)
		default:
			s.listSlots(ctx, rng)
		}
	}
}

type slotQuery struct {
	doctorID uuid.UUID
	typeID   uuid.UUID
	day      string
}

func (s *Simulator) randomQuery(rng *rand.Rand) slotQuery {
	day := time.Now().AddDate(0, 0, 1+rng.IntN(s.config.DaysAhead))
	return slotQuery{
		doctorID: s.pool.Doctors[rng.IntN(len(s.pool.Doctors))],
		typeID:   s.pool.Types[rng.IntN(len(s.pool.Types))],
		day:      day.Format("2006-01-02"),
	}
}

func (s *Simulator) fetchSlots(ctx context.Context, q slotQuery) ([]time.Time, int, error) {
	url := fmt.Sprintf("%s/doctors/%s/slots?type=%s&from=%s&available=true",
		s.config.APIBaseURL, q.doctorID, q.typeID, q.day)
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, resp.StatusCode, nil
	}

	var body struct {
		Slots []struct {
			Start time.Time `json:"start"`
		} `json:"slots"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, resp.StatusCode, err
	}
	starts := make([]time.Time, 0, len(body.Slots))
	for _, sl := range body.Slots {
		starts = append(starts, sl.Start)
	}
	return starts, resp.StatusCode, nil
}

func (s *Simulator) listSlots(ctx context.Context, rng *rand.Rand) {
	start := time.Now()
	_, status, err := s.fetchSlots(ctx, s.randomQuery(rng))
	if ctx.Err() != nil {
		return
	}
	s.metrics.ListSlots.Record(time.Since(start), status, err)
}

// doBooking looks up free slots and books one of the first few, so
// concurrent workers aim at the same instants.
func (s *Simulator) doBooking(ctx context.Context, rng *rand.Rand) {
	q := s.randomQuery(rng)
	starts, _, err := s.fetchSlots(ctx, q)
	if err != nil || len(starts) == 0 {
		return
	}
	slot := starts[rng.IntN(min(len(starts), 3))]
	p := s.pool.Patients[rng.IntN(len(s.pool.Patients))]

	body, _ := json.Marshal(map[string]any{
		"doctor_id":           q.doctorID,
		"patient_id":          p.ID,
		"appointment_type_id": q.typeID,
		"start":               slot,
	})

	start := time.Now()
	req, _ := http.NewRequestWithContext(ctx, http.MethodPost, s.config.APIBaseURL+"/appointments", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	latency := time.Since(start)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		s.metrics.Booking.Record(latency, 0, err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusCreated {
		var appt struct {
			ID uuid.UUID `json:"id"`
		}
		if json.NewDecoder(resp.Body).Decode(&appt) == nil && appt.ID != uuid.Nil {
			s.pool.AddAppointment(booked{ID: appt.ID, Phone: p.Phone})
		}
	}
	s.metrics.Booking.Record(latency, resp.StatusCode, nil)
}

func (s *Simulator) doTransition(ctx context.Context, rng *rand.Rand, action string, om *OperationMetrics) {
	appt, ok := s.pool.RandomAppointment(rng)
	if !ok {
		return
	}

	start := time.Now()
	req, _ := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/appointments/%s/%s", s.config.APIBaseURL, appt.ID, action), nil)

	s.do(ctx, req, start, om)
}

var patientMessages = []string{
	"Confirmo mi hora",
	"sí, asistiré",
	"ok nos vemos",
	"No podré ir, necesito cancelar",
	"¿Puedo cambiar la hora?",
	"hola",
}

func (s *Simulator) doMessage(ctx context.Context, rng *rand.Rand) {
	appt, ok := s.pool.RandomAppointment(rng)
	if !ok {
		return
	}

	body, _ := json.Marshal(map[string]string{
		"sender_id":  "whatsapp:" + appt.Phone,
		"text":       patientMessages[rng.IntN(len(patientMessages))],
		"message_id": uuid.NewString(),
	})

	start := time.Now()
	req, _ := http.NewRequestWithContext(ctx, http.MethodPost, s.config.APIBaseURL+"/messages/inbound", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")

	s.do(ctx, req, start, &s.metrics.Message)
}

func (s *Simulator) doReadByID(ctx context.Context, rng *rand.Rand) {
	appt, ok := s.pool.RandomAppointment(rng)
	if !ok {
		return
	}

	start := time.Now()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/appointments/%s", s.config.APIBaseURL, appt.ID), nil)

	s.do(ctx, req, start, &s.metrics.ReadByID)
}

func (s *Simulator) do(ctx context.Context, req *http.Request, start time.Time, om *OperationMetrics) {
	resp, err := s.client.Do(req)
	latency := time.Since(start)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		om.Record(latency, 0, err)
		return
	}
	resp.Body.Close()
	om.Record(latency, resp.StatusCode, nil)
}

func (s *Simulator) PrintReport() {
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("SIMULATION REPORT")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("Duration: %s\n", s.config.Duration)
	fmt.Printf("Workers: %d\n", s.config.Workers)
	fmt.Printf("Doctors targeted: %d\n", len(s.pool.Doctors))
	fmt.Println()

	printOperationReport("Booking", &s.metrics.Booking)
	printOperationReport("Confirm", &s.metrics.Confirm)
	printOperationReport("Cancel", &s.metrics.Cancel)
	printOperationReport("Inbound message", &s.metrics.Message)
	printOperationReport("Read by ID", &s.metrics.ReadByID)
	printOperationReport("List slots", &s.metrics.ListSlots)
}

func printOperationReport(name string, om *OperationMetrics) {
	total := atomic.LoadInt64(&om.Total)
	if total == 0 {
		return
	}

	pct := func(n int64) float64 { return float64(n) / float64(total) * 100 }
	success := atomic.LoadInt64(&om.Success)
	conflict := atomic.LoadInt64(&om.Conflict)
	timeout := atomic.LoadInt64(&om.Timeout)
	failed := atomic.LoadInt64(&om.Error)

	avg, lo, hi, p50, p95 := om.Stats()

	fmt.Printf("%s:\n", name)
	fmt.Printf("  Total: %d\n", total)
	fmt.Printf("  Success: %d (%.1f%%)\n", success, pct(success))
	if conflict > 0 {
		fmt.Printf("  Conflicts: %d (%.1f%%)\n", conflict, pct(conflict))
	}
	if timeout > 0 {
		fmt.Printf("  Lock timeouts: %d (%.1f%%)\n", timeout, pct(timeout))
	}
	if failed > 0 {
		fmt.Printf("  Errors: %d (%.1f%%)\n", failed, pct(failed))
	}
	fmt.Printf("  Latency: avg=%s min=%s max=%s p50=%s p95=%s\n",
		avg.Round(time.Millisecond), lo.Round(time.Millisecond), hi.Round(time.Millisecond),
		p50.Round(time.Millisecond), p95.Round(time.Millisecond))
	fmt.Println()
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}
