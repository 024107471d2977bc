package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hackgods/clinic-scheduling/internal/config"
	"github.com/hackgods/clinic-scheduling/internal/db"
	"github.com/hackgods/clinic-scheduling/internal/logging"
)

var specialties = []string{
	"Medicina general",
	"Cardiología",
	"Dermatología",
	"Pediatría",
	"Traumatología",
	"Ginecología",
	"Neurología",
	"Oftalmología",
	"Psiquiatría",
	"Otorrinolaringología",
}

var appointmentTypes = []struct {
	name    string
	minutes int
}{
	{"Consulta general", 20},
	{"Control", 30},
	{"Primera consulta especialista", 40},
	{"Procedimiento", 60},
}

func main() {
	doctors := flag.Int("doctors", 25, "number of doctors to create")
	patients := flag.Int("patients", 2000, "number of patients to create")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load error: %v\n", err)
		os.Exit(1)
	}
	logger := logging.New(logging.Options{Level: cfg.LogLevel, Format: "text", Service: "seed"})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN, db.PoolOptions{AppName: "seed", MaxConns: 2})
	if err != nil {
		logger.Error("connect postgres", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	faker := gofakeit.New(uint64(time.Now().UnixNano()))
	s := seeder{pool: pool, faker: faker, logger: logger}

	typeIDs, err := s.seedAppointmentTypes(context.Background())
	if err != nil {
		logger.Error("seed appointment types", "error", err)
		os.Exit(1)
	}
	if err := s.seedDoctors(context.Background(), *doctors, typeIDs); err != nil {
		logger.Error("seed doctors", "error", err)
		os.Exit(1)
	}
	if err := s.seedPatients(context.Background(), *patients); err != nil {
		logger.Error("seed patients", "error", err)
		os.Exit(1)
	}

	logger.Info("seed complete")
}

type seeder struct {
	pool   *pgxpool.Pool
	faker  *gofakeit.Faker
	logger *slog.Logger
}

func (s seeder) seedAppointmentTypes(ctx context.Context) ([]uuid.UUID, error) {
	ids := make([]uuid.UUID, 0, len(appointmentTypes))
	for _, t := range appointmentTypes {
		id := uuid.New()
		_, err := s.pool.Exec(ctx, `
			INSERT INTO appointment_types (id, name, duration_minutes)
			VALUES ($1, $2, $3)
		`, id, t.name, t.minutes)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	s.logger.Info("appointment types seeded", "count", len(ids))
	return ids, nil
}

// seedDoctors gives every doctor a morning block on most weekdays and an
// afternoon block on some of them, on a 10, 15 or 20 minute grid.
func (s seeder) seedDoctors(ctx context.Context, count int, typeIDs []uuid.UUID) error {
	s.logger.Info("seeding doctors", "count", count)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for range count {
		id := uuid.New()
		name := "Dr. " + s.faker.Name()
		spec := specialties[s.faker.Number(0, len(specialties)-1)]

		_, err := tx.Exec(ctx, `
			INSERT INTO doctors (id, name, specialty, active, created_at, updated_at)
			VALUES ($1, $2, $3, true, now(), now())
		`, id, name, spec)
		if err != nil {
			return err
		}

		granularity := []int{10, 15, 20}[s.faker.Number(0, 2)]
		for day := time.Monday; day <= time.Friday; day++ {
			if s.faker.Number(1, 10) <= 2 {
				continue
			}
			windows := [][2]int{{8*60 + 30, 13 * 60}}
			if s.faker.Bool() {
				windows = append(windows, [2]int{14*60 + 30, 18 * 60})
			}
			for pos, w := range windows {
				// Some afternoon blocks only take the longest appointment type.
				var typeID *uuid.UUID
				if pos == 1 && s.faker.Number(1, 4) == 1 {
					typeID = &typeIDs[len(typeIDs)-1]
				}
				_, err := tx.Exec(ctx, `
					INSERT INTO schedule_templates
						(id, doctor_id, weekday, start_minute, end_minute, granularity_minutes, appointment_type_id, active, position)
					VALUES ($1, $2, $3, $4, $5, $6, $7, true, $8)
				`, uuid.New(), id, int(day), w[0], w[1], granularity, typeID, pos)
				if err != nil {
					return err
				}
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}

	s.logger.Info("doctors seeded")
	return nil
}

func (s seeder) seedPatients(ctx context.Context, count int) error {
	s.logger.Info("seeding patients", "count", count)

	const batchSize = 500

	// Chilean mobile numbers, unique per run.
	base := s.faker.Number(10_000_000, 80_000_000)

	for offset := 0; offset < count; offset += batchSize {
		end := min(offset+batchSize, count)

		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return err
		}

		for i := offset; i < end; i++ {
			phone := fmt.Sprintf("+569%08d", base+i)
			email := s.faker.Email()

			_, err := tx.Exec(ctx, `
				INSERT INTO patients (id, name, phone, email, created_at, updated_at)
				VALUES ($1, $2, $3, $4, now(), now())
				ON CONFLICT (phone) DO NOTHING
			`, uuid.New(), s.faker.Name(), phone, email)
			if err != nil {
				_ = tx.Rollback(ctx)
				return err
			}
		}

		if err := tx.Commit(ctx); err != nil {
			return err
		}

		s.logger.Info("patients seeded", "done", end, "total", count)
	}

	return nil
}
