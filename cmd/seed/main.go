package main

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("seed starting")

	_ = godotenv.Load()

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		log.Fatal("DATABASE_URL is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer pool.Close()

	gofakeit.Seed(time.Now().UnixNano())

	if err := seedPatients(ctx, pool, 25); err != nil {
		log.Fatalf("seed patients: %v", err)
	}
	if err := seedSlots(ctx, pool, 14); err != nil {
		log.Fatalf("seed slots: %v", err)
	}

	log.Println("seed complete")
}

func seedPatients(ctx context.Context, pool *pgxpool.Pool, count int) error {
	log.Printf("seeding %d patients", count)

	followUps := []string{
		"six month cleaning and checkup",
		"crown fitting follow-up",
		"filling replacement consult",
		"wisdom tooth extraction review",
		"annual x-ray and exam",
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for i := 0; i < count; i++ {
		id := uuid.New()
		name := gofakeit.Name()
		phone := gofakeit.Phone()
		followUp := followUps[gofakeit.Number(0, len(followUps)-1)]

		_, err := tx.Exec(ctx, `
			INSERT INTO patients (id, name, phone, follow_up_action, medical_history)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (phone) DO NOTHING
		`, id, name, phone, followUp, gofakeit.Sentence(8))
		if err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}

	log.Println("patients seeded")
	return nil
}

// seedSlots opens two half-hour slots each weekday morning for the next
// `days` days.
func seedSlots(ctx context.Context, pool *pgxpool.Pool, days int) error {
	log.Printf("seeding slots for %d days", days)

	tx, err := pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	day := time.Now().UTC().Truncate(24 * time.Hour)
	inserted := 0
	for d := 1; d <= days; d++ {
		date := day.AddDate(0, 0, d)
		if wd := date.Weekday(); wd == time.Saturday || wd == time.Sunday {
			continue
		}
		for _, hour := range []int{9, 10} {
			start := date.Add(time.Duration(hour) * time.Hour)
			end := start.Add(30 * time.Minute)

			_, err := tx.Exec(ctx, `
				INSERT INTO slots (id, start_time, end_time, status)
				VALUES ($1, $2, $3, 'open')
				ON CONFLICT (start_time) DO NOTHING
			`, uuid.New(), start, end)
			if err != nil {
				return err
			}
			inserted++
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}

	log.Printf("slots seeded: %d", inserted)
	return nil
}
