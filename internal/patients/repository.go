package patients

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB is the subset of pgxpool.Pool the repository needs; pgxmock satisfies it.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repository stores patient records in the relational database.
type Repository struct {
	db DB
}

// NewRepository initializes a repo backed by a pgx pool.
func NewRepository(db DB) *Repository {
	if db == nil {
		panic("patients: pgx pool required")
	}
	return &Repository{db: db}
}

// LookupByPhone resolves a patient from a caller id number.
func (r *Repository) LookupByPhone(ctx context.Context, phone string) (*Patient, error) {
	row := r.db.QueryRow(ctx, `
		SELECT id, name, phone, follow_up_action, medical_history, comments, created_at
		FROM patients
		WHERE phone = $1
	`, phone)
	return scanPatient(row)
}

// GetByID fetches a patient record.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*Patient, error) {
	row := r.db.QueryRow(ctx, `
		SELECT id, name, phone, follow_up_action, medical_history, comments, created_at
		FROM patients
		WHERE id = $1
	`, id)
	return scanPatient(row)
}

// ResolveOrCreate returns the patient id for a booking, inside the caller's
// transaction. A known ID is verified; otherwise the record is upserted by
// phone so retried commits never create a duplicate patient.
func ResolveOrCreate(ctx context.Context, tx pgx.Tx, ref Ref) (uuid.UUID, error) {
	if ref.ID != uuid.Nil {
		var id uuid.UUID
		err := tx.QueryRow(ctx, `SELECT id FROM patients WHERE id = $1`, ref.ID).Scan(&id)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return uuid.Nil, ErrPatientNotFound
			}
			return uuid.Nil, fmt.Errorf("patients: verify: %w", err)
		}
		return id, nil
	}

	if ref.Phone == "" {
		return uuid.Nil, fmt.Errorf("patients: phone required to create a record")
	}
	name := ref.Name
	if name == "" {
		name = "Unknown Caller"
	}

	var id uuid.UUID
	err := tx.QueryRow(ctx, `
		INSERT INTO patients (id, name, phone)
		VALUES ($1, $2, $3)
		ON CONFLICT (phone) DO UPDATE SET name = patients.name
		RETURNING id
	`, uuid.New(), name, ref.Phone).Scan(&id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("patients: resolve or create: %w", err)
	}
	return id, nil
}

func scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient
	if err := row.Scan(
		&p.ID,
		&p.Name,
		&p.Phone,
		&p.FollowUpAction,
		&p.MedicalHistory,
		&p.Comments,
		&p.CreatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPatientNotFound
		}
		return nil, fmt.Errorf("patients: select: %w", err)
	}
	return &p, nil
}
