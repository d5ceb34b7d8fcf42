package slots

import (
	"context"
	"errors"
	"fmt"
	"time"

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

// Repository provides persistence for appointment slots.
type Repository struct {
	db DB
}

// NewRepository creates a repository backed by a pgx pool.
func NewRepository(db DB) *Repository {
	if db == nil {
		panic("slots: pgx pool required")
	}
	return &Repository{db: db}
}

// ListOpen returns the open slots whose start falls in [from, to),
// ordered by date then start time.
func (r *Repository) ListOpen(ctx context.Context, from, to time.Time) ([]Slot, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, start_time, end_time, status, held_by, created_at, updated_at
		FROM slots
		WHERE status = 'open' AND start_time >= $1 AND start_time < $2
		ORDER BY start_time
	`, from, to)
	if err != nil {
		return nil, fmt.Errorf("slots: list open: %w", err)
	}
	defer rows.Close()

	var result []Slot
	for rows.Next() {
		s, err := scanSlot(rows)
		if err != nil {
			return nil, fmt.Errorf("slots: scan: %w", err)
		}
		result = append(result, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("slots: list open: %w", err)
	}
	return result, nil
}

// GetByID fetches a single slot.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*Slot, error) {
	row := r.db.QueryRow(ctx, `
		SELECT id, start_time, end_time, status, held_by, created_at, updated_at
		FROM slots
		WHERE id = $1
	`, id)
	s, err := scanSlot(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSlotUnavailable
		}
		return nil, fmt.Errorf("slots: get: %w", err)
	}
	return s, nil
}

// Hold transitions a slot open -> held for the given session with a single
// conditional update. Two sessions racing for the same slot get exactly one
// winner; the loser sees ErrSlotUnavailable. Re-holding a slot the session
// already owns succeeds.
func (r *Repository) Hold(ctx context.Context, slotID, sessionID uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE slots
		SET status = 'held',
		    held_by = $2,
		    updated_at = now()
		WHERE id = $1
		  AND (status = 'open' OR (status = 'held' AND held_by = $2))
	`, slotID, sessionID)
	if err != nil {
		return fmt.Errorf("slots: hold: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSlotUnavailable
	}
	return nil
}

// Release transitions a held slot back to open if this session holds it.
// A release of a slot the session does not hold is a no-op, so late or
// duplicate releases after abandonment are harmless.
func (r *Repository) Release(ctx context.Context, slotID, sessionID uuid.UUID) error {
	if _, err := r.db.Exec(ctx, `
		UPDATE slots
		SET status = 'open',
		    held_by = NULL,
		    updated_at = now()
		WHERE id = $1 AND status = 'held' AND held_by = $2
	`, slotID, sessionID); err != nil {
		return fmt.Errorf("slots: release: %w", err)
	}
	return nil
}

func scanSlot(row pgx.Row) (*Slot, error) {
	var s Slot
	var heldBy *uuid.UUID
	if err := row.Scan(
		&s.ID,
		&s.Start,
		&s.End,
		&s.Status,
		&heldBy,
		&s.CreatedAt,
		&s.UpdatedAt,
	); err != nil {
		return nil, err
	}
	s.HeldBy = heldBy
	return &s, nil
}
