package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/allballa/call-scheduler/internal/observability/metrics"
	"github.com/allballa/call-scheduler/internal/patients"
	"github.com/allballa/call-scheduler/internal/slots"
	"github.com/allballa/call-scheduler/pkg/logging"
)

var bookingTracer = otel.Tracer("scheduler.internal.booking")

// Appointment is the durable booking record, created exactly once per
// confirmed call session and never mutated afterwards.
type Appointment struct {
	ID        uuid.UUID
	PatientID uuid.UUID
	SlotID    uuid.UUID
	SessionID uuid.UUID
	Status    string
	CreatedAt time.Time
}

// DB is the transactional surface the manager needs; pgxmock satisfies it.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Manager commits bookings: patient resolution, the held->booked slot
// transition, and the appointment insert happen in one transaction, so a
// partial booking is never observable.
type Manager struct {
	db      DB
	policy  RetryPolicy
	logger  *logging.Logger
	metrics *metrics.CallMetrics
}

// NewManager constructs a booking transaction manager.
func NewManager(db DB, policy RetryPolicy, logger *logging.Logger, m *metrics.CallMetrics) *Manager {
	if db == nil {
		panic("booking: pgx pool required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Manager{db: db, policy: policy, logger: logger, metrics: m}
}

// Commit books the held slot for the session. Transient store failures are
// retried per the policy; slots.ErrSlotUnavailable means the hold was lost
// and the caller must reselect. Committing an already-committed
// (session, slot) pair returns the existing appointment.
func (m *Manager) Commit(ctx context.Context, sessionID uuid.UUID, ref patients.Ref, slotID uuid.UUID) (*Appointment, error) {
	ctx, span := bookingTracer.Start(ctx, "booking.commit")
	defer span.End()
	span.SetAttributes(
		attribute.String("scheduler.session_id", sessionID.String()),
		attribute.String("scheduler.slot_id", slotID.String()),
	)

	var appt *Appointment
	err := m.policy.Do(ctx, func(ctx context.Context) error {
		a, attemptErr := m.attempt(ctx, sessionID, ref, slotID)
		if attemptErr != nil {
			if errors.Is(attemptErr, ErrTransientStore) {
				m.metrics.ObserveBookingAttempt("transient")
				m.logger.Warn("booking attempt failed, will retry",
					"session_id", sessionID, "slot_id", slotID, "error", attemptErr)
			}
			return attemptErr
		}
		appt = a
		return nil
	})
	if err != nil {
		span.RecordError(err)
		switch {
		case errors.Is(err, slots.ErrSlotUnavailable):
			m.metrics.ObserveBookingAttempt("slot_unavailable")
		case errors.Is(err, ErrTransientStore):
			m.metrics.ObserveBookingAttempt("retries_exhausted")
		default:
			m.metrics.ObserveBookingAttempt("failed")
		}
		return nil, err
	}

	m.metrics.ObserveBookingAttempt("committed")
	m.logger.Info("booking committed",
		"appointment_id", appt.ID,
		"session_id", sessionID,
		"slot_id", slotID,
		"patient_id", appt.PatientID,
	)
	return appt, nil
}

func (m *Manager) attempt(ctx context.Context, sessionID uuid.UUID, ref patients.Ref, slotID uuid.UUID) (*Appointment, error) {
	tx, err := m.db.Begin(ctx)
	if err != nil {
		return nil, classifyStoreErr("begin", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// A commit retried after a lost response must not double-book.
	existing, err := appointmentForSession(ctx, tx, sessionID, slotID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	patientID, err := patients.ResolveOrCreate(ctx, tx, ref)
	if err != nil {
		if errors.Is(err, patients.ErrPatientNotFound) {
			return nil, fmt.Errorf("%w: %v", ErrPersistenceFailure, err)
		}
		return nil, classifyStoreErr("resolve patient", err)
	}

	// The slot must still be held by this session; losing the hold between
	// confirmation and commit is a reselect, not a failure.
	tag, err := tx.Exec(ctx, `
		UPDATE slots
		SET status = 'booked',
		    updated_at = now()
		WHERE id = $1 AND status = 'held' AND held_by = $2
	`, slotID, sessionID)
	if err != nil {
		return nil, classifyStoreErr("book slot", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, slots.ErrSlotUnavailable
	}

	appt := &Appointment{
		ID:        uuid.New(),
		PatientID: patientID,
		SlotID:    slotID,
		SessionID: sessionID,
		Status:    "confirmed",
	}
	if err := tx.QueryRow(ctx, `
		INSERT INTO appointments (id, patient_id, slot_id, session_id, status)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at
	`, appt.ID, appt.PatientID, appt.SlotID, appt.SessionID, appt.Status).Scan(&appt.CreatedAt); err != nil {
		return nil, classifyStoreErr("insert appointment", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, classifyStoreErr("commit", err)
	}
	return appt, nil
}

func appointmentForSession(ctx context.Context, tx pgx.Tx, sessionID, slotID uuid.UUID) (*Appointment, error) {
	var a Appointment
	err := tx.QueryRow(ctx, `
		SELECT id, patient_id, slot_id, session_id, status, created_at
		FROM appointments
		WHERE session_id = $1 AND slot_id = $2
	`, sessionID, slotID).Scan(&a.ID, &a.PatientID, &a.SlotID, &a.SessionID, &a.Status, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, classifyStoreErr("check existing", err)
	}
	return &a, nil
}
