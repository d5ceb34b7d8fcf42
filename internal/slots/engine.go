package slots

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/allballa/call-scheduler/internal/observability/metrics"
	"github.com/allballa/call-scheduler/pkg/logging"
)

var slotsTracer = otel.Tracer("scheduler.internal.slots")

type store interface {
	ListOpen(ctx context.Context, from, to time.Time) ([]Slot, error)
	Hold(ctx context.Context, slotID, sessionID uuid.UUID) error
	Release(ctx context.Context, slotID, sessionID uuid.UUID) error
}

// Engine applies the slot reservation protocol on top of the repository.
type Engine struct {
	store   store
	logger  *logging.Logger
	metrics *metrics.CallMetrics
}

// NewEngine constructs a slot availability engine.
func NewEngine(store store, logger *logging.Logger, m *metrics.CallMetrics) *Engine {
	if store == nil {
		panic("slots: store required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Engine{store: store, logger: logger, metrics: m}
}

// ListOpen returns the open slots in the window, ordered by date then start.
func (e *Engine) ListOpen(ctx context.Context, from, to time.Time) ([]Slot, error) {
	ctx, span := slotsTracer.Start(ctx, "slots.list_open")
	defer span.End()

	open, err := e.store.ListOpen(ctx, from, to)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return open, nil
}

// Hold reserves a slot for a session. Exactly one of any set of concurrent
// holders wins; losers get ErrSlotUnavailable and should be offered the next
// candidate.
func (e *Engine) Hold(ctx context.Context, slotID, sessionID uuid.UUID) error {
	ctx, span := slotsTracer.Start(ctx, "slots.hold")
	defer span.End()
	span.SetAttributes(
		attribute.String("scheduler.slot_id", slotID.String()),
		attribute.String("scheduler.session_id", sessionID.String()),
	)

	if err := e.store.Hold(ctx, slotID, sessionID); err != nil {
		if errors.Is(err, ErrSlotUnavailable) {
			e.metrics.ObserveHoldConflict()
			e.logger.Info("slot hold lost", "slot_id", slotID, "session_id", sessionID)
		} else {
			span.RecordError(err)
		}
		return err
	}
	e.logger.Info("slot held", "slot_id", slotID, "session_id", sessionID)
	return nil
}

// Release returns a held slot to the open pool if this session holds it.
func (e *Engine) Release(ctx context.Context, slotID, sessionID uuid.UUID) error {
	ctx, span := slotsTracer.Start(ctx, "slots.release")
	defer span.End()

	if err := e.store.Release(ctx, slotID, sessionID); err != nil {
		span.RecordError(err)
		return err
	}
	e.logger.Info("slot released", "slot_id", slotID, "session_id", sessionID)
	return nil
}
