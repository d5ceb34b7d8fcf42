// Package session owns the per-call conversation state machine: it tracks
// the dialogue phase, matches spoken time preferences against open slots,
// and drives the hold/commit protocol. Each phone call gets exactly one
// Session; sessions share no mutable state with each other.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/allballa/call-scheduler/internal/booking"
	"github.com/allballa/call-scheduler/internal/patients"
	"github.com/allballa/call-scheduler/internal/slots"
	"github.com/allballa/call-scheduler/pkg/logging"
)

var sessionTracer = otel.Tracer("scheduler.internal.session")

// Phase is the dialogue stage of a call session.
type Phase string

const (
	PhaseGreeting             Phase = "greeting"
	PhaseSlotDiscovery        Phase = "slot_discovery"
	PhaseAwaitingConfirmation Phase = "awaiting_confirmation"
	PhaseBooking              Phase = "booking"
	PhaseCompleted            Phase = "completed"
	PhaseFailed               Phase = "failed"
	PhaseAbandoned            Phase = "abandoned"
)

// Outcome is how the session ended.
type Outcome string

const (
	OutcomeUnset     Outcome = ""
	OutcomeBooked    Outcome = "booked"
	OutcomeFailed    Outcome = "failed"
	OutcomeAbandoned Outcome = "abandoned"
)

// Call directions.
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// SlotEngine lists, holds, and releases bookable slots.
type SlotEngine interface {
	ListOpen(ctx context.Context, from, to time.Time) ([]slots.Slot, error)
	Hold(ctx context.Context, slotID, sessionID uuid.UUID) error
	Release(ctx context.Context, slotID, sessionID uuid.UUID) error
}

// BookingManager durably commits a confirmed booking.
type BookingManager interface {
	Commit(ctx context.Context, sessionID uuid.UUID, ref patients.Ref, slotID uuid.UUID) (*booking.Appointment, error)
}

// Prompter delivers instructions and candidate slots to the speech engine
// for narration to the caller.
type Prompter interface {
	SendPrompt(ctx context.Context, text string) error
	PresentSlots(ctx context.Context, intro string, open []slots.Slot) error
}

// Recorder persists session snapshots and transcript turns. Optional.
type Recorder interface {
	SaveState(ctx context.Context, st *State) error
	AppendTranscript(ctx context.Context, sessionID uuid.UUID, entry TranscriptEntry) error
}

// Config tunes session behavior.
type Config struct {
	ClinicName     string
	SlotWindowDays int
	MaxReselects   int
	Now            func() time.Time
}

// Params collects the dependencies for a new session.
type Params struct {
	ID          uuid.UUID
	Direction   string
	CallerPhone string
	Patient     patients.Ref
	FollowUp    string
	Slots       SlotEngine
	Bookings    BookingManager
	Prompter    Prompter
	Recorder    Recorder
	Logger      *logging.Logger
	Config      Config
}

// Session is the conversation state machine for one call. All entry points
// serialize on one mutex, so an in-flight booking commit always runs to
// completion before a disconnect is processed.
type Session struct {
	id          uuid.UUID
	direction   string
	callerPhone string
	followUp    string

	slotEngine SlotEngine
	bookings   BookingManager
	prompter   Prompter
	recorder   Recorder
	logger     *logging.Logger
	cfg        Config

	mu           sync.Mutex
	phase        Phase
	patient      patients.Ref
	candidate    *slots.Slot
	outcome      Outcome
	reselects    int
	appointment  *booking.Appointment
	startedAt    time.Time
	lastActivity time.Time
}

// New constructs a session in the greeting phase.
func New(p Params) *Session {
	if p.Slots == nil || p.Bookings == nil || p.Prompter == nil {
		panic("session: slot engine, booking manager, and prompter required")
	}
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.Direction == "" {
		p.Direction = DirectionInbound
	}
	if p.Logger == nil {
		p.Logger = logging.Default()
	}
	if p.Config.SlotWindowDays <= 0 {
		p.Config.SlotWindowDays = 14
	}
	if p.Config.MaxReselects <= 0 {
		p.Config.MaxReselects = 3
	}
	if p.Config.Now == nil {
		p.Config.Now = time.Now
	}

	s := &Session{
		id:          p.ID,
		direction:   p.Direction,
		callerPhone: p.CallerPhone,
		followUp:    p.FollowUp,
		patient:     p.Patient,
		slotEngine:  p.Slots,
		bookings:    p.Bookings,
		prompter:    p.Prompter,
		recorder:    p.Recorder,
		logger:      p.Logger.Component("session"),
		cfg:         p.Config,
		phase:       PhaseGreeting,
	}
	s.startedAt = s.now()
	s.lastActivity = s.startedAt
	return s
}

// ID returns the session identifier.
func (s *Session) ID() uuid.UUID { return s.id }

// Phase returns the current dialogue phase.
func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Outcome returns how the session ended, or OutcomeUnset while live.
func (s *Session) Outcome() Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outcome
}

// Appointment returns the committed booking, if any.
func (s *Session) Appointment() *booking.Appointment {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appointment
}

// Begin speaks the greeting, fetches the open slots, and moves the session
// into slot discovery.
func (s *Session) Begin(ctx context.Context) error {
	ctx, span := sessionTracer.Start(ctx, "session.begin")
	defer span.End()
	span.SetAttributes(attribute.String("scheduler.session_id", s.id.String()))

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase != PhaseGreeting {
		return fmt.Errorf("session: begin called in phase %s", s.phase)
	}
	if err := s.prompter.SendPrompt(ctx, greetingPrompt(s.cfg.ClinicName, s.patient.Name, s.followUp)); err != nil {
		return fmt.Errorf("session: greeting: %w", err)
	}
	open, err := s.openSlotsLocked(ctx)
	if err != nil {
		return s.failLocked(ctx, err)
	}
	if err := s.prompter.PresentSlots(ctx, reofferPrompt(), open); err != nil {
		return fmt.Errorf("session: present slots: %w", err)
	}
	s.phase = PhaseSlotDiscovery
	s.saveStateLocked(ctx)
	return nil
}

// HandleEvent applies one structured speech event to the machine. Events
// arriving after a terminal phase are ignored.
func (s *Session) HandleEvent(ctx context.Context, ev Event) error {
	ctx, span := sessionTracer.Start(ctx, "session.handle_event")
	defer span.End()
	span.SetAttributes(
		attribute.String("scheduler.session_id", s.id.String()),
		attribute.String("scheduler.event", string(ev.Kind)),
	)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.terminalLocked() {
		return nil
	}
	s.lastActivity = s.now()

	switch ev.Kind {
	case EventUtterance:
		s.recordTranscriptLocked(ctx, "user", ev.Text)
		return nil
	case EventSlotCandidate:
		return s.handleCandidateLocked(ctx, ev)
	case EventConfirmation:
		return s.handleConfirmationLocked(ctx, ev)
	default:
		s.logger.Warn("ignoring unknown event", "session_id", s.id, "kind", ev.Kind)
		return nil
	}
}

// handleCandidateLocked matches the caller's requested time against the open
// slots and, on a unique match, takes the hold and asks for confirmation.
func (s *Session) handleCandidateLocked(ctx context.Context, ev Event) error {
	if s.phase != PhaseSlotDiscovery && s.phase != PhaseAwaitingConfirmation {
		s.logger.Info("slot candidate ignored", "session_id", s.id, "phase", s.phase)
		return nil
	}
	// A new preference while awaiting confirmation replaces the proposal.
	if s.phase == PhaseAwaitingConfirmation {
		s.releaseHeldLocked(ctx)
		s.phase = PhaseSlotDiscovery
	}

	open, err := s.openSlotsLocked(ctx)
	if err != nil {
		return s.failLocked(ctx, err)
	}

	matches := matchCandidates(open, ev)
	switch len(matches) {
	case 0:
		if err := s.prompter.SendPrompt(ctx, noMatchPrompt()); err != nil {
			return fmt.Errorf("session: no-match prompt: %w", err)
		}
		return s.prompter.PresentSlots(ctx, reofferPrompt(), open)
	case 1:
		slot := matches[0]
		if err := s.slotEngine.Hold(ctx, slot.ID, s.id); err != nil {
			if errors.Is(err, slots.ErrSlotUnavailable) {
				return s.reselectLocked(ctx, slotTakenPrompt())
			}
			return s.failLocked(ctx, err)
		}
		s.candidate = &slot
		s.phase = PhaseAwaitingConfirmation
		s.saveStateLocked(ctx)
		return s.prompter.SendPrompt(ctx, proposalPrompt(slot))
	default:
		// Ambiguous request: ask the caller to pick, hold nothing yet.
		return s.prompter.SendPrompt(ctx, disambiguationPrompt(matches))
	}
}

// handleConfirmationLocked commits on an explicit yes; anything else clears
// the candidate and returns to discovery.
func (s *Session) handleConfirmationLocked(ctx context.Context, ev Event) error {
	if s.phase != PhaseAwaitingConfirmation || s.candidate == nil {
		s.logger.Info("confirmation ignored", "session_id", s.id, "phase", s.phase)
		return nil
	}

	if !ev.Affirmative {
		s.releaseHeldLocked(ctx)
		s.phase = PhaseSlotDiscovery
		s.saveStateLocked(ctx)
		open, err := s.openSlotsLocked(ctx)
		if err != nil {
			return s.failLocked(ctx, err)
		}
		return s.prompter.PresentSlots(ctx, reofferPrompt(), open)
	}

	candidate := *s.candidate
	s.phase = PhaseBooking
	s.saveStateLocked(ctx)

	appt, err := s.bookings.Commit(ctx, s.id, s.patient, candidate.ID)
	if err != nil {
		if errors.Is(err, slots.ErrSlotUnavailable) {
			// The hold was lost between confirmation and commit.
			s.candidate = nil
			return s.reselectLocked(ctx, slotTakenPrompt())
		}
		return s.failLocked(ctx, err)
	}

	s.appointment = appt
	s.patient.ID = appt.PatientID
	s.outcome = OutcomeBooked
	s.phase = PhaseCompleted
	s.saveStateLocked(ctx)

	phrase := confirmationPhrase(s.id, candidate.Window())
	s.recordTranscriptLocked(ctx, "assistant", phrase)
	s.logger.Info("session booked",
		"session_id", s.id,
		"appointment_id", appt.ID,
		"slot_id", candidate.ID,
	)
	return s.prompter.SendPrompt(ctx, "Say exactly this, then say goodbye and end the call: "+phrase)
}

// reselectLocked sends the caller back to slot discovery with a fresh list,
// failing the session once the reselect budget is spent.
func (s *Session) reselectLocked(ctx context.Context, prompt string) error {
	s.candidate = nil
	s.reselects++
	if s.reselects > s.cfg.MaxReselects {
		return s.failLocked(ctx, fmt.Errorf("session: reselect attempts exhausted"))
	}
	s.phase = PhaseSlotDiscovery
	s.saveStateLocked(ctx)

	open, err := s.openSlotsLocked(ctx)
	if err != nil {
		return s.failLocked(ctx, err)
	}
	if err := s.prompter.SendPrompt(ctx, prompt); err != nil {
		return fmt.Errorf("session: reselect prompt: %w", err)
	}
	return s.prompter.PresentSlots(ctx, reofferPrompt(), open)
}

// failLocked ends the session with a spoken apology. The underlying error
// propagates so the call handler can tear the call down.
func (s *Session) failLocked(ctx context.Context, err error) error {
	s.phase = PhaseFailed
	s.outcome = OutcomeFailed
	s.releaseHeldLocked(context.WithoutCancel(ctx))
	s.saveStateLocked(ctx)
	s.logger.Error("session failed", "session_id", s.id, "error", err)
	if perr := s.prompter.SendPrompt(ctx, apologyPrompt()); perr != nil {
		s.logger.Warn("apology not delivered", "session_id", s.id, "error", perr)
	}
	return err
}

// Abandon ends the session on disconnect or idle timeout, releasing any
// held slot. A booking that already committed stands; abandoning a terminal
// session is a no-op.
func (s *Session) Abandon(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.terminalLocked() {
		return
	}
	s.phase = PhaseAbandoned
	s.outcome = OutcomeAbandoned
	// The call context is usually gone by now; the release must still run.
	s.releaseHeldLocked(context.WithoutCancel(ctx))
	s.saveStateLocked(context.WithoutCancel(ctx))
	s.logger.Info("session abandoned", "session_id", s.id)
}

// Watch abandons the session when no caller activity arrives within idle.
// It returns when the session reaches a terminal phase or ctx is done.
func (s *Session) Watch(ctx context.Context, idle time.Duration) {
	if idle <= 0 {
		return
	}
	tick := idle / 4
	if tick > time.Second {
		tick = time.Second
	}
	if tick <= 0 {
		tick = 10 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			terminal := s.terminalLocked()
			expired := !terminal && s.now().Sub(s.lastActivity) > idle
			s.mu.Unlock()
			if terminal {
				return
			}
			if expired {
				s.logger.Info("session idle timeout", "session_id", s.id, "idle", idle)
				s.Abandon(ctx)
				return
			}
		}
	}
}

func (s *Session) terminalLocked() bool {
	switch s.phase {
	case PhaseCompleted, PhaseFailed, PhaseAbandoned:
		return true
	}
	return false
}

func (s *Session) releaseHeldLocked(ctx context.Context) {
	if s.candidate == nil {
		return
	}
	if err := s.slotEngine.Release(ctx, s.candidate.ID, s.id); err != nil {
		s.logger.Warn("slot release failed", "session_id", s.id, "slot_id", s.candidate.ID, "error", err)
	}
	s.candidate = nil
}

func (s *Session) openSlotsLocked(ctx context.Context) ([]slots.Slot, error) {
	from := s.now()
	return s.slotEngine.ListOpen(ctx, from, from.AddDate(0, 0, s.cfg.SlotWindowDays))
}

func (s *Session) saveStateLocked(ctx context.Context) {
	if s.recorder == nil {
		return
	}
	if err := s.recorder.SaveState(ctx, s.snapshotLocked()); err != nil {
		s.logger.Warn("session state not saved", "session_id", s.id, "error", err)
	}
}

func (s *Session) recordTranscriptLocked(ctx context.Context, role, text string) {
	if s.recorder == nil || text == "" {
		return
	}
	entry := TranscriptEntry{Role: role, Text: text, Timestamp: s.now()}
	if err := s.recorder.AppendTranscript(ctx, s.id, entry); err != nil {
		s.logger.Warn("transcript not saved", "session_id", s.id, "error", err)
	}
}

func (s *Session) snapshotLocked() *State {
	st := &State{
		SessionID:      s.id,
		Direction:      s.direction,
		CallerPhone:    s.callerPhone,
		PatientID:      s.patient.ID,
		Phase:          s.phase,
		Outcome:        s.outcome,
		StartedAt:      s.startedAt,
		LastActivityAt: s.lastActivity,
	}
	if s.candidate != nil {
		st.SlotID = s.candidate.ID
	}
	if s.appointment != nil {
		st.AppointmentID = s.appointment.ID
	}
	return st
}

func (s *Session) now() time.Time {
	return s.cfg.Now().UTC()
}

// matchCandidates filters open slots by the caller's stated date and start
// time; empty fields match anything, so a vague request can match several.
func matchCandidates(open []slots.Slot, ev Event) []slots.Slot {
	var matches []slots.Slot
	for _, slot := range open {
		if ev.Date != "" && slot.Date() != ev.Date {
			continue
		}
		if ev.Start != "" && slot.Start.Format("15:04") != ev.Start {
			continue
		}
		matches = append(matches, slot)
	}
	return matches
}
