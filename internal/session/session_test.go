package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/allballa/call-scheduler/internal/booking"
	"github.com/allballa/call-scheduler/internal/patients"
	"github.com/allballa/call-scheduler/internal/slots"
)

var testBase = time.Date(2026, 9, 1, 8, 0, 0, 0, time.UTC)

func makeSlot(dayOffset, hour int) slots.Slot {
	start := testBase.AddDate(0, 0, dayOffset).Truncate(24 * time.Hour).Add(time.Duration(hour) * time.Hour)
	return slots.Slot{
		ID:     uuid.New(),
		Start:  start,
		End:    start.Add(time.Hour),
		Status: slots.StatusOpen,
	}
}

type stubSlots struct {
	mu       sync.Mutex
	open     []slots.Slot
	held     map[uuid.UUID]uuid.UUID
	released []uuid.UUID
	holdErr  error
	listErr  error
}

func newStubSlots(open ...slots.Slot) *stubSlots {
	return &stubSlots{open: open, held: make(map[uuid.UUID]uuid.UUID)}
}

func (s *stubSlots) ListOpen(ctx context.Context, from, to time.Time) ([]slots.Slot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	var out []slots.Slot
	for _, slot := range s.open {
		if _, taken := s.held[slot.ID]; !taken {
			out = append(out, slot)
		}
	}
	return out, nil
}

func (s *stubSlots) Hold(ctx context.Context, slotID, sessionID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.holdErr != nil {
		return s.holdErr
	}
	if owner, taken := s.held[slotID]; taken && owner != sessionID {
		return slots.ErrSlotUnavailable
	}
	s.held[slotID] = sessionID
	return nil
}

func (s *stubSlots) Release(ctx context.Context, slotID, sessionID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.held[slotID] == sessionID {
		delete(s.held, slotID)
		s.released = append(s.released, slotID)
	}
	return nil
}

func (s *stubSlots) heldBy(slotID uuid.UUID) (uuid.UUID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	owner, ok := s.held[slotID]
	return owner, ok
}

type stubBookings struct {
	mu      sync.Mutex
	commits int
	errs    []error
}

func (b *stubBookings) Commit(ctx context.Context, sessionID uuid.UUID, ref patients.Ref, slotID uuid.UUID) (*booking.Appointment, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.commits++
	if len(b.errs) > 0 {
		err := b.errs[0]
		b.errs = b.errs[1:]
		return nil, err
	}
	return &booking.Appointment{
		ID:        uuid.New(),
		PatientID: uuid.New(),
		SlotID:    slotID,
		SessionID: sessionID,
		Status:    "confirmed",
		CreatedAt: testBase,
	}, nil
}

type stubPrompter struct {
	mu        sync.Mutex
	prompts   []string
	presented int
}

func (p *stubPrompter) SendPrompt(ctx context.Context, text string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prompts = append(p.prompts, text)
	return nil
}

func (p *stubPrompter) PresentSlots(ctx context.Context, intro string, open []slots.Slot) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.presented++
	return nil
}

func (p *stubPrompter) lastPrompt() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.prompts) == 0 {
		return ""
	}
	return p.prompts[len(p.prompts)-1]
}

func newTestSession(t *testing.T, store *stubSlots, bookings *stubBookings, prompter *stubPrompter) *Session {
	t.Helper()
	return New(Params{
		Direction:   DirectionInbound,
		CallerPhone: "+15551230000",
		Patient:     patients.Ref{Name: "Jamie Cruz", Phone: "+15551230000"},
		Slots:       store,
		Bookings:    bookings,
		Prompter:    prompter,
		Config: Config{
			ClinicName: "Brightside Dental",
			Now:        func() time.Time { return testBase },
		},
	})
}

func candidateEvent(s slots.Slot) Event {
	return Event{
		Kind:  EventSlotCandidate,
		Date:  s.Date(),
		Start: s.Start.Format("15:04"),
	}
}

func TestBeginGreetsAndPresentsSlots(t *testing.T) {
	store := newStubSlots(makeSlot(1, 9), makeSlot(2, 14))
	prompter := &stubPrompter{}
	sess := newTestSession(t, store, &stubBookings{}, prompter)

	if err := sess.Begin(context.Background()); err != nil {
		t.Fatalf("Begin returned error: %v", err)
	}
	if sess.Phase() != PhaseSlotDiscovery {
		t.Fatalf("expected slot discovery, got %s", sess.Phase())
	}
	if len(prompter.prompts) == 0 || !strings.Contains(prompter.prompts[0], "Jamie Cruz") {
		t.Errorf("expected a personalized greeting, got %q", prompter.prompts)
	}
	if prompter.presented != 1 {
		t.Errorf("expected slots presented once, got %d", prompter.presented)
	}
}

func TestUniqueCandidateIsHeldAndProposed(t *testing.T) {
	target := makeSlot(1, 9)
	store := newStubSlots(target, makeSlot(2, 14))
	prompter := &stubPrompter{}
	sess := newTestSession(t, store, &stubBookings{}, prompter)

	if err := sess.Begin(context.Background()); err != nil {
		t.Fatalf("Begin returned error: %v", err)
	}
	if err := sess.HandleEvent(context.Background(), candidateEvent(target)); err != nil {
		t.Fatalf("HandleEvent returned error: %v", err)
	}

	if sess.Phase() != PhaseAwaitingConfirmation {
		t.Fatalf("expected awaiting confirmation, got %s", sess.Phase())
	}
	if owner, ok := store.heldBy(target.ID); !ok || owner != sess.ID() {
		t.Fatalf("expected slot held by session")
	}
	if !strings.Contains(prompter.lastPrompt(), target.Window()) {
		t.Errorf("expected proposal naming the slot, got %q", prompter.lastPrompt())
	}
}

func TestAmbiguousCandidateAsksToChoose(t *testing.T) {
	a := makeSlot(1, 9)
	b := makeSlot(1, 11)
	store := newStubSlots(a, b)
	prompter := &stubPrompter{}
	sess := newTestSession(t, store, &stubBookings{}, prompter)

	if err := sess.Begin(context.Background()); err != nil {
		t.Fatalf("Begin returned error: %v", err)
	}
	// Date only: both morning slots match.
	if err := sess.HandleEvent(context.Background(), Event{Kind: EventSlotCandidate, Date: a.Date()}); err != nil {
		t.Fatalf("HandleEvent returned error: %v", err)
	}

	if sess.Phase() != PhaseSlotDiscovery {
		t.Fatalf("ambiguous candidate must not advance the phase, got %s", sess.Phase())
	}
	if _, held := store.heldBy(a.ID); held {
		t.Error("ambiguous candidate must not take a hold")
	}
	if _, held := store.heldBy(b.ID); held {
		t.Error("ambiguous candidate must not take a hold")
	}
	if !strings.Contains(prompter.lastPrompt(), "choose") {
		t.Errorf("expected a disambiguation prompt, got %q", prompter.lastPrompt())
	}
}

func TestNegativeConfirmationClearsHold(t *testing.T) {
	target := makeSlot(1, 9)
	store := newStubSlots(target, makeSlot(2, 14))
	prompter := &stubPrompter{}
	sess := newTestSession(t, store, &stubBookings{}, prompter)

	ctx := context.Background()
	if err := sess.Begin(ctx); err != nil {
		t.Fatalf("Begin returned error: %v", err)
	}
	if err := sess.HandleEvent(ctx, candidateEvent(target)); err != nil {
		t.Fatalf("candidate event: %v", err)
	}
	if err := sess.HandleEvent(ctx, Event{Kind: EventConfirmation, Affirmative: false}); err != nil {
		t.Fatalf("confirmation event: %v", err)
	}

	if sess.Phase() != PhaseSlotDiscovery {
		t.Fatalf("expected return to slot discovery, got %s", sess.Phase())
	}
	if _, held := store.heldBy(target.ID); held {
		t.Error("rejected candidate must not keep its hold")
	}
	open, _ := store.ListOpen(ctx, testBase, testBase.AddDate(0, 0, 14))
	if len(open) != 2 {
		t.Errorf("expected the released slot to be listed again, got %d open", len(open))
	}
}

func TestAffirmativeConfirmationBooks(t *testing.T) {
	target := makeSlot(1, 9)
	store := newStubSlots(target)
	bookings := &stubBookings{}
	prompter := &stubPrompter{}
	sess := newTestSession(t, store, bookings, prompter)

	ctx := context.Background()
	if err := sess.Begin(ctx); err != nil {
		t.Fatalf("Begin returned error: %v", err)
	}
	if err := sess.HandleEvent(ctx, candidateEvent(target)); err != nil {
		t.Fatalf("candidate event: %v", err)
	}
	if err := sess.HandleEvent(ctx, Event{Kind: EventConfirmation, Affirmative: true}); err != nil {
		t.Fatalf("confirmation event: %v", err)
	}

	if sess.Phase() != PhaseCompleted || sess.Outcome() != OutcomeBooked {
		t.Fatalf("expected completed/booked, got %s/%s", sess.Phase(), sess.Outcome())
	}
	if bookings.commits != 1 {
		t.Fatalf("expected exactly one commit, got %d", bookings.commits)
	}
	if sess.Appointment() == nil || sess.Appointment().SlotID != target.ID {
		t.Fatal("expected a committed appointment for the candidate slot")
	}
	phrase := confirmationPhrase(sess.ID(), target.Window())
	if !strings.Contains(prompter.lastPrompt(), phrase) {
		t.Errorf("expected canonical confirmation %q in %q", phrase, prompter.lastPrompt())
	}
}

func TestCanonicalPhraseOnlyOnBooking(t *testing.T) {
	target := makeSlot(1, 9)
	store := newStubSlots(target, makeSlot(2, 14))
	prompter := &stubPrompter{}
	sess := newTestSession(t, store, &stubBookings{}, prompter)

	ctx := context.Background()
	if err := sess.Begin(ctx); err != nil {
		t.Fatalf("Begin returned error: %v", err)
	}
	if err := sess.HandleEvent(ctx, candidateEvent(target)); err != nil {
		t.Fatalf("candidate event: %v", err)
	}
	if err := sess.HandleEvent(ctx, Event{Kind: EventConfirmation, Affirmative: false}); err != nil {
		t.Fatalf("confirmation event: %v", err)
	}

	for _, tpl := range confirmationTemplates {
		fragment := strings.SplitN(tpl, "%s", 2)[0]
		for _, prompt := range prompter.prompts {
			if strings.Contains(prompt, fragment) {
				t.Fatalf("canonical phrase spoken without a committed booking: %q", prompt)
			}
		}
	}
}

func TestLostHoldRaceOffersAlternatives(t *testing.T) {
	target := makeSlot(1, 9)
	other := makeSlot(2, 14)
	store := newStubSlots(target, other)
	prompter := &stubPrompter{}
	sess := newTestSession(t, store, &stubBookings{}, prompter)

	ctx := context.Background()
	if err := sess.Begin(ctx); err != nil {
		t.Fatalf("Begin returned error: %v", err)
	}

	// Another session wins the slot between listing and holding.
	store.mu.Lock()
	store.holdErr = slots.ErrSlotUnavailable
	store.mu.Unlock()

	if err := sess.HandleEvent(ctx, candidateEvent(target)); err != nil {
		t.Fatalf("candidate event: %v", err)
	}
	if sess.Phase() != PhaseSlotDiscovery {
		t.Fatalf("losing the race must return to discovery, got %s", sess.Phase())
	}
	if !strings.Contains(prompter.lastPrompt(), "just taken") {
		t.Errorf("expected the caller to hear the slot was taken, got %q", prompter.lastPrompt())
	}

	// The next preference is still bookable.
	store.mu.Lock()
	store.holdErr = nil
	store.mu.Unlock()

	if err := sess.HandleEvent(ctx, candidateEvent(other)); err != nil {
		t.Fatalf("candidate event: %v", err)
	}
	if sess.Phase() != PhaseAwaitingConfirmation {
		t.Fatalf("expected the alternative to be proposed, got %s", sess.Phase())
	}
}

func TestCommitSlotUnavailableReselects(t *testing.T) {
	target := makeSlot(1, 9)
	store := newStubSlots(target, makeSlot(2, 14))
	bookings := &stubBookings{errs: []error{slots.ErrSlotUnavailable}}
	prompter := &stubPrompter{}
	sess := newTestSession(t, store, bookings, prompter)

	ctx := context.Background()
	if err := sess.Begin(ctx); err != nil {
		t.Fatalf("Begin returned error: %v", err)
	}
	if err := sess.HandleEvent(ctx, candidateEvent(target)); err != nil {
		t.Fatalf("candidate event: %v", err)
	}
	if err := sess.HandleEvent(ctx, Event{Kind: EventConfirmation, Affirmative: true}); err != nil {
		t.Fatalf("confirmation event: %v", err)
	}

	if sess.Phase() != PhaseSlotDiscovery {
		t.Fatalf("expected reselect into slot discovery, got %s", sess.Phase())
	}
	if sess.Appointment() != nil {
		t.Fatal("no appointment must exist after a lost hold")
	}
	if !strings.Contains(prompter.lastPrompt(), "prefer") && prompter.presented < 2 {
		t.Errorf("expected a fresh slot offer after the lost hold")
	}
}

func TestPersistenceFailureEndsWithApology(t *testing.T) {
	target := makeSlot(1, 9)
	store := newStubSlots(target)
	bookings := &stubBookings{errs: []error{booking.ErrPersistenceFailure}}
	prompter := &stubPrompter{}
	sess := newTestSession(t, store, bookings, prompter)

	ctx := context.Background()
	if err := sess.Begin(ctx); err != nil {
		t.Fatalf("Begin returned error: %v", err)
	}
	if err := sess.HandleEvent(ctx, candidateEvent(target)); err != nil {
		t.Fatalf("candidate event: %v", err)
	}
	err := sess.HandleEvent(ctx, Event{Kind: EventConfirmation, Affirmative: true})
	if !errors.Is(err, booking.ErrPersistenceFailure) {
		t.Fatalf("expected the persistence failure to propagate, got %v", err)
	}

	if sess.Phase() != PhaseFailed || sess.Outcome() != OutcomeFailed {
		t.Fatalf("expected failed session, got %s/%s", sess.Phase(), sess.Outcome())
	}
	if !strings.Contains(prompter.lastPrompt(), "Apologize") {
		t.Errorf("expected a spoken apology, got %q", prompter.lastPrompt())
	}
	if _, held := store.heldBy(target.ID); held {
		t.Error("failed session must not keep its hold")
	}
}

func TestAbandonReleasesHeldSlot(t *testing.T) {
	target := makeSlot(1, 9)
	store := newStubSlots(target)
	prompter := &stubPrompter{}
	sess := newTestSession(t, store, &stubBookings{}, prompter)

	ctx := context.Background()
	if err := sess.Begin(ctx); err != nil {
		t.Fatalf("Begin returned error: %v", err)
	}
	if err := sess.HandleEvent(ctx, candidateEvent(target)); err != nil {
		t.Fatalf("candidate event: %v", err)
	}

	// Caller hangs up between confirmation and booking.
	sess.Abandon(ctx)

	if sess.Phase() != PhaseAbandoned || sess.Outcome() != OutcomeAbandoned {
		t.Fatalf("expected abandoned session, got %s/%s", sess.Phase(), sess.Outcome())
	}
	if _, held := store.heldBy(target.ID); held {
		t.Error("abandoned session must release its hold")
	}
	open, _ := store.ListOpen(ctx, testBase, testBase.AddDate(0, 0, 14))
	if len(open) != 1 {
		t.Errorf("expected the slot back in the open pool, got %d open", len(open))
	}
}

func TestAbandonAfterBookingKeepsOutcome(t *testing.T) {
	target := makeSlot(1, 9)
	store := newStubSlots(target)
	sess := newTestSession(t, store, &stubBookings{}, &stubPrompter{})

	ctx := context.Background()
	if err := sess.Begin(ctx); err != nil {
		t.Fatalf("Begin returned error: %v", err)
	}
	if err := sess.HandleEvent(ctx, candidateEvent(target)); err != nil {
		t.Fatalf("candidate event: %v", err)
	}
	if err := sess.HandleEvent(ctx, Event{Kind: EventConfirmation, Affirmative: true}); err != nil {
		t.Fatalf("confirmation event: %v", err)
	}

	sess.Abandon(ctx)

	if sess.Outcome() != OutcomeBooked {
		t.Fatalf("a committed booking must stand after hangup, got %s", sess.Outcome())
	}
	if sess.Phase() != PhaseCompleted {
		t.Fatalf("expected completed phase, got %s", sess.Phase())
	}
}

func TestEventsIgnoredAfterTerminal(t *testing.T) {
	target := makeSlot(1, 9)
	store := newStubSlots(target)
	bookings := &stubBookings{}
	sess := newTestSession(t, store, bookings, &stubPrompter{})

	ctx := context.Background()
	sess.Abandon(ctx)

	if err := sess.HandleEvent(ctx, candidateEvent(target)); err != nil {
		t.Fatalf("HandleEvent returned error: %v", err)
	}
	if err := sess.HandleEvent(ctx, Event{Kind: EventConfirmation, Affirmative: true}); err != nil {
		t.Fatalf("HandleEvent returned error: %v", err)
	}
	if bookings.commits != 0 {
		t.Fatalf("terminal session must not book, got %d commits", bookings.commits)
	}
}

func TestReselectBudgetExhausted(t *testing.T) {
	target := makeSlot(1, 9)
	store := newStubSlots(target, makeSlot(2, 14))
	bookings := &stubBookings{errs: []error{
		slots.ErrSlotUnavailable,
		slots.ErrSlotUnavailable,
		slots.ErrSlotUnavailable,
		slots.ErrSlotUnavailable,
	}}
	prompter := &stubPrompter{}
	sess := newTestSession(t, store, bookings, prompter)

	ctx := context.Background()
	if err := sess.Begin(ctx); err != nil {
		t.Fatalf("Begin returned error: %v", err)
	}
	for i := 0; i < 4 && sess.Phase() != PhaseFailed; i++ {
		if err := sess.HandleEvent(ctx, candidateEvent(target)); err != nil {
			t.Fatalf("candidate event %d: %v", i, err)
		}
		_ = sess.HandleEvent(ctx, Event{Kind: EventConfirmation, Affirmative: true})
		// Each failed commit means the hold was lost; put it back for the
		// next round so the session keeps losing the race.
		store.mu.Lock()
		delete(store.held, target.ID)
		store.mu.Unlock()
	}

	if sess.Phase() != PhaseFailed {
		t.Fatalf("expected exhaustion to fail the session, got %s", sess.Phase())
	}
}

func TestWatchAbandonsIdleSession(t *testing.T) {
	target := makeSlot(1, 9)
	store := newStubSlots(target)
	sess := newTestSession(t, store, &stubBookings{}, &stubPrompter{})

	var mu sync.Mutex
	now := testBase
	sess.cfg.Now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	sess.lastActivity = testBase

	mu.Lock()
	now = testBase.Add(5 * time.Minute)
	mu.Unlock()

	done := make(chan struct{})
	go func() {
		sess.Watch(context.Background(), 90*time.Second)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not abandon the idle session")
	}
	if sess.Outcome() != OutcomeAbandoned {
		t.Fatalf("expected abandoned outcome, got %s", sess.Outcome())
	}
}
