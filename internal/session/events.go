package session

// EventKind discriminates the structured signals the speech engine boundary
// emits into the state machine.
type EventKind string

const (
	// EventUtterance carries recognized caller speech, used for transcripts
	// and activity tracking only. It never drives a booking write.
	EventUtterance EventKind = "utterance"

	// EventSlotCandidate carries a date/time the caller asked about.
	EventSlotCandidate EventKind = "slot_candidate"

	// EventConfirmation carries the caller's explicit yes or no to the
	// proposed slot. Hedged answers arrive with Affirmative false.
	EventConfirmation EventKind = "confirmation"
)

// Event is one structured signal from the speech engine. Confirmation is
// gated on this tagged form so the state machine never pattern-matches raw
// caller speech before writing.
type Event struct {
	Kind EventKind

	// Text is set for EventUtterance.
	Text string

	// Candidate fields, set for EventSlotCandidate. Date is YYYY-MM-DD and
	// Start/End are 24h HH:MM; any of them may be empty when the caller was
	// vague ("sometime Tuesday", "in the morning").
	Date  string
	Start string
	End   string

	// Affirmative is set for EventConfirmation.
	Affirmative bool
}
