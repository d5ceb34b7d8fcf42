package session

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/allballa/call-scheduler/internal/slots"
)

// Canonical booking confirmation templates. Downstream transcript tooling
// matches on these exact sentences, so they are spoken only when a booking
// has durably committed, and never otherwise.
var confirmationTemplates = []string{
	"I have scheduled your appointment for %s",
	"Your appointment is confirmed for %s",
	"Successfully booked for %s",
}

// confirmationPhrase picks one canonical template per session so a given
// call always speaks the same sentence on retries of the final utterance.
func confirmationPhrase(sessionID uuid.UUID, window string) string {
	tpl := confirmationTemplates[int(sessionID[0])%len(confirmationTemplates)]
	return fmt.Sprintf(tpl, window)
}

func greetingPrompt(clinic, patientName, followUp string) string {
	var b strings.Builder
	b.WriteString("Greet the caller warmly on behalf of ")
	b.WriteString(clinic)
	b.WriteString(".")
	if patientName != "" {
		fmt.Fprintf(&b, " Address them by name: %s.", patientName)
	}
	if followUp != "" {
		fmt.Fprintf(&b, " They are due for: %s.", followUp)
	}
	b.WriteString(" Offer to schedule their appointment.")
	return b.String()
}

func proposalPrompt(s slots.Slot) string {
	return fmt.Sprintf("Ask the caller to confirm, yes or no: shall I book you for %s?", s.Window())
}

func disambiguationPrompt(matches []slots.Slot) string {
	windows := make([]string, len(matches))
	for i, s := range matches {
		windows[i] = s.Window()
	}
	return fmt.Sprintf(
		"Several openings match that time. Ask the caller to choose one of: %s.",
		strings.Join(windows, "; "),
	)
}

func noMatchPrompt() string {
	return "Tell the caller nothing is open at that time, and offer the available openings instead."
}

func slotTakenPrompt() string {
	return "Tell the caller that time was just taken, apologize briefly, and offer the remaining openings."
}

func reofferPrompt() string {
	return "Ask the caller which of the available openings they would prefer."
}

func apologyPrompt() string {
	return "Apologize that scheduling is not possible right now, suggest calling back later, and say goodbye."
}
