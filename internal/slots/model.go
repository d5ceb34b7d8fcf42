package slots

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a bookable slot.
type Status string

const (
	StatusOpen   Status = "open"
	StatusHeld   Status = "held"
	StatusBooked Status = "booked"
)

// ErrSlotUnavailable is returned when a slot is not open for the requesting
// session: another session holds or booked it, or it no longer exists.
var ErrSlotUnavailable = errors.New("slots: slot unavailable")

// Slot is a discrete bookable time range.
type Slot struct {
	ID        uuid.UUID
	Start     time.Time
	End       time.Time
	Status    Status
	HeldBy    *uuid.UUID
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Date returns the slot's calendar date in YYYY-MM-DD form.
func (s Slot) Date() string {
	return s.Start.Format("2006-01-02")
}

// Window renders the slot as a spoken-friendly date/time range, e.g.
// "March 30, 2024 from 3:00 PM to 4:00 PM".
func (s Slot) Window() string {
	return fmt.Sprintf("%s from %s to %s",
		s.Start.Format("January 2, 2006"),
		s.Start.Format("3:04 PM"),
		s.End.Format("3:04 PM"),
	)
}
