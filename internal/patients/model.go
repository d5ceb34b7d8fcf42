package patients

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrPatientNotFound is returned when no patient matches the lookup.
var ErrPatientNotFound = errors.New("patients: patient not found")

// Patient is a clinic patient record used to personalize the call.
type Patient struct {
	ID             uuid.UUID
	Name           string
	Phone          string
	FollowUpAction string
	MedicalHistory string
	Comments       string
	CreatedAt      time.Time
}

// Ref identifies the patient a booking is for. When ID is set the record must
// already exist; otherwise the booking resolves or creates one by phone.
type Ref struct {
	ID    uuid.UUID
	Name  string
	Phone string
}
