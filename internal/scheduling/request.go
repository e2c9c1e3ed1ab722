package scheduling

import (
	"strings"
	"time"
)

// BookingRequest is the input of BookAppointment. Start and End are
// RFC 3339 instants and are stored on the Appointment verbatim.
type BookingRequest struct {
	SlotID         string
	Start          string
	End            string
	PractitionerID string
}

// Validate checks required fields and that End is strictly after Start.
func (r BookingRequest) Validate() error {
	for _, f := range []struct{ name, value string }{
		{"slotResourceId", r.SlotID},
		{"start", r.Start},
		{"end", r.End},
		{"practitionerId", r.PractitionerID},
	} {
		if strings.TrimSpace(f.value) == "" {
			return validationErrorf("%s is required", f.name)
		}
	}

	start, err := time.Parse(time.RFC3339, r.Start)
	if err != nil {
		return validationErrorf("start must be an RFC 3339 date-time: %v", err)
	}
	end, err := time.Parse(time.RFC3339, r.End)
	if err != nil {
		return validationErrorf("end must be an RFC 3339 date-time: %v", err)
	}
	if !end.After(start) {
		return validationErrorf("end (%s) must be after start (%s)", r.End, r.Start)
	}
	return nil
}

func requireID(name, id string) error {
	if strings.TrimSpace(id) == "" {
		return validationErrorf("%s is required", name)
	}
	return nil
}
