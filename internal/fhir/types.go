package fhir

import "encoding/json"

// Resource type names.
const (
	ResourceSchedule     = "Schedule"
	ResourceSlot         = "Slot"
	ResourceAppointment  = "Appointment"
	ResourcePractitioner = "Practitioner"
)

// SlotStatus enumerates FHIR Slot.status values.
// docs: https://hl7.org/fhir/R4/valueset-slotstatus.html
type SlotStatus string

const (
	SlotStatusBusy            SlotStatus = "busy"
	SlotStatusFree            SlotStatus = "free"
	SlotStatusBusyUnavailable SlotStatus = "busy-unavailable"
	SlotStatusBusyTentative   SlotStatus = "busy-tentative"
	SlotStatusEnteredInError  SlotStatus = "entered-in-error"
)

// AppointmentStatus enumerates FHIR Appointment.status values.
// docs: https://hl7.org/fhir/R4/valueset-appointmentstatus.html
type AppointmentStatus string

const (
	AppointmentStatusProposed       AppointmentStatus = "proposed"
	AppointmentStatusPending        AppointmentStatus = "pending"
	AppointmentStatusBooked         AppointmentStatus = "booked"
	AppointmentStatusArrived        AppointmentStatus = "arrived"
	AppointmentStatusFulfilled      AppointmentStatus = "fulfilled"
	AppointmentStatusCancelled      AppointmentStatus = "cancelled"
	AppointmentStatusNoShow         AppointmentStatus = "noshow"
	AppointmentStatusEnteredInError AppointmentStatus = "entered-in-error"
	AppointmentStatusCheckedIn      AppointmentStatus = "checked-in"
	AppointmentStatusWaitlist       AppointmentStatus = "waitlist"
)

// ParticipationStatus enumerates Appointment.participant.status values.
type ParticipationStatus string

const (
	ParticipationAccepted    ParticipationStatus = "accepted"
	ParticipationDeclined    ParticipationStatus = "declined"
	ParticipationTentative   ParticipationStatus = "tentative"
	ParticipationNeedsAction ParticipationStatus = "needs-action"
)

type Meta struct {
	VersionID   string `json:"versionId,omitempty"`
	LastUpdated string `json:"lastUpdated,omitempty"`
}

type Coding struct {
	System  string `json:"system,omitempty"`
	Code    string `json:"code,omitempty"`
	Display string `json:"display,omitempty"`
}

type CodeableConcept struct {
	Coding []Coding `json:"coding,omitempty"`
	Text   string   `json:"text,omitempty"`
}

type Identifier struct {
	System string `json:"system,omitempty"`
	Value  string `json:"value,omitempty"`
}

type Period struct {
	Start string `json:"start,omitempty"`
	End   string `json:"end,omitempty"`
}

// ResourceReference is the wire form of a FHIR Reference element.
type ResourceReference struct {
	Reference string `json:"reference,omitempty"`
	Display   string `json:"display,omitempty"`
}

// Parse returns the typed form of the literal reference.
func (r ResourceReference) Parse() (Reference, error) {
	return ParseReference(r.Reference)
}

// RefTo builds a wire reference from a typed one.
func RefTo(ref Reference) ResourceReference {
	return ResourceReference{Reference: ref.String()}
}

// Schedule, Slot and Appointment decoded from the store keep the JSON they
// were decoded from and marshal back to it unchanged, so elements without a
// typed field reach the caller. Values built in code marshal their fields.

type Schedule struct {
	ResourceType    string              `json:"resourceType"`
	ID              string              `json:"id,omitempty"`
	Meta            *Meta               `json:"meta,omitempty"`
	Identifier      []Identifier        `json:"identifier,omitempty"`
	Active          *bool               `json:"active,omitempty"`
	ServiceCategory []CodeableConcept   `json:"serviceCategory,omitempty"`
	ServiceType     []CodeableConcept   `json:"serviceType,omitempty"`
	Specialty       []CodeableConcept   `json:"specialty,omitempty"`
	Actor           []ResourceReference `json:"actor,omitempty"`
	PlanningHorizon *Period             `json:"planningHorizon,omitempty"`
	Comment         string              `json:"comment,omitempty"`

	raw json.RawMessage
}

type Slot struct {
	ResourceType    string            `json:"resourceType"`
	ID              string            `json:"id,omitempty"`
	Meta            *Meta             `json:"meta,omitempty"`
	Identifier      []Identifier      `json:"identifier,omitempty"`
	ServiceType     []CodeableConcept `json:"serviceType,omitempty"`
	AppointmentType *CodeableConcept  `json:"appointmentType,omitempty"`
	Schedule        ResourceReference `json:"schedule"`
	Status          SlotStatus        `json:"status"`
	Start           string            `json:"start"`
	End             string            `json:"end"`
	Overbooked      bool              `json:"overbooked,omitempty"`
	Comment         string            `json:"comment,omitempty"`

	raw json.RawMessage
}

type AppointmentParticipant struct {
	Actor    *ResourceReference  `json:"actor,omitempty"`
	Required string              `json:"required,omitempty"`
	Status   ParticipationStatus `json:"status"`
}

type Appointment struct {
	ResourceType      string                   `json:"resourceType"`
	ID                string                   `json:"id,omitempty"`
	Meta              *Meta                    `json:"meta,omitempty"`
	Identifier        []Identifier             `json:"identifier,omitempty"`
	Status            AppointmentStatus        `json:"status"`
	CancelationReason *CodeableConcept         `json:"cancelationReason,omitempty"`
	Description       string                   `json:"description,omitempty"`
	Start             string                   `json:"start,omitempty"`
	End               string                   `json:"end,omitempty"`
	Created           string                   `json:"created,omitempty"`
	Comment           string                   `json:"comment,omitempty"`
	Slot              []ResourceReference      `json:"slot,omitempty"`
	Participant       []AppointmentParticipant `json:"participant"`

	raw json.RawMessage
}

type (
	scheduleFields    Schedule
	slotFields        Slot
	appointmentFields Appointment
)

// Raw returns the JSON the Schedule was decoded from, or nil.
func (s Schedule) Raw() json.RawMessage { return s.raw }

func (s *Schedule) UnmarshalJSON(data []byte) error {
	var f scheduleFields
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	*s = Schedule(f)
	s.raw = append(json.RawMessage(nil), data...)
	return nil
}

func (s Schedule) MarshalJSON() ([]byte, error) {
	if len(s.raw) > 0 {
		return s.raw, nil
	}
	return json.Marshal(scheduleFields(s))
}

// Raw returns the JSON the Slot was decoded from, or nil.
func (s Slot) Raw() json.RawMessage { return s.raw }

func (s *Slot) UnmarshalJSON(data []byte) error {
	var f slotFields
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	*s = Slot(f)
	s.raw = append(json.RawMessage(nil), data...)
	return nil
}

func (s Slot) MarshalJSON() ([]byte, error) {
	if len(s.raw) > 0 {
		return s.raw, nil
	}
	return json.Marshal(slotFields(s))
}

// Raw returns the JSON the Appointment was decoded from, or nil.
func (a Appointment) Raw() json.RawMessage { return a.raw }

func (a *Appointment) UnmarshalJSON(data []byte) error {
	var f appointmentFields
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	*a = Appointment(f)
	a.raw = append(json.RawMessage(nil), data...)
	return nil
}

func (a Appointment) MarshalJSON() ([]byte, error) {
	if len(a.raw) > 0 {
		return a.raw, nil
	}
	return json.Marshal(appointmentFields(a))
}
