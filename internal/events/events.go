// Package events publishes scheduling events (bookings, cancellations and
// unrecovered inconsistencies) to a log or a Kafka topic.
package events

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Event types.
const (
	TypeAppointmentBooked    = "appointment.booked"
	TypeAppointmentCancelled = "appointment.cancelled"
	TypeInconsistentState    = "scheduling.inconsistent"
)

// Event is the payload published for every scheduling state change.
type Event struct {
	ID             string    `json:"id"`
	Type           string    `json:"type"`
	AppointmentID  string    `json:"appointmentId,omitempty"`
	SlotID         string    `json:"slotId,omitempty"`
	PractitionerID string    `json:"practitionerId,omitempty"`
	Start          string    `json:"start,omitempty"`
	End            string    `json:"end,omitempty"`
	Detail         string    `json:"detail,omitempty"`
	OccurredAt     time.Time `json:"occurredAt"`
}

// New returns an event of the given type with a fresh id and timestamp.
func New(eventType string) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       eventType,
		OccurredAt: time.Now().UTC(),
	}
}

// Key is the partitioning key: the appointment id, or the slot id.
func (e Event) Key() string {
	if e.AppointmentID != "" {
		return e.AppointmentID
	}
	return e.SlotID
}

// Publisher delivers events. Publish must be safe for concurrent use.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// LogPublisher writes events to a structured logger. It is the default
// when no broker is configured.
type LogPublisher struct {
	logger *slog.Logger
}

var _ Publisher = (*LogPublisher)(nil)

// NewLogPublisher creates a LogPublisher. A nil logger uses slog.Default().
func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogPublisher{logger: logger}
}

// Publish implements Publisher.
func (p *LogPublisher) Publish(ctx context.Context, e Event) error {
	level := slog.LevelInfo
	if e.Type == TypeInconsistentState {
		level = slog.LevelError
	}
	p.logger.Log(ctx, level, "scheduling event",
		slog.String("event_id", e.ID),
		slog.String("event_type", e.Type),
		slog.String("appointment_id", e.AppointmentID),
		slog.String("slot_id", e.SlotID),
		slog.String("detail", e.Detail),
	)
	return nil
}

// Close implements Publisher.
func (p *LogPublisher) Close() error { return nil }
