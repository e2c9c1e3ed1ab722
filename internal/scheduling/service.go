// Package scheduling implements the scheduling operations over a FHIR store:
// listing schedules and free slots, booking an Appointment against a Slot,
// and cancelling it again.
//
// Booking and cancelling each take two writes that the store cannot make
// atomic. Both are guarded: bookings hold a per-slot lock and reserve the
// slot with a conditional JSON Patch, and a failed second write is undone
// by one compensating write. When that also fails the caller gets an
// *InconsistentStateError and the pair is recorded in the Ledger for the
// Reconciler.
package scheduling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/teemow/fhir-scheduling-mcp/internal/events"
	"github.com/teemow/fhir-scheduling-mcp/internal/fhir"
	"github.com/teemow/fhir-scheduling-mcp/internal/instrumentation"
	"github.com/teemow/fhir-scheduling-mcp/internal/lock"
	"github.com/teemow/fhir-scheduling-mcp/internal/logging"
)

const (
	// DefaultLockTTL bounds how long a booking may hold its slot lock.
	DefaultLockTTL = 30 * time.Second

	// DefaultCompensationTimeout bounds the compensating write, which runs
	// even when the caller's context is already cancelled.
	DefaultCompensationTimeout = 10 * time.Second
)

// Service runs the scheduling operations. It is safe for concurrent use.
type Service struct {
	store               fhir.Store
	locker              lock.Locker
	publisher           events.Publisher
	ledger              Ledger
	logger              *slog.Logger
	metrics             *instrumentation.Metrics
	lockTTL             time.Duration
	compensationTimeout time.Duration
}

// Option configures a Service.
type Option func(*Service)

// WithLocker sets the slot lock backend. Defaults to a process-local lock.
func WithLocker(l lock.Locker) Option {
	return func(s *Service) { s.locker = l }
}

// WithPublisher sets the event publisher. Defaults to logging events.
func WithPublisher(p events.Publisher) Option {
	return func(s *Service) { s.publisher = p }
}

// WithLedger sets where inconsistencies are recorded. Without one they are only logged.
func WithLedger(l Ledger) Option {
	return func(s *Service) { s.ledger = l }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

func WithMetrics(m *instrumentation.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func WithLockTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.lockTTL = ttl
		}
	}
}

func WithCompensationTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.compensationTimeout = d
		}
	}
}

// NewService creates a Service over store.
func NewService(store fhir.Store, opts ...Option) *Service {
	s := &Service{
		store:               store,
		lockTTL:             DefaultLockTTL,
		compensationTimeout: DefaultCompensationTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.locker == nil {
		s.locker = lock.NewMemoryLocker()
	}
	if s.publisher == nil {
		s.publisher = events.NewLogPublisher(s.logger)
	}
	return s
}

// ListSchedules returns every Schedule, unfiltered.
func (s *Service) ListSchedules(ctx context.Context) ([]fhir.Schedule, error) {
	schedules, err := fhir.SearchResources[fhir.Schedule](ctx, s.store, fhir.ResourceSchedule, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to search schedules: %w", err)
	}
	return schedules, nil
}

// GetSchedule reads one Schedule.
func (s *Service) GetSchedule(ctx context.Context, scheduleID string) (*fhir.Schedule, error) {
	if err := requireID("scheduleResourceId", scheduleID); err != nil {
		return nil, err
	}
	schedule, err := fhir.ReadResource[fhir.Schedule](ctx, s.store, fhir.ResourceSchedule, scheduleID)
	if err != nil {
		return nil, fmt.Errorf("failed to read schedule %s: %w", scheduleID, err)
	}
	return schedule, nil
}

// ListFreeSlots returns the free Slots of a Schedule in store order.
// Entries the store returns that are not free or belong to another
// schedule are dropped.
func (s *Service) ListFreeSlots(ctx context.Context, scheduleID string) ([]fhir.Slot, error) {
	if err := requireID("scheduleResourceId", scheduleID); err != nil {
		return nil, err
	}

	scheduleRef := fhir.NewReference(fhir.ResourceSchedule, scheduleID)
	params := url.Values{}
	params.Set("schedule", scheduleRef.String())
	params.Set("status", string(fhir.SlotStatusFree))

	slots, err := fhir.SearchResources[fhir.Slot](ctx, s.store, fhir.ResourceSlot, params)
	if err != nil {
		return nil, fmt.Errorf("failed to search slots of schedule %s: %w", scheduleID, err)
	}

	free := make([]fhir.Slot, 0, len(slots))
	for _, slot := range slots {
		ref, err := slot.Schedule.Parse()
		if slot.Status != fhir.SlotStatusFree || err != nil || ref != scheduleRef {
			s.logger.Debug("dropping slot that does not match the search",
				logging.ResourceID(slot.ID), slog.String("status", string(slot.Status)))
			continue
		}
		free = append(free, slot)
	}
	return free, nil
}

// GetSlot reads one Slot.
func (s *Service) GetSlot(ctx context.Context, slotID string) (*fhir.Slot, error) {
	if err := requireID("slotResourceId", slotID); err != nil {
		return nil, err
	}
	slot, err := fhir.ReadResource[fhir.Slot](ctx, s.store, fhir.ResourceSlot, slotID)
	if err != nil {
		return nil, fmt.Errorf("failed to read slot %s: %w", slotID, err)
	}
	return slot, nil
}

// GetAppointment reads one Appointment.
func (s *Service) GetAppointment(ctx context.Context, appointmentID string) (*fhir.Appointment, error) {
	if err := requireID("appointmentResourceId", appointmentID); err != nil {
		return nil, err
	}
	appt, err := fhir.ReadResource[fhir.Appointment](ctx, s.store, fhir.ResourceAppointment, appointmentID)
	if err != nil {
		return nil, fmt.Errorf("failed to read appointment %s: %w", appointmentID, err)
	}
	return appt, nil
}

// BookAppointment creates a booked Appointment for a free Slot and marks
// the Slot busy-unavailable.
//
// The slot must exist and be free before anything is written. The slot
// update only applies if the slot is still free; if it fails the new
// Appointment is cancelled again.
func (s *Service) BookAppointment(ctx context.Context, req BookingRequest) (*fhir.Appointment, error) {
	if err := req.Validate(); err != nil {
		s.metrics.RecordBooking(ctx, instrumentation.BookingResultFailed)
		return nil, err
	}
	logger := logging.WithResource(logging.WithOperation(s.logger, "book_appointment"), fhir.ResourceSlot, req.SlotID)

	release, err := s.lockSlot(ctx, logger, req.SlotID)
	if err != nil {
		s.recordBookingError(ctx, err)
		return nil, err
	}
	defer release()

	slot, err := fhir.ReadResource[fhir.Slot](ctx, s.store, fhir.ResourceSlot, req.SlotID)
	if err != nil {
		s.metrics.RecordBooking(ctx, instrumentation.BookingResultFailed)
		return nil, fmt.Errorf("failed to read slot %s: %w", req.SlotID, err)
	}
	if slot.Status != fhir.SlotStatusFree {
		s.metrics.RecordBooking(ctx, instrumentation.BookingResultUnavailable)
		return nil, fmt.Errorf("%w: slot %s is %s", ErrSlotUnavailable, req.SlotID, slot.Status)
	}

	slotRef := fhir.NewReference(fhir.ResourceSlot, req.SlotID)
	practitionerRef := fhir.RefTo(fhir.NewReference(fhir.ResourcePractitioner, req.PractitionerID))
	appt, err := fhir.CreateResource(ctx, s.store, fhir.ResourceAppointment, &fhir.Appointment{
		ResourceType: fhir.ResourceAppointment,
		Status:       fhir.AppointmentStatusBooked,
		Start:        req.Start,
		End:          req.End,
		Slot:         []fhir.ResourceReference{fhir.RefTo(slotRef)},
		Participant: []fhir.AppointmentParticipant{{
			Actor:  &practitionerRef,
			Status: fhir.ParticipationAccepted,
		}},
	})
	if err != nil {
		s.metrics.RecordBooking(ctx, instrumentation.BookingResultFailed)
		return nil, fmt.Errorf("failed to create appointment for slot %s: %w", req.SlotID, err)
	}
	logger = logger.With(slog.String("appointment_id", appt.ID))

	_, err = s.store.Patch(ctx, fhir.ResourceSlot, req.SlotID, []fhir.PatchOperation{
		fhir.Test("/status", fhir.SlotStatusFree),
		fhir.Replace("/status", fhir.SlotStatusBusyUnavailable),
		fhir.Add("/comment", "Booked by appointment "+appt.ID),
	})
	if err != nil {
		return nil, s.compensateBooking(ctx, logger, appt.ID, req.SlotID, err)
	}

	s.metrics.RecordBooking(ctx, instrumentation.BookingResultBooked)
	logger.Info("appointment booked")

	e := events.New(events.TypeAppointmentBooked)
	e.AppointmentID = appt.ID
	e.SlotID = req.SlotID
	e.PractitionerID = req.PractitionerID
	e.Start = req.Start
	e.End = req.End
	s.publish(ctx, e)

	return appt, nil
}

func (s *Service) compensateBooking(ctx context.Context, logger *slog.Logger, appointmentID, slotID string, writeErr error) error {
	cause := writeErr
	if errors.Is(writeErr, fhir.ErrConflict) {
		cause = fmt.Errorf("%w: slot %s was taken concurrently: %w", ErrSlotUnavailable, slotID, writeErr)
	}

	compCtx, cancel := s.compensationContext(ctx)
	defer cancel()

	_, compErr := s.store.Patch(compCtx, fhir.ResourceAppointment, appointmentID, []fhir.PatchOperation{
		fhir.Replace("/status", fhir.AppointmentStatusCancelled),
	})
	if compErr == nil {
		logger.Warn("slot reservation failed, appointment cancelled", logging.Err(writeErr))
		if errors.Is(cause, ErrSlotUnavailable) {
			s.metrics.RecordBooking(ctx, instrumentation.BookingResultUnavailable)
		} else {
			s.metrics.RecordBooking(ctx, instrumentation.BookingResultCompensated)
		}
		return fmt.Errorf("failed to reserve slot %s: %w", slotID, cause)
	}

	s.metrics.RecordBooking(ctx, instrumentation.BookingResultInconsistent)
	inc := &InconsistentStateError{
		Operation:       OperationBook,
		AppointmentID:   appointmentID,
		SlotID:          slotID,
		RepairAction:    RepairCancelAppointment,
		Cause:           cause,
		CompensationErr: compErr,
	}
	s.reportInconsistency(ctx, logger, inc)
	return inc
}

// CancelAppointment cancels an Appointment and frees its Slot.
//
// An already cancelled Appointment is returned unchanged. An Appointment
// without a slot reference is cancelled and no slot is touched. If the
// slot cannot be freed the Appointment's previous status is restored.
func (s *Service) CancelAppointment(ctx context.Context, appointmentID string) (*fhir.Appointment, error) {
	if err := requireID("appointmentResourceId", appointmentID); err != nil {
		return nil, err
	}
	logger := logging.WithResource(logging.WithOperation(s.logger, "cancel_appointment"), fhir.ResourceAppointment, appointmentID)

	appt, err := fhir.ReadResource[fhir.Appointment](ctx, s.store, fhir.ResourceAppointment, appointmentID)
	if err != nil {
		return nil, fmt.Errorf("failed to read appointment %s: %w", appointmentID, err)
	}
	if appt.Status == fhir.AppointmentStatusCancelled {
		logger.Info("appointment already cancelled")
		return appt, nil
	}

	slotRef, hasSlot, err := appointmentSlot(appt)
	if err != nil {
		return nil, err
	}

	if hasSlot {
		release, err := s.lockSlot(ctx, logger, slotRef.ID)
		if err != nil {
			return nil, err
		}
		defer release()
	}

	previous := appt.Status
	cancelled, err := fhir.PatchResource[fhir.Appointment](ctx, s.store, fhir.ResourceAppointment, appointmentID, []fhir.PatchOperation{
		fhir.Test("/status", previous),
		fhir.Replace("/status", fhir.AppointmentStatusCancelled),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to cancel appointment %s: %w", appointmentID, err)
	}

	if !hasSlot {
		logger.Info("appointment has no slot reference, no slot freed")
		s.publishCancelled(ctx, appointmentID, "")
		return cancelled, nil
	}

	_, err = s.store.Patch(ctx, fhir.ResourceSlot, slotRef.ID, []fhir.PatchOperation{
		fhir.Replace("/status", fhir.SlotStatusFree),
	})
	if err != nil {
		return nil, s.compensateCancel(ctx, logger, appointmentID, slotRef.ID, previous, err)
	}

	logger.Info("appointment cancelled", slog.String("slot_id", slotRef.ID))
	s.publishCancelled(ctx, appointmentID, slotRef.ID)
	return cancelled, nil
}

func (s *Service) compensateCancel(ctx context.Context, logger *slog.Logger, appointmentID, slotID string, previous fhir.AppointmentStatus, writeErr error) error {
	compCtx, cancel := s.compensationContext(ctx)
	defer cancel()

	_, compErr := s.store.Patch(compCtx, fhir.ResourceAppointment, appointmentID, []fhir.PatchOperation{
		fhir.Replace("/status", previous),
	})
	if compErr == nil {
		logger.Warn("freeing slot failed, appointment status restored",
			slog.String("slot_id", slotID), slog.String("status", string(previous)), logging.Err(writeErr))
		return fmt.Errorf("failed to free slot %s: %w", slotID, writeErr)
	}

	inc := &InconsistentStateError{
		Operation:       OperationCancel,
		AppointmentID:   appointmentID,
		SlotID:          slotID,
		RepairAction:    RepairFreeSlot,
		Cause:           writeErr,
		CompensationErr: compErr,
	}
	s.reportInconsistency(ctx, logger, inc)
	return inc
}

// appointmentSlot returns the Slot referenced by slot[0]. A missing reference
// is not an error; a malformed one or one to another resource type is.
func appointmentSlot(appt *fhir.Appointment) (fhir.Reference, bool, error) {
	if len(appt.Slot) == 0 || appt.Slot[0].Reference == "" {
		return fhir.Reference{}, false, nil
	}
	ref, err := appt.Slot[0].Parse()
	if err != nil {
		return fhir.Reference{}, false, fmt.Errorf("%w: appointment %s: %w", ErrValidation, appt.ID, err)
	}
	if !ref.Is(fhir.ResourceSlot) {
		return fhir.Reference{}, false, fmt.Errorf("%w: appointment %s: %w: %q is not a Slot",
			ErrValidation, appt.ID, fhir.ErrMalformedReference, ref.String())
	}
	return ref, true, nil
}

// lockSlot takes the slot lock and returns its release func.
func (s *Service) lockSlot(ctx context.Context, logger *slog.Logger, slotID string) (func(), error) {
	key := lock.SlotKey(slotID)
	token, ok, err := s.locker.TryLock(ctx, key, s.lockTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to lock slot %s: %w", slotID, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: slot %s is locked by another request", ErrSlotUnavailable, slotID)
	}
	return func() {
		if err := s.locker.Unlock(context.WithoutCancel(ctx), key, token); err != nil {
			logger.Warn("failed to release slot lock", logging.Err(err))
		}
	}, nil
}

func (s *Service) recordBookingError(ctx context.Context, err error) {
	if errors.Is(err, ErrSlotUnavailable) {
		s.metrics.RecordBooking(ctx, instrumentation.BookingResultUnavailable)
		return
	}
	s.metrics.RecordBooking(ctx, instrumentation.BookingResultFailed)
}

func (s *Service) compensationContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), s.compensationTimeout)
}

func (s *Service) reportInconsistency(ctx context.Context, logger *slog.Logger, inc *InconsistentStateError) {
	ctx = context.WithoutCancel(ctx)
	s.metrics.RecordInconsistency(ctx, inc.Operation)
	logger.Error("slot and appointment left inconsistent",
		slog.String("slot_id", inc.SlotID),
		slog.String("repair_action", inc.RepairAction),
		logging.Err(inc))

	if s.ledger != nil {
		if _, err := s.ledger.Record(ctx, NewInconsistency(inc)); err != nil {
			logger.Error("failed to record inconsistency", logging.Err(err))
		}
	}

	e := events.New(events.TypeInconsistentState)
	e.AppointmentID = inc.AppointmentID
	e.SlotID = inc.SlotID
	e.Detail = inc.Error()
	s.publish(ctx, e)
}

func (s *Service) publishCancelled(ctx context.Context, appointmentID, slotID string) {
	e := events.New(events.TypeAppointmentCancelled)
	e.AppointmentID = appointmentID
	e.SlotID = slotID
	s.publish(ctx, e)
}

// publish never fails the operation; the store writes already happened.
func (s *Service) publish(ctx context.Context, e events.Event) {
	ctx = context.WithoutCancel(ctx)
	if err := s.publisher.Publish(ctx, e); err != nil {
		s.metrics.RecordEventPublished(ctx, e.Type, instrumentation.StatusError)
		s.logger.Warn("failed to publish scheduling event",
			slog.String("event_type", e.Type), slog.String("event_id", e.ID), logging.Err(err))
		return
	}
	s.metrics.RecordEventPublished(ctx, e.Type, instrumentation.StatusSuccess)
}
