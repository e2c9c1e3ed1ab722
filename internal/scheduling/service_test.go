package scheduling

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teemow/fhir-scheduling-mcp/internal/events"
	"github.com/teemow/fhir-scheduling-mcp/internal/fhir"
	"github.com/teemow/fhir-scheduling-mcp/internal/fhir/fhirtest"
	"github.com/teemow/fhir-scheduling-mcp/internal/lock"
)

func TestListSchedules(t *testing.T) {
	f := newFixture()
	f.store.Put(fhir.ResourceSchedule, fhir.Schedule{ID: "SC2"})

	schedules, err := f.svc.ListSchedules(context.Background())
	require.NoError(t, err)
	require.Len(t, schedules, 2)
	assert.Equal(t, testSchedule, schedules[0].ID)
}

func TestListSchedules_StoreFailurePropagates(t *testing.T) {
	f := newFixture()
	f.store.FailOn(fhirtest.MethodSearch, fhir.ResourceSchedule, errStoreDown)

	_, err := f.svc.ListSchedules(context.Background())
	require.Error(t, err)
	assert.Equal(t, CategoryRemote, Classify(err))
}

func TestGetSchedule(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	schedule, err := f.svc.GetSchedule(ctx, testSchedule)
	require.NoError(t, err)
	assert.Equal(t, testSchedule, schedule.ID)

	_, err = f.svc.GetSchedule(ctx, "missing")
	assert.ErrorIs(t, err, fhir.ErrNotFound)
	assert.Equal(t, CategoryNotFound, Classify(err))

	_, err = f.svc.GetSchedule(ctx, "  ")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestListFreeSlots_OnlyFreeSlotsOfSchedule(t *testing.T) {
	f := newFixture()
	f.putSlot("S2", testSchedule, fhir.SlotStatusBusyUnavailable)
	f.putSlot("S3", "SC2", fhir.SlotStatusFree)
	f.putSlot("S4", testSchedule, fhir.SlotStatusFree)

	slots, err := f.svc.ListFreeSlots(context.Background(), testSchedule)
	require.NoError(t, err)

	ids := make([]string, 0, len(slots))
	for _, s := range slots {
		assert.Equal(t, fhir.SlotStatusFree, s.Status)
		assert.Equal(t, "Schedule/"+testSchedule, s.Schedule.Reference)
		ids = append(ids, s.ID)
	}
	assert.ElementsMatch(t, []string{testSlot, "S4"}, ids)

	searches := f.store.CallsTo(fhirtest.MethodSearch, fhir.ResourceSlot)
	require.Len(t, searches, 1)
}

func TestListFreeSlots_DropsEntriesTheStoreShouldHaveFiltered(t *testing.T) {
	f := newFixture()
	f.putSlot("S2", testSchedule, fhir.SlotStatusBusy)
	f.putSlot("S3", "SC2", fhir.SlotStatusFree)
	svc := NewService(unfilteredStore{f.store})

	slots, err := svc.ListFreeSlots(context.Background(), testSchedule)
	require.NoError(t, err)
	require.Len(t, slots, 1)
	assert.Equal(t, testSlot, slots[0].ID)
}

func TestReads_ReturnStoredResourceUnchanged(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	f.store.Put(fhir.ResourceSchedule, json.RawMessage(`{"id":"SC2","active":true,
		"text":{"status":"generated","div":"<div>Dr. B</div>"},
		"extension":[{"url":"http://example.org/booking-window","valueDuration":{"value":14,"unit":"d"}}]}`))
	f.store.Put(fhir.ResourceSlot, json.RawMessage(`{"id":"S9","status":"free",
		"schedule":{"reference":"Schedule/SC2"},"start":"`+testStart+`","end":"`+testEnd+`",
		"specialty":[{"text":"General practice"}]}`))
	f.store.Put(fhir.ResourceAppointment, json.RawMessage(`{"id":"A1","status":"booked","minutesDuration":30,
		"appointmentType":{"text":"FOLLOWUP"},"reasonCode":[{"text":"checkup"}],
		"participant":[{"type":[{"text":"ATND"}],"actor":{"reference":"Patient/1"},"status":"accepted"}]}`))

	encode := func(v any) string {
		data, err := json.Marshal(v)
		require.NoError(t, err)
		return string(data)
	}

	schedules, err := f.svc.ListSchedules(ctx)
	require.NoError(t, err)
	listed := encode(schedules)
	assert.Contains(t, listed, `"extension"`)
	assert.Contains(t, listed, `"text"`)

	schedule, err := f.svc.GetSchedule(ctx, "SC2")
	require.NoError(t, err)
	assert.Contains(t, encode(schedule), "booking-window")

	slots, err := f.svc.ListFreeSlots(ctx, "SC2")
	require.NoError(t, err)
	require.Len(t, slots, 1)
	assert.Contains(t, encode(slots), "General practice")

	appt, err := f.svc.GetAppointment(ctx, "A1")
	require.NoError(t, err)
	got := encode(appt)
	assert.Contains(t, got, `"minutesDuration":30`)
	assert.Contains(t, got, `"appointmentType":{"text":"FOLLOWUP"}`)
	assert.Contains(t, got, `"reasonCode"`)
	assert.Contains(t, got, `"type":[{"text":"ATND"}]`)
}

func TestListFreeSlots_AcceptsAbsoluteScheduleReference(t *testing.T) {
	f := newFixture()
	f.store.Put(fhir.ResourceSlot, fhir.Slot{
		ID:       "S2",
		Schedule: fhir.ResourceReference{Reference: "https://api.medplum.com/fhir/R4/Schedule/" + testSchedule},
		Status:   fhir.SlotStatusFree,
		Start:    testStart,
		End:      testEnd,
	})
	f.store.Put(fhir.ResourceSlot, fhir.Slot{
		ID:       "S3",
		Schedule: fhir.ResourceReference{Reference: "https://api.medplum.com/fhir/R4/Schedule/SC2"},
		Status:   fhir.SlotStatusFree,
	})
	svc := NewService(unfilteredStore{f.store})

	slots, err := svc.ListFreeSlots(context.Background(), testSchedule)
	require.NoError(t, err)

	ids := make([]string, 0, len(slots))
	for _, s := range slots {
		ids = append(ids, s.ID)
	}
	assert.ElementsMatch(t, []string{testSlot, "S2"}, ids)
}

func TestListFreeSlots_RequiresScheduleID(t *testing.T) {
	f := newFixture()
	_, err := f.svc.ListFreeSlots(context.Background(), "")
	assert.ErrorIs(t, err, ErrValidation)
	assert.Empty(t, f.store.Calls())
}

func TestBookAppointment_Success(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	appt, err := f.svc.BookAppointment(ctx, validRequest())
	require.NoError(t, err)
	require.NotEmpty(t, appt.ID)

	got, err := f.svc.GetAppointment(ctx, appt.ID)
	require.NoError(t, err)
	assert.Equal(t, fhir.AppointmentStatusBooked, got.Status)
	assert.Equal(t, testStart, got.Start)
	assert.Equal(t, testEnd, got.End)
	require.Len(t, got.Slot, 1)
	assert.Equal(t, "Slot/"+testSlot, got.Slot[0].Reference)
	require.Len(t, got.Participant, 1)
	assert.Equal(t, "Practitioner/"+testPractitioner, got.Participant[0].Actor.Reference)
	assert.Equal(t, fhir.ParticipationAccepted, got.Participant[0].Status)

	for i := 0; i < 2; i++ {
		slot, err := f.svc.GetSlot(ctx, testSlot)
		require.NoError(t, err)
		assert.Equal(t, fhir.SlotStatusBusyUnavailable, slot.Status)
		assert.Contains(t, slot.Comment, appt.ID)
	}

	assert.Equal(t, []string{events.TypeAppointmentBooked}, f.publisher.types())
	assert.Empty(t, f.ledger.records)
}

func TestBookAppointment_ValidationBeforeAnyWrite(t *testing.T) {
	tests := []struct {
		name string
		mod  func(*BookingRequest)
	}{
		{name: "end equals start", mod: func(r *BookingRequest) { r.End = r.Start }},
		{name: "end before start", mod: func(r *BookingRequest) { r.End = "2025-01-01T09:00:00Z" }},
		{name: "missing slot", mod: func(r *BookingRequest) { r.SlotID = "" }},
		{name: "missing practitioner", mod: func(r *BookingRequest) { r.PractitionerID = " " }},
		{name: "bad start", mod: func(r *BookingRequest) { r.Start = "tomorrow" }},
		{name: "date only end", mod: func(r *BookingRequest) { r.End = "2025-01-02" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			req := validRequest()
			tt.mod(&req)

			_, err := f.svc.BookAppointment(context.Background(), req)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrValidation)
			assert.Equal(t, CategoryValidation, Classify(err))
			assert.Empty(t, f.store.Calls(), "no store call may happen on invalid input")
		})
	}
}

func TestBookAppointment_MissingSlotCreatesNothing(t *testing.T) {
	f := newFixture()
	req := validRequest()
	req.SlotID = "does-not-exist"

	_, err := f.svc.BookAppointment(context.Background(), req)
	require.Error(t, err)
	assert.ErrorIs(t, err, fhir.ErrNotFound)
	assert.Empty(t, f.store.CallsTo(fhirtest.MethodCreate, fhir.ResourceAppointment))
	assert.Empty(t, f.store.CallsTo(fhirtest.MethodPatch, fhir.ResourceSlot))
}

func TestBookAppointment_SlotNotFree(t *testing.T) {
	f := newFixture()
	f.putSlot(testSlot, testSchedule, fhir.SlotStatusBusyUnavailable)

	_, err := f.svc.BookAppointment(context.Background(), validRequest())
	assert.ErrorIs(t, err, ErrSlotUnavailable)
	assert.Equal(t, CategorySlotUnavailable, Classify(err))
	assert.Empty(t, f.store.CallsTo(fhirtest.MethodCreate, fhir.ResourceAppointment))
}

func TestBookAppointment_CreateFailureLeavesSlotAlone(t *testing.T) {
	f := newFixture()
	f.store.FailOn(fhirtest.MethodCreate, fhir.ResourceAppointment, errStoreDown)

	_, err := f.svc.BookAppointment(context.Background(), validRequest())
	require.Error(t, err)
	assert.Empty(t, f.store.CallsTo(fhirtest.MethodPatch, fhir.ResourceSlot))

	slot := fhirtest.Get[fhir.Slot](t, f.store, fhir.ResourceSlot, testSlot)
	assert.Equal(t, fhir.SlotStatusFree, slot.Status)
}

func TestBookAppointment_ConcurrentReservationIsCompensated(t *testing.T) {
	f := newFixture()
	// Another writer takes the slot between our read and our patch.
	f.store.Before(fhirtest.MethodPatch, fhir.ResourceSlot, func() {
		f.putSlot(testSlot, testSchedule, fhir.SlotStatusBusyUnavailable)
	})

	_, err := f.svc.BookAppointment(context.Background(), validRequest())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSlotUnavailable)
	assert.ErrorIs(t, err, fhir.ErrConflict)
	assert.NotErrorIs(t, err, ErrInconsistentState)

	creates := f.store.CallsTo(fhirtest.MethodCreate, fhir.ResourceAppointment)
	require.Len(t, creates, 1)
	appt := fhirtest.Get[fhir.Appointment](t, f.store, fhir.ResourceAppointment, creates[0].ID)
	assert.Equal(t, fhir.AppointmentStatusCancelled, appt.Status)
	assert.Empty(t, f.publisher.types())
}

func TestBookAppointment_SlotPatchFailureIsCompensated(t *testing.T) {
	f := newFixture()
	f.store.FailOn(fhirtest.MethodPatch, fhir.ResourceSlot, errStoreDown)

	_, err := f.svc.BookAppointment(context.Background(), validRequest())
	require.Error(t, err)
	assert.Equal(t, CategoryRemote, Classify(err))

	creates := f.store.CallsTo(fhirtest.MethodCreate, fhir.ResourceAppointment)
	require.Len(t, creates, 1)
	appt := fhirtest.Get[fhir.Appointment](t, f.store, fhir.ResourceAppointment, creates[0].ID)
	assert.Equal(t, fhir.AppointmentStatusCancelled, appt.Status)
	assert.Len(t, f.store.CallsTo(fhirtest.MethodPatch, fhir.ResourceAppointment), 1, "compensation is attempted exactly once")
	assert.Empty(t, f.ledger.records)
}

func TestBookAppointment_CompensationFailureIsInconsistentState(t *testing.T) {
	f := newFixture()
	f.store.FailOn(fhirtest.MethodPatch, fhir.ResourceSlot, errStoreDown)
	f.store.FailOn(fhirtest.MethodPatch, fhir.ResourceAppointment, errStoreDown)

	_, err := f.svc.BookAppointment(context.Background(), validRequest())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInconsistentState)
	assert.Equal(t, CategoryInconsistentState, Classify(err))

	var inc *InconsistentStateError
	require.ErrorAs(t, err, &inc)
	assert.Equal(t, OperationBook, inc.Operation)
	assert.Equal(t, testSlot, inc.SlotID)
	assert.Equal(t, RepairCancelAppointment, inc.RepairAction)
	assert.NotNil(t, inc.CompensationErr)

	require.Len(t, f.ledger.records, 1)
	assert.Equal(t, inc.AppointmentID, f.ledger.records[0].AppointmentID)
	assert.Equal(t, RepairCancelAppointment, f.ledger.records[0].RepairAction)
	assert.Equal(t, []string{events.TypeInconsistentState}, f.publisher.types())
}

func TestBookAppointment_LockContention(t *testing.T) {
	locker := lock.NewMemoryLocker()
	f := newFixture(WithLocker(locker))

	_, ok, err := locker.TryLock(context.Background(), lock.SlotKey(testSlot), time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = f.svc.BookAppointment(context.Background(), validRequest())
	assert.ErrorIs(t, err, ErrSlotUnavailable)
	assert.Empty(t, f.store.Calls())
}

func TestBookAppointment_ConcurrentBookingsOneWinner(t *testing.T) {
	f := newFixture()

	var wg sync.WaitGroup
	results := make([]error, 10)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = f.svc.BookAppointment(context.Background(), validRequest())
		}(i)
	}
	wg.Wait()

	var wins int
	for _, err := range results {
		if err == nil {
			wins++
			continue
		}
		assert.ErrorIs(t, err, ErrSlotUnavailable)
	}
	assert.Equal(t, 1, wins)

	var booked int
	for _, c := range f.store.CallsTo(fhirtest.MethodCreate, fhir.ResourceAppointment) {
		appt := fhirtest.Get[fhir.Appointment](t, f.store, fhir.ResourceAppointment, c.ID)
		if appt.Status == fhir.AppointmentStatusBooked {
			booked++
		}
	}
	assert.Equal(t, 1, booked, "at most one active appointment per slot")
}

func TestCancelAppointment_FreesSlot(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	appt, err := f.svc.BookAppointment(ctx, validRequest())
	require.NoError(t, err)

	cancelled, err := f.svc.CancelAppointment(ctx, appt.ID)
	require.NoError(t, err)
	assert.Equal(t, fhir.AppointmentStatusCancelled, cancelled.Status)

	slot := fhirtest.Get[fhir.Slot](t, f.store, fhir.ResourceSlot, testSlot)
	assert.Equal(t, fhir.SlotStatusFree, slot.Status)
	assert.Equal(t, []string{events.TypeAppointmentBooked, events.TypeAppointmentCancelled}, f.publisher.types())
}

func TestBookCancelRoundTrip(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	a1, err := f.svc.BookAppointment(ctx, validRequest())
	require.NoError(t, err)
	assert.Equal(t, fhir.AppointmentStatusBooked, a1.Status)

	slots, err := f.svc.ListFreeSlots(ctx, testSchedule)
	require.NoError(t, err)
	assert.Empty(t, slots)

	_, err = f.svc.CancelAppointment(ctx, a1.ID)
	require.NoError(t, err)

	got, err := f.svc.GetAppointment(ctx, a1.ID)
	require.NoError(t, err)
	assert.Equal(t, fhir.AppointmentStatusCancelled, got.Status)

	slots, err = f.svc.ListFreeSlots(ctx, testSchedule)
	require.NoError(t, err)
	require.Len(t, slots, 1)
	assert.Equal(t, testSlot, slots[0].ID)

	// The freed slot can be booked again.
	_, err = f.svc.BookAppointment(ctx, validRequest())
	require.NoError(t, err)
}

func TestCancelAppointment_WithoutSlotReference(t *testing.T) {
	f := newFixture()
	id := f.store.Put(fhir.ResourceAppointment, fhir.Appointment{Status: fhir.AppointmentStatusBooked})

	cancelled, err := f.svc.CancelAppointment(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, fhir.AppointmentStatusCancelled, cancelled.Status)
	assert.Empty(t, f.store.CallsTo(fhirtest.MethodPatch, fhir.ResourceSlot))
}

func TestCancelAppointment_AlreadyCancelledTouchesNothing(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	appt, err := f.svc.BookAppointment(ctx, validRequest())
	require.NoError(t, err)
	_, err = f.svc.CancelAppointment(ctx, appt.ID)
	require.NoError(t, err)

	// Someone books the freed slot again.
	rebooked, err := f.svc.BookAppointment(ctx, validRequest())
	require.NoError(t, err)
	slotPatches := len(f.store.CallsTo(fhirtest.MethodPatch, fhir.ResourceSlot))

	again, err := f.svc.CancelAppointment(ctx, appt.ID)
	require.NoError(t, err)
	assert.Equal(t, fhir.AppointmentStatusCancelled, again.Status)
	assert.Len(t, f.store.CallsTo(fhirtest.MethodPatch, fhir.ResourceSlot), slotPatches)

	slot := fhirtest.Get[fhir.Slot](t, f.store, fhir.ResourceSlot, testSlot)
	assert.Equal(t, fhir.SlotStatusBusyUnavailable, slot.Status)
	assert.Contains(t, slot.Comment, rebooked.ID)
}

func TestCancelAppointment_MalformedSlotReference(t *testing.T) {
	tests := []struct {
		name string
		ref  string
	}{
		{name: "no separator", ref: "S1"},
		{name: "wrong type", ref: "Schedule/SC1"},
		{name: "too many segments", ref: "Slot/S1/extra"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			id := f.store.Put(fhir.ResourceAppointment, fhir.Appointment{
				Status: fhir.AppointmentStatusBooked,
				Slot:   []fhir.ResourceReference{{Reference: tt.ref}},
			})

			_, err := f.svc.CancelAppointment(context.Background(), id)
			require.Error(t, err)
			assert.ErrorIs(t, err, fhir.ErrMalformedReference)
			assert.Equal(t, CategoryValidation, Classify(err))
			assert.Empty(t, f.store.CallsTo(fhirtest.MethodPatch, fhir.ResourceAppointment))

			appt := fhirtest.Get[fhir.Appointment](t, f.store, fhir.ResourceAppointment, id)
			assert.Equal(t, fhir.AppointmentStatusBooked, appt.Status)
		})
	}
}

func TestCancelAppointment_NotFound(t *testing.T) {
	f := newFixture()
	_, err := f.svc.CancelAppointment(context.Background(), "missing")
	assert.ErrorIs(t, err, fhir.ErrNotFound)
	assert.Empty(t, f.store.CallsTo(fhirtest.MethodPatch, fhir.ResourceAppointment))
}

func TestCancelAppointment_AppointmentPatchFailureLeavesSlot(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	appt, err := f.svc.BookAppointment(ctx, validRequest())
	require.NoError(t, err)

	f.store.FailOn(fhirtest.MethodPatch, fhir.ResourceAppointment, errStoreDown)
	slotPatches := len(f.store.CallsTo(fhirtest.MethodPatch, fhir.ResourceSlot))

	_, err = f.svc.CancelAppointment(ctx, appt.ID)
	require.Error(t, err)
	assert.Len(t, f.store.CallsTo(fhirtest.MethodPatch, fhir.ResourceSlot), slotPatches)
}

func TestCancelAppointment_SlotFailureRestoresAppointment(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	appt, err := f.svc.BookAppointment(ctx, validRequest())
	require.NoError(t, err)

	f.store.FailOn(fhirtest.MethodPatch, fhir.ResourceSlot, errStoreDown)

	_, err = f.svc.CancelAppointment(ctx, appt.ID)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrInconsistentState)

	got := fhirtest.Get[fhir.Appointment](t, f.store, fhir.ResourceAppointment, appt.ID)
	assert.Equal(t, fhir.AppointmentStatusBooked, got.Status)
	assert.Empty(t, f.ledger.records)
}

func TestCancelAppointment_RestoreFailureIsInconsistentState(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	appt, err := f.svc.BookAppointment(ctx, validRequest())
	require.NoError(t, err)

	f.store.FailOn(fhirtest.MethodPatch, fhir.ResourceSlot, errStoreDown)
	// The cancel patch succeeds, the restore patch fails.
	f.store.FailAfter(fhirtest.MethodPatch, fhir.ResourceAppointment, 1, errStoreDown)

	_, err = f.svc.CancelAppointment(ctx, appt.ID)
	var inc *InconsistentStateError
	require.ErrorAs(t, err, &inc)
	assert.Equal(t, OperationCancel, inc.Operation)
	assert.Equal(t, RepairFreeSlot, inc.RepairAction)
	assert.Equal(t, testSlot, inc.SlotID)

	require.Len(t, f.ledger.records, 1)
	assert.Equal(t, RepairFreeSlot, f.ledger.records[0].RepairAction)
	assert.Contains(t, f.publisher.types(), events.TypeInconsistentState)
}

func TestCompensationRunsAfterCallerCancels(t *testing.T) {
	f := newFixture()
	ctx, cancel := context.WithCancel(context.Background())
	f.store.Before(fhirtest.MethodPatch, fhir.ResourceSlot, cancel)
	f.store.FailOn(fhirtest.MethodPatch, fhir.ResourceSlot, errStoreDown)

	_, err := f.svc.BookAppointment(ctx, validRequest())
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrInconsistentState)

	creates := f.store.CallsTo(fhirtest.MethodCreate, fhir.ResourceAppointment)
	require.Len(t, creates, 1)
	appt := fhirtest.Get[fhir.Appointment](t, f.store, fhir.ResourceAppointment, creates[0].ID)
	assert.Equal(t, fhir.AppointmentStatusCancelled, appt.Status)
}

func TestPublishFailureDoesNotFailBooking(t *testing.T) {
	f := newFixture()
	f.publisher.err = errors.New("broker down")

	appt, err := f.svc.BookAppointment(context.Background(), validRequest())
	require.NoError(t, err)
	assert.Equal(t, fhir.AppointmentStatusBooked, appt.Status)
}

func TestClassify(t *testing.T) {
	inc := &InconsistentStateError{Operation: OperationBook, Cause: fhir.ErrConflict, CompensationErr: errStoreDown}

	tests := []struct {
		name string
		err  error
		want string
	}{
		{name: "nil", err: nil, want: ""},
		{name: "validation", err: validationErrorf("x"), want: CategoryValidation},
		{name: "malformed reference", err: fhir.ErrMalformedReference, want: CategoryValidation},
		{name: "invalid client options", err: fhir.ErrInvalidOptions, want: CategoryValidation},
		{name: "not found", err: &fhir.RemoteError{StatusCode: http.StatusNotFound, Err: fhir.ErrNotFound}, want: CategoryNotFound},
		{name: "unauthorized", err: &fhir.RemoteError{StatusCode: http.StatusUnauthorized, Err: fhir.ErrUnauthorized}, want: CategoryUnauthorized},
		{name: "conflict", err: &fhir.RemoteError{StatusCode: http.StatusPreconditionFailed, Err: fhir.ErrConflict}, want: CategoryConflict},
		{name: "slot unavailable", err: ErrSlotUnavailable, want: CategorySlotUnavailable},
		{name: "inconsistent wins over cause", err: inc, want: CategoryInconsistentState},
		{name: "remote", err: errStoreDown, want: CategoryRemote},
		{name: "context", err: context.DeadlineExceeded, want: CategoryRemote},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestInconsistentStateError_Message(t *testing.T) {
	inc := &InconsistentStateError{
		Operation:       OperationCancel,
		AppointmentID:   "A1",
		SlotID:          "S1",
		RepairAction:    RepairFreeSlot,
		Cause:           errors.New("slot patch failed"),
		CompensationErr: errors.New("restore failed"),
	}
	msg := inc.Error()
	assert.Contains(t, msg, "appointment A1")
	assert.Contains(t, msg, "slot S1")
	assert.Contains(t, msg, "restore failed")
	assert.Contains(t, msg, RepairFreeSlot)
}
