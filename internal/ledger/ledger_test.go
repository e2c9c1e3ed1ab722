package ledger

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teemow/fhir-scheduling-mcp/internal/fhir"
	"github.com/teemow/fhir-scheduling-mcp/internal/fhir/fhirtest"
	"github.com/teemow/fhir-scheduling-mcp/internal/scheduling"
)

func newTestLedger(t *testing.T) *SQLiteLedger {
	t.Helper()

	l, err := Open(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestOpen_EmptyPath(t *testing.T) {
	_, err := Open("")
	assert.Error(t, err)
}

func TestRecordAndPending(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	created := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)
	id1, err := l.Record(ctx, scheduling.Inconsistency{
		Operation:         scheduling.OperationBook,
		AppointmentID:     "A1",
		SlotID:            "S1",
		RepairAction:      scheduling.RepairCancelAppointment,
		Cause:             "slot patch failed",
		CompensationError: "appointment patch failed",
		CreatedAt:         created,
	})
	require.NoError(t, err)
	id2, err := l.Record(ctx, scheduling.Inconsistency{
		Operation:     scheduling.OperationCancel,
		AppointmentID: "A2",
		SlotID:        "S2",
		RepairAction:  scheduling.RepairFreeSlot,
	})
	require.NoError(t, err)
	assert.Greater(t, id2, id1)

	pending, err := l.Pending(ctx, 0)
	require.NoError(t, err)
	require.Len(t, pending, 2)

	first := pending[0]
	assert.Equal(t, id1, first.ID)
	assert.Equal(t, scheduling.OperationBook, first.Operation)
	assert.Equal(t, "A1", first.AppointmentID)
	assert.Equal(t, "S1", first.SlotID)
	assert.Equal(t, scheduling.RepairCancelAppointment, first.RepairAction)
	assert.Equal(t, "slot patch failed", first.Cause)
	assert.Equal(t, "appointment patch failed", first.CompensationError)
	assert.True(t, created.Equal(first.CreatedAt))
	assert.Nil(t, first.ResolvedAt)
	assert.False(t, pending[1].CreatedAt.IsZero())

	limited, err := l.Pending(ctx, 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, id1, limited[0].ID)
}

func TestResolve(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	id, err := l.Record(ctx, scheduling.Inconsistency{Operation: scheduling.OperationBook, RepairAction: scheduling.RepairCancelAppointment})
	require.NoError(t, err)

	require.NoError(t, l.Resolve(ctx, id))

	pending, err := l.Pending(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, pending)

	got, err := l.Get(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, got.ResolvedAt)

	assert.ErrorIs(t, l.Resolve(ctx, id+100), ErrNotFound)
}

func TestMarkFailed(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	id, err := l.Record(ctx, scheduling.Inconsistency{Operation: scheduling.OperationCancel, RepairAction: scheduling.RepairFreeSlot})
	require.NoError(t, err)

	require.NoError(t, l.MarkFailed(ctx, id, errors.New("store down")))
	require.NoError(t, l.MarkFailed(ctx, id, errors.New("still down")))

	got, err := l.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Attempts)
	assert.Equal(t, "still down", got.LastError)
	assert.Nil(t, got.ResolvedAt)

	assert.ErrorIs(t, l.MarkFailed(ctx, 999, errors.New("x")), ErrNotFound)
}

func TestGet_NotFound(t *testing.T) {
	l := newTestLedger(t)
	_, err := l.Get(context.Background(), 42)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	ctx := context.Background()

	l, err := Open(path)
	require.NoError(t, err)
	_, err = l.Record(ctx, scheduling.Inconsistency{Operation: scheduling.OperationBook, RepairAction: scheduling.RepairCancelAppointment})
	require.NoError(t, err)
	require.NoError(t, l.Close())

	l, err = Open(path)
	require.NoError(t, err)
	defer func() { _ = l.Close() }()

	pending, err := l.Pending(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestServiceAndReconcilerRoundTrip(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	store := fhirtest.NewStore()
	store.Put(fhir.ResourceSlot, fhir.Slot{
		ID:       "S1",
		Schedule: fhir.RefTo(fhir.NewReference(fhir.ResourceSchedule, "SC1")),
		Status:   fhir.SlotStatusFree,
		Start:    "2025-01-01T10:00:00Z",
		End:      "2025-01-01T10:30:00Z",
	})
	storeDown := errors.New("store down")
	store.FailOn(fhirtest.MethodPatch, fhir.ResourceSlot, storeDown)
	store.FailOn(fhirtest.MethodPatch, fhir.ResourceAppointment, storeDown)

	svc := scheduling.NewService(store, scheduling.WithLedger(l))
	_, err := svc.BookAppointment(ctx, scheduling.BookingRequest{
		SlotID:         "S1",
		Start:          "2025-01-01T10:00:00Z",
		End:            "2025-01-01T10:30:00Z",
		PractitionerID: "P1",
	})
	require.ErrorIs(t, err, scheduling.ErrInconsistentState)

	pending, err := l.Pending(ctx, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	apptID := pending[0].AppointmentID

	// The store recovers: copy the stranded appointment into a healthy store.
	healthy := fhirtest.NewStore()
	healthy.Put(fhir.ResourceAppointment, fhirtest.Get[fhir.Appointment](t, store, fhir.ResourceAppointment, apptID))

	report, err := scheduling.NewReconciler(healthy, l, nil, 0).RunOnce(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Repaired)

	appt := fhirtest.Get[fhir.Appointment](t, healthy, fhir.ResourceAppointment, apptID)
	assert.Equal(t, fhir.AppointmentStatusCancelled, appt.Status)

	pending, err = l.Pending(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, pending)
}
