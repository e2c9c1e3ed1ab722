package scheduling

import (
	"errors"
	"fmt"
	"strings"

	"github.com/teemow/fhir-scheduling-mcp/internal/fhir"
)

var (
	// ErrValidation marks malformed input: missing ids, bad instants, end not after start.
	ErrValidation = errors.New("validation error")

	// ErrSlotUnavailable means the slot is not free or another booking holds it.
	ErrSlotUnavailable = errors.New("slot unavailable")

	// ErrInconsistentState means a two-step write failed half way and the
	// compensating write failed too. See InconsistentStateError.
	ErrInconsistentState = errors.New("inconsistent state")
)

// Error categories reported to tool callers.
const (
	CategoryNotFound          = "NotFound"
	CategoryValidation        = "ValidationError"
	CategoryUnauthorized      = "Unauthorized"
	CategoryRemote            = "RemoteError"
	CategoryInconsistentState = "InconsistentState"
	CategorySlotUnavailable   = "SlotUnavailable"
	CategoryConflict          = "Conflict"
)

// Operations that can leave an inconsistency behind.
const (
	OperationBook   = "book"
	OperationCancel = "cancel"
)

// Repair actions recorded for out-of-band reconciliation.
const (
	// RepairCancelAppointment cancels an appointment whose slot was never reserved.
	RepairCancelAppointment = "cancel-appointment"
	// RepairFreeSlot frees a slot whose appointment is already cancelled.
	RepairFreeSlot = "free-slot"
)

// InconsistentStateError reports a Slot and Appointment left out of step.
// It matches ErrInconsistentState with errors.Is and unwraps to both the
// original write error and the compensation error.
type InconsistentStateError struct {
	Operation       string
	AppointmentID   string
	SlotID          string
	RepairAction    string
	Cause           error
	CompensationErr error
}

func (e *InconsistentStateError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "inconsistent state after %s: appointment %s, slot %s", e.Operation, e.AppointmentID, e.SlotID)
	if e.Cause != nil {
		fmt.Fprintf(&b, ": %v", e.Cause)
	}
	if e.CompensationErr != nil {
		fmt.Fprintf(&b, "; compensation failed: %v", e.CompensationErr)
	}
	fmt.Fprintf(&b, "; repair action %s pending", e.RepairAction)
	return b.String()
}

func (e *InconsistentStateError) Is(target error) bool {
	return target == ErrInconsistentState
}

func (e *InconsistentStateError) Unwrap() []error {
	var errs []error
	if e.Cause != nil {
		errs = append(errs, e.Cause)
	}
	if e.CompensationErr != nil {
		errs = append(errs, e.CompensationErr)
	}
	return errs
}

// Classify maps an error onto its caller-facing category. It returns "" for nil.
func Classify(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInconsistentState):
		return CategoryInconsistentState
	case errors.Is(err, ErrValidation), errors.Is(err, fhir.ErrMalformedReference), errors.Is(err, fhir.ErrInvalidOptions):
		return CategoryValidation
	case errors.Is(err, ErrSlotUnavailable):
		return CategorySlotUnavailable
	case errors.Is(err, fhir.ErrNotFound):
		return CategoryNotFound
	case errors.Is(err, fhir.ErrUnauthorized):
		return CategoryUnauthorized
	case errors.Is(err, fhir.ErrConflict):
		return CategoryConflict
	default:
		return CategoryRemote
	}
}

func validationErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
