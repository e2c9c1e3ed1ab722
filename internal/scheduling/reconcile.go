package scheduling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/teemow/fhir-scheduling-mcp/internal/fhir"
	"github.com/teemow/fhir-scheduling-mcp/internal/logging"
)

// Inconsistency is a ledger record of a half-applied booking or cancellation.
type Inconsistency struct {
	ID                int64
	Operation         string
	AppointmentID     string
	SlotID            string
	RepairAction      string
	Cause             string
	CompensationError string
	Attempts          int
	LastError         string
	CreatedAt         time.Time
	ResolvedAt        *time.Time
}

// NewInconsistency converts an InconsistentStateError into a ledger record.
func NewInconsistency(e *InconsistentStateError) Inconsistency {
	inc := Inconsistency{
		Operation:     e.Operation,
		AppointmentID: e.AppointmentID,
		SlotID:        e.SlotID,
		RepairAction:  e.RepairAction,
		CreatedAt:     time.Now().UTC(),
	}
	if e.Cause != nil {
		inc.Cause = e.Cause.Error()
	}
	if e.CompensationErr != nil {
		inc.CompensationError = e.CompensationErr.Error()
	}
	return inc
}

// Ledger stores unresolved inconsistencies.
type Ledger interface {
	Record(ctx context.Context, inc Inconsistency) (int64, error)
	// Pending returns unresolved records, oldest first. limit <= 0 means all.
	Pending(ctx context.Context, limit int) ([]Inconsistency, error)
	Resolve(ctx context.Context, id int64) error
	MarkFailed(ctx context.Context, id int64, cause error) error
}

// RepairOutcome is the result of one repair attempt.
type RepairOutcome struct {
	Inconsistency Inconsistency
	Repaired      bool
	Skipped       bool
	Err           error
}

// Report summarises a reconciliation run.
type Report struct {
	Examined int
	Repaired int
	Failed   int
	Outcomes []RepairOutcome
}

// Reconciler applies the repair action of each pending ledger record once per run.
type Reconciler struct {
	store  fhir.Store
	ledger Ledger
	logger *slog.Logger
	batch  int
}

// NewReconciler creates a Reconciler. batch <= 0 processes every pending record.
func NewReconciler(store fhir.Store, ledger Ledger, logger *slog.Logger, batch int) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{store: store, ledger: ledger, logger: logger, batch: batch}
}

// RunOnce processes pending records. With dryRun nothing is written and
// every record is reported as skipped.
func (r *Reconciler) RunOnce(ctx context.Context, dryRun bool) (Report, error) {
	pending, err := r.ledger.Pending(ctx, r.batch)
	if err != nil {
		return Report{}, fmt.Errorf("failed to list pending inconsistencies: %w", err)
	}

	report := Report{Examined: len(pending)}
	for _, inc := range pending {
		if dryRun {
			report.Outcomes = append(report.Outcomes, RepairOutcome{Inconsistency: inc, Skipped: true})
			continue
		}

		outcome := RepairOutcome{Inconsistency: inc}
		logger := r.logger.With(
			slog.Int64("ledger_id", inc.ID),
			slog.String("repair_action", inc.RepairAction),
			slog.String("appointment_id", inc.AppointmentID),
			slog.String("slot_id", inc.SlotID))

		if err := r.repair(ctx, inc); err != nil {
			outcome.Err = err
			report.Failed++
			logger.Warn("repair failed", logging.Err(err))
			if markErr := r.ledger.MarkFailed(ctx, inc.ID, err); markErr != nil {
				logger.Error("failed to update ledger", logging.Err(markErr))
			}
		} else {
			outcome.Repaired = true
			report.Repaired++
			logger.Info("inconsistency repaired")
			if resErr := r.ledger.Resolve(ctx, inc.ID); resErr != nil {
				logger.Error("failed to resolve ledger record", logging.Err(resErr))
			}
		}
		report.Outcomes = append(report.Outcomes, outcome)
	}
	return report, nil
}

func (r *Reconciler) repair(ctx context.Context, inc Inconsistency) error {
	switch inc.RepairAction {
	case RepairCancelAppointment:
		appt, err := fhir.ReadResource[fhir.Appointment](ctx, r.store, fhir.ResourceAppointment, inc.AppointmentID)
		if err != nil {
			return fmt.Errorf("failed to read appointment %s: %w", inc.AppointmentID, err)
		}
		if appt.Status == fhir.AppointmentStatusCancelled {
			return nil
		}
		_, err = r.store.Patch(ctx, fhir.ResourceAppointment, inc.AppointmentID, []fhir.PatchOperation{
			fhir.Replace("/status", fhir.AppointmentStatusCancelled),
		})
		return err

	case RepairFreeSlot:
		slot, err := fhir.ReadResource[fhir.Slot](ctx, r.store, fhir.ResourceSlot, inc.SlotID)
		if err != nil {
			return fmt.Errorf("failed to read slot %s: %w", inc.SlotID, err)
		}
		if slot.Status == fhir.SlotStatusFree {
			return nil
		}
		_, err = r.store.Patch(ctx, fhir.ResourceSlot, inc.SlotID, []fhir.PatchOperation{
			fhir.Test("/status", slot.Status),
			fhir.Replace("/status", fhir.SlotStatusFree),
		})
		return err

	default:
		return fmt.Errorf("%w: unknown repair action %q", ErrValidation, inc.RepairAction)
	}
}

// ErrNoSchedule is returned by StartSchedule for an empty cron spec.
var ErrNoSchedule = errors.New("no reconcile schedule configured")

// StartSchedule runs RunOnce on the given cron spec until the returned
// stop func is called. stop waits for a running pass to finish.
func (r *Reconciler) StartSchedule(spec string) (stop func(), err error) {
	if spec == "" {
		return nil, ErrNoSchedule
	}

	c := cron.New()
	_, err = c.AddFunc(spec, func() {
		report, err := r.RunOnce(context.Background(), false)
		if err != nil {
			r.logger.Error("reconciliation run failed", logging.Err(err))
			return
		}
		if report.Examined > 0 {
			r.logger.Info("reconciliation run finished",
				slog.Int("examined", report.Examined),
				slog.Int("repaired", report.Repaired),
				slog.Int("failed", report.Failed))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("invalid reconcile schedule %q: %w", spec, err)
	}

	c.Start()
	return func() { <-c.Stop().Done() }, nil
}
