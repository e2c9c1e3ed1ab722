package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/teemow/fhir-scheduling-mcp/internal/config"
	"github.com/teemow/fhir-scheduling-mcp/internal/fhir"
	"github.com/teemow/fhir-scheduling-mcp/internal/logging"
	"github.com/teemow/fhir-scheduling-mcp/internal/scheduling"
)

// errNoLedger is returned when reconcile runs without a ledger path.
var errNoLedger = errors.New("no ledger configured: set --ledger-path or LEDGER_PATH")

func newReconcileCmd() *cobra.Command {
	var dryRun bool
	flags := &configFlags{}

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Repair inconsistent scheduling state recorded in the ledger",
		Long: `List the unresolved inconsistencies recorded in the ledger (a booking or
cancellation whose compensating write failed) and apply each repair action once:
cancel the orphaned appointment or free the held slot.

With --dry-run the pending records are only listed; the FHIR store is not
contacted and no credentials are needed.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load(cmd)
			if err != nil {
				return err
			}
			if cfg.Reconcile.LedgerPath == "" {
				return errNoLedger
			}
			if !dryRun {
				if err := cfg.ValidateCredentials(); err != nil {
					return err
				}
			}
			return runReconcile(cmd.Context(), cmd.OutOrStdout(), cfg, dryRun, flags.debug)
		},
	}

	flags.addCommonFlags(cmd)
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "List pending records without repairing them")

	return cmd
}

func runReconcile(ctx context.Context, out io.Writer, cfg config.Config, dryRun, debug bool) error {
	if ctx == nil {
		ctx = context.Background()
	}
	logger := logging.NewLogger(os.Stderr, cfg.LogFormat, debug)

	l, err := openLedger(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := l.Close(); err != nil {
			logger.Warn("failed to close ledger", logging.Err(err))
		}
	}()

	var store fhir.Store
	if !dryRun {
		client, err := openStore(ctx, cfg, logger, nil)
		if err != nil {
			return err
		}
		store = client
	}

	report, err := scheduling.NewReconciler(store, l, logger, cfg.Reconcile.Batch).RunOnce(ctx, dryRun)
	if err != nil {
		return err
	}
	if err := printReport(out, report, dryRun); err != nil {
		return err
	}
	if report.Failed > 0 {
		return fmt.Errorf("%d of %d repairs failed", report.Failed, report.Examined)
	}
	return nil
}

// printReport writes one line per examined record followed by a summary.
func printReport(out io.Writer, report scheduling.Report, dryRun bool) error {
	if report.Examined == 0 {
		_, err := fmt.Fprintln(out, "No pending inconsistencies.")
		return err
	}

	table := tablewriter.NewWriter(out)
	table.SetHeader([]string{"ID", "Operation", "Action", "Appointment", "Slot", "Attempts", "Result"})
	table.SetAutoWrapText(false)
	table.SetBorder(false)
	for _, o := range report.Outcomes {
		inc := o.Inconsistency
		result := "repaired"
		switch {
		case o.Skipped:
			result = "pending"
		case o.Err != nil:
			result = "failed: " + o.Err.Error()
		}
		table.Append([]string{
			strconv.FormatInt(inc.ID, 10),
			inc.Operation,
			inc.RepairAction,
			inc.AppointmentID,
			inc.SlotID,
			strconv.Itoa(inc.Attempts),
			result,
		})
	}
	table.Render()

	if dryRun {
		_, err := fmt.Fprintf(out, "\n%d pending (dry run, nothing repaired)\n", report.Examined)
		return err
	}
	_, err := fmt.Fprintf(out, "\n%d examined, %d repaired, %d failed\n", report.Examined, report.Repaired, report.Failed)
	return err
}
