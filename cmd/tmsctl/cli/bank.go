package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/baltic-freight/tms/internal/bankimport"
)

func newBankCmd(e *env) *cobra.Command {
	bankCmd := &cobra.Command{
		Use:   "bank",
		Short: "Bank statement reconciliation",
	}
	importCmd := &cobra.Command{
		Use:   "import FILE",
		Short: "Reconcile a CSV bank statement against open invoices",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read statement: %w", err)
			}
			force, _ := cmd.Flags().GetBool("force")
			return e.withBackOffice(cmd, func(ctx context.Context, bo BackOffice) error {
				report, err := bo.ImportBankCSV(ctx, data, bankimport.ImportOptions{Force: force})
				if err != nil {
					return err
				}
				return e.print(cmd.OutOrStdout(), report, func(w io.Writer) {
					printReport(w, report)
				})
			})
		},
	}
	importCmd.Flags().Bool("force", false, "re-import a statement that was already processed")
	bankCmd.AddCommand(importCmd)
	return bankCmd
}

func printReport(w io.Writer, report bankimport.Report) {
	fmt.Fprintf(w, "batch %s: %d rows, %d matched, %d unmatched, %d failed\n",
		report.BatchID, report.Total, report.Matched, report.Unmatched, report.Failed)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, r := range report.Results {
		switch {
		case r.Error != "":
			fmt.Fprintf(tw, "%d\t%s\t%s\tfailed: %s\n", r.Transaction.Row, r.Transaction.Amount.StringFixed(2), r.Number, r.Error)
		case r.Matched:
			fmt.Fprintf(tw, "%d\t%s\t%s\t%s %.2f\n", r.Transaction.Row, r.Transaction.Amount.StringFixed(2), r.Number, r.Pass, r.Confidence)
		default:
			fmt.Fprintf(tw, "%d\t%s\t%s\tunmatched\n", r.Transaction.Row, r.Transaction.Amount.StringFixed(2), r.Transaction.Description)
		}
	}
	_ = tw.Flush()
	for _, s := range report.Skipped {
		fmt.Fprintf(w, "skipped row %d: %s\n", s.Row, s.Reason)
	}
}

func newOverdueCmd(e *env) *cobra.Command {
	overdueCmd := &cobra.Command{
		Use:   "overdue",
		Short: "Overdue invoice maintenance",
	}
	sweepCmd := &cobra.Command{
		Use:   "sweep",
		Short: "Promote unpaid invoices past their due date to overdue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var today time.Time
			if raw, _ := cmd.Flags().GetString("today"); raw != "" {
				parsed, err := time.Parse(time.DateOnly, raw)
				if err != nil {
					return fmt.Errorf("invalid --today: %w", err)
				}
				today = parsed
			}
			return e.withBackOffice(cmd, func(ctx context.Context, bo BackOffice) error {
				res, err := bo.SweepOverdue(ctx, today)
				if err != nil {
					return err
				}
				return e.print(cmd.OutOrStdout(), res, func(w io.Writer) {
					fmt.Fprintf(w, "sales updated: %d\npurchase updated: %d\n", res.SalesUpdated, res.PurchaseUpdated)
				})
			})
		},
	}
	sweepCmd.Flags().String("today", "", "sweep date as YYYY-MM-DD, defaults to now")
	overdueCmd.AddCommand(sweepCmd)
	return overdueCmd
}
