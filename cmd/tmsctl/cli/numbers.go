package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/baltic-freight/tms/internal/backoffice"
	"github.com/baltic-freight/tms/internal/numbering"
)

func newNumbersCmd(e *env) *cobra.Command {
	numbersCmd := &cobra.Command{
		Use:   "numbers",
		Short: "Allocate, audit and repair document numbers",
	}

	allocateCmd := &cobra.Command{
		Use:       "allocate {sales-invoice|order|carrier|warehouse|cost}",
		Short:     "Allocate the next number of a sequence",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"sales-invoice", "order", "carrier", "warehouse", "cost"},
		RunE: func(cmd *cobra.Command, args []string) error {
			return e.withBackOffice(cmd, func(ctx context.Context, bo BackOffice) error {
				number, err := allocate(ctx, bo, args[0])
				if err != nil {
					return err
				}
				return e.print(cmd.OutOrStdout(), map[string]string{"number": number}, func(w io.Writer) {
					fmt.Fprintln(w, number)
				})
			})
		},
	}

	gapsCmd := &cobra.Command{
		Use:   "gaps KIND",
		Short: "List unused serials of a numbering kind",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := formatRequest(cmd, args[0])
			if err != nil {
				return err
			}
			maxGaps, _ := cmd.Flags().GetInt("max")
			return e.withBackOffice(cmd, func(ctx context.Context, bo BackOffice) error {
				report, err := bo.FindNumberGaps(ctx, req, maxGaps)
				if err != nil {
					return err
				}
				return e.print(cmd.OutOrStdout(), report, func(w io.Writer) {
					if len(report.Gaps) == 0 {
						fmt.Fprintf(w, "no gaps for %s\n", report.Kind)
						return
					}
					for _, g := range report.Gaps {
						if g.Start == g.End {
							fmt.Fprintf(w, "%d\n", g.Start)
						} else {
							fmt.Fprintf(w, "%d-%d\n", g.Start, g.End)
						}
					}
					fmt.Fprintf(w, "first free: %s\n", report.FirstGap)
				})
			})
		},
	}
	gapsCmd.Flags().Int("max", 100, "maximum number of gaps to report")

	resyncCmd := &cobra.Command{
		Use:   "resync KIND",
		Short: "Move a counter to the highest number in use",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := formatRequest(cmd, args[0])
			if err != nil {
				return err
			}
			return e.withBackOffice(cmd, func(ctx context.Context, bo BackOffice) error {
				res, err := bo.ResyncSequence(ctx, req)
				if err != nil {
					return err
				}
				return e.print(cmd.OutOrStdout(), res, func(w io.Writer) {
					fmt.Fprintf(w, "%s counter set to %d, next %s\n", res.Kind, res.LastNumber, res.Next)
				})
			})
		},
	}

	for _, c := range []*cobra.Command{gapsCmd, resyncCmd} {
		c.Flags().String("prefix", "", "override the configured prefix")
		c.Flags().Int("width", 0, "override the configured width")
	}
	numbersCmd.AddCommand(allocateCmd, gapsCmd, resyncCmd)
	return numbersCmd
}

func allocate(ctx context.Context, bo BackOffice, what string) (string, error) {
	switch what {
	case "sales-invoice":
		return bo.AllocateSalesInvoiceNumber(ctx)
	case "order":
		return bo.AllocateOrderNumber(ctx)
	case "carrier":
		return bo.AllocateExpeditionNumber(ctx, numbering.ExpeditionCarrier)
	case "warehouse":
		return bo.AllocateExpeditionNumber(ctx, numbering.ExpeditionWarehouse)
	case "cost":
		return bo.AllocateExpeditionNumber(ctx, numbering.ExpeditionCost)
	default:
		return "", fmt.Errorf("unknown sequence %q", what)
	}
}

func formatRequest(cmd *cobra.Command, kind string) (backoffice.FormatRequest, error) {
	k := numbering.Kind(kind)
	if !k.Valid() {
		return backoffice.FormatRequest{}, fmt.Errorf("unknown numbering kind %q", kind)
	}
	prefix, _ := cmd.Flags().GetString("prefix")
	width, _ := cmd.Flags().GetInt("width")
	return backoffice.FormatRequest{Kind: k, Prefix: prefix, Width: width}, nil
}
