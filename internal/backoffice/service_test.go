package backoffice

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/baltic-freight/tms/internal/bankimport"
	"github.com/baltic-freight/tms/internal/carriers"
	"github.com/baltic-freight/tms/internal/invoices"
	"github.com/baltic-freight/tms/internal/numbering"
	"github.com/baltic-freight/tms/internal/overdue"
	"github.com/baltic-freight/tms/internal/shared"
)

type stubNumbers struct {
	gapFormat    numbering.Format
	resyncFormat numbering.Format
	gaps         []numbering.Gap
}

func (s *stubNumbers) AllocateSalesInvoiceNumber(context.Context) (string, error) {
	return "LOG0000001", nil
}

func (s *stubNumbers) AllocateOrderNumber(context.Context) (string, error) { return "2025-001", nil }

func (s *stubNumbers) AllocateExpeditionNumber(_ context.Context, kind numbering.ExpeditionKind) (string, error) {
	if _, err := kind.Kind(); err != nil {
		return "", err
	}
	return "E00001", nil
}

func (s *stubNumbers) FormatFor(kind numbering.Kind) numbering.Format {
	if kind == numbering.KindOrder {
		return numbering.Format{Prefix: "2025", Separator: "-", Width: 3}
	}
	return numbering.Format{Prefix: "LOG", Width: 7}
}

func (s *stubNumbers) Gaps(_ context.Context, _ numbering.Kind, f numbering.Format, _ int) ([]numbering.Gap, error) {
	s.gapFormat = f
	return s.gaps, nil
}

func (s *stubNumbers) FirstGap(_ context.Context, _ numbering.Kind, f numbering.Format) (string, error) {
	if len(s.gaps) == 0 {
		return "", nil
	}
	return f.Render(s.gaps[0].Start), nil
}

func (s *stubNumbers) Resync(_ context.Context, kind numbering.Kind, f numbering.Format) (numbering.ResyncResult, error) {
	s.resyncFormat = f
	return numbering.ResyncResult{Kind: kind, LastNumber: 5, Next: f.Render(6)}, nil
}

type stubSearch struct {
	fragments []string
	results   []invoices.Invoice
}

func (s *stubSearch) SearchByNumber(_ context.Context, fragments []string, _ int) ([]invoices.Invoice, error) {
	s.fragments = fragments
	return s.results, nil
}

type stubSweeper struct{ today time.Time }

func (s *stubSweeper) Sweep(_ context.Context, today time.Time) (overdue.Result, error) {
	s.today = today
	return overdue.Result{SalesUpdated: 1}, nil
}

type stubProjector struct{ calls int }

func (s *stubProjector) ProjectAll(_ context.Context, orderIDs []int64, partnerID int64) ([]carriers.Projection, error) {
	s.calls++
	out := make([]carriers.Projection, 0, len(orderIDs))
	for _, id := range orderIDs {
		out = append(out, carriers.Projection{OrderID: id, PartnerID: partnerID, Status: invoices.CarrierNotPaid})
	}
	return out, nil
}

type stubRegistry struct {
	Registry
	deleted []invoices.Ref
}

func (s *stubRegistry) DeleteSalesInvoice(_ context.Context, id int64) error {
	s.deleted = append(s.deleted, invoices.SalesRef(id))
	return nil
}

func (s *stubRegistry) DeletePurchaseInvoice(_ context.Context, id int64) error {
	s.deleted = append(s.deleted, invoices.PurchaseRef(id))
	return nil
}

func TestFindNumberGapsUsesOverrides(t *testing.T) {
	numbers := &stubNumbers{gaps: []numbering.Gap{{Start: 3, End: 4}}}
	svc := NewService(Deps{Numbers: numbers})

	report, err := svc.FindNumberGaps(context.Background(), FormatRequest{Kind: numbering.KindSalesInvoice}, 10)
	require.NoError(t, err)
	require.Equal(t, "LOG0000003", report.FirstGap)
	require.Equal(t, "LOG", numbers.gapFormat.Prefix)

	report, err = svc.FindNumberGaps(context.Background(), FormatRequest{Kind: numbering.KindSalesInvoice, Prefix: "SF", Width: 4}, 10)
	require.NoError(t, err)
	require.Equal(t, "SF0003", report.FirstGap)
	require.Equal(t, numbering.Format{Prefix: "SF", Width: 4}, numbers.gapFormat)

	_, err = svc.FindNumberGaps(context.Background(), FormatRequest{Kind: "pallet"}, 10)
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestResyncSequence(t *testing.T) {
	numbers := &stubNumbers{}
	svc := NewService(Deps{Numbers: numbers})

	res, err := svc.ResyncSequence(context.Background(), FormatRequest{Kind: numbering.KindOrder})
	require.NoError(t, err)
	require.Equal(t, "2025-006", res.Next)
	require.Equal(t, "2025", numbers.resyncFormat.Prefix)
}

func TestFindInvoicesByText(t *testing.T) {
	search := &stubSearch{results: []invoices.Invoice{
		{Ref: invoices.SalesRef(7), Number: "SF2025-0007"},
		{Ref: invoices.PurchaseRef(2), ReceivedNumber: "CARR-99"},
	}}
	svc := NewService(Deps{Search: search})

	matches, err := svc.FindInvoicesByText(context.Background(), "Re: sf2025-0007 payment", 0)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	require.Equal(t, "sales:7", matches[0].Ref)
	require.Contains(t, search.fragments, "SF2025-0007")

	matches, err = svc.FindInvoicesByText(context.Background(), "hi", 0)
	require.NoError(t, err)
	require.Empty(t, matches)
}

func TestSweepOverdueDefaultsToNow(t *testing.T) {
	sweeper := &stubSweeper{}
	svc := NewService(Deps{Sweeper: sweeper})
	fixed := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return fixed }

	res, err := svc.SweepOverdue(context.Background(), time.Time{})
	require.NoError(t, err)
	require.Equal(t, 1, res.SalesUpdated)
	require.Equal(t, fixed, sweeper.today)
}

func TestProjectCarrierPaymentValidates(t *testing.T) {
	projector := &stubProjector{}
	svc := NewService(Deps{Projector: projector})
	ctx := context.Background()

	_, err := svc.ProjectCarrierPayment(ctx, []int64{1}, 0)
	require.ErrorIs(t, err, shared.ErrValidation)
	_, err = svc.ProjectCarrierPayment(ctx, nil, 3)
	require.ErrorIs(t, err, shared.ErrValidation)
	_, err = svc.ProjectCarrierPayment(ctx, []int64{1, -2}, 3)
	require.ErrorIs(t, err, shared.ErrValidation)
	require.Zero(t, projector.calls)

	out, err := svc.ProjectCarrierPayment(ctx, []int64{1, 2}, 3)
	require.NoError(t, err)
	require.Len(t, out, 2)
}

func TestDeleteInvoiceDispatchesBySide(t *testing.T) {
	registry := &stubRegistry{}
	svc := NewService(Deps{Registry: registry})
	ctx := context.Background()

	require.NoError(t, svc.DeleteInvoice(ctx, invoices.SalesRef(1)))
	require.NoError(t, svc.DeleteInvoice(ctx, invoices.PurchaseRef(2)))
	require.ErrorIs(t, svc.DeleteInvoice(ctx, invoices.Ref{Side: "x", ID: 1}), shared.ErrValidation)
	require.Equal(t, []invoices.Ref{invoices.SalesRef(1), invoices.PurchaseRef(2)}, registry.deleted)
}

func TestImportBankCSVRejectsEmpty(t *testing.T) {
	svc := NewService(Deps{})
	_, err := svc.ImportBankCSV(context.Background(), nil, bankimport.ImportOptions{})
	require.ErrorIs(t, err, shared.ErrValidation)
}
