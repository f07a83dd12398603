package backofficehttp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/baltic-freight/tms/internal/backoffice"
	"github.com/baltic-freight/tms/internal/bankimport"
	"github.com/baltic-freight/tms/internal/carriers"
	"github.com/baltic-freight/tms/internal/invoices"
	"github.com/baltic-freight/tms/internal/matching"
	"github.com/baltic-freight/tms/internal/money"
	"github.com/baltic-freight/tms/internal/numbering"
	"github.com/baltic-freight/tms/internal/overdue"
	"github.com/baltic-freight/tms/internal/payments"
	"github.com/baltic-freight/tms/internal/shared"
)

type stubBackOffice struct {
	addInput      payments.AddPaymentInput
	markPaidInput payments.MarkPaidInput
	imported      []byte
	importOpts    bankimport.ImportOptions
	sweepToday    time.Time
	gapRequest    backoffice.FormatRequest
	gapMax        int
	deletedRef    invoices.Ref
	err           error
}

func (s *stubBackOffice) AllocateSalesInvoiceNumber(context.Context) (string, error) {
	return "LOG0000042", s.err
}

func (s *stubBackOffice) AllocateOrderNumber(context.Context) (string, error) {
	return "2025-007", s.err
}

func (s *stubBackOffice) AllocateExpeditionNumber(_ context.Context, kind numbering.ExpeditionKind) (string, error) {
	if _, err := kind.Kind(); err != nil {
		return "", err
	}
	return "E00003", s.err
}

func (s *stubBackOffice) FindNumberGaps(_ context.Context, req backoffice.FormatRequest, maxGaps int) (backoffice.GapReport, error) {
	s.gapRequest, s.gapMax = req, maxGaps
	return backoffice.GapReport{Kind: req.Kind, Prefix: "LOG", Gaps: []numbering.Gap{{Start: 2, End: 3}}, FirstGap: "LOG0000002"}, s.err
}

func (s *stubBackOffice) ResyncSequence(_ context.Context, req backoffice.FormatRequest) (numbering.ResyncResult, error) {
	return numbering.ResyncResult{Kind: req.Kind, LastNumber: 9, Next: "LOG0000010"}, s.err
}

func (s *stubBackOffice) AddPayment(_ context.Context, in payments.AddPaymentInput) (payments.Result, error) {
	s.addInput = in
	return payments.Result{Invoice: payments.Summary{InvoiceRef: in.Ref.String(), Status: invoices.StatusPartiallyPaid}, StatusChanged: true}, s.err
}

func (s *stubBackOffice) DeletePayment(_ context.Context, id int64) (payments.Result, error) {
	if id == 404 {
		return payments.Result{}, payments.ErrPaymentNotFound
	}
	return payments.Result{Invoice: payments.Summary{Status: invoices.StatusUnpaid}}, s.err
}

func (s *stubBackOffice) MarkPaid(_ context.Context, in payments.MarkPaidInput) (payments.Result, error) {
	s.markPaidInput = in
	return payments.Result{Invoice: payments.Summary{Status: invoices.StatusPaid}}, s.err
}

func (s *stubBackOffice) MarkUnpaid(_ context.Context, ref invoices.Ref) (payments.Result, error) {
	return payments.Result{Invoice: payments.Summary{InvoiceRef: ref.String(), Status: invoices.StatusUnpaid}}, s.err
}

func (s *stubBackOffice) PaymentSummary(_ context.Context, ref invoices.Ref) (payments.Summary, error) {
	return payments.Summary{InvoiceRef: ref.String(), Total: money.MustParse("121.00"), Status: invoices.StatusUnpaid}, s.err
}

func (s *stubBackOffice) ImportBankCSV(_ context.Context, data []byte, opts bankimport.ImportOptions) (bankimport.Report, error) {
	s.imported, s.importOpts = data, opts
	return bankimport.Report{BatchID: "batch", Total: 1, Matched: 1}, s.err
}

func (s *stubBackOffice) SweepOverdue(_ context.Context, today time.Time) (overdue.Result, error) {
	s.sweepToday = today
	return overdue.Result{SalesUpdated: 2}, s.err
}

func (s *stubBackOffice) ProjectCarrierPayment(_ context.Context, orderIDs []int64, partnerID int64) ([]carriers.Projection, error) {
	return []carriers.Projection{{OrderID: orderIDs[0], PartnerID: partnerID, Status: invoices.CarrierPaid}}, s.err
}

func (s *stubBackOffice) FindInvoicesByText(_ context.Context, text string, _ int) ([]matching.Match, error) {
	return matching.MatchInvoices(text, []invoices.Invoice{{Ref: invoices.SalesRef(7), Number: "SF2025-0007"}}), s.err
}

func (s *stubBackOffice) GetInvoice(_ context.Context, ref invoices.Ref) (invoices.Invoice, error) {
	if ref.ID == 404 {
		return invoices.Invoice{}, invoices.ErrInvoiceNotFound
	}
	return invoices.Invoice{
		Ref: ref, Number: "SF2025-0007", PartnerName: "UAB Alfa",
		AmountTotal: money.MustParse("121.00"), PaymentStatus: invoices.StatusUnpaid,
		IssueDate: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), DueDate: time.Date(2025, 1, 31, 0, 0, 0, 0, time.UTC),
	}, s.err
}

func (s *stubBackOffice) DeleteInvoice(_ context.Context, ref invoices.Ref) error {
	s.deletedRef = ref
	return s.err
}

func newRouter(svc *stubBackOffice) http.Handler {
	r := chi.NewRouter()
	NewHandler(nil, svc).MountRoutes(r)
	return r
}

func do(t *testing.T, h http.Handler, method, path string, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out))
	return out
}

func TestAllocateNumbers(t *testing.T) {
	h := newRouter(&stubBackOffice{})

	rr := do(t, h, http.MethodPost, "/numbers/sales-invoice", "")
	require.Equal(t, http.StatusCreated, rr.Code)
	require.Equal(t, "LOG0000042", decodeBody(t, rr)["number"])

	rr = do(t, h, http.MethodPost, "/numbers/expedition/warehouse", "")
	require.Equal(t, http.StatusCreated, rr.Code)

	rr = do(t, h, http.MethodPost, "/numbers/expedition/pallet", "")
	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Equal(t, "application/problem+json", rr.Header().Get("Content-Type"))
}

func TestAllocateExhausted(t *testing.T) {
	h := newRouter(&stubBackOffice{err: fmt.Errorf("order: %w", shared.ErrNumberingExhausted)})
	rr := do(t, h, http.MethodPost, "/numbers/order", "")
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestFindGapsParsesQuery(t *testing.T) {
	svc := &stubBackOffice{}
	h := newRouter(svc)

	rr := do(t, h, http.MethodGet, "/numbers/sales_invoice/gaps?prefix=SF&width=4&max=5", "")
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, backoffice.FormatRequest{Kind: numbering.KindSalesInvoice, Prefix: "SF", Width: 4}, svc.gapRequest)
	require.Equal(t, 5, svc.gapMax)
	require.Equal(t, "LOG0000002", decodeBody(t, rr)["first_gap"])

	rr = do(t, h, http.MethodGet, "/numbers/sales_invoice/gaps?width=abc", "")
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestAddPayment(t *testing.T) {
	svc := &stubBackOffice{}
	h := newRouter(svc)

	rr := do(t, h, http.MethodPost, "/invoices/purchase/3/payments",
		`{"amount":"100.00","payment_date":"2025-01-15","payment_method":"Sudengta","offset_targets":[1,2]}`)
	require.Equal(t, http.StatusCreated, rr.Code)
	require.Equal(t, invoices.PurchaseRef(3), svc.addInput.Ref)
	require.True(t, money.MustParse("100").Equal(svc.addInput.Amount))
	require.Equal(t, time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC), svc.addInput.Date)
	require.Equal(t, []int64{1, 2}, svc.addInput.OffsetTargets)

	rr = do(t, h, http.MethodPost, "/invoices/purchase/3/payments", `{"amount":"1","payment_date":"15.01.2025"}`)
	require.Equal(t, http.StatusBadRequest, rr.Code)

	rr = do(t, h, http.MethodPost, "/invoices/purchase/3/payments", `{"amount":"1","payment_date":"2025-01-15","unknown":true}`)
	require.Equal(t, http.StatusBadRequest, rr.Code)

	rr = do(t, h, http.MethodPost, "/invoices/refund/3/payments", `{"amount":"1","payment_date":"2025-01-15"}`)
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestMarkPaidWithoutBodyUsesDefaults(t *testing.T) {
	svc := &stubBackOffice{}
	h := newRouter(svc)

	rr := do(t, h, http.MethodPost, "/invoices/sales/7/mark-paid", "")
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, invoices.SalesRef(7), svc.markPaidInput.Ref)
	require.Nil(t, svc.markPaidInput.Date)

	rr = do(t, h, http.MethodPost, "/invoices/sales/7/mark-paid", `{"payment_date":"2025-02-03","payment_method":"Banko pavedimas"}`)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, time.Date(2025, 2, 3, 0, 0, 0, 0, time.UTC), *svc.markPaidInput.Date)
	require.Equal(t, "Banko pavedimas", svc.markPaidInput.Method)
}

func TestDeletePaymentNotFound(t *testing.T) {
	h := newRouter(&stubBackOffice{})
	rr := do(t, h, http.MethodDelete, "/payments/404", "")
	require.Equal(t, http.StatusNotFound, rr.Code)

	rr = do(t, h, http.MethodDelete, "/payments/x", "")
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestGetAndDeleteInvoice(t *testing.T) {
	svc := &stubBackOffice{}
	h := newRouter(svc)

	rr := do(t, h, http.MethodGet, "/invoices/sales/7", "")
	require.Equal(t, http.StatusOK, rr.Code)
	body := decodeBody(t, rr)
	require.Equal(t, "sales:7", body["invoice_ref"])
	require.Equal(t, "2025-01-31", body["due_date"])
	require.Equal(t, "121", body["amount_total"])

	rr = do(t, h, http.MethodGet, "/invoices/sales/404", "")
	require.Equal(t, http.StatusNotFound, rr.Code)

	rr = do(t, h, http.MethodDelete, "/invoices/purchase/5", "")
	require.Equal(t, http.StatusNoContent, rr.Code)
	require.Equal(t, invoices.PurchaseRef(5), svc.deletedRef)
}

func TestImportStatementMultipart(t *testing.T) {
	svc := &stubBackOffice{}
	h := newRouter(svc)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "statement.csv")
	require.NoError(t, err)
	_, err = part.Write([]byte("Data,Suma,Aprašymas\n"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/bank-statements?force=true", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "Data,Suma,Aprašymas\n", string(svc.imported))
	require.True(t, svc.importOpts.Force)
	require.Equal(t, "batch", decodeBody(t, rr)["batch_id"])
}

func TestImportStatementConflict(t *testing.T) {
	h := newRouter(&stubBackOffice{err: bankimport.ErrStatementAlreadyImported})
	req := httptest.NewRequest(http.MethodPost, "/bank-statements", strings.NewReader("Data,Suma,Info\n"))
	req.Header.Set("Content-Type", "text/csv")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	require.Equal(t, http.StatusConflict, rr.Code)
}

func TestSweepOverdueAcceptsToday(t *testing.T) {
	svc := &stubBackOffice{}
	h := newRouter(svc)

	rr := do(t, h, http.MethodPost, "/overdue/sweep?today=2025-01-10", "")
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC), svc.sweepToday)
	require.EqualValues(t, 2, decodeBody(t, rr)["sales_updated"])
}

func TestProjectCarriersValidates(t *testing.T) {
	h := newRouter(&stubBackOffice{})

	rr := do(t, h, http.MethodPost, "/carriers/project", `{"order_ids":[],"partner_id":3}`)
	require.Equal(t, http.StatusBadRequest, rr.Code)

	rr = do(t, h, http.MethodPost, "/carriers/project", `{"order_ids":[5],"partner_id":3}`)
	require.Equal(t, http.StatusOK, rr.Code)
}

func TestSearchInvoices(t *testing.T) {
	h := newRouter(&stubBackOffice{})

	rr := do(t, h, http.MethodGet, "/invoices/search?text=Re:+SF2025-0007", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var matches []map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &matches))
	require.Len(t, matches, 1)
	require.Equal(t, "sales:7", matches[0]["invoice_ref"])

	rr = do(t, h, http.MethodGet, "/invoices/search", "")
	require.Equal(t, http.StatusBadRequest, rr.Code)
}
