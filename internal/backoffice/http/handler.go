// Package backofficehttp exposes the back-office operations as a JSON API.
package backofficehttp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/baltic-freight/tms/internal/backoffice"
	"github.com/baltic-freight/tms/internal/bankimport"
	"github.com/baltic-freight/tms/internal/carriers"
	"github.com/baltic-freight/tms/internal/invoices"
	"github.com/baltic-freight/tms/internal/matching"
	"github.com/baltic-freight/tms/internal/numbering"
	"github.com/baltic-freight/tms/internal/overdue"
	"github.com/baltic-freight/tms/internal/payments"
	"github.com/baltic-freight/tms/internal/platform/httpx"
	"github.com/baltic-freight/tms/internal/shared"
)

// MaxStatementBytes bounds an uploaded bank statement.
const MaxStatementBytes = 10 << 20

type backOffice interface {
	AllocateSalesInvoiceNumber(ctx context.Context) (string, error)
	AllocateOrderNumber(ctx context.Context) (string, error)
	AllocateExpeditionNumber(ctx context.Context, kind numbering.ExpeditionKind) (string, error)
	FindNumberGaps(ctx context.Context, req backoffice.FormatRequest, maxGaps int) (backoffice.GapReport, error)
	ResyncSequence(ctx context.Context, req backoffice.FormatRequest) (numbering.ResyncResult, error)
	AddPayment(ctx context.Context, in payments.AddPaymentInput) (payments.Result, error)
	DeletePayment(ctx context.Context, id int64) (payments.Result, error)
	MarkPaid(ctx context.Context, in payments.MarkPaidInput) (payments.Result, error)
	MarkUnpaid(ctx context.Context, ref invoices.Ref) (payments.Result, error)
	PaymentSummary(ctx context.Context, ref invoices.Ref) (payments.Summary, error)
	ImportBankCSV(ctx context.Context, data []byte, opts bankimport.ImportOptions) (bankimport.Report, error)
	SweepOverdue(ctx context.Context, today time.Time) (overdue.Result, error)
	ProjectCarrierPayment(ctx context.Context, orderIDs []int64, partnerID int64) ([]carriers.Projection, error)
	FindInvoicesByText(ctx context.Context, text string, limit int) ([]matching.Match, error)
	GetInvoice(ctx context.Context, ref invoices.Ref) (invoices.Invoice, error)
	DeleteInvoice(ctx context.Context, ref invoices.Ref) error
}

// Handler serves the back-office API.
type Handler struct {
	logger  *slog.Logger
	service backOffice
}

// NewHandler constructs the handler.
func NewHandler(logger *slog.Logger, service backOffice) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers HTTP routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/numbers", func(r chi.Router) {
		r.Post("/sales-invoice", h.allocateSalesInvoice)
		r.Post("/order", h.allocateOrder)
		r.Post("/expedition/{kind}", h.allocateExpedition)
		r.Get("/{kind}/gaps", h.findGaps)
		r.Post("/{kind}/resync", h.resync)
	})
	r.Route("/invoices", func(r chi.Router) {
		r.Get("/search", h.searchInvoices)
		r.Route("/{side}/{id}", func(r chi.Router) {
			r.Get("/", h.getInvoice)
			r.Delete("/", h.deleteInvoice)
			r.Get("/payments", h.paymentSummary)
			r.Post("/payments", h.addPayment)
			r.Post("/mark-paid", h.markPaid)
			r.Post("/mark-unpaid", h.markUnpaid)
		})
	})
	r.Delete("/payments/{id}", h.deletePayment)
	r.Post("/bank-statements", h.importStatement)
	r.Post("/overdue/sweep", h.sweepOverdue)
	r.Post("/carriers/project", h.projectCarriers)
}

type numberResponse struct {
	Number string `json:"number"`
}

func (h *Handler) allocateSalesInvoice(w http.ResponseWriter, r *http.Request) {
	h.respondNumber(w, r, "sales invoice", h.service.AllocateSalesInvoiceNumber)
}

func (h *Handler) allocateOrder(w http.ResponseWriter, r *http.Request) {
	h.respondNumber(w, r, "order", h.service.AllocateOrderNumber)
}

func (h *Handler) allocateExpedition(w http.ResponseWriter, r *http.Request) {
	kind := numbering.ExpeditionKind(chi.URLParam(r, "kind"))
	h.respondNumber(w, r, "expedition", func(ctx context.Context) (string, error) {
		return h.service.AllocateExpeditionNumber(ctx, kind)
	})
}

func (h *Handler) respondNumber(w http.ResponseWriter, r *http.Request, what string, allocate func(context.Context) (string, error)) {
	number, err := allocate(r.Context())
	if err != nil {
		h.fail(w, "allocate "+what+" number", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, numberResponse{Number: number})
}

func formatRequest(r *http.Request) (backoffice.FormatRequest, error) {
	req := backoffice.FormatRequest{
		Kind:   numbering.Kind(chi.URLParam(r, "kind")),
		Prefix: r.URL.Query().Get("prefix"),
	}
	if raw := r.URL.Query().Get("width"); raw != "" {
		width, err := strconv.Atoi(raw)
		if err != nil {
			return req, shared.Invalid("width", "must be an integer")
		}
		req.Width = width
	}
	return req, nil
}

func (h *Handler) findGaps(w http.ResponseWriter, r *http.Request) {
	req, err := formatRequest(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	maxGaps := 0
	if raw := r.URL.Query().Get("max"); raw != "" {
		if maxGaps, err = strconv.Atoi(raw); err != nil || maxGaps < 0 {
			httpx.RespondError(w, shared.Invalid("max", "must be a non-negative integer"))
			return
		}
	}
	report, err := h.service.FindNumberGaps(r.Context(), req, maxGaps)
	if err != nil {
		h.fail(w, "find number gaps", err)
		return
	}
	httpx.JSON(w, http.StatusOK, report)
}

func (h *Handler) resync(w http.ResponseWriter, r *http.Request) {
	req, err := formatRequest(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	res, err := h.service.ResyncSequence(r.Context(), req)
	if err != nil {
		h.fail(w, "resync sequence", err)
		return
	}
	httpx.JSON(w, http.StatusOK, res)
}

func (h *Handler) searchInvoices(w http.ResponseWriter, r *http.Request) {
	text := r.URL.Query().Get("text")
	if text == "" {
		httpx.RespondError(w, shared.Invalid("text", "required"))
		return
	}
	matches, err := h.service.FindInvoicesByText(r.Context(), text, 0)
	if err != nil {
		h.fail(w, "search invoices", err)
		return
	}
	if matches == nil {
		matches = []matching.Match{}
	}
	httpx.JSON(w, http.StatusOK, matches)
}

func (h *Handler) getInvoice(w http.ResponseWriter, r *http.Request) {
	ref, err := invoiceRef(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	inv, err := h.service.GetInvoice(r.Context(), ref)
	if err != nil {
		h.fail(w, "get invoice", err)
		return
	}
	httpx.JSON(w, http.StatusOK, newInvoiceResponse(inv))
}

func (h *Handler) deleteInvoice(w http.ResponseWriter, r *http.Request) {
	ref, err := invoiceRef(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.service.DeleteInvoice(r.Context(), ref); err != nil {
		h.fail(w, "delete invoice", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) paymentSummary(w http.ResponseWriter, r *http.Request) {
	ref, err := invoiceRef(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	summary, err := h.service.PaymentSummary(r.Context(), ref)
	if err != nil {
		h.fail(w, "payment summary", err)
		return
	}
	httpx.JSON(w, http.StatusOK, summary)
}

func (h *Handler) addPayment(w http.ResponseWriter, r *http.Request) {
	ref, err := invoiceRef(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req addPaymentRequest
	if err := decode(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	date, err := parseDate("payment_date", req.PaymentDate)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	res, err := h.service.AddPayment(r.Context(), payments.AddPaymentInput{
		Ref: ref, Amount: req.Amount, Date: date, Method: req.Method, Notes: req.Notes,
		OffsetTargets: req.OffsetTargets,
	})
	if err != nil {
		h.fail(w, "add payment", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, res)
}

func (h *Handler) deletePayment(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	res, err := h.service.DeletePayment(r.Context(), id)
	if err != nil {
		h.fail(w, "delete payment", err)
		return
	}
	httpx.JSON(w, http.StatusOK, res)
}

func (h *Handler) markPaid(w http.ResponseWriter, r *http.Request) {
	ref, err := invoiceRef(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req markPaidRequest
	if r.ContentLength != 0 {
		if err := decode(r, &req); err != nil {
			httpx.RespondError(w, err)
			return
		}
	}
	in := payments.MarkPaidInput{Ref: ref, Method: req.Method, Notes: req.Notes}
	if req.PaymentDate != "" {
		date, err := parseDate("payment_date", req.PaymentDate)
		if err != nil {
			httpx.RespondError(w, err)
			return
		}
		in.Date = &date
	}
	res, err := h.service.MarkPaid(r.Context(), in)
	if err != nil {
		h.fail(w, "mark paid", err)
		return
	}
	httpx.JSON(w, http.StatusOK, res)
}

func (h *Handler) markUnpaid(w http.ResponseWriter, r *http.Request) {
	ref, err := invoiceRef(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	res, err := h.service.MarkUnpaid(r.Context(), ref)
	if err != nil {
		h.fail(w, "mark unpaid", err)
		return
	}
	httpx.JSON(w, http.StatusOK, res)
}

func (h *Handler) importStatement(w http.ResponseWriter, r *http.Request) {
	data, err := readStatement(w, r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	force, _ := strconv.ParseBool(r.URL.Query().Get("force"))
	report, err := h.service.ImportBankCSV(r.Context(), data, bankimport.ImportOptions{Force: force})
	if err != nil {
		h.fail(w, "import bank statement", err)
		return
	}
	httpx.JSON(w, http.StatusOK, report)
}

func readStatement(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	r.Body = http.MaxBytesReader(w, r.Body, MaxStatementBytes)
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType != "multipart/form-data" {
		data, err := io.ReadAll(r.Body)
		if err != nil {
			return nil, shared.Invalid("file", err.Error())
		}
		return data, nil
	}
	if err := r.ParseMultipartForm(MaxStatementBytes); err != nil {
		return nil, shared.Invalid("file", err.Error())
	}
	file, _, err := r.FormFile("file")
	if err != nil {
		return nil, shared.Invalid("file", "required")
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		return nil, shared.Invalid("file", err.Error())
	}
	return data, nil
}

func (h *Handler) sweepOverdue(w http.ResponseWriter, r *http.Request) {
	var today time.Time
	if raw := r.URL.Query().Get("today"); raw != "" {
		var err error
		if today, err = parseDate("today", raw); err != nil {
			httpx.RespondError(w, err)
			return
		}
	}
	res, err := h.service.SweepOverdue(r.Context(), today)
	if err != nil {
		h.fail(w, "sweep overdue", err)
		return
	}
	httpx.JSON(w, http.StatusOK, res)
}

func (h *Handler) projectCarriers(w http.ResponseWriter, r *http.Request) {
	var req projectRequest
	if err := decode(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	out, err := h.service.ProjectCarrierPayment(r.Context(), req.OrderIDs, req.PartnerID)
	if err != nil {
		h.fail(w, "project carrier payment", err)
		return
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	if !errors.Is(err, shared.ErrValidation) && !errors.Is(err, shared.ErrNotFound) && !errors.Is(err, shared.ErrConflict) {
		h.logger.Error(op, slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}

func invoiceRef(r *http.Request) (invoices.Ref, error) {
	return invoices.ParseRef(chi.URLParam(r, "side") + ":" + chi.URLParam(r, "id"))
}

func pathID(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		return 0, shared.Invalid(name, "must be a positive integer")
	}
	return id, nil
}

func parseDate(field, raw string) (time.Time, error) {
	t, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		return time.Time{}, shared.Invalid(field, fmt.Sprintf("expected YYYY-MM-DD, got %q", raw))
	}
	return t, nil
}

func decode(r *http.Request, target any) error {
	if err := httpx.DecodeJSON(r, target); err != nil {
		return shared.Invalid("body", err.Error())
	}
	return shared.ValidateStruct(target)
}
