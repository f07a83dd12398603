// Package backoffice is the service boundary of the accounting core. It
// exposes the numbering, ledger, reconciliation and projection operations to
// the HTTP layer, scheduled jobs and the ops CLI.
package backoffice

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/baltic-freight/tms/internal/bankimport"
	"github.com/baltic-freight/tms/internal/carriers"
	"github.com/baltic-freight/tms/internal/invoices"
	"github.com/baltic-freight/tms/internal/matching"
	"github.com/baltic-freight/tms/internal/numbering"
	"github.com/baltic-freight/tms/internal/overdue"
	"github.com/baltic-freight/tms/internal/payments"
	"github.com/baltic-freight/tms/internal/shared"
)

// DefaultSearchLimit bounds FindInvoicesByText candidates.
const DefaultSearchLimit = 50

// Numbers allocates and audits serial numbers.
type Numbers interface {
	AllocateSalesInvoiceNumber(ctx context.Context) (string, error)
	AllocateOrderNumber(ctx context.Context) (string, error)
	AllocateExpeditionNumber(ctx context.Context, kind numbering.ExpeditionKind) (string, error)
	FormatFor(kind numbering.Kind) numbering.Format
	Gaps(ctx context.Context, kind numbering.Kind, f numbering.Format, maxGaps int) ([]numbering.Gap, error)
	FirstGap(ctx context.Context, kind numbering.Kind, f numbering.Format) (string, error)
	Resync(ctx context.Context, kind numbering.Kind, f numbering.Format) (numbering.ResyncResult, error)
}

// Ledger is the payment-status engine.
type Ledger interface {
	AddPayment(ctx context.Context, in payments.AddPaymentInput) (payments.Result, error)
	DeletePayment(ctx context.Context, id int64) (payments.Result, error)
	MarkPaid(ctx context.Context, in payments.MarkPaidInput) (payments.Result, error)
	MarkUnpaid(ctx context.Context, ref invoices.Ref) (payments.Result, error)
	Summary(ctx context.Context, ref invoices.Ref) (payments.Summary, error)
}

// Registry manages invoice documents.
type Registry interface {
	GetInvoice(ctx context.Context, ref invoices.Ref) (invoices.Invoice, error)
	CreateSalesInvoice(ctx context.Context, in invoices.CreateSalesInput) (invoices.Invoice, error)
	CreatePurchaseInvoice(ctx context.Context, in invoices.CreatePurchaseInput) (invoices.Invoice, error)
	DeleteSalesInvoice(ctx context.Context, id int64) error
	DeletePurchaseInvoice(ctx context.Context, id int64) error
}

// InvoiceSearch finds invoices whose numbers contain any fragment.
type InvoiceSearch interface {
	SearchByNumber(ctx context.Context, fragments []string, limit int) ([]invoices.Invoice, error)
}

// Importer reconciles bank statements.
type Importer interface {
	Import(ctx context.Context, data []byte, opts bankimport.ImportOptions) (bankimport.Report, error)
}

// Sweeper promotes overdue invoices.
type Sweeper interface {
	Sweep(ctx context.Context, today time.Time) (overdue.Result, error)
}

// Projector rolls purchase invoice settlement up to order carriers.
type Projector interface {
	ProjectAll(ctx context.Context, orderIDs []int64, partnerID int64) ([]carriers.Projection, error)
}

// Deps groups the collaborators of Service.
type Deps struct {
	Numbers   Numbers
	Ledger    Ledger
	Registry  Registry
	Search    InvoiceSearch
	Importer  Importer
	Sweeper   Sweeper
	Projector Projector
	Logger    *slog.Logger
}

// Service is the back-office facade.
type Service struct {
	Deps
	now func() time.Time
}

// NewService constructs the facade.
func NewService(deps Deps) *Service {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Service{Deps: deps, now: time.Now}
}

// FormatRequest optionally overrides the configured format of a kind.
type FormatRequest struct {
	Kind   numbering.Kind `validate:"required"`
	Prefix string         `validate:"max=32"`
	Width  int            `validate:"gte=0,lte=18"`
}

func (s *Service) format(req FormatRequest) (numbering.Format, error) {
	if err := shared.ValidateStruct(req); err != nil {
		return numbering.Format{}, err
	}
	if !req.Kind.Valid() {
		return numbering.Format{}, shared.Invalid("kind", "unknown numbering kind")
	}
	f := s.Numbers.FormatFor(req.Kind)
	if p := strings.TrimSpace(req.Prefix); p != "" {
		f.Prefix = p
	}
	if req.Width > 0 {
		f.Width = req.Width
	}
	return f, nil
}

// AllocateSalesInvoiceNumber allocates the next sales invoice number.
func (s *Service) AllocateSalesInvoiceNumber(ctx context.Context) (string, error) {
	return s.Numbers.AllocateSalesInvoiceNumber(ctx)
}

// AllocateOrderNumber allocates the next order number.
func (s *Service) AllocateOrderNumber(ctx context.Context) (string, error) {
	return s.Numbers.AllocateOrderNumber(ctx)
}

// AllocateExpeditionNumber allocates a carrier, warehouse or cost number.
func (s *Service) AllocateExpeditionNumber(ctx context.Context, kind numbering.ExpeditionKind) (string, error) {
	return s.Numbers.AllocateExpeditionNumber(ctx, kind)
}

// GapReport lists unused serials of one kind.
type GapReport struct {
	Kind     numbering.Kind  `json:"kind"`
	Prefix   string          `json:"prefix"`
	Gaps     []numbering.Gap `json:"gaps"`
	FirstGap string          `json:"first_gap,omitempty"`
}

// FindNumberGaps reports unused ranges of req.Kind, at most maxGaps.
func (s *Service) FindNumberGaps(ctx context.Context, req FormatRequest, maxGaps int) (GapReport, error) {
	f, err := s.format(req)
	if err != nil {
		return GapReport{}, err
	}
	gaps, err := s.Numbers.Gaps(ctx, req.Kind, f, maxGaps)
	if err != nil {
		return GapReport{}, err
	}
	report := GapReport{Kind: req.Kind, Prefix: f.Prefix, Gaps: gaps}
	if len(gaps) > 0 {
		report.FirstGap = f.Render(gaps[0].Start)
	}
	return report, nil
}

// FirstNumberGap renders the lowest unused serial of req.Kind.
func (s *Service) FirstNumberGap(ctx context.Context, req FormatRequest) (string, error) {
	f, err := s.format(req)
	if err != nil {
		return "", err
	}
	return s.Numbers.FirstGap(ctx, req.Kind, f)
}

// ResyncSequence moves the counter of req.Kind to the highest live suffix.
func (s *Service) ResyncSequence(ctx context.Context, req FormatRequest) (numbering.ResyncResult, error) {
	f, err := s.format(req)
	if err != nil {
		return numbering.ResyncResult{}, err
	}
	res, err := s.Numbers.Resync(ctx, req.Kind, f)
	if err != nil {
		return numbering.ResyncResult{}, err
	}
	s.Logger.Info("sequence resynced",
		slog.String("kind", string(req.Kind)),
		slog.Int64("last_number", res.LastNumber),
		slog.Int64("actor", shared.ActorFromContext(ctx)))
	return res, nil
}

// AddPayment records a payment, netting offsets when requested.
func (s *Service) AddPayment(ctx context.Context, in payments.AddPaymentInput) (payments.Result, error) {
	return s.Ledger.AddPayment(ctx, in)
}

// DeletePayment removes a payment and its offset group.
func (s *Service) DeletePayment(ctx context.Context, id int64) (payments.Result, error) {
	return s.Ledger.DeletePayment(ctx, id)
}

// MarkPaid settles the remaining amount of an invoice.
func (s *Service) MarkPaid(ctx context.Context, in payments.MarkPaidInput) (payments.Result, error) {
	return s.Ledger.MarkPaid(ctx, in)
}

// MarkUnpaid removes every payment of an invoice.
func (s *Service) MarkUnpaid(ctx context.Context, ref invoices.Ref) (payments.Result, error) {
	return s.Ledger.MarkUnpaid(ctx, ref)
}

// PaymentSummary reports paid, remaining and the events of an invoice.
func (s *Service) PaymentSummary(ctx context.Context, ref invoices.Ref) (payments.Summary, error) {
	return s.Ledger.Summary(ctx, ref)
}

// ImportBankCSV reconciles a statement against open invoices.
func (s *Service) ImportBankCSV(ctx context.Context, data []byte, opts bankimport.ImportOptions) (bankimport.Report, error) {
	if len(data) == 0 {
		return bankimport.Report{}, shared.Invalid("file", "statement is empty")
	}
	return s.Importer.Import(ctx, data, opts)
}

// SweepOverdue promotes invoices due before today. A zero today means now.
func (s *Service) SweepOverdue(ctx context.Context, today time.Time) (overdue.Result, error) {
	if today.IsZero() {
		today = s.now()
	}
	return s.Sweeper.Sweep(ctx, today)
}

// ProjectCarrierPayment re-derives carrier payment state for each order and partner.
func (s *Service) ProjectCarrierPayment(ctx context.Context, orderIDs []int64, partnerID int64) ([]carriers.Projection, error) {
	if partnerID <= 0 {
		return nil, shared.Invalid("partner_id", "must be positive")
	}
	if len(orderIDs) == 0 {
		return nil, shared.Invalid("order_ids", "at least one order required")
	}
	for _, id := range orderIDs {
		if id <= 0 {
			return nil, shared.Invalid("order_ids", "must be positive")
		}
	}
	return s.Projector.ProjectAll(ctx, orderIDs, partnerID)
}

// FindInvoicesByText returns invoices whose number appears in text, such as
// an e-mail subject or body.
func (s *Service) FindInvoicesByText(ctx context.Context, text string, limit int) ([]matching.Match, error) {
	tokens := matching.ExtractTokens(text)
	if len(tokens) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = DefaultSearchLimit
	}
	candidates, err := s.Search.SearchByNumber(ctx, tokens, limit)
	if err != nil {
		return nil, err
	}
	return matching.MatchInvoices(text, candidates), nil
}

// GetInvoice loads an invoice.
func (s *Service) GetInvoice(ctx context.Context, ref invoices.Ref) (invoices.Invoice, error) {
	return s.Registry.GetInvoice(ctx, ref)
}

// CreateSalesInvoice registers a sales invoice.
func (s *Service) CreateSalesInvoice(ctx context.Context, in invoices.CreateSalesInput) (invoices.Invoice, error) {
	return s.Registry.CreateSalesInvoice(ctx, in)
}

// CreatePurchaseInvoice registers a supplier invoice.
func (s *Service) CreatePurchaseInvoice(ctx context.Context, in invoices.CreatePurchaseInput) (invoices.Invoice, error) {
	return s.Registry.CreatePurchaseInvoice(ctx, in)
}

// DeleteInvoice removes an invoice and its payments.
func (s *Service) DeleteInvoice(ctx context.Context, ref invoices.Ref) error {
	if err := ref.Validate(); err != nil {
		return err
	}
	if ref.Side == invoices.SidePurchase {
		return s.Registry.DeletePurchaseInvoice(ctx, ref.ID)
	}
	return s.Registry.DeleteSalesInvoice(ctx, ref.ID)
}
