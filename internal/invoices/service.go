package invoices

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/baltic-freight/tms/internal/shared"
)

// NumberAllocator hands out invoice numbers from the shared sequence.
type NumberAllocator interface {
	AllocateSalesInvoiceNumber(ctx context.Context) (string, error)
	AllocatePurchaseInvoiceNumber(ctx context.Context) (string, error)
}

// CarrierProjector re-derives order-carrier payment state for (order, partner) pairs.
type CarrierProjector interface {
	Refresh(ctx context.Context, orderIDs []int64, partnerID int64) error
}

// CreateSalesInput captures a new sales invoice.
type CreateSalesInput struct {
	Number         string
	Type           SalesInvoiceType `validate:"required,oneof=proforma pre_invoice final credit"`
	PartnerID      int64            `validate:"gt=0"`
	AmountNet      decimal.Decimal
	VATRate        decimal.Decimal
	IssueDate      time.Time `validate:"required"`
	DueDate        time.Time `validate:"required"`
	RelatedOrderID *int64
	Orders         []OrderLink
}

// CreatePurchaseInput captures a received supplier invoice.
type CreatePurchaseInput struct {
	Number               string
	AssignInternalNumber bool
	ReceivedNumber       string `validate:"required,max=64"`
	PartnerID            int64  `validate:"gt=0"`
	AmountNet            decimal.Decimal
	VATRate              decimal.Decimal
	IssueDate            time.Time `validate:"required"`
	DueDate              time.Time `validate:"required"`
	RelatedOrderID       *int64
	Orders               []OrderLink
}

// Service is the invoice registry.
type Service struct {
	repo      Repository
	numbers   NumberAllocator
	projector CarrierProjector
	audit     shared.AuditRecorder
	logger    *slog.Logger
}

// NewService constructs the registry.
func NewService(repo Repository, numbers NumberAllocator, projector CarrierProjector, audit shared.AuditRecorder, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, numbers: numbers, projector: projector, audit: audit, logger: logger}
}

// GetInvoice loads one invoice with its order links.
func (s *Service) GetInvoice(ctx context.Context, ref Ref) (Invoice, error) {
	if err := ref.Validate(); err != nil {
		return Invoice{}, err
	}
	return s.repo.Get(ctx, ref)
}

// CreateSalesInvoice stores a sales invoice, allocating a number when blank.
func (s *Service) CreateSalesInvoice(ctx context.Context, input CreateSalesInput) (Invoice, error) {
	if err := shared.ValidateStruct(input); err != nil {
		return Invoice{}, err
	}
	inv := Invoice{
		Ref:            Ref{Side: SideSales},
		Number:         input.Number,
		Type:           input.Type,
		PartnerID:      input.PartnerID,
		AmountNet:      input.AmountNet,
		VATRate:        input.VATRate,
		IssueDate:      Day(input.IssueDate),
		DueDate:        Day(input.DueDate),
		RelatedOrderID: input.RelatedOrderID,
		Orders:         input.Orders,
	}
	if err := validateAmounts(inv, input.Type == TypeCredit); err != nil {
		return Invoice{}, err
	}
	if inv.Number == "" {
		number, err := s.numbers.AllocateSalesInvoiceNumber(ctx)
		if err != nil {
			return Invoice{}, fmt.Errorf("allocate sales invoice number: %w", err)
		}
		inv.Number = number
	}
	return s.create(ctx, inv)
}

// CreatePurchaseInvoice stores a supplier invoice and refreshes carrier payment state.
func (s *Service) CreatePurchaseInvoice(ctx context.Context, input CreatePurchaseInput) (Invoice, error) {
	if err := shared.ValidateStruct(input); err != nil {
		return Invoice{}, err
	}
	inv := Invoice{
		Ref:            Ref{Side: SidePurchase},
		Number:         input.Number,
		ReceivedNumber: input.ReceivedNumber,
		PartnerID:      input.PartnerID,
		AmountNet:      input.AmountNet,
		VATRate:        input.VATRate,
		IssueDate:      Day(input.IssueDate),
		DueDate:        Day(input.DueDate),
		RelatedOrderID: input.RelatedOrderID,
		Orders:         input.Orders,
	}
	if err := validateAmounts(inv, false); err != nil {
		return Invoice{}, err
	}
	if inv.Number == "" && input.AssignInternalNumber {
		number, err := s.numbers.AllocatePurchaseInvoiceNumber(ctx)
		if err != nil {
			return Invoice{}, fmt.Errorf("allocate purchase invoice number: %w", err)
		}
		inv.Number = number
	}
	created, err := s.create(ctx, inv)
	if err != nil {
		return Invoice{}, err
	}
	s.refreshCarriers(ctx, created.OrderIDs(), created.PartnerID)
	return created, nil
}

func (s *Service) create(ctx context.Context, inv Invoice) (Invoice, error) {
	inv.AmountTotal = inv.ComputeTotal()
	inv.PaymentStatus = StatusUnpaid
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		id, err := tx.Insert(ctx, inv)
		if err != nil {
			return err
		}
		inv.Ref.ID = id
		return tx.InsertOrderLinks(ctx, inv.Ref, inv.Orders)
	})
	if err != nil {
		return Invoice{}, err
	}
	s.record(ctx, "invoice.create", inv.Ref, map[string]any{"number": inv.DisplayNumber(), "total": inv.AmountTotal.StringFixed(2)})
	return inv, nil
}

// DeleteSalesInvoice removes a sales invoice and its payment events.
func (s *Service) DeleteSalesInvoice(ctx context.Context, id int64) error {
	_, err := s.delete(ctx, SalesRef(id))
	return err
}

// DeletePurchaseInvoice removes a supplier invoice, then re-projects the
// (order, partner) pairs captured before the row disappeared.
func (s *Service) DeletePurchaseInvoice(ctx context.Context, id int64) error {
	deleted, err := s.delete(ctx, PurchaseRef(id))
	if err != nil {
		return err
	}
	s.refreshCarriers(ctx, deleted.OrderIDs(), deleted.PartnerID)
	return nil
}

func (s *Service) delete(ctx context.Context, ref Ref) (Invoice, error) {
	if err := ref.Validate(); err != nil {
		return Invoice{}, err
	}
	var deleted Invoice
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		inv, err := tx.GetForUpdate(ctx, ref)
		if err != nil {
			return err
		}
		deleted = inv
		return tx.Delete(ctx, ref)
	})
	if err != nil {
		return Invoice{}, err
	}
	s.record(ctx, "invoice.delete", ref, map[string]any{"number": deleted.DisplayNumber()})
	return deleted, nil
}

func (s *Service) refreshCarriers(ctx context.Context, orderIDs []int64, partnerID int64) {
	if s.projector == nil || len(orderIDs) == 0 {
		return
	}
	if err := s.projector.Refresh(ctx, orderIDs, partnerID); err != nil {
		s.logger.Warn("carrier payment projection failed",
			slog.Any("order_ids", orderIDs), slog.Int64("partner_id", partnerID), slog.Any("error", err))
	}
}

func (s *Service) record(ctx context.Context, action string, ref Ref, meta map[string]any) {
	if s.audit == nil {
		return
	}
	entry := shared.AuditLog{
		ActorID:  shared.ActorFromContext(ctx),
		Action:   action,
		Entity:   string(ref.Side) + "_invoice",
		EntityID: strconv.FormatInt(ref.ID, 10),
		Meta:     meta,
	}
	if err := s.audit.Record(ctx, entry); err != nil {
		s.logger.Warn("audit record failed", slog.String("action", action), slog.Any("error", err))
	}
}

func validateAmounts(inv Invoice, allowNegative bool) error {
	if inv.VATRate.IsNegative() || inv.VATRate.GreaterThan(decimal.NewFromInt(100)) {
		return shared.Invalid("vat_rate", "must be between 0 and 100")
	}
	if !allowNegative && inv.EffectiveNet().IsNegative() {
		return shared.Invalid("amount_net", "must not be negative")
	}
	if inv.DueDate.Before(inv.IssueDate) {
		return shared.Invalid("due_date", "must not precede issue_date")
	}
	for _, link := range inv.Orders {
		if link.OrderID <= 0 {
			return shared.Invalid("orders", "order id must be positive")
		}
	}
	return nil
}
