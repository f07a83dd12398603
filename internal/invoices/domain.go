// Package invoices holds the TMS document model shared by the accounting core:
// partners, orders, carrier legs and both invoice sides.
package invoices

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/baltic-freight/tms/internal/money"
	"github.com/baltic-freight/tms/internal/shared"
)

// Side distinguishes receivables from payables.
type Side string

const (
	SideSales    Side = "sales"
	SidePurchase Side = "purchase"
)

// Valid reports whether s is a known side.
func (s Side) Valid() bool {
	return s == SideSales || s == SidePurchase
}

// Ref addresses exactly one invoice on exactly one side.
type Ref struct {
	Side Side
	ID   int64
}

// SalesRef references a sales invoice.
func SalesRef(id int64) Ref { return Ref{Side: SideSales, ID: id} }

// PurchaseRef references a purchase invoice.
func PurchaseRef(id int64) Ref { return Ref{Side: SidePurchase, ID: id} }

// Validate enforces the one-side-one-id shape.
func (r Ref) Validate() error {
	if !r.Side.Valid() {
		return shared.Invalid("invoice_ref", "side must be sales or purchase")
	}
	if r.ID <= 0 {
		return shared.Invalid("invoice_ref", "id must be positive")
	}
	return nil
}

func (r Ref) String() string {
	return fmt.Sprintf("%s:%d", r.Side, r.ID)
}

// ParseRef reads the "side:id" form produced by Ref.String.
func ParseRef(s string) (Ref, error) {
	side, rawID, ok := strings.Cut(s, ":")
	if !ok {
		return Ref{}, shared.Invalid("invoice_ref", "expected side:id")
	}
	id, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil {
		return Ref{}, shared.Invalid("invoice_ref", "id must be numeric")
	}
	ref := Ref{Side: Side(side), ID: id}
	return ref, ref.Validate()
}

// PaymentStatus is the derived settlement state of an invoice.
type PaymentStatus string

const (
	StatusUnpaid        PaymentStatus = "unpaid"
	StatusPartiallyPaid PaymentStatus = "partially_paid"
	StatusPaid          PaymentStatus = "paid"
	StatusOverdue       PaymentStatus = "overdue"
)

// Open reports whether the invoice still expects money.
func (s PaymentStatus) Open() bool {
	return s == StatusUnpaid || s == StatusPartiallyPaid || s == StatusOverdue
}

// SalesInvoiceType enumerates sales document kinds.
type SalesInvoiceType string

const (
	TypeProforma   SalesInvoiceType = "proforma"
	TypePreInvoice SalesInvoiceType = "pre_invoice"
	TypeFinal      SalesInvoiceType = "final"
	TypeCredit     SalesInvoiceType = "credit"
)

// Partner is a commercial counterparty.
type Partner struct {
	ID         int64
	Name       string
	Email      string
	IsClient   bool
	IsSupplier bool
}

// OrderStatus tracks a transport job lifecycle.
type OrderStatus string

const (
	OrderNew               OrderStatus = "new"
	OrderAssigned          OrderStatus = "assigned"
	OrderExecuting         OrderStatus = "executing"
	OrderWaitingForDocs    OrderStatus = "waiting_for_docs"
	OrderWaitingForPayment OrderStatus = "waiting_for_payment"
	OrderFinished          OrderStatus = "finished"
	OrderClosed            OrderStatus = "closed"
	OrderCanceled          OrderStatus = "canceled"
)

// Order is a transport job.
type Order struct {
	ID                  int64
	Number              string
	ClientID            int64
	ManagerID           *int64
	Status              OrderStatus
	ClientInvoiceIssued bool
	Costs               []OrderCost
}

// OrderCost is an additional cost line carrying its own expedition number.
type OrderCost struct {
	ID               int64
	OrderID          int64
	PartnerID        *int64
	Description      string
	Amount           decimal.Decimal
	ExpeditionNumber string
}

// CarrierRole is the function a partner performs on an order leg.
type CarrierRole string

const (
	RoleCarrier   CarrierRole = "carrier"
	RoleWarehouse CarrierRole = "warehouse"
)

// CarrierPaymentStatus is the order-side projection of supplier settlement.
type CarrierPaymentStatus string

const (
	CarrierNotPaid       CarrierPaymentStatus = "not_paid"
	CarrierPartiallyPaid CarrierPaymentStatus = "partially_paid"
	CarrierPaid          CarrierPaymentStatus = "paid"
)

// OrderCarrier is one leg of an order assigned to a partner.
type OrderCarrier struct {
	ID               int64
	OrderID          int64
	PartnerID        int64
	Role             CarrierRole
	PriceNet         decimal.Decimal
	VATRate          decimal.Decimal
	ExpeditionNumber string
	PaymentStatus    CarrierPaymentStatus
	PaymentDate      *time.Time
}

// OrderLink ties an invoice to an order with a per-order net amount.
type OrderLink struct {
	OrderID int64
	Amount  decimal.Decimal
}

// Invoice is the side-agnostic view of a sales or purchase invoice.
type Invoice struct {
	Ref            Ref
	Number         string
	ReceivedNumber string
	Type           SalesInvoiceType
	PartnerID      int64
	PartnerName    string
	AmountNet      decimal.Decimal
	VATRate        decimal.Decimal
	AmountTotal    decimal.Decimal
	IssueDate      time.Time
	DueDate        time.Time
	PaymentDate    *time.Time
	PaymentStatus  PaymentStatus
	OverdueDays    int
	RelatedOrderID *int64
	Orders         []OrderLink
}

// EffectiveNet is the join-table sum when links exist, else AmountNet.
func (i Invoice) EffectiveNet() decimal.Decimal {
	if len(i.Orders) == 0 {
		return i.AmountNet
	}
	total := decimal.Zero
	for _, link := range i.Orders {
		total = total.Add(link.Amount)
	}
	return money.Round2(total)
}

// ComputeTotal returns the gross amount for the invoice's net and VAT.
func (i Invoice) ComputeTotal() decimal.Decimal {
	return money.Gross(i.EffectiveNet(), i.VATRate)
}

// OrderIDs lists every linked order once, legacy link first.
func (i Invoice) OrderIDs() []int64 {
	seen := make(map[int64]struct{}, len(i.Orders)+1)
	var ids []int64
	if i.RelatedOrderID != nil {
		seen[*i.RelatedOrderID] = struct{}{}
		ids = append(ids, *i.RelatedOrderID)
	}
	for _, link := range i.Orders {
		if _, ok := seen[link.OrderID]; ok {
			continue
		}
		seen[link.OrderID] = struct{}{}
		ids = append(ids, link.OrderID)
	}
	return ids
}

// DisplayNumber prefers our number, falling back to the supplier's.
func (i Invoice) DisplayNumber() string {
	if i.Number != "" {
		return i.Number
	}
	return i.ReceivedNumber
}

// Day truncates t to its UTC calendar date.
func Day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// DaysBetween counts whole calendar days from a to b.
func DaysBetween(a, b time.Time) int {
	return int(Day(b).Sub(Day(a)).Hours() / 24)
}
