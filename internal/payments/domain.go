// Package payments keeps the append-only payment ledger and derives invoice
// settlement state from it, including supplier/customer offset groups.
package payments

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/baltic-freight/tms/internal/invoices"
	"github.com/baltic-freight/tms/internal/money"
	"github.com/baltic-freight/tms/internal/shared"
)

const (
	// MethodOffset marks netting events ("Sudengta").
	MethodOffset = "Sudengta"
	// MethodBankTransfer marks events emitted by statement reconciliation.
	MethodBankTransfer = "Banko pavedimas"
)

var (
	// ErrPaymentNotFound indicates the payment event does not exist.
	ErrPaymentNotFound = fmt.Errorf("payment %w", shared.ErrNotFound)
)

// Event is one immutable payment against exactly one invoice.
type Event struct {
	ID          int64           `json:"id"`
	Ref         invoices.Ref    `json:"-"`
	Amount      decimal.Decimal `json:"amount"`
	PaymentDate time.Time       `json:"payment_date"`
	Method      string          `json:"payment_method"`
	Notes       string          `json:"notes"`
	CreatedBy   int64           `json:"created_by,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Validate enforces the ledger invariants on a new event.
func (e Event) Validate() error {
	if err := e.Ref.Validate(); err != nil {
		return err
	}
	if !e.Amount.IsPositive() {
		return shared.Invalid("amount", "must be positive")
	}
	if e.PaymentDate.IsZero() {
		return shared.Invalid("payment_date", "required")
	}
	return nil
}

// Derived is the settlement state folded from an invoice's events.
type Derived struct {
	Paid        decimal.Decimal
	Remaining   decimal.Decimal
	Status      invoices.PaymentStatus
	PaymentDate *time.Time
	OverdueDays int
}

// Derive folds events into the invoice's settlement state as of today.
//
//	paid > 0 and remaining <= 0.01  -> paid
//	paid > 0 and remaining > 0.01   -> partially_paid
//	paid <= 0                       -> unpaid, or overdue once past due
func Derive(inv invoices.Invoice, events []Event, today time.Time) Derived {
	paid := decimal.Zero
	var latest time.Time
	for _, e := range events {
		paid = paid.Add(e.Amount)
		if e.PaymentDate.After(latest) {
			latest = e.PaymentDate
		}
	}
	d := Derived{
		Paid:      money.Round2(paid),
		Remaining: money.Round2(inv.AmountTotal.Sub(paid)),
	}
	switch {
	case d.Paid.IsPositive() && money.Settled(d.Remaining):
		d.Status = invoices.StatusPaid
		date := invoices.Day(latest)
		d.PaymentDate = &date
	case d.Paid.IsPositive():
		d.Status = invoices.StatusPartiallyPaid
	default:
		d.Status = invoices.StatusUnpaid
	}

	today = invoices.Day(today)
	if d.Status != invoices.StatusPaid && !inv.DueDate.IsZero() && inv.DueDate.Before(today) {
		d.OverdueDays = invoices.DaysBetween(inv.DueDate, today)
		if d.Status == invoices.StatusUnpaid {
			d.Status = invoices.StatusOverdue
		}
	}
	return d
}

// Summary is the read model for one invoice.
type Summary struct {
	Ref         invoices.Ref           `json:"-"`
	InvoiceRef  string                 `json:"invoice_ref"`
	Number      string                 `json:"number"`
	Total       decimal.Decimal        `json:"total"`
	Paid        decimal.Decimal        `json:"paid"`
	Remaining   decimal.Decimal        `json:"remaining"`
	Status      invoices.PaymentStatus `json:"payment_status"`
	PaymentDate *time.Time             `json:"payment_date,omitempty"`
	OverdueDays int                    `json:"overdue_days"`
	Events      []Event                `json:"events"`
}

func newSummary(inv invoices.Invoice, events []Event, d Derived) Summary {
	if events == nil {
		events = []Event{}
	}
	return Summary{
		Ref:         inv.Ref,
		InvoiceRef:  inv.Ref.String(),
		Number:      inv.DisplayNumber(),
		Total:       inv.AmountTotal,
		Paid:        d.Paid,
		Remaining:   d.Remaining,
		Status:      d.Status,
		PaymentDate: d.PaymentDate,
		OverdueDays: d.OverdueDays,
		Events:      events,
	}
}

// Result reports a ledger mutation.
type Result struct {
	Event         *Event    `json:"event,omitempty"`
	Invoice       Summary   `json:"invoice"`
	StatusChanged bool      `json:"status_changed"`
	OffsetEvents  []Event   `json:"offset_events,omitempty"`
	Affected      []Summary `json:"affected,omitempty"`
}

// AddPaymentInput registers money against an invoice. OffsetTargets are sales
// invoice ids netted against a purchase invoice when Method is MethodOffset.
type AddPaymentInput struct {
	Ref           invoices.Ref
	Amount        decimal.Decimal
	Date          time.Time
	Method        string `validate:"max=64"`
	Notes         string `validate:"max=2000"`
	OffsetTargets []int64
}

// MarkPaidInput settles the remaining amount of an invoice.
type MarkPaidInput struct {
	Ref    invoices.Ref
	Date   *time.Time
	Method string `validate:"max=64"`
	Notes  string `validate:"max=2000"`
}
