package backofficehttp

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/baltic-freight/tms/internal/invoices"
)

type addPaymentRequest struct {
	Amount        decimal.Decimal `json:"amount"`
	PaymentDate   string          `json:"payment_date" validate:"required"`
	Method        string          `json:"payment_method" validate:"max=64"`
	Notes         string          `json:"notes" validate:"max=2000"`
	OffsetTargets []int64         `json:"offset_targets" validate:"omitempty,dive,gt=0"`
}

type markPaidRequest struct {
	PaymentDate string `json:"payment_date"`
	Method      string `json:"payment_method" validate:"max=64"`
	Notes       string `json:"notes" validate:"max=2000"`
}

type projectRequest struct {
	OrderIDs  []int64 `json:"order_ids" validate:"required,min=1,dive,gt=0"`
	PartnerID int64   `json:"partner_id" validate:"gt=0"`
}

type orderLinkResponse struct {
	OrderID int64           `json:"order_id"`
	Amount  decimal.Decimal `json:"amount"`
}

type invoiceResponse struct {
	Ref            string                 `json:"invoice_ref"`
	Number         string                 `json:"invoice_number,omitempty"`
	ReceivedNumber string                 `json:"received_invoice_number,omitempty"`
	Type           string                 `json:"invoice_type,omitempty"`
	PartnerID      int64                  `json:"partner_id"`
	PartnerName    string                 `json:"partner_name"`
	AmountNet      decimal.Decimal        `json:"amount_net"`
	VATRate        decimal.Decimal        `json:"vat_rate"`
	AmountTotal    decimal.Decimal        `json:"amount_total"`
	IssueDate      string                 `json:"issue_date"`
	DueDate        string                 `json:"due_date"`
	PaymentDate    *string                `json:"payment_date,omitempty"`
	PaymentStatus  invoices.PaymentStatus `json:"payment_status"`
	OverdueDays    int                    `json:"overdue_days"`
	RelatedOrderID *int64                 `json:"related_order_id,omitempty"`
	Orders         []orderLinkResponse    `json:"orders,omitempty"`
}

func newInvoiceResponse(inv invoices.Invoice) invoiceResponse {
	out := invoiceResponse{
		Ref:            inv.Ref.String(),
		Number:         inv.Number,
		ReceivedNumber: inv.ReceivedNumber,
		Type:           string(inv.Type),
		PartnerID:      inv.PartnerID,
		PartnerName:    inv.PartnerName,
		AmountNet:      inv.AmountNet,
		VATRate:        inv.VATRate,
		AmountTotal:    inv.AmountTotal,
		IssueDate:      inv.IssueDate.Format(time.DateOnly),
		DueDate:        inv.DueDate.Format(time.DateOnly),
		PaymentStatus:  inv.PaymentStatus,
		OverdueDays:    inv.OverdueDays,
		RelatedOrderID: inv.RelatedOrderID,
	}
	if inv.PaymentDate != nil {
		d := inv.PaymentDate.Format(time.DateOnly)
		out.PaymentDate = &d
	}
	for _, link := range inv.Orders {
		out.Orders = append(out.Orders, orderLinkResponse{OrderID: link.OrderID, Amount: link.Amount})
	}
	return out
}
