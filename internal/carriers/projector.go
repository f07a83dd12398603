// Package carriers rolls supplier invoice settlement up onto order carrier legs.
package carriers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/baltic-freight/tms/internal/invoices"
	"github.com/baltic-freight/tms/internal/platform/db"
	"github.com/baltic-freight/tms/internal/shared"
)

// InvoiceState is the slice of a purchase invoice the tally needs.
type InvoiceState struct {
	ID          int64
	Status      invoices.PaymentStatus
	PaymentDate *time.Time
	// HasPayments reports at least one ledger event. An overdue invoice with
	// payments tallies as partial.
	HasPayments bool
}

// Repository reads purchase invoices and writes carrier legs.
type Repository interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
}

// TxRepository exposes the projection queries.
type TxRepository interface {
	PurchaseInvoicesFor(ctx context.Context, orderID, partnerID int64) ([]InvoiceState, error)
	UpdateCarriers(ctx context.Context, orderID, partnerID int64, status invoices.CarrierPaymentStatus, paidOn *time.Time) (int64, error)
}

// Projection is the outcome for one (order, partner) pair.
type Projection struct {
	OrderID     int64                         `json:"order_id"`
	PartnerID   int64                         `json:"partner_id"`
	Status      invoices.CarrierPaymentStatus `json:"payment_status"`
	PaymentDate *time.Time                    `json:"payment_date,omitempty"`
	Invoices    int                           `json:"invoices"`
	RowsUpdated int64                         `json:"rows_updated"`
}

// Tally folds purchase invoice states into the carrier leg state.
func Tally(states []InvoiceState) (invoices.CarrierPaymentStatus, *time.Time) {
	if len(states) == 0 {
		return invoices.CarrierNotPaid, nil
	}
	paid, partial := 0, 0
	var latest *time.Time
	for _, st := range states {
		switch st.Status {
		case invoices.StatusPaid:
			paid++
			if st.PaymentDate != nil && (latest == nil || st.PaymentDate.After(*latest)) {
				d := *st.PaymentDate
				latest = &d
			}
		case invoices.StatusPartiallyPaid:
			partial++
		case invoices.StatusOverdue:
			if st.HasPayments {
				partial++
			}
		}
	}
	switch {
	case paid == len(states):
		return invoices.CarrierPaid, latest
	case paid > 0 || partial > 0:
		return invoices.CarrierPartiallyPaid, latest
	default:
		return invoices.CarrierNotPaid, nil
	}
}

// Projector derives carrier leg payment state from current DB state only.
type Projector struct {
	repo   Repository
	logger *slog.Logger
}

// NewProjector constructs the projector.
func NewProjector(repo Repository, logger *slog.Logger) *Projector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Projector{repo: repo, logger: logger}
}

// Project recomputes every carrier leg of (orderID, partnerID).
func (p *Projector) Project(ctx context.Context, orderID, partnerID int64) (Projection, error) {
	if orderID <= 0 {
		return Projection{}, shared.Invalid("order_id", "must be positive")
	}
	if partnerID <= 0 {
		return Projection{}, shared.Invalid("partner_id", "must be positive")
	}
	out := Projection{OrderID: orderID, PartnerID: partnerID}
	err := p.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		states, err := tx.PurchaseInvoicesFor(ctx, orderID, partnerID)
		if err != nil {
			return err
		}
		out.Invoices = len(states)
		out.Status, out.PaymentDate = Tally(states)
		out.RowsUpdated, err = tx.UpdateCarriers(ctx, orderID, partnerID, out.Status, out.PaymentDate)
		return err
	})
	if err != nil {
		return Projection{}, fmt.Errorf("project order %d partner %d: %w", orderID, partnerID, err)
	}
	p.logger.Debug("carrier payment projected",
		slog.Int64("order_id", orderID), slog.Int64("partner_id", partnerID),
		slog.String("status", string(out.Status)), slog.Int64("rows", out.RowsUpdated))
	return out, nil
}

// ProjectAll projects each order for partnerID, continuing past failures.
func (p *Projector) ProjectAll(ctx context.Context, orderIDs []int64, partnerID int64) ([]Projection, error) {
	var out []Projection
	var errs []error
	for _, orderID := range orderIDs {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		proj, err := p.Project(ctx, orderID, partnerID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, proj)
	}
	return out, errors.Join(errs...)
}

// Refresh satisfies invoices.CarrierProjector.
func (p *Projector) Refresh(ctx context.Context, orderIDs []int64, partnerID int64) error {
	_, err := p.ProjectAll(ctx, orderIDs, partnerID)
	return err
}

type repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a pgx backed repository.
func NewRepository(pool *pgxpool.Pool) Repository {
	return &repository{pool: pool}
}

type txRepository struct {
	tx pgx.Tx
}

func (r *repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

// PurchaseInvoicesFor gathers invoices of partnerID linked to orderID by the
// legacy column or the join table.
func (t *txRepository) PurchaseInvoicesFor(ctx context.Context, orderID, partnerID int64) ([]InvoiceState, error) {
	rows, err := t.tx.Query(ctx, `SELECT pi.id, pi.payment_status, pi.payment_date,
		       EXISTS (SELECT 1 FROM invoice_payments ip WHERE ip.purchase_invoice_id = pi.id)
		FROM purchase_invoices pi
		WHERE pi.partner_id = $2
		  AND (pi.related_order_id = $1
		       OR EXISTS (SELECT 1 FROM purchase_invoice_orders pio
		                  WHERE pio.purchase_invoice_id = pi.id AND pio.order_id = $1))
		ORDER BY pi.id`, orderID, partnerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []InvoiceState
	for rows.Next() {
		var st InvoiceState
		var status string
		if err := rows.Scan(&st.ID, &status, &st.PaymentDate, &st.HasPayments); err != nil {
			return nil, err
		}
		st.Status = invoices.PaymentStatus(status)
		out = append(out, st)
	}
	return out, rows.Err()
}

func (t *txRepository) UpdateCarriers(ctx context.Context, orderID, partnerID int64, status invoices.CarrierPaymentStatus, paidOn *time.Time) (int64, error) {
	tag, err := t.tx.Exec(ctx, `UPDATE order_carriers
		SET payment_status = $3, payment_date = $4, updated_at = NOW()
		WHERE order_id = $1 AND partner_id = $2`, orderID, partnerID, string(status), paidOn)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
