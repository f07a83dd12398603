package invoices

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/baltic-freight/tms/internal/platform/db"
)

// Repository defines invoice persistence.
type Repository interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error

	Get(ctx context.Context, ref Ref) (Invoice, error)
	ListOpen(ctx context.Context, side Side) ([]Invoice, error)
	SearchByNumber(ctx context.Context, fragments []string, limit int) ([]Invoice, error)
	GetPartner(ctx context.Context, id int64) (Partner, error)
}

// TxRepository exposes transactional write operations.
type TxRepository interface {
	Insert(ctx context.Context, inv Invoice) (int64, error)
	InsertOrderLinks(ctx context.Context, ref Ref, links []OrderLink) error
	GetForUpdate(ctx context.Context, ref Ref) (Invoice, error)
	Delete(ctx context.Context, ref Ref) error
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

// Tables lists the invoice and join tables backing a side.
type Tables struct {
	Invoices string
	Links    string
	LinkFK   string
}

// TablesFor maps a side onto its tables.
func TablesFor(side Side) Tables {
	if side == SidePurchase {
		return Tables{Invoices: "purchase_invoices", Links: "purchase_invoice_orders", LinkFK: "purchase_invoice_id"}
	}
	return Tables{Invoices: "sales_invoices", Links: "sales_invoice_orders", LinkFK: "sales_invoice_id"}
}

// SelectColumns is the projection scanned by ScanInvoice. The received number
// and type columns are side specific and selected as constants on the other side.
func SelectColumns(side Side) string {
	received, typ := "''", "invoice_type"
	if side == SidePurchase {
		received, typ = "received_invoice_number", "''"
	}
	return fmt.Sprintf(`i.id, COALESCE(i.invoice_number, ''), %s, %s, i.partner_id, p.name,
		i.amount_net, i.vat_rate, i.amount_total, i.issue_date, i.due_date, i.payment_date,
		i.payment_status, i.overdue_days, i.related_order_id`, received, typ)
}

// ScanInvoice reads one row produced with SelectColumns.
func ScanInvoice(row pgx.Row, side Side) (Invoice, error) {
	inv := Invoice{Ref: Ref{Side: side}}
	var typ string
	var status string
	err := row.Scan(&inv.Ref.ID, &inv.Number, &inv.ReceivedNumber, &typ, &inv.PartnerID, &inv.PartnerName,
		&inv.AmountNet, &inv.VATRate, &inv.AmountTotal, &inv.IssueDate, &inv.DueDate, &inv.PaymentDate,
		&status, &inv.OverdueDays, &inv.RelatedOrderID)
	if err != nil {
		return Invoice{}, err
	}
	inv.Type = SalesInvoiceType(typ)
	inv.PaymentStatus = PaymentStatus(status)
	return inv, nil
}

// LoadOrderLinks fills inv.Orders from the side's join table.
func LoadOrderLinks(ctx context.Context, q db.Querier, inv *Invoice) error {
	t := TablesFor(inv.Ref.Side)
	rows, err := q.Query(ctx, fmt.Sprintf(`SELECT order_id, amount FROM %s WHERE %s = $1 ORDER BY order_id`, t.Links, t.LinkFK), inv.Ref.ID)
	if err != nil {
		return err
	}
	defer rows.Close()
	inv.Orders = inv.Orders[:0]
	for rows.Next() {
		var link OrderLink
		if err := rows.Scan(&link.OrderID, &link.Amount); err != nil {
			return err
		}
		inv.Orders = append(inv.Orders, link)
	}
	return rows.Err()
}

// Load reads one invoice with its order links, optionally locking the row.
func Load(ctx context.Context, q db.Querier, ref Ref, lock bool) (Invoice, error) {
	if err := ref.Validate(); err != nil {
		return Invoice{}, err
	}
	t := TablesFor(ref.Side)
	query := fmt.Sprintf(`SELECT %s FROM %s i JOIN partners p ON p.id = i.partner_id WHERE i.id = $1`, SelectColumns(ref.Side), t.Invoices)
	if lock {
		query += " FOR UPDATE OF i"
	}
	inv, err := ScanInvoice(q.QueryRow(ctx, query, ref.ID), ref.Side)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Invoice{}, fmt.Errorf("%s: %w", ref, ErrInvoiceNotFound)
		}
		return Invoice{}, err
	}
	if err := LoadOrderLinks(ctx, q, &inv); err != nil {
		return Invoice{}, err
	}
	return inv, nil
}

func (r *repository) Get(ctx context.Context, ref Ref) (Invoice, error) {
	return Load(ctx, r.pool, ref, false)
}

// ListOpen returns every invoice on side still expecting money, due date first.
func (r *repository) ListOpen(ctx context.Context, side Side) ([]Invoice, error) {
	t := TablesFor(side)
	query := fmt.Sprintf(`SELECT %s FROM %s i JOIN partners p ON p.id = i.partner_id
		WHERE i.payment_status IN ('unpaid', 'partially_paid', 'overdue')
		ORDER BY i.due_date, i.id`, SelectColumns(side), t.Invoices)
	return r.list(ctx, side, query)
}

// SearchByNumber finds invoices on both sides whose numbers contain any fragment.
func (r *repository) SearchByNumber(ctx context.Context, fragments []string, limit int) ([]Invoice, error) {
	if len(fragments) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}
	patterns := make([]string, 0, len(fragments))
	for _, f := range fragments {
		patterns = append(patterns, "%"+escapeLike(f)+"%")
	}
	var out []Invoice
	for _, side := range []Side{SideSales, SidePurchase} {
		t := TablesFor(side)
		numberExpr := "i.invoice_number"
		if side == SidePurchase {
			numberExpr = "COALESCE(i.invoice_number, '') || ' ' || i.received_invoice_number"
		}
		query := fmt.Sprintf(`SELECT %s FROM %s i JOIN partners p ON p.id = i.partner_id
			WHERE %s ILIKE ANY($1) ORDER BY i.issue_date DESC, i.id DESC LIMIT %d`, SelectColumns(side), t.Invoices, numberExpr, limit)
		found, err := r.list(ctx, side, query, patterns)
		if err != nil {
			return nil, err
		}
		out = append(out, found...)
	}
	return out, nil
}

func (r *repository) list(ctx context.Context, side Side, query string, args ...any) ([]Invoice, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Invoice
	for rows.Next() {
		inv, err := ScanInvoice(rows, side)
		if err != nil {
			return nil, err
		}
		out = append(out, inv)
	}
	return out, rows.Err()
}

func (r *repository) GetPartner(ctx context.Context, id int64) (Partner, error) {
	var p Partner
	err := r.pool.QueryRow(ctx, `SELECT id, name, COALESCE(email, ''), is_client, is_supplier FROM partners WHERE id = $1`, id).
		Scan(&p.ID, &p.Name, &p.Email, &p.IsClient, &p.IsSupplier)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Partner{}, ErrPartnerNotFound
		}
		return Partner{}, err
	}
	return p, nil
}

func (t *txRepository) Insert(ctx context.Context, inv Invoice) (int64, error) {
	var id int64
	var err error
	switch inv.Ref.Side {
	case SideSales:
		err = t.tx.QueryRow(ctx, `INSERT INTO sales_invoices
			(invoice_number, invoice_type, partner_id, amount_net, vat_rate, amount_total, issue_date, due_date,
			 payment_status, overdue_days, related_order_id)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 0, $10) RETURNING id`,
			inv.Number, string(inv.Type), inv.PartnerID, inv.AmountNet, inv.VATRate, inv.AmountTotal,
			inv.IssueDate, inv.DueDate, string(StatusUnpaid), inv.RelatedOrderID).Scan(&id)
	case SidePurchase:
		err = t.tx.QueryRow(ctx, `INSERT INTO purchase_invoices
			(invoice_number, received_invoice_number, partner_id, amount_net, vat_rate, amount_total, issue_date, due_date,
			 payment_status, overdue_days, related_order_id)
			VALUES (NULLIF($1, ''), $2, $3, $4, $5, $6, $7, $8, $9, 0, $10) RETURNING id`,
			inv.Number, inv.ReceivedNumber, inv.PartnerID, inv.AmountNet, inv.VATRate, inv.AmountTotal,
			inv.IssueDate, inv.DueDate, string(StatusUnpaid), inv.RelatedOrderID).Scan(&id)
	default:
		return 0, inv.Ref.Validate()
	}
	if err != nil {
		if db.IsUniqueViolation(err) {
			return 0, ErrDuplicateNumber
		}
		return 0, err
	}
	return id, nil
}

func (t *txRepository) InsertOrderLinks(ctx context.Context, ref Ref, links []OrderLink) error {
	tables := TablesFor(ref.Side)
	for _, link := range links {
		_, err := t.tx.Exec(ctx, fmt.Sprintf(`INSERT INTO %s (%s, order_id, amount) VALUES ($1, $2, $3)`, tables.Links, tables.LinkFK),
			ref.ID, link.OrderID, link.Amount)
		if err != nil {
			return err
		}
	}
	return nil
}

func (t *txRepository) GetForUpdate(ctx context.Context, ref Ref) (Invoice, error) {
	return Load(ctx, t.tx, ref, true)
}

func (t *txRepository) Delete(ctx context.Context, ref Ref) error {
	tag, err := t.tx.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, TablesFor(ref.Side).Invoices), ref.ID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", ref, ErrInvoiceNotFound)
	}
	return nil
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
