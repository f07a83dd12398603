package payments

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/baltic-freight/tms/internal/invoices"
	"github.com/baltic-freight/tms/internal/platform/db"
)

// Repository defines ledger reads outside a transaction.
type Repository interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error

	GetInvoice(ctx context.Context, ref invoices.Ref) (invoices.Invoice, error)
	ListEvents(ctx context.Context, ref invoices.Ref) ([]Event, error)
	GetEvent(ctx context.Context, id int64) (Event, error)
	// FindOffsetOwners returns offset events, other than id, whose tag lists id.
	FindOffsetOwners(ctx context.Context, id int64) ([]Event, error)
}

// TxRepository exposes ledger writes. Every write is followed by SaveDerived
// for the affected invoice within the same transaction.
type TxRepository interface {
	LockInvoice(ctx context.Context, ref invoices.Ref) (invoices.Invoice, error)
	ListEvents(ctx context.Context, ref invoices.Ref) ([]Event, error)
	InsertEvent(ctx context.Context, e Event) (Event, error)
	DeleteEvent(ctx context.Context, id int64) (bool, error)
	UpdateEventNotes(ctx context.Context, id int64, notes string) error
	SaveDerived(ctx context.Context, ref invoices.Ref, d Derived) error
}

type repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a pgx backed ledger repository.
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

const eventColumns = `id, sales_invoice_id, purchase_invoice_id, amount, payment_date,
	COALESCE(payment_method, ''), COALESCE(notes, ''), COALESCE(created_by, 0), created_at`

func scanEvent(row pgx.Row) (Event, error) {
	var e Event
	var salesID, purchaseID *int64
	if err := row.Scan(&e.ID, &salesID, &purchaseID, &e.Amount, &e.PaymentDate, &e.Method, &e.Notes, &e.CreatedBy, &e.CreatedAt); err != nil {
		return Event{}, err
	}
	switch {
	case salesID != nil && purchaseID == nil:
		e.Ref = invoices.SalesRef(*salesID)
	case purchaseID != nil && salesID == nil:
		e.Ref = invoices.PurchaseRef(*purchaseID)
	default:
		return Event{}, fmt.Errorf("payment %d: invoice reference violates XOR", e.ID)
	}
	return e, nil
}

func refColumn(side invoices.Side) string {
	if side == invoices.SidePurchase {
		return "purchase_invoice_id"
	}
	return "sales_invoice_id"
}

func listEvents(ctx context.Context, q db.Querier, ref invoices.Ref) ([]Event, error) {
	query := fmt.Sprintf(`SELECT %s FROM invoice_payments WHERE %s = $1 ORDER BY payment_date, id`, eventColumns, refColumn(ref.Side))
	return collectEvents(q.Query(ctx, query, ref.ID))
}

func collectEvents(rows pgx.Rows, err error) ([]Event, error) {
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *repository) GetInvoice(ctx context.Context, ref invoices.Ref) (invoices.Invoice, error) {
	return invoices.Load(ctx, r.pool, ref, false)
}

func (r *repository) ListEvents(ctx context.Context, ref invoices.Ref) ([]Event, error) {
	return listEvents(ctx, r.pool, ref)
}

func (r *repository) GetEvent(ctx context.Context, id int64) (Event, error) {
	e, err := scanEvent(r.pool.QueryRow(ctx, `SELECT `+eventColumns+` FROM invoice_payments WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Event{}, fmt.Errorf("%d: %w", id, ErrPaymentNotFound)
		}
		return Event{}, err
	}
	return e, nil
}

func (r *repository) FindOffsetOwners(ctx context.Context, id int64) ([]Event, error) {
	candidates, err := collectEvents(r.pool.Query(ctx, `SELECT `+eventColumns+` FROM invoice_payments
		WHERE payment_method = $1 AND id <> $2 AND notes LIKE '%OFFSET\_PAYMENT\_IDS:%'
		ORDER BY id`, MethodOffset, id))
	if err != nil {
		return nil, err
	}
	var owners []Event
	for _, e := range candidates {
		if ListsOffsetID(e.Notes, id) {
			owners = append(owners, e)
		}
	}
	return owners, nil
}

func (t *txRepository) LockInvoice(ctx context.Context, ref invoices.Ref) (invoices.Invoice, error) {
	return invoices.Load(ctx, t.tx, ref, true)
}

func (t *txRepository) ListEvents(ctx context.Context, ref invoices.Ref) ([]Event, error) {
	return listEvents(ctx, t.tx, ref)
}

func (t *txRepository) InsertEvent(ctx context.Context, e Event) (Event, error) {
	var salesID, purchaseID *int64
	id := e.Ref.ID
	if e.Ref.Side == invoices.SidePurchase {
		purchaseID = &id
	} else {
		salesID = &id
	}
	var createdBy *int64
	if e.CreatedBy > 0 {
		createdBy = &e.CreatedBy
	}
	err := t.tx.QueryRow(ctx, `INSERT INTO invoice_payments
		(sales_invoice_id, purchase_invoice_id, amount, payment_date, payment_method, notes, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at`,
		salesID, purchaseID, e.Amount, e.PaymentDate, e.Method, e.Notes, createdBy).Scan(&e.ID, &e.CreatedAt)
	if err != nil {
		return Event{}, err
	}
	return e, nil
}

func (t *txRepository) DeleteEvent(ctx context.Context, id int64) (bool, error) {
	tag, err := t.tx.Exec(ctx, `DELETE FROM invoice_payments WHERE id = $1`, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (t *txRepository) UpdateEventNotes(ctx context.Context, id int64, notes string) error {
	tag, err := t.tx.Exec(ctx, `UPDATE invoice_payments SET notes = $2 WHERE id = $1`, id, notes)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%d: %w", id, ErrPaymentNotFound)
	}
	return nil
}

func (t *txRepository) SaveDerived(ctx context.Context, ref invoices.Ref, d Derived) error {
	query := fmt.Sprintf(`UPDATE %s SET payment_status = $2, payment_date = $3, overdue_days = $4, updated_at = NOW()
		WHERE id = $1`, invoices.TablesFor(ref.Side).Invoices)
	_, err := t.tx.Exec(ctx, query, ref.ID, string(d.Status), d.PaymentDate, d.OverdueDays)
	return err
}
