package numbering

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/baltic-freight/tms/internal/platform/db"
)

// Repository defines sequence persistence.
type Repository interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	ExistingNumbers(ctx context.Context, kind Kind, prefix string) ([]string, error)
}

// TxRepository exposes the locked sequence operations.
type TxRepository interface {
	// LockSequence returns last_number with the row locked, creating it at zero when absent.
	LockSequence(ctx context.Context, key SequenceKey) (int64, error)
	SetSequence(ctx context.Context, key SequenceKey, last int64) error
	ExistingNumbers(ctx context.Context, kind Kind, prefix string) ([]string, error)
	NumberExists(ctx context.Context, kind Kind, number string) (bool, error)
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

func (r *repository) ExistingNumbers(ctx context.Context, kind Kind, prefix string) ([]string, error) {
	return existingNumbers(ctx, r.pool, kind, prefix)
}

func (t *txRepository) ExistingNumbers(ctx context.Context, kind Kind, prefix string) ([]string, error) {
	return existingNumbers(ctx, t.tx, kind, prefix)
}

// numberSources lists the live columns holding numbers of a kind. Invoice kinds
// share one sequence, so both invoice tables are scanned for either.
func numberSources(kind Kind) []string {
	switch kind {
	case KindSalesInvoice, KindPurchaseInvoice:
		return []string{
			`SELECT invoice_number FROM sales_invoices WHERE invoice_number ILIKE $1`,
			`SELECT invoice_number FROM purchase_invoices WHERE invoice_number ILIKE $1`,
		}
	case KindOrder:
		return []string{`SELECT order_number FROM orders WHERE order_number ILIKE $1`}
	case KindExpeditionCarrier, KindExpeditionWarehouse:
		return []string{`SELECT expedition_number FROM order_carriers WHERE expedition_number ILIKE $1`}
	case KindExpeditionCost:
		return []string{`SELECT expedition_number FROM order_costs WHERE expedition_number ILIKE $1`}
	}
	return nil
}

func existingNumbers(ctx context.Context, q db.Querier, kind Kind, prefix string) ([]string, error) {
	sources := numberSources(kind)
	if len(sources) == 0 {
		return nil, fmt.Errorf("numbering: unknown kind %q", kind)
	}
	var out []string
	for _, query := range sources {
		rows, err := q.Query(ctx, query, likePrefix(prefix))
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			var v string
			if err := rows.Scan(&v); err != nil {
				rows.Close()
				return nil, err
			}
			out = append(out, v)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (t *txRepository) NumberExists(ctx context.Context, kind Kind, number string) (bool, error) {
	for _, query := range numberSources(kind) {
		var exists bool
		err := t.tx.QueryRow(ctx, `SELECT EXISTS(`+query+`)`, likeExact(number)).Scan(&exists)
		if err != nil {
			return false, err
		}
		if exists {
			return true, nil
		}
	}
	return false, nil
}

type sequenceSQL struct {
	selectForUpdate string
	insert          string
	update          string
	args            []any
}

func sequenceStatements(key SequenceKey) (sequenceSQL, error) {
	switch key.Kind.sequenceKind() {
	case KindSalesInvoice:
		return yearSequence("invoice_number_sequences", key.Year), nil
	case KindOrder:
		return yearSequence("order_number_sequences", key.Year), nil
	case KindExpeditionCarrier:
		return expeditionSequence("last_carrier_number"), nil
	case KindExpeditionWarehouse:
		return expeditionSequence("last_warehouse_number"), nil
	case KindExpeditionCost:
		return expeditionSequence("last_cost_number"), nil
	}
	return sequenceSQL{}, fmt.Errorf("numbering: unknown kind %q", key.Kind)
}

func yearSequence(table string, year int) sequenceSQL {
	return sequenceSQL{
		selectForUpdate: fmt.Sprintf(`SELECT last_number FROM %s WHERE year = $1 FOR UPDATE`, table),
		insert:          fmt.Sprintf(`INSERT INTO %s (year, last_number) VALUES ($1, 0)`, table),
		update:          fmt.Sprintf(`UPDATE %s SET last_number = $2, updated_at = NOW() WHERE year = $1`, table),
		args:            []any{year},
	}
}

func expeditionSequence(column string) sequenceSQL {
	return sequenceSQL{
		selectForUpdate: fmt.Sprintf(`SELECT %s FROM expedition_number_sequences WHERE id = $1 FOR UPDATE`, column),
		insert:          `INSERT INTO expedition_number_sequences (id) VALUES ($1)`,
		update:          fmt.Sprintf(`UPDATE expedition_number_sequences SET %s = $2, updated_at = NOW() WHERE id = $1`, column),
		args:            []any{1},
	}
}

func (t *txRepository) LockSequence(ctx context.Context, key SequenceKey) (int64, error) {
	stmts, err := sequenceStatements(key)
	if err != nil {
		return 0, err
	}
	var last int64
	err = t.tx.QueryRow(ctx, stmts.selectForUpdate, stmts.args...).Scan(&last)
	if err == nil {
		return last, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, err
	}

	// Create the row inside a savepoint so a peer winning the insert race
	// leaves the outer transaction usable.
	sp, err := t.tx.Begin(ctx)
	if err != nil {
		return 0, err
	}
	if _, err := sp.Exec(ctx, stmts.insert, stmts.args...); err != nil {
		_ = sp.Rollback(ctx)
		if !db.IsUniqueViolation(err) {
			return 0, err
		}
	} else if err := sp.Commit(ctx); err != nil {
		return 0, err
	}

	if err := t.tx.QueryRow(ctx, stmts.selectForUpdate, stmts.args...).Scan(&last); err != nil {
		return 0, fmt.Errorf("numbering: relock %s: %w", key.Kind, err)
	}
	return last, nil
}

func (t *txRepository) SetSequence(ctx context.Context, key SequenceKey, last int64) error {
	stmts, err := sequenceStatements(key)
	if err != nil {
		return err
	}
	_, err = t.tx.Exec(ctx, stmts.update, append(stmts.args, last)...)
	return err
}

// likeExact escapes number so ILIKE compares it literally.
func likeExact(number string) string {
	p := likePrefix(number)
	return p[:len(p)-1]
}
